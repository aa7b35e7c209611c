package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type codedErr int

func (e codedErr) Error() string { return fmt.Sprintf("sqlite error %d", int(e)) }
func (e codedErr) Code() int     { return int(e) }

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", codedErr(5), true},
		{"locked", codedErr(6), true},
		{"busy snapshot extended code", codedErr(5 | 2<<8), true},
		{"wrapped busy", fmt.Errorf("insert: %w", codedErr(5)), true},
		{"constraint", codedErr(19), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriable(tt.err))
		})
	}
}

func TestWithRetryRetriesBusy(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return codedErr(sqliteBusy)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("syntax error")
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return codedErr(sqliteLocked)
	})
	assert.True(t, isRetriable(err))
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 3, time.Second, func() error {
		return codedErr(sqliteBusy)
	})
	assert.ErrorIs(t, err, context.Canceled)
}
