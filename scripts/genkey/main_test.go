package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	a, err := newKey("wm_live_")
	require.NoError(t, err)
	b, err := newKey("wm_live_")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "wm_live_"))
	assert.Len(t, a, len("wm_live_")+2*keyBytes)
	assert.NotEqual(t, a, b)
}
