package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Rate-limit backoff: 2s doubling per consecutive 429, capped at 60s, with
// ±30% jitter applied to the capped value.
const (
	backoffInitial = 2 * time.Second
	backoffMax     = 60 * time.Second
	backoffJitter  = 0.3
)

type backoffState struct {
	active  bool
	retries int
	delay   time.Duration
	exp     *backoff.ExponentialBackOff
}

func newBackoffState() *backoffState {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     backoffInitial,
		RandomizationFactor: backoffJitter,
		Multiplier:          2,
		MaxInterval:         backoffMax,
	}
	exp.Reset()
	return &backoffState{exp: exp}
}

// next records one more 429 and returns the delay before the retry. A
// positive retryAfter from the server replaces the computed delay; the
// exponential sequence still advances.
func (s *backoffState) next(retryAfter time.Duration) time.Duration {
	d := s.exp.NextBackOff()
	if retryAfter > 0 {
		d = retryAfter
	}
	s.active = true
	s.retries++
	s.delay = d
	return d
}

func (s *backoffState) reset() {
	s.active = false
	s.retries = 0
	s.delay = 0
	s.exp.Reset()
}
