package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnencodable is returned by Encode when an event holds a value JSON
// cannot represent, such as NaN or a channel inside opts.
var ErrUnencodable = errors.New("model: batch not encodable")

// Encode marshals the batch and wraps it in an Envelope. It also returns the
// raw JSON size for diagnostics.
func (b Batch) Encode() (Envelope, int, error) {
	b.normalize()
	raw, err := json.Marshal(b)
	if err != nil {
		return Envelope{}, 0, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}
	return Envelope{D: base64.StdEncoding.EncodeToString(raw)}, len(raw), nil
}

// Decode unwraps an Envelope into a Batch.
func (e Envelope) Decode() (Batch, error) {
	raw, err := base64.StdEncoding.DecodeString(e.D)
	if err != nil {
		return Batch{}, fmt.Errorf("model: decode envelope: %w", err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("model: unmarshal batch: %w", err)
	}
	b.normalize()
	return b, nil
}

// Prune returns a copy of b without the events that fail to marshal on their
// own, and how many were removed. Relative order is preserved.
func (b Batch) Prune() (Batch, int) {
	var out Batch
	n := 0
	out.Runs, n = keepEncodable(b.Runs, n)
	out.Groups, n = keepEncodable(b.Groups, n)
	out.Calls, n = keepEncodable(b.Calls, n)
	out.Links, n = keepEncodable(b.Links, n)
	out.Outcomes, n = keepEncodable(b.Outcomes, n)
	out.Acts, n = keepEncodable(b.Acts, n)
	return out, n
}

func keepEncodable[E any](events []E, removed int) ([]E, int) {
	var kept []E
	for _, e := range events {
		if _, err := json.Marshal(e); err != nil {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// normalize replaces nil queues with empty ones so they encode as [].
func (b *Batch) normalize() {
	if b.Runs == nil {
		b.Runs = []RunEvent{}
	}
	if b.Groups == nil {
		b.Groups = []GroupEvent{}
	}
	if b.Calls == nil {
		b.Calls = []CallEvent{}
	}
	if b.Links == nil {
		b.Links = []LinkEvent{}
	}
	if b.Outcomes == nil {
		b.Outcomes = []OutcomeEvent{}
	}
	if b.Acts == nil {
		b.Acts = []ActEvent{}
	}
}
