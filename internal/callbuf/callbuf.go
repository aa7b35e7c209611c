// Package callbuf holds normalized call records until the application decides
// which run or group they belong to.
//
// Entries are keyed by the identity of the value the caller holds (a response,
// a stream wrapper or an error carrier) through a weak pointer, so the buffer
// never keeps that value alive. When the value is garbage collected without
// ever being associated, its entry is evicted.
package callbuf

import (
	"runtime"
	"sync"
	"weak"

	"github.com/warpmetrics/warp-go/internal/model"
)

// Key identifies a buffered value by pointer identity.
type Key struct {
	wp any
}

// KeyOf returns the key for p. Two calls with the same pointer return equal keys.
func KeyOf[T any](p *T) Key {
	return Key{wp: weak.Make(p)}
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries map[Key]*model.CallEvent
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{entries: make(map[Key]*model.CallEvent)}
}

// Put buffers rec under p. A later Put for the same pointer replaces it.
func Put[T any](b *Buffer, p *T, rec *model.CallEvent) {
	if p == nil || rec == nil {
		return
	}
	k := KeyOf(p)
	b.mu.Lock()
	_, existed := b.entries[k]
	b.entries[k] = rec
	b.mu.Unlock()
	if !existed {
		runtime.AddCleanup(p, b.evict, k)
	}
}

// Peek returns the buffered record for k without consuming it.
func (b *Buffer) Peek(k Key) (*model.CallEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.entries[k]
	return rec, ok
}

// Take removes and returns the record for k. Only the first Take for a key
// succeeds.
func (b *Buffer) Take(k Key) (*model.CallEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.entries[k]
	if ok {
		delete(b.entries, k)
	}
	return rec, ok
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) evict(k Key) {
	b.mu.Lock()
	delete(b.entries, k)
	b.mu.Unlock()
}
