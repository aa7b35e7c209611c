// Package registry tracks the runs, groups, outcomes and acts known to one
// client, including stub records for ids that were reserved or minted
// elsewhere and not yet described.
package registry

import (
	"sync"

	"github.com/warpmetrics/warp-go/internal/ids"
)

// Record is the in-memory state of one entity.
type Record struct {
	ID     string
	Prefix ids.Prefix
	// Stub is true until the entity is described by a create or complete call.
	Stub     bool
	Label    string
	Name     string
	ParentID string
	RefID    string
	Opts     map[string]any
	Groups   []string
	Calls    []string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register stores a fully described record. It refuses to overwrite a record
// that is already real.
func (r *Registry) Register(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.records[rec.ID]; ok && !cur.Stub {
		return false
	}
	rec.Stub = false
	if cur, ok := r.records[rec.ID]; ok {
		// Children linked while the id was a stub stay linked.
		rec.Groups = append(cur.Groups, rec.Groups...)
		rec.Calls = append(cur.Calls, rec.Calls...)
	}
	r.records[rec.ID] = &rec
	return true
}

// Stub registers id as a stub if it is unknown. It never downgrades an
// existing record.
func (r *Registry) Stub(id string) bool {
	p, ok := ids.PrefixOf(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[id]; exists {
		return false
	}
	r.records[id] = &Record{ID: id, Prefix: p, Stub: true}
	return true
}

// Complete turns the stub for id into a real record. It fails if id is
// unknown or already real.
func (r *Registry) Complete(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.ID]
	if !ok || !cur.Stub {
		return false
	}
	rec.Stub = false
	rec.Groups = append(cur.Groups, rec.Groups...)
	rec.Calls = append(cur.Calls, rec.Calls...)
	r.records[rec.ID] = &rec
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Parent returns the record for id if it can hold children (a run or a group).
func (r *Registry) Parent(id string) (Record, bool) {
	rec, ok := r.Get(id)
	if !ok || (rec.Prefix != ids.Run && rec.Prefix != ids.Group) {
		return Record{}, false
	}
	return rec, true
}

// AttachGroup records child as a group of parent and sets its parent id.
func (r *Registry) AttachGroup(parentID, childID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.records[parentID]
	if !ok || (parent.Prefix != ids.Run && parent.Prefix != ids.Group) {
		return false
	}
	parent.Groups = append(parent.Groups, childID)
	if child, ok := r.records[childID]; ok {
		child.ParentID = parentID
	}
	return true
}

// AttachCall records callID as a call of parent.
func (r *Registry) AttachCall(parentID, callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.records[parentID]
	if !ok || (parent.Prefix != ids.Run && parent.Prefix != ids.Group) {
		return false
	}
	parent.Calls = append(parent.Calls, callID)
	return true
}

// Len returns the number of records, stubs included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (rec *Record) clone() Record {
	c := *rec
	c.Groups = append([]string(nil), rec.Groups...)
	c.Calls = append([]string(nil), rec.Calls...)
	return c
}
