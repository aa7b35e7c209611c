package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpmetrics/warp-go/internal/ids"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	id := ids.New(ids.Run)
	require.True(t, r.Register(Record{ID: id, Prefix: ids.Run, Label: "review"}))

	rec, ok := r.Get(id)
	require.True(t, ok)
	assert.False(t, rec.Stub)
	assert.Equal(t, "review", rec.Label)

	assert.False(t, r.Register(Record{ID: id, Prefix: ids.Run, Label: "other"}), "real records are never replaced")
	rec, _ = r.Get(id)
	assert.Equal(t, "review", rec.Label)
}

func TestStubNeverDowngrades(t *testing.T) {
	r := New()
	id := ids.New(ids.Act)
	require.True(t, r.Register(Record{ID: id, Prefix: ids.Act, Name: "retry"}))

	assert.False(t, r.Stub(id))
	rec, _ := r.Get(id)
	assert.False(t, rec.Stub)
	assert.Equal(t, "retry", rec.Name)
}

func TestStubRejectsUnknownPrefix(t *testing.T) {
	r := New()
	assert.False(t, r.Stub("not-an-id"))
	assert.False(t, r.Stub("wm_zzz_123"))
	assert.Equal(t, 0, r.Len())
}

func TestCompleteOnlyOnce(t *testing.T) {
	r := New()
	id := ids.New(ids.Act)
	require.True(t, r.Stub(id))

	rec, _ := r.Get(id)
	assert.True(t, rec.Stub)

	require.True(t, r.Complete(Record{ID: id, Prefix: ids.Act, Name: "first"}))
	assert.False(t, r.Complete(Record{ID: id, Prefix: ids.Act, Name: "second"}))

	rec, _ = r.Get(id)
	assert.False(t, rec.Stub)
	assert.Equal(t, "first", rec.Name)

	assert.False(t, r.Complete(Record{ID: ids.New(ids.Act)}), "unknown ids cannot be completed")
}

func TestAttachKeepsChildrenAcrossCompletion(t *testing.T) {
	r := New()
	runID := ids.New(ids.Run)
	require.True(t, r.Stub(runID))

	grpID := ids.New(ids.Group)
	require.True(t, r.Register(Record{ID: grpID, Prefix: ids.Group}))
	require.True(t, r.AttachGroup(runID, grpID))
	require.True(t, r.AttachCall(runID, "wm_call_1"))

	require.True(t, r.Complete(Record{ID: runID, Prefix: ids.Run, Label: "late"}))
	rec, _ := r.Get(runID)
	assert.Equal(t, []string{grpID}, rec.Groups)
	assert.Equal(t, []string{"wm_call_1"}, rec.Calls)

	child, _ := r.Get(grpID)
	assert.Equal(t, runID, child.ParentID)
}

func TestParentRequiresRunOrGroup(t *testing.T) {
	r := New()
	oc := ids.New(ids.Outcome)
	require.True(t, r.Register(Record{ID: oc, Prefix: ids.Outcome}))

	_, ok := r.Parent(oc)
	assert.False(t, ok)
	assert.False(t, r.AttachCall(oc, "wm_call_1"))
	assert.False(t, r.AttachGroup("wm_run_missing", "wm_grp_1"))
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	id := ids.New(ids.Group)
	require.True(t, r.Register(Record{ID: id, Prefix: ids.Group}))
	require.True(t, r.AttachCall(id, "wm_call_1"))

	rec, _ := r.Get(id)
	rec.Calls[0] = "mutated"

	again, _ := r.Get(id)
	assert.Equal(t, "wm_call_1", again.Calls[0])
}
