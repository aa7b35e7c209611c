package warp

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"

	"github.com/warpmetrics/warp-go/internal/callbuf"
	"github.com/warpmetrics/warp-go/internal/ids"
	"github.com/warpmetrics/warp-go/internal/model"
	"github.com/warpmetrics/warp-go/internal/registry"
)

// reservable maps the event types Reserve accepts to their id prefix.
var reservable = map[EventType]ids.Prefix{
	EventAct:     ids.Act,
	EventRun:     ids.Run,
	EventGroup:   ids.Group,
	EventOutcome: ids.Outcome,
}

// Run starts a run, the top-level unit of one agent execution.
func (c *Client) Run(label string, opts Opts) Handle {
	return c.startRun(label, nil, opts)
}

// ContinueRun starts a run that follows up on a prior act. ref must resolve
// to an act id; anything else starts a run without a continuation.
func (c *Client) ContinueRun(ref any, label string, opts Opts) Handle {
	var refID *string
	if id, ok := c.Ref(ref); ok && ids.Is(id, ids.Act) {
		refID = &id
	} else {
		c.logger.Debug("warpmetrics: run continuation must reference an act, ignored", "ref", id)
	}
	return c.startRun(label, refID, opts)
}

func (c *Client) startRun(label string, refID *string, opts Opts) Handle {
	id := ids.New(ids.Run)
	rec := registry.Record{ID: id, Prefix: ids.Run, Label: label, Opts: opts}
	if refID != nil {
		rec.RefID = *refID
	}
	c.reg.Register(rec)
	c.transport.LogRun(model.RunEvent{
		ID:        id,
		Label:     label,
		RefID:     refID,
		Opts:      opts,
		Timestamp: time.Now().UTC(),
	})
	return Handle{ID: id, Type: EventRun}
}

// Group starts a group under target, which must resolve to a run or a group.
// An unresolved target still yields a valid group that is not linked to
// anything.
func (c *Client) Group(target any, label string, opts Opts) Handle {
	id := ids.New(ids.Group)
	now := time.Now().UTC()

	parentID, ok := c.parentOf(target)
	rec := registry.Record{ID: id, Prefix: ids.Group, Label: label, Opts: opts}
	ev := model.GroupEvent{ID: id, Label: label, Opts: opts, Timestamp: now}
	if ok {
		rec.ParentID = parentID
		ev.ParentID = &parentID
	}
	c.reg.Register(rec)
	c.transport.LogGroup(ev)

	if ok {
		c.reg.AttachGroup(parentID, id)
		c.transport.LogLink(model.LinkEvent{ParentID: parentID, ChildID: id, Type: model.LinkGroup, Timestamp: now})
	} else {
		c.logger.Debug("warpmetrics: group target not recognised, group is unlinked", "group", id)
	}
	return Handle{ID: id, Type: EventGroup}
}

// Add attaches existing groups and buffered responses to target, a run or a
// group. Runs cannot be nested and are skipped.
func (c *Client) Add(target any, items ...any) {
	parentID, ok := c.parentOf(target)
	if !ok {
		c.logger.Debug("warpmetrics: add target not recognised")
		return
	}
	for _, item := range items {
		if h, isHandle := asHandle(item); isHandle {
			switch h.Type {
			case EventGroup:
				c.attachGroup(parentID, h.ID)
			case EventRun:
				c.logger.Debug("warpmetrics: cannot add a run to another target", "run", h.ID)
			default:
				c.logger.Debug("warpmetrics: add item cannot be attached", "id", h.ID, "type", h.Type)
			}
			continue
		}
		if !c.associate(parentID, item, nil) {
			c.logger.Debug("warpmetrics: add item not tracked, was it returned by a wrapped client?")
		}
	}
}

func (c *Client) attachGroup(parentID, groupID string) {
	if parentID == groupID {
		return
	}
	if _, known := c.reg.Get(groupID); !known {
		c.logger.Debug("warpmetrics: group not in registry", "group", groupID)
		return
	}
	if c.reg.AttachGroup(parentID, groupID) {
		c.transport.LogLink(model.LinkEvent{ParentID: parentID, ChildID: groupID, Type: model.LinkGroup, Timestamp: time.Now().UTC()})
	}
}

// Call links a response returned by a wrapped client, or the error it
// returned, to target. Each response is delivered at most once: Call reports
// false for a response that is untracked or already linked.
func (c *Client) Call(target, response any, opts Opts) bool {
	parentID, ok := c.parentOf(target)
	if !ok {
		c.logger.Debug("warpmetrics: call target not recognised")
		return false
	}
	if !c.associate(parentID, response, opts) {
		c.logger.Debug("warpmetrics: response not tracked, was it returned by a wrapped client?")
		return false
	}
	return true
}

// associate moves the buffered record of response into the queues under
// parentID.
func (c *Client) associate(parentID string, response any, opts Opts) bool {
	k, ok := bufferKey(response)
	if !ok {
		return false
	}
	rec, ok := c.buf.Take(k)
	if !ok {
		return false
	}
	ev := *rec
	if opts != nil {
		ev.Opts = mergeOpts(ev.Opts, opts)
	}
	c.enqueueCall(parentID, ev)
	return true
}

func (c *Client) enqueueCall(parentID string, ev model.CallEvent) {
	c.transport.LogCall(ev)
	c.transport.LogLink(model.LinkEvent{ParentID: parentID, ChildID: ev.ID, Type: model.LinkCall, Timestamp: time.Now().UTC()})
	c.reg.AttachCall(parentID, ev.ID)
}

// Trace records a call that did not go through a wrapped client and links it
// to target.
func (c *Client) Trace(target any, data TraceData) (Handle, bool) {
	if data.Provider == "" || data.Model == "" {
		c.logger.Debug("warpmetrics: trace data must include provider and model")
		return Handle{}, false
	}
	parentID, ok := c.parentOf(target)
	if !ok {
		c.logger.Debug("warpmetrics: trace target not recognised")
		return Handle{}, false
	}

	ev := model.CallEvent{
		ID:        ids.New(ids.Call),
		Provider:  data.Provider,
		Model:     data.Model,
		Tools:     data.Tools,
		ToolCalls: data.ToolCalls,
		EndedAt:   data.EndedAt,
		Status:    data.Status,
		Error:     data.Error,
		Opts:      data.Opts,
	}
	if data.Messages != nil {
		raw, err := json.Marshal(data.Messages)
		if err != nil {
			c.logger.Debug("warpmetrics: trace messages are not JSON encodable", "error", err)
		} else {
			ev.Messages = raw
		}
	}
	if data.Response != "" {
		ev.Response = &data.Response
	}
	if ev.EndedAt.IsZero() {
		ev.EndedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = model.StatusSuccess
	}
	if ev.Status != model.StatusError && data.Tokens != nil {
		tokens := *data.Tokens
		ev.Tokens = &tokens
	}
	if data.Latency > 0 {
		ms := data.Latency.Milliseconds()
		ev.Latency = &ms
	}
	if !data.StartedAt.IsZero() {
		start := data.StartedAt
		ms := ev.EndedAt.Sub(start).Milliseconds()
		ev.StartedAt = &start
		ev.Duration = &ms
	}
	if data.Cost != nil {
		if micros, ok := costMicros(*data.Cost); ok {
			ev.CostOverride = &micros
		}
	}

	c.enqueueCall(parentID, ev)
	return Handle{ID: ev.ID, Type: EventCall}, true
}

// costMicros converts a currency amount to integer millionths.
func costMicros(cost float64) (int64, bool) {
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return 0, false
	}
	return int64(math.Round(cost * 1_000_000)), true
}

// Outcome records a result on any resolvable target: a run, group, call,
// buffered response or id string.
func (c *Client) Outcome(target any, name string, opts Opts) (Handle, bool) {
	refID, ok := c.Ref(target)
	if !ok {
		c.logger.Debug("warpmetrics: outcome target not tracked")
		return Handle{}, false
	}
	id := ids.New(ids.Outcome)
	c.reg.Register(registry.Record{ID: id, Prefix: ids.Outcome, Name: name, RefID: refID, Opts: opts})
	c.transport.LogOutcome(model.OutcomeEvent{ID: id, RefID: refID, Name: name, Opts: opts, Timestamp: time.Now().UTC()})
	return Handle{ID: id, Type: EventOutcome}, true
}

// ActDescriptor describes an act whose outcome does not exist yet. It touches
// no client state; pass it to Reserve.
func ActDescriptor(name string, opts Opts) Descriptor {
	return Descriptor{EventType: EventAct, Name: name, Opts: opts}
}

// Act records an action taken on an outcome. It is a no-op returning false
// unless target resolves to an outcome id.
func (c *Client) Act(target any, name string, opts Opts) (Handle, bool) {
	refID, ok := c.outcomeOf(target)
	if !ok {
		return Handle{}, false
	}
	return c.emitAct(ids.New(ids.Act), refID, name, opts), true
}

// CompleteAct emits a reserved act on target, which must resolve to an
// outcome id. opts are merged over the reservation's opts. A reservation can
// be completed once; later attempts return false.
func (c *Client) CompleteAct(target any, r Reservation, opts Opts) (Handle, bool) {
	if r.Type != EventAct || !ids.Is(r.ID, ids.Act) {
		c.logger.Debug("warpmetrics: reservation is not an act", "id", r.ID, "type", r.Type)
		return Handle{}, false
	}
	refID, ok := c.outcomeOf(target)
	if !ok {
		return Handle{}, false
	}

	merged := mergeOpts(r.Opts, opts)
	// Reservations minted by another process are adopted first.
	c.reg.Stub(r.ID)
	if !c.reg.Complete(registry.Record{ID: r.ID, Prefix: ids.Act, Name: r.Name, RefID: refID, Opts: merged}) {
		c.logger.Debug("warpmetrics: reservation already completed", "id", r.ID)
		return Handle{}, false
	}
	c.transport.LogAct(model.ActEvent{ID: r.ID, RefID: refID, Name: r.Name, Opts: merged, Timestamp: time.Now().UTC()})
	return Handle{ID: r.ID, Type: EventAct}, true
}

func (c *Client) emitAct(id, refID, name string, opts Opts) Handle {
	c.reg.Register(registry.Record{ID: id, Prefix: ids.Act, Name: name, RefID: refID, Opts: opts})
	c.transport.LogAct(model.ActEvent{ID: id, RefID: refID, Name: name, Opts: opts, Timestamp: time.Now().UTC()})
	return Handle{ID: id, Type: EventAct}
}

func (c *Client) outcomeOf(target any) (string, bool) {
	refID, ok := c.Ref(target)
	if !ok {
		c.logger.Debug("warpmetrics: act target not tracked")
		return "", false
	}
	if !ids.Is(refID, ids.Outcome) {
		c.logger.Debug("warpmetrics: act target must be an outcome", "ref", refID)
		return "", false
	}
	return refID, true
}

// Reserve pre-allocates an id for d and registers it as a stub, so Ref and
// linking operations can target it before the event is emitted.
func (c *Client) Reserve(d Descriptor) (Reservation, error) {
	p, ok := reservable[d.EventType]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %q", ErrUnknownEventType, d.EventType)
	}
	id := ids.New(p)
	c.reg.Stub(id)
	return Reservation{ID: id, Type: d.EventType, Name: d.Name, Opts: maps.Clone(d.Opts)}, nil
}

// Ref resolves target to an id. It accepts an id string, a Handle, a
// Reservation, a response or stream returned by a wrapped client, or the
// error a wrapped client returned. An id string with a known prefix that this
// client has not seen is adopted, so ids minted elsewhere can be linked to.
func (c *Client) Ref(target any) (string, bool) {
	switch v := target.(type) {
	case nil:
		return "", false
	case string:
		if v == "" {
			return "", false
		}
		c.reg.Stub(v)
		return v, true
	case Reservation:
		return v.ID, v.ID != ""
	case *Reservation:
		if v == nil {
			return "", false
		}
		return v.ID, v.ID != ""
	}
	if h, ok := asHandle(target); ok {
		return h.ID, h.ID != ""
	}
	if k, ok := bufferKey(target); ok {
		if rec, ok := c.buf.Peek(k); ok {
			return rec.ID, true
		}
	}
	return "", false
}

// parentOf resolves target to a run or group id.
func (c *Client) parentOf(target any) (string, bool) {
	id, ok := c.Ref(target)
	if !ok {
		return "", false
	}
	if _, ok := c.reg.Parent(id); !ok {
		return "", false
	}
	return id, true
}

func asHandle(v any) (Handle, bool) {
	switch h := v.(type) {
	case Handle:
		return h, true
	case *Handle:
		if h != nil {
			return *h, true
		}
	}
	return Handle{}, false
}

// buffered is implemented by values the client buffers under their own
// identity, such as streams.
type buffered interface {
	bufferKey() callbuf.Key
}

// bufferKey returns the call buffer key for a response, stream or error.
func bufferKey(v any) (callbuf.Key, bool) {
	switch r := v.(type) {
	case *anthropic.Message:
		if r != nil {
			return callbuf.KeyOf(r), true
		}
	case *openai.ChatCompletion:
		if r != nil {
			return callbuf.KeyOf(r), true
		}
	case *responses.Response:
		if r != nil {
			return callbuf.KeyOf(r), true
		}
	case buffered:
		return r.bufferKey(), true
	case error:
		var te *TrackedError
		if errors.As(r, &te) && te.carrier != nil {
			return callbuf.KeyOf(te.carrier), true
		}
	}
	return callbuf.Key{}, false
}

// mergeOpts returns base overlaid with over. Neither input is modified.
func mergeOpts(base, over Opts) Opts {
	if base == nil && over == nil {
		return nil
	}
	out := make(Opts, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}
