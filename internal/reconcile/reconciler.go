// Package reconcile keeps a dashboard's local view of character state
// consistent while its own mutations race with campaign broadcasts.
//
// While a local mutation is in flight for a (character, field group) key,
// broadcasts touching that key are buffered instead of applied, so the UI
// never flickers back to a stale value. Once the mutation's authoritative
// response lands (or a bounded timeout gives up on it), the newest
// buffered broadcast is applied as a correction if it says something
// different. Keys with nothing in flight apply broadcasts immediately,
// guarded only by the per-key server sequence.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/torchlight-app/table-sync-go/internal/model"
)

// Key identifies one reconciled slice of state.
type Key struct {
	CharacterID string
	FieldGroup  model.FieldGroup
}

type buffered struct {
	seq   int64
	value json.RawMessage
}

// marker is the client-local pending-update bookkeeping for one key.
type marker struct {
	reqSeq    int64
	createdAt time.Time
	buffered  *buffered
}

type entry struct {
	value         json.RawMessage
	lastServerSeq int64 // newest applied broadcast/response sequence
	lastReqSeq    int64 // newest locally issued request sequence
	pending       *marker
}

// Reconciler holds per-key state for one client. Safe for concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	timeout time.Duration
	entries map[Key]*entry
}

func New(clock clockwork.Clock, markerTimeout time.Duration) *Reconciler {
	return &Reconciler{
		clock:   clock,
		timeout: markerTimeout,
		entries: make(map[Key]*entry),
	}
}

// BeginLocal records a local mutation before its request is sent and
// applies the optimistic value immediately. Returns the request sequence
// the caller must hand back to ApplyResponse. Issuing a newer mutation on
// the same key supersedes any older in-flight one (last-request-wins).
func (r *Reconciler) BeginLocal(key Key, optimistic json.RawMessage) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(key)
	e.lastReqSeq++

	var buf *buffered
	if e.pending != nil {
		// carry the newest buffered broadcast across superseded markers
		buf = e.pending.buffered
	}
	e.pending = &marker{
		reqSeq:    e.lastReqSeq,
		createdAt: r.clock.Now(),
		buffered:  buf,
	}
	e.value = optimistic
	return e.lastReqSeq
}

// ApplyResponse settles a mutation's authoritative response. Responses
// for superseded requests are discarded: the outcome of the most recent
// request wins regardless of arrival order. Returns true when the
// response (or a buffered correction) changed local state.
func (r *Reconciler) ApplyResponse(key Key, reqSeq, serverSeq int64, value json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(key)
	if reqSeq < e.lastReqSeq {
		// a newer local mutation is in flight; its response is authoritative
		return false
	}
	if e.pending == nil || e.pending.reqSeq != reqSeq {
		return false
	}

	buf := e.pending.buffered
	e.pending = nil
	e.value = value
	if serverSeq > e.lastServerSeq {
		e.lastServerSeq = serverSeq
	}

	r.applyBuffered(e, buf)
	return true
}

// ApplyBroadcast feeds one broadcast event in. With a pending marker the
// value is buffered; without one it is applied unless its sequence is not
// newer than what was already applied. Returns true when local state
// changed.
func (r *Reconciler) ApplyBroadcast(key Key, serverSeq int64, value json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(key)

	if e.pending != nil {
		if e.pending.buffered == nil || serverSeq > e.pending.buffered.seq {
			e.pending.buffered = &buffered{seq: serverSeq, value: value}
		}
		return false
	}

	if serverSeq <= e.lastServerSeq {
		return false
	}

	e.value = value
	e.lastServerSeq = serverSeq
	return true
}

// Sweep clears markers older than the timeout so a lost response cannot
// suppress legitimate remote updates forever. Buffered broadcasts for the
// cleared keys are applied. Returns the keys whose markers expired.
func (r *Reconciler) Sweep() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.timeout)
	var expired []Key
	for key, e := range r.entries {
		if e.pending == nil || e.pending.createdAt.After(cutoff) {
			continue
		}
		buf := e.pending.buffered
		e.pending = nil
		r.applyBuffered(e, buf)
		expired = append(expired, key)
	}
	return expired
}

// Value returns the current local value for a key.
func (r *Reconciler) Value(key Key) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// Pending reports whether a marker is active for the key.
func (r *Reconciler) Pending(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return ok && e.pending != nil
}

func (r *Reconciler) entry(key Key) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

// applyBuffered applies a buffered broadcast after a marker clears, when
// it is newer than what the response confirmed and actually differs.
func (r *Reconciler) applyBuffered(e *entry, buf *buffered) {
	if buf == nil || buf.seq <= e.lastServerSeq {
		return
	}
	if !bytes.Equal(buf.value, e.value) {
		e.value = buf.value
	}
	e.lastServerSeq = buf.seq
}
