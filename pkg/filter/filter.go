// Package filter implements MessageFilter: a predicate over an incoming
// Message paired with a delivery sink (a blocking waiter or an async
// callback). MessageBus matches filters and invokes Filter.deliver*; callers
// never see the bus's internals.
package filter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freenet-community/bulkcore/pkg/message"
)

var (
	// ErrBlockingWaitOnAsyncFilter enforces invariant I1: a filter with a
	// callback is never used in a blocking wait.
	ErrBlockingWaitOnAsyncFilter = errors.New("filter: cannot block-wait on a filter with an async callback")

	// ErrTimeoutAlreadySet enforces invariant I3: the timeout deadline is
	// set exactly once, before registration.
	ErrTimeoutAlreadySet = errors.New("filter: timeout already set")

	// ErrFilterTimedOut is returned by WaitForMatch when the deadline
	// elapses before a match arrives.
	ErrFilterTimedOut = errors.New("filter: timed out")

	// ErrConnectionDropped is returned by WaitForMatch when the filter's
	// source peer disconnects or restarts before a match arrives.
	ErrConnectionDropped = errors.New("filter: source connection dropped")
)

// PeerStatus is the minimal view of a peer connection a Filter needs to
// evaluate a `source` constraint and detect disconnects/restarts. PeerLink
// implementations satisfy this structurally.
type PeerStatus interface {
	IsConnected() bool
	BootID() uint64
}

// Callback is the async sink a non-blocking filter is delivered through.
// ShouldTimeout lets the owner force an early timeout sweep (e.g. the bulk
// transmitter's receive-all filter, which should be reaped some time after
// the transfer already finished).
type Callback struct {
	OnMatched     func(msg *message.Message)
	OnTimeout     func()
	OnDisconnect  func(peer message.PeerID)
	OnRestarted   func(peer message.PeerID)
	ShouldTimeout func() bool
}

type fieldConstraint struct {
	name  string
	value interface{}
}

type sourceConstraint struct {
	peer      message.PeerID
	status    PeerStatus
	oldBootID uint64
}

// state is the Filter's lifecycle: Armed -> {Matched, TimedOut,
// Disconnected, Cancelled}. Only Matched permits re-use, via ClearMatched.
type state int

const (
	stateArmed state = iota
	stateMatched
	stateTimedOut
	stateDisconnected
	stateCancelled
)

// Filter is a MessageFilter: a predicate plus an optional or-chain
// alternative and an optional async callback.
type Filter struct {
	mu   sync.Mutex
	cond *sync.Cond

	typ    *message.MessageType
	source *sourceConstraint
	fields []fieldConstraint

	noTimeout                 bool
	deadline                  time.Time
	pendingTimeoutDuration    time.Duration
	timeoutRelativeToCreation bool
	timeoutSet                bool
	createdAt                 time.Time

	or       *Filter
	callback *Callback

	state             state
	matchedMsg        *message.Message
	droppedConnection bool
	restarted         bool
}

// New creates an armed, unconfigured Filter. Configure it with SetType,
// SetField, SetSource, SetTimeout/SetNoTimeout, Or and SetAsyncCallback,
// in any order, before registering it with a MessageBus.
func New() *Filter {
	f := &Filter{createdAt: time.Now()}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// SetType constrains the filter to a single message type. Subsequent
// SetField calls are validated against this type's schema.
func (f *Filter) SetType(t *message.MessageType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typ = t
}

// SetField adds or overwrites an equality constraint on a field. If the
// filter has a type set, the value's scalar kind must match the field's
// declared type or this panics with ErrIncorrectType-shaped detail, since a
// schema mismatch here is a programmer error, not a runtime condition.
func (f *Filter) SetField(name string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.typ != nil {
		if err := checkFieldType(f.typ, name, value); err != nil {
			panic(err)
		}
	}

	for i := range f.fields {
		if f.fields[i].name == name {
			f.fields[i].value = value
			return
		}
	}
	f.fields = append(f.fields, fieldConstraint{name: name, value: value})
}

func checkFieldType(t *message.MessageType, name string, value interface{}) error {
	m := message.NewMessage(t, "", 0)
	// SetField on a throwaway message reuses the type's own validation
	// instead of duplicating the scalar-matching switch here.
	return m.SetField(name, value)
}

// SetSource constrains the filter to messages originating from peer, and
// snapshots its current boot id for restart detection.
func (f *Filter) SetSource(peer message.PeerID, status PeerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = &sourceConstraint{peer: peer, status: status, oldBootID: status.BootID()}
}

// SetTimeout sets an absolute-from-now deadline. Must be called before
// registration and at most once (with SetNoTimeout being the alternative).
func (f *Filter) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeoutSet {
		panic(ErrTimeoutAlreadySet)
	}
	f.timeoutSet = true
	f.noTimeout = false
	f.deadline = time.Now().Add(d)
	f.pendingTimeoutDuration = d
}

// SetNoTimeout marks the filter as never expiring on its own. Must be
// called before registration and at most once.
func (f *Filter) SetNoTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeoutSet {
		panic(ErrTimeoutAlreadySet)
	}
	f.timeoutSet = true
	f.noTimeout = true
}

// SetTimeoutRelativeToCreation controls whether the deadline set by
// SetTimeout is kept as computed (true) or re-based at the start of the next
// blocking wait (false, the default). A kept deadline counts from the
// SetTimeout call, not from filter construction.
func (f *Filter) SetTimeoutRelativeToCreation(relative bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutRelativeToCreation = relative
}

// Or attaches an alternative filter, evaluated when self fails to match.
// Reassigning to a different, already-set alternative is a logic error: it
// is logged by the caller (via the returned bool) and the override still
// happens, matching the source's own permissive behavior.
func (f *Filter) Or(alt *Filter) (overwrote bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	overwrote = f.or != nil && f.or != alt
	f.or = alt
	return overwrote
}

// SetAsyncCallback marks the filter as non-blocking: it will be delivered
// through cb instead of a condition variable, and WaitForMatch will refuse
// to run on it.
func (f *Filter) SetAsyncCallback(cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = &cb
}

// IsAsync reports whether the filter carries a callback sink.
func (f *Filter) IsAsync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callback != nil
}

// Source returns the filter's source peer constraint, if any.
func (f *Filter) Source() (message.PeerID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source == nil {
		return "", false
	}
	return f.source.peer, true
}

// TimeoutConfigured reports whether SetTimeout/SetNoTimeout has been
// called, as required by invariant I3 before registration.
func (f *Filter) TimeoutConfigured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeoutSet
}

// Deadline returns the effective deadline and whether the filter has no
// timeout at all (in which case the Time value is meaningless).
func (f *Filter) Deadline() (time.Time, bool) {
	return f.deadlineAt()
}

// ConnectionDropKind reports, without mutating any state, whether this
// filter's own source (not its or-chain) has disconnected or restarted.
// Returns dropped=false if the filter has no source, is already matched,
// or the source connection is healthy.
func (f *Filter) ConnectionDropKind() (peer message.PeerID, restarted bool, dropped bool) {
	f.mu.Lock()
	src := f.source
	matched := f.state == stateMatched
	f.mu.Unlock()

	if matched || src == nil {
		return "", false, false
	}
	if !src.status.IsConnected() {
		return src.peer, false, true
	}
	if src.status.BootID() != src.oldBootID {
		return src.peer, true, true
	}
	return "", false, false
}

// DeliverDisconnect invokes the disconnect path: marks droppedConnection,
// transitions to Disconnected, and fires the callback (if any). Exported so
// MessageBus can drive it without reaching into package-private state.
func (f *Filter) DeliverDisconnect(peer message.PeerID) {
	f.onDisconnect(peer)
}

// DeliverRestarted invokes the restart path, conflated with disconnect for
// retrieval purposes (see onRestarted doc).
func (f *Filter) DeliverRestarted(peer message.PeerID) {
	f.onRestarted(peer)
}

// DeliverTimeout invokes the timeout path.
func (f *Filter) DeliverTimeout() {
	f.onTimeout()
}

// DeliverMatched invokes the matched path with msg.
func (f *Filter) DeliverMatched(msg *message.Message) {
	f.onMatched(msg)
}

// rebaseForWait re-bases the deadline from "now" if the filter was not
// configured relative-to-creation. Called once at the start of a blocking
// wait (WaitForMatch); registering a filter with a MessageBus does not
// re-base it.
func (f *Filter) rebaseForWait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noTimeout || f.timeoutRelativeToCreation {
		return
	}
	f.deadline = time.Now().Add(f.pendingTimeoutDuration)
}

// deadlineAt returns the effective deadline, or the zero Time plus a true
// "never" flag when the filter has no timeout.
func (f *Filter) deadlineAt() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline, f.noTimeout
}

// Match evaluates "self matches, else delegate to the or-chain". This is
// logically the OR formula from the spec (self-match ∨ or-chain match); it
// is implemented self-first because the or alternative is only "evaluated
// when self fails".
func (f *Filter) Match(msg *message.Message, now time.Time) bool {
	if f.selfMatch(msg, now) {
		return true
	}
	f.mu.Lock()
	or := f.or
	f.mu.Unlock()
	if or != nil {
		return or.Match(msg, now)
	}
	return false
}

func (f *Filter) selfMatch(msg *message.Message, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.noTimeout && !now.Before(f.deadline) {
		return false
	}
	if f.typ != nil && f.typ != msg.Type {
		return false
	}
	if f.source != nil && f.source.peer != msg.Source {
		return false
	}
	for _, fc := range f.fields {
		v, ok := msg.Field(fc.name)
		if !ok || v != fc.value {
			return false
		}
	}
	return true
}

// onMatched records the match under lock, advances state, wakes blocking
// waiters, and then invokes the callback's OnMatched (if any) without
// holding the filter lock.
func (f *Filter) onMatched(msg *message.Message) {
	f.mu.Lock()
	f.state = stateMatched
	f.matchedMsg = msg
	f.mu.Unlock()
	f.cond.Broadcast()

	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil && cb.OnMatched != nil {
		cb.OnMatched(msg)
	}
}

func (f *Filter) onTimeout() {
	f.mu.Lock()
	if f.state != stateArmed {
		f.mu.Unlock()
		return
	}
	f.state = stateTimedOut
	f.mu.Unlock()
	f.cond.Broadcast()

	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil && cb.OnTimeout != nil {
		cb.OnTimeout()
	}
}

func (f *Filter) onDisconnect(peer message.PeerID) {
	f.mu.Lock()
	if f.state != stateArmed {
		f.mu.Unlock()
		return
	}
	f.state = stateDisconnected
	f.droppedConnection = true
	f.mu.Unlock()
	f.cond.Broadcast()

	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil && cb.OnDisconnect != nil {
		cb.OnDisconnect(peer)
	}
}

// onRestarted reuses the droppedConnection field exactly as the source
// does, conflating restart with plain disconnect for retrieval purposes.
// See SPEC_FULL.md / DESIGN.md for the decision to preserve this.
func (f *Filter) onRestarted(peer message.PeerID) {
	f.mu.Lock()
	if f.state != stateArmed {
		f.mu.Unlock()
		return
	}
	f.state = stateDisconnected
	f.droppedConnection = true
	f.restarted = true
	f.mu.Unlock()
	f.cond.Broadcast()

	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil && cb.OnRestarted != nil {
		cb.OnRestarted(peer)
	}
}

// ShouldTimeout reports whether the filter's deadline has elapsed or, for a
// callback filter, whether its ShouldTimeout hook says so.
func (f *Filter) ShouldTimeout(now time.Time) bool {
	deadline, noTimeout := f.deadlineAt()
	if !noTimeout && !now.Before(deadline) {
		return true
	}
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil && cb.ShouldTimeout != nil {
		return cb.ShouldTimeout()
	}
	return false
}

// AnyConnectionsDropped reports whether this filter's source (or any
// filter down its or-chain) has disconnected or changed boot id, unless
// already matched.
func (f *Filter) AnyConnectionsDropped() bool {
	f.mu.Lock()
	matched := f.state == stateMatched
	src := f.source
	or := f.or
	f.mu.Unlock()

	if matched {
		return false
	}
	if src != nil && (!src.status.IsConnected() || src.status.BootID() != src.oldBootID) {
		return true
	}
	if or != nil {
		return or.AnyConnectionsDropped()
	}
	return false
}

// MatchesDroppedConnection reports whether peer is (transitively, through
// the or-chain) this filter's source constraint.
func (f *Filter) MatchesDroppedConnection(peer message.PeerID) bool {
	f.mu.Lock()
	src := f.source
	or := f.or
	f.mu.Unlock()
	if src != nil && src.peer == peer {
		return true
	}
	if or != nil {
		return or.MatchesDroppedConnection(peer)
	}
	return false
}

// Matched reports whether this filter currently holds a match, and the
// matched message if so. The or-chain members' own state is not consulted. Invariant P1: matched ⇔ message ≠
// nil holds at every observation of this pair.
func (f *Filter) Matched() (bool, *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateMatched {
		return true, f.matchedMsg
	}
	return false, nil
}

// DroppedConnection reports whether a disconnect or restart was delivered
// to this filter.
func (f *Filter) DroppedConnection() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedConnection
}

// ClearMatched resets a matched filter back to Armed, propagating the
// clear down the or-chain (invariant I5), so a composite filter owner can
// re-register the whole chain for another round.
func (f *Filter) ClearMatched() {
	f.mu.Lock()
	if f.state == stateMatched {
		f.state = stateArmed
		f.matchedMsg = nil
	}
	or := f.or
	f.mu.Unlock()
	if or != nil {
		or.ClearMatched()
	}
}

// WaitForMatch blocks until the filter matches, times out, observes a
// dropped connection, or ctx is done. It must not be called on a filter
// with an async callback (invariant I1).
func (f *Filter) WaitForMatch(ctx context.Context) (*message.Message, error) {
	if f.IsAsync() {
		return nil, ErrBlockingWaitOnAsyncFilter
	}
	f.rebaseForWait()

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		f.cond.Broadcast()
		close(done)
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		switch f.state {
		case stateMatched:
			return f.matchedMsg, nil
		case stateTimedOut:
			return nil, ErrFilterTimedOut
		case stateDisconnected:
			return nil, ErrConnectionDropped
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.cond.Wait()
	}
}

