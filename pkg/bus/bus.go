// Package bus implements MessageBus: the demultiplexer that matches
// incoming messages against registered MessageFilters and delivers each
// match (or timeout, or dropped-connection event) to the filter's sink
// without holding the bus's own lock during delivery.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freenet-community/bulkcore/pkg/filter"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
)

var (
	// ErrFilterNotConfigured is returned by Register when the filter's
	// timeout was never set (invariant I3).
	ErrFilterNotConfigured = errors.New("bus: filter has no timeout configured")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("bus: closed")
)

type registration struct {
	f   *filter.Filter
	seq uint64
}

// MessageBus holds per-peer filter registries and a global (source
// agnostic) registry, matches incoming messages against them in insertion
// order, and sweeps expired filters on a tick.
type MessageBus struct {
	mu      sync.Mutex
	byPeer  map[message.PeerID][]*registration
	global  []*registration
	nextSeq uint64
	closed  bool

	cfg     Config
	log     logging.Logger
	invoker Invoker

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a MessageBus. Call Start to begin receiving.
func New(cfg Config, log logging.Logger) *MessageBus {
	return &MessageBus{
		byPeer: make(map[message.PeerID][]*registration),
		cfg:    cfg,
		log:    log,
	}
}

// Start launches the receive loop (draining incoming) and the timeout-sweep
// ticker, both supervised by an errgroup bound to ctx. Start returns
// immediately; call Close to stop and collect any error.
func (b *MessageBus) Start(ctx context.Context, incoming <-chan *message.Message) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	b.cancel = cancel
	b.group = g
	b.invoker = NewSupervisedInvoker(g)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-incoming:
				if !ok {
					return nil
				}
				b.dispatch(msg)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(b.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				b.sweep()
			}
		}
	})
}

// Close stops the bus's loops and waits for them to exit, surfacing the
// first error (there should never be one in steady state; any error here
// indicates a spawned goroutine panicked).
func (b *MessageBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if b.group != nil {
		return b.group.Wait()
	}
	return nil
}

// Register adds f to the bus: to the per-peer registry if f has a source
// constraint, otherwise to the global (source-agnostic) registry.
func (b *MessageBus) Register(f *filter.Filter) error {
	if !f.TimeoutConfigured() {
		return ErrFilterNotConfigured
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	reg := &registration{f: f, seq: b.nextSeq}
	b.nextSeq++

	if peer, ok := f.Source(); ok {
		b.byPeer[peer] = append(b.byPeer[peer], reg)
	} else {
		b.global = append(b.global, reg)
	}
	return nil
}

// Cancel removes f from the bus without delivering any terminal event to
// it. Used by owners tearing down a filter they no longer care about.
func (b *MessageBus) Cancel(f *filter.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(f)
}

func (b *MessageBus) removeLocked(target *filter.Filter) {
	for peer, regs := range b.byPeer {
		b.byPeer[peer] = removeFilter(regs, target)
	}
	b.global = removeFilter(b.global, target)
}

func removeFilter(regs []*registration, target *filter.Filter) []*registration {
	out := regs[:0]
	for _, r := range regs {
		if r.f != target {
			out = append(out, r)
		}
	}
	return out
}

// snapshot returns, in insertion order, the candidate registrations for a
// message from source: its per-peer list followed by the global list. The
// bus lock is held only for the copy, never across matching or delivery.
func (b *MessageBus) snapshot(source message.PeerID) []*registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	candidates := make([]*registration, 0, len(b.byPeer[source])+len(b.global))
	candidates = append(candidates, b.byPeer[source]...)
	candidates = append(candidates, b.global...)
	return candidates
}

// dispatch matches msg against the candidate filters for its source. Among
// all filters whose predicate matches, the one with the earliest timeout
// deadline wins (ties broken by registration order); it is removed from the
// bus and delivered. Other simultaneously-matching filters are left
// registered to consider the next message.
func (b *MessageBus) dispatch(msg *message.Message) {
	now := time.Now()
	candidates := b.snapshot(msg.Source)

	var winner *registration
	var winnerDeadline time.Time
	var winnerNoTimeout bool

	for _, r := range candidates {
		if !r.f.Match(msg, now) {
			continue
		}
		deadline, noTimeout := r.f.Deadline()
		if winner == nil || better(deadline, noTimeout, r.seq, winnerDeadline, winnerNoTimeout, winner.seq) {
			winner = r
			winnerDeadline = deadline
			winnerNoTimeout = noTimeout
		}
	}

	if winner == nil {
		return
	}

	b.mu.Lock()
	b.removeLocked(winner.f)
	b.mu.Unlock()

	b.invoker.Spawn(func() {
		winner.f.DeliverMatched(msg)
	})
}

// better reports whether candidate (deadline,noTimeout,seq) should win over
// the current winner: earlier deadlines win; a no-timeout filter is treated
// as infinitely late; ties broken by lower insertion sequence.
func better(deadline time.Time, noTimeout bool, seq uint64, curDeadline time.Time, curNoTimeout bool, curSeq uint64) bool {
	if noTimeout != curNoTimeout {
		return !noTimeout
	}
	if noTimeout {
		return seq < curSeq
	}
	if !deadline.Equal(curDeadline) {
		return deadline.Before(curDeadline)
	}
	return seq < curSeq
}

// sweep scans every registered filter for an elapsed deadline (or a
// callback's own ShouldTimeout hook), and for filters with a source, for a
// disconnect or boot-id change. Matching filters are removed and delivered
// off the bus lock.
func (b *MessageBus) sweep() {
	now := time.Now()

	b.mu.Lock()
	all := make([]*registration, 0)
	for _, regs := range b.byPeer {
		all = append(all, regs...)
	}
	all = append(all, b.global...)
	b.mu.Unlock()

	for _, r := range all {
		if peer, restarted, dropped := r.f.ConnectionDropKind(); dropped {
			b.mu.Lock()
			b.removeLocked(r.f)
			b.mu.Unlock()
			f := r.f
			if restarted {
				b.invoker.Spawn(func() { f.DeliverRestarted(peer) })
			} else {
				b.invoker.Spawn(func() { f.DeliverDisconnect(peer) })
			}
			continue
		}
		if r.f.ShouldTimeout(now) {
			b.mu.Lock()
			b.removeLocked(r.f)
			b.mu.Unlock()
			f := r.f
			b.invoker.Spawn(func() { f.DeliverTimeout() })
		}
	}
}

// NotifyDisconnect immediately sweeps filters sourced on peer for a
// disconnect, instead of waiting for the next tick. Callers (typically a
// PeerLink wrapper) invoke this as soon as they observe the peer go down.
func (b *MessageBus) NotifyDisconnect(peer message.PeerID) {
	b.sweepPeer(peer)
}

// NotifyRestarted immediately sweeps filters sourced on peer for a boot-id
// change, instead of waiting for the next tick.
func (b *MessageBus) NotifyRestarted(peer message.PeerID) {
	b.sweepPeer(peer)
}

func (b *MessageBus) sweepPeer(peer message.PeerID) {
	b.mu.Lock()
	regs := append([]*registration(nil), b.byPeer[peer]...)
	b.mu.Unlock()

	for _, r := range regs {
		p, restarted, dropped := r.f.ConnectionDropKind()
		if !dropped {
			continue
		}
		b.mu.Lock()
		b.removeLocked(r.f)
		b.mu.Unlock()
		f := r.f
		if restarted {
			b.invoker.Spawn(func() { f.DeliverRestarted(p) })
		} else {
			b.invoker.Spawn(func() { f.DeliverDisconnect(p) })
		}
	}
}
