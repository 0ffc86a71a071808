package bulk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freenet-community/bulkcore/pkg/bus"
	"github.com/freenet-community/bulkcore/pkg/filter"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
	"github.com/freenet-community/bulkcore/pkg/peerlink"
)

type sendAction int

const (
	actionSend sendAction = iota
	actionFinished
	actionCancelled
)

// BulkTransmitter drives sending of every block of a PartiallyReceivedBulk
// to one peer, per spec.md §4.4. One transmitter exists per (prb, peer, uid)
// triple; Send runs the outer loop to completion on the calling goroutine —
// callers that want concurrent transfers run several transmitters on
// separate goroutines, as spec.md §5 describes ("one dedicated worker
// thread per transfer").
type BulkTransmitter struct {
	mu   sync.Mutex
	cond *sync.Cond

	prb        *PartiallyReceivedBulk
	peer       peerlink.PeerLink
	bus        *bus.MessageBus
	uid        message.UID
	peerBootID uint64
	cfg        TransmitterConfig
	counter    peerlink.ByteCounter
	log        logging.Logger
	packetSize int
	noWait     bool

	notSentButPresent []bool
	inFlightPackets   int
	failedPacket      bool
	cancelled         bool
	finished          bool
	finishTime        time.Time
	sentCancel        bool
	lastSentPacket    time.Time

	abortFilter    *filter.Filter
	completeFilter *filter.Filter
}

// NewBulkTransmitter binds a transmitter to prb/peer/uid, snapshots the
// presence bitmap under the PRB lock, subscribes to it, and registers the
// two async control filters described in spec.md §4.4. Fails with
// peerlink.ErrDisconnected if peer is already down.
func NewBulkTransmitter(prb *PartiallyReceivedBulk, peer peerlink.PeerLink, b *bus.MessageBus, uid message.UID, noWait bool, counter peerlink.ByteCounter, cfg TransmitterConfig, log logging.Logger) (*BulkTransmitter, error) {
	if !peer.IsConnected() {
		return nil, peerlink.ErrDisconnected
	}

	t := &BulkTransmitter{
		prb:            prb,
		peer:           peer,
		bus:            b,
		uid:            uid,
		peerBootID:     peer.BootID(),
		cfg:            cfg,
		counter:        counter,
		log:            log.With("uid", uid, "peer", peer.ShortID()),
		noWait:         noWait,
		lastSentPacket: time.Now(),
		packetSize:     cfg.PacketSize(prb.BlockSize()),
	}
	t.cond = sync.NewCond(&t.mu)
	t.notSentButPresent = prb.CloneAndSubscribe(t)

	peerID := message.PeerID(peer.ShortID())

	t.abortFilter = filter.New()
	t.abortFilter.SetType(TypeBulkReceiveAborted)
	t.abortFilter.SetField("uid", int64(uid))
	t.abortFilter.SetSource(peerID, peer)
	t.abortFilter.SetNoTimeout()
	t.abortFilter.SetAsyncCallback(filter.Callback{
		OnMatched:    func(msg *message.Message) { t.cancel("remote abort") },
		OnDisconnect: func(p message.PeerID) { t.cancel("disconnected") },
		OnRestarted:  func(p message.PeerID) { t.cancel("peer restarted") },
	})
	if err := b.Register(t.abortFilter); err != nil {
		prb.Remove(t)
		return nil, err
	}

	t.completeFilter = filter.New()
	t.completeFilter.SetType(TypeBulkReceivedAll)
	t.completeFilter.SetField("uid", int64(uid))
	t.completeFilter.SetSource(peerID, peer)
	t.completeFilter.SetNoTimeout()
	t.completeFilter.SetAsyncCallback(filter.Callback{
		OnMatched:    func(msg *message.Message) { t.completed() },
		OnDisconnect: func(p message.PeerID) { t.cancel("disconnected") },
		OnRestarted:  func(p message.PeerID) { t.cancel("peer restarted") },
		ShouldTimeout: func() bool {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.finished && time.Since(t.finishTime) > t.cfg.FinalAckTimeout
		},
	})
	if err := b.Register(t.completeFilter); err != nil {
		b.Cancel(t.abortFilter)
		prb.Remove(t)
		return nil, err
	}

	return t, nil
}

// UID returns the transfer's identifier.
func (t *BulkTransmitter) UID() message.UID { return t.uid }

// Finished reports whether the transfer completed successfully.
func (t *BulkTransmitter) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Cancelled reports whether the transfer was aborted.
func (t *BulkTransmitter) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnBlockReceived implements Subscriber: a new block became present in the
// PRB after construction (streamed arrival), so it is added to the set still
// owed to the peer.
func (t *BulkTransmitter) OnBlockReceived(blockNo uint32) {
	t.mu.Lock()
	if int(blockNo) < len(t.notSentButPresent) {
		t.notSentButPresent[blockNo] = true
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// OnAborted implements Subscriber: the PRB was aborted out from under this
// transmitter. It only wakes the send loop; Send checks prb.Aborted() at the
// top of each outer iteration and exits there. A loop that is waiting in
// selectBlock for new blocks does not return to that check on this wake-up
// and keeps waiting until the idle timeout, ctx, or a control filter ends it.
func (t *BulkTransmitter) OnAborted() {
	t.cond.Broadcast()
}

// Send runs the outer loop from spec.md §4.4 to completion: true on a
// successful transfer (finished), false on any cancellation.
func (t *BulkTransmitter) Send(ctx context.Context) bool {
	stopWaker := t.startWaker()
	defer stopWaker()

	for {
		if t.prb.Aborted() {
			t.cancel("prb aborted")
			return false
		}
		if t.peer.BootID() != t.peerBootID {
			t.cancel("peer restarted")
			return false
		}

		blockNo, action := t.selectBlock(ctx)
		switch action {
		case actionFinished:
			return true
		case actionCancelled:
			return false
		}

		buf, ok := t.prb.GetBlockData(blockNo)
		if !ok {
			t.cancel("prb aborted")
			return false
		}

		tag := &unsentPacketTag{t: t}
		t.mu.Lock()
		t.inFlightPackets++
		t.mu.Unlock()

		err := t.peer.SendThrottledMessage(ctx, newBulkPacketSend(t.uid, blockNo, buf), t.packetSize, t.counter, t.cfg.PerPacketTimeout, tag)
		if err != nil {
			switch {
			case errors.Is(err, peerlink.ErrWaitedTooLong), errors.Is(err, peerlink.ErrSyncSendWaitedTooLong):
				t.log.Warnf("throttle wait exceeded sending block %d: %v", blockNo, err)
				t.teardown()
				return false
			case errors.Is(err, peerlink.ErrNotConnected):
				t.cancel("disconnected")
				return false
			case errors.Is(err, peerlink.ErrPeerRestarted):
				t.cancel("peer restarted")
				return false
			default:
				t.cancel("send failed")
				return false
			}
		}

		t.mu.Lock()
		t.notSentButPresent[blockNo] = false
		t.lastSentPacket = time.Now()
		t.mu.Unlock()
	}
}

// selectBlock implements spec.md §4.4 steps 3-4 under the transmitter lock:
// pick the next block to send, or decide the loop is done, cancelled, or
// must wait.
func (t *BulkTransmitter) selectBlock(ctx context.Context) (uint32, sendAction) {
	t.mu.Lock()
	for {
		if t.finished {
			t.mu.Unlock()
			return 0, actionFinished
		}
		if t.cancelled {
			t.mu.Unlock()
			return 0, actionCancelled
		}
		if blockNo := firstSetBit(t.notSentButPresent); blockNo >= 0 {
			t.mu.Unlock()
			return uint32(blockNo), actionSend
		}
		if t.noWait && t.prb.HasWholeFile() {
			t.mu.Unlock()
			t.completed()
			return 0, actionFinished
		}
		if t.failedPacket {
			t.mu.Unlock()
			t.cancel("packet send failed")
			return 0, actionCancelled
		}
		if time.Since(t.lastSentPacket) > t.cfg.IdleTimeout {
			t.mu.Unlock()
			t.cancel("timeout awaiting BulkReceivedAll")
			return 0, actionCancelled
		}
		select {
		case <-ctx.Done():
			t.mu.Unlock()
			t.cancel("context cancelled")
			return 0, actionCancelled
		default:
		}
		t.cond.Wait()
	}
}

// startWaker periodically broadcasts the condition variable so selectBlock
// re-checks the idle timeout even absent a block/ack/disconnect signal,
// bounding the wait to at most cfg.PollInterval (spec.md §4.4: "Wake at
// most every 60 s").
func (t *BulkTransmitter) startWaker() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.cond.Broadcast()
			}
		}
	}()
	return func() { close(done) }
}

// completed marks the transfer finished, wakes waiters, and tears down —
// but leaves completeFilter registered so the bus can reap it later (see
// teardown).
func (t *BulkTransmitter) completed() {
	t.mu.Lock()
	if t.finished || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.finishTime = time.Now()
	t.mu.Unlock()
	t.cond.Broadcast()
	t.teardown()
}

// cancel idempotently aborts the transfer: at most one BulkSendAborted is
// ever emitted (spec.md P3/R2), guarded by sentCancel.
func (t *BulkTransmitter) cancel(reason string) {
	t.mu.Lock()
	if t.finished || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()
	t.cond.Broadcast()

	t.log.Warnf("bulk transfer cancelled: %s", reason)
	t.sendAbortOnce()
	t.teardown()
}

func (t *BulkTransmitter) sendAbortOnce() {
	t.mu.Lock()
	if t.sentCancel {
		t.mu.Unlock()
		return
	}
	t.sentCancel = true
	t.mu.Unlock()

	if !t.peer.IsConnected() {
		// Best-effort: the link is down, so there is nowhere to send it.
		return
	}
	_ = t.peer.SendAsync(newBulkSendAborted(t.uid), nil, t.counter)
}

// teardown removes this transmitter from the PRB's subscriber set and
// unregisters abortFilter unconditionally (it has no natural expiry).
// completeFilter is only cancelled here if the transfer never finished;
// on success it is deliberately left registered so the bus's timeout sweep
// reaps it once its ShouldTimeout hook trips, per spec.md §4.4.
func (t *BulkTransmitter) teardown() {
	t.prb.Remove(t)
	t.bus.Cancel(t.abortFilter)

	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()
	if !finished {
		t.bus.Cancel(t.completeFilter)
	}
}

// unsentPacketTag is the per-send-attempt peerlink.UnsentPacketTag backing
// one BulkPacketSend submission, per spec.md §4.4.
type unsentPacketTag struct {
	t *BulkTransmitter
}

func (u *unsentPacketTag) Sent() {
	// Informational only: the send loop waits for Acknowledged.
}

func (u *unsentPacketTag) Acknowledged() {
	u.t.mu.Lock()
	u.t.inFlightPackets--
	u.t.mu.Unlock()
	u.t.cond.Broadcast()
}

func (u *unsentPacketTag) Disconnected() {
	u.t.mu.Lock()
	u.t.inFlightPackets--
	u.t.failedPacket = true
	u.t.mu.Unlock()
	u.t.cond.Broadcast()
}

func (u *unsentPacketTag) FatalError(err error) {
	u.t.mu.Lock()
	u.t.inFlightPackets--
	u.t.failedPacket = true
	u.t.mu.Unlock()
	u.t.cond.Broadcast()
}

func firstSetBit(bits []bool) int {
	for i, b := range bits {
		if b {
			return i
		}
	}
	return -1
}
