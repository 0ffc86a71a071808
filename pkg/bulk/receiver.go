package bulk

import (
	"sync"

	"github.com/freenet-community/bulkcore/pkg/bus"
	"github.com/freenet-community/bulkcore/pkg/filter"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
	"github.com/freenet-community/bulkcore/pkg/peerlink"
)

// BulkReceiver is the symmetric receive side of a transfer, per spec.md
// §4.5. It registers one dedicated, never-reused filter per block it still
// owes (uid AND blockNo both constrained), so every expected
// BulkPacketSend has its own standing registration on the bus from
// construction onward: unlike a single filter re-armed from inside its own
// async callback, there is no window between one match being delivered and
// the next already-queued packet being dispatched where the bus would find
// nothing registered for it.
type BulkReceiver struct {
	prb     *PartiallyReceivedBulk
	peer    peerlink.PeerLink
	bus     *bus.MessageBus
	uid     message.UID
	counter peerlink.ByteCounter
	log     logging.Logger

	mu            sync.Mutex
	finished      bool
	aborted       bool
	packetFilters []*filter.Filter
}

// NewBulkReceiver snapshots the PRB's presence bitmap and registers one
// filter per still-missing block for uid/peer, returning a BulkReceiver
// ready to accept them. If the PRB is already whole (the empty-file
// boundary case: totalBlocks == 0), it completes immediately without
// registering anything. Fails with peerlink.ErrDisconnected if peer is
// already down.
func NewBulkReceiver(prb *PartiallyReceivedBulk, peer peerlink.PeerLink, b *bus.MessageBus, uid message.UID, counter peerlink.ByteCounter, log logging.Logger) (*BulkReceiver, error) {
	if !peer.IsConnected() {
		return nil, peerlink.ErrDisconnected
	}

	r := &BulkReceiver{
		prb:     prb,
		peer:    peer,
		bus:     b,
		uid:     uid,
		counter: counter,
		log:     log.With("uid", uid, "peer", peer.ShortID()),
	}

	present := prb.CloneBlocksReceived()
	if allPresent(present) {
		r.finish()
		return r, nil
	}

	peerID := message.PeerID(peer.ShortID())
	for n, have := range present {
		if have {
			continue
		}
		blockNo := uint32(n)
		f := filter.New()
		f.SetType(TypeBulkPacketSend)
		f.SetField("uid", int64(uid))
		f.SetField("blockNo", int32(blockNo))
		f.SetSource(peerID, peer)
		f.SetNoTimeout()
		f.SetAsyncCallback(filter.Callback{
			OnMatched:    func(msg *message.Message) { r.onPacket(blockNo, msg) },
			OnDisconnect: func(message.PeerID) { r.teardown() },
			OnRestarted:  func(message.PeerID) { r.teardown() },
		})
		if err := b.Register(f); err != nil {
			r.teardown()
			return nil, err
		}
		r.mu.Lock()
		r.packetFilters = append(r.packetFilters, f)
		r.mu.Unlock()
	}
	return r, nil
}

func allPresent(present []bool) bool {
	for _, p := range present {
		if !p {
			return false
		}
	}
	return true
}

// UID returns the transfer's identifier.
func (r *BulkReceiver) UID() message.UID { return r.uid }

// Finished reports whether BulkReceivedAll was emitted.
func (r *BulkReceiver) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Aborted reports whether the transfer ended via a local Abort or because
// the PRB was already aborted when a block arrived. The receiver registers
// no filter for the sender's BulkSendAborted, so that message does not set
// it.
func (r *BulkReceiver) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Abort flips the PRB to aborted, notifies the sender with
// BulkReceiveAborted, and tears down (spec.md §4.5: "On local abort, emits
// BulkReceiveAborted(uid) and flips the PRB to aborted").
func (r *BulkReceiver) Abort() {
	r.mu.Lock()
	if r.finished || r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	r.mu.Unlock()

	r.prb.Abort()
	_ = r.peer.SendAsync(newBulkReceiveAborted(r.uid), nil, r.counter)
	r.teardown()
}

// onPacket handles the one blockNo this filter is dedicated to: every
// other concurrently-matching filter belongs to a different block, so
// there is no re-entrancy to guard against beyond the usual
// finished/aborted terminal check.
func (r *BulkReceiver) onPacket(blockNo uint32, msg *message.Message) {
	r.mu.Lock()
	done := r.finished || r.aborted
	r.mu.Unlock()
	if done {
		return
	}

	buf, ok := bytesOf(msg)
	if !ok {
		r.log.Warnf("packet send for block %d missing bytes field", blockNo)
		return
	}

	if !r.prb.BlockReceived(blockNo, buf) {
		// The PRB was aborted (locally or by a concurrent writer) between
		// our check above and this write; there is nothing further to do.
		r.mu.Lock()
		r.aborted = true
		r.mu.Unlock()
		r.teardown()
		return
	}

	if r.prb.HasWholeFile() {
		r.finish()
	}
}

// finish marks the transfer complete, notifies the sender with
// BulkReceivedAll, and tears down. Safe to call at most once; later
// callers are no-ops.
func (r *BulkReceiver) finish() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()

	_ = r.peer.SendAsync(newBulkReceivedAll(r.uid), nil, r.counter)
	r.teardown()
}

// teardown cancels every still-registered per-block filter. Control
// messages are final (spec.md §5): once finished/aborted is set, any
// packet still in flight for this uid simply has nothing left to match.
func (r *BulkReceiver) teardown() {
	r.mu.Lock()
	filters := r.packetFilters
	r.packetFilters = nil
	r.mu.Unlock()

	for _, f := range filters {
		r.bus.Cancel(f)
	}
}
