package bulk

import (
	"sync"
)

// Subscriber is anything fanned out to when a PartiallyReceivedBulk's state
// advances. BulkTransmitter implements it; BulkReceiver writes into the PRB
// but does not subscribe to it.
type Subscriber interface {
	OnBlockReceived(blockNo uint32)
	OnAborted()
}

// PartiallyReceivedBulk (PRB) is the shared block buffer for one file: a
// presence bitmap plus the block contents, subscribed to by one or more
// BulkTransmitters (fan-out senders of the same file to different peers)
// and written into by a single BulkReceiver (the inbound side). A block's
// data is defined iff its presence bit is set.
type PartiallyReceivedBulk struct {
	mu sync.Mutex

	blockSize   uint32
	totalBlocks uint32
	present     []bool
	data        [][]byte
	aborted     bool

	subscribers map[Subscriber]struct{}
}

// New creates an empty PRB for a file of totalBlocks blocks of blockSize
// bytes each (the last block may be shorter; callers write its actual
// length via BlockReceived). Used at a receiver, which starts with nothing
// present.
func New(blockSize, totalBlocks uint32) *PartiallyReceivedBulk {
	return &PartiallyReceivedBulk{
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		present:     make([]bool, totalBlocks),
		data:        make([][]byte, totalBlocks),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// NewFromBuffer creates a PRB with every block already present, splitting
// full into blockSize-sized chunks (the last one may be shorter). Used at a
// sender, which starts with the whole file in hand.
func NewFromBuffer(blockSize uint32, full []byte) *PartiallyReceivedBulk {
	if blockSize == 0 {
		blockSize = 1
	}
	total := uint32((len(full) + int(blockSize) - 1) / int(blockSize))
	p := New(blockSize, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * int(blockSize)
		end := start + int(blockSize)
		if end > len(full) {
			end = len(full)
		}
		block := make([]byte, end-start)
		copy(block, full[start:end])
		p.present[i] = true
		p.data[i] = block
	}
	return p
}

func (p *PartiallyReceivedBulk) BlockSize() uint32   { return p.blockSize }
func (p *PartiallyReceivedBulk) TotalBlocks() uint32 { return p.totalBlocks }

// Add registers sub as a subscriber. See CloneAndSubscribe for the atomic
// clone+add a BulkTransmitter constructor actually needs (invariant in
// spec.md §4.3: a subscriber added between a clone and its fan-out must
// see exactly one of "the cloned bit" or "the OnBlockReceived call").
func (p *PartiallyReceivedBulk) Add(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[sub] = struct{}{}
}

// Remove unregisters sub. BulkTransmitter calls this on every terminal path.
func (p *PartiallyReceivedBulk) Remove(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, sub)
}

// CloneBlocksReceived snapshots the presence bitmap. Calling this and then
// Add separately does not give the atomicity invariant described in
// spec.md §4.3 — use CloneAndSubscribe when both are needed together.
func (p *PartiallyReceivedBulk) CloneBlocksReceived() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clonePresence(p.present)
}

// CloneAndSubscribe atomically snapshots the presence bitmap and adds sub
// as a subscriber under the same lock acquisition, so sub observes either
// the cloned bit set for a block or a subsequent OnBlockReceived call for
// it — never both, never neither.
func (p *PartiallyReceivedBulk) CloneAndSubscribe(sub Subscriber) []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[sub] = struct{}{}
	return clonePresence(p.present)
}

func clonePresence(present []bool) []bool {
	out := make([]bool, len(present))
	copy(out, present)
	return out
}

// BlockReceived writes a block's data, sets its presence bit, and fans out
// OnBlockReceived to every subscriber while still holding the PRB lock.
// Subscribers must not re-enter the PRB from their callback.
func (p *PartiallyReceivedBulk) BlockReceived(n uint32, buf []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aborted || n >= p.totalBlocks {
		return false
	}
	block := make([]byte, len(buf))
	copy(block, buf)
	p.data[n] = block
	p.present[n] = true

	for sub := range p.subscribers {
		sub.OnBlockReceived(n)
	}
	return true
}

// Abort flags the PRB as aborted and fans out OnAborted.
func (p *PartiallyReceivedBulk) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return
	}
	p.aborted = true
	for sub := range p.subscribers {
		sub.OnAborted()
	}
}

// Aborted reports whether Abort was called.
func (p *PartiallyReceivedBulk) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// GetBlockData returns block n's bytes, or ok=false if the PRB is aborted
// or the block is not yet present.
func (p *PartiallyReceivedBulk) GetBlockData(n uint32) (buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted || n >= p.totalBlocks || !p.present[n] {
		return nil, false
	}
	return p.data[n], true
}

// HasWholeFile reports whether every block is present. A zero-block PRB
// (the empty-file boundary case) is vacuously whole.
func (p *PartiallyReceivedBulk) HasWholeFile() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.present {
		if !b {
			return false
		}
	}
	return true
}

// Assemble concatenates every block's data in order. Only meaningful once
// HasWholeFile reports true; callers that call it earlier get zero bytes
// for any still-missing block.
func (p *PartiallyReceivedBulk) Assemble() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, b := range p.data {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for i, present := range p.present {
		if present {
			out = append(out, p.data[i]...)
		}
	}
	return out
}
