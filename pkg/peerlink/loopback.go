package peerlink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freenet-community/bulkcore/pkg/message"
)

// Loopback is an in-process PeerLink pair, used by tests and cmd/bulkdemo.
// It generalizes the teacher's ReliableTransport.consume (a context-bounded
// handoff into a buffered channel) from group multicast down to a single
// peer's send/receive pair, and adds hooks to simulate disconnects, boot-id
// changes, and artificial delay for exercising the spec's error paths.
//
// Each side tracks two distinct identities, mirroring the split UDP keeps
// between localID/localBoot and shortID/bootID: localID/localBoot are this
// node's own identity, stamped onto outgoing messages; remoteBootID/
// connected describe the PEER at the other end of the link, which is what
// BootID/IsConnected report (per the PeerLink contract: "BootID changes
// exactly when the peer restarts").
type Loopback struct {
	mu            sync.Mutex
	peer          *Loopback
	localID       string
	localBoot     uint64
	remoteShortID string
	remoteBootID  uint64
	connected     bool

	inbox chan *message.Message

	delay     time.Duration
	failSends int32 // atomic: remaining SendThrottledMessage calls to fail
}

// NewLoopbackPair creates two Loopback PeerLinks wired to each other:
// messages sent on a arrive in b's Inbox, and vice versa.
func NewLoopbackPair(aID, bID string) (a, b *Loopback) {
	a = &Loopback{localID: aID, localBoot: 1, remoteShortID: bID, remoteBootID: 1, connected: true, inbox: make(chan *message.Message, 256)}
	b = &Loopback{localID: bID, localBoot: 1, remoteShortID: aID, remoteBootID: 1, connected: true, inbox: make(chan *message.Message, 256)}
	a.peer = b
	b.peer = a
	return a, b
}

// Inbox exposes the channel of messages delivered to this side. A receive
// loop (e.g. feeding a MessageBus) ranges over it.
func (l *Loopback) Inbox() <-chan *message.Message {
	return l.inbox
}

// SetDelay makes every subsequent send through this link pause for d before
// landing in the peer's inbox, simulating network latency.
func (l *Loopback) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Disconnect marks the peer at the other end of this link as unreachable;
// sends through it fail with ErrNotConnected until Reconnect.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
}

// Reconnect marks the peer reachable again without changing its boot id
// (use Restart to simulate a peer restart).
func (l *Loopback) Reconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
}

// Restart simulates the peer at the other end of this link restarting:
// its observed boot id increments and it is marked reachable.
func (l *Loopback) Restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteBootID++
	l.connected = true
}

// FailNextSends makes the next n SendThrottledMessage calls fail with a
// fatal error instead of delivering, for exercising failedPacket paths.
func (l *Loopback) FailNextSends(n int32) {
	atomic.StoreInt32(&l.failSends, n)
}

// BootID reports the boot id of the peer at the other end of this link.
func (l *Loopback) BootID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteBootID
}

// IsConnected reports whether the peer at the other end of this link is
// currently reachable.
func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// ShortID is the diagnostics-only identifier of the peer this link points
// at.
func (l *Loopback) ShortID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteShortID
}

func (l *Loopback) SendAsync(msg *message.Message, cb SendCallback, counter ByteCounter) error {
	l.mu.Lock()
	connected := l.connected
	peer := l.peer
	delay := l.delay
	l.mu.Unlock()

	if !connected {
		if cb != nil {
			cb(ErrNotConnected)
		}
		return ErrNotConnected
	}

	go peer.deliver(l.stamp(msg), delay)
	if counter != nil {
		counter.AddSent(approxSize(msg))
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

// stamp attributes msg to this node's own identity before handing it to the
// peer: the receiving side's filters match on Source, which must carry the
// identity of whoever is actually sending it, not the peer being sent to.
func (l *Loopback) stamp(msg *message.Message) *message.Message {
	l.mu.Lock()
	localID, localBoot := l.localID, l.localBoot
	l.mu.Unlock()

	stamped := message.NewMessage(msg.Type, message.PeerID(localID), localBoot)
	for k, v := range msg.Fields {
		stamped.Fields[k] = v
	}
	return stamped
}

func (l *Loopback) SendThrottledMessage(ctx context.Context, msg *message.Message, size int, counter ByteCounter, timeout time.Duration, tag UnsentPacketTag) error {
	if atomic.LoadInt32(&l.failSends) > 0 {
		atomic.AddInt32(&l.failSends, -1)
		if tag != nil {
			tag.FatalError(ErrNotConnected)
		}
		return ErrNotConnected
	}

	l.mu.Lock()
	connected := l.connected
	peer := l.peer
	delay := l.delay
	l.mu.Unlock()

	if !connected {
		if tag != nil {
			tag.Disconnected()
		}
		return ErrNotConnected
	}

	go peer.deliver(l.stamp(msg), delay)
	if counter != nil {
		counter.AddSent(int64(size))
	}
	if tag != nil {
		tag.Sent()
		tag.Acknowledged()
	}
	return nil
}

func (l *Loopback) deliver(msg *message.Message, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case l.inbox <- msg:
	case <-ctx.Done():
	}
}

func approxSize(msg *message.Message) int64 {
	n := int64(0)
	for _, v := range msg.Fields {
		if b, ok := v.([]byte); ok {
			n += int64(len(b))
		}
	}
	return n
}
