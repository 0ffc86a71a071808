// Package peerlink defines the PeerLink contract the message-dispatch and
// bulk-transfer core depends on: sending whole messages to one peer and
// observing its connection/boot-id state. Packet framing, congestion
// control, and MAC/encryption at the wire level are assumed to already be
// handled beneath this interface (spec.md §1's stated out-of-scope list).
package peerlink

import (
	"context"
	"errors"
	"time"

	"github.com/freenet-community/bulkcore/pkg/message"
)

var (
	// ErrNotConnected is returned when a send is attempted on a peer that
	// is not currently connected.
	ErrNotConnected = errors.New("peerlink: not connected")

	// ErrPeerRestarted is returned when a send observes that the peer's
	// boot id changed underneath it.
	ErrPeerRestarted = errors.New("peerlink: peer restarted")

	// ErrWaitedTooLong is returned by SendThrottledMessage when the
	// throttle admission wait exceeds its deadline. Non-retriable for the
	// transfer that hit it: the link itself is stuck.
	ErrWaitedTooLong = errors.New("peerlink: waited too long for throttle admission")

	// ErrSyncSendWaitedTooLong is the synchronous-send analog of
	// ErrWaitedTooLong.
	ErrSyncSendWaitedTooLong = errors.New("peerlink: synchronous send waited too long")

	// ErrDisconnected is returned by constructors that require a peer to
	// already be connected (e.g. a bulk transmitter binding to a peer).
	ErrDisconnected = errors.New("peerlink: peer is disconnected")
)

// SendCallback is invoked once a SendAsync'd message either leaves the
// local send queue successfully or fails; nil err means success.
type SendCallback func(err error)

// UnsentPacketTag tracks one outstanding packet submitted through
// SendThrottledMessage. A PeerLink implementation calls exactly one of
// Acknowledged, Disconnected, or FatalError once the packet's fate is
// known; Sent is an informational call that does not resolve the tag.
type UnsentPacketTag interface {
	// Sent is called once the packet has left the local send queue. It
	// carries no state transition: callers still await Acknowledged.
	Sent()

	// Acknowledged is called once the peer has acked the packet.
	Acknowledged()

	// Disconnected is called if the peer link drops before an ack arrives.
	Disconnected()

	// FatalError is called if sending the packet failed outright.
	FatalError(err error)
}

// PeerLink is the whole-message transport to a single peer, as specified by
// spec.md §6. Packet-level concerns (framing, congestion, encryption) are
// assumed handled beneath this interface.
type PeerLink interface {
	// SendAsync enqueues msg for sending. cb (if non-nil) is invoked once
	// the send either succeeds or fails; counter (if non-nil) accrues the
	// bytes sent. Returns ErrNotConnected synchronously if the peer is
	// already known to be down.
	SendAsync(msg *message.Message, cb SendCallback, counter ByteCounter) error

	// SendThrottledMessage blocks until size bytes of throttle admission
	// are granted, then enqueues msg, tracking its fate through tag.
	// Returns ErrNotConnected, ErrPeerRestarted, ErrWaitedTooLong, or
	// ErrSyncSendWaitedTooLong.
	SendThrottledMessage(ctx context.Context, msg *message.Message, size int, counter ByteCounter, timeout time.Duration, tag UnsentPacketTag) error

	// BootID changes exactly when the peer restarts.
	BootID() uint64

	// IsConnected reports current connectivity.
	IsConnected() bool

	// ShortID is a diagnostics-only peer identifier.
	ShortID() string
}
