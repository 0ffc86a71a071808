package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freenet-community/bulkcore/pkg/bus"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
	"github.com/freenet-community/bulkcore/pkg/peerlink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	senderLink, receiverLink *peerlink.Loopback
	senderBus, receiverBus   *bus.MessageBus
	counter                  peerlink.ByteCounter
	log                      logging.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.New()
	log.ToggleDebug(false)

	senderLink, receiverLink := peerlink.NewLoopbackPair("sender", "receiver")

	cfg := bus.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	senderBus := bus.New(cfg, log)
	receiverBus := bus.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	senderBus.Start(ctx, senderLink.Inbox())
	receiverBus.Start(ctx, receiverLink.Inbox())

	t.Cleanup(func() {
		cancel()
		_ = senderBus.Close()
		_ = receiverBus.Close()
	})

	return &harness{
		senderLink:   senderLink,
		receiverLink: receiverLink,
		senderBus:    senderBus,
		receiverBus:  receiverBus,
		counter:      peerlink.NewByteCounter(nil, "test"),
		log:          log,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestHappyPathThreeBlocks(t *testing.T) {
	h := newHarness(t)

	full := make([]byte, 3*4)
	for i := range full {
		full[i] = byte(i)
	}
	senderPRB := NewFromBuffer(4, full)
	receiverPRB := New(4, senderPRB.TotalBlocks())
	uid := message.NewUID()

	recv, err := NewBulkReceiver(receiverPRB, h.receiverLink, h.receiverBus, uid, h.counter, h.log)
	require.NoError(t, err)

	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, uid, false, h.counter, DefaultTransmitterConfig(), h.log)
	require.NoError(t, err)

	ok := xmit.Send(context.Background())
	require.True(t, ok)
	require.True(t, xmit.Finished())
	require.False(t, xmit.Cancelled())

	waitFor(t, recv.Finished)
	require.Equal(t, full, receiverPRB.Assemble())
}

func TestStreamedArrival(t *testing.T) {
	h := newHarness(t)

	senderPRB := New(4, 3)
	receiverPRB := New(4, 3)
	uid := message.NewUID()

	require.True(t, senderPRB.BlockReceived(0, []byte{0, 1, 2, 3}))

	recv, err := NewBulkReceiver(receiverPRB, h.receiverLink, h.receiverBus, uid, h.counter, h.log)
	require.NoError(t, err)

	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, uid, false, h.counter, DefaultTransmitterConfig(), h.log)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		senderPRB.BlockReceived(1, []byte{4, 5, 6, 7})
		time.Sleep(30 * time.Millisecond)
		senderPRB.BlockReceived(2, []byte{8, 9, 10, 11})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok := xmit.Send(ctx)
	require.True(t, ok)

	waitFor(t, recv.Finished)
	require.True(t, receiverPRB.HasWholeFile())
}

func TestPeerRestartMidTransfer(t *testing.T) {
	h := newHarness(t)

	senderPRB := New(4, 3)
	require.True(t, senderPRB.BlockReceived(0, []byte{0, 1, 2, 3}))

	cfg := DefaultTransmitterConfig()
	cfg.PollInterval = 10 * time.Millisecond
	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, message.NewUID(), false, h.counter, cfg, h.log)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.senderLink.Restart()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok := xmit.Send(ctx)
	require.False(t, ok)
	require.True(t, xmit.Cancelled())
}

func TestRemoteAbort(t *testing.T) {
	h := newHarness(t)

	senderPRB := New(4, 3)
	receiverPRB := New(4, 3)
	uid := message.NewUID()
	require.True(t, senderPRB.BlockReceived(0, []byte{0, 1, 2, 3}))
	require.True(t, senderPRB.BlockReceived(1, []byte{4, 5, 6, 7}))

	recv, err := NewBulkReceiver(receiverPRB, h.receiverLink, h.receiverBus, uid, h.counter, h.log)
	require.NoError(t, err)

	cfg := DefaultTransmitterConfig()
	cfg.PollInterval = 10 * time.Millisecond
	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, uid, false, h.counter, cfg, h.log)
	require.NoError(t, err)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if bits := receiverPRB.CloneBlocksReceived(); len(bits) > 0 && bits[0] {
				break
			}
			time.Sleep(time.Millisecond)
		}
		recv.Abort()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok := xmit.Send(ctx)
	require.False(t, ok)
	require.True(t, xmit.Cancelled())
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t)

	senderPRB := New(4, 2)
	require.True(t, senderPRB.BlockReceived(0, []byte{0, 1, 2, 3}))

	cfg := DefaultTransmitterConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, message.NewUID(), false, h.counter, cfg, h.log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok := xmit.Send(ctx)
	require.False(t, ok)
	require.True(t, xmit.Cancelled())
}

func TestEmptyFileNoWaitCompletesImmediately(t *testing.T) {
	h := newHarness(t)

	senderPRB := New(4, 0)
	receiverPRB := New(4, 0)
	uid := message.NewUID()

	recv, err := NewBulkReceiver(receiverPRB, h.receiverLink, h.receiverBus, uid, h.counter, h.log)
	require.NoError(t, err)

	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, uid, true, h.counter, DefaultTransmitterConfig(), h.log)
	require.NoError(t, err)

	ok := xmit.Send(context.Background())
	require.True(t, ok)
	require.True(t, xmit.Finished())

	waitFor(t, recv.Finished)
}

func TestSingleBlock(t *testing.T) {
	h := newHarness(t)

	full := []byte{1, 2, 3, 4, 5}
	senderPRB := NewFromBuffer(32*1024, full)
	receiverPRB := New(32*1024, senderPRB.TotalBlocks())
	uid := message.NewUID()

	recv, err := NewBulkReceiver(receiverPRB, h.receiverLink, h.receiverBus, uid, h.counter, h.log)
	require.NoError(t, err)

	xmit, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, uid, false, h.counter, DefaultTransmitterConfig(), h.log)
	require.NoError(t, err)

	ok := xmit.Send(context.Background())
	require.True(t, ok)

	waitFor(t, recv.Finished)
	require.Equal(t, full, receiverPRB.Assemble())
}

func TestConstructionFailsOnDisconnectedPeer(t *testing.T) {
	h := newHarness(t)
	h.senderLink.Disconnect()

	senderPRB := New(4, 1)
	_, err := NewBulkTransmitter(senderPRB, h.senderLink, h.senderBus, message.NewUID(), false, h.counter, DefaultTransmitterConfig(), h.log)
	require.ErrorIs(t, err, peerlink.ErrDisconnected)
}
