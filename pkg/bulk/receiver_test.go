package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freenet-community/bulkcore/pkg/bus"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
	"github.com/freenet-community/bulkcore/pkg/peerlink"
)

// TestReceiverHandlesBackToBackBlocksWithoutRearmRace exercises exactly the
// scenario a single filter re-armed from inside its own async callback
// could drop: several BulkPacketSend messages for the same uid arriving in
// quick succession, with no per-block ack wait in between. Each block has
// its own standing filter from construction onward, so none of them are
// lost regardless of dispatch order or goroutine scheduling.
func TestReceiverHandlesBackToBackBlocksWithoutRearmRace(t *testing.T) {
	log := logging.New()
	log.ToggleDebug(false)
	cfg := bus.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	b := bus.New(cfg, log)

	senderLink, receiverLink := peerlink.NewLoopbackPair("sender", "receiver")

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx, receiverLink.Inbox())
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})

	counter := peerlink.NewByteCounter(nil, "test")
	receiverPRB := New(4, 3)
	uid := message.NewUID()

	recv, err := NewBulkReceiver(receiverPRB, receiverLink, b, uid, counter, log)
	require.NoError(t, err)

	require.NoError(t, senderLink.SendAsync(newBulkPacketSend(uid, 0, []byte{0, 1, 2, 3}), nil, nil))
	require.NoError(t, senderLink.SendAsync(newBulkPacketSend(uid, 1, []byte{4, 5, 6, 7}), nil, nil))
	require.NoError(t, senderLink.SendAsync(newBulkPacketSend(uid, 2, []byte{8, 9, 10, 11}), nil, nil))

	require.Eventually(t, recv.Finished, 2*time.Second, time.Millisecond)
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, receiverPRB.Assemble())
}

func TestReceiverAlreadyWholeCompletesWithoutAnyFilter(t *testing.T) {
	log := logging.New()
	b := bus.New(bus.DefaultConfig(), log)
	_, receiverLink := peerlink.NewLoopbackPair("sender", "receiver")

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx, receiverLink.Inbox())
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})

	receiverPRB := New(4, 0)
	recv, err := NewBulkReceiver(receiverPRB, receiverLink, b, message.NewUID(), peerlink.NewByteCounter(nil, "test"), log)
	require.NoError(t, err)
	require.True(t, recv.Finished())
}
