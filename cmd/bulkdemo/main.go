// Command bulkdemo wires a Loopback PeerLink pair, a MessageBus per side,
// and a BulkTransmitter/BulkReceiver pair together end to end, so a bulk
// transfer can be exercised without go test. Analogous to the teacher's
// test/testing.go CreateCluster helper, promoted to a standalone program.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/freenet-community/bulkcore/pkg/bulk"
	"github.com/freenet-community/bulkcore/pkg/bus"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
	"github.com/freenet-community/bulkcore/pkg/peerlink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bulkdemo:", err)
		os.Exit(1)
	}
}

func run() error {
	log := logging.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderLink, receiverLink := peerlink.NewLoopbackPair("sender", "receiver")

	senderBus := bus.New(bus.DefaultConfig(), log.With("side", "sender"))
	receiverBus := bus.New(bus.DefaultConfig(), log.With("side", "receiver"))
	senderBus.Start(ctx, senderLink.Inbox())
	receiverBus.Start(ctx, receiverLink.Inbox())
	defer senderBus.Close()
	defer receiverBus.Close()

	payload := make([]byte, 96*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	const blockSize = 32 * 1024
	senderPRB := bulk.NewFromBuffer(blockSize, payload)
	receiverPRB := bulk.New(blockSize, senderPRB.TotalBlocks())

	uid := message.NewUID()
	counter := peerlink.NewByteCounter(nil, "bulkdemo")

	receiver, err := bulk.NewBulkReceiver(receiverPRB, receiverLink, receiverBus, uid, counter, log.With("role", "receiver"))
	if err != nil {
		return fmt.Errorf("new receiver: %w", err)
	}

	transmitter, err := bulk.NewBulkTransmitter(senderPRB, senderLink, senderBus, uid, true, counter, bulk.DefaultTransmitterConfig(), log.With("role", "transmitter"))
	if err != nil {
		return fmt.Errorf("new transmitter: %w", err)
	}

	sendCtx, sendCancel := context.WithTimeout(ctx, 30*time.Second)
	defer sendCancel()
	ok := transmitter.Send(sendCtx)
	if !ok {
		return fmt.Errorf("transfer did not complete (cancelled=%v)", transmitter.Cancelled())
	}

	deadline := time.Now().Add(5 * time.Second)
	for !receiver.Finished() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !receiver.Finished() {
		return fmt.Errorf("receiver never observed completion")
	}

	got := receiverPRB.Assemble()
	if len(got) != len(payload) {
		return fmt.Errorf("assembled length mismatch: got %d want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			return fmt.Errorf("byte mismatch at offset %d", i)
		}
	}

	log.Infof("transfer %s complete: %d bytes in %d blocks", uid, len(payload), senderPRB.TotalBlocks())
	return nil
}
