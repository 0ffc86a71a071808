package bulk

import "time"

// TransmitterConfig holds the tunables named in spec.md §6. Defaults match
// the spec's stated constants exactly.
type TransmitterConfig struct {
	// IdleTimeout is the per-transfer idle bound: if no packet has been
	// successfully sent for this long, send() cancels with a timeout
	// disposition. spec.md §6: TIMEOUT=300000ms.
	IdleTimeout time.Duration

	// FinalAckTimeout is how long after completed() a transmitter's
	// receive-all filter is left registered before the bus's sweep is
	// allowed to reap it. spec.md §6: FINAL_ACK_TIMEOUT=10000ms.
	FinalAckTimeout time.Duration

	// PollInterval bounds how long the send loop's condition wait sleeps
	// before re-checking idle/failure state even absent a signal. spec.md
	// §4.4 step 4: "Wake at most every 60 s."
	PollInterval time.Duration

	// PerPacketTimeout bounds a single SendThrottledMessage call's wait for
	// throttle admission.
	PerPacketTimeout time.Duration

	// HeaderOverhead approximates oneMessageHeaderOverhead(peer) from
	// spec.md §4.4's packetSize budget: a fixed per-message framing cost
	// added on top of the block payload when sizing throttle admission.
	HeaderOverhead int
}

// DefaultTransmitterConfig returns the spec's stated constants.
func DefaultTransmitterConfig() TransmitterConfig {
	return TransmitterConfig{
		IdleTimeout:      300 * time.Second,
		FinalAckTimeout:  10 * time.Second,
		PollInterval:     60 * time.Second,
		PerPacketTimeout: 30 * time.Second,
		HeaderOverhead:   64,
	}
}

// PacketSize returns the per-packet throttle admission size for a block of
// blockSize bytes: the spec's bulkPacketEnvelope(blockSize) +
// oneMessageHeaderOverhead(peer), approximated as the block size plus the
// configured fixed header overhead.
func (c TransmitterConfig) PacketSize(blockSize uint32) int {
	return int(blockSize) + c.HeaderOverhead
}
