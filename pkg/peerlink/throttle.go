package peerlink

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ByteCounter is the flow-control accounting interface PeerLink exposes
// (spec.md §2's ByteCounter/Throttle component). Backed by Prometheus
// counters so the accounting has an observable surface in production,
// rather than being a bare in-memory tally.
type ByteCounter interface {
	BytesSent() int64
	BytesReceived() int64
	AddSent(n int64)
	AddReceived(n int64)
}

type prometheusByteCounter struct {
	sent     prometheus.Counter
	received prometheus.Counter

	sentTotal     int64
	receivedTotal int64
}

// NewByteCounter returns a ByteCounter registered against reg (a nil
// Registerer is fine: the counters simply go unexported). label
// distinguishes this counter's peer/link in the exported metric.
func NewByteCounter(reg prometheus.Registerer, label string) ByteCounter {
	sent := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "bulkcore_peerlink_bytes_sent_total",
		Help:        "Total bytes sent to a peer link.",
		ConstLabels: prometheus.Labels{"peer": label},
	})
	received := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "bulkcore_peerlink_bytes_received_total",
		Help:        "Total bytes received from a peer link.",
		ConstLabels: prometheus.Labels{"peer": label},
	})
	if reg != nil {
		_ = reg.Register(sent)
		_ = reg.Register(received)
	}
	return &prometheusByteCounter{sent: sent, received: received}
}

func (c *prometheusByteCounter) BytesSent() int64     { return c.sentTotal }
func (c *prometheusByteCounter) BytesReceived() int64 { return c.receivedTotal }

func (c *prometheusByteCounter) AddSent(n int64) {
	c.sentTotal += n
	c.sent.Add(float64(n))
}

func (c *prometheusByteCounter) AddReceived(n int64) {
	c.receivedTotal += n
	c.received.Add(float64(n))
}

// Throttle gates admission of outgoing bytes the way sendThrottledMessage
// requires: block until the budget is available, or fail with
// ErrWaitedTooLong once a deadline passes. Built on x/time/rate's token
// bucket instead of a hand-rolled limiter.
type Throttle struct {
	limiter *rate.Limiter
	waitObs prometheus.Histogram
}

// NewThrottle creates a Throttle admitting bytesPerSecond steady-state with
// the given burst capacity. reg may be nil.
func NewThrottle(bytesPerSecond float64, burst int, reg prometheus.Registerer) *Throttle {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkcore_peerlink_throttle_wait_seconds",
		Help:    "Time spent waiting for throttle admission per packet.",
		Buckets: prometheus.DefBuckets,
	})
	if reg != nil {
		_ = reg.Register(hist)
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		waitObs: hist,
	}
}

// Admit blocks until n bytes of budget are available or deadline elapses
// within ctx, returning ErrWaitedTooLong in the latter case.
func (t *Throttle) Admit(ctx context.Context, n int, deadline time.Duration) error {
	wctx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		wctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	err := t.limiter.WaitN(wctx, n)
	t.waitObs.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrWaitedTooLong
	}
	return nil
}
