package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freenet-community/bulkcore/pkg/filter"
	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
)

var busTestType = message.RegisterType("BusTestType", map[string]message.ScalarType{
	"uid": message.ScalarI64,
}, "")

func newTestBus(t *testing.T) (*MessageBus, chan *message.Message, context.CancelFunc) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	b := New(cfg, logging.New())
	incoming := make(chan *message.Message, 16)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx, incoming)
	return b, incoming, cancel
}

func TestRegisterRequiresTimeout(t *testing.T) {
	b, _, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	f := filter.New()
	f.SetType(busTestType)
	require.ErrorIs(t, b.Register(f), ErrFilterNotConfigured)
}

func TestDispatchDeliversMatch(t *testing.T) {
	b, incoming, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	f := filter.New()
	f.SetType(busTestType)
	f.SetSource("peerA", constStatus{})
	f.SetNoTimeout()
	require.NoError(t, b.Register(f))

	m := message.NewMessage(busTestType, "peerA", 1)
	require.NoError(t, m.SetField("uid", int64(9)))
	incoming <- m

	require.Eventually(t, func() bool {
		matched, _ := f.Matched()
		return matched
	}, time.Second, time.Millisecond)
}

func TestDispatchPrefersEarliestDeadline(t *testing.T) {
	b, incoming, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	late := filter.New()
	late.SetType(busTestType)
	late.SetTimeout(time.Hour)
	require.NoError(t, b.Register(late))

	early := filter.New()
	early.SetType(busTestType)
	early.SetTimeout(time.Minute)
	require.NoError(t, b.Register(early))

	m := message.NewMessage(busTestType, "peerB", 0)
	incoming <- m

	require.Eventually(t, func() bool {
		matched, _ := early.Matched()
		return matched
	}, time.Second, time.Millisecond)

	matched, _ := late.Matched()
	require.False(t, matched)
}

func TestSweepDeliversTimeout(t *testing.T) {
	b, _, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	f := filter.New()
	f.SetType(busTestType)
	f.SetTimeout(5 * time.Millisecond)
	timedOut := make(chan struct{})
	f.SetAsyncCallback(filter.Callback{
		OnTimeout: func() { close(timedOut) },
	})
	require.NoError(t, b.Register(f))

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("filter never timed out")
	}
}

func TestNotifyDisconnectDelivers(t *testing.T) {
	b, _, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	status := &mutableStatus{connected: true}
	f := filter.New()
	f.SetType(busTestType)
	f.SetSource("peerC", status)
	f.SetNoTimeout()
	dropped := make(chan message.PeerID, 1)
	f.SetAsyncCallback(filter.Callback{
		OnDisconnect: func(p message.PeerID) { dropped <- p },
	})
	require.NoError(t, b.Register(f))

	status.connected = false
	b.NotifyDisconnect("peerC")

	select {
	case p := <-dropped:
		require.Equal(t, message.PeerID("peerC"), p)
	case <-time.After(time.Second):
		t.Fatal("disconnect never delivered")
	}
}

func TestCancelRemovesFilter(t *testing.T) {
	b, incoming, cancel := newTestBus(t)
	defer cancel()
	defer b.Close()

	f := filter.New()
	f.SetType(busTestType)
	f.SetNoTimeout()
	require.NoError(t, b.Register(f))
	b.Cancel(f)

	incoming <- message.NewMessage(busTestType, "", 0)
	time.Sleep(20 * time.Millisecond)
	matched, _ := f.Matched()
	require.False(t, matched)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type constStatus struct{}

func (constStatus) IsConnected() bool { return true }
func (constStatus) BootID() uint64    { return 1 }

type mutableStatus struct {
	connected bool
	bootID    uint64
}

func (s *mutableStatus) IsConnected() bool { return s.connected }
func (s *mutableStatus) BootID() uint64    { return s.bootID }
