package peerlink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
)

var udpTestType = message.RegisterType("UDPTestType", map[string]message.ScalarType{
	"n":     message.ScalarI32,
	"bytes": message.ScalarBytes,
}, "")

func newUDPPair(t *testing.T) (a, b *UDP) {
	t.Helper()
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	log := logging.New()
	throttle := NewThrottle(1<<20, 1<<20, nil)

	a = NewUDP(connA, connB.LocalAddr(), "b", 1, "a", 1, throttle, log)
	b = NewUDP(connB, connA.LocalAddr(), "a", 1, "b", 1, throttle, log)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestUDPSendAsyncRoundTrip(t *testing.T) {
	a, b := newUDPPair(t)

	m := message.NewMessage(udpTestType, "", 0)
	require.NoError(t, m.SetField("n", int32(7)))
	require.NoError(t, m.SetField("bytes", []byte{1, 2, 3}))

	require.NoError(t, a.SendAsync(m, nil, nil))

	select {
	case got := <-b.Inbox():
		require.Equal(t, message.PeerID("a"), got.Source)
		v, _ := got.Field("n")
		require.Equal(t, int32(7), v)
		bs, _ := got.Field("bytes")
		require.Equal(t, []byte{1, 2, 3}, bs)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestUDPSendThrottledMessage(t *testing.T) {
	a, b := newUDPPair(t)
	tag := &fakeTag{}

	m := message.NewMessage(udpTestType, "", 0)
	require.NoError(t, m.SetField("n", int32(1)))
	require.NoError(t, m.SetField("bytes", []byte{9}))

	err := a.SendThrottledMessage(context.Background(), m, 16, nil, time.Second, tag)
	require.NoError(t, err)
	require.True(t, tag.acked)

	select {
	case <-b.Inbox():
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}
