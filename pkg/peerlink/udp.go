package peerlink

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/freenet-community/bulkcore/pkg/logging"
	"github.com/freenet-community/bulkcore/pkg/message"
)

// wireMessage is the JSON envelope carried over the socket. Field values
// are re-typed on decode against the declared MessageType schema so the
// decoded Message round-trips through Message.SetField's validation.
type wireMessage struct {
	Type   string                 `json:"type"`
	Fields map[string]interface{} `json:"fields"`
	Source string                 `json:"source"`
	BootID uint64                 `json:"boot_id"`
}

// UDP adapts a pre-established net.PacketConn (and a fixed remote address)
// into a PeerLink. It assumes packet framing, congestion control, and
// encryption/MAC are already handled by whatever produced the PacketConn
// (spec.md §1's stated boundary) — it only frames whole messages with a
// 4-byte big-endian length prefix and JSON-encodes their fields, the way
// the teacher's ReliableTransport.apply/consume marshal types.Message with
// encoding/json around relt's own framing.
type UDP struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	shortID    string
	localID    message.PeerID
	localBoot  uint64

	mu        sync.Mutex
	bootID    uint64
	connected bool

	throttle *Throttle
	log      logging.Logger

	producer chan *message.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDP wraps conn/remoteAddr as a PeerLink to a single peer identified by
// shortID, with an initial bootID. localID/localBoot are this node's own
// identity, stamped onto every outgoing message so the remote bus can match
// filters with a `source` constraint. throttle gates SendThrottledMessage
// admission; it must accept a burst at least as large as the largest
// message this link will ever throttle-send.
func NewUDP(conn net.PacketConn, remoteAddr net.Addr, shortID string, bootID uint64, localID message.PeerID, localBoot uint64, throttle *Throttle, log logging.Logger) *UDP {
	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:       conn,
		remoteAddr: remoteAddr,
		shortID:    shortID,
		localID:    localID,
		localBoot:  localBoot,
		bootID:     bootID,
		connected:  true,
		throttle:   throttle,
		log:        log,
		producer:   make(chan *message.Message, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
	u.wg.Add(1)
	go u.poll()
	return u
}

// Inbox exposes decoded inbound messages, fed to a MessageBus by the
// caller.
func (u *UDP) Inbox() <-chan *message.Message {
	return u.producer
}

// Close stops the receive loop and closes the underlying connection.
func (u *UDP) Close() error {
	u.cancel()
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) BootID() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bootID
}

func (u *UDP) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *UDP) ShortID() string {
	return u.shortID
}

// markDisconnected is called by the poll loop when the socket errors out.
func (u *UDP) markDisconnected() {
	u.mu.Lock()
	u.connected = false
	u.mu.Unlock()
}

func (u *UDP) encode(msg *message.Message) ([]byte, error) {
	wm := wireMessage{
		Type:   msg.Type.Name,
		Fields: msg.Fields,
		Source: string(u.localID),
		BootID: u.localBoot,
	}
	body, err := json.Marshal(wm)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[4:], body)
	return framed, nil
}

func (u *UDP) SendAsync(msg *message.Message, cb SendCallback, counter ByteCounter) error {
	if !u.IsConnected() {
		if cb != nil {
			cb(ErrNotConnected)
		}
		return ErrNotConnected
	}
	framed, err := u.encode(msg)
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return err
	}
	_, err = u.conn.WriteTo(framed, u.remoteAddr)
	if err != nil {
		u.markDisconnected()
		if cb != nil {
			cb(ErrNotConnected)
		}
		return ErrNotConnected
	}
	if counter != nil {
		counter.AddSent(int64(len(framed)))
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (u *UDP) SendThrottledMessage(ctx context.Context, msg *message.Message, size int, counter ByteCounter, timeout time.Duration, tag UnsentPacketTag) error {
	if err := u.throttle.Admit(ctx, size, timeout); err != nil {
		// The caller already counted this packet as in flight before
		// calling us; it only clears that bookkeeping from a tag callback,
		// so a bare early return here would leak it forever.
		if tag != nil {
			tag.FatalError(err)
		}
		return err
	}

	beforeBoot := u.BootID()
	framed, err := u.encode(msg)
	if err != nil {
		if tag != nil {
			tag.FatalError(err)
		}
		return err
	}

	if !u.IsConnected() {
		if tag != nil {
			tag.Disconnected()
		}
		return ErrNotConnected
	}
	if u.BootID() != beforeBoot {
		if tag != nil {
			tag.Disconnected()
		}
		return ErrPeerRestarted
	}

	_, err = u.conn.WriteTo(framed, u.remoteAddr)
	if err != nil {
		u.markDisconnected()
		if tag != nil {
			tag.FatalError(err)
		}
		return ErrNotConnected
	}
	if counter != nil {
		counter.AddSent(int64(len(framed)))
	}
	if tag != nil {
		tag.Sent()
		// The UDP adapter has no independent packet-ack signal below the
		// application layer (that is the congestion-control layer spec.md
		// §1 places out of scope); it acks on successful local write, same
		// as Loopback.
		tag.Acknowledged()
	}
	return nil
}

func (u *UDP) poll() {
	defer u.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		n, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.ctx.Done():
				return
			default:
			}
			u.markDisconnected()
			u.log.Warnf("udp peerlink %s: read error: %v", u.shortID, err)
			return
		}
		u.consume(buf[:n])
	}
}

func (u *UDP) consume(framed []byte) {
	if len(framed) < 4 {
		u.log.Warnf("udp peerlink %s: short frame (%d bytes)", u.shortID, len(framed))
		return
	}
	n := binary.BigEndian.Uint32(framed[:4])
	if int(n) != len(framed)-4 {
		u.log.Warnf("udp peerlink %s: frame length mismatch", u.shortID)
		return
	}

	var wm wireMessage
	if err := json.Unmarshal(framed[4:], &wm); err != nil {
		u.log.Errorf("udp peerlink %s: decode failed: %v", u.shortID, err)
		return
	}

	t, ok := message.LookupType(wm.Type)
	if !ok {
		u.log.Warnf("udp peerlink %s: unknown message type %q", u.shortID, wm.Type)
		return
	}

	msg := message.NewMessage(t, message.PeerID(wm.Source), wm.BootID)
	for k, v := range wm.Fields {
		if err := msg.SetField(k, normalizeJSONField(t, k, v)); err != nil {
			u.log.Warnf("udp peerlink %s: field %q: %v", u.shortID, k, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(u.ctx, 250*time.Millisecond)
	defer cancel()
	select {
	case u.producer <- msg:
	case <-ctx.Done():
		u.log.Warnf("udp peerlink %s: dropped message, consumer too slow", u.shortID)
	}
}

// normalizeJSONField re-types a JSON-decoded value (which arrives as
// float64/string/bool/[]interface{}) back into the Go scalar kind the
// field's MessageType declares, since JSON has no native byte/int8/int16
// distinction.
func normalizeJSONField(t *message.MessageType, name string, v interface{}) interface{} {
	declared, ok := t.FieldType(name)
	if !ok {
		return v
	}
	switch declared {
	case message.ScalarBool:
		b, _ := v.(bool)
		return b
	case message.ScalarI8:
		f, _ := v.(float64)
		return int8(f)
	case message.ScalarI16:
		f, _ := v.(float64)
		return int16(f)
	case message.ScalarI32:
		f, _ := v.(float64)
		return int32(f)
	case message.ScalarI64:
		f, _ := v.(float64)
		return int64(f)
	case message.ScalarString:
		s, _ := v.(string)
		return s
	case message.ScalarBytes:
		// encoding/json represents a []byte field as a base64 string;
		// decoding into interface{} leaves it as that string verbatim.
		s, _ := v.(string)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return []byte(nil)
		}
		return b
	default:
		return v
	}
}
