package bulk

import "github.com/freenet-community/bulkcore/pkg/message"

// Wire message types for bulk transfer, per spec.md §6. uid/blockNo widths
// match the spec: a 64-bit transfer id, a 32-bit block index.
var (
	TypeBulkPacketSend = message.RegisterType("BulkPacketSend", map[string]message.ScalarType{
		"uid":     message.ScalarI64,
		"blockNo": message.ScalarI32,
		"bytes":   message.ScalarBytes,
	}, "")

	TypeBulkReceivedAll = message.RegisterType("BulkReceivedAll", map[string]message.ScalarType{
		"uid": message.ScalarI64,
	}, "")

	TypeBulkReceiveAborted = message.RegisterType("BulkReceiveAborted", map[string]message.ScalarType{
		"uid": message.ScalarI64,
	}, "")

	TypeBulkSendAborted = message.RegisterType("BulkSendAborted", map[string]message.ScalarType{
		"uid": message.ScalarI64,
	}, "")
)

// These messages carry no local identity: whatever PeerLink implementation
// actually puts them on the wire stamps its own Source/BootID, so an empty
// placeholder here is overwritten before delivery (see peerlink.Loopback's
// stamp and peerlink.UDP's encode).
func newBulkPacketSend(uid message.UID, blockNo uint32, data []byte) *message.Message {
	m := message.NewMessage(TypeBulkPacketSend, "", 0)
	mustSet(m, "uid", int64(uid))
	mustSet(m, "blockNo", int32(blockNo))
	mustSet(m, "bytes", data)
	return m
}

func newBulkReceivedAll(uid message.UID) *message.Message {
	m := message.NewMessage(TypeBulkReceivedAll, "", 0)
	mustSet(m, "uid", int64(uid))
	return m
}

func newBulkReceiveAborted(uid message.UID) *message.Message {
	m := message.NewMessage(TypeBulkReceiveAborted, "", 0)
	mustSet(m, "uid", int64(uid))
	return m
}

func newBulkSendAborted(uid message.UID) *message.Message {
	m := message.NewMessage(TypeBulkSendAborted, "", 0)
	mustSet(m, "uid", int64(uid))
	return m
}

func mustSet(m *message.Message, name string, value interface{}) {
	if err := m.SetField(name, value); err != nil {
		panic(err)
	}
}

func bytesOf(m *message.Message) ([]byte, bool) {
	v, ok := m.Field("bytes")
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}
