// Package message defines the wire-level message schema shared by the
// message bus, filters, and bulk transfer packages.
package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-version"
)

var (
	// ErrUnsupportedProtocol is returned when a message's type declares a
	// minimum protocol version higher than the peer we're talking to.
	ErrUnsupportedProtocol = errors.New("message: protocol version not supported")

	// ErrIncorrectType is returned when a field value's Go type does not
	// match the scalar type declared for that field name on the message's
	// MessageType.
	ErrIncorrectType = errors.New("message: incorrect field type")

	// ErrUnknownField is returned when a field name has no entry in the
	// MessageType's schema.
	ErrUnknownField = errors.New("message: unknown field")
)

// ScalarType enumerates the Go-level kinds a message field may hold.
type ScalarType int

const (
	ScalarBool ScalarType = iota
	ScalarI8
	ScalarI16
	ScalarI32
	ScalarI64
	ScalarBytes
	ScalarString
)

func (s ScalarType) String() string {
	switch s {
	case ScalarBool:
		return "bool"
	case ScalarI8:
		return "i8"
	case ScalarI16:
		return "i16"
	case ScalarI32:
		return "i32"
	case ScalarI64:
		return "i64"
	case ScalarBytes:
		return "bytes"
	case ScalarString:
		return "string"
	default:
		return "unknown"
	}
}

func scalarOf(v interface{}) (ScalarType, bool) {
	switch v.(type) {
	case bool:
		return ScalarBool, true
	case int8:
		return ScalarI8, true
	case int16:
		return ScalarI16, true
	case int32:
		return ScalarI32, true
	case int64, uint64:
		return ScalarI64, true
	case []byte:
		return ScalarBytes, true
	case string:
		return ScalarString, true
	default:
		return 0, false
	}
}

// MessageType is a named, immutable, process-global field schema. Filters
// type-check their field constraints against a MessageType at attach time.
type MessageType struct {
	// Name identifies the type on the wire and in the process registry.
	Name string

	// Fields maps a field name to the scalar type it must hold.
	Fields map[string]ScalarType

	// MinVersion is the lowest protocol version a peer must advertise to
	// be sent this message type. Nil means no constraint.
	MinVersion *version.Version
}

// FieldType returns the declared scalar type for name, or false if name is
// not part of this type's schema.
func (t *MessageType) FieldType(name string) (ScalarType, bool) {
	st, ok := t.Fields[name]
	return st, ok
}

// CompatibleWith reports whether peerVersion satisfies this type's
// MinVersion. A nil MinVersion is always compatible.
func (t *MessageType) CompatibleWith(peerVersion *version.Version) error {
	if t.MinVersion == nil || peerVersion == nil {
		return nil
	}
	if peerVersion.LessThan(t.MinVersion) {
		return fmt.Errorf("%w: type %q requires >= %s, peer has %s",
			ErrUnsupportedProtocol, t.Name, t.MinVersion, peerVersion)
	}
	return nil
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*MessageType)
)

// RegisterType declares a new process-global MessageType. minVersion may be
// empty, meaning no version floor. Panics on a duplicate name or malformed
// minVersion: this is a startup-time programmer error, never a runtime one.
func RegisterType(name string, fields map[string]ScalarType, minVersion string) *MessageType {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("message: type %q already registered", name))
	}

	var mv *version.Version
	if minVersion != "" {
		v, err := version.NewVersion(minVersion)
		if err != nil {
			panic(fmt.Sprintf("message: bad minVersion %q for type %q: %v", minVersion, name, err))
		}
		mv = v
	}

	schema := make(map[string]ScalarType, len(fields))
	for k, v := range fields {
		schema[k] = v
	}

	t := &MessageType{Name: name, Fields: schema, MinVersion: mv}
	registry[name] = t
	return t
}

// LookupType returns a previously registered MessageType by name.
func LookupType(name string) (*MessageType, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// PeerID identifies a remote endpoint. It is opaque to the message layer;
// PeerLink implementations decide what it means (address, node id, ...).
type PeerID string

// Message is a tagged record carrying a schema-checked field map, the peer
// it originated from (if known), and that peer's boot id at the time of
// construction or receipt.
type Message struct {
	Type   *MessageType
	Fields map[string]interface{}
	Source PeerID
	BootID uint64
}

// NewMessage creates an empty message of the given type, attributed to
// source with the given bootID. Use SetField to populate fields.
func NewMessage(t *MessageType, source PeerID, bootID uint64) *Message {
	return &Message{
		Type:   t,
		Fields: make(map[string]interface{}),
		Source: source,
		BootID: bootID,
	}
}

// SetField assigns value to the named field, validating it against the
// message's type schema. Returns ErrUnknownField / ErrIncorrectType on
// mismatch; the message is left unmodified in that case.
func (m *Message) SetField(name string, value interface{}) error {
	declared, ok := m.Type.FieldType(name)
	if !ok {
		return fmt.Errorf("%w: %q on type %q", ErrUnknownField, name, m.Type.Name)
	}
	actual, ok := scalarOf(value)
	if !ok || actual != declared {
		return fmt.Errorf("%w: field %q wants %s", ErrIncorrectType, name, declared)
	}
	m.Fields[name] = value
	return nil
}

// Field returns the value stored for name and whether it was present.
func (m *Message) Field(name string) (interface{}, bool) {
	v, ok := m.Fields[name]
	return v, ok
}
