package message

import (
	"testing"

	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/require"
)

var testType = RegisterType("TestMessageType", map[string]ScalarType{
	"count": ScalarI32,
	"name":  ScalarString,
	"data":  ScalarBytes,
}, "")

func TestSetFieldRoundTrip(t *testing.T) {
	m := NewMessage(testType, "peerA", 7)
	require.NoError(t, m.SetField("count", int32(42)))
	require.NoError(t, m.SetField("name", "hello"))

	v, ok := m.Field("count")
	require.True(t, ok)
	require.Equal(t, int32(42), v)
	require.Equal(t, PeerID("peerA"), m.Source)
	require.Equal(t, uint64(7), m.BootID)
}

func TestSetFieldUnknown(t *testing.T) {
	m := NewMessage(testType, "peerA", 0)
	err := m.SetField("nope", int32(1))
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestSetFieldWrongScalar(t *testing.T) {
	m := NewMessage(testType, "peerA", 0)
	err := m.SetField("count", "not an int32")
	require.ErrorIs(t, err, ErrIncorrectType)
}

func TestRegisterTypeDuplicatePanics(t *testing.T) {
	RegisterType("OnlyOnce", nil, "")
	require.Panics(t, func() {
		RegisterType("OnlyOnce", nil, "")
	})
}

func TestLookupType(t *testing.T) {
	got, ok := LookupType("TestMessageType")
	require.True(t, ok)
	require.Same(t, testType, got)

	_, ok = LookupType("NoSuchType")
	require.False(t, ok)
}

func TestCompatibleWith(t *testing.T) {
	versioned := RegisterType("VersionedType", nil, "1.2.0")

	older, err := version.NewVersion("1.0.0")
	require.NoError(t, err)
	require.ErrorIs(t, versioned.CompatibleWith(older), ErrUnsupportedProtocol)

	newer, err := version.NewVersion("2.0.0")
	require.NoError(t, err)
	require.NoError(t, versioned.CompatibleWith(newer))

	require.NoError(t, testType.CompatibleWith(nil))
}

func TestNewUIDUnique(t *testing.T) {
	a := NewUID()
	b := NewUID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a.String())
}
