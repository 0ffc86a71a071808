package message

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
)

// UID identifies a transfer uniquely across both peers for its lifetime.
type UID uint64

func (u UID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// NewUID generates a transfer identifier for callers that have no
// externally assigned one, taking the low 64 bits of a random UUIDv4.
func NewUID() UID {
	id := uuid.New()
	return UID(binary.BigEndian.Uint64(id[8:16]))
}
