// Package promiseid defines the opaque, totally ordered identifier used to
// name a Promise: a (serviceId, sequence) pair unique within one server
// instance.
package promiseid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Size is the length in bytes of the fixed binary encoding.
const Size = 12

// ID is the opaque pair (serviceId: u32, sequence: u64), totally ordered
// first by ServiceID then by Sequence.
type ID struct {
	ServiceID uint32
	Sequence  uint64
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.ServiceID != other.ServiceID {
		return id.ServiceID < other.ServiceID
	}
	return id.Sequence < other.Sequence
}

// String renders the id as "<serviceId>/<sequence>" in decimal.
func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.ServiceID, id.Sequence)
}

// Parse parses the textual form produced by String. It round-trips:
// Parse(id.String()) == id for all ids.
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return ID{}, fmt.Errorf("promiseid: malformed id %q", s)
	}
	serviceID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("promiseid: invalid serviceId in %q: %w", s, err)
	}
	sequence, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("promiseid: invalid sequence in %q: %w", s, err)
	}
	return ID{ServiceID: uint32(serviceID), Sequence: sequence}, nil
}

// Encode writes the fixed 12-byte little-endian (serviceId, sequence) key
// encoding used by the persistent KV store.
func (id ID) Encode() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[0:4], id.ServiceID)
	binary.LittleEndian.PutUint64(buf[4:12], id.Sequence)
	return buf
}

// Decode parses the fixed binary encoding produced by Encode.
func Decode(buf []byte) (ID, error) {
	if len(buf) != Size {
		return ID{}, fmt.Errorf("promiseid: invalid key length %d, want %d", len(buf), Size)
	}
	return ID{
		ServiceID: binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:  binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}
