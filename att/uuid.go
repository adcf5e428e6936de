package att

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// A UUID is a 16-bit or 128-bit attribute type, stored in display
// (big-endian) order.
type UUID struct {
	b []byte
}

// UUID16 returns the 16-bit UUID i.
func UUID16(i uint16) UUID {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return UUID{b}
}

// uuidFromWire builds a UUID from little-endian wire bytes.
func uuidFromWire(b []byte) UUID {
	return UUID{reverse(b)}
}

// Len returns the length of the UUID in bytes.
func (u UUID) Len() int { return len(u.b) }

// Wire returns the UUID in little-endian wire order.
func (u UUID) Wire() []byte { return reverse(u.b) }

// Equal reports whether u and v are the same UUID.
func (u UUID) Equal(v UUID) bool { return bytes.Equal(u.b, v.b) }

func (u UUID) String() string {
	if len(u.b) == 2 {
		return fmt.Sprintf("%04x", binary.BigEndian.Uint16(u.b))
	}
	return strings.ToLower(fmt.Sprintf("%X", u.b))
}

// reverse returns a reversed copy of u.
func reverse(u []byte) []byte {
	l := len(u)
	b := make([]byte, l)
	for i := 0; i < l; i++ {
		b[i] = u[l-i-1]
	}
	return b
}
