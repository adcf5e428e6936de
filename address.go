package btctl

import (
	"fmt"
	"net"
	"strings"
)

// AddressType tags an Address with the transport it belongs to.
// The values match the kernel management API address types.
type AddressType uint8

const (
	BREDR    AddressType = 0x00
	LEPublic AddressType = 0x01
	LERandom AddressType = 0x02
)

func (t AddressType) String() string {
	switch t {
	case BREDR:
		return "BR/EDR"
	case LEPublic:
		return "LE Public"
	case LERandom:
		return "LE Random"
	}
	return fmt.Sprintf("AddressType(0x%02X)", uint8(t))
}

// LowEnergy reports whether t is one of the LE address types.
func (t AddressType) LowEnergy() bool { return t == LEPublic || t == LERandom }

// An Address is a 48-bit Bluetooth device address.
// The bytes are kept in wire (little-endian) order; the type is metadata
// and does not take part in Equal.
type Address struct {
	b   [6]byte
	typ AddressType
}

// NewAddress returns an Address from bytes in wire order.
func NewAddress(wire [6]byte, typ AddressType) Address {
	return Address{b: wire, typ: typ}
}

// ParseAddress parses the canonical "11:22:33:44:55:66" form.
func ParseAddress(s string, typ AddressType) (Address, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return Address{}, err
	}
	if len(hw) != 6 {
		return Address{}, fmt.Errorf("bluetooth address %q: want 6 bytes, got %d", s, len(hw))
	}
	var a Address
	for i := 0; i < 6; i++ {
		a.b[i] = hw[5-i]
	}
	a.typ = typ
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
func MustParseAddress(s string, typ AddressType) Address {
	a, err := ParseAddress(s, typ)
	if err != nil {
		panic(err)
	}
	return a
}

// Wire returns the address bytes in the order HCI and MGMT packets carry them.
func (a Address) Wire() [6]byte { return a.b }

// Type returns the address type.
func (a Address) Type() AddressType { return a.typ }

// WithType returns a copy of a tagged with typ.
func (a Address) WithType(typ AddressType) Address {
	a.typ = typ
	return a
}

// Equal compares the raw address bytes only.
func (a Address) Equal(o Address) bool { return a.b == o.b }

// IsZero reports whether a is 00:00:00:00:00:00.
func (a Address) IsZero() bool { return a.b == [6]byte{} }

// HardwareAddr returns the address in display (big-endian) order.
func (a Address) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, 6)
	for i := 0; i < 6; i++ {
		hw[i] = a.b[5-i]
	}
	return hw
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.b[5], a.b[4], a.b[3], a.b[2], a.b[1], a.b[0])
}

// Network implements net.Addr.
func (a Address) Network() string {
	if a.typ.LowEnergy() {
		return "BLE"
	}
	return "BR/EDR"
}
