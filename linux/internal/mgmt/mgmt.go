// Package mgmt encodes commands and decodes events of the kernel Bluetooth
// management channel.
package mgmt

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// IndexNone addresses the management channel itself rather than a controller.
const IndexNone = 0xFFFF

const HeaderLen = 6

// Header precedes every command and event.
type Header struct {
	Code  uint16
	Index uint16
	Len   uint16
}

func (h *Header) Unmarshal(b []byte) error {
	if len(b) < HeaderLen {
		return errors.New("malformed header")
	}
	h.Code = binary.LittleEndian.Uint16(b[0:])
	h.Index = binary.LittleEndian.Uint16(b[2:])
	h.Len = binary.LittleEndian.Uint16(b[4:])
	if len(b) != HeaderLen+int(h.Len) {
		return errors.Errorf("event 0x%04X: len %d, got %d bytes", h.Code, h.Len, len(b)-HeaderLen)
	}
	return nil
}

type Opcode uint16

const (
	OpSetPowered       Opcode = 0x0005
	OpPairDevice       Opcode = 0x0019
	OpCancelPairDevice Opcode = 0x001A
	OpUnpairDevice     Opcode = 0x001B
	OpStartDiscovery   Opcode = 0x0023
	OpStopDiscovery    Opcode = 0x0024
)

var opName = map[Opcode]string{
	OpSetPowered:       "Set Powered",
	OpPairDevice:       "Pair Device",
	OpCancelPairDevice: "Cancel Pair Device",
	OpUnpairDevice:     "Unpair Device",
	OpStartDiscovery:   "Start Discovery",
	OpStopDiscovery:    "Stop Discovery",
}

func (op Opcode) String() string {
	if s, ok := opName[op]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%04X)", uint16(op))
}

type Command interface {
	Opcode() Opcode
	Len() int
	Marshal([]byte)
}

// Packet returns c framed for controller index.
func Packet(index uint16, c Command) []byte {
	b := make([]byte, HeaderLen+c.Len())
	binary.LittleEndian.PutUint16(b[0:], uint16(c.Opcode()))
	binary.LittleEndian.PutUint16(b[2:], index)
	binary.LittleEndian.PutUint16(b[4:], uint16(c.Len()))
	c.Marshal(b[HeaderLen:])
	return b
}

// Address types of the management API, also used as discovery type bits
// (1 << type).
const (
	AddrBREDR    = 0x00
	AddrLEPublic = 0x01
	AddrLERandom = 0x02
)

// Discovery type bits.
const (
	DiscoveryBREDR = 1 << AddrBREDR
	DiscoveryLE    = 1<<AddrLEPublic | 1<<AddrLERandom
)

type SetPowered struct{ Powered bool }

func (c SetPowered) Opcode() Opcode { return OpSetPowered }
func (c SetPowered) Len() int       { return 1 }
func (c SetPowered) Marshal(b []byte) {
	b[0] = 0
	if c.Powered {
		b[0] = 1
	}
}

type StartDiscovery struct{ Type uint8 }

func (c StartDiscovery) Opcode() Opcode   { return OpStartDiscovery }
func (c StartDiscovery) Len() int         { return 1 }
func (c StartDiscovery) Marshal(b []byte) { b[0] = c.Type }

type StopDiscovery struct{ Type uint8 }

func (c StopDiscovery) Opcode() Opcode   { return OpStopDiscovery }
func (c StopDiscovery) Len() int         { return 1 }
func (c StopDiscovery) Marshal(b []byte) { b[0] = c.Type }

type PairDevice struct {
	Address      [6]byte
	AddressType  uint8
	IOCapability uint8
}

func (c PairDevice) Opcode() Opcode { return OpPairDevice }
func (c PairDevice) Len() int       { return 8 }
func (c PairDevice) Marshal(b []byte) {
	copy(b, c.Address[:])
	b[6], b[7] = c.AddressType, c.IOCapability
}

type CancelPairDevice struct {
	Address     [6]byte
	AddressType uint8
}

func (c CancelPairDevice) Opcode() Opcode { return OpCancelPairDevice }
func (c CancelPairDevice) Len() int       { return 7 }
func (c CancelPairDevice) Marshal(b []byte) {
	copy(b, c.Address[:])
	b[6] = c.AddressType
}

type UnpairDevice struct {
	Address     [6]byte
	AddressType uint8
	Disconnect  bool
}

func (c UnpairDevice) Opcode() Opcode { return OpUnpairDevice }
func (c UnpairDevice) Len() int       { return 8 }
func (c UnpairDevice) Marshal(b []byte) {
	copy(b, c.Address[:])
	b[6], b[7] = c.AddressType, 0
	if c.Disconnect {
		b[7] = 1
	}
}

type EventCode uint16

const (
	CommandComplete    EventCode = 0x0001
	CommandStatus      EventCode = 0x0002
	ControllerError    EventCode = 0x0003
	DeviceConnected    EventCode = 0x000B
	DeviceDisconnected EventCode = 0x000C
	Discovering        EventCode = 0x0013
	NewIRK             EventCode = 0x0018
	NewConnParam       EventCode = 0x001C
)

var eventName = map[EventCode]string{
	CommandComplete:    "Command Complete",
	CommandStatus:      "Command Status",
	ControllerError:    "Controller Error",
	DeviceConnected:    "Device Connected",
	DeviceDisconnected: "Device Disconnected",
	Discovering:        "Discovering",
	NewIRK:             "New IRK",
	NewConnParam:       "New Connection Parameter",
}

func (e EventCode) String() string {
	if s, ok := eventName[e]; ok {
		return s
	}
	return fmt.Sprintf("Event(0x%04X)", uint16(e))
}

// Status codes of Command Complete and Command Status.
const (
	StatusSuccess          = 0x00
	StatusUnknownCommand   = 0x01
	StatusNotConnected     = 0x02
	StatusFailed           = 0x03
	StatusConnectFailed    = 0x04
	StatusAuthFailed       = 0x05
	StatusNotPaired        = 0x06
	StatusNoResources      = 0x07
	StatusTimeout          = 0x08
	StatusAlreadyConnected = 0x09
	StatusBusy             = 0x0A
	StatusRejected         = 0x0B
	StatusNotSupported     = 0x0C
	StatusInvalidParams    = 0x0D
	StatusDisconnected     = 0x0E
	StatusNotPowered       = 0x0F
	StatusCancelled        = 0x10
	StatusInvalidIndex     = 0x11
	StatusRFKilled         = 0x12
	StatusAlreadyPaired    = 0x13
	StatusPermissionDenied = 0x14
)

var statusName = map[uint8]string{
	StatusSuccess:          "Success",
	StatusUnknownCommand:   "Unknown Command",
	StatusNotConnected:     "Not Connected",
	StatusFailed:           "Failed",
	StatusConnectFailed:    "Connect Failed",
	StatusAuthFailed:       "Authentication Failed",
	StatusNotPaired:        "Not Paired",
	StatusNoResources:      "No Resources",
	StatusTimeout:          "Timeout",
	StatusAlreadyConnected: "Already Connected",
	StatusBusy:             "Busy",
	StatusRejected:         "Rejected",
	StatusNotSupported:     "Not Supported",
	StatusInvalidParams:    "Invalid Parameters",
	StatusDisconnected:     "Disconnected",
	StatusNotPowered:       "Not Powered",
	StatusCancelled:        "Cancelled",
	StatusInvalidIndex:     "Invalid Index",
	StatusRFKilled:         "RFKilled",
	StatusAlreadyPaired:    "Already Paired",
	StatusPermissionDenied: "Permission Denied",
}

// StatusName returns the management API name of status s.
func StatusName(s uint8) string {
	if n, ok := statusName[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(0x%02X)", s)
}

var errShort = errors.New("short event parameters")

type CommandCompleteEP struct {
	Opcode Opcode
	Status uint8
	Params []byte
}

func (ep *CommandCompleteEP) Unmarshal(b []byte) error {
	if len(b) < 3 {
		return errShort
	}
	ep.Opcode = Opcode(binary.LittleEndian.Uint16(b))
	ep.Status = b[2]
	ep.Params = b[3:]
	return nil
}

type CommandStatusEP struct {
	Opcode Opcode
	Status uint8
}

func (ep *CommandStatusEP) Unmarshal(b []byte) error {
	if len(b) < 3 {
		return errShort
	}
	ep.Opcode = Opcode(binary.LittleEndian.Uint16(b))
	ep.Status = b[2]
	return nil
}

type ControllerErrorEP struct{ Code uint8 }

func (ep *ControllerErrorEP) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errShort
	}
	ep.Code = b[0]
	return nil
}

type DeviceConnectedEP struct {
	Address     [6]byte
	AddressType uint8
	Flags       uint32
	EIR         []byte
}

func (ep *DeviceConnectedEP) Unmarshal(b []byte) error {
	if len(b) < 13 {
		return errShort
	}
	copy(ep.Address[:], b[0:6])
	ep.AddressType = b[6]
	ep.Flags = binary.LittleEndian.Uint32(b[7:])
	n := int(binary.LittleEndian.Uint16(b[11:]))
	if len(b) < 13+n {
		return errShort
	}
	ep.EIR = b[13 : 13+n]
	return nil
}

type DeviceDisconnectedEP struct {
	Address     [6]byte
	AddressType uint8
	Reason      uint8
}

func (ep *DeviceDisconnectedEP) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return errShort
	}
	copy(ep.Address[:], b[0:6])
	ep.AddressType, ep.Reason = b[6], b[7]
	return nil
}

type DiscoveringEP struct {
	Type        uint8
	Discovering bool
}

func (ep *DiscoveringEP) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errShort
	}
	ep.Type, ep.Discovering = b[0], b[1] != 0
	return nil
}

type NewIRKEP struct {
	StoreHint   uint8
	RandomAddr  [6]byte
	Address     [6]byte
	AddressType uint8
	Value       [16]byte
}

func (ep *NewIRKEP) Unmarshal(b []byte) error {
	if len(b) < 30 {
		return errShort
	}
	ep.StoreHint = b[0]
	copy(ep.RandomAddr[:], b[1:7])
	copy(ep.Address[:], b[7:13])
	ep.AddressType = b[13]
	copy(ep.Value[:], b[14:30])
	return nil
}

type NewConnParamEP struct {
	StoreHint          uint8
	Address            [6]byte
	AddressType        uint8
	MinInterval        uint16
	MaxInterval        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func (ep *NewConnParamEP) Unmarshal(b []byte) error {
	if len(b) < 16 {
		return errShort
	}
	ep.StoreHint = b[0]
	copy(ep.Address[:], b[1:7])
	ep.AddressType = b[7]
	ep.MinInterval = binary.LittleEndian.Uint16(b[8:])
	ep.MaxInterval = binary.LittleEndian.Uint16(b[10:])
	ep.Latency = binary.LittleEndian.Uint16(b[12:])
	ep.SupervisionTimeout = binary.LittleEndian.Uint16(b[14:])
	return nil
}
