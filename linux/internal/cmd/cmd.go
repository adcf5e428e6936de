// Package cmd encodes HCI command packets.
package cmd

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the H4 packet indicator.
const (
	TypCommandPkt = 0x01
	TypEventPkt   = 0x04
)

type CmdParam interface {
	Marshal([]byte)
	Opcode() Opcode
	Len() int
}

// Packet returns the full command packet for cp, packet indicator included.
func Packet(cp CmdParam) []byte {
	op := cp.Opcode()
	b := make([]byte, 1+2+1+cp.Len())
	b[0] = TypCommandPkt
	b[1], b[2] = byte(op), byte(op>>8)
	b[3] = byte(cp.Len())
	cp.Marshal(b[4:])
	return b
}

const (
	linkCtl    = 0x01
	linkPolicy = 0x02
	hostCtl    = 0x03
	infoParam  = 0x04
	leCtl      = 0x08
)

type Opcode uint16

func (op Opcode) OGF() uint8  { return uint8((uint16(op) & 0xFC00) >> 10) }
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03FF }

func (op Opcode) String() string {
	if s, ok := opName[op]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%02X|0x%04X)", op.OGF(), op.OCF())
}

const (
	OpInquiry               = Opcode(linkCtl<<10 | 0x0001)
	OpInquiryCancel         = Opcode(linkCtl<<10 | 0x0002)
	OpCreateConn            = Opcode(linkCtl<<10 | 0x0005)
	OpDisconnect            = Opcode(linkCtl<<10 | 0x0006)
	OpCreateConnCancel      = Opcode(linkCtl<<10 | 0x0008)
	OpRemoteNameReq         = Opcode(linkCtl<<10 | 0x0019)
	OpRemoteNameReqCancel   = Opcode(linkCtl<<10 | 0x001A)
	OpReadRemoteFeatures    = Opcode(linkCtl<<10 | 0x001B)
	OpReadRemoteExtFeatures = Opcode(linkCtl<<10 | 0x001C)
	OpReadRemoteVersion     = Opcode(linkCtl<<10 | 0x001D)
	OpIOCapabilityReply     = Opcode(linkCtl<<10 | 0x002B)
)

const (
	OpRoleDiscovery = Opcode(linkPolicy<<10 | 0x0009)
	OpSwitchRole    = Opcode(linkPolicy<<10 | 0x000B)
)

const (
	OpSetEventMask           = Opcode(hostCtl<<10 | 0x0001)
	OpReset                  = Opcode(hostCtl<<10 | 0x0003)
	OpReadLocalName          = Opcode(hostCtl<<10 | 0x0014)
	OpWriteScanEnable        = Opcode(hostCtl<<10 | 0x001A)
	OpWriteInquiryMode       = Opcode(hostCtl<<10 | 0x0045)
	OpWriteSimplePairingMode = Opcode(hostCtl<<10 | 0x0056)
	OpWriteLEHostSupported   = Opcode(hostCtl<<10 | 0x006D)
)

const (
	OpReadLocalVersion = Opcode(infoParam<<10 | 0x0001)
	OpReadBDADDR       = Opcode(infoParam<<10 | 0x0009)
)

const (
	OpLESetEventMask           = Opcode(leCtl<<10 | 0x0001)
	OpLESetScanParameters      = Opcode(leCtl<<10 | 0x000b)
	OpLESetScanEnable          = Opcode(leCtl<<10 | 0x000c)
	OpLECreateConn             = Opcode(leCtl<<10 | 0x000d)
	OpLECreateConnCancel       = Opcode(leCtl<<10 | 0x000e)
	OpLEConnUpdate             = Opcode(leCtl<<10 | 0x0013)
	OpLEReadRemoteUsedFeatures = Opcode(leCtl<<10 | 0x0016)
)

var opName = map[Opcode]string{
	OpInquiry:               "Inquiry",
	OpInquiryCancel:         "Inquiry Cancel",
	OpCreateConn:            "Create Connection",
	OpDisconnect:            "Disconnect",
	OpCreateConnCancel:      "Create Connection Cancel",
	OpRemoteNameReq:         "Remote Name Request",
	OpRemoteNameReqCancel:   "Remote Name Request Cancel",
	OpReadRemoteFeatures:    "Read Remote Supported Features",
	OpReadRemoteExtFeatures: "Read Remote Extended Features",
	OpReadRemoteVersion:     "Read Remote Version Information",
	OpIOCapabilityReply:     "IO Capability Request Reply",

	OpRoleDiscovery: "Role Discovery",
	OpSwitchRole:    "Switch Role",

	OpSetEventMask:           "Set Event Mask",
	OpReset:                  "Reset",
	OpReadLocalName:          "Read Local Name",
	OpWriteScanEnable:        "Write Scan Enable",
	OpWriteInquiryMode:       "Write Inquiry Mode",
	OpWriteSimplePairingMode: "Write Simple Pairing Mode",
	OpWriteLEHostSupported:   "Write LE Host Supported",

	OpReadLocalVersion: "Read Local Version Information",
	OpReadBDADDR:       "Read BD_ADDR",

	OpLESetEventMask:           "LE Set Event Mask",
	OpLESetScanParameters:      "LE Set Scan Parameters",
	OpLESetScanEnable:          "LE Set Scan Enable",
	OpLECreateConn:             "LE Create Connection",
	OpLECreateConnCancel:       "LE Create Connection Cancel",
	OpLEConnUpdate:             "LE Connection Update",
	OpLEReadRemoteUsedFeatures: "LE Read Remote Used Features",
}

// Completion names the event that finishes a command after a successful
// Command Status. Commands missing here finish with Command Status or
// Command Complete.
type Completion struct {
	Code     uint8
	Subevent uint8 // LE Meta subevent, 0 otherwise
}

var completions = map[Opcode]Completion{
	OpCreateConn:               {Code: 0x03},
	OpDisconnect:               {Code: 0x05},
	OpRemoteNameReq:            {Code: 0x07},
	OpReadRemoteFeatures:       {Code: 0x0B},
	OpLECreateConn:             {Code: 0x3E, Subevent: 0x01},
	OpLEConnUpdate:             {Code: 0x3E, Subevent: 0x03},
	OpLEReadRemoteUsedFeatures: {Code: 0x3E, Subevent: 0x04},
}

// CompletionOf returns the completion event of op, if it has one.
func CompletionOf(op Opcode) (Completion, bool) {
	c, ok := completions[op]
	return c, ok
}

type order struct{ binary.ByteOrder }

var o = order{binary.LittleEndian}

func (o order) PutUint8(b []byte, v uint8) { b[0] = v }

// PutMAC writes an address that is already in wire order.
func (o order) PutMAC(b []byte, m [6]byte) { copy(b, m[:]) }

// Link Control Commands

// Inquiry (0x0001)
type Inquiry struct {
	LAP           [3]byte
	InquiryLength uint8 // N x 1.28 s
	NumResponses  uint8
}

func (c Inquiry) Opcode() Opcode { return OpInquiry }
func (c Inquiry) Len() int       { return 5 }
func (c Inquiry) Marshal(b []byte) {
	copy(b, c.LAP[:])
	b[3], b[4] = c.InquiryLength, c.NumResponses
}

// General and limited inquiry access codes, in wire order.
var (
	GIAC = [3]byte{0x33, 0x8B, 0x9E}
	LIAC = [3]byte{0x00, 0x8B, 0x9E}
)

// Inquiry Cancel (0x0002)
type InquiryCancel struct{}

func (c InquiryCancel) Opcode() Opcode   { return OpInquiryCancel }
func (c InquiryCancel) Len() int         { return 0 }
func (c InquiryCancel) Marshal(b []byte) {}

// Create Connection (0x0005)
type CreateConn struct {
	BDADDR                 [6]byte
	PacketType             uint16
	PageScanRepetitionMode uint8
	Reserved               uint8
	ClockOffset            uint16
	AllowRoleSwitch        uint8
}

func (c CreateConn) Opcode() Opcode { return OpCreateConn }
func (c CreateConn) Len() int       { return 13 }
func (c CreateConn) Marshal(b []byte) {
	o.PutMAC(b[0:], c.BDADDR)
	o.PutUint16(b[6:], c.PacketType)
	o.PutUint8(b[8:], c.PageScanRepetitionMode)
	o.PutUint8(b[9:], c.Reserved)
	o.PutUint16(b[10:], c.ClockOffset)
	o.PutUint8(b[12:], c.AllowRoleSwitch)
}

// Disconnect (0x0006)
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c Disconnect) Opcode() Opcode { return OpDisconnect }
func (c Disconnect) Len() int       { return 3 }
func (c Disconnect) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	b[2] = c.Reason
}

// Create Connection Cancel (0x0008)
type CreateConnCancel struct{ BDADDR [6]byte }

func (c CreateConnCancel) Opcode() Opcode   { return OpCreateConnCancel }
func (c CreateConnCancel) Len() int         { return 6 }
func (c CreateConnCancel) Marshal(b []byte) { o.PutMAC(b, c.BDADDR) }

// Remote Name Request (0x0019)
type RemoteNameReq struct {
	BDADDR                 [6]byte
	PageScanRepetitionMode uint8
	Reserved               uint8
	ClockOffset            uint16
}

func (c RemoteNameReq) Opcode() Opcode { return OpRemoteNameReq }
func (c RemoteNameReq) Len() int       { return 10 }
func (c RemoteNameReq) Marshal(b []byte) {
	o.PutMAC(b[0:], c.BDADDR)
	o.PutUint8(b[6:], c.PageScanRepetitionMode)
	o.PutUint8(b[7:], c.Reserved)
	o.PutUint16(b[8:], c.ClockOffset)
}

// Read Remote Supported Features (0x001B)
type ReadRemoteFeatures struct{ ConnectionHandle uint16 }

func (c ReadRemoteFeatures) Opcode() Opcode   { return OpReadRemoteFeatures }
func (c ReadRemoteFeatures) Len() int         { return 2 }
func (c ReadRemoteFeatures) Marshal(b []byte) { o.PutUint16(b, c.ConnectionHandle) }

// Host Controller and Baseband Commands

// Write Scan Enable (0x001A)
type WriteScanEnable struct{ ScanEnable uint8 }

func (c WriteScanEnable) Opcode() Opcode   { return OpWriteScanEnable }
func (c WriteScanEnable) Len() int         { return 1 }
func (c WriteScanEnable) Marshal(b []byte) { b[0] = c.ScanEnable }

// Write Inquiry Mode (0x0045)
type WriteInquiryMode struct {
	InquiryMode uint8 // 0: standard, 1: with RSSI, 2: with RSSI or extended
}

func (c WriteInquiryMode) Opcode() Opcode   { return OpWriteInquiryMode }
func (c WriteInquiryMode) Len() int         { return 1 }
func (c WriteInquiryMode) Marshal(b []byte) { b[0] = c.InquiryMode }

// Informational Parameters

// Read BD_ADDR (0x0009)
type ReadBDADDR struct{}

func (c ReadBDADDR) Opcode() Opcode   { return OpReadBDADDR }
func (c ReadBDADDR) Len() int         { return 0 }
func (c ReadBDADDR) Marshal(b []byte) {}

type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

func (rp *ReadBDADDRRP) Unmarshal(b []byte) error {
	if len(b) < 7 {
		return fmt.Errorf("Read BD_ADDR: %d bytes", len(b))
	}
	rp.Status = b[0]
	copy(rp.BDADDR[:], b[1:7])
	return nil
}

// LE Controller Commands

// LE Set Scan Parameters (0x000B)
type LESetScanParameters struct {
	LEScanType           uint8 // 0x00: passive, 0x01: active
	LEScanInterval       uint16
	LEScanWindow         uint16
	OwnAddressType       uint8
	ScanningFilterPolicy uint8
}

func (c LESetScanParameters) Opcode() Opcode { return OpLESetScanParameters }
func (c LESetScanParameters) Len() int       { return 7 }
func (c LESetScanParameters) Marshal(b []byte) {
	o.PutUint8(b[0:], c.LEScanType)
	o.PutUint16(b[1:], c.LEScanInterval)
	o.PutUint16(b[3:], c.LEScanWindow)
	o.PutUint8(b[5:], c.OwnAddressType)
	o.PutUint8(b[6:], c.ScanningFilterPolicy)
}

// LE Set Scan Enable (0x000C)
type LESetScanEnable struct {
	LEScanEnable     uint8
	FilterDuplicates uint8
}

func (c LESetScanEnable) Opcode() Opcode   { return OpLESetScanEnable }
func (c LESetScanEnable) Len() int         { return 2 }
func (c LESetScanEnable) Marshal(b []byte) { b[0], b[1] = c.LEScanEnable, c.FilterDuplicates }

// LE Create Connection (0x000D)
type LECreateConn struct {
	LEScanInterval        uint16
	LEScanWindow          uint16
	InitiatorFilterPolicy uint8
	PeerAddressType       uint8
	PeerAddress           [6]byte
	OwnAddressType        uint8
	ConnIntervalMin       uint16
	ConnIntervalMax       uint16
	ConnLatency           uint16
	SupervisionTimeout    uint16
	MinimumCELength       uint16
	MaximumCELength       uint16
}

func (c LECreateConn) Opcode() Opcode { return OpLECreateConn }
func (c LECreateConn) Len() int       { return 25 }
func (c LECreateConn) Marshal(b []byte) {
	o.PutUint16(b[0:], c.LEScanInterval)
	o.PutUint16(b[2:], c.LEScanWindow)
	o.PutUint8(b[4:], c.InitiatorFilterPolicy)
	o.PutUint8(b[5:], c.PeerAddressType)
	o.PutMAC(b[6:], c.PeerAddress)
	o.PutUint8(b[12:], c.OwnAddressType)
	o.PutUint16(b[13:], c.ConnIntervalMin)
	o.PutUint16(b[15:], c.ConnIntervalMax)
	o.PutUint16(b[17:], c.ConnLatency)
	o.PutUint16(b[19:], c.SupervisionTimeout)
	o.PutUint16(b[21:], c.MinimumCELength)
	o.PutUint16(b[23:], c.MaximumCELength)
}

// LE Create Connection Cancel (0x000E)
type LECreateConnCancel struct{}

func (c LECreateConnCancel) Opcode() Opcode   { return OpLECreateConnCancel }
func (c LECreateConnCancel) Len() int         { return 0 }
func (c LECreateConnCancel) Marshal(b []byte) {}

// LE Connection Update (0x0013)
type LEConnUpdate struct {
	ConnectionHandle   uint16
	ConnIntervalMin    uint16
	ConnIntervalMax    uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
	MinimumCELength    uint16
	MaximumCELength    uint16
}

func (c LEConnUpdate) Opcode() Opcode { return OpLEConnUpdate }
func (c LEConnUpdate) Len() int       { return 14 }
func (c LEConnUpdate) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	o.PutUint16(b[2:], c.ConnIntervalMin)
	o.PutUint16(b[4:], c.ConnIntervalMax)
	o.PutUint16(b[6:], c.ConnLatency)
	o.PutUint16(b[8:], c.SupervisionTimeout)
	o.PutUint16(b[10:], c.MinimumCELength)
	o.PutUint16(b[12:], c.MaximumCELength)
}

// LE Read Remote Used Features (0x0016)
type LEReadRemoteUsedFeatures struct{ ConnectionHandle uint16 }

func (c LEReadRemoteUsedFeatures) Opcode() Opcode   { return OpLEReadRemoteUsedFeatures }
func (c LEReadRemoteUsedFeatures) Len() int         { return 2 }
func (c LEReadRemoteUsedFeatures) Marshal(b []byte) { o.PutUint16(b, c.ConnectionHandle) }
