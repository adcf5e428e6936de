package linux

import (
	"fmt"

	"github.com/XC-/btctl/linux/internal/cmd"
)

// HCI Packet types
const (
	typCommandPkt = 0x01
	typACLDataPkt = 0x02
	typSCODataPkt = 0x03
	typEventPkt   = 0x04
	typVendorPkt  = 0xFF
)

// LE advertising report address types
const (
	advAddrPublic = 0x00
	advAddrRandom = 0x01
)

// Disconnect reasons
const (
	ReasonRemoteUser    = 0x13
	ReasonLocalHost     = 0x16
	ReasonAuthFailure   = 0x05
	ReasonPowerOff      = 0x15
	ReasonUnsupportedRF = 0x1A
)

// Status codes of the Bluetooth Core specification, Vol 2, Part D.
var statusName = map[uint8]string{
	0x01: "Unknown HCI Command",
	0x02: "Unknown Connection Identifier",
	0x03: "Hardware Failure",
	0x04: "Page Timeout",
	0x05: "Authentication Failure",
	0x06: "PIN or Key Missing",
	0x07: "Memory Capacity Exceeded",
	0x08: "Connection Timeout",
	0x09: "Connection Limit Exceeded",
	0x0B: "ACL Connection Already Exists",
	0x0C: "Command Disallowed",
	0x0D: "Connection Rejected due to Limited Resources",
	0x0E: "Connection Rejected Due To Security Reasons",
	0x0F: "Connection Rejected due to Unacceptable BD_ADDR",
	0x10: "Connection Accept Timeout Exceeded",
	0x11: "Unsupported Feature or Parameter Value",
	0x12: "Invalid HCI Command Parameters",
	0x13: "Remote User Terminated Connection",
	0x14: "Remote Device Terminated Connection due to Low Resources",
	0x15: "Remote Device Terminated Connection due to Power Off",
	0x16: "Connection Terminated By Local Host",
	0x17: "Repeated Attempts",
	0x18: "Pairing Not Allowed",
	0x1A: "Unsupported Remote Feature",
	0x1F: "Unspecified Error",
	0x22: "LMP Response Timeout",
	0x28: "Instant Passed",
	0x3A: "Controller Busy",
	0x3B: "Unacceptable Connection Parameters",
	0x3C: "Directed Advertising Timeout",
	0x3D: "Connection Terminated due to MIC Failure",
	0x3E: "Connection Failed to be Established",
}

// StatusError is a non-zero HCI status for a command.
type StatusError struct {
	Op     cmd.Opcode
	Status uint8
}

func (e StatusError) Error() string {
	s, ok := statusName[e.Status]
	if !ok {
		s = "Unknown Status"
	}
	return fmt.Sprintf("%s: %s (0x%02X)", e.Op, s, e.Status)
}
