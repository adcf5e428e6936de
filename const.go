package btctl

import "github.com/XC-/btctl/att"

// This file includes constants from the Bluetooth Core and HID-over-GATT specs.

var (
	gattAttrPrimaryServiceUUID = att.UUID16(0x2800)
	gattAttrCharacteristicUUID = att.UUID16(0x2803)

	gattAttrClientCharacteristicConfigUUID = att.UUID16(0x2902)

	gattAttrDeviceNameUUID = att.UUID16(0x2A00)

	hidServiceUUID   = att.UUID16(0x1812)
	hidPnPIDUUID     = att.UUID16(0x2A50)
	hidReportMapUUID = att.UUID16(0x2A4B)
	hidReportUUID    = att.UUID16(0x2A4D)
)

const gattCCCNotifyFlag = 0x0001

// maxDescriptorLen bounds the HID report map kept in Metadata.
const maxDescriptorLen = 1024

// InvalidHandle marks a device that has no connection.
const InvalidHandle uint16 = 0xFFFF

// Role of the local controller on a connection.
const (
	RoleMaster uint8 = 0x00
	RoleSlave  uint8 = 0x01
)

// Capability is an IO capability as used by Secure Simple Pairing and the
// management Pair Device command.
type Capability uint8

const (
	DisplayOnly     Capability = 0x00
	DisplayYesNo    Capability = 0x01
	KeyboardOnly    Capability = 0x02
	NoInputNoOutput Capability = 0x03
	KeyboardDisplay Capability = 0x04
)

var capabilityName = map[Capability]string{
	DisplayOnly:     "DisplayOnly",
	DisplayYesNo:    "DisplayYesNo",
	KeyboardOnly:    "KeyboardOnly",
	NoInputNoOutput: "NoInputNoOutput",
	KeyboardDisplay: "KeyboardDisplay",
}

func (c Capability) String() string {
	if s, ok := capabilityName[c]; ok {
		return s
	}
	return "Unknown"
}

// ParseCapability maps a capability name back to its value.
func ParseCapability(s string) (Capability, bool) {
	for c, n := range capabilityName {
		if n == s {
			return c, true
		}
	}
	return 0, false
}

// ScanMode selects what a discovery run looks for.
type ScanMode uint8

const (
	ScanLowEnergy ScanMode = 1 << iota
	ScanRegular
	ScanPassive
	ScanLimited
)
