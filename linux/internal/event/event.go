// Package event decodes HCI event packets and dispatches them by code.
package event

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type EventHandler interface {
	HandleEvent([]byte) error
}

type HandlerFunc func(b []byte) error

func (f HandlerFunc) HandleEvent(b []byte) error {
	return f(b)
}

// Event routes event parameters to the handler registered for their code.
// Handlers must be registered before the first Dispatch.
type Event struct {
	evtHandlers    map[EventCode]EventHandler
	defaultHandler EventHandler
	log            *logrus.Entry
}

func NewEvent(l *logrus.Entry) *Event {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Event{
		evtHandlers: map[EventCode]EventHandler{},
		log:         l,
	}
}

func (e *Event) HandleEvent(c EventCode, h EventHandler) {
	e.evtHandlers[c] = h
}

func (e *Event) HandleEventDefault(h EventHandler) {
	e.defaultHandler = h
}

// Dispatch decodes the header of b, an event packet without its packet
// indicator, and hands the parameters to the matching handler.
func (e *Event) Dispatch(b []byte) error {
	h := &EventHeader{}
	if err := h.Unmarshal(b); err != nil {
		return err
	}
	b = b[2:]
	if f, found := e.evtHandlers[h.Code]; found {
		e.log.Tracef("> HCI Event: %s (0x%02X) plen %d: [ % X ]", h.Code, uint8(h.Code), h.Plen, b)
		return f.HandleEvent(b)
	}
	if e.defaultHandler != nil {
		return e.defaultHandler.HandleEvent(b)
	}
	e.log.Tracef("> HCI Event: no handler for %s (0x%02X)", h.Code, uint8(h.Code))
	return nil
}

type EventCode uint8

const (
	InquiryComplete                     EventCode = 0x01
	InquiryResult                       EventCode = 0x02
	ConnectionComplete                  EventCode = 0x03
	ConnectionRequest                   EventCode = 0x04
	DisconnectionComplete               EventCode = 0x05
	AuthenticationComplete              EventCode = 0x06
	RemoteNameReqComplete               EventCode = 0x07
	EncryptionChange                    EventCode = 0x08
	ReadRemoteSupportedFeaturesComplete EventCode = 0x0B
	ReadRemoteVersionComplete           EventCode = 0x0C
	CommandComplete                     EventCode = 0x0E
	CommandStatus                       EventCode = 0x0F
	HardwareError                       EventCode = 0x10
	RoleChange                          EventCode = 0x12
	NumberOfCompletedPkts               EventCode = 0x13
	ModeChange                          EventCode = 0x14
	PINCodeRequest                      EventCode = 0x16
	LinkKeyRequest                      EventCode = 0x17
	LinkKeyNotification                 EventCode = 0x18
	InquiryResultWithRSSI               EventCode = 0x22
	ReadRemoteExtendedFeaturesComplete  EventCode = 0x23
	ExtendedInquiryResult               EventCode = 0x2F
	EncryptionKeyRefreshComplete        EventCode = 0x30
	IOCapabilityRequest                 EventCode = 0x31
	IOCapabilityResponse                EventCode = 0x32
	UserConfirmationRequest             EventCode = 0x33
	UserPasskeyRequest                  EventCode = 0x34
	SimplePairingComplete               EventCode = 0x36
	LinkSupervisionTimeoutChanged       EventCode = 0x38
	UserPasskeyNotify                   EventCode = 0x3B
	RemoteHostFeaturesNotify            EventCode = 0x3D
	LEMeta                              EventCode = 0x3E
)

var eventName = map[EventCode]string{
	InquiryComplete:                     "Inquiry Complete",
	InquiryResult:                       "Inquiry Result",
	ConnectionComplete:                  "Connection Complete",
	ConnectionRequest:                   "Connection Request",
	DisconnectionComplete:               "Disconnection Complete",
	AuthenticationComplete:              "Authentication Complete",
	RemoteNameReqComplete:               "Remote Name Request Complete",
	EncryptionChange:                    "Encryption Change",
	ReadRemoteSupportedFeaturesComplete: "Read Remote Supported Features Complete",
	ReadRemoteVersionComplete:           "Read Remote Version Information Complete",
	CommandComplete:                     "Command Complete",
	CommandStatus:                       "Command Status",
	HardwareError:                       "Hardware Error",
	RoleChange:                          "Role Change",
	NumberOfCompletedPkts:               "Number Of Completed Packets",
	ModeChange:                          "Mode Change",
	PINCodeRequest:                      "PIN Code Request",
	LinkKeyRequest:                      "Link Key Request",
	LinkKeyNotification:                 "Link Key Notification",
	InquiryResultWithRSSI:               "Inquiry Result with RSSI",
	ReadRemoteExtendedFeaturesComplete:  "Read Remote Extended Features Complete",
	ExtendedInquiryResult:               "Extended Inquiry Result",
	EncryptionKeyRefreshComplete:        "Encryption Key Refresh Complete",
	IOCapabilityRequest:                 "IO Capability Request",
	IOCapabilityResponse:                "IO Capability Response",
	UserConfirmationRequest:             "User Confirmation Request",
	UserPasskeyRequest:                  "User Passkey Request",
	SimplePairingComplete:               "Simple Pairing Complete",
	LinkSupervisionTimeoutChanged:       "Link Supervision Timeout Changed",
	UserPasskeyNotify:                   "User Passkey Notification",
	RemoteHostFeaturesNotify:            "Remote Host Supported Features Notification",
	LEMeta:                              "LE Meta",
}

func (e EventCode) String() string {
	if s, ok := eventName[e]; ok {
		return s
	}
	return fmt.Sprintf("Event(0x%02X)", uint8(e))
}

type LEEventCode uint8

const (
	LEConnectionComplete             LEEventCode = 0x01
	LEAdvertisingReport              LEEventCode = 0x02
	LEConnectionUpdateComplete       LEEventCode = 0x03
	LEReadRemoteUsedFeaturesComplete LEEventCode = 0x04
	LELTKRequest                     LEEventCode = 0x05
)

var leEventName = map[LEEventCode]string{
	LEConnectionComplete:             "LE Connection Complete",
	LEAdvertisingReport:              "LE Advertising Report",
	LEConnectionUpdateComplete:       "LE Connection Update Complete",
	LEReadRemoteUsedFeaturesComplete: "LE Read Remote Used Features Complete",
	LELTKRequest:                     "LE LTK Request",
}

func (e LEEventCode) String() string {
	if s, ok := leEventName[e]; ok {
		return s
	}
	return fmt.Sprintf("LEEvent(0x%02X)", uint8(e))
}

type EventHeader struct {
	Code EventCode
	Plen uint8
}

func (h *EventHeader) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("malformed header")
	}
	h.Code = EventCode(b[0])
	h.Plen = b[1]
	if len(b) != 2+int(h.Plen) {
		return errors.Errorf("%s: plen %d, got %d bytes", h.Code, h.Plen, len(b)-2)
	}
	return nil
}

func (h *EventHeader) String() string {
	return fmt.Sprintf("> HCI Event: %s (0x%02X) plen: %02X", h.Code, uint8(h.Code), h.Plen)
}

var errShort = errors.New("short event parameters")

func read(b []byte, v interface{}) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return errShort
	}
	return nil
}

// Event Parameters

type InquiryCompleteEP struct {
	Status uint8
}

func (ep *InquiryCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

// InquiryResponse is one entry of the three inquiry result events.
type InquiryResponse struct {
	BDADDR                 [6]byte
	PageScanRepetitionMode uint8
	ClassOfDevice          [3]byte
	ClockOffset            uint16
	RSSI                   int8   // zero for plain Inquiry Result
	Name                   string // from extended inquiry data
}

type InquiryResultEP struct {
	Responses []InquiryResponse
}

// Unmarshal decodes code, which is one of InquiryResult,
// InquiryResultWithRSSI or ExtendedInquiryResult.
func (ep *InquiryResultEP) Unmarshal(code EventCode, b []byte) error {
	if len(b) < 1 {
		return errShort
	}
	n := int(b[0])
	b = b[1:]
	ep.Responses = make([]InquiryResponse, 0, n)
	for i := 0; i < n; i++ {
		var r InquiryResponse
		if len(b) < 14 {
			return errShort
		}
		copy(r.BDADDR[:], b[0:6])
		r.PageScanRepetitionMode = b[6]
		switch code {
		case InquiryResult:
			// 7, 8: reserved
			copy(r.ClassOfDevice[:], b[9:12])
			r.ClockOffset = binary.LittleEndian.Uint16(b[12:14])
			b = b[14:]
		case InquiryResultWithRSSI, ExtendedInquiryResult:
			// 7: reserved
			copy(r.ClassOfDevice[:], b[8:11])
			r.ClockOffset = binary.LittleEndian.Uint16(b[11:13])
			r.RSSI = int8(b[13])
			b = b[14:]
			if code == ExtendedInquiryResult {
				r.Name = LocalName(b)
				b = nil
			}
		default:
			return errors.Errorf("%s is not an inquiry result", code)
		}
		ep.Responses = append(ep.Responses, r)
		if code == ExtendedInquiryResult {
			break
		}
	}
	return nil
}

type ConnectionCompleteEP struct {
	Status            uint8
	ConnectionHandle  uint16
	BDADDR            [6]byte
	LinkType          uint8
	EncryptionEnabled uint8
}

func (ep *ConnectionCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

type DisconnectionCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func (ep *DisconnectionCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

type RemoteNameReqCompleteEP struct {
	Status uint8
	BDADDR [6]byte
	Name   string
}

func (ep *RemoteNameReqCompleteEP) Unmarshal(b []byte) error {
	if len(b) < 7 {
		return errShort
	}
	ep.Status = b[0]
	copy(ep.BDADDR[:], b[1:7])
	ep.Name = cstring(b[7:])
	return nil
}

type ReadRemoteSupportedFeaturesCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	LMPFeatures      [8]byte
}

func (ep *ReadRemoteSupportedFeaturesCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

type CommandCompleteEP struct {
	NumHCICommandPackets uint8
	CommandOPCode        uint16
	ReturnParameters     []byte
}

func (ep *CommandCompleteEP) Unmarshal(b []byte) error {
	if len(b) < 3 {
		return errShort
	}
	ep.NumHCICommandPackets = b[0]
	ep.CommandOPCode = binary.LittleEndian.Uint16(b[1:3])
	ep.ReturnParameters = b[3:]
	return nil
}

type CommandStatusEP struct {
	Status               uint8
	NumHCICommandPackets uint8
	CommandOpcode        uint16
}

func (ep *CommandStatusEP) Unmarshal(b []byte) error { return read(b, ep) }

type IOCapabilityResponseEP struct {
	BDADDR                    [6]byte
	IOCapability              uint8
	OOBDataPresent            uint8
	AuthenticationRequirement uint8
}

func (ep *IOCapabilityResponseEP) Unmarshal(b []byte) error { return read(b, ep) }

// LE Meta Subevents

// Subevent returns the LE subevent code of LE Meta parameters.
func Subevent(b []byte) (LEEventCode, error) {
	if len(b) < 1 {
		return 0, errShort
	}
	return LEEventCode(b[0]), nil
}

type LEConnectionCompleteEP struct {
	SubeventCode        uint8
	Status              uint8
	ConnectionHandle    uint16
	Role                uint8
	PeerAddressType     uint8
	PeerAddress         [6]byte
	ConnInterval        uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MasterClockAccuracy uint8
}

func (ep *LEConnectionCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

// AdvertisingReport is one entry of an LE Advertising Report.
type AdvertisingReport struct {
	EventType   uint8
	AddressType uint8
	Address     [6]byte
	Data        []byte
	RSSI        int8
}

// Name returns the local name carried by the advertising data, if any.
func (r AdvertisingReport) Name() string { return LocalName(r.Data) }

type LEAdvertisingReportEP struct {
	SubeventCode uint8
	Reports      []AdvertisingReport
}

// Unmarshal decodes the report layout of Core 4.x: every report carries its
// own event type, address type, address, data and RSSI.
func (ep *LEAdvertisingReportEP) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errShort
	}
	ep.SubeventCode = b[0]
	n := int(b[1])
	b = b[2:]
	ep.Reports = make([]AdvertisingReport, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 9 {
			return errShort
		}
		var r AdvertisingReport
		r.EventType = b[0]
		r.AddressType = b[1]
		copy(r.Address[:], b[2:8])
		l := int(b[8])
		if len(b) < 9+l+1 {
			return errShort
		}
		r.Data = append([]byte(nil), b[9:9+l]...)
		r.RSSI = int8(b[9+l])
		b = b[10+l:]
		ep.Reports = append(ep.Reports, r)
	}
	return nil
}

type LEConnectionUpdateCompleteEP struct {
	SubeventCode       uint8
	Status             uint8
	ConnectionHandle   uint16
	ConnInterval       uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
}

func (ep *LEConnectionUpdateCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

type LEReadRemoteUsedFeaturesCompleteEP struct {
	SubeventCode     uint8
	Status           uint8
	ConnectionHandle uint16
	LEFeatures       [8]byte
}

func (ep *LEReadRemoteUsedFeaturesCompleteEP) Unmarshal(b []byte) error { return read(b, ep) }

// EIR and AD data types carrying the local name.
const (
	typShortName    = 0x08
	typCompleteName = 0x09
)

// LocalName walks length-type-value structures and returns the complete
// local name, or the shortened one when no complete name is present.
func LocalName(b []byte) string {
	var short string
	for len(b) > 1 {
		l := int(b[0])
		if l == 0 || l+1 > len(b) {
			break
		}
		typ, v := b[1], b[2:l+1]
		switch typ {
		case typCompleteName:
			return cstring(v)
		case typShortName:
			short = cstring(v)
		}
		b = b[l+1:]
	}
	return short
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
