package att

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var o = binary.LittleEndian

var errMalformed = errors.New("att: malformed PDU")

// A HandleRange is a found attribute group: the handle of the attribute
// and the last handle of its group.
type HandleRange struct {
	Start uint16
	End   uint16
}

// A HandleValue is one entry of a Read By Type response.
type HandleValue struct {
	Handle uint16
	Value  []byte
}

// A HandleUUID is one entry of a Find Information response.
type HandleUUID struct {
	Handle uint16
	UUID   UUID
}

// Characteristic is a decoded characteristic declaration (0x2803 value).
type Characteristic struct {
	Handle      uint16 // declaration handle
	Properties  uint8
	ValueHandle uint16
	UUID        UUID
}

// Characteristic properties.
const (
	PropRead     = 0x02
	PropWriteNR  = 0x04
	PropWrite    = 0x08
	PropNotify   = 0x10
	PropIndicate = 0x20
)

// ParseCharacteristic decodes a characteristic declaration value.
func ParseCharacteristic(hv HandleValue) (Characteristic, error) {
	b := hv.Value
	if len(b) != 5 && len(b) != 19 {
		return Characteristic{}, errMalformed
	}
	return Characteristic{
		Handle:      hv.Handle,
		Properties:  b[0],
		ValueHandle: o.Uint16(b[1:]),
		UUID:        uuidFromWire(b[3:]),
	}, nil
}

func mtuReq(mtu uint16) []byte {
	b := []byte{opMtuReq, 0, 0}
	o.PutUint16(b[1:], mtu)
	return b
}

func findInfoReq(start, end uint16) []byte {
	b := []byte{opFindInfoReq, 0, 0, 0, 0}
	o.PutUint16(b[1:], start)
	o.PutUint16(b[3:], end)
	return b
}

func findByTypeReq(start, end uint16, typ UUID, value []byte) []byte {
	b := make([]byte, 7, 7+len(value))
	b[0] = opFindByTypeReq
	o.PutUint16(b[1:], start)
	o.PutUint16(b[3:], end)
	copy(b[5:], typ.Wire()) // Find By Type Value only takes a 16-bit type
	return append(b, value...)
}

func readByTypeReq(start, end uint16, typ UUID) []byte {
	b := make([]byte, 5, 5+typ.Len())
	b[0] = opReadByTypeReq
	o.PutUint16(b[1:], start)
	o.PutUint16(b[3:], end)
	return append(b, typ.Wire()...)
}

func readBlobReq(handle, offset uint16) []byte {
	b := []byte{opReadBlobReq, 0, 0, 0, 0}
	o.PutUint16(b[1:], handle)
	o.PutUint16(b[3:], offset)
	return b
}

func writeReq(handle uint16, value []byte) []byte {
	b := make([]byte, 3, 3+len(value))
	b[0] = opWriteReq
	o.PutUint16(b[1:], handle)
	return append(b, value...)
}

func parseError(b []byte) (Error, error) {
	if len(b) != 5 || b[0] != opError {
		return Error{}, errMalformed
	}
	return Error{Opcode: b[1], Handle: o.Uint16(b[2:]), Code: b[4]}, nil
}

func parseMtuResp(b []byte) (uint16, error) {
	if len(b) != 3 {
		return 0, errMalformed
	}
	return o.Uint16(b[1:]), nil
}

func parseFindInfoResp(b []byte) ([]HandleUUID, error) {
	if len(b) < 2 {
		return nil, errMalformed
	}
	var n int
	switch b[1] {
	case 0x01:
		n = 2
	case 0x02:
		n = 16
	default:
		return nil, errMalformed
	}
	b = b[2:]
	if len(b) == 0 || len(b)%(2+n) != 0 {
		return nil, errMalformed
	}
	var hh []HandleUUID
	for ; len(b) > 0; b = b[2+n:] {
		hh = append(hh, HandleUUID{Handle: o.Uint16(b), UUID: uuidFromWire(b[2 : 2+n])})
	}
	return hh, nil
}

func parseFindByTypeResp(b []byte) ([]HandleRange, error) {
	b = b[1:]
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, errMalformed
	}
	var rr []HandleRange
	for ; len(b) > 0; b = b[4:] {
		rr = append(rr, HandleRange{Start: o.Uint16(b), End: o.Uint16(b[2:])})
	}
	return rr, nil
}

func parseReadByTypeResp(b []byte) ([]HandleValue, error) {
	if len(b) < 2 {
		return nil, errMalformed
	}
	n := int(b[1])
	b = b[2:]
	if n < 2 || len(b) == 0 || len(b)%n != 0 {
		return nil, errMalformed
	}
	var hv []HandleValue
	for ; len(b) > 0; b = b[n:] {
		v := make([]byte, n-2)
		copy(v, b[2:n])
		hv = append(hv, HandleValue{Handle: o.Uint16(b), Value: v})
	}
	return hv, nil
}

func parseNotification(b []byte) (uint16, []byte, error) {
	if len(b) < 3 {
		return 0, nil, errMalformed
	}
	v := make([]byte, len(b)-3)
	copy(v, b[3:])
	return o.Uint16(b[1:]), v, nil
}
