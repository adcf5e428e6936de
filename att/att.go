// Package att implements the client side of the Attribute Protocol used by
// GATT: PDU encoding and a request/response client over an L2CAP channel.
package att

import "fmt"

const (
	opError           = 0x01
	opMtuReq          = 0x02
	opMtuResp         = 0x03
	opFindInfoReq     = 0x04
	opFindInfoResp    = 0x05
	opFindByTypeReq   = 0x06
	opFindByTypeResp  = 0x07
	opReadByTypeReq   = 0x08
	opReadByTypeResp  = 0x09
	opReadReq         = 0x0a
	opReadResp        = 0x0b
	opReadBlobReq     = 0x0c
	opReadBlobResp    = 0x0d
	opReadByGroupReq  = 0x10
	opReadByGroupResp = 0x11
	opWriteReq        = 0x12
	opWriteResp       = 0x13
	opWriteCmd        = 0x52
	opHandleNotify    = 0x1b
	opHandleInd       = 0x1d
	opHandleCnf       = 0x1e
)

// Error codes carried by an Error Response.
const (
	EcodeSuccess           = 0x00
	EcodeInvalidHandle     = 0x01
	EcodeReadNotPerm       = 0x02
	EcodeWriteNotPerm      = 0x03
	EcodeInvalidPDU        = 0x04
	EcodeAuthentication    = 0x05
	EcodeReqNotSupp        = 0x06
	EcodeInvalidOffset     = 0x07
	EcodeAuthorization     = 0x08
	EcodePrepQueueFull     = 0x09
	EcodeAttrNotFound      = 0x0a
	EcodeAttrNotLong       = 0x0b
	EcodeInsuffEncrKeySize = 0x0c
	EcodeInvalAttrValueLen = 0x0d
	EcodeUnlikely          = 0x0e
	EcodeInsuffEnc         = 0x0f
	EcodeUnsuppGrpType     = 0x10
	EcodeInsuffResources   = 0x11
)

var ecodeName = map[uint8]string{
	EcodeInvalidHandle:     "invalid handle",
	EcodeReadNotPerm:       "read not permitted",
	EcodeWriteNotPerm:      "write not permitted",
	EcodeInvalidPDU:        "invalid PDU",
	EcodeAuthentication:    "insufficient authentication",
	EcodeReqNotSupp:        "request not supported",
	EcodeInvalidOffset:     "invalid offset",
	EcodeAuthorization:     "insufficient authorization",
	EcodePrepQueueFull:     "prepare queue full",
	EcodeAttrNotFound:      "attribute not found",
	EcodeAttrNotLong:       "attribute not long",
	EcodeInsuffEncrKeySize: "insufficient encryption key size",
	EcodeInvalAttrValueLen: "invalid attribute value length",
	EcodeUnlikely:          "unlikely error",
	EcodeInsuffEnc:         "insufficient encryption",
	EcodeUnsuppGrpType:     "unsupported group type",
	EcodeInsuffResources:   "insufficient resources",
}

// DefaultMTU is the LE ATT_MTU before any exchange.
const DefaultMTU = 23

// An Error is a decoded ATT Error Response.
type Error struct {
	Opcode uint8  // request that failed
	Handle uint16 // attribute handle in error
	Code   uint8
}

func (e Error) Error() string {
	name, ok := ecodeName[e.Code]
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("att: request 0x%02X on handle 0x%04X failed: %s (0x%02X)", e.Opcode, e.Handle, name, e.Code)
}

// Marshal encodes the error as an Error Response PDU.
func (e Error) Marshal() []byte {
	return []byte{opError, e.Opcode, byte(e.Handle), byte(e.Handle >> 8), e.Code}
}

// respFor maps request opcodes to their response opcodes.
var respFor = map[byte]byte{
	opMtuReq:         opMtuResp,
	opFindInfoReq:    opFindInfoResp,
	opFindByTypeReq:  opFindByTypeResp,
	opReadByTypeReq:  opReadByTypeResp,
	opReadReq:        opReadResp,
	opReadBlobReq:    opReadBlobResp,
	opReadByGroupReq: opReadByGroupResp,
	opWriteReq:       opWriteResp,
}
