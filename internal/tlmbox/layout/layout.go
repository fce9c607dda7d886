// Package layout describes the byte layouts of packets exchanged with the
// co-processor through the transport-layer mailbox.

/*
Transport Layer Packet Layouts

Every buffer on the event path starts with an 8-byte transport header. The
header doubles as the node of the intrusive linked lists the two cores use
to pass buffers back and forth, so it is opaque to packet-content logic.
What follows the header is the "serial" part of the packet, whose first
byte is the packet type discriminant.

BUFFER STRUCTURE (little-endian, no padding):
├── PacketHeader (8 bytes)
│   ├── next (4 bytes) - offset of the next node in the owning list
│   └── prev (4 bytes) - offset of the previous node in the owning list
└── Serial part
    ├── EvtSerial (every kind except AclData)
    │   ├── kind (1 byte)
    │   ├── evt_code (1 byte)
    │   ├── payload_len (1 byte)
    │   └── payload (payload_len bytes)
    └── AclDataSerial (AclData only)
        ├── kind (1 byte)
        ├── handle (2 bytes)
        ├── length (2 bytes)
        └── data (length bytes)

Consumed length of the serial part:
- events:        payload_len + EvtHeaderSize (3)
- streamed data: length + AclDataOverhead (5)

Both constants are the firmware's framing overhead and must not be unified.
*/
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed sizes of the transport layer structures.
const (
	PacketHeaderSize = 8 // next + prev list links
	EvtHeaderSize    = 3 // kind + evt_code + payload_len
	AclDataOverhead  = 5 // kind + handle + length
	CsEvtSize        = 4 // status + num_cmd + cmd_code
	CcEvtHeaderSize  = 2 // num_cmd + cmd_code
	CmdHeaderSize    = 4 // kind + opcode + param_len
	EvtInlinePayload = 1 // inline payload capacity of the fixed EvtPacket
	EvtPacketSize    = PacketHeaderSize + EvtHeaderSize + EvtInlinePayload

	// MaxEvtPayload is the largest payload an EvtSerial can declare.
	MaxEvtPayload = 0xFF
	// MaxAclData is the largest data length an AclDataSerial can declare.
	MaxAclData = 0xFFFF
)

// Event codes with a typed body overlay.
const (
	EvtCodeCommandComplete byte = 0x0E
	EvtCodeCommandStatus   byte = 0x0F
	EvtCodeVendorSpecific  byte = 0xFF
)

var (
	ErrShortBuffer    = errors.New("layout: buffer shorter than declared length")
	ErrPayloadTooLong = errors.New("layout: payload exceeds field capacity")
)

// PacketHeader is the transport header heading every buffer.
type PacketHeader struct {
	Next uint32
	Prev uint32
}

// Evt is the body of an EvtSerial with its fixed inline payload capacity.
type Evt struct {
	Code       byte
	PayloadLen byte
	Payload    [EvtInlinePayload]byte
}

// EvtPacket is the fixed-size view of an event buffer: transport header plus
// the envelope with one inline payload byte. It is what a snapshot returns.
type EvtPacket struct {
	Header PacketHeader
	Kind   byte
	Evt    Evt
}

// EvtSerial is a decoded event envelope. Payload aliases the decoded bytes.
type EvtSerial struct {
	Kind    PacketType
	Code    byte
	Payload []byte
}

// Len returns the consumed length of the envelope.
func (e EvtSerial) Len() int { return EvtHeaderSize + len(e.Payload) }

// CsEvt is the command status body overlay.
type CsEvt struct {
	Status  byte
	NumCmd  byte
	CmdCode uint16
}

// CcEvt is the command complete body overlay. Payload aliases the body.
type CcEvt struct {
	NumCmd  byte
	CmdCode byte
	Payload []byte
}

// AclDataSerial is a decoded streamed-data record. Data aliases the record.
type AclDataSerial struct {
	Handle uint16
	Data   []byte
}

// Len returns the consumed length of the record.
func (a AclDataSerial) Len() int { return AclDataOverhead + len(a.Data) }

// DecodePacketHeader decodes the transport header from the start of b.
func DecodePacketHeader(b []byte) (PacketHeader, error) {
	if len(b) < PacketHeaderSize {
		return PacketHeader{}, fmt.Errorf("packet header: %w", ErrShortBuffer)
	}
	return PacketHeader{
		Next: binary.LittleEndian.Uint32(b[0:4]),
		Prev: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// PutPacketHeader encodes h into the first PacketHeaderSize bytes of b.
func PutPacketHeader(b []byte, h PacketHeader) {
	_ = b[PacketHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.Next)
	binary.LittleEndian.PutUint32(b[4:8], h.Prev)
}

// DecodeEvtPacket decodes the fixed EvtPacketSize snapshot. The kind byte is
// copied verbatim and not validated.
func DecodeEvtPacket(b []byte) (EvtPacket, error) {
	if len(b) < EvtPacketSize {
		return EvtPacket{}, fmt.Errorf("evt packet: %w", ErrShortBuffer)
	}
	h, _ := DecodePacketHeader(b)
	s := b[PacketHeaderSize:]
	p := EvtPacket{
		Header: h,
		Kind:   s[0],
		Evt: Evt{
			Code:       s[1],
			PayloadLen: s[2],
		},
	}
	copy(p.Evt.Payload[:], s[EvtHeaderSize:EvtHeaderSize+EvtInlinePayload])
	return p, nil
}

// DecodeEvtSerial decodes an event envelope from the start of b. The declared
// payload length is checked against len(b) before the payload is sliced.
func DecodeEvtSerial(b []byte) (EvtSerial, error) {
	if len(b) < EvtHeaderSize {
		return EvtSerial{}, fmt.Errorf("evt serial header: %w", ErrShortBuffer)
	}
	kind, err := ParsePacketType(b[0])
	if err != nil {
		return EvtSerial{}, err
	}
	if kind.IsStreamedData() {
		return EvtSerial{}, fmt.Errorf("evt serial: %w: %s", ErrWrongFamily, kind)
	}
	n := EvtHeaderSize + int(b[2])
	if len(b) < n {
		return EvtSerial{}, fmt.Errorf("evt serial payload of %d bytes: %w", b[2], ErrShortBuffer)
	}
	return EvtSerial{
		Kind:    kind,
		Code:    b[1],
		Payload: b[EvtHeaderSize:n],
	}, nil
}

// DecodeCsEvt decodes a command status body.
func DecodeCsEvt(body []byte) (CsEvt, error) {
	if len(body) < CsEvtSize {
		return CsEvt{}, fmt.Errorf("command status: %w", ErrShortBuffer)
	}
	return CsEvt{
		Status:  body[0],
		NumCmd:  body[1],
		CmdCode: binary.LittleEndian.Uint16(body[2:4]),
	}, nil
}

// DecodeCcEvt decodes a command complete body. The body is the event payload,
// so its length is already bounded by the envelope.
func DecodeCcEvt(body []byte) (CcEvt, error) {
	if len(body) < CcEvtHeaderSize {
		return CcEvt{}, fmt.Errorf("command complete: %w", ErrShortBuffer)
	}
	return CcEvt{
		NumCmd:  body[0],
		CmdCode: body[1],
		Payload: body[CcEvtHeaderSize:],
	}, nil
}

// DecodeAclDataSerial decodes a streamed-data record from the start of b.
func DecodeAclDataSerial(b []byte) (AclDataSerial, error) {
	if len(b) < AclDataOverhead {
		return AclDataSerial{}, fmt.Errorf("acl data header: %w", ErrShortBuffer)
	}
	kind, err := ParsePacketType(b[0])
	if err != nil {
		return AclDataSerial{}, err
	}
	if !kind.IsStreamedData() {
		return AclDataSerial{}, fmt.Errorf("acl data: %w: %s", ErrWrongFamily, kind)
	}
	length := int(binary.LittleEndian.Uint16(b[3:5]))
	n := AclDataOverhead + length
	if len(b) < n {
		return AclDataSerial{}, fmt.Errorf("acl data of %d bytes: %w", length, ErrShortBuffer)
	}
	return AclDataSerial{
		Handle: binary.LittleEndian.Uint16(b[1:3]),
		Data:   b[AclDataOverhead:n],
	}, nil
}
