package layout

import (
	"encoding/binary"
	"fmt"
)

// The encoders below build serial packets the way the co-processor lays them
// out. They are used by the emulator, the serial bridge and tests.

// AppendEvtSerial appends an event envelope of kind t to dst.
func AppendEvtSerial(dst []byte, t PacketType, code byte, payload []byte) ([]byte, error) {
	if t.IsStreamedData() {
		return dst, fmt.Errorf("append evt serial: %w: %s", ErrWrongFamily, t)
	}
	if len(payload) > MaxEvtPayload {
		return dst, fmt.Errorf("append evt serial of %d bytes: %w", len(payload), ErrPayloadTooLong)
	}
	dst = append(dst, byte(t), code, byte(len(payload)))
	return append(dst, payload...), nil
}

// AppendCsEvt appends a complete command status event of kind t.
func AppendCsEvt(dst []byte, t PacketType, cs CsEvt) ([]byte, error) {
	var body [CsEvtSize]byte
	body[0] = cs.Status
	body[1] = cs.NumCmd
	binary.LittleEndian.PutUint16(body[2:4], cs.CmdCode)
	return AppendEvtSerial(dst, t, EvtCodeCommandStatus, body[:])
}

// AppendCcEvt appends a complete command complete event of kind t.
func AppendCcEvt(dst []byte, t PacketType, cc CcEvt) ([]byte, error) {
	body := make([]byte, 0, CcEvtHeaderSize+len(cc.Payload))
	body = append(body, cc.NumCmd, cc.CmdCode)
	body = append(body, cc.Payload...)
	return AppendEvtSerial(dst, t, EvtCodeCommandComplete, body)
}

// AppendAclDataSerial appends a streamed-data record to dst.
func AppendAclDataSerial(dst []byte, handle uint16, data []byte) ([]byte, error) {
	if len(data) > MaxAclData {
		return dst, fmt.Errorf("append acl data of %d bytes: %w", len(data), ErrPayloadTooLong)
	}
	var hdr [AclDataOverhead]byte
	hdr[0] = byte(AclData)
	binary.LittleEndian.PutUint16(hdr[1:3], handle)
	binary.LittleEndian.PutUint16(hdr[3:5], uint16(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, data...), nil
}

// AppendCmdSerial appends a command of kind t with the given opcode and
// parameters to dst.
func AppendCmdSerial(dst []byte, t PacketType, opcode uint16, params []byte) ([]byte, error) {
	if !t.IsCommand() {
		return dst, fmt.Errorf("append cmd serial: %w: %s", ErrWrongFamily, t)
	}
	if len(params) > MaxEvtPayload {
		return dst, fmt.Errorf("append cmd serial of %d bytes: %w", len(params), ErrPayloadTooLong)
	}
	dst = append(dst, byte(t), byte(opcode), byte(opcode>>8), byte(len(params)))
	return append(dst, params...), nil
}
