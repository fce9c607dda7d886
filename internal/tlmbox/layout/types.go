package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the discriminant byte leading the serial part of a packet.
type PacketType byte

const (
	BleCmd    PacketType = 0x01
	AclData   PacketType = 0x02
	BleEvt    PacketType = 0x04
	OtCmd     PacketType = 0x08
	OtRsp     PacketType = 0x09
	CliCmd    PacketType = 0x0A
	OtNot     PacketType = 0x0C
	OtAck     PacketType = 0x0D
	CliNot    PacketType = 0x0E
	CliAck    PacketType = 0x0F
	SysCmd    PacketType = 0x10
	SysRsp    PacketType = 0x11
	SysEvt    PacketType = 0x12
	LocCmd    PacketType = 0x20
	LocRsp    PacketType = 0x21
	TracesApp PacketType = 0x40
	TracesWl  PacketType = 0x41
)

var (
	ErrUnrecognizedKind = errors.New("unrecognized packet kind")
	ErrWrongFamily      = errors.New("layout: packet belongs to the other family")
)

var packetTypeNames = map[PacketType]string{
	BleCmd:    "ble_cmd",
	AclData:   "acl_data",
	BleEvt:    "ble_evt",
	OtCmd:     "ot_cmd",
	OtRsp:     "ot_rsp",
	CliCmd:    "cli_cmd",
	OtNot:     "ot_not",
	OtAck:     "ot_ack",
	CliNot:    "cli_not",
	CliAck:    "cli_ack",
	SysCmd:    "sys_cmd",
	SysRsp:    "sys_rsp",
	SysEvt:    "sys_evt",
	LocCmd:    "loc_cmd",
	LocRsp:    "loc_rsp",
	TracesApp: "traces_app",
	TracesWl:  "traces_wl",
}

// ParsePacketType maps a discriminant byte onto the closed set of kinds.
func ParsePacketType(b byte) (PacketType, error) {
	t := PacketType(b)
	if _, ok := packetTypeNames[t]; !ok {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnrecognizedKind, b)
	}
	return t, nil
}

// PacketTypeByName is the inverse of PacketType.String for known kinds.
func PacketTypeByName(name string) (PacketType, error) {
	for t, n := range packetTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnrecognizedKind, name)
}

// PacketTypes returns every known kind in ascending discriminant order.
func PacketTypes() []PacketType {
	out := make([]PacketType, 0, len(packetTypeNames))
	for b := 0; b <= 0xFF; b++ {
		if _, ok := packetTypeNames[PacketType(b)]; ok {
			out = append(out, PacketType(b))
		}
	}
	return out
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// IsCommand reports whether t is a command travelling towards the
// co-processor. Commands use the CmdSerial framing.
func (t PacketType) IsCommand() bool {
	switch t {
	case BleCmd, OtCmd, CliCmd, SysCmd, LocCmd:
		return true
	}
	return false
}

// IsStreamedData reports whether t uses the AclDataSerial framing.
func (t PacketType) IsStreamedData() bool { return t == AclData }

// SerialHeaderLen returns the number of leading bytes needed to learn the
// consumed length of a serial packet of kind t.
func SerialHeaderLen(t PacketType) int {
	if t.IsStreamedData() {
		return AclDataOverhead
	}
	return EvtHeaderSize
}

// SerialLength returns the consumed length of the serial packet whose fixed
// prefix is given. prefix must hold at least SerialHeaderLen bytes for its
// kind.
func SerialLength(prefix []byte) (int, error) {
	if len(prefix) < 1 {
		return 0, fmt.Errorf("serial length: %w", ErrShortBuffer)
	}
	t, err := ParsePacketType(prefix[0])
	if err != nil {
		return 0, err
	}
	if len(prefix) < SerialHeaderLen(t) {
		return 0, fmt.Errorf("serial length of %s: %w", t, ErrShortBuffer)
	}
	if t.IsStreamedData() {
		return int(binary.LittleEndian.Uint16(prefix[3:5])) + AclDataOverhead, nil
	}
	return int(prefix[2]) + EvtHeaderSize, nil
}

// CmdLength returns the length of the command packet whose fixed CmdSerial
// prefix (kind, opcode, parameter length) is given.
func CmdLength(prefix []byte) (int, error) {
	if len(prefix) < 1 {
		return 0, fmt.Errorf("command length: %w", ErrShortBuffer)
	}
	t, err := ParsePacketType(prefix[0])
	if err != nil {
		return 0, err
	}
	if !t.IsCommand() {
		return 0, fmt.Errorf("command length: %w: %s", ErrWrongFamily, t)
	}
	if len(prefix) < CmdHeaderSize {
		return 0, fmt.Errorf("command length of %s: %w", t, ErrShortBuffer)
	}
	return int(prefix[3]) + CmdHeaderSize, nil
}
