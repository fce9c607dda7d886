// Package tlmbox consumes the packets the co-processor delivers through the
// transport-layer mailbox and returns every buffer to the shared pool exactly
// once.
package tlmbox

import (
	"errors"
	"fmt"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

var (
	// ErrUnrecognizedKind reports a discriminant outside the known set.
	ErrUnrecognizedKind = layout.ErrUnrecognizedKind
	// ErrDestinationTooSmall reports a copy target shorter than the packet.
	ErrDestinationTooSmall = errors.New("destination too small")
	// ErrOverrun reports a declared length running past the packet buffer.
	ErrOverrun = errors.New("declared length overruns buffer")
	// ErrReleased reports use of an event after its buffer went back to the pool.
	ErrReleased = errors.New("event already released")
	// ErrWrongEvent reports a typed accessor used on another event code.
	ErrWrongEvent = errors.New("event code does not match")
)

// serialOffset is where the serial part starts inside a packet buffer.
const serialOffset = layout.PacketHeaderSize

// Classify reads the discriminant byte of the packet in v. Nothing past that
// byte is read.
func Classify(v shm.View) (layout.PacketType, error) {
	b, err := v.Byte(serialOffset)
	if err != nil {
		return 0, fmt.Errorf("%w: discriminant: %v", ErrOverrun, err)
	}
	return layout.ParsePacketType(b)
}

// MeasuredLength returns the number of bytes of the serial part of the packet
// in v: length+5 for streamed data, payload_len+3 for events.
func MeasuredLength(v shm.View) (int, error) {
	kind, err := Classify(v)
	if err != nil {
		return 0, err
	}
	return measure(v, kind)
}

func measure(v shm.View, kind layout.PacketType) (int, error) {
	prefix := make([]byte, layout.SerialHeaderLen(kind))
	if err := v.ReadAt(prefix, serialOffset); err != nil {
		return 0, fmt.Errorf("%w: %s header: %v", ErrOverrun, kind, err)
	}
	n, err := layout.SerialLength(prefix)
	if err != nil {
		return 0, err
	}
	if serialOffset+n > v.Len() {
		return 0, fmt.Errorf("%w: %s declares %d bytes, buffer holds %d", ErrOverrun, kind, n, v.Len()-serialOffset)
	}
	return n, nil
}

// CopyInto copies the serial part of the packet in v into dst and returns the
// number of bytes written. A dst shorter than the measured length is left
// untouched.
func CopyInto(v shm.View, dst []byte) (int, error) {
	kind, err := Classify(v)
	if err != nil {
		return 0, err
	}
	n, err := measure(v, kind)
	if err != nil {
		return 0, err
	}
	if len(dst) < n {
		return 0, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrDestinationTooSmall, kind, n, len(dst))
	}
	if err := v.ReadAt(dst[:n], serialOffset); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOverrun, err)
	}
	return n, nil
}
