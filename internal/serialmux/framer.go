package serialmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

// Frame is one H4 packet read off the wire: the serial part of a transport
// packet, discriminant first.
type Frame struct {
	Kind       layout.PacketType
	Data       []byte
	ReceivedAt time.Time
}

// FrameReader splits a byte stream into H4 frames. Bytes that cannot start a
// frame are skipped until a known discriminant is seen.
type FrameReader struct {
	r       *bufio.Reader
	now     func() time.Time
	skipped uint64
}

// NewFrameReader returns a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r), now: time.Now}
}

// Skipped returns how many bytes were dropped while looking for a frame start.
func (f *FrameReader) Skipped() uint64 { return f.skipped }

// Next reads the next complete frame. A stream that ends between frames
// returns io.EOF; one that ends inside a frame returns io.ErrUnexpectedEOF.
func (f *FrameReader) Next() (Frame, error) {
	var kind layout.PacketType
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if k, err := layout.ParsePacketType(b); err == nil {
			kind = k
			break
		}
		f.skipped++
	}

	// Commands carry a u8 parameter length after a u16 opcode.
	hdrLen, length := layout.SerialHeaderLen(kind), layout.SerialLength
	if kind.IsCommand() {
		hdrLen, length = layout.CmdHeaderSize, layout.CmdLength
	}

	hdr := make([]byte, hdrLen)
	hdr[0] = byte(kind)
	if _, err := io.ReadFull(f.r, hdr[1:]); err != nil {
		return Frame{}, unexpected(err)
	}
	n, err := length(hdr)
	if err != nil {
		return Frame{}, fmt.Errorf("frame %s: %w", kind, err)
	}

	data := make([]byte, n)
	copy(data, hdr)
	if _, err := io.ReadFull(f.r, data[len(hdr):]); err != nil {
		return Frame{}, unexpected(err)
	}
	return Frame{Kind: kind, Data: data, ReceivedAt: f.now()}, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
