// Package capture records H4 frames to pcap files and replays them. Files use
// the Bluetooth HCI H4 link type with a 4-byte direction pseudo-header, so
// they open directly in Wireshark.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeH4WithPhdr is LINKTYPE_BLUETOOTH_HCI_H4_WITH_PHDR.
const LinkTypeH4WithPhdr = layers.LinkType(201)

const (
	phdrSize = 4
	snapLen  = 65535 + phdrSize + 5
)

// Direction of a captured frame relative to the host.
type Direction uint32

const (
	// Sent frames go from the host to the co-processor.
	Sent Direction = 0
	// Received frames come from the co-processor.
	Received Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	}
	return fmt.Sprintf("direction(%d)", uint32(d))
}

var ErrLinkType = errors.New("capture: not an H4 capture")

// Record is one captured frame.
type Record struct {
	Direction Direction
	Timestamp time.Time
	Data      []byte
}

// Writer appends frames to a pcap stream. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	frames uint64
}

// NewWriter writes the pcap file header to w and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeH4WithPhdr); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// Write records data as travelling in dir at ts.
func (w *Writer) Write(dir Direction, ts time.Time, data []byte) error {
	buf := make([]byte, phdrSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(dir))
	copy(buf[phdrSize:], data)

	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(buf),
		Length:        len(buf),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.WritePacket(ci, buf); err != nil {
		return fmt.Errorf("capture: write frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Reader reads frames back from a pcap stream written by Writer or by any
// tool producing H4 captures with the direction pseudo-header.
type Reader struct {
	r *pcapgo.Reader
}

// NewReader checks the pcap header of r.
func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("capture: read header: %w", err)
	}
	if pr.LinkType() != LinkTypeH4WithPhdr {
		return nil, fmt.Errorf("%w: link type %d", ErrLinkType, pr.LinkType())
	}
	return &Reader{r: pr}, nil
}

// Next returns the next record, or io.EOF at the end of the capture.
func (r *Reader) Next() (Record, error) {
	data, ci, err := r.r.ReadPacketData()
	if err != nil {
		return Record{}, err
	}
	if len(data) < phdrSize {
		return Record{}, fmt.Errorf("capture: %d byte record has no direction header", len(data))
	}
	return Record{
		Direction: Direction(binary.BigEndian.Uint32(data)),
		Timestamp: ci.Timestamp,
		Data:      data[phdrSize:],
	}, nil
}
