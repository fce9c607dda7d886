package tlmbox

import (
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

// Releaser returns a consumed buffer to the shared pool. Release is assumed
// infallible; failures are handled behind it.
type Releaser interface {
	Release(loc shm.Location)
}

// EvtBox is the single owner of one packet buffer delivered by the
// co-processor. Boxes are only created by Mailbox, which releases them when
// the receiving callback returns; there is no way to release one by hand.
//
// A box must not be retained past its callback. Once released every method
// fails with ErrReleased without touching the buffer, which the co-processor
// may already be reusing.
type EvtBox struct {
	view     shm.View
	pool     Releaser
	released atomic.Bool
}

// newEvtBox takes ownership of the buffer behind view.
func newEvtBox(view shm.View, pool Releaser) *EvtBox {
	return &EvtBox{view: view, pool: pool}
}

// release hands the buffer back to the pool. Only the first call has any
// effect.
func (b *EvtBox) release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.Release(b.view.Location())
}

func (b *EvtBox) live() error {
	if b.released.Load() {
		return ErrReleased
	}
	return nil
}

// Location returns the shared memory location the box owns.
func (b *EvtBox) Location() shm.Location { return b.view.Location() }

// Evt returns a copy of the fixed-size event packet: transport header,
// envelope header and the single inline payload byte.
func (b *EvtBox) Evt() (layout.EvtPacket, error) {
	if err := b.live(); err != nil {
		return layout.EvtPacket{}, err
	}
	var raw [layout.EvtPacketSize]byte
	if err := b.view.ReadAt(raw[:], 0); err != nil {
		return layout.EvtPacket{}, fmt.Errorf("%w: %v", ErrOverrun, err)
	}
	return layout.DecodeEvtPacket(raw[:])
}

// Kind classifies the packet.
func (b *EvtBox) Kind() (layout.PacketType, error) {
	if err := b.live(); err != nil {
		return 0, err
	}
	return Classify(b.view)
}

// Size returns the number of bytes CopyInto needs.
func (b *EvtBox) Size() (int, error) {
	if err := b.live(); err != nil {
		return 0, err
	}
	return MeasuredLength(b.view)
}

// CopyInto copies the serial part of the packet into dst.
func (b *EvtBox) CopyInto(dst []byte) (int, error) {
	if err := b.live(); err != nil {
		return 0, err
	}
	return CopyInto(b.view, dst)
}

// Serial returns an owned copy of the serial part of the packet.
func (b *EvtBox) Serial() ([]byte, error) {
	n, err := b.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := b.CopyInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *EvtBox) envelope() (layout.EvtSerial, error) {
	raw, err := b.Serial()
	if err != nil {
		return layout.EvtSerial{}, err
	}
	return layout.DecodeEvtSerial(raw)
}

// Payload returns an owned copy of the event payload. Streamed-data packets
// have no event payload and fail with layout.ErrWrongFamily.
func (b *EvtBox) Payload() ([]byte, error) {
	evt, err := b.envelope()
	if err != nil {
		return nil, err
	}
	return evt.Payload, nil
}

// CommandComplete decodes the command complete body of the event.
func (b *EvtBox) CommandComplete() (layout.CcEvt, error) {
	evt, err := b.envelope()
	if err != nil {
		return layout.CcEvt{}, err
	}
	if evt.Code != layout.EvtCodeCommandComplete {
		return layout.CcEvt{}, fmt.Errorf("%w: 0x%02x is not command complete", ErrWrongEvent, evt.Code)
	}
	return layout.DecodeCcEvt(evt.Payload)
}

// CommandStatus decodes the command status body of the event.
func (b *EvtBox) CommandStatus() (layout.CsEvt, error) {
	evt, err := b.envelope()
	if err != nil {
		return layout.CsEvt{}, err
	}
	if evt.Code != layout.EvtCodeCommandStatus {
		return layout.CsEvt{}, fmt.Errorf("%w: 0x%02x is not command status", ErrWrongEvent, evt.Code)
	}
	return layout.DecodeCsEvt(evt.Payload)
}

// AclData decodes a streamed-data record.
func (b *EvtBox) AclData() (layout.AclDataSerial, error) {
	raw, err := b.Serial()
	if err != nil {
		return layout.AclDataSerial{}, err
	}
	return layout.DecodeAclDataSerial(raw)
}
