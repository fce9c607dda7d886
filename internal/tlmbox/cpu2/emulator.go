// Package cpu2 emulates the co-processor side of the mailbox: it owns the
// buffer pool, writes packets into free buffers, queues them on the event
// channels and takes buffers back when the application core releases them.
// It lets the whole event path run on a host without the wireless stack.
package cpu2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/tlmbox/internal/tlmbox/ipcc"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

var ErrPacketTooLarge = errors.New("cpu2: packet larger than a pool buffer")

// Emulator plays the co-processor.
type Emulator struct {
	region *shm.Region
	table  *shm.Table
	ctrl   *ipcc.Controller

	// mu guards the free list and the shared free-buffer queue while it is
	// owned by this side.
	mu   sync.Mutex
	free []shm.Location

	// deliverMu serialises writers of the event queues.
	deliverMu sync.Mutex

	released chan struct{}
	avail    chan struct{}
	evtFree  map[ipcc.Channel]chan struct{}

	delivered atomic.Uint64
	reclaimed atomic.Uint64
}

// New returns an emulator owning every slot of table.
func New(region *shm.Region, table *shm.Table, ctrl *ipcc.Controller) *Emulator {
	e := &Emulator{
		region:   region,
		table:    table,
		ctrl:     ctrl,
		free:     append([]shm.Location(nil), table.Slots...),
		released: make(chan struct{}, 1),
		avail:    make(chan struct{}, 1),
		evtFree: map[ipcc.Channel]chan struct{}{
			ipcc.ChannelBLEEvent:    make(chan struct{}, 1),
			ipcc.ChannelSystemEvent: make(chan struct{}, 1),
		},
	}
	ctrl.HandleRx(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf, func() { signal(e.released) })
	for ch, c := range e.evtFree {
		c := c
		ctrl.HandleTxFree(ipcc.CPU2ToCPU1, ch, func() { signal(c) })
	}
	return e
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// ChannelFor returns the event channel packets of kind t travel on.
func ChannelFor(t layout.PacketType) ipcc.Channel {
	switch t {
	case layout.SysEvt, layout.SysRsp:
		return ipcc.ChannelSystemEvent
	default:
		return ipcc.ChannelBLEEvent
	}
}

// Deliver writes the serial packet into a free buffer and queues it on the
// event channel for its kind. The packet must be well formed: its declared
// length must match len(serial).
func (e *Emulator) Deliver(ctx context.Context, serial []byte) error {
	n, err := layout.SerialLength(serial)
	if err != nil {
		return fmt.Errorf("cpu2: deliver: %w", err)
	}
	if n != len(serial) {
		return fmt.Errorf("cpu2: deliver: packet declares %d bytes, got %d", n, len(serial))
	}
	return e.DeliverRaw(ctx, ChannelFor(layout.PacketType(serial[0])), serial)
}

// DeliverRaw queues raw bytes on ch without checking them, the way a
// misbehaving co-processor would. It blocks until a buffer is free and the
// previous notification on ch has been consumed.
func (e *Emulator) DeliverRaw(ctx context.Context, ch ipcc.Channel, serial []byte) error {
	head, ok := e.queueFor(ch)
	if !ok {
		return fmt.Errorf("cpu2: channel %d carries no events", ch)
	}
	if layout.PacketHeaderSize+len(serial) > e.table.SlotSize {
		return fmt.Errorf("%w: %d bytes, buffer holds %d", ErrPacketTooLarge, len(serial), e.table.SlotSize-layout.PacketHeaderSize)
	}

	loc, err := e.allocate(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, layout.PacketHeaderSize+len(serial))
	copy(buf[layout.PacketHeaderSize:], serial)
	if _, err := e.region.WriteAt(buf, int64(loc)); err != nil {
		e.putBack(loc)
		return fmt.Errorf("cpu2: write packet: %w", err)
	}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if err := e.waitChannelFree(ctx, ch); err != nil {
		e.putBack(loc)
		return err
	}
	if err := e.region.ListInsertTail(head, loc); err != nil {
		e.putBack(loc)
		return fmt.Errorf("cpu2: queue packet: %w", err)
	}
	e.delivered.Add(1)
	e.ctrl.SetFlag(ipcc.CPU2ToCPU1, ch)
	return nil
}

func (e *Emulator) queueFor(ch ipcc.Channel) (shm.Location, bool) {
	switch ch {
	case ipcc.ChannelBLEEvent:
		return e.table.BLEEventQueue, true
	case ipcc.ChannelSystemEvent:
		return e.table.SystemEventQueue, true
	}
	return 0, false
}

func (e *Emulator) waitChannelFree(ctx context.Context, ch ipcc.Channel) error {
	for e.ctrl.IsActive(ipcc.CPU2ToCPU1, ch) {
		e.ctrl.ArmTxFree(ipcc.CPU2ToCPU1, ch)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.evtFree[ch]:
		}
	}
	return nil
}

func (e *Emulator) allocate(ctx context.Context) (shm.Location, error) {
	for {
		e.reclaim()
		e.mu.Lock()
		if n := len(e.free); n > 0 {
			loc := e.free[n-1]
			e.free = e.free[:n-1]
			e.mu.Unlock()
			return loc, nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.avail:
		case <-e.released:
		}
	}
}

func (e *Emulator) putBack(loc shm.Location) {
	e.mu.Lock()
	e.free = append(e.free, loc)
	e.mu.Unlock()
	signal(e.avail)
}

// reclaim takes every buffer off the shared free-buffer queue if the
// application core has raised the release flag, then acknowledges it.
func (e *Emulator) reclaim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf) {
		return
	}
	got := 0
	for {
		loc, ok, err := e.region.ListRemoveHead(e.table.FreeBufQueue)
		if err != nil || !ok {
			break
		}
		e.free = append(e.free, loc)
		got++
	}
	e.reclaimed.Add(uint64(got))
	// Acknowledging may fire the application core's tx-free interrupt,
	// which refills the shared queue and raises the flag again.
	e.ctrl.ClearFlag(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf)
	if got > 0 {
		signal(e.avail)
	}
}

// Run reclaims released buffers as they arrive until ctx is done.
func (e *Emulator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.released:
			e.reclaim()
		}
	}
}

// Free returns the number of buffers the emulator holds for new packets.
// Buffers released but not yet reclaimed by Run or a delivery are not
// counted. Neither Free nor Stats touches shared memory or the IPCC.
func (e *Emulator) Free() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.free)
}

// Stats counts packets delivered and buffers taken back.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Reclaimed uint64 `json:"reclaimed"`
	Free      int    `json:"free"`
}

func (e *Emulator) Stats() Stats {
	return Stats{
		Delivered: e.delivered.Load(),
		Reclaimed: e.reclaimed.Load(),
		Free:      e.Free(),
	}
}
