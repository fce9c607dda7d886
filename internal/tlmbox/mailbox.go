package tlmbox

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/tlmbox/ipcc"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

// Mailbox is the application-core end of the event path. On the
// rx-occupied interrupt of an event channel it drains the shared event queue
// into a local queue and acknowledges the channel; Receive then hands each
// buffer to exactly one EvtBox.
type Mailbox struct {
	region *shm.Region
	table  *shm.Table
	ctrl   *ipcc.Controller
	pool   Releaser

	// events can hold every slot of the pool, so the interrupt handler never
	// blocks.
	events chan shm.Location

	delivered atomic.Uint64
	consumed  atomic.Uint64
	inFlight  atomic.Int64
	faults    atomic.Uint64
}

// NewMailbox wires a mailbox to the event queues of table and installs the
// rx handlers of the BLE and system event channels.
func NewMailbox(region *shm.Region, table *shm.Table, ctrl *ipcc.Controller, pool Releaser) *Mailbox {
	m := &Mailbox{
		region: region,
		table:  table,
		ctrl:   ctrl,
		pool:   pool,
		events: make(chan shm.Location, len(table.Slots)),
	}
	ctrl.HandleRx(ipcc.CPU2ToCPU1, ipcc.ChannelBLEEvent, func() {
		m.evtHandler(table.BLEEventQueue, ipcc.ChannelBLEEvent)
	})
	ctrl.HandleRx(ipcc.CPU2ToCPU1, ipcc.ChannelSystemEvent, func() {
		m.evtHandler(table.SystemEventQueue, ipcc.ChannelSystemEvent)
	})
	return m
}

// evtHandler runs in interrupt context. Buffers leave the shared queue here
// and from then on are owned by this side until released.
func (m *Mailbox) evtHandler(head shm.Location, ch ipcc.Channel) {
	for {
		loc, ok, err := m.region.ListRemoveHead(head)
		if err != nil {
			m.faults.Add(1)
			monitoring.Logf("mailbox: event queue on channel %d: %v", ch, err)
			break
		}
		if !ok {
			break
		}
		if !m.table.Contains(loc) {
			// Not one of ours; releasing it would corrupt the pool.
			m.faults.Add(1)
			monitoring.Logf("mailbox: channel %d delivered %s outside the buffer pool", ch, loc)
			continue
		}
		select {
		case m.events <- loc:
			m.delivered.Add(1)
		default:
			m.faults.Add(1)
			monitoring.Logf("mailbox: local queue full, returning %s unread", loc)
			m.pool.Release(loc)
		}
	}
	m.ctrl.ClearFlag(ipcc.CPU2ToCPU1, ch)
}

// Receive waits for the next event and passes it to fn. The buffer is
// released when fn returns, whether it returns an error or panics, and the
// box must not be used afterwards. If fn never returns the buffer is never
// released.
func (m *Mailbox) Receive(ctx context.Context, fn func(*EvtBox) error) error {
	var loc shm.Location
	select {
	case <-ctx.Done():
		return ctx.Err()
	case loc = <-m.events:
	}

	view, err := m.region.View(loc, m.table.SlotSize)
	if err != nil {
		m.faults.Add(1)
		m.pool.Release(loc)
		return fmt.Errorf("mailbox: event at %s: %w", loc, err)
	}

	box := newEvtBox(view, m.pool)
	m.inFlight.Add(1)
	defer func() {
		box.release()
		m.inFlight.Add(-1)
		m.consumed.Add(1)
	}()
	return fn(box)
}

// Serve receives events until ctx is done. Errors returned by fn are logged
// and do not stop the loop.
func (m *Mailbox) Serve(ctx context.Context, fn func(*EvtBox) error) error {
	for {
		err := m.Receive(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			monitoring.Logf("mailbox: handling event: %v", err)
		}
	}
}

// Pending returns the number of events waiting for Receive.
func (m *Mailbox) Pending() int { return len(m.events) }

// Stats summarises mailbox activity.
type Stats struct {
	Delivered uint64              `json:"delivered"`
	Consumed  uint64              `json:"consumed"`
	Pending   int                 `json:"pending"`
	InFlight  int64               `json:"in_flight"`
	Faults    uint64              `json:"faults"`
	Channels  []ipcc.ChannelStats `json:"channels"`
}

// Stats returns a snapshot of the mailbox counters.
func (m *Mailbox) Stats() Stats {
	return Stats{
		Delivered: m.delivered.Load(),
		Consumed:  m.consumed.Load(),
		Pending:   m.Pending(),
		InFlight:  m.inFlight.Load(),
		Faults:    m.faults.Load(),
		Channels:  m.ctrl.Stats(),
	}
}
