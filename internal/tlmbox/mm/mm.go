// Package mm returns consumed event buffers to the co-processor's free pool.
//
// Released buffers are first chained on a local free queue in shared memory.
// When the MM release channel is free the whole local queue is moved to the
// shared free-buffer queue and the channel flag is raised; when it is busy the
// move is postponed to the channel's tx-free interrupt.
package mm

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/tlmbox/ipcc"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

// MemoryManager is the application-core side of the buffer pool.
type MemoryManager struct {
	region *shm.Region
	table  *shm.Table
	ctrl   *ipcc.Controller

	// cs stands in for the critical section guarding the local free queue
	// against the tx-free interrupt.
	cs sync.Mutex

	released  atomic.Uint64
	deferred  atomic.Uint64
	flushes   atomic.Uint64
	handedOff atomic.Uint64
	faults    atomic.Uint64
}

// New wires a memory manager to the table's free queues and installs the
// tx-free handler of the MM release channel.
func New(region *shm.Region, table *shm.Table, ctrl *ipcc.Controller) *MemoryManager {
	m := &MemoryManager{region: region, table: table, ctrl: ctrl}
	ctrl.HandleTxFree(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf, m.freeBufHandler)
	return m
}

// Release returns the buffer at loc to the pool. It never fails from the
// caller's point of view: a location that is not a pool slot, or a corrupt
// buffer link, is logged and counted as a fault.
func (m *MemoryManager) Release(loc shm.Location) {
	m.released.Add(1)

	if !m.table.Contains(loc) {
		m.faults.Add(1)
		monitoring.Logf("mm: ignoring release of %s: not a pool slot", loc)
		return
	}

	m.cs.Lock()
	if err := m.region.ListInsertTail(m.table.LocalFreeBufQueue, loc); err != nil {
		m.cs.Unlock()
		m.faults.Add(1)
		monitoring.Logf("mm: dropping buffer %s: %v", loc, err)
		return
	}
	if m.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf) {
		m.cs.Unlock()
		// CPU2 has not consumed the previous hand-off yet; postpone to the
		// tx-free interrupt.
		m.deferred.Add(1)
		m.ctrl.ArmTxFree(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf)
		return
	}
	m.sendFreeBufLocked()
	m.cs.Unlock()
}

func (m *MemoryManager) freeBufHandler() {
	m.cs.Lock()
	defer m.cs.Unlock()
	m.sendFreeBufLocked()
}

// sendFreeBufLocked moves every buffer of the local free queue to the shared
// free-buffer queue and notifies CPU2.
func (m *MemoryManager) sendFreeBufLocked() {
	moved := 0
	for {
		loc, ok, err := m.region.ListRemoveHead(m.table.LocalFreeBufQueue)
		if err != nil {
			m.faults.Add(1)
			monitoring.Logf("mm: local free queue: %v", err)
			break
		}
		if !ok {
			break
		}
		if err := m.region.ListInsertTail(m.table.FreeBufQueue, loc); err != nil {
			m.faults.Add(1)
			monitoring.Logf("mm: hand off buffer %s: %v", loc, err)
			continue
		}
		moved++
	}
	if moved == 0 {
		return
	}
	m.flushes.Add(1)
	m.handedOff.Add(uint64(moved))
	m.ctrl.SetFlag(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf)
}

// Stats summarises release activity.
type Stats struct {
	Released  uint64 `json:"released"`
	Deferred  uint64 `json:"deferred"`
	Flushes   uint64 `json:"flushes"`
	HandedOff uint64 `json:"handed_off"`
	Faults    uint64 `json:"faults"`
	Pending   int    `json:"pending"`
}

// Stats returns a snapshot of the counters and the number of buffers still
// waiting on the local free queue.
func (m *MemoryManager) Stats() Stats {
	m.cs.Lock()
	pending, err := m.region.ListLen(m.table.LocalFreeBufQueue)
	m.cs.Unlock()
	if err != nil {
		monitoring.Logf("mm: count local free queue: %v", err)
	}
	return Stats{
		Released:  m.released.Load(),
		Deferred:  m.deferred.Load(),
		Flushes:   m.flushes.Load(),
		HandedOff: m.handedOff.Load(),
		Faults:    m.faults.Load(),
		Pending:   pending,
	}
}
