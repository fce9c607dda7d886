package shm

import (
	"fmt"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

// TableSize is the size of the reference table at the start of a region: four
// list heads of one transport header each.
const TableSize = 4 * layout.PacketHeaderSize

// Table is the reference table both cores agree on, followed by the buffer
// slots the co-processor allocates packets from.
type Table struct {
	BLEEventQueue     Location // CPU2 -> CPU1 BLE events and ACL data
	SystemEventQueue  Location // CPU2 -> CPU1 system events
	FreeBufQueue      Location // CPU1 -> CPU2 released buffers
	LocalFreeBufQueue Location // released buffers not yet handed to CPU2

	Slots    []Location
	SlotSize int
}

// RegionSize is the number of bytes a region needs for the reference table
// and count slots of slotSize bytes after alignment.
func RegionSize(count, slotSize int) int {
	return TableSize + count*((slotSize+3)&^3)
}

// Partition lays out the reference table and count buffer slots of slotSize
// bytes in r, and initialises every list head. Slot sizes are rounded up to a
// multiple of four so list links stay word aligned.
func Partition(r *Region, count, slotSize int) (*Table, error) {
	if count <= 0 {
		return nil, fmt.Errorf("partition: slot count must be positive, got %d", count)
	}
	if slotSize < layout.EvtPacketSize {
		return nil, fmt.Errorf("partition: slot size %d smaller than %d byte event packet", slotSize, layout.EvtPacketSize)
	}
	need := RegionSize(count, slotSize)
	slotSize = (slotSize + 3) &^ 3
	if need > r.Len() {
		return nil, fmt.Errorf("partition: %d slots of %d bytes need %d bytes, region has %d", count, slotSize, need, r.Len())
	}

	t := &Table{
		BLEEventQueue:     0,
		SystemEventQueue:  layout.PacketHeaderSize,
		FreeBufQueue:      2 * layout.PacketHeaderSize,
		LocalFreeBufQueue: 3 * layout.PacketHeaderSize,
		Slots:             make([]Location, count),
		SlotSize:          slotSize,
	}
	for _, head := range []Location{t.BLEEventQueue, t.SystemEventQueue, t.FreeBufQueue, t.LocalFreeBufQueue} {
		if err := r.ListInit(head); err != nil {
			return nil, fmt.Errorf("partition: %w", err)
		}
	}
	for i := range t.Slots {
		t.Slots[i] = Location(TableSize + i*slotSize)
	}
	return t, nil
}

// Contains reports whether loc is the start of one of the table's slots.
func (t *Table) Contains(loc Location) bool {
	if len(t.Slots) == 0 || loc < t.Slots[0] {
		return false
	}
	off := int(loc - t.Slots[0])
	return off%t.SlotSize == 0 && off/t.SlotSize < len(t.Slots)
}
