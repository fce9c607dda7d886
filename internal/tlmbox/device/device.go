// Package device assembles the shared region, the IPCC controller, the
// memory manager, the co-processor emulator and the mailbox into one unit.
package device

import (
	"context"
	"fmt"

	"github.com/banshee-data/tlmbox/internal/tlmbox"
	"github.com/banshee-data/tlmbox/internal/tlmbox/cpu2"
	"github.com/banshee-data/tlmbox/internal/tlmbox/ipcc"
	"github.com/banshee-data/tlmbox/internal/tlmbox/mm"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

// Options sizes the buffer pool. An empty RegionPath keeps the region on the
// heap; otherwise the file is mapped shared. Size defaults to exactly what
// the pool needs and must not be smaller.
type Options struct {
	Slots      int
	SlotSize   int
	Size       int
	RegionPath string
}

type Device struct {
	Region  *shm.Region
	Table   *shm.Table
	IPCC    *ipcc.Controller
	MM      *mm.MemoryManager
	CPU2    *cpu2.Emulator
	Mailbox *tlmbox.Mailbox
}

// Open allocates or maps the region, partitions it and connects both cores.
func Open(opts Options) (*Device, error) {
	if opts.Slots <= 0 || opts.SlotSize <= 0 || opts.Size < 0 {
		return nil, fmt.Errorf("device: invalid pool %d x %d", opts.Slots, opts.SlotSize)
	}
	size := opts.Size
	if size == 0 {
		size = shm.RegionSize(opts.Slots, opts.SlotSize)
	}

	var region *shm.Region
	if opts.RegionPath == "" {
		region = shm.NewRegion(size)
	} else {
		var err error
		if region, err = shm.OpenRegion(opts.RegionPath, size); err != nil {
			return nil, err
		}
	}
	table, err := shm.Partition(region, opts.Slots, opts.SlotSize)
	if err != nil {
		region.Close()
		return nil, err
	}

	ctrl := ipcc.New()
	manager := mm.New(region, table, ctrl)
	return &Device{
		Region:  region,
		Table:   table,
		IPCC:    ctrl,
		MM:      manager,
		CPU2:    cpu2.New(region, table, ctrl),
		Mailbox: tlmbox.NewMailbox(region, table, ctrl, manager),
	}, nil
}

// Run drives the emulated co-processor until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	return d.CPU2.Run(ctx)
}

func (d *Device) Close() error {
	return d.Region.Close()
}

// Stats gathers the counters of every layer.
type Stats struct {
	Mailbox tlmbox.Stats `json:"mailbox"`
	MM      mm.Stats     `json:"mm"`
	CPU2    cpu2.Stats   `json:"cpu2"`
	Slots   int          `json:"slots"`
	Slot    int          `json:"slot_size"`
}

func (d *Device) Stats() Stats {
	return Stats{
		Mailbox: d.Mailbox.Stats(),
		MM:      d.MM.Stats(),
		CPU2:    d.CPU2.Stats(),
		Slots:   len(d.Table.Slots),
		Slot:    d.Table.SlotSize,
	}
}
