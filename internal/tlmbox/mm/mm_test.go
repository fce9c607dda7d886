package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tlmbox/internal/tlmbox/ipcc"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

type fixture struct {
	region *shm.Region
	table  *shm.Table
	ctrl   *ipcc.Controller
	mm     *MemoryManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	region := shm.NewRegion(shm.TableSize + 8*64)
	table, err := shm.Partition(region, 8, 64)
	require.NoError(t, err)
	ctrl := ipcc.New()
	return &fixture{region: region, table: table, ctrl: ctrl, mm: New(region, table, ctrl)}
}

// drain plays CPU2: it takes every buffer off the shared free queue and
// acknowledges the release channel.
func (f *fixture) drain(t *testing.T) []shm.Location {
	t.Helper()
	var out []shm.Location
	for {
		loc, ok, err := f.region.ListRemoveHead(f.table.FreeBufQueue)
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, loc)
	}
	f.ctrl.ClearFlag(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf)
	return out
}

func TestReleaseHandsOffImmediatelyWhenChannelFree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	notified := 0
	f.ctrl.HandleRx(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf, func() { notified++ })

	f.mm.Release(f.table.Slots[0])

	assert.Equal(t, 1, notified)
	assert.True(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))
	n, err := f.region.ListLen(f.table.FreeBufQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats := f.mm.Stats()
	assert.Equal(t, Stats{Released: 1, Flushes: 1, HandedOff: 1}, stats)

	assert.Equal(t, []shm.Location{f.table.Slots[0]}, f.drain(t))
}

func TestReleaseDefersWhileChannelBusy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mm.Release(f.table.Slots[0])
	require.True(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))

	// CPU2 has not acknowledged yet: the next releases wait locally.
	f.mm.Release(f.table.Slots[1])
	f.mm.Release(f.table.Slots[2])

	stats := f.mm.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(2), stats.Deferred)
	assert.True(t, f.ctrl.IsArmed(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))

	// The acknowledgement fires the tx-free interrupt which hands off the
	// postponed buffers in release order.
	assert.Equal(t, []shm.Location{f.table.Slots[0]}, f.drain(t))
	assert.True(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))
	assert.Equal(t, []shm.Location{f.table.Slots[1], f.table.Slots[2]}, f.drain(t))

	stats = f.mm.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, uint64(3), stats.Released)
	assert.Equal(t, uint64(3), stats.HandedOff)
	assert.Equal(t, uint64(2), stats.Flushes)
	assert.False(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))
}

func TestReleaseOutsideRegionIsCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mm.Release(shm.Location(f.region.Len()))

	stats := f.mm.Stats()
	assert.Equal(t, uint64(1), stats.Faults)
	assert.Equal(t, uint64(0), stats.HandedOff)
	assert.False(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))
}

func TestReleaseOfNonSlotLocationIsCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, loc := range []shm.Location{
		f.table.BLEEventQueue,
		f.table.FreeBufQueue,
		f.table.Slots[0] + 4,
	} {
		f.mm.Release(loc)
	}

	stats := f.mm.Stats()
	assert.Equal(t, uint64(3), stats.Faults)
	assert.Equal(t, uint64(3), stats.Released)
	assert.Zero(t, stats.Pending)
	assert.False(t, f.ctrl.IsActive(ipcc.CPU1ToCPU2, ipcc.ChannelMMReleaseBuf))
	for _, head := range []shm.Location{f.table.BLEEventQueue, f.table.FreeBufQueue, f.table.LocalFreeBufQueue} {
		empty, err := f.region.ListIsEmpty(head)
		require.NoError(t, err)
		assert.True(t, empty, "queue at %s", head)
	}

	// A real slot still goes through.
	f.mm.Release(f.table.Slots[1])
	assert.Equal(t, []shm.Location{f.table.Slots[1]}, f.drain(t))
}
