package device

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tlmbox/internal/tlmbox"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

func openRunning(t *testing.T, opts Options) *Device {
	t.Helper()
	d, err := Open(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.Close()
	})
	return d
}

func roundTrip(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serial, err := layout.AppendEvtSerial(nil, layout.SysEvt, layout.EvtCodeVendorSpecific, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, d.CPU2.Deliver(ctx, serial))

	err = d.Mailbox.Receive(ctx, func(box *tlmbox.EvtBox) error {
		got, err := box.Serial()
		require.NoError(t, err)
		assert.Equal(t, serial, got)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.CPU2.Free() == len(d.Table.Slots) },
		time.Second, time.Millisecond, "buffer never returned to the co-processor")
}

func TestOpenHeapRegion(t *testing.T) {
	t.Parallel()
	d := openRunning(t, Options{Slots: 2, SlotSize: 30})

	assert.Len(t, d.Table.Slots, 2)
	assert.Equal(t, 32, d.Table.SlotSize)
	roundTrip(t, d)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Mailbox.Consumed)
	assert.Equal(t, uint64(1), stats.MM.Released)
	assert.Equal(t, uint64(1), stats.CPU2.Delivered)
	assert.Equal(t, 2, stats.Slots)
	assert.Equal(t, 32, stats.Slot)
}

func TestOpenMappedRegion(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		t.Skip("shared mappings need a unix host")
	}
	t.Parallel()
	d := openRunning(t, Options{Slots: 3, SlotSize: 64, RegionPath: filepath.Join(t.TempDir(), "mailbox.shm")})
	roundTrip(t, d)
}

func TestOpenRejectsBadPool(t *testing.T) {
	t.Parallel()
	for _, opts := range []Options{
		{Slots: 0, SlotSize: 64},
		{Slots: 2, SlotSize: 0},
		{Slots: 2, SlotSize: 4},
		{Slots: 2, SlotSize: 64, Size: 100},
		{Slots: 2, SlotSize: 64, Size: -1},
	} {
		_, err := Open(opts)
		assert.Error(t, err, "%+v", opts)
	}
}

func TestOpenSizedRegion(t *testing.T) {
	t.Parallel()
	d, err := Open(Options{Slots: 2, SlotSize: 30, Size: 512})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 512, d.Region.Len())
	assert.Equal(t, 32, d.Table.SlotSize)

	d2, err := Open(Options{Slots: 2, SlotSize: 30})
	require.NoError(t, err)
	defer d2.Close()
	assert.Equal(t, shm.RegionSize(2, 30), d2.Region.Len())
}
