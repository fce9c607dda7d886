package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/tlmbox/internal/capture"
	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/serialmux"
	"github.com/banshee-data/tlmbox/internal/tlmbox/cpu2"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

// deliver hands one packet read from a source to the emulated co-processor.
// Commands travel the other way and are dropped.
func deliver(ctx context.Context, emu *cpu2.Emulator, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty packet: %w", layout.ErrShortBuffer)
	}
	kind, err := layout.ParsePacketType(data[0])
	if err != nil {
		return err
	}
	if kind.IsCommand() {
		monitoring.Logf("dropping %s packet from source", kind)
		return nil
	}
	return emu.Deliver(ctx, data)
}

// feedSerial delivers every frame read off the serial link.
func feedSerial(ctx context.Context, sm serialmux.SerialMuxInterface, emu *cpu2.Emulator) error {
	return sm.Monitor(ctx, func(ctx context.Context, f serialmux.Frame) error {
		return deliver(ctx, emu, f.Data)
	})
}

// feedReplay delivers the received packets of the capture at path.
func feedReplay(ctx context.Context, path string, speed float64, emu *cpu2.Emulator) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	r, err := capture.NewReader(f)
	if err != nil {
		return 0, err
	}
	return capture.Replay(ctx, r, capture.ReplayOptions{Speed: speed}, func(ctx context.Context, rec capture.Record) error {
		return deliver(ctx, emu, rec.Data)
	})
}

// devFixtures is a short boot sequence as a BLE co-processor reports it: the
// system ready event, a reset completing, a command status and some ACL data.
func devFixtures() ([][]byte, error) {
	var out [][]byte
	add := func(b []byte, err error) error {
		if err == nil {
			out = append(out, b)
		}
		return err
	}
	if err := add(layout.AppendEvtSerial(nil, layout.SysEvt, layout.EvtCodeVendorSpecific, []byte{0x00, 0x92, 0x00})); err != nil {
		return nil, err
	}
	if err := add(layout.AppendCcEvt(nil, layout.BleEvt, layout.CcEvt{NumCmd: 1, CmdCode: 0x03, Payload: []byte{0x0C, 0x00}})); err != nil {
		return nil, err
	}
	if err := add(layout.AppendCsEvt(nil, layout.BleEvt, layout.CsEvt{Status: 0x00, NumCmd: 1, CmdCode: 0x200C})); err != nil {
		return nil, err
	}
	if err := add(layout.AppendAclDataSerial(nil, 0x0040, []byte{0x07, 0x00, 0x04, 0x00, 0x1B, 0x0E, 0x00, 0x01, 0x02})); err != nil {
		return nil, err
	}
	return out, nil
}

// feedFixtures delivers devFixtures in a loop, one packet per interval,
// until ctx is done.
func feedFixtures(ctx context.Context, emu *cpu2.Emulator, interval time.Duration) error {
	packets, err := devFixtures()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if err := deliver(ctx, emu, packets[i%len(packets)]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
