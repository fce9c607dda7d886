package capture

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tlmbox/internal/timeutil"
)

var (
	t0  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd = []byte{0x01, 0x03, 0x0C, 0x00}
	cc  = []byte{0x04, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00}
	acl = []byte{0x02, 0x40, 0x00, 0x02, 0x00, 0xAA, 0xBB}
)

func writeCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Write(Sent, t0, cmd))
	require.NoError(t, w.Write(Received, t0.Add(10*time.Millisecond), cc))
	require.NoError(t, w.Write(Received, t0.Add(30*time.Millisecond), acl))
	assert.Equal(t, uint64(3), w.Frames())
	return &buf
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()

	r, err := NewReader(writeCapture(t))
	require.NoError(t, err)

	want := []Record{
		{Direction: Sent, Timestamp: t0, Data: cmd},
		{Direction: Received, Timestamp: t0.Add(10 * time.Millisecond), Data: cc},
		{Direction: Received, Timestamp: t0.Add(30 * time.Millisecond), Data: acl},
	}
	for _, w := range want {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, w.Direction, got.Direction)
		assert.True(t, w.Timestamp.Equal(got.Timestamp), "timestamp %v, want %v", got.Timestamp, w.Timestamp)
		assert.Equal(t, w.Data, got.Data)
	}
}

func TestReaderRejectsOtherLinkTypes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, pcapgo.NewWriter(&buf).WriteFileHeader(65535, layers.LinkTypeEthernet))

	_, err := NewReader(&buf)
	assert.ErrorIs(t, err, ErrLinkType)
}

func TestReplayPacesReceivedFrames(t *testing.T) {
	t.Parallel()

	r, err := NewReader(writeCapture(t))
	require.NoError(t, err)
	clock := timeutil.NewMockClock(t0)

	type result struct {
		n   int
		err error
	}
	var got [][]byte
	done := make(chan result, 1)
	go func() {
		n, err := Replay(context.Background(), r, ReplayOptions{Speed: 2, Clock: clock}, func(_ context.Context, rec Record) error {
			got = append(got, rec.Data)
			return nil
		})
		done <- result{n, err}
	}()

	require.Eventually(t, func() bool { return len(clock.Waits()) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Replay did not wait for the capture gap")
	default:
	}
	clock.Advance(10 * time.Millisecond)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 2, res.n)
	case <-time.After(time.Second):
		t.Fatal("Replay did not resume after the gap")
	}
	assert.Equal(t, [][]byte{cc, acl}, got)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, clock.Waits())
}

func TestReplayCancelledDuringGap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Write(Received, t0, cc))
	require.NoError(t, w.Write(Received, t0.Add(3*time.Second), acl))
	r, err := NewReader(&buf)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := Replay(ctx, r, ReplayOptions{Speed: 1, Clock: clock}, func(context.Context, Record) error { return nil })
		done <- result{n, err}
	}()

	require.Eventually(t, func() bool { return len(clock.Waits()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.Equal(t, 1, res.n)
	case <-time.After(time.Second):
		t.Fatal("Replay kept waiting after cancellation")
	}
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Waits())
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	t.Parallel()

	r, err := NewReader(writeCapture(t))
	require.NoError(t, err)

	errFull := errors.New("pool exhausted")
	n, err := Replay(context.Background(), r, ReplayOptions{}, func(context.Context, Record) error { return errFull })
	assert.ErrorIs(t, err, errFull)
	assert.Zero(t, n)
}

func TestReplayHonoursContext(t *testing.T) {
	t.Parallel()

	r, err := NewReader(writeCapture(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Replay(ctx, r, ReplayOptions{}, func(context.Context, Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "received", Received.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
}
