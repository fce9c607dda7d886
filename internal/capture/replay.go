package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/tlmbox/internal/timeutil"
)

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// Speed scales the gaps between frames. 1 replays in real time, 2 twice
	// as fast. Zero or less replays without pauses.
	Speed float64
	// Clock is used for pacing; nil means the wall clock.
	Clock timeutil.Clock
}

// Replay feeds every Received record of r to fn in capture order and returns
// the number of records replayed. Sent records are skipped. It stops at the
// end of the capture, on the first error from fn, or when ctx is done.
func Replay(ctx context.Context, r *Reader, opts ReplayOptions, fn func(context.Context, Record) error) (int, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var last time.Time
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if rec.Direction != Received {
			continue
		}

		if opts.Speed > 0 && !last.IsZero() {
			if gap := rec.Timestamp.Sub(last); gap > 0 {
				select {
				case <-ctx.Done():
					return n, ctx.Err()
				case <-clock.After(time.Duration(float64(gap) / opts.Speed)):
				}
			}
		}
		last = rec.Timestamp

		if err := fn(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
}
