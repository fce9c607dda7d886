package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/banshee-data/tlmbox/internal/capture"
	"github.com/banshee-data/tlmbox/internal/db"
	"github.com/banshee-data/tlmbox/internal/timeutil"
	"github.com/banshee-data/tlmbox/internal/tlmbox"
)

// consumer handles every event the mailbox hands out: it logs the packet,
// appends it to the capture and records it in the event log. Either sink may
// be nil.
type consumer struct {
	session string
	log     *zap.Logger
	clock   timeutil.Clock
	capture *capture.Writer
	db      *db.DB
}

// eventFrom copies what the log needs out of box while it is still owned.
func eventFrom(box *tlmbox.EvtBox) (db.Event, []byte, error) {
	kind, err := box.Kind()
	if err != nil {
		return db.Event{}, nil, err
	}
	serial, err := box.Serial()
	if err != nil {
		return db.Event{}, nil, err
	}
	e := db.Event{Kind: kind, Length: len(serial)}

	if kind.IsStreamedData() {
		acl, err := box.AclData()
		if err != nil {
			return db.Event{}, nil, err
		}
		e.Payload = acl.Data
		return e, serial, nil
	}

	evt, err := box.Evt()
	if err != nil {
		return db.Event{}, nil, err
	}
	code := evt.Evt.Code
	e.Code = &code
	if e.Payload, err = box.Payload(); err != nil {
		return db.Event{}, nil, err
	}
	return e, serial, nil
}

func (c *consumer) handle(ctx context.Context, box *tlmbox.EvtBox) error {
	e, serial, err := eventFrom(box)
	if err != nil {
		return fmt.Errorf("event at %s: %w", box.Location(), err)
	}
	e.Session = c.session
	e.ReceivedAt = c.clock.Now()

	fields := []zap.Field{
		zap.Stringer("kind", e.Kind),
		zap.Int("length", e.Length),
		zap.String("serial", hex.EncodeToString(serial)),
	}
	if e.Code != nil {
		fields = append(fields, zap.Uint8("evt_code", *e.Code))
	}
	c.log.Debug("mailbox event", fields...)

	if c.capture != nil {
		if err := c.capture.Write(capture.Received, e.ReceivedAt, serial); err != nil {
			return err
		}
	}
	if c.db != nil {
		if _, err := c.db.RecordEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
