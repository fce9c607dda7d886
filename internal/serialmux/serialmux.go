// Serialmux bridges a co-processor speaking H4 over a UART. Frames read from
// the port are handed to a single handler (normally the mailbox emulator) and
// fanned out to any number of subscribers; command packets are written back
// to the one port.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrNotCommand  = errors.New("packet kind is not sent to the co-processor")
	ErrLength      = errors.New("packet length does not match its header")
)

// FrameHandler consumes a frame read off the port. Errors are logged and do
// not stop the monitor.
type FrameHandler func(ctx context.Context, f Frame) error

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to frames from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan Frame
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool

	frames        atomic.Uint64
	skipped       atomic.Uint64
	handlerErrors atomic.Uint64
	commands      atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving frames from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan Frame)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendPacket writes a command or ACL data packet to the serial port.
	SendPacket([]byte) error
	// Monitor reads frames from the serial port, passes them to handle and
	// sends them to subscribers.
	Monitor(context.Context, FrameHandler) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux over port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan Frame),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan Frame) {
	id := randomID()
	ch := make(chan Frame, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendPacket writes one command or ACL data packet to the serial port. Only
// those kinds travel towards the co-processor.
func (s *SerialMux[T]) SendPacket(pkt []byte) error {
	if len(pkt) == 0 {
		return fmt.Errorf("empty packet: %w", layout.ErrShortBuffer)
	}
	kind, err := layout.ParsePacketType(pkt[0])
	if err != nil {
		return err
	}
	var n int
	switch {
	case kind.IsCommand():
		n, err = layout.CmdLength(pkt)
	case kind.IsStreamedData():
		n, err = layout.SerialLength(pkt)
	default:
		return fmt.Errorf("%w: %s", ErrNotCommand, kind)
	}
	if err != nil {
		return err
	}
	if n != len(pkt) {
		return fmt.Errorf("%w: %s declares %d bytes, got %d", ErrLength, kind, n, len(pkt))
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	written, err := s.port.Write(pkt)
	if err != nil {
		return err
	}
	if written != len(pkt) {
		return ErrWriteFailed
	}
	s.commands.Add(1)
	return nil
}

// Monitor reads frames until ctx is done or the port fails.
func (s *SerialMux[T]) Monitor(ctx context.Context, handle FrameHandler) error {
	fr := NewFrameReader(s.port)

	frameChan := make(chan Frame)
	readErrChan := make(chan error, 1)

	// The blocking reads live in their own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(frameChan)
		for {
			f, err := fr.Next()
			s.skipped.Store(fr.Skipped())
			if err != nil {
				readErrChan <- err
				return
			}
			select {
			case frameChan <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frameChan:
			if !ok {
				err := <-readErrChan
				if errors.Is(err, io.EOF) || s.closing.Load() {
					return nil
				}
				return err
			}
			s.frames.Add(1)

			if handle != nil {
				if err := handle(ctx, f); err != nil {
					s.handlerErrors.Add(1)
					monitoring.Logf("serialmux: %s frame of %d bytes: %v", f.Kind, len(f.Data), err)
				}
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- f:
				default:
					// slow subscriber; drop rather than stall the port
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes all subscriber channels and the port. Later calls are no-ops.
func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// Stats counts traffic through the mux.
type Stats struct {
	Frames        uint64 `json:"frames"`
	SkippedBytes  uint64 `json:"skipped_bytes"`
	HandlerErrors uint64 `json:"handler_errors"`
	Commands      uint64 `json:"commands"`
}

func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		Frames:        s.frames.Load(),
		SkippedBytes:  s.skipped.Load(),
		HandlerErrors: s.handlerErrors.Load(),
		Commands:      s.commands.Load(),
	}
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Serial frames", func() any { return s.frames.Load() })
	debug.KVFunc("Serial bytes skipped", func() any { return s.skipped.Load() })

	// API endpoint to write a hex encoded command packet to the serial port
	debug.HandleSilentFunc("send-packet-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := strings.TrimSpace(r.FormValue("packet"))
		if raw == "" {
			http.Error(w, "Missing packet", http.StatusBadRequest)
			return
		}
		pkt, err := hex.DecodeString(strings.ReplaceAll(raw, " ", ""))
		if err != nil {
			http.Error(w, "Packet is not hex", http.StatusBadRequest)
			return
		}
		if err := s.SendPacket(pkt); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write packet: %v", err), http.StatusBadRequest)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %d byte %s packet to serial port", len(pkt), layout.PacketType(pkt[0])))
	})

	// API endpoint to issue Server-Side Events (SSE) for every frame read from the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case f, ok := <-c:
				if !ok {
					return
				}
				_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Kind, hex.EncodeToString(f.Data))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
