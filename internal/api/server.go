// Package api serves the JSON endpoints of the mailbox daemon.
package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/tlmbox/internal/capture"
	"github.com/banshee-data/tlmbox/internal/db"
	"github.com/banshee-data/tlmbox/internal/httputil"
	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/serialmux"
	"github.com/banshee-data/tlmbox/internal/tlmbox/device"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxEventLimit bounds the limit query parameter of /api/events.
const maxEventLimit = 1000

// StatsSource reports the counters of the mailbox stack.
type StatsSource interface {
	Stats() device.Stats
}

type Server struct {
	dev     StatsSource
	m       serialmux.SerialMuxInterface
	db      *db.DB
	capture *capture.Writer
	session string
}

func NewServer(dev StatsSource, m serialmux.SerialMuxInterface, db *db.DB, session string) *Server {
	return &Server{
		dev:     dev,
		m:       m,
		db:      db,
		session: session,
	}
}

// WithCapture reports the frame count of w in /api/stats.
func (s *Server) WithCapture(w *capture.Writer) *Server {
	s.capture = w
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// StatsResponse is the body of /api/stats. Serial is omitted when no serial
// link is attached.
type StatsResponse struct {
	Session        string           `json:"session"`
	Device         device.Stats     `json:"device"`
	Serial         *serialmux.Stats `json:"serial,omitempty"`
	CapturedFrames *uint64          `json:"captured_frames,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatsResponse{Session: s.session, Device: s.dev.Stats()}
	if src, ok := s.m.(interface{ Stats() serialmux.Stats }); ok {
		st := src.Stats()
		resp.Serial = &st
	}
	if s.capture != nil {
		n := s.capture.Frames()
		resp.CapturedFrames = &n
	}
	httputil.WriteJSONOK(w, resp)
}

// listEvents returns logged events newest first. Query parameters: session
// ("current" selects this run), kind (e.g. ble_evt) and limit.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "event log disabled")
		return
	}

	q := r.URL.Query()
	var f db.EventFilter
	f.Session = q.Get("session")
	if f.Session == "current" {
		f.Session = s.session
	}
	if name := q.Get("kind"); name != "" {
		kind, err := layout.PacketTypeByName(name)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'kind' parameter")
			return
		}
		f.Kind = &kind
	}
	limit, err := httputil.QueryInt(r, "limit", db.DefaultEventLimit, 1, maxEventLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	f.Limit = limit

	events, err := s.db.RecentEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve events: "+err.Error())
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

// sendCommand writes a hex encoded command or ACL packet to the serial link.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	raw := strings.ReplaceAll(r.FormValue("packet"), " ", "")
	pkt, err := hex.DecodeString(raw)
	if err != nil || len(pkt) == 0 {
		httputil.BadRequest(w, "'packet' must be non-empty hex")
		return
	}

	switch err := s.m.SendPacket(pkt); {
	case err == nil:
		httputil.WriteJSONOK(w, map[string]int{"sent": len(pkt)})
	case errors.Is(err, serialmux.ErrNotCommand),
		errors.Is(err, serialmux.ErrLength),
		errors.Is(err, layout.ErrShortBuffer),
		errors.Is(err, layout.ErrUnrecognizedKind),
		errors.Is(err, layout.ErrWrongFamily):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, "Failed to send packet: "+err.Error())
	}
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
