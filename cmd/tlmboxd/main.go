package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tlmbox/internal/api"
	"github.com/banshee-data/tlmbox/internal/capture"
	"github.com/banshee-data/tlmbox/internal/config"
	"github.com/banshee-data/tlmbox/internal/db"
	"github.com/banshee-data/tlmbox/internal/monitoring"
	"github.com/banshee-data/tlmbox/internal/security"
	"github.com/banshee-data/tlmbox/internal/serialmux"
	"github.com/banshee-data/tlmbox/internal/timeutil"
	"github.com/banshee-data/tlmbox/internal/tlmbox"
	"github.com/banshee-data/tlmbox/internal/tlmbox/device"
	"github.com/banshee-data/tlmbox/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	devMode     = flag.Bool("dev", false, "Feed the emulated co-processor with built-in fixture packets")
	port        = flag.String("port", "", "Serial port delivering co-processor packets")
	replayPath  = flag.String("replay", "", "Replay received packets from a pcap capture")
	capturePath = flag.String("capture", "", "Write consumed packets to a pcap capture")
	dbPath      = flag.String("db", "", "Event log database path")
	listen      = flag.String("listen", "", "HTTP listen address")
	debug       = flag.Bool("debug", false, "Log every consumed packet")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// fixtureInterval paces -dev packets.
const fixtureInterval = time.Second

// loadConfig reads the config file, or the defaults file when -config is
// empty and it exists, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.EmptyConfig()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.SerialPort, *port)
	override(&cfg.CapturePath, *capturePath)
	override(&cfg.DBPath, *dbPath)
	override(&cfg.Listen, *listen)
	if *debug {
		cfg.Debug = debug
	}
	return cfg, nil
}

// source names where packets come from.
type source struct {
	kind string // "serial", "replay" or "dev"
	path string
}

func (s source) String() string {
	if s.path == "" {
		return s.kind
	}
	return s.kind + ":" + s.path
}

func pickSource(cfg *config.Config, replay string, dev bool) (source, error) {
	switch {
	case replay != "":
		return source{kind: "replay", path: replay}, nil
	case dev:
		return source{kind: "dev"}, nil
	case cfg.GetSerialPort() != "":
		return source{kind: "serial", path: cfg.GetSerialPort()}, nil
	}
	return source{}, errors.New("no packet source: set -port, -replay or -dev")
}

// daemon owns every long-lived component of a run.
type daemon struct {
	cfg      *config.Config
	src      source
	session  string
	log      *zap.Logger
	interval time.Duration

	dev     *device.Device
	sm      serialmux.SerialMuxInterface
	store   *db.DB
	capFile *os.File
	capw    *capture.Writer
	ln      net.Listener
}

func newDaemon(cfg *config.Config, src source, session string, logger *zap.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, src: src, session: session, log: logger, interval: fixtureInterval}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if p := cfg.GetRegionPath(); p != "" {
		if err := security.ValidateOutputPath(p); err != nil {
			return nil, fmt.Errorf("region path: %w", err)
		}
	}
	d.dev, err = device.Open(device.Options{
		Slots:      cfg.GetPoolSlots(),
		SlotSize:   cfg.GetSlotSize(),
		Size:       cfg.RegionSize(),
		RegionPath: cfg.GetRegionPath(),
	})
	if err != nil {
		return nil, err
	}

	if src.kind == "serial" {
		d.sm, err = serialmux.NewRealSerialMux(src.path, cfg.GetPortOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
	} else {
		d.sm = serialmux.NewDisabledSerialMux()
	}

	d.store, err = db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	if err := d.store.StartSession(context.Background(), session, src.String()); err != nil {
		return nil, err
	}

	if p := cfg.GetCapturePath(); p != "" {
		if err := security.ValidateOutputPath(p, filepath.Dir(cfg.GetDBPath())); err != nil {
			return nil, fmt.Errorf("capture path: %w", err)
		}
		if d.capFile, err = os.Create(p); err != nil {
			return nil, fmt.Errorf("failed to create capture: %w", err)
		}
		if d.capw, err = capture.NewWriter(d.capFile); err != nil {
			return nil, err
		}
	}

	if d.ln, err = net.Listen("tcp", cfg.GetListen()); err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return d, nil
}

// Addr is the address the HTTP server listens on.
func (d *daemon) Addr() string { return d.ln.Addr().String() }

func (d *daemon) close() {
	if d.ln != nil {
		d.ln.Close()
	}
	if d.capFile != nil {
		if err := d.capFile.Close(); err != nil {
			monitoring.Logf("failed to close capture: %v", err)
		}
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.sm != nil {
		d.sm.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
}

func (d *daemon) handler() http.Handler {
	mux := api.NewServer(d.dev, d.sm, d.store, d.session).WithCapture(d.capw).ServeMux()
	d.sm.AttachAdminRoutes(mux)
	d.dev.Mailbox.AttachAdminRoutes(mux)
	if err := d.store.AttachAdminRoutes(mux, d.cfg.GetDBPath()); err != nil {
		monitoring.Logf("failed to attach db admin routes: %v", err)
	}
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Get().String())
	debug.KV("Session", d.session)
	debug.KV("Source", d.src.String())
	return api.LoggingMiddleware(mux)
}

// feed runs the packet source until it is exhausted or ctx is done.
func (d *daemon) feed(ctx context.Context) error {
	switch d.src.kind {
	case "serial":
		return feedSerial(ctx, d.sm, d.dev.CPU2)
	case "replay":
		n, err := feedReplay(ctx, d.src.path, d.cfg.GetReplaySpeed(), d.dev.CPU2)
		d.log.Info("replay finished", zap.Int("packets", n))
		return err
	case "dev":
		return feedFixtures(ctx, d.dev.CPU2, d.interval)
	}
	return fmt.Errorf("unknown source %q", d.src.kind)
}

// Run serves until ctx is done, then shuts everything down.
func (d *daemon) Run(ctx context.Context) error {
	defer d.close()

	c := &consumer{
		session: d.session,
		log:     d.log,
		clock:   timeutil.RealClock{},
		capture: d.capw,
		db:      d.store,
	}

	var wg sync.WaitGroup

	// emulated co-processor: reclaims released buffers
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.dev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("co-processor routine failed: %v", err)
		}
	}()

	// packet source
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.feed(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("%s source failed: %v", d.src.kind, err)
		}
		monitoring.Logf("source routine terminated")
	}()

	// mailbox consumer
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := d.dev.Mailbox.Serve(ctx, func(box *tlmbox.EvtBox) error {
			return c.handle(ctx, box)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("mailbox routine failed: %v", err)
		}
	}()

	// HTTP server
	server := &http.Server{Handler: d.handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	// Unblocks a serial monitor waiting on a read.
	d.sm.Close()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.GetDBPath()); err != nil {
			log.Fatal(err)
		}
		return
	}

	src, err := pickSource(cfg, *replayPath, *devMode)
	if err != nil {
		log.Fatal(err)
	}

	session := uuid.NewString()
	logger := monitoring.NewZapLogger(os.Stderr, session, cfg.GetDebug())
	defer logger.Sync()
	monitoring.UseZap(logger)

	d, err := newDaemon(cfg, src, session, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	logger.Info("tlmboxd started",
		zap.String("version", version.Version),
		zap.Stringer("source", src),
		zap.String("listen", d.Addr()),
		zap.Int("slots", cfg.GetPoolSlots()),
		zap.Int("region_bytes", cfg.RegionSize()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
