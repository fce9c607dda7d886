package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

func localHostRequest(method, path string, body *strings.Reader) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestMonitorHandsFramesToHandlerAndSubscribers(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, sub := mux.Subscribe()

	var mu sync.Mutex
	var handled [][]byte
	handle := func(_ context.Context, f Frame) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, f.Data)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(ctx, handle) }()

	cc := mustCc(t)
	acl := mustAcl(t, "abc")
	port.AddReadData(append(append([]byte{0xEE}, cc...), acl...))

	for _, want := range [][]byte{cc, acl} {
		select {
		case f := <-sub:
			assert.Equal(t, want, f.Data)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	mu.Lock()
	assert.Equal(t, [][]byte{cc, acl}, handled)
	mu.Unlock()
	assert.Equal(t, Stats{Frames: 2, SkippedBytes: 1}, mux.Stats())

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestMonitorCountsHandlerErrors(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, sub := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = mux.Monitor(ctx, func(context.Context, Frame) error { return errors.New("pool exhausted") })
	}()

	port.AddReadData(mustCc(t))
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	assert.Equal(t, uint64(1), mux.Stats().HandlerErrors)
}

func TestMonitorReturnsReadError(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	errRead := errors.New("device unplugged")
	port.FailNextRead(errRead)

	err := mux.Monitor(context.Background(), nil)
	assert.ErrorIs(t, err, errRead)
}

func TestCloseStopsMonitorAndSubscribers(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, sub := mux.Subscribe()

	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(context.Background(), nil) }()

	require.NoError(t, mux.Close())
	assert.NoError(t, <-errc)
	_, ok := <-sub
	assert.False(t, ok)
	assert.True(t, port.Closed)

	_, late := mux.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestSendPacket(t *testing.T) {
	t.Parallel()

	cmd := []byte{byte(layout.BleCmd), 0x03, 0x0C, 0x00}

	tests := []struct {
		name    string
		pkt     []byte
		short   bool
		wantErr error
	}{
		{name: "command", pkt: cmd},
		{name: "acl data", pkt: mustAcl(t, "hi")},
		{name: "event is not a command", pkt: mustCc(t), wantErr: ErrNotCommand},
		{name: "unknown kind", pkt: []byte{0xFF, 0x00, 0x00}, wantErr: layout.ErrUnrecognizedKind},
		{name: "short write", pkt: cmd, short: true, wantErr: ErrWriteFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			port := NewTestableSerialPort()
			port.ShortWrites = tt.short
			mux := NewSerialMux(port)

			err := mux.SendPacket(tt.pkt)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pkt, port.GetWrittenData())
			assert.Equal(t, uint64(1), mux.Stats().Commands)
		})
	}

	t.Run("length mismatch", func(t *testing.T) {
		t.Parallel()
		mux := NewSerialMux(NewTestableSerialPort())
		assert.Error(t, mux.SendPacket(cmd[:3]))
	})
}

func TestSendPacketAPI(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name       string
		method     string
		packet     string
		wantStatus int
	}{
		{"valid packet", http.MethodPost, "01 03 0c 00", http.StatusOK},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"missing packet", http.MethodPost, "", http.StatusBadRequest},
		{"not hex", http.MethodPost, "zz", http.StatusBadRequest},
		{"not a command", http.MethodPost, "04 0e 00", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"packet": {tt.packet}}
			req := localHostRequest(tt.method, "/debug/send-packet-api", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, []byte{0x01, 0x03, 0x0C, 0x00}, port.GetWrittenData())
}

func TestNewSerialMuxWith(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	opener := &MockOpener{Port: port}
	opts := PortOptions{BaudRate: 921600}

	mux, err := NewSerialMuxWith(opener.Open, "/dev/ttyACM0", opts)
	require.NoError(t, err)
	require.NotNil(t, mux)
	require.Len(t, opener.Calls, 1)
	assert.Equal(t, MockOpenCall{Path: "/dev/ttyACM0", Opts: opts}, opener.Calls[0])

	opener.Error = errors.New("no such device")
	_, err = NewSerialMuxWith(opener.Open, "/dev/ttyACM1", opts)
	assert.ErrorIs(t, err, opener.Error)
}

func TestDisabledSerialMux(t *testing.T) {
	t.Parallel()

	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	assert.NoError(t, d.SendPacket([]byte{0x01}))
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())

	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx, nil), context.Canceled)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

var _ SerialMuxInterface = (*SerialMux[*TestableSerialPort])(nil)
var _ SerialMuxInterface = (*DisabledSerialMux)(nil)
