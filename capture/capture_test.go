package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrelay/internal/request"
	"go2tv.app/screenrelay/internal/session"
	"go2tv.app/screenrelay/internal/spa"
	"go2tv.app/screenrelay/relay"
	"go2tv.app/screenrelay/screencast"
)

const testSessionHandle = "/org/freedesktop/portal/desktop/session/1_7/session_1"

// portalBus answers the three handshake calls successfully.
type portalBus struct {
	table      *request.Table
	startCode  uint32
	mu         sync.Mutex
	closedObjs []string
}

func (b *portalBus) UniqueName() string { return ":1.7" }

func (b *portalBus) Call(callName string, args ...any) (any, error) {
	opts := args[len(args)-1].(map[string]dbus.Variant)
	token, _ := opts["handle_token"].Value().(string)
	path := session.RequestPath(b.UniqueName(), token)

	resp := request.Response{Status: request.Success, Results: map[string]dbus.Variant{}}
	switch callName {
	case "org.freedesktop.portal.ScreenCast.CreateSession":
		resp.Results["session_handle"] = dbus.MakeVariant(testSessionHandle)
	case "org.freedesktop.portal.ScreenCast.Start":
		resp.Status = b.startCode
		resp.Results["streams"] = dbus.MakeVariant([]any{
			[]any{uint32(42), map[string]dbus.Variant{}},
			[]any{uint32(43), map[string]dbus.Variant{}},
		})
	}
	go b.table.CompletePath(path, resp)
	return path, nil
}

func (b *portalBus) CallOnObject(path dbus.ObjectPath, callName string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedObjs = append(b.closedObjs, callName+" "+string(path))
	return nil
}

func (b *portalBus) GetProperty(string, string) (any, error) { return uint32(5), nil }

func (b *portalBus) sessionClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.closedObjs {
		if c == session.Interface+".Close "+testSessionHandle {
			return true
		}
	}
	return false
}

// testPortal uses the real negotiator but hands out no fd.
type testPortal struct {
	*screencast.Negotiator
	openErr error
}

func (p *testPortal) OpenPipeWireRemote(*screencast.Session) (int, error) {
	return -1, p.openErr
}

type fakeStream struct {
	nodeID  uint32
	runErr  chan error
	running chan struct{}
	closed  atomic.Bool
}

func (s *fakeStream) Run(ctx context.Context) error {
	close(s.running)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.runErr:
		return err
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type harness struct {
	bus     *portalBus
	portal  *testPortal
	signals chan *dbus.Signal
	stream  *fakeStream
	opened  atomic.Int32
	thread  *Thread
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := request.NewTable(nil)
	h := &harness{
		bus:     &portalBus{table: table},
		signals: make(chan *dbus.Signal, 4),
		stream:  &fakeStream{runErr: make(chan error, 1), running: make(chan struct{})},
	}
	h.portal = &testPortal{
		Negotiator: screencast.NewNegotiator(h.bus, table, screencast.Options{HandshakeTimeout: time.Second}, nil),
	}

	thread, err := NewThread(Options{
		Portal: h.portal,
		OpenStream: func(fd int, nodeID uint32) (Stream, error) {
			h.opened.Add(1)
			h.stream.nodeID = nodeID
			return h.stream, nil
		},
		Relay:         relay.New(),
		Formats:       spa.NewFormatNegotiator(0, nil),
		ClosedSignals: h.signals,
	})
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	h.thread = thread
	return h
}

func (h *harness) start(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.thread.Run(ctx) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitRunning(t *testing.T, s *fakeStream) {
	t.Helper()
	select {
	case <-s.running:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}
}

func TestRunStreamsFirstSourceUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := h.start(ctx)
	waitRunning(t, h.stream)

	if h.stream.nodeID != 42 {
		t.Errorf("stream bound to node %d, want first source 42", h.stream.nodeID)
	}
	st := h.thread.Status()
	if st.State != screencast.StateStreaming.String() || st.NodeID != 42 || st.SessionHandle != testSessionHandle {
		t.Errorf("status while running = %+v", st)
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}
	if !h.stream.closed.Load() {
		t.Error("stream not closed")
	}
	if !h.bus.sessionClosed() {
		t.Error("session not closed on the portal")
	}
	if st := h.thread.Status(); st.State != screencast.StateClosed.String() {
		t.Errorf("state after Run = %s", st.State)
	}
}

func TestRunEndsWhenPortalClosesSession(t *testing.T) {
	h := newHarness(t)
	errc := h.start(context.Background())
	waitRunning(t, h.stream)

	// A Closed signal for some other session must be ignored.
	h.signals <- &dbus.Signal{Name: session.ClosedSignal, Path: "/org/freedesktop/portal/desktop/session/1_7/other"}
	h.signals <- &dbus.Signal{Name: session.ClosedSignal, Path: testSessionHandle}

	if err := waitErr(t, errc); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Run = %v, want ErrSessionClosed", err)
	}
	if !h.stream.closed.Load() {
		t.Error("stream not closed")
	}
}

func TestRunReturnsStreamError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("stream failed")
	h.stream.runErr <- boom

	err := waitErr(t, h.start(context.Background()))
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want stream error", err)
	}
	if !h.stream.closed.Load() || !h.bus.sessionClosed() {
		t.Error("cleanup did not run after stream failure")
	}
}

func TestRunHandshakeRejected(t *testing.T) {
	h := newHarness(t)
	h.bus.startCode = request.Cancelled

	err := waitErr(t, h.start(context.Background()))
	if !errors.Is(err, screencast.ErrHandshakeRejected) {
		t.Fatalf("Run = %v, want ErrHandshakeRejected", err)
	}
	if h.opened.Load() != 0 {
		t.Error("stream opened after a rejected handshake")
	}
	if !h.bus.sessionClosed() {
		t.Error("session left open after a rejected handshake")
	}
}

func TestRunOpenRemoteFails(t *testing.T) {
	h := newHarness(t)
	h.portal.openErr = errors.New("no remote")

	if err := waitErr(t, h.start(context.Background())); err == nil {
		t.Fatal("Run succeeded without a remote")
	}
	if h.opened.Load() != 0 {
		t.Error("stream opened without a remote")
	}
	if !h.bus.sessionClosed() {
		t.Error("session left open")
	}
}

func TestRunTwiceConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := h.start(ctx)
	waitRunning(t, h.stream)

	if err := h.thread.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v", err)
	}
	cancel()
	waitErr(t, errc)
}

func TestNewThreadRequiresDependencies(t *testing.T) {
	if _, err := NewThread(Options{}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("NewThread = %v", err)
	}
}

func TestStatusBeforeRun(t *testing.T) {
	h := newHarness(t)
	st := h.thread.Status()
	if st.State != screencast.StateNone.String() || st.Format != nil || st.NodeID != 0 {
		t.Fatalf("status = %+v", st)
	}

	h.thread.Formats().Propose(spa.Format{
		MediaType:    spa.MediaTypeVideo,
		MediaSubtype: spa.MediaSubtypeRaw,
		VideoFormat:  spa.VideoFormatBGRx,
		Width:        640,
		Height:       480,
	})
	h.thread.Relay().Publish(make([]byte, 16))
	st = h.thread.Status()
	if st.Format == nil || st.Format.Width != 640 || st.Relay.Published != 1 {
		t.Fatalf("status = %+v", st)
	}
}
