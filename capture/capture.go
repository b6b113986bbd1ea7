// Package capture runs the capture thread: it negotiates a portal session,
// opens the PipeWire node the user picked and feeds its frames into a relay
// until the context ends, the stream fails or the portal closes the session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/session"
	"go2tv.app/screenrelay/internal/spa"
	"go2tv.app/screenrelay/relay"
	"go2tv.app/screenrelay/screencast"
)

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrInvalidOptions = errors.New("invalid screen capture options")
	ErrSessionClosed  = errors.New("portal closed the screencast session")
	ErrAlreadyRunning = errors.New("capture thread already running")
)

const defaultFirstFrameTimeout = 8 * time.Second

// Portal is the part of screencast.Negotiator the thread drives.
type Portal interface {
	Negotiate(ctx context.Context) (*screencast.Session, error)
	OpenPipeWireRemote(s *screencast.Session) (int, error)
	Close(s *screencast.Session) error
}

// Stream is a running consumer of one PipeWire node.
type Stream interface {
	Run(ctx context.Context) error
	Close() error
}

// StreamOpener binds a stream to nodeID over the remote fd. The fd remains
// owned by the caller.
type StreamOpener func(fd int, nodeID uint32) (Stream, error)

type Options struct {
	Portal     Portal
	OpenStream StreamOpener
	Relay      *relay.Relay
	Formats    *spa.FormatNegotiator

	// ClosedSignals carries Session.Closed signals. Nil disables the watch.
	ClosedSignals <-chan *dbus.Signal

	FirstFrameTimeout time.Duration
	Logger            *zap.Logger
}

type Thread struct {
	portal        Portal
	openStream    StreamOpener
	relay         *relay.Relay
	formats       *spa.FormatNegotiator
	closedSignals <-chan *dbus.Signal
	firstFrame    time.Duration
	log           *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	sess   *screencast.Session
	nodeID uint32
}

func NewThread(opts Options) (*Thread, error) {
	if opts.Portal == nil || opts.OpenStream == nil || opts.Relay == nil || opts.Formats == nil {
		return nil, fmt.Errorf("%w: portal, stream opener, relay and formats are required", ErrInvalidOptions)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = defaultFirstFrameTimeout
	}
	return &Thread{
		portal:        opts.Portal,
		openStream:    opts.OpenStream,
		relay:         opts.Relay,
		formats:       opts.Formats,
		closedSignals: opts.ClosedSignals,
		firstFrame:    opts.FirstFrameTimeout,
		log:           opts.Logger.Named("capture"),
	}, nil
}

// Relay is the slot the thread publishes into.
func (t *Thread) Relay() *relay.Relay {
	return t.relay
}

// Formats reports the format the stream accepted.
func (t *Thread) Formats() *spa.FormatNegotiator {
	return t.formats
}

// Run blocks for the life of one capture session. It returns nil when ctx is
// cancelled, ErrSessionClosed when the portal ends the session, and the
// handshake or stream error otherwise. The session is closed on every exit
// path once it exists.
func (t *Thread) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	sess, err := t.portal.Negotiate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("negotiate: %w", err)
	}
	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()
	defer t.closeSession(sess)

	src, ok := sess.Source()
	if !ok {
		return screencast.ErrNoStreams
	}
	t.mu.Lock()
	t.nodeID = src.NodeID
	t.mu.Unlock()

	fd, err := t.portal.OpenPipeWireRemote(sess)
	if err != nil {
		return fmt.Errorf("open pipewire remote: %w", err)
	}
	stream, err := t.openStream(fd, src.NodeID)
	if cerr := closeFD(fd); cerr != nil {
		t.log.Debug("closing pipewire remote fd", zap.Int("fd", fd), zap.Error(cerr))
	}
	if err != nil {
		return fmt.Errorf("open stream for node %d: %w", src.NodeID, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			t.log.Debug("closing stream", zap.Error(err))
		}
	}()

	if err := sess.Advance(screencast.StateStreaming); err != nil {
		return err
	}
	t.log.Info("streaming", zap.Uint32("node_id", src.NodeID), zap.String("session_handle", string(sess.Handle())))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var portalClosed atomic.Bool
	closed := session.WatchClosed(runCtx.Done(), t.closedSignals, sess.Handle())
	go func() {
		<-closed
		if runCtx.Err() == nil {
			portalClosed.Store(true)
			t.log.Info("portal closed the session")
			cancel()
		}
	}()
	go t.watchFirstFrame(runCtx)

	err = stream.Run(runCtx)
	switch {
	case portalClosed.Load():
		return ErrSessionClosed
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	default:
		return nil
	}
}

func (t *Thread) closeSession(sess *screencast.Session) {
	if err := t.portal.Close(sess); err != nil {
		t.log.Debug("closing session", zap.Error(err))
	}
}

// watchFirstFrame warns once when the stream has been running for the first
// frame timeout without publishing anything.
func (t *Thread) watchFirstFrame(ctx context.Context) {
	timer := time.NewTimer(t.firstFrame)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if t.relay.Generation() > 0 {
		return
	}
	fields := []zap.Field{zap.Duration("waited", t.firstFrame), zap.Int("format_mismatches", t.formats.Mismatches())}
	if _, ok := t.formats.Accepted(); !ok {
		t.log.Warn("no frame yet: no compatible format accepted", fields...)
		return
	}
	t.log.Warn("no frame yet", fields...)
}

type Status struct {
	State            string      `json:"state"`
	NodeID           uint32      `json:"node_id,omitempty"`
	SessionHandle    string      `json:"session_handle,omitempty"`
	RestoreToken     string      `json:"restore_token,omitempty"`
	Format           *spa.Format `json:"format,omitempty"`
	FormatMismatches int         `json:"format_mismatches"`
	Relay            relay.Stats `json:"relay"`
}

func (t *Thread) Status() Status {
	st := Status{
		State:            screencast.StateNone.String(),
		FormatMismatches: t.formats.Mismatches(),
		Relay:            t.relay.Stats(),
	}

	t.mu.Lock()
	sess, nodeID := t.sess, t.nodeID
	t.mu.Unlock()
	if sess != nil {
		st.State = sess.State().String()
		st.NodeID = nodeID
		st.SessionHandle = string(sess.Handle())
		st.RestoreToken = sess.RestoreToken()
	}
	if f, ok := t.formats.Accepted(); ok {
		st.Format = &f
	}
	return st
}
