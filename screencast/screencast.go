// Package screencast drives the xdg-desktop-portal ScreenCast handshake:
// CreateSession, SelectSources and Start, each completed by a Request.Response
// signal correlated through a request.Table.
package screencast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/apis"
	"go2tv.app/screenrelay/internal/convert"
	"go2tv.app/screenrelay/internal/request"
	"go2tv.app/screenrelay/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

// DefaultHandshakeTimeout bounds each phase's wait. Phases can sit behind a
// permission dialog, so this is sized for a human, not for the bus.
const DefaultHandshakeTimeout = 2 * time.Minute

// Broker is the portal side of the session bus.
type Broker interface {
	UniqueName() string
	Call(callName string, args ...any) (any, error)
	CallOnObject(path dbus.ObjectPath, callName string, args ...any) error
	GetProperty(interfaceName, property string) (any, error)
}

type Options struct {
	HandshakeTimeout time.Duration
	Types            uint32
	CursorMode       uint32
	Multiple         bool
	PersistMode      uint32
	RestoreToken     string
}

// Capabilities are the ScreenCast interface properties.
type Capabilities struct {
	Version              uint32
	AvailableSourceTypes uint32
	AvailableCursorModes uint32
}

type Negotiator struct {
	broker  Broker
	pending *request.Table
	opts    Options
	log     *zap.Logger

	// NewToken is replaceable for tests; every call must return a fresh token.
	NewToken func() string
}

func NewNegotiator(broker Broker, pending *request.Table, opts Options, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Negotiator{
		broker:   broker,
		pending:  pending,
		opts:     opts,
		log:      log.Named("screencast"),
		NewToken: session.GenerateToken,
	}
}

// Negotiate runs the three handshake phases in order and returns a Started
// session with its authorized streams. Any failure is fatal to the session,
// which is closed before returning.
func (n *Negotiator) Negotiate(ctx context.Context) (*Session, error) {
	s, err := n.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	if err := n.SelectSources(ctx, s); err != nil {
		n.closeQuietly(s)
		return nil, err
	}
	if err := n.Start(ctx, s, ""); err != nil {
		n.closeQuietly(s)
		return nil, err
	}
	return s, nil
}

func (n *Negotiator) CreateSession(ctx context.Context) (*Session, error) {
	sessionToken := n.NewToken()
	resp, err := n.roundTrip(ctx, PhaseCreateSession, request.ExpectSessionHandle, createSessionName,
		func(opts convert.Vardict) []any {
			opts.String("session_handle_token", sessionToken)
			return []any{map[string]dbus.Variant(opts)}
		})
	if err != nil {
		return nil, err
	}

	handle, ok := convert.LookupString(resp.Results, "session_handle")
	if !ok || !dbus.ObjectPath(handle).IsValid() {
		return nil, &HandshakeError{Phase: PhaseCreateSession, Kind: ErrMissingField, Field: "session_handle"}
	}

	n.log.Info("session created", zap.String("session_handle", handle))
	return newSession(dbus.ObjectPath(handle)), nil
}

func (n *Negotiator) SelectSources(ctx context.Context, s *Session) error {
	if st := s.State(); st != StateCreated {
		return fmt.Errorf("%w: SelectSources in state %s", ErrInvalidTransition, st)
	}

	resp, err := n.roundTrip(ctx, PhaseSelectSources, request.ExpectNothing, selectSourcesName,
		func(opts convert.Vardict) []any {
			opts.Uint32("types", n.opts.Types).
				Bool("multiple", n.opts.Multiple).
				Uint32("cursor_mode", n.opts.CursorMode).
				String("restore_token", n.opts.RestoreToken).
				Uint32("persist_mode", n.opts.PersistMode)
			return []any{s.Handle(), map[string]dbus.Variant(opts)}
		})
	if err != nil {
		return err
	}

	n.log.Debug("sources selected", zap.Any("results", resp.Results))
	return s.Advance(StateSourcesSelected)
}

// Start shows the source picker. An empty parentWindow lets the portal place
// the dialog itself.
func (n *Negotiator) Start(ctx context.Context, s *Session, parentWindow string) error {
	if st := s.State(); st != StateSourcesSelected {
		return fmt.Errorf("%w: Start in state %s", ErrInvalidTransition, st)
	}

	resp, err := n.roundTrip(ctx, PhaseStart, request.ExpectStreams, startName,
		func(opts convert.Vardict) []any {
			return []any{s.Handle(), parentWindow, map[string]dbus.Variant(opts)}
		})
	if err != nil {
		return err
	}

	streamVariant, ok := resp.Results["streams"]
	if !ok {
		return &HandshakeError{Phase: PhaseStart, Kind: ErrMissingField, Field: "streams"}
	}
	streams := parseStreams(streamVariant.Value())
	if len(streams) == 0 {
		return &HandshakeError{Phase: PhaseStart, Kind: ErrNoStreams, Field: "streams"}
	}
	restoreToken, _ := convert.LookupString(resp.Results, "restore_token")

	n.log.Info("capture started",
		zap.Int("streams", len(streams)),
		zap.Uint32("node_id", streams[0].NodeID))
	return s.setStarted(streams, restoreToken)
}

// roundTrip issues one portal call and blocks until the Response signal for
// its own token arrives. The token is registered before the call goes out.
func (n *Negotiator) roundTrip(
	ctx context.Context,
	phase Phase,
	expects request.Shape,
	callName string,
	args func(opts convert.Vardict) []any,
) (request.Response, error) {
	token := n.NewToken()
	pending, err := n.pending.Issue(token, expects, session.RequestPath(n.broker.UniqueName(), token))
	if err != nil {
		return request.Response{}, &HandshakeError{Phase: phase, Kind: ErrHandshakeRejected, Err: err}
	}
	defer n.pending.Cancel(token)

	opts := convert.Vardict{}.String("handle_token", token)
	n.log.Debug("calling portal", zap.String("phase", string(phase)), zap.String("token", token))

	result, err := n.broker.Call(callName, args(opts)...)
	if err != nil {
		return request.Response{}, &HandshakeError{Phase: phase, Kind: ErrHandshakeRejected, Err: err}
	}
	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return request.Response{}, &HandshakeError{
			Phase: phase,
			Kind:  ErrHandshakeRejected,
			Err:   fmt.Errorf("%w: call returned %T", request.ErrUnexpectedResponse, result),
		}
	}
	n.pending.Bind(token, requestPath)

	resp, err := pending.Wait(ctx, n.opts.HandshakeTimeout)
	switch {
	case errors.Is(err, request.ErrTimeout):
		// Leave no dialog behind for a request nobody is waiting on.
		_ = request.Close(n.broker, requestPath)
		return request.Response{}, &HandshakeError{Phase: phase, Kind: ErrHandshakeTimeout, Err: err}
	case err != nil:
		_ = request.Close(n.broker, requestPath)
		return request.Response{}, err
	}

	if resp.Status != request.Success {
		return request.Response{}, &HandshakeError{
			Phase: phase,
			Kind:  ErrHandshakeRejected,
			Err:   fmt.Errorf("response status %d (%s)", resp.Status, statusText(resp.Status)),
		}
	}
	return resp, nil
}

// OpenPipeWireRemote returns a PipeWire socket fd scoped to the session's
// authorized nodes. The caller owns the fd.
func (n *Negotiator) OpenPipeWireRemote(s *Session) (int, error) {
	result, err := n.broker.Call(openPipeWireRemote, s.Handle(), map[string]dbus.Variant{})
	if err != nil {
		return -1, &HandshakeError{Phase: PhaseOpenPipeWireRemote, Kind: ErrHandshakeRejected, Err: err}
	}

	switch fd := result.(type) {
	case dbus.UnixFD:
		return int(fd), nil
	case int32:
		return int(fd), nil
	default:
		return -1, &HandshakeError{
			Phase: PhaseOpenPipeWireRemote,
			Kind:  ErrHandshakeRejected,
			Err:   fmt.Errorf("%w: fd has type %T", request.ErrUnexpectedResponse, result),
		}
	}
}

// Close ends the portal session. It is safe to call more than once.
func (n *Negotiator) Close(s *Session) error {
	if s == nil || s.State() == StateClosed {
		return nil
	}
	_ = s.Advance(StateClosed)
	return session.Close(n.broker, s.Handle())
}

func (n *Negotiator) closeQuietly(s *Session) {
	if err := n.Close(s); err != nil {
		n.log.Debug("closing session after failure", zap.Error(err))
	}
}

func (n *Negotiator) Probe() (Capabilities, error) {
	var caps Capabilities
	var err error
	if caps.Version, err = n.uint32Property("version"); err != nil {
		return caps, err
	}
	if caps.AvailableSourceTypes, err = n.uint32Property("AvailableSourceTypes"); err != nil {
		return caps, err
	}
	if caps.AvailableCursorModes, err = n.uint32Property("AvailableCursorModes"); err != nil {
		return caps, err
	}
	return caps, nil
}

func (n *Negotiator) uint32Property(property string) (uint32, error) {
	value, err := n.broker.GetProperty(interfaceName, property)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", property, err)
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func statusText(status request.ResponseStatus) string {
	switch status {
	case request.Success:
		return "success"
	case request.Cancelled:
		return "cancelled by user"
	case request.Ended:
		return "ended"
	default:
		return "unknown"
	}
}
