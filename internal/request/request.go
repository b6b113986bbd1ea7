// Package request correlates portal method calls with the Request.Response
// signals that carry their results.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/session"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response from dbus")
	ErrDuplicateToken     = errors.New("request token already outstanding")
	ErrTimeout            = errors.New("timed out waiting for response")
)

const (
	Interface      = "org.freedesktop.portal.Request"
	ResponseMember = "Response"
	ResponseSignal = Interface + "." + ResponseMember
	closeCallName  = Interface + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

// Shape names the payload a pending request expects.
type Shape int

const (
	ExpectNothing Shape = iota
	ExpectSessionHandle
	ExpectStreams
)

func (s Shape) String() string {
	switch s {
	case ExpectNothing:
		return "nothing"
	case ExpectSessionHandle:
		return "session_handle"
	case ExpectStreams:
		return "streams"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

type Response struct {
	Status  ResponseStatus
	Results map[string]dbus.Variant
}

func Close(bus session.Caller, path dbus.ObjectPath) error {
	return bus.CallOnObject(path, closeCallName)
}

// ParseResponse decodes the (u, a{sv}) body of a Request.Response signal.
func ParseResponse(sig *dbus.Signal) (Response, error) {
	if sig == nil || len(sig.Body) != 2 {
		return Response{}, ErrUnexpectedResponse
	}
	status, ok := sig.Body[0].(uint32)
	if !ok {
		return Response{}, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, sig.Body[0])
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Response{}, fmt.Errorf("%w: results have type %T", ErrUnexpectedResponse, sig.Body[1])
	}
	return Response{Status: status, Results: results}, nil
}

// Pending is one outstanding call awaiting its Response signal.
type Pending struct {
	Token   string
	Expects Shape
	Path    dbus.ObjectPath

	done chan Response
}

// Wait blocks until the response arrives, timeout elapses or ctx is done.
// A non-positive timeout waits on ctx alone.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-p.done:
		return resp, nil
	case <-expired:
		return Response{}, fmt.Errorf("%w: token %s after %s", ErrTimeout, p.Token, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Table tracks outstanding requests by token. It is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	paths   map[dbus.ObjectPath]string
	log     *zap.Logger
}

func NewTable(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		pending: make(map[string]*Pending),
		paths:   make(map[dbus.ObjectPath]string),
		log:     log,
	}
}

// Issue registers token before its call is sent, so that a response racing
// the method return is not lost.
func (t *Table) Issue(token string, expects Shape, path dbus.ObjectPath) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	p := &Pending{
		Token:   token,
		Expects: expects,
		Path:    path,
		done:    make(chan Response, 1),
	}
	t.pending[token] = p
	if path != "" {
		t.paths[path] = token
	}
	return p, nil
}

// Bind records the request path the portal actually returned for token.
// Portals older than version 0.9 do not honour handle_token.
func (t *Table) Bind(token string, path dbus.ObjectPath) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[token]
	if !ok || p.Path == path {
		return
	}
	if p.Path != "" {
		delete(t.paths, p.Path)
	}
	p.Path = path
	t.paths[path] = token
}

// Complete hands resp to the request issued under token. Unknown tokens are
// ignored and leave the table untouched.
func (t *Table) Complete(token string, resp Response) (*Pending, bool) {
	t.mu.Lock()
	p, ok := t.pending[token]
	if ok {
		t.remove(p)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.done <- resp
	return p, true
}

// CompletePath resolves the token for a Response signal's object path.
func (t *Table) CompletePath(path dbus.ObjectPath, resp Response) (*Pending, bool) {
	t.mu.Lock()
	token, ok := t.paths[path]
	if !ok {
		token = session.TokenFromPath(path)
		if p, known := t.pending[token]; !known || (p.Path != "" && p.Path != path) {
			t.mu.Unlock()
			return nil, false
		}
	}
	t.mu.Unlock()
	return t.Complete(token, resp)
}

// Cancel drops token without completing it. It is a no-op once completed.
func (t *Table) Cancel(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[token]; ok {
		t.remove(p)
	}
}

func (t *Table) remove(p *Pending) {
	delete(t.pending, p.Token)
	if p.Path != "" && t.paths[p.Path] == p.Token {
		delete(t.paths, p.Path)
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pump feeds Response signals into the table until ctx is done or signals
// is closed. Other signals on the channel are skipped.
func (t *Table) Pump(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != ResponseSignal {
				continue
			}
			resp, err := ParseResponse(sig)
			if err != nil {
				t.log.Debug("ignoring malformed response", zap.String("path", string(sig.Path)), zap.Error(err))
				continue
			}
			if _, ok := t.CompletePath(sig.Path, resp); !ok {
				t.log.Debug("ignoring unmatched response", zap.String("path", string(sig.Path)))
			}
		}
	}
}
