package session

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	Interface     = "org.freedesktop.portal.Session"
	ClosedMember  = "Closed"
	ClosedSignal  = Interface + "." + ClosedMember
	closeCallName = Interface + ".Close"

	requestPathPrefix = "/org/freedesktop/portal/desktop/request/"
	sessionPathPrefix = "/org/freedesktop/portal/desktop/session/"
)

// Caller is the subset of the bus needed to close a session.
type Caller interface {
	CallOnObject(path dbus.ObjectPath, callName string, args ...any) error
}

func Close(bus Caller, path dbus.ObjectPath) error {
	return bus.CallOnObject(path, closeCallName)
}

// GenerateToken returns a fresh token that is a valid object path element.
func GenerateToken() string {
	return "screenrelay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SenderElement turns a unique bus name such as ":1.42" into the form the
// portal embeds in object paths ("1_42").
func SenderElement(uniqueName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(uniqueName, ":"), ".", "_")
}

// RequestPath predicts the Request object the portal will create for token.
func RequestPath(uniqueName, token string) dbus.ObjectPath {
	return dbus.ObjectPath(requestPathPrefix + SenderElement(uniqueName) + "/" + token)
}

// SessionPath predicts the Session object the portal will create for token.
func SessionPath(uniqueName, token string) dbus.ObjectPath {
	return dbus.ObjectPath(sessionPathPrefix + SenderElement(uniqueName) + "/" + token)
}

// TokenFromPath returns the last element of a request or session path.
func TokenFromPath(path dbus.ObjectPath) string {
	s := string(path)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WatchClosed returns a channel closed once a Session.Closed signal for path
// arrives on signals, or done is closed.
func WatchClosed(done <-chan struct{}, signals <-chan *dbus.Signal, path dbus.ObjectPath) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name == ClosedSignal && sig.Path == path {
					return
				}
			}
		}
	}()
	return closed
}
