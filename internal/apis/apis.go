package apis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

var ErrNoUniqueName = errors.New("session bus connection has no unique name")

// Conn is a private session bus connection to the desktop portal.
type Conn struct {
	conn *dbus.Conn

	mu      sync.Mutex
	signals []chan *dbus.Signal
}

// Connect opens a private session bus connection so that closing it never
// tears down the process-wide shared bus.
func Connect() (*Conn, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	c := &Conn{conn: conn}
	if c.UniqueName() == "" {
		_ = conn.Close()
		return nil, ErrNoUniqueName
	}
	return c, nil
}

// UniqueName returns the bus-assigned name of this connection, e.g. ":1.42".
func (c *Conn) UniqueName() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Call invokes callName on the portal object and returns its single result.
func (c *Conn) Call(callName string, args ...any) (any, error) {
	call, err := c.callOnObject(ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, err
}

func (c *Conn) CallOnObject(path dbus.ObjectPath, callName string, args ...any) error {
	_, err := c.callOnObject(path, callName, args...)
	return err
}

func (c *Conn) callOnObject(path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	obj := c.conn.Object(ObjectName, path)
	call := obj.Call(callName, 0, args...)
	return call, call.Err
}

func (c *Conn) GetProperty(interfaceName, property string) (any, error) {
	obj := c.conn.Object(ObjectName, ObjectPath)
	call := obj.Call(PropertiesGetName, 0, interfaceName, property)
	if call.Err != nil {
		return nil, call.Err
	}

	var value any
	err := call.Store(&value)
	return value, err
}

// Subscribe adds a match rule for iface.signalName emitted by the portal and
// returns a buffered signal channel. The bus fans every matched signal out to
// every channel, so receivers must still filter on Signal.Name.
func (c *Conn) Subscribe(iface, signalName string) (<-chan *dbus.Signal, error) {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchSender(ObjectName),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(signalName),
	); err != nil {
		return nil, err
	}

	signal := make(chan *dbus.Signal, 16)
	c.conn.Signal(signal)

	c.mu.Lock()
	c.signals = append(c.signals, signal)
	c.mu.Unlock()
	return signal, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	for _, ch := range c.signals {
		c.conn.RemoveSignal(ch)
	}
	c.signals = nil
	c.mu.Unlock()
	return c.conn.Close()
}
