package screencast

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"
)

// State is the lifecycle position of a capture grant. It only moves forward.
type State int

const (
	StateNone State = iota
	StateCreated
	StateSourcesSelected
	StateStarted
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCreated:
		return "created"
	case StateSourcesSelected:
		return "sources_selected"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// StreamDescriptor is one video source the user authorized in Start.
type StreamDescriptor struct {
	NodeID     uint32
	Properties map[string]dbus.Variant
}

func (d StreamDescriptor) Size() ([2]int32, bool) {
	return d.int32Pair("size")
}

func (d StreamDescriptor) Position() ([2]int32, bool) {
	return d.int32Pair("position")
}

func (d StreamDescriptor) SourceType() (uint32, bool) {
	v, ok := d.Properties["source_type"]
	if !ok {
		return 0, false
	}
	t, ok := v.Value().(uint32)
	return t, ok
}

func (d StreamDescriptor) ID() (string, bool) {
	return d.stringProperty("id")
}

func (d StreamDescriptor) MappingID() (string, bool) {
	return d.stringProperty("mapping_id")
}

func (d StreamDescriptor) stringProperty(key string) (string, bool) {
	v, ok := d.Properties[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func (d StreamDescriptor) int32Pair(key string) ([2]int32, bool) {
	v, ok := d.Properties[key]
	if !ok {
		return [2]int32{}, false
	}
	return parseInt32Pair(v.Value())
}

// Session is one authorized capture grant. The handle is set once by
// CreateSession; phases advance the state through the Negotiator.
type Session struct {
	handle dbus.ObjectPath

	mu           sync.Mutex
	state        State
	streams      []StreamDescriptor
	restoreToken string
}

func newSession(handle dbus.ObjectPath) *Session {
	return &Session{handle: handle, state: StateCreated}
}

func (s *Session) Handle() dbus.ObjectPath {
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to the next state. Closed is reachable from any
// state; every other transition must be exactly one step forward.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == StateClosed || to == s.state+1 {
		if s.state == StateClosed {
			return fmt.Errorf("%w: session already closed", ErrInvalidTransition)
		}
		s.state = to
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// Streams returns the descriptors authorized by Start in broker order.
func (s *Session) Streams() []StreamDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamDescriptor(nil), s.streams...)
}

// Source returns the active source. Only the first authorized stream is
// used; multi-source capture is not supported.
func (s *Session) Source() (StreamDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return StreamDescriptor{}, false
	}
	return s.streams[0], true
}

// RestoreToken is set when SelectSources asked for a persist mode and the
// portal issued a token for skipping the picker next time.
func (s *Session) RestoreToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreToken
}

func (s *Session) setStarted(streams []StreamDescriptor, restoreToken string) error {
	s.mu.Lock()
	s.streams = streams
	s.restoreToken = restoreToken
	s.mu.Unlock()
	return s.Advance(StateStarted)
}

func parseStreams(value any) []StreamDescriptor {
	var rawStreams [][]any
	if rs, ok := value.([][]any); ok {
		rawStreams = rs
	} else if rs, ok := value.([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return nil
	}

	streams := make([]StreamDescriptor, 0, len(rawStreams))
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}
		nodeID, ok := streamSlice[0].(uint32)
		if !ok {
			continue
		}

		stream := StreamDescriptor{NodeID: nodeID}
		if props, ok := streamSlice[1].(map[string]dbus.Variant); ok {
			stream.Properties = props
		}
		streams = append(streams, stream)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	switch v := value.(type) {
	case []any:
		if len(v) < 2 {
			return [2]int32{}, false
		}
		left, ok := v[0].(int32)
		if !ok {
			return [2]int32{}, false
		}
		right, ok := v[1].(int32)
		if !ok {
			return [2]int32{}, false
		}
		return [2]int32{left, right}, true
	case []int32:
		if len(v) < 2 {
			return [2]int32{}, false
		}
		return [2]int32{v[0], v[1]}, true
	default:
		return [2]int32{}, false
	}
}
