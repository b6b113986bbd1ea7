package screencast

import (
	"errors"
	"fmt"
)

var (
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrMissingField      = errors.New("response missing required field")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNoStreams         = errors.New("portal returned no streams")
)

// Phase names a step of the broker handshake.
type Phase string

const (
	PhaseCreateSession      Phase = "CreateSession"
	PhaseSelectSources      Phase = "SelectSources"
	PhaseStart              Phase = "Start"
	PhaseOpenPipeWireRemote Phase = "OpenPipeWireRemote"
)

// HandshakeError reports which phase failed and why. Kind is one of the
// package sentinels; Field names the missing response entry, if any.
type HandshakeError struct {
	Phase Phase
	Kind  error
	Field string
	Err   error
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("screencast %s: %v", e.Phase, e.Kind)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
