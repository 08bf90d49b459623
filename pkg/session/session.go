// Package session owns the lifecycle of calls: it places and answers them
// through a signaling.Provider, asks the routing engine which persona takes
// each call, binds call audio to the audio pipeline and tears everything
// down again when the call ends.
//
// A session moves Initial → Established → Terminated. A session whose
// signaling fails goes straight to Terminated without ever binding media
// and is reported through a SignalingFailed event; every other session ends
// with exactly one Bye event, published after it has left the active set.
package session

import (
	"errors"
	"time"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/event"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/signaling"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSignalingFailed wraps provider errors while setting up a call.
	ErrSignalingFailed = errors.New("session: signaling failed")
)

// Direction is who placed the call.
type Direction int

const (
	Inbound Direction = iota + 1
	Outbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// CallSession is a snapshot of one call.
type CallSession struct {
	ID        string
	PersonaID string
	RemoteURI signaling.URI
	Direction Direction
	State     signaling.DialogState
	StartTime time.Time
	Duration  time.Duration // set once terminated

	// Routing outcome for inbound calls.
	RuleID  string
	Path    routing.Path
	Actions routing.Actions

	DialogID string
	Handle   pipeline.Handle // zero until media is bound
}

// Connected is published when a session is established and its media bound.
type Connected struct {
	Session CallSession
}

// Bye is published once per established session when it ends. Remote tells
// whether the far end hung up; Err is set when the transport was lost.
type Bye struct {
	Session CallSession
	Remote  bool
	Err     error
}

// SignalingFailed is published when a call could not be set up.
type SignalingFailed struct {
	SessionID string
	PersonaID string
	Direction Direction
	RemoteURI signaling.URI
	Err       error
}

// Disconnected is published when the provider's inbound loop ends because
// the transport went away.
type Disconnected struct {
	Err error
}

// Events holds the manager's typed event buses.
type Events struct {
	Connected       event.Bus[Connected]
	Bye             event.Bus[Bye]
	SignalingFailed event.Bus[SignalingFailed]
	Disconnected    event.Bus[Disconnected]
}

func (e *Events) close() {
	e.Connected.Close()
	e.Bye.Close()
	e.SignalingFailed.Close()
	e.Disconnected.Close()
}
