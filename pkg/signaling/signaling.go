// Package signaling defines the call signaling contract used by the session
// manager: providers that place and receive invites, the invitations
// themselves, and the dialogs they establish.
//
// A Dialog carries one remote audio stream (what the far end says) and one
// LocalMedia (what this end says). Implementations live in subpackages and
// in this package's in-process pipe.
package signaling

import (
	"context"
	"errors"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

var (
	// ErrInvalidURI is returned for malformed addresses.
	ErrInvalidURI = errors.New("signaling: invalid uri")

	// ErrRejected is returned by SendInvite when the callee declines.
	ErrRejected = errors.New("signaling: invite rejected")

	// ErrUnreachable is returned by SendInvite when no endpoint answers at
	// the target address.
	ErrUnreachable = errors.New("signaling: target unreachable")

	// ErrTransportClosed reports loss of the underlying transport.
	ErrTransportClosed = errors.New("signaling: transport closed")

	// ErrInviteCanceled is returned by Accept when the caller gave up
	// before the answer arrived.
	ErrInviteCanceled = errors.New("signaling: invite canceled")

	// ErrAlreadyAnswered is returned when accepting or rejecting an
	// invitation twice.
	ErrAlreadyAnswered = errors.New("signaling: invitation already answered")
)

// DialogState is the signaling state of an invitation or dialog.
type DialogState int

const (
	StateInitial DialogState = iota
	StateEstablished
	StateTerminated
)

// String returns the string representation of the state.
func (s DialogState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateEstablished:
		return "established"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MediaConstraints describe the audio a dialog should carry.
type MediaConstraints struct {
	Audio  bool
	Format pcm.Format // format of the local and remote streams

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultMediaConstraints returns audio-only constraints at 16 kHz with all
// voice processing requested.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		Audio:            true,
		Format:           pcm.L16Mono16K,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Provider places and receives calls.
type Provider interface {
	// CreateURI parses an address. A bare user name is resolved against the
	// provider's own host.
	CreateURI(s string) (URI, error)

	// SendInvite calls target and blocks until the callee answers, declines
	// or ctx is done.
	SendInvite(ctx context.Context, target URI, mc MediaConstraints) (Dialog, error)

	// Listen delivers inbound invitations to handler, each on its own
	// goroutine, until ctx is done (returning ctx.Err()) or the transport
	// fails (returning an error wrapping ErrTransportClosed).
	Listen(ctx context.Context, handler func(Invitation)) error
}

// Invitation is an inbound call waiting for an answer.
type Invitation interface {
	ID() string
	RemoteURI() URI
	Constraints() MediaConstraints

	// ReportedState is StateInitial until answered, StateEstablished once
	// accepted and StateTerminated once rejected or canceled.
	ReportedState() DialogState

	// Accept answers the call.
	Accept(ctx context.Context) (Dialog, error)

	// Reject declines the call.
	Reject(ctx context.Context, reason string) error
}

// Dialog is an established call leg.
type Dialog interface {
	ID() string
	RemoteURI() URI
	State() DialogState

	// RemoteStream is the audio received from the far end.
	RemoteStream() pcm.Stream

	// LocalStream is the audio sent to the far end.
	LocalStream() *LocalMedia

	// OnBye registers fn to run once when the far end hangs up (err is nil)
	// or the transport fails. It is not called for a local Bye. If the
	// dialog is already terminated fn runs immediately.
	OnBye(fn func(err error))

	// Bye hangs up. It is idempotent.
	Bye(ctx context.Context) error
}
