// Package cdr produces call detail records for finished calls and hands
// them to publishers such as Kafka or the process log.
package cdr

import (
	"context"
	"errors"
	"time"

	"github.com/haivivi/callroute/pkg/session"
)

// Outcome is how a call ended.
type Outcome string

const (
	// OutcomeCompleted means the local side hung up.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRemoteBye means the far end hung up.
	OutcomeRemoteBye Outcome = "remote_bye"
	// OutcomeTransportLost means the call ended because the transport failed.
	OutcomeTransportLost Outcome = "transport_lost"
	// OutcomeSignalingFailed means the call was never set up.
	OutcomeSignalingFailed Outcome = "signaling_failed"
)

// Record is one call detail record.
type Record struct {
	SessionID string        `json:"session_id"`
	PersonaID string        `json:"persona_id"`
	Direction string        `json:"direction"`
	RemoteURI string        `json:"remote_uri"`
	Start     time.Time     `json:"start,omitzero"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration_ns"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`

	RuleID     string   `json:"rule_id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Record     bool     `json:"record,omitempty"`
	Transcribe bool     `json:"transcribe,omitempty"`
	Notify     []string `json:"notify,omitempty"`
}

// Publisher delivers records somewhere.
type Publisher interface {
	Publish(ctx context.Context, r Record) error
}

// FromBye builds the record of an established call that ended.
func FromBye(ev session.Bye) Record {
	s := ev.Session
	r := Record{
		SessionID:  s.ID,
		PersonaID:  s.PersonaID,
		Direction:  s.Direction.String(),
		RemoteURI:  s.RemoteURI.String(),
		Start:      s.StartTime,
		End:        s.StartTime.Add(s.Duration),
		Duration:   s.Duration,
		RuleID:     s.RuleID,
		Record:     s.Actions.Record,
		Transcribe: s.Actions.Transcribe,
		Notify:     s.Actions.Notify,
	}
	if s.Path != 0 {
		r.Path = s.Path.String()
	}
	switch {
	case ev.Err != nil:
		r.Outcome = OutcomeTransportLost
		r.Error = ev.Err.Error()
	case ev.Remote:
		r.Outcome = OutcomeRemoteBye
	default:
		r.Outcome = OutcomeCompleted
	}
	return r
}

// FromSignalingFailed builds the record of a call that could not be set
// up. at is when the failure was observed.
func FromSignalingFailed(ev session.SignalingFailed, at time.Time) Record {
	r := Record{
		SessionID: ev.SessionID,
		PersonaID: ev.PersonaID,
		Direction: ev.Direction.String(),
		End:       at,
		Outcome:   OutcomeSignalingFailed,
	}
	if !ev.RemoteURI.IsZero() {
		r.RemoteURI = ev.RemoteURI.String()
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	return r
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, r Record) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
