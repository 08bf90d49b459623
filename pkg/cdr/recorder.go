package cdr

import (
	"context"
	"log/slog"
	"time"

	"github.com/haivivi/callroute/pkg/event"
	"github.com/haivivi/callroute/pkg/session"
)

// Recorder turns session terminal events into records.
type Recorder struct {
	pub      Publisher
	byes     *event.Subscription[session.Bye]
	failures *event.Subscription[session.SignalingFailed]

	now    func() time.Time
	logger *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the time source for failure records.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the logger publish errors are reported to.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder subscribes to events and returns a Recorder publishing to
// pub. Events published before NewRecorder returns are not recorded.
func NewRecorder(pub Publisher, events *session.Events, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		pub:      pub,
		byes:     events.Bye.Subscribe(0),
		failures: events.SignalingFailed.Subscribe(0),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run publishes a record for every Bye and SignalingFailed until ctx is
// done or both buses are closed. It returns nil in the latter case.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.byes.Close()
	defer r.failures.Close()

	byeC, failC := r.byes.C(), r.failures.C()
	for byeC != nil || failC != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-byeC:
			if !ok {
				byeC = nil
				continue
			}
			r.publish(ctx, FromBye(ev))
		case ev, ok := <-failC:
			if !ok {
				failC = nil
				continue
			}
			r.publish(ctx, FromSignalingFailed(ev, r.now()))
		}
	}
	return nil
}

func (r *Recorder) publish(ctx context.Context, rec Record) {
	if err := r.pub.Publish(ctx, rec); err != nil {
		r.logger.Error("cdr: publish failed", "session", rec.SessionID, "error", err)
	}
}
