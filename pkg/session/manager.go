package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/callroute/pkg/audio/pcm"
	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/signaling"
)

// Router is the part of the routing engine the manager uses.
type Router interface {
	Assign(ctx context.Context, callerID string, hint *routing.CallContext) routing.Assignment
	Acquire(personaID string) error
	Release(personaID string)
	Reassign(personaID string) string
	Persona(id string) (routing.PersonaProfile, bool)
	DefaultPersona() string
}

// Processor is the part of the audio pipeline the manager uses.
type Processor interface {
	ProcessInbound(stream pcm.Stream, personaID string) (pipeline.Handle, error)
	ProcessOutbound(stream pcm.Stream, personaID string) (pipeline.Handle, error)
	StopProcessing(stream pcm.Stream) int
}

var (
	_ Router    = (*routing.Engine)(nil)
	_ Processor = (*pipeline.Pipeline)(nil)
)

// Synthesizer produces speech for a persona. Synthesize writes 16-bit
// little-endian PCM in the dialog's format to w until it is done or ctx is
// canceled, which happens when the session ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, personaID, sessionID string, w io.Writer) error
}

// HintFunc derives routing hints from an inbound invitation.
type HintFunc func(inv signaling.Invitation) *routing.CallContext

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) { f(m) }

// WithSynthesizer streams synthesized speech into every outbound call.
func WithSynthesizer(s Synthesizer) Option {
	return optionFunc(func(m *Manager) { m.synth = s })
}

// WithMediaConstraints sets the constraints offered on outbound calls.
func WithMediaConstraints(mc signaling.MediaConstraints) Option {
	return optionFunc(func(m *Manager) { m.constraints = mc })
}

// WithHint replaces the default invitation hint, which reads the urgency
// and keywords parameters of the caller's URI.
func WithHint(fn HintFunc) Option {
	return optionFunc(func(m *Manager) { m.hint = fn })
}

// WithClock sets the time source for start times and durations.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Manager) { m.now = now })
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Manager) { m.logger = l })
}

// Manager tracks active calls.
//
// It is safe to call methods on Manager from multiple goroutines.
type Manager struct {
	provider    signaling.Provider
	router      Router
	proc        Processor
	synth       Synthesizer
	constraints signaling.MediaConstraints
	hint        HintFunc
	now         func() time.Time
	logger      *slog.Logger

	events Events

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	info   CallSession
	dialog signaling.Dialog
	stream pcm.Stream // bound to the pipeline, nil until established

	// cancel aborts a pending invite or accept, and the synthesizer once
	// established.
	cancel   context.CancelFunc
	canceled bool
	done     bool
}

// New creates a Manager.
func New(provider signaling.Provider, router Router, proc Processor, opts ...Option) *Manager {
	m := &Manager{
		provider:    provider,
		router:      router,
		proc:        proc,
		constraints: signaling.DefaultMediaConstraints(),
		hint:        URIHint,
		now:         time.Now,
		logger:      slog.Default(),
		sessions:    make(map[string]*session),
	}
	for _, o := range opts {
		o.apply(m)
	}
	return m
}

// Events returns the manager's event buses.
func (m *Manager) Events() *Events {
	return &m.events
}

// URIHint reads routing hints from the caller's URI parameters:
// urgency=<low|medium|high|critical> and keywords=<a,b,...>. Unknown
// urgencies are ignored.
func URIHint(inv signaling.Invitation) *routing.CallContext {
	u := inv.RemoteURI()
	cc := &routing.CallContext{
		Metadata: map[string]string{"remote_uri": u.String()},
	}
	if v := u.Params["urgency"]; v != "" {
		if urg, err := routing.ParseUrgency(strings.ToLower(v)); err == nil {
			cc.Urgency = urg
		}
	}
	if v := u.Params["keywords"]; v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cc.Keywords = append(cc.Keywords, k)
			}
		}
	}
	return cc
}

func (m *Manager) register(info CallSession) (*session, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{info: info, cancel: cancel}
	m.mu.Lock()
	m.sessions[info.ID] = s
	m.mu.Unlock()
	return s, ctx
}

// InitiateOutbound calls target on behalf of personaID (the default persona
// when empty). It returns once the callee answered and the local stream is
// bound to the pipeline.
func (m *Manager) InitiateOutbound(ctx context.Context, target, personaID string) (CallSession, error) {
	if personaID == "" {
		personaID = m.router.DefaultPersona()
	}
	if err := m.router.Acquire(personaID); err != nil {
		return CallSession{}, fmt.Errorf("session: persona %s: %w", personaID, err)
	}
	s, sctx := m.register(CallSession{
		ID:        uuid.New().String(),
		PersonaID: personaID,
		Direction: Outbound,
		State:     signaling.StateInitial,
		StartTime: m.now(),
	})

	uri, err := m.provider.CreateURI(target)
	if err != nil {
		return CallSession{}, m.fail(s, err)
	}
	m.mu.Lock()
	s.info.RemoteURI = uri
	m.mu.Unlock()

	ictx, stop := mergeCancel(ctx, sctx)
	dialog, err := m.provider.SendInvite(ictx, uri, m.constraints)
	stop()
	if err != nil {
		return CallSession{}, m.fail(s, err)
	}
	return m.establish(s, dialog, dialog.LocalStream(), m.proc.ProcessOutbound)
}

// HandleInbound routes and answers an invitation. The persona is assigned
// before the call is accepted; if it stopped being available by the time
// the call is answered, the call is reassigned to an alternative.
func (m *Manager) HandleInbound(ctx context.Context, inv signaling.Invitation) (CallSession, error) {
	remote := inv.RemoteURI()
	a := m.router.Assign(ctx, remote.AOR(), m.hint(inv))
	info := CallSession{
		ID:        uuid.New().String(),
		PersonaID: a.PersonaID,
		RemoteURI: remote,
		Direction: Inbound,
		State:     signaling.StateInitial,
		StartTime: m.now(),
		Path:      a.Path,
	}
	if a.Rule != nil {
		info.RuleID = a.Rule.ID
		info.Actions = a.Rule.Actions
	}
	s, sctx := m.register(info)
	m.logger.Info("session: inbound call", "session", info.ID, "remote", remote.String(),
		"persona", a.PersonaID, "path", a.Path.String())

	actx, stop := mergeCancel(ctx, sctx)
	dialog, err := inv.Accept(actx)
	stop()
	if err != nil {
		if inv.ReportedState() == signaling.StateInitial {
			inv.Reject(context.Background(), "not answered")
		}
		return CallSession{}, m.fail(s, err)
	}

	if p, ok := m.router.Persona(a.PersonaID); ok && p.Availability != routing.Available {
		next := m.router.Reassign(a.PersonaID)
		m.logger.Warn("session: persona became unavailable, reassigned",
			"session", info.ID, "from", a.PersonaID, "to", next)
		m.mu.Lock()
		s.info.PersonaID = next
		m.mu.Unlock()
	}
	return m.establish(s, dialog, dialog.RemoteStream(), m.proc.ProcessInbound)
}

// establish binds stream and moves s to Established. A call whose media
// cannot be bound is hung up and reported as a signaling failure; it never
// publishes Connected.
func (m *Manager) establish(s *session, dialog signaling.Dialog, stream pcm.Stream,
	bind func(pcm.Stream, string) (pipeline.Handle, error)) (CallSession, error) {
	m.mu.Lock()
	if s.canceled {
		// Terminated while the answer was in flight.
		m.mu.Unlock()
		dialog.Bye(context.Background())
		return CallSession{}, m.fail(s, context.Canceled)
	}
	s.dialog = dialog
	s.info.DialogID = dialog.ID()
	s.info.State = signaling.StateEstablished
	persona := s.info.PersonaID
	m.mu.Unlock()

	h, err := bind(stream, persona)
	if err != nil {
		m.logger.Error("session: bind media failed", "session", s.info.ID, "error", err)
		dialog.Bye(context.Background())
		return CallSession{}, m.fail(s, fmt.Errorf("bind media: %w", err))
	}
	m.mu.Lock()
	if s.done {
		// Terminated while the media was being bound.
		m.mu.Unlock()
		m.proc.StopProcessing(stream)
		return CallSession{}, fmt.Errorf("%w: %w", ErrSignalingFailed, context.Canceled)
	}
	s.stream = stream
	s.info.Handle = h
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel()
	s.cancel = cancel
	snap := s.info
	m.mu.Unlock()

	dialog.OnBye(func(err error) { m.finish(s, true, err) })
	if m.synth != nil && snap.Direction == Outbound {
		go m.synthesize(sctx, snap, dialog.LocalStream())
	}

	m.logger.Info("session: established", "session", snap.ID, "persona", snap.PersonaID,
		"direction", snap.Direction.String(), "remote", snap.RemoteURI.String())
	m.events.Connected.Publish(Connected{Session: snap})
	return snap, nil
}

func (m *Manager) synthesize(ctx context.Context, s CallSession, w io.Writer) {
	err := m.synth.Synthesize(ctx, s.PersonaID, s.ID, w)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("session: synthesis failed", "session", s.ID, "persona", s.PersonaID, "error", err)
	}
}

// fail ends a session that never got established.
func (m *Manager) fail(s *session, cause error) error {
	m.mu.Lock()
	if s.done {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSignalingFailed, cause)
	}
	s.done = true
	s.info.State = signaling.StateTerminated
	s.info.Duration = m.now().Sub(s.info.StartTime)
	delete(m.sessions, s.info.ID)
	s.cancel()
	info := s.info
	m.mu.Unlock()

	m.router.Release(info.PersonaID)
	m.logger.Warn("session: signaling failed", "session", info.ID, "remote", info.RemoteURI.String(),
		"persona", info.PersonaID, "error", cause)
	m.events.SignalingFailed.Publish(SignalingFailed{
		SessionID: info.ID,
		PersonaID: info.PersonaID,
		Direction: info.Direction,
		RemoteURI: info.RemoteURI,
		Err:       cause,
	})
	return fmt.Errorf("%w: %w", ErrSignalingFailed, cause)
}

// finish ends an established session. Only the first call has any effect.
func (m *Manager) finish(s *session, remote bool, cause error) {
	m.mu.Lock()
	if s.done {
		m.mu.Unlock()
		return
	}
	s.done = true
	s.info.State = signaling.StateTerminated
	s.info.Duration = m.now().Sub(s.info.StartTime)
	delete(m.sessions, s.info.ID)
	s.cancel()
	info, stream := s.info, s.stream
	m.mu.Unlock()

	if stream != nil {
		m.proc.StopProcessing(stream)
	}
	m.router.Release(info.PersonaID)
	m.logger.Info("session: terminated", "session", info.ID, "persona", info.PersonaID,
		"duration", info.Duration, "remote_bye", remote, "error", cause)
	m.events.Bye.Publish(Bye{Session: info, Remote: remote, Err: cause})
}

// Terminate hangs up a session. A session still being set up has its
// invite, answer or media binding aborted; the pending InitiateOutbound or
// HandleInbound then returns ErrSignalingFailed.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.info.State == signaling.StateInitial {
		s.canceled = true
		s.cancel()
		m.mu.Unlock()
		return nil
	}
	dialog := s.dialog
	m.mu.Unlock()

	m.finish(s, false, nil)
	if err := dialog.Bye(ctx); err != nil {
		m.logger.Warn("session: bye failed", "session", id, "error", err)
	}
	return nil
}

// Session returns a snapshot of an active session.
func (m *Manager) Session(id string) (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return CallSession{}, false
	}
	return s.info, true
}

// Sessions returns snapshots of every active session ordered by start time.
func (m *Manager) Sessions() []CallSession {
	m.mu.Lock()
	out := make([]CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b CallSession) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Listen answers inbound calls until ctx is done or the provider's
// transport goes away, in which case a Disconnected event is published.
func (m *Manager) Listen(ctx context.Context) error {
	err := m.provider.Listen(ctx, func(inv signaling.Invitation) {
		if _, err := m.HandleInbound(ctx, inv); err != nil {
			m.logger.Warn("session: inbound call failed", "remote", inv.RemoteURI().String(), "error", err)
		}
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("session: provider disconnected", "error", err)
		m.events.Disconnected.Publish(Disconnected{Err: err})
	}
	return err
}

// Close hangs up every session and closes the event buses.
func (m *Manager) Close() error {
	for _, s := range m.Sessions() {
		m.Terminate(context.Background(), s.ID)
	}
	m.events.close()
	return nil
}

// mergeCancel returns a context canceled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
