package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultPersonaID is the persona returned when nobody else can take a call.
const DefaultPersonaID = "sovren-ai"

// Sentinel errors.
var (
	// ErrUnknownPersona is returned for persona ids not in the roster.
	ErrUnknownPersona = errors.New("routing: unknown persona")

	// ErrPersonaUnavailable is returned by Acquire when the persona is not
	// available or already at capacity.
	ErrPersonaUnavailable = errors.New("routing: persona unavailable")

	// ErrDuplicateRule is returned by AddRule for an id already present.
	ErrDuplicateRule = errors.New("routing: duplicate rule")

	// ErrNoPersonaAvailable is carried by RoutingFailed events when the
	// default persona had to be used.
	ErrNoPersonaAvailable = errors.New("routing: no persona available")
)

// Option configures an Engine.
type Option interface {
	apply(*Engine)
}

type optionFunc func(*Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// WithDefaultPersona sets the persona of last resort. Defaults to
// DefaultPersonaID. It does not have to be part of the roster; when it is,
// its load is tracked like any other persona.
func WithDefaultPersona(id string) Option {
	return optionFunc(func(e *Engine) { e.defaultPersona = id })
}

// WithHistory sets the caller history store. Defaults to a MemoryHistory.
func WithHistory(h History) Option {
	return optionFunc(func(e *Engine) { e.history = h })
}

// WithRules installs the initial rule set.
func WithRules(rules ...Rule) Option {
	return optionFunc(func(e *Engine) { e.initialRules = append(e.initialRules, rules...) })
}

// WithClock overrides the time source used to stamp call contexts.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(e *Engine) { e.now = now })
}

// WithLocation sets the time zone time-based conditions are evaluated in.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return optionFunc(func(e *Engine) { e.loc = loc })
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Engine) { e.logger = l })
}

// Assignment is the outcome of routing one call.
type Assignment struct {
	PersonaID string
	Context   CallContext
	Rule      *Rule // the selected rule when Path is PathRule
	Path      Path
}

// Engine assigns calls to personas and tracks their load.
//
// It is safe to call methods on Engine from multiple goroutines.
type Engine struct {
	defaultPersona string
	history        History
	now            func() time.Time
	loc            *time.Location
	logger         *slog.Logger
	initialRules   []Rule

	events Events

	mu     sync.Mutex
	roster []*PersonaProfile // roster order
	byID   map[string]*PersonaProfile
	rules  []Rule // descending priority
}

// New creates an Engine over the given roster.
func New(roster []PersonaProfile, opts ...Option) (*Engine, error) {
	e := &Engine{
		defaultPersona: DefaultPersonaID,
		now:            time.Now,
		loc:            time.Local,
		logger:         slog.Default(),
		byID:           make(map[string]*PersonaProfile, len(roster)),
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	if e.history == nil {
		e.history = NewMemoryHistory(DefaultHistoryLimit)
	}
	if e.defaultPersona == "" {
		return nil, errors.New("routing: default persona is empty")
	}
	for i := range roster {
		p := roster[i].clone()
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := e.byID[p.ID]; dup {
			return nil, fmt.Errorf("routing: duplicate persona %s", p.ID)
		}
		e.roster = append(e.roster, &p)
		e.byID[p.ID] = &p
	}
	for _, r := range e.initialRules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	e.initialRules = nil
	return e, nil
}

// Events returns the engine's event buses.
func (e *Engine) Events() *Events {
	return &e.events
}

// DefaultPersona returns the persona of last resort.
func (e *Engine) DefaultPersona() string {
	return e.defaultPersona
}

// Assign routes a call from callerID to exactly one persona and increments
// that persona's load. hint supplies optional context (urgency, keywords,
// metadata, timestamp); nil means none. Assign never fails: if the context
// cannot be built or nobody is available, the default persona is returned.
func (e *Engine) Assign(ctx context.Context, callerID string, hint *CallContext) Assignment {
	cc, err := e.buildContext(ctx, callerID, hint)
	if err != nil {
		e.logger.Error("routing: build call context failed, using default persona",
			"caller", callerID, "error", err)
		e.events.Failed.Publish(RoutingFailed{CallerID: callerID, Err: err})
		a := Assignment{PersonaID: e.defaultPersona, Context: cc, Path: PathDefault}
		e.mu.Lock()
		load, tracked := e.incrementLocked(a.PersonaID)
		e.mu.Unlock()
		return e.publish(a, load, tracked)
	}

	a, load, tracked := e.selectPersona(&cc)
	if a.Path == PathDefault {
		e.logger.Warn("routing: no persona available, using default",
			"caller", callerID, "persona", a.PersonaID)
		e.events.Failed.Publish(RoutingFailed{CallerID: callerID, Err: ErrNoPersonaAvailable})
	}
	return e.publish(a, load, tracked)
}

// publish announces an assignment whose load has already been taken.
func (e *Engine) publish(a Assignment, load int, tracked bool) Assignment {
	if tracked {
		e.events.LoadBalanced.Publish(LoadBalanced{PersonaID: a.PersonaID, NewLoad: load})
	}
	ev := ExecutiveAssigned{
		CallerID:  a.Context.CallerID,
		PersonaID: a.PersonaID,
		Context:   a.Context.Clone(),
		Path:      a.Path,
	}
	if a.Rule != nil {
		ev.RuleID = a.Rule.ID
	}
	e.events.Assigned.Publish(ev)
	e.logger.Debug("routing: assigned", "caller", ev.CallerID, "persona", a.PersonaID,
		"path", a.Path.String(), "rule", ev.RuleID)
	return a
}

// buildContext validates the hint and records the call in the caller
// history, which also yields the previous interaction count.
func (e *Engine) buildContext(ctx context.Context, callerID string, hint *CallContext) (CallContext, error) {
	cc := CallContext{
		CallerID:  callerID,
		Urgency:   UrgencyMedium,
		Timestamp: e.now(),
	}
	if hint != nil {
		h := hint.Clone()
		cc.Metadata = h.Metadata
		cc.Keywords = h.Keywords
		if h.Urgency != "" {
			if _, err := ParseUrgency(string(h.Urgency)); err != nil {
				return cc, err
			}
			cc.Urgency = h.Urgency
		}
		if !h.Timestamp.IsZero() {
			cc.Timestamp = h.Timestamp
		}
	}
	prev, err := e.history.Append(ctx, cc)
	if err != nil {
		return cc, err
	}
	cc.PreviousInteractions = prev
	return cc, nil
}

// selectPersona walks the matching rules, then load balancing, then the
// default persona, and takes one unit of load on the chosen persona in the
// same critical section.
func (e *Engine) selectPersona(cc *CallContext) (a Assignment, load int, tracked bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a = e.chooseLocked(cc)
	load, tracked = e.incrementLocked(a.PersonaID)
	return a, load, tracked
}

func (e *Engine) chooseLocked(cc *CallContext) Assignment {
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Matches(cc, e.loc) {
			continue
		}
		p := e.byID[r.Actions.TargetPersona]
		if p == nil || !p.CanTakeCall() {
			continue
		}
		rule := r.clone()
		return Assignment{PersonaID: p.ID, Context: *cc, Rule: &rule, Path: PathRule}
	}

	if p := e.leastLoadedLocked(); p != nil {
		return Assignment{PersonaID: p.ID, Context: *cc, Path: PathLoadBalanced}
	}
	return Assignment{PersonaID: e.defaultPersona, Context: *cc, Path: PathDefault}
}

// leastLoadedLocked returns the available persona with the lowest load,
// preferring higher priority and then roster order on ties.
func (e *Engine) leastLoadedLocked() *PersonaProfile {
	var best *PersonaProfile
	for _, p := range e.roster {
		if !p.CanTakeCall() {
			continue
		}
		if best == nil ||
			p.CurrentLoad < best.CurrentLoad ||
			(p.CurrentLoad == best.CurrentLoad && p.Priority > best.Priority) {
			best = p
		}
	}
	return best
}

func (e *Engine) incrementLocked(id string) (int, bool) {
	p := e.byID[id]
	if p == nil {
		return 0, false
	}
	p.CurrentLoad++
	return p.CurrentLoad, true
}

func (e *Engine) decrementLocked(id string) (int, bool) {
	p := e.byID[id]
	if p == nil {
		return 0, false
	}
	if p.CurrentLoad > 0 {
		p.CurrentLoad--
	}
	return p.CurrentLoad, true
}

// Release decrements the persona's load by one, never below zero. Unknown
// ids are ignored.
func (e *Engine) Release(personaID string) {
	e.mu.Lock()
	load, ok := e.decrementLocked(personaID)
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("routing: release of untracked persona", "persona", personaID)
		return
	}
	e.events.LoadBalanced.Publish(LoadBalanced{PersonaID: personaID, NewLoad: load})
}

// Acquire increments the load of a persona chosen by the caller, e.g. for an
// outbound call placed on its behalf. The default persona may always be
// acquired; any other persona must be able to take a call.
func (e *Engine) Acquire(personaID string) error {
	e.mu.Lock()
	p := e.byID[personaID]
	switch {
	case p == nil && personaID == e.defaultPersona:
		e.mu.Unlock()
		return nil
	case p == nil:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	case personaID != e.defaultPersona && !p.CanTakeCall():
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPersonaUnavailable, personaID)
	}
	load, _ := e.incrementLocked(personaID)
	e.mu.Unlock()
	e.events.LoadBalanced.Publish(LoadBalanced{PersonaID: personaID, NewLoad: load})
	return nil
}

// SetAvailability changes a persona's availability.
func (e *Engine) SetAvailability(personaID string, a Availability) error {
	if !a.Valid() {
		return fmt.Errorf("routing: invalid availability %q", a)
	}
	e.mu.Lock()
	p := e.byID[personaID]
	if p == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}
	changed := p.Availability != a
	p.Availability = a
	e.mu.Unlock()

	if changed {
		e.logger.Info("routing: availability changed", "persona", personaID, "availability", string(a))
		e.events.Availability.Publish(AvailabilityChanged{PersonaID: personaID, Availability: a})
	}
	return nil
}

// FindAlternative returns the highest-priority available persona sharing at
// least one specialization with personaID, or the default persona.
func (e *Engine) FindAlternative(personaID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.alternativeLocked(personaID); p != nil {
		return p.ID
	}
	return e.defaultPersona
}

func (e *Engine) alternativeLocked(personaID string) *PersonaProfile {
	orig := e.byID[personaID]
	if orig == nil {
		return nil
	}
	var best *PersonaProfile
	for _, p := range e.roster {
		if p.ID == personaID || !p.CanTakeCall() || !p.Shares(orig) {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// Reassign moves one unit of load from personaID to its alternative (see
// FindAlternative) and returns the new persona.
func (e *Engine) Reassign(personaID string) string {
	e.mu.Lock()
	oldLoad, hadOld := e.decrementLocked(personaID)
	next := e.defaultPersona
	if p := e.alternativeLocked(personaID); p != nil {
		next = p.ID
	}
	newLoad, hasNew := e.incrementLocked(next)
	e.mu.Unlock()

	if hadOld {
		e.events.LoadBalanced.Publish(LoadBalanced{PersonaID: personaID, NewLoad: oldLoad})
	}
	if hasNew {
		e.events.LoadBalanced.Publish(LoadBalanced{PersonaID: next, NewLoad: newLoad})
	}
	e.logger.Info("routing: reassigned", "from", personaID, "to", next)
	return next
}

// AddRule validates r and inserts it, keeping rules sorted by descending
// priority.
func (e *Engine) AddRule(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.ContainsFunc(e.rules, func(x Rule) bool { return x.ID == r.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	e.rules = append(e.rules, r.clone())
	sortRules(e.rules)
	return nil
}

// RemoveRule deletes the rule with the given id and reports whether it
// existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.rules)
	e.rules = slices.DeleteFunc(e.rules, func(r Rule) bool { return r.ID == ruleID })
	return len(e.rules) != n
}

// Rules returns a snapshot of the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].clone()
	}
	return out
}

// Persona returns a snapshot of one persona.
func (e *Engine) Persona(id string) (PersonaProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.byID[id]
	if p == nil {
		return PersonaProfile{}, false
	}
	return p.clone(), true
}

// Personas returns a snapshot of the roster in roster order.
func (e *Engine) Personas() []PersonaProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PersonaProfile, len(e.roster))
	for i, p := range e.roster {
		out[i] = p.clone()
	}
	return out
}

// Close releases the history store.
func (e *Engine) Close() error {
	return e.history.Close()
}
