// Package config loads the callroute YAML configuration and turns it into
// options for the routing engine, audio pipeline, signaling provider and
// record publishers.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/callroute/pkg/audio/dsp"
	"github.com/haivivi/callroute/pkg/audio/pcm"
	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/cdr"
	"github.com/haivivi/callroute/pkg/metrics"
	"github.com/haivivi/callroute/pkg/routing"
)

// DefaultFile is the configuration file looked up when no path is given.
const DefaultFile = "callroute.yaml"

// Config is the whole configuration file.
type Config struct {
	// DefaultPersona answers calls nobody else can take.
	DefaultPersona string `yaml:"default_persona,omitempty"`

	// Timezone is the IANA zone time-based rules are evaluated in.
	Timezone string `yaml:"timezone,omitempty"`

	Personas  []Persona `yaml:"personas,omitempty"`
	Rules     []Rule    `yaml:"rules,omitempty"`
	Audio     Audio     `yaml:"audio,omitempty"`
	Signaling Signaling `yaml:"signaling,omitempty"`
	History   History   `yaml:"history,omitempty"`
	CDR       CDR       `yaml:"cdr,omitempty"`
	Metrics   Metrics   `yaml:"metrics,omitempty"`
	Log       Log       `yaml:"log,omitempty"`
}

// Persona is one roster entry.
type Persona struct {
	ID              string   `yaml:"id"`
	Role            string   `yaml:"role,omitempty"`
	Priority        int      `yaml:"priority,omitempty"`
	MaxCalls        int      `yaml:"max_concurrent_calls,omitempty"`
	Availability    string   `yaml:"availability,omitempty"`
	Specializations []string `yaml:"specializations,omitempty"`
}

// Rule is one routing rule. Every condition set under When must hold.
type Rule struct {
	ID              string   `yaml:"id"`
	Priority        int      `yaml:"priority,omitempty"`
	When            When     `yaml:"when,omitempty"`
	Target          string   `yaml:"target"`
	Notify          []string `yaml:"notify,omitempty"`
	Record          bool     `yaml:"record,omitempty"`
	Transcribe      bool     `yaml:"transcribe,omitempty"`
	RequireApproval bool     `yaml:"require_approval,omitempty"`
}

// When holds the conditions of a rule.
type When struct {
	Keywords []string    `yaml:"keywords,omitempty"`
	Caller   string      `yaml:"caller,omitempty"`
	Between  *TimeWindow `yaml:"between,omitempty"`
	Weekdays []string    `yaml:"weekdays,omitempty"`
	Urgency  string      `yaml:"urgency,omitempty"`
}

// TimeWindow is an "HH:MM" range. End before Start wraps past midnight.
type TimeWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Audio configures the processing pipeline.
type Audio struct {
	SampleRate        int     `yaml:"sample_rate,omitempty"`
	FFTSize           int     `yaml:"fft_size,omitempty"`
	Smoothing         float64 `yaml:"smoothing,omitempty"`
	ActivityThreshold float64 `yaml:"activity_threshold,omitempty"`
	SpatialRadius     float64 `yaml:"spatial_radius,omitempty"`
	Tick              string  `yaml:"tick,omitempty"`
}

// Signaling configures the call transport.
type Signaling struct {
	// URI is our own address, e.g. "sip:sovren@pbx.example.com:5080".
	URI        string   `yaml:"uri,omitempty"`
	Listen     string   `yaml:"listen,omitempty"`
	ICEServers []string `yaml:"ice_servers,omitempty"`
}

// History configures the per-caller interaction store.
type History struct {
	Backend string `yaml:"backend,omitempty"` // memory or badger
	Dir     string `yaml:"dir,omitempty"`
	Limit   int    `yaml:"limit,omitempty"`
}

// CDR configures call detail record publishing. Records are always
// logged; Kafka is used when brokers are set.
type CDR struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen    string `yaml:"listen,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// Default returns the built-in configuration: the seven executive personas
// and the neutral default voice.
func Default() *Config {
	persona := func(id, role string, priority int, specs ...string) Persona {
		return Persona{ID: id, Role: role, Priority: priority, MaxCalls: 3, Specializations: specs}
	}
	return &Config{
		DefaultPersona: routing.DefaultPersonaID,
		Timezone:       "UTC",
		Personas: []Persona{
			persona("cfo", "Chief Financial Officer", 8, "finance", "budget", "investment"),
			persona("cmo", "Chief Marketing Officer", 6, "marketing", "brand", "growth"),
			persona("cto", "Chief Technology Officer", 7, "technology", "engineering", "security"),
			persona("clo", "Chief Legal Officer", 7, "legal", "compliance", "contracts"),
			persona("coo", "Chief Operating Officer", 6, "operations", "logistics", "growth"),
			persona("chro", "Chief Human Resources Officer", 5, "people", "hiring", "culture"),
			persona("cso", "Chief Strategy Officer", 6, "strategy", "partnerships", "investment"),
		},
		Audio: Audio{
			SampleRate:        dsp.DefaultSampleRate,
			FFTSize:           pipeline.DefaultFFTSize,
			Smoothing:         pipeline.DefaultSmoothing,
			ActivityThreshold: pipeline.DefaultActivityThreshold,
			SpatialRadius:     pipeline.DefaultSpatialRadius,
			Tick:              dsp.DefaultTick.String(),
		},
		Signaling: Signaling{
			URI:    "sip:sovren@localhost:5080",
			Listen: ":5080",
		},
		History: History{Backend: "memory", Limit: routing.DefaultHistoryLimit},
		CDR:     CDR{Topic: cdr.DefaultTopic},
		Metrics: Metrics{Listen: ":9090", Namespace: metrics.DefaultNamespace},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path and overlays it on Default. A missing file yields the
// defaults when path is DefaultFile.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultFile {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result. Lists
// given in the file replace the default lists.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return data, nil
}

// Validate checks the configuration for errors the components would
// otherwise report one by one at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultPersona == "" {
		errs = append(errs, errors.New("default_persona is empty"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	seen := make(map[string]bool, len(c.Personas))
	for i, p := range c.Personas {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("personas[%d]: id is empty", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("personas[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.MaxCalls <= 0 {
			errs = append(errs, fmt.Errorf("personas[%d]: max_concurrent_calls must be positive", i))
		}
		if p.Availability != "" && !routing.Availability(p.Availability).Valid() {
			errs = append(errs, fmt.Errorf("personas[%d]: invalid availability %q", i, p.Availability))
		}
	}
	if _, err := c.RoutingRules(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range c.Rules {
		if r.Target != c.DefaultPersona && !seen[r.Target] {
			errs = append(errs, fmt.Errorf("rule %s: unknown target %q", r.ID, r.Target))
		}
	}

	if _, err := pcm.FormatOf(c.Audio.SampleRate); err != nil {
		errs = append(errs, fmt.Errorf("audio.sample_rate: %w", err))
	}
	if n := c.Audio.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.fft_size %d is not a power of two in [32, 32768]", n))
	}
	if s := c.Audio.Smoothing; s < 0 || s >= 1 {
		errs = append(errs, fmt.Errorf("audio.smoothing %v outside [0, 1)", s))
	}
	if d, err := time.ParseDuration(c.Audio.Tick); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("audio.tick %q is not a positive duration", c.Audio.Tick))
	}
	if c.Audio.SpatialRadius <= 0 {
		errs = append(errs, errors.New("audio.spatial_radius must be positive"))
	}

	switch c.History.Backend {
	case "", "memory":
	case "badger":
		if c.History.Dir == "" {
			errs = append(errs, errors.New("history.dir is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not memory or badger", c.History.Backend))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// PersonaIDs returns the roster ids in configuration order.
func (c *Config) PersonaIDs() []string {
	ids := make([]string, len(c.Personas))
	for i, p := range c.Personas {
		ids[i] = p.ID
	}
	return ids
}

// Roster converts the personas into routing profiles.
func (c *Config) Roster() []routing.PersonaProfile {
	roster := make([]routing.PersonaProfile, len(c.Personas))
	for i, p := range c.Personas {
		roster[i] = routing.PersonaProfile{
			ID:                 p.ID,
			Role:               p.Role,
			Priority:           p.Priority,
			Availability:       routing.Availability(p.Availability),
			MaxConcurrentCalls: p.MaxCalls,
			Specializations:    slices.Clone(p.Specializations),
		}
	}
	return roster
}

// RoutingRules converts the rules into routing rules.
func (c *Config) RoutingRules() ([]routing.Rule, error) {
	rules := make([]routing.Rule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rules[%d]: id is empty", i)
		}
		rr, err := r.RoutingRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rr)
	}
	return rules, nil
}

// RoutingRule converts r into a routing rule.
func (r Rule) RoutingRule() (routing.Rule, error) {
	conds, err := r.When.conditions()
	if err != nil {
		return routing.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return routing.Rule{
		ID:         r.ID,
		Priority:   r.Priority,
		Conditions: conds,
		Actions: routing.Actions{
			TargetPersona:   r.Target,
			Notify:          slices.Clone(r.Notify),
			Record:          r.Record,
			Transcribe:      r.Transcribe,
			RequireApproval: r.RequireApproval,
		},
	}, nil
}

func (w When) conditions() ([]routing.Condition, error) {
	var conds []routing.Condition
	add := func(c routing.Condition, err error) error {
		if err != nil {
			return err
		}
		conds = append(conds, c)
		return nil
	}
	if len(w.Keywords) > 0 {
		if err := add(routing.MatchKeywords(w.Keywords...)); err != nil {
			return nil, err
		}
	}
	if w.Caller != "" {
		if err := add(routing.MatchCaller(w.Caller)); err != nil {
			return nil, err
		}
	}
	if w.Between != nil {
		if err := add(routing.MatchTimeWindow(w.Between.Start, w.Between.End)); err != nil {
			return nil, err
		}
	}
	if len(w.Weekdays) > 0 {
		days := make([]time.Weekday, 0, len(w.Weekdays))
		for _, s := range w.Weekdays {
			d, err := parseWeekday(s)
			if err != nil {
				return nil, err
			}
			days = append(days, d)
		}
		if err := add(routing.MatchWeekdays(days...)); err != nil {
			return nil, err
		}
	}
	if w.Urgency != "" {
		if err := add(routing.MatchUrgency(routing.Urgency(w.Urgency))); err != nil {
			return nil, err
		}
	}
	return conds, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
