package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/haivivi/callroute/pkg/audio/dsp"
	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/cdr"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/signaling"
	"github.com/haivivi/callroute/pkg/signaling/rtc"
)

// Location returns the zone time-based rules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OpenHistory opens the configured history backend.
func (c *Config) OpenHistory(logger *slog.Logger) (routing.History, error) {
	switch c.History.Backend {
	case "badger":
		return routing.NewBadgerHistory(routing.BadgerHistoryOptions{
			Dir:    c.History.Dir,
			Limit:  c.History.Limit,
			Logger: logger,
		})
	case "", "memory":
		return routing.NewMemoryHistory(c.History.Limit), nil
	}
	return nil, fmt.Errorf("config: unknown history backend %q", c.History.Backend)
}

// NewEngine builds the routing engine. The engine owns history and closes
// it on Close.
func (c *Config) NewEngine(history routing.History, logger *slog.Logger) (*routing.Engine, error) {
	logger = orDefault(logger)
	rules, err := c.RoutingRules()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts := []routing.Option{
		routing.WithDefaultPersona(c.DefaultPersona),
		routing.WithRules(rules...),
		routing.WithLocation(c.Location()),
		routing.WithLogger(logger),
	}
	if history != nil {
		opts = append(opts, routing.WithHistory(history))
	}
	return routing.New(c.Roster(), opts...)
}

// PipelineOptions converts the audio section.
func (c *Config) PipelineOptions(logger *slog.Logger) []pipeline.Option {
	logger = orDefault(logger)
	tick, _ := time.ParseDuration(c.Audio.Tick)
	return []pipeline.Option{
		pipeline.WithRoster(c.PersonaIDs()...),
		pipeline.WithSpatialRadius(c.Audio.SpatialRadius),
		pipeline.WithAnalyser(c.Audio.FFTSize, c.Audio.Smoothing),
		pipeline.WithActivityThreshold(c.Audio.ActivityThreshold),
		pipeline.WithRuntimeOptions(
			dsp.WithSampleRate(c.Audio.SampleRate),
			dsp.WithTick(tick),
			dsp.WithLogger(logger),
		),
		pipeline.WithLogger(logger),
	}
}

// SelfURI parses our own signaling address.
func (c *Config) SelfURI() (signaling.URI, error) {
	u, err := signaling.ParseURI(c.Signaling.URI)
	if err != nil {
		return signaling.URI{}, fmt.Errorf("config: signaling.uri: %w", err)
	}
	return u, nil
}

// NewProvider builds the WebRTC signaling provider.
func (c *Config) NewProvider(logger *slog.Logger) (*rtc.Provider, error) {
	self, err := c.SelfURI()
	if err != nil {
		return nil, err
	}
	opts := []rtc.Option{rtc.WithLogger(orDefault(logger))}
	if c.Signaling.Listen != "" {
		opts = append(opts, rtc.WithListenAddr(c.Signaling.Listen))
	}
	if len(c.Signaling.ICEServers) > 0 {
		opts = append(opts, rtc.WithICEServers(c.Signaling.ICEServers...))
	}
	return rtc.NewProvider(self, opts...)
}

// NewPublisher builds the record publisher: always the log, plus Kafka
// when brokers are configured. closeFn releases the Kafka writer.
func (c *Config) NewPublisher(logger *slog.Logger) (pub cdr.Publisher, closeFn func() error, err error) {
	pubs := cdr.Multi{cdr.Log{Logger: logger}}
	closeFn = func() error { return nil }
	if len(c.CDR.Brokers) > 0 {
		k, err := cdr.NewKafka(c.CDR.Brokers, c.CDR.Topic, logger)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, k)
		closeFn = k.Close
	}
	return pubs, closeFn, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not debug, info, warn or error", s)
}
