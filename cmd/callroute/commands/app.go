package commands

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/cdr"
	"github.com/haivivi/callroute/pkg/config"
	"github.com/haivivi/callroute/pkg/metrics"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/session"
	"github.com/haivivi/callroute/pkg/signaling"
)

// app wires one routing engine, pipeline and session manager around a
// signaling provider.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *routing.Engine
	pipe     *pipeline.Pipeline
	mgr      *session.Manager
	metrics  *metrics.Collector
	recorder *cdr.Recorder
	closePub func() error

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func newApp(cfg *config.Config, logger *slog.Logger, provider signaling.Provider, opts ...session.Option) (*app, error) {
	history, err := cfg.OpenHistory(logger)
	if err != nil {
		return nil, err
	}
	engine, err := cfg.NewEngine(history, logger)
	if err != nil {
		history.Close()
		return nil, err
	}
	pub, closePub, err := cfg.NewPublisher(logger)
	if err != nil {
		engine.Close()
		return nil, err
	}

	pipe := pipeline.New(cfg.PipelineOptions(logger)...)
	mgr := session.New(provider, engine, pipe, append([]session.Option{session.WithLogger(logger)}, opts...)...)

	col := metrics.New(cfg.Metrics.Namespace)
	col.ObserveRouting(engine.Events())
	col.ObserveSessions(mgr.Events())
	col.ObservePipeline(pipe.Events())

	return &app{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		pipe:     pipe,
		mgr:      mgr,
		metrics:  col,
		recorder: cdr.NewRecorder(pub, mgr.Events(), cdr.WithLogger(logger)),
		closePub: closePub,
	}, nil
}

// start runs the background consumers. realtime drives the pipeline from
// its own clock; otherwise the caller ticks it.
func (a *app) start(ctx context.Context, realtime bool) {
	if realtime {
		a.pipe.Start(ctx)
	}
	mctx, stop := context.WithCancel(ctx)
	a.stop = stop
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.metrics.Run(mctx)
	}()
	// The recorder outlives ctx so that the calls hung up by Close are
	// still recorded. It returns when the session buses close.
	go func() {
		defer a.wg.Done()
		if err := a.recorder.Run(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("cdr: recorder stopped", "error", err)
		}
	}()
}

// Close hangs up every call and releases resources.
func (a *app) Close() error {
	errs := []error{a.mgr.Close(), a.pipe.Close()}
	if a.stop != nil {
		a.stop()
	}
	a.wg.Wait()
	errs = append(errs, a.closePub(), a.engine.Close())
	return errors.Join(errs...)
}
