package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer calls and serve metrics",
	Long: `Start the WebRTC signaling endpoint and answer inbound calls.

Alongside the call endpoint an HTTP server is started on metrics.listen with:
  /metrics                      Prometheus metrics
  /events                       live routing, session and spatial events
                                (websocket); add ?audio=1 for per-tick audio
  /sessions                     active sessions; DELETE /sessions/{id} hangs up
  /personas                     roster with load
  /personas/{id}/availability   PUT to change availability
  /personas/{id}/position       PUT to move a persona in the sound field
  /rules                        GET to list, POST to add; DELETE /rules/{id}`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := cfg.NewProvider(logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	a, err := newApp(cfg, logger, provider)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx, true)

	ln, err := net.Listen("tcp", cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Metrics.Listen, err)
	}
	srv := &http.Server{Handler: newMux(a), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	logger.Info("callroute: serving",
		"uri", provider.URI().String(),
		"signaling", cfg.Signaling.Listen,
		"http", ln.Addr().String(),
		"personas", len(cfg.Personas),
		"rules", len(cfg.Rules),
	)
	err = a.mgr.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
