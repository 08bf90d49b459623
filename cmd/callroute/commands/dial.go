package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/callroute/pkg/session"
	"github.com/haivivi/callroute/pkg/signaling/rtc"
)

var (
	dialPersona  string
	dialDuration time.Duration
	dialTone     float64
)

var dialCmd = &cobra.Command{
	Use:   "dial <target>",
	Short: "Place an outbound call on behalf of a persona",
	Long: `Call target over WebRTC signaling and keep the call up until the far end
hangs up, --duration passes or the command is interrupted.

target is a sip: URI, user@host, or a bare user on our own host. While the
call is up a test tone stands in for synthesized speech.

Examples:
  callroute dial sip:alice@10.0.0.5:5080 --persona cfo
  callroute dial bob --duration 30s --tone 0`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialPersona, "persona", "", "persona placing the call (default persona when empty)")
	dialCmd.Flags().DurationVar(&dialDuration, "duration", 0, "hang up after this long (0 waits for the far end)")
	dialCmd.Flags().Float64Var(&dialTone, "tone", 440, "test tone frequency in Hz, 0 for silence")
}

func runDial(cmd *cobra.Command, args []string) error {
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

	var opts []session.Option
	if dialTone > 0 {
		opts = append(opts, session.WithSynthesizer(toneSynth{
			format:    rtc.Format,
			frequency: dialTone,
			amplitude: 0.3,
			chunk:     100 * time.Millisecond,
		}))
	}
	a, err := newApp(cfg, logger, provider, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx, true)

	byes := a.mgr.Events().Bye.Subscribe(0)
	defer byes.Close()

	s, err := a.mgr.InitiateOutbound(ctx, args[0], dialPersona)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "✓ connected %s as %s (session %s)\n", s.RemoteURI, s.PersonaID, s.ID)

	var timeout <-chan time.Time
	if dialDuration > 0 {
		timer := time.NewTimer(dialDuration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case bye := <-byes.C():
		if bye.Err != nil {
			return fmt.Errorf("call lost: %w", bye.Err)
		}
		fmt.Fprintln(os.Stderr, "✓ far end hung up")
		return nil
	case <-timeout:
	case <-ctx.Done():
	}
	if err := a.mgr.Terminate(cmd.Context(), s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	fmt.Fprintln(os.Stderr, "✓ hung up")
	return nil
}
