package commands

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/event"
	"github.com/haivivi/callroute/pkg/session"
	"github.com/haivivi/callroute/pkg/signaling"
)

var (
	simCaller    string
	simKeywords  []string
	simUrgency   string
	simDuration  time.Duration
	simFrequency float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Place a synthetic call in-process and report audio metrics",
	Long: `Run one inbound call end to end without a network.

A simulated caller dials the configured service over an in-process signaling
pipe and plays a sine tone. The call is routed, answered and processed
exactly as in serve; the pipeline is stepped tick by tick and the measured
audio activity is summarized per stream.

Examples:
  callroute simulate
  callroute simulate -k budget --urgency high --duration 3s
  callroute simulate --caller sip:+15550100@pstn.example.com -o table`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simCaller, "caller", "sip:alice@example.com", "caller URI")
	simulateCmd.Flags().StringSliceVarP(&simKeywords, "keywords", "k", nil, "keywords the caller sends")
	simulateCmd.Flags().StringVar(&simUrgency, "urgency", "", "urgency the caller sends")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 2*time.Second, "call length")
	simulateCmd.Flags().Float64Var(&simFrequency, "frequency", 440, "caller tone frequency in Hz")
}

type streamSummary struct {
	Persona    string  `json:"persona" yaml:"persona"`
	Stream     string  `json:"stream" yaml:"stream"`
	Direction  string  `json:"direction" yaml:"direction"`
	Ticks      int     `json:"ticks" yaml:"ticks"`
	MeanVolume float64 `json:"mean_volume" yaml:"mean_volume"`
	PeakVolume float64 `json:"peak_volume" yaml:"peak_volume"`
	Active     float64 `json:"active_ratio" yaml:"active_ratio"`
	Clarity    float64 `json:"clarity" yaml:"clarity"`
	Frequency  float64 `json:"dominant_frequency" yaml:"dominant_frequency"`
}

type simulateResult struct {
	Session     sessionView     `json:"session" yaml:"session"`
	Outcome     string          `json:"outcome" yaml:"outcome"`
	Streams     []streamSummary `json:"streams" yaml:"streams"`
	Assignments map[string]int  `json:"assignments" yaml:"assignments"`
}

func (r simulateResult) header() []string {
	return []string{"PERSONA", "DIRECTION", "TICKS", "MEAN", "PEAK", "ACTIVE", "FREQ"}
}

func (r simulateResult) rows() [][]string {
	rows := make([][]string, 0, len(r.Streams))
	for _, s := range r.Streams {
		rows = append(rows, []string{
			s.Persona,
			s.Direction,
			strconv.Itoa(s.Ticks),
			fmt.Sprintf("%.3f", s.MeanVolume),
			fmt.Sprintf("%.3f", s.PeakVolume),
			fmt.Sprintf("%.0f%%", 100*s.Active),
			fmt.Sprintf("%.0f Hz", s.Frequency),
		})
	}
	return rows
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	tick, err := time.ParseDuration(cfg.Audio.Tick)
	if err != nil {
		return err
	}

	caller, err := signaling.ParseURI(simCaller)
	if err != nil {
		return err
	}
	if len(simKeywords) > 0 {
		caller.Params = setParam(caller.Params, "keywords", strings.Join(simKeywords, ","))
	}
	if simUrgency != "" {
		caller.Params = setParam(caller.Params, "urgency", simUrgency)
	}

	network := signaling.NewPipeNetwork()
	host, err := network.Provider(cfg.Signaling.URI)
	if err != nil {
		return err
	}
	defer host.Close()
	peer, err := network.Provider(caller.String())
	if err != nil {
		return err
	}
	defer peer.Close()

	a, err := newApp(cfg, logger, host)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	a.start(ctx, false)

	activity := a.pipe.Events().Activity.Subscribe(4096)
	defer activity.Close()
	connected := a.mgr.Events().Connected.Subscribe(0)
	defer connected.Close()
	byes := a.mgr.Events().Bye.Subscribe(0)
	defer byes.Close()
	assigned := a.engine.Events().Assigned.Subscribe(0)
	defer assigned.Close()

	go a.mgr.Listen(ctx)
	for deadline := time.Now().Add(2 * time.Second); !host.Listening(); time.Sleep(time.Millisecond) {
		if time.Now().After(deadline) {
			return fmt.Errorf("host never started listening")
		}
	}

	dialog, err := peer.SendInvite(ctx, host.URI(), signaling.DefaultMediaConstraints())
	if err != nil {
		return fmt.Errorf("invite: %w", err)
	}
	select {
	case <-connected.C():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("call was not connected")
	}

	format := dialog.LocalStream().Format()
	perTick := int(format.SamplesInDuration(tick))
	start := time.Now()
	steps := int(simDuration / tick)
	for i := 0; i < steps; i++ {
		dialog.LocalStream().Transmit(tone(perTick, i*perTick, format.SampleRate(), simFrequency, 0.5))
		a.pipe.Tick(start.Add(time.Duration(i) * tick))
	}
	if err := dialog.Bye(ctx); err != nil {
		return err
	}

	var bye session.Bye
	select {
	case bye = <-byes.C():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("call did not end")
	}

	res := simulateResult{
		Session:     viewSession(bye.Session),
		Outcome:     "remote_bye",
		Streams:     summarize(activity),
		Assignments: map[string]int{},
	}
	if bye.Err != nil {
		res.Outcome = "transport_lost"
	}
drain:
	for {
		select {
		case ev := <-assigned.C():
			res.Assignments[ev.PersonaID]++
		default:
			break drain
		}
	}
	return output(cmd, res)
}

// summarize folds the buffered activity events into one summary per graph.
func summarize(sub *event.Subscription[pipeline.AudioActivity]) []streamSummary {
	byStream := map[pipeline.Handle]*streamSummary{}
	for {
		var ev pipeline.AudioActivity
		select {
		case ev = <-sub.C():
		default:
			out := make([]streamSummary, 0, len(byStream))
			for _, s := range byStream {
				if s.Ticks > 0 {
					s.MeanVolume /= float64(s.Ticks)
					s.Active /= float64(s.Ticks)
				}
				out = append(out, *s)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
			return out
		}
		s := byStream[ev.Handle]
		if s == nil {
			s = &streamSummary{Persona: ev.PersonaID, Stream: ev.StreamID, Direction: ev.Direction.String()}
			byStream[ev.Handle] = s
		}
		s.Ticks++
		s.MeanVolume += ev.Metrics.Volume
		s.PeakVolume = math.Max(s.PeakVolume, ev.Metrics.Volume)
		if ev.Metrics.IsActive {
			s.Active++
		}
		s.Clarity = ev.Metrics.Clarity
		s.Frequency = ev.Metrics.DominantFrequency
	}
}

func setParam(params map[string]string, k, v string) map[string]string {
	if params == nil {
		params = map[string]string{}
	}
	params[k] = v
	return params
}
