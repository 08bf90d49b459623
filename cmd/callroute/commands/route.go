package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/callroute/pkg/routing"
)

var (
	routeCaller   string
	routeKeywords []string
	routeUrgency  string
	routeAt       string
	routeBusy     []string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Show which persona would take a call",
	Long: `Evaluate the configured roster and rules for one call without placing it.

Examples:
  callroute route --caller +15550100 -k budget,forecast --urgency high
  callroute route --caller +15550100 --at 2026-03-02T22:00:00Z
  callroute route --busy cfo,cto -o json`,
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeCaller, "caller", "anonymous", "caller id")
	routeCmd.Flags().StringSliceVarP(&routeKeywords, "keywords", "k", nil, "call keywords")
	routeCmd.Flags().StringVar(&routeUrgency, "urgency", "", "urgency (low, medium, high, critical)")
	routeCmd.Flags().StringVar(&routeAt, "at", "", "evaluate at this RFC 3339 time (default now)")
	routeCmd.Flags().StringSliceVar(&routeBusy, "busy", nil, "personas to mark busy first")
}

type routeResult struct {
	Caller  string   `json:"caller" yaml:"caller"`
	Persona string   `json:"persona" yaml:"persona"`
	Path    string   `json:"path" yaml:"path"`
	Rule    string   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Record  bool     `json:"record,omitempty" yaml:"record,omitempty"`
	Notify  []string `json:"notify,omitempty" yaml:"notify,omitempty"`
	Prior   int      `json:"previous_interactions" yaml:"previous_interactions"`
}

func (r routeResult) header() []string {
	return []string{"CALLER", "PERSONA", "PATH", "RULE"}
}

func (r routeResult) rows() [][]string {
	rule := r.Rule
	if rule == "" {
		rule = "-"
	}
	return [][]string{{r.Caller, r.Persona, r.Path, rule}}
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	now := time.Now()
	if routeAt != "" {
		if now, err = time.Parse(time.RFC3339, routeAt); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}
	engine, err := cfg.NewEngine(routing.NewMemoryHistory(cfg.History.Limit), logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	for _, id := range routeBusy {
		if err := engine.SetAvailability(strings.TrimSpace(id), routing.Busy); err != nil {
			return err
		}
	}

	hint := &routing.CallContext{Keywords: routeKeywords, Timestamp: now}
	if routeUrgency != "" {
		if hint.Urgency, err = routing.ParseUrgency(strings.ToLower(routeUrgency)); err != nil {
			return err
		}
	}
	a := engine.Assign(context.Background(), routeCaller, hint)
	engine.Release(a.PersonaID)

	res := routeResult{
		Caller:  routeCaller,
		Persona: a.PersonaID,
		Path:    a.Path.String(),
		Prior:   a.Context.PreviousInteractions,
	}
	if a.Rule != nil {
		res.Rule = a.Rule.ID
		res.Record = a.Rule.Actions.Record
		res.Notify = a.Rule.Actions.Notify
	}
	return output(cmd, res)
}
