package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "List personas, rules and spatial seats",
	RunE:  runRoster,
}

type seat struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

type rosterEntry struct {
	ID              string   `json:"id" yaml:"id"`
	Role            string   `json:"role,omitempty" yaml:"role,omitempty"`
	Priority        int      `json:"priority" yaml:"priority"`
	MaxCalls        int      `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	Availability    string   `json:"availability" yaml:"availability"`
	Specializations []string `json:"specializations,omitempty" yaml:"specializations,omitempty"`
	Seat            seat     `json:"seat" yaml:"seat"`
}

type ruleEntry struct {
	ID         string `json:"id" yaml:"id"`
	Priority   int    `json:"priority" yaml:"priority"`
	Target     string `json:"target" yaml:"target"`
	Conditions string `json:"conditions" yaml:"conditions"`
}

type rosterResult struct {
	DefaultPersona string        `json:"default_persona" yaml:"default_persona"`
	Personas       []rosterEntry `json:"personas" yaml:"personas"`
	Rules          []ruleEntry   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

func (r rosterResult) header() []string {
	return []string{"ID", "ROLE", "PRIORITY", "MAX", "AVAILABILITY", "SEAT"}
}

func (r rosterResult) rows() [][]string {
	rows := make([][]string, 0, len(r.Personas))
	for _, p := range r.Personas {
		rows = append(rows, []string{
			p.ID,
			p.Role,
			strconv.Itoa(p.Priority),
			strconv.Itoa(p.MaxCalls),
			p.Availability,
			fmt.Sprintf("(%.2f, %.2f, %.2f)", p.Seat.X, p.Seat.Y, p.Seat.Z),
		})
	}
	return rows
}

func runRoster(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	engine, err := cfg.NewEngine(nil, newLogger(cfg))
	if err != nil {
		return err
	}
	defer engine.Close()
	layout := pipeline.Layout{Radius: cfg.Audio.SpatialRadius, Roster: cfg.PersonaIDs()}

	res := rosterResult{DefaultPersona: engine.DefaultPersona()}
	for _, p := range engine.Personas() {
		pos := layout.Position(p.ID)
		res.Personas = append(res.Personas, rosterEntry{
			ID:              p.ID,
			Role:            p.Role,
			Priority:        p.Priority,
			MaxCalls:        p.MaxConcurrentCalls,
			Availability:    string(p.Availability),
			Specializations: p.Specializations,
			Seat:            seat{X: pos.X, Y: pos.Y, Z: pos.Z},
		})
	}
	for _, r := range engine.Rules() {
		conds := make([]string, len(r.Conditions))
		for i, c := range r.Conditions {
			conds[i] = c.Kind.String()
		}
		res.Rules = append(res.Rules, ruleEntry{
			ID:         r.ID,
			Priority:   r.Priority,
			Target:     r.Actions.TargetPersona,
			Conditions: strings.Join(conds, "+"),
		})
	}
	return output(cmd, res)
}
