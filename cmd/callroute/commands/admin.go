package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/callroute/pkg/config"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/session"
)

const maxAdminBody = 64 << 10

// newMux builds the HTTP surface of serve:
//
//	GET    /metrics                       Prometheus metrics
//	GET    /events                        live event feed (websocket)
//	GET    /sessions                      active sessions
//	DELETE /sessions/{id}                 hang up a session
//	GET    /personas                      roster with current load
//	PUT    /personas/{id}/availability    {"availability": "busy"}
//	PUT    /personas/{id}/position        {"x": 1, "y": 0, "z": 2}
//	GET    /rules                         rules in evaluation order
//	POST   /rules                         one rule in config file form
//	DELETE /rules/{id}                    remove a rule
//
// Request bodies may be JSON or YAML.
func newMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.Handle("GET /events", newEventStream(a))

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		views := make([]sessionView, 0)
		for _, s := range a.mgr.Sessions() {
			views = append(views, viewSession(s))
		}
		writeJSON(w, http.StatusOK, views)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		err := a.mgr.Terminate(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("GET /personas", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewPersonas(a.engine.Personas()))
	})
	mux.HandleFunc("PUT /personas/{id}/availability", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Availability string `yaml:"availability"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id := r.PathValue("id")
		err := a.engine.SetAvailability(id, routing.Availability(req.Availability))
		switch {
		case errors.Is(err, routing.ErrUnknownPersona):
			writeError(w, http.StatusNotFound, err)
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, _ := a.engine.Persona(id)
		writeJSON(w, http.StatusOK, viewPersona(p))
	})
	mux.HandleFunc("PUT /personas/{id}/position", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			X float64 `yaml:"x"`
			Y float64 `yaml:"y"`
			Z float64 `yaml:"z"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id := r.PathValue("id")
		if _, ok := a.engine.Persona(id); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", routing.ErrUnknownPersona, id))
			return
		}
		n := a.pipe.UpdateExecutivePosition(id, req.X, req.Y, req.Z)
		a.logger.Info("admin: position updated", "persona", id, "streams", n)
		writeJSON(w, http.StatusOK, map[string]int{"streams": n})
	})

	mux.HandleFunc("GET /rules", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewRules(a.engine.Rules()))
	})
	mux.HandleFunc("POST /rules", func(w http.ResponseWriter, r *http.Request) {
		var rule config.Rule
		if err := decodeBody(r, &rule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rr, err := rule.RoutingRule()
		if err == nil {
			err = a.engine.AddRule(rr)
		}
		switch {
		case errors.Is(err, routing.ErrDuplicateRule):
			writeError(w, http.StatusConflict, err)
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.logger.Info("admin: rule added", "rule", rr.ID, "target", rr.Actions.TargetPersona)
		writeJSON(w, http.StatusCreated, viewRules([]routing.Rule{rr})[0])
	})
	mux.HandleFunc("DELETE /rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !a.engine.RemoveRule(id) {
			writeError(w, http.StatusNotFound, fmt.Errorf("rule %s not found", id))
			return
		}
		a.logger.Info("admin: rule removed", "rule", id)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type personaView struct {
	ID           string `json:"id"`
	Availability string `json:"availability"`
	Load         int    `json:"load"`
	MaxCalls     int    `json:"max_concurrent_calls"`
}

func viewPersona(p routing.PersonaProfile) personaView {
	return personaView{
		ID:           p.ID,
		Availability: string(p.Availability),
		Load:         p.CurrentLoad,
		MaxCalls:     p.MaxConcurrentCalls,
	}
}

func viewPersonas(ps []routing.PersonaProfile) []personaView {
	out := make([]personaView, len(ps))
	for i, p := range ps {
		out[i] = viewPersona(p)
	}
	return out
}

type ruleView struct {
	ID         string   `json:"id"`
	Priority   int      `json:"priority"`
	Target     string   `json:"target"`
	Conditions []string `json:"conditions,omitempty"`
}

func viewRules(rules []routing.Rule) []ruleView {
	out := make([]ruleView, len(rules))
	for i, r := range rules {
		v := ruleView{ID: r.ID, Priority: r.Priority, Target: r.Actions.TargetPersona}
		for _, c := range r.Conditions {
			v.Conditions = append(v.Conditions, c.Kind.String())
		}
		out[i] = v
	}
	return out
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty request body")
	}
	return yaml.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
