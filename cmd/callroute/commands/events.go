package commands

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/event"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/session"
)

const eventWriteTimeout = 5 * time.Second

// eventFrame is one message on the /events websocket.
type eventFrame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type sessionView struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	Remote    string    `json:"remote"`
	Direction string    `json:"direction"`
	State     string    `json:"state"`
	Start     time.Time `json:"start"`
	Duration  string    `json:"duration,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Path      string    `json:"path,omitempty"`
}

func viewSession(s session.CallSession) sessionView {
	v := sessionView{
		ID:        s.ID,
		Persona:   s.PersonaID,
		Remote:    s.RemoteURI.String(),
		Direction: s.Direction.String(),
		State:     s.State.String(),
		Start:     s.StartTime,
		Rule:      s.RuleID,
	}
	if s.Duration > 0 {
		v.Duration = s.Duration.String()
	}
	if s.Path != 0 {
		v.Path = s.Path.String()
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// eventStream serves the live event feed as JSON websocket messages. Audio
// activity is included only when the client asks for it with ?audio=1,
// since it arrives once per tick per graph.
type eventStream struct {
	app      *app
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newEventStream(a *app) *eventStream {
	return &eventStream{
		app: a,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: a.logger,
	}
}

func (s *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	frames := make(chan eventFrame, event.DefaultBuffer)

	rev := s.app.engine.Events()
	forward(ctx, frames, rev.Assigned.Subscribe(0), func(ev routing.ExecutiveAssigned) eventFrame {
		return eventFrame{Type: "executive_assigned", Data: map[string]any{
			"caller":  ev.CallerID,
			"persona": ev.PersonaID,
			"rule":    ev.RuleID,
			"path":    ev.Path.String(),
		}}
	})
	forward(ctx, frames, rev.Failed.Subscribe(0), func(ev routing.RoutingFailed) eventFrame {
		return eventFrame{Type: "routing_failed", Data: map[string]any{"caller": ev.CallerID, "error": errString(ev.Err)}}
	})
	forward(ctx, frames, rev.LoadBalanced.Subscribe(0), func(ev routing.LoadBalanced) eventFrame {
		return eventFrame{Type: "load_balanced", Data: map[string]any{"persona": ev.PersonaID, "load": ev.NewLoad}}
	})
	forward(ctx, frames, rev.Availability.Subscribe(0), func(ev routing.AvailabilityChanged) eventFrame {
		return eventFrame{Type: "availability_changed", Data: map[string]any{
			"persona":      ev.PersonaID,
			"availability": string(ev.Availability),
		}}
	})

	sev := s.app.mgr.Events()
	forward(ctx, frames, sev.Connected.Subscribe(0), func(ev session.Connected) eventFrame {
		return eventFrame{Type: "connected", Data: viewSession(ev.Session)}
	})
	forward(ctx, frames, sev.Bye.Subscribe(0), func(ev session.Bye) eventFrame {
		return eventFrame{Type: "bye", Data: map[string]any{
			"session": viewSession(ev.Session),
			"remote":  ev.Remote,
			"error":   errString(ev.Err),
		}}
	})
	forward(ctx, frames, sev.SignalingFailed.Subscribe(0), func(ev session.SignalingFailed) eventFrame {
		return eventFrame{Type: "signaling_failed", Data: map[string]any{
			"session":   ev.SessionID,
			"persona":   ev.PersonaID,
			"direction": ev.Direction.String(),
			"error":     errString(ev.Err),
		}}
	})

	forward(ctx, frames, sev.Disconnected.Subscribe(0), func(ev session.Disconnected) eventFrame {
		return eventFrame{Type: "disconnected", Data: map[string]any{"error": errString(ev.Err)}}
	})

	pev := s.app.pipe.Events()
	forward(ctx, frames, pev.Spatial.Subscribe(0), func(ev pipeline.SpatialUpdate) eventFrame {
		return eventFrame{Type: "spatial_update", Data: map[string]any{
			"persona": ev.PersonaID,
			"handle":  uint64(ev.Handle),
			"x":       ev.Position.X, "y": ev.Position.Y, "z": ev.Position.Z,
		}}
	})
	if r.URL.Query().Get("audio") == "1" {
		forward(ctx, frames, pev.Activity.Subscribe(0), func(ev pipeline.AudioActivity) eventFrame {
			return eventFrame{Type: "audio_activity", Time: ev.Time, Data: map[string]any{
				"persona":   ev.PersonaID,
				"stream":    ev.StreamID,
				"direction": ev.Direction.String(),
				"volume":    ev.Metrics.Volume,
				"active":    ev.Metrics.IsActive,
				"clarity":   ev.Metrics.Clarity,
				"noise":     ev.Metrics.NoiseLevel,
				"frequency": ev.Metrics.DominantFrequency,
			}}
		})
	}

	// Drain client frames so close messages are seen.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-frames:
			if f.Time.IsZero() {
				f.Time = time.Now()
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Debug("events: write failed", "error", err)
				return
			}
		}
	}
}

// forward converts events from sub into frames until ctx is done or the
// bus closes. Frames are dropped when the client falls behind.
func forward[T any](ctx context.Context, out chan<- eventFrame, sub *event.Subscription[T], conv func(T) eventFrame) {
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case out <- conv(v):
				default:
				}
			}
		}
	}()
}
