// Package commands implements the twelve control-plane command handlers,
// including the validate→snapshot→publish→mutate→restart rollback
// template shared by the four reconfiguration commands.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/engine"
	"github.com/cupertino-nvr/processor/internal/events"
	"github.com/cupertino-nvr/processor/internal/metrics"
)

// Publisher is the narrow capability handlers use to announce status and
// on-demand metrics reports. Implemented by internal/control.ControlPlane.
type Publisher interface {
	PublishStatus(status events.Status, extra map[string]any)
	PublishMetrics(report map[string]any)
}

// Health supplies the handful of facts the status/ping handlers report
// about the running process that no single component otherwise owns.
type Health interface {
	CurrentStatus() events.Status
	BusConnected() bool
	EngineRunning() bool
	ControlPlaneConnected() bool
}

// Handler executes one command's effect and returns the message to carry
// in the completed acknowledgement. A non-nil error produces an error
// acknowledgement instead, with err.Error() as the message.
type Handler func(ctx context.Context, params map[string]any) (string, error)

// Deps bundles everything the command handlers close over.
type Deps struct {
	Config      *config.Config
	Engine      *engine.Manager
	Coordinator engine.Coordinator
	Publisher   Publisher
	Metrics     *metrics.Reporter
	Health      Health
	StartedAt   time.Time
}

// Registry maps command names to handlers and can report the set of
// names available, for the "unknown command" error message.
type Registry struct {
	handlers map[string]Handler
	order    []string
}

// NewRegistry builds the fixed set of twelve command handlers bound to d.
func NewRegistry(d Deps) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.register("pause", pauseHandler(d))
	r.register("resume", resumeHandler(d))
	r.register("stop", stopHandler(d))
	r.register("restart", restartHandler(d))
	r.register("change_model", changeModelHandler(d))
	r.register("set_fps", setFPSHandler(d))
	r.register("add_stream", addStreamHandler(d))
	r.register("remove_stream", removeStreamHandler(d))
	r.register("status", statusHandler(d))
	r.register("metrics", metricsHandler(d))
	r.register("ping", pingHandler(d))
	r.register("rename_instance", renameInstanceHandler(d))
	return r
}

func (r *Registry) register(name string, h Handler) {
	r.handlers[name] = h
	r.order = append(r.order, name)
}

// Lookup returns the handler for name, if registered.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names in registration order, used
// to compose the "available commands" message for unknown commands.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func pauseHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		if err := d.Engine.Pause(); err != nil {
			return "", err
		}
		d.Publisher.PublishStatus(events.StatusPaused, nil)
		return "paused", nil
	}
}

func resumeHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		if err := d.Engine.Resume(); err != nil {
			return "", err
		}
		d.Publisher.PublishStatus(events.StatusRunning, nil)
		return "resumed", nil
	}
}

func stopHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		if err := d.Engine.Terminate(); err != nil {
			return "", err
		}
		d.Publisher.PublishStatus(events.StatusStopped, nil)
		return "stopped", nil
	}
}

func restartHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		d.Publisher.PublishStatus(events.StatusRestarting, nil)
		if err := d.Engine.Restart(ctx, d.Coordinator); err != nil {
			d.Publisher.PublishStatus(events.StatusError, map[string]any{"error": err.Error()})
			return "", err
		}
		d.Publisher.PublishStatus(events.StatusRunning, nil)
		return "restarted", nil
	}
}

// reconfigure runs the shared rollback template: snapshot the config,
// announce reconfiguring, apply mutate (which itself validates and rolls
// back on invariant failure), then restart the engine against the new
// config. If the restart fails, the config mutation is rolled back too,
// an error status is published, and the error is returned.
func reconfigure(ctx context.Context, d Deps, mutate func() error) (string, error) {
	snap := d.Config.TakeSnapshot()
	d.Publisher.PublishStatus(events.StatusReconfiguring, nil)

	if err := mutate(); err != nil {
		d.Publisher.PublishStatus(events.StatusError, map[string]any{"error": err.Error()})
		return "", err
	}

	if err := d.Engine.Restart(ctx, d.Coordinator); err != nil {
		d.Config.Restore(snap)
		d.Publisher.PublishStatus(events.StatusError, map[string]any{"error": err.Error()})
		return "", err
	}

	d.Publisher.PublishStatus(events.StatusRunning, nil)
	return "reconfigured", nil
}

func changeModelHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		modelID, ok := paramString(params, "model_id")
		if !ok || modelID == "" {
			return "", fmt.Errorf("change_model requires a non-empty model_id param")
		}
		return reconfigure(ctx, d, func() error { return d.Config.SetModelID(modelID) })
	}
}

func setFPSHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		fps, ok := paramFloat(params, "max_fps")
		if !ok {
			return "", fmt.Errorf("set_fps requires a numeric max_fps param")
		}
		return reconfigure(ctx, d, func() error { return d.Config.SetMaxFPS(fps) })
	}
}

func addStreamHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		sourceID, ok := paramInt(params, "source_id")
		if !ok {
			return "", fmt.Errorf("add_stream requires a non-negative integer source_id param")
		}
		return reconfigure(ctx, d, func() error { return d.Config.AddStream(sourceID) })
	}
}

func removeStreamHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		sourceID, ok := paramInt(params, "source_id")
		if !ok {
			return "", fmt.Errorf("remove_stream requires a non-negative integer source_id param")
		}
		return reconfigure(ctx, d, func() error { return d.Config.RemoveStream(sourceID) })
	}
}

// renameInstanceHandler mutates only the instance identity, which every
// other component reads live from Config, so no engine restart is needed
// (scenario S4).
func renameInstanceHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		newID, ok := paramString(params, "new_instance_id")
		if !ok || newID == "" {
			return "", fmt.Errorf("rename_instance requires a non-empty new_instance_id param")
		}
		oldID := d.Config.InstanceID()
		if err := d.Config.SetInstanceID(newID); err != nil {
			return "", err
		}
		d.Publisher.PublishStatus(d.Health.CurrentStatus(), map[string]any{"renamed_from": oldID})
		return "renamed", nil
	}
}

func statusHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		extra := d.Config.PublicView()
		extra["uptime_s"] = time.Since(d.StartedAt).Seconds()
		extra["bus_connected"] = d.Health.BusConnected()
		d.Publisher.PublishStatus(d.Health.CurrentStatus(), extra)
		return "status published", nil
	}
}

func metricsHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		d.Publisher.PublishMetrics(d.Metrics.FullReport())
		return "metrics published", nil
	}
}

// pingHandler answers a health check / discovery request: a status
// publish carrying pong=true, uptime, the public config view, and a
// health sub-object combining the engine's pause state with the
// collaborator-connectivity flags Health supplies.
func pingHandler(d Deps) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		extra := map[string]any{
			"pong":           true,
			"uptime_seconds": time.Since(d.StartedAt).Seconds(),
			"config":         d.Config.PublicView(),
			"health": map[string]any{
				"paused":                  d.Engine.State() == engine.StatePaused,
				"engine_running":          d.Health.EngineRunning(),
				"bus_connected":           d.Health.BusConnected(),
				"control_plane_connected": d.Health.ControlPlaneConnected(),
			},
		}
		d.Publisher.PublishStatus(d.Health.CurrentStatus(), extra)
		return "pong", nil
	}
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func paramInt(params map[string]any, key string) (int, bool) {
	f, ok := paramFloat(params, key)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
