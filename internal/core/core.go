// Package core wires the bus, sink, engine manager, control plane and
// metrics reporter into the processor's fixed startup order and runs the
// restart-aware join loop that distinguishes a deliberate restart from
// an unexpected engine exit.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/control"
	"github.com/cupertino-nvr/processor/internal/engine"
	"github.com/cupertino-nvr/processor/internal/events"
	"github.com/cupertino-nvr/processor/internal/metrics"
	"github.com/cupertino-nvr/processor/internal/sink"
)

// pollInterval is how often the join loop re-checks the restart flag
// while waiting for an in-progress restart to clear. A short busy-wait
// rather than a condition variable, since the wait is expected to be
// brief (one engine teardown/recreate cycle).
const pollInterval = 100 * time.Millisecond

// ProcessorCore is the top-level orchestrator: one instance per process.
type ProcessorCore struct {
	cfg       *config.Config
	bus       bus.MessageBus
	sink      *sink.DetectionSink
	engineMgr *engine.Manager
	metrics   *metrics.Reporter
	control   *control.ControlPlane
	coord     *Coordinator
	log       *slog.Logger
}

// New assembles a ProcessorCore from its already-constructed
// collaborators. Wiring them together (which depends on which) is
// cmd/nvr-processor's job.
func New(
	cfg *config.Config,
	b bus.MessageBus,
	s *sink.DetectionSink,
	engineMgr *engine.Manager,
	reporter *metrics.Reporter,
	controlPlane *control.ControlPlane,
	coord *Coordinator,
	log *slog.Logger,
) *ProcessorCore {
	return &ProcessorCore{
		cfg: cfg, bus: b, sink: s, engineMgr: engineMgr,
		metrics: reporter, control: controlPlane, coord: coord, log: log,
	}
}

// CurrentStatus implements commands.Health.
func (p *ProcessorCore) CurrentStatus() events.Status { return p.coord.CurrentStatus() }

// BusConnected implements commands.Health.
func (p *ProcessorCore) BusConnected() bool { return p.bus.Connected() }

// EngineRunning implements commands.Health.
func (p *ProcessorCore) EngineRunning() bool { return p.engineMgr.State() == engine.StateStarted }

// ControlPlaneConnected implements commands.Health.
func (p *ProcessorCore) ControlPlaneConnected() bool { return p.control.Connected() }

// Start brings the processor up in a fixed order:
// connect the bus, start the control plane and announce "starting"
// before the engine (so operators see a status even if stream connect
// hangs), create and start the engine, start metrics reporting, then
// announce "running" and launch the join loop.
func (p *ProcessorCore) Start(ctx context.Context) error {
	if err := p.bus.Connect(ctx); err != nil {
		return err
	}

	if err := p.control.Start(); err != nil {
		return err
	}
	p.coord.SetStatus(events.StatusStarting)
	p.control.PublishStatus(events.StatusStarting, p.cfg.PublicView())

	if err := p.engineMgr.Create(p.sink.OnFrame); err != nil {
		p.coord.SetStatus(events.StatusError)
		p.control.PublishStatus(events.StatusError, map[string]any{"error": err.Error()})
		return err
	}
	if err := p.engineMgr.Start(ctx); err != nil {
		p.coord.SetStatus(events.StatusError)
		p.control.PublishStatus(events.StatusError, map[string]any{"error": err.Error()})
		return err
	}

	p.metrics.Start()

	p.coord.SetStatus(events.StatusRunning)
	p.control.PublishStatus(events.StatusRunning, nil)

	go p.joinLoop()
	return nil
}

// Stop tears everything down in reverse order: stop the engine, stop
// metrics, announce "stopped", stop the control plane, disconnect the
// bus. Safe to call once after Start returns successfully.
func (p *ProcessorCore) Stop() {
	_ = p.engineMgr.Terminate()
	p.metrics.Stop()
	p.coord.SetStatus(events.StatusStopped)
	p.control.PublishStatus(events.StatusStopped, nil)
	p.control.Stop()
	p.bus.Disconnect()
}

// joinLoop blocks on the current engine's Join() and, once it returns,
// decides whether the exit was a deliberate termination, a deliberate
// restart, or an unexpected crash. A stop (whether from the "stop"
// command or process shutdown) leaves the engine manager in the
// terminated state, which is checked first so a clean shutdown never
// gets reported as a crash. Neither the restarting flag nor pointer
// identity alone is race-free for the restart case: a restart can clear
// the flag a moment before swapping the pointer, or vice versa, so the
// loop treats either signal as evidence of a deliberate restart and only
// escalates when none of these hold.
func (p *ProcessorCore) joinLoop() {
	for {
		eng := p.engineMgr.Current()
		if eng == nil {
			return
		}
		eng.Join()

		if p.engineMgr.State() == engine.StateTerminated {
			return
		}

		if p.coord.IsRestarting() {
			for p.coord.IsRestarting() {
				time.Sleep(pollInterval)
			}
			continue
		}
		if p.engineMgr.Current() != eng {
			continue
		}

		p.log.Error("engine exited unexpectedly", "event", "engine_unexpected_exit")
		p.coord.SetStatus(events.StatusError)
		p.control.PublishStatus(events.StatusError, map[string]any{"error": "engine exited unexpectedly"})
		return
	}
}
