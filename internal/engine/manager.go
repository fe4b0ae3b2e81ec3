package engine

import (
	"context"
	"sync"

	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/nvrerrors"
)

// ManagerState is the EngineManager's lifecycle state:
// absent → created → started ⇄ paused → terminated.
type ManagerState string

const (
	StateAbsent     ManagerState = "absent"
	StateCreated    ManagerState = "created"
	StateStarted    ManagerState = "started"
	StatePaused     ManagerState = "paused"
	StateTerminated ManagerState = "terminated"
)

// Coordinator is the narrow capability Restart uses to flag an
// in-progress restart to the processor core's join loop. Defined here
// (the consumer) rather than in the core package, so core can implement
// it without engine depending on core.
type Coordinator interface {
	SetRestarting(bool)
	IsRestarting() bool
}

// Gate is the sink capability Manager drives as the first/last step of
// the two-level pause protocol. DetectionSink satisfies this
// structurally without engine importing the sink package.
type Gate interface {
	Pause()
	Resume()
}

// ProbeSink is the metrics-reporter capability Manager drives to keep
// the metrics probe current across restarts. metrics.Reporter satisfies
// this structurally without engine importing the metrics package.
type ProbeSink interface {
	SetProbe(MetricsProbe)
}

// Manager owns the single current StreamEngine instance and the
// two-level pause protocol, reading stream/model/fps parameters live
// from cfg on every create or restart rather than through a separate
// "updates" parameter — the engine always reflects whatever the Config
// object currently holds, the same dynamic-read discipline the
// DetectionSink uses for model_id and instance_id.
type Manager struct {
	mu      sync.Mutex
	state   ManagerState
	cfg     *config.Config
	factory Factory
	gate    Gate
	probes  ProbeSink
	onFrame FrameCallback
	current StreamEngine
}

// NewManager constructs an EngineManager in the absent state.
func NewManager(factory Factory, gate Gate, probes ProbeSink, cfg *config.Config) *Manager {
	return &Manager{state: StateAbsent, cfg: cfg, factory: factory, gate: gate, probes: probes}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the presently active StreamEngine (nil before Create;
// after Terminate or a failed Restart it still returns the last engine,
// now terminated). The processor core's join loop compares this pointer
// across calls to detect a restart.
func (m *Manager) Current() StreamEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Create builds the StreamEngine via the factory, reading the current
// stream/model parameters from cfg, but does not start it. Valid only
// from the absent state.
func (m *Manager) Create(onFrame FrameCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAbsent {
		return nvrerrors.NewEngineError("create", errInvalidTransition(m.state, StateCreated))
	}

	eng, err := m.build(onFrame)
	if err != nil {
		return nvrerrors.NewEngineError("create", err)
	}

	m.current = eng
	m.onFrame = onFrame
	m.probes.SetProbe(eng.Metrics())
	m.state = StateCreated
	return nil
}

func (m *Manager) build(onFrame FrameCallback) (StreamEngine, error) {
	return m.factory(m.cfg.StreamURIs(), m.cfg.ModelID(), m.cfg.MaxFPS(), m.cfg.ConfidenceThreshold(), onFrame)
}

// Start begins engine processing; blocks until stream connections are
// established or permanently refused (not cancellable mid-connect).
// Valid only from the created state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		m.mu.Unlock()
		return nvrerrors.NewEngineError("start", errInvalidTransition(m.state, StateStarted))
	}
	eng := m.current
	m.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		return nvrerrors.NewEngineError("start", err)
	}

	m.mu.Lock()
	m.state = StateStarted
	m.mu.Unlock()
	return nil
}

// Pause implements the first half of the two-level pause protocol:
// close the sink gate first (immediate stop of publications), then
// request the engine to stop buffering new frames. Valid only from the
// started state.
func (m *Manager) Pause() error {
	m.mu.Lock()
	if m.state != StateStarted {
		m.mu.Unlock()
		return nvrerrors.NewEngineError("pause", errInvalidTransition(m.state, StatePaused))
	}
	eng := m.current
	m.mu.Unlock()

	m.gate.Pause()
	err := eng.PauseBuffering()

	m.mu.Lock()
	m.state = StatePaused
	m.mu.Unlock()

	if err != nil {
		return nvrerrors.NewEngineError("pause", err)
	}
	return nil
}

// Resume is the strict inverse of Pause: engine buffering on, then sink
// gate open. Valid only from the paused state.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return nvrerrors.NewEngineError("resume", errInvalidTransition(m.state, StateStarted))
	}
	eng := m.current
	m.mu.Unlock()

	err := eng.ResumeBuffering()
	m.gate.Resume()

	m.mu.Lock()
	m.state = StateStarted
	m.mu.Unlock()

	if err != nil {
		return nvrerrors.NewEngineError("resume", err)
	}
	return nil
}

// Terminate requests the current engine stop. Valid from any
// non-absent state; idempotent when already absent or terminated.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	if m.state == StateAbsent || m.state == StateTerminated {
		m.mu.Unlock()
		return nil
	}
	eng := m.current
	m.state = StateTerminated
	m.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.Terminate(); err != nil {
		return nvrerrors.NewEngineError("terminate", err)
	}
	return nil
}

// Restart sets coordinator's restart flag before tearing down, deferring
// the clear so it happens on every exit path including failure. It
// terminates the current engine, recreates it and its metrics probe
// from the live config, and starts it.
func (m *Manager) Restart(ctx context.Context, coordinator Coordinator) error {
	coordinator.SetRestarting(true)
	defer coordinator.SetRestarting(false)

	m.mu.Lock()
	prev := m.current
	onFrame := m.onFrame
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Terminate()
	}

	eng, err := m.build(onFrame)
	if err != nil {
		m.mu.Lock()
		m.state = StateTerminated
		m.mu.Unlock()
		return nvrerrors.NewEngineError("restart.create", err)
	}
	m.probes.SetProbe(eng.Metrics())

	if err := eng.Start(ctx); err != nil {
		m.mu.Lock()
		m.state = StateTerminated
		m.mu.Unlock()
		return nvrerrors.NewEngineError("restart.start", err)
	}

	m.mu.Lock()
	m.current = eng
	m.state = StateStarted
	m.mu.Unlock()
	return nil
}

func errInvalidTransition(from, to ManagerState) error {
	return invalidTransitionError{from: from, to: to}
}

type invalidTransitionError struct {
	from, to ManagerState
}

func (e invalidTransitionError) Error() string {
	return "invalid transition from " + string(e.from) + " to " + string(e.to)
}
