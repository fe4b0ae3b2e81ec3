package engine

import (
	"context"
	"sync"
)

// FakeStreamEngine is a test double standing in for a real RTSP +
// inference pipeline. It tracks running/paused state with a mutex and
// lets tests drive frames synchronously through the configured callback
// via Emit.
type FakeStreamEngine struct {
	mu       sync.Mutex
	started  bool
	paused   bool
	done     chan struct{}
	onFrame  FrameCallback
	probe    MetricsProbe
	StartErr error // if set, Start returns this error instead of succeeding
}

// NewFakeStreamEngine constructs a fake bound to onFrame. probe may be
// nil to simulate an engine with no metrics capability.
func NewFakeStreamEngine(onFrame FrameCallback, probe MetricsProbe) *FakeStreamEngine {
	return &FakeStreamEngine{onFrame: onFrame, probe: probe, done: make(chan struct{})}
}

func (f *FakeStreamEngine) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started = true
	return nil
}

func (f *FakeStreamEngine) PauseBuffering() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *FakeStreamEngine) ResumeBuffering() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *FakeStreamEngine) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		f.started = false
		close(f.done)
	}
	return nil
}

func (f *FakeStreamEngine) Join() {
	<-f.done
}

func (f *FakeStreamEngine) Metrics() MetricsProbe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe
}

// Emit synchronously delivers a synthetic frame through the callback,
// honoring the buffering-pause flag the way a real engine would stop
// calling back while paused.
func (f *FakeStreamEngine) Emit(pred Prediction, frame Frame) {
	f.mu.Lock()
	paused := f.paused
	cb := f.onFrame
	f.mu.Unlock()
	if paused || cb == nil {
		return
	}
	cb(pred, frame)
}

// IsStarted reports whether Start has been called without a matching
// Terminate, for assertions in tests.
func (f *FakeStreamEngine) IsStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// FakeMetricsProbe is a static MetricsProbe double for MetricsReporter tests.
type FakeMetricsProbe struct {
	R Report
}

func (p *FakeMetricsProbe) Report() Report { return p.R }
