package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/commands"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/control"
	"github.com/cupertino-nvr/processor/internal/core"
	"github.com/cupertino-nvr/processor/internal/engine"
	"github.com/cupertino-nvr/processor/internal/events"
	"github.com/cupertino-nvr/processor/internal/logger"
	"github.com/cupertino-nvr/processor/internal/metrics"
	"github.com/cupertino-nvr/processor/internal/sink"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cli.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cli.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	cfg, err := buildConfig(cli)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log = logger.WithInstance(log, cfg.InstanceID())

	var busUsername, busPassword string
	if cli.busUsername != "" {
		busUsername, busPassword = cli.busUsername, cli.busPassword
	}
	mqttBus := bus.NewMQTTBus(bus.MQTTOptions{
		Address:  cfg.BusAddress(),
		ClientID: cfg.InstanceID(),
		Username: busUsername,
		Password: busPassword,
	})

	detectionSink := sink.New(mqttBus, cfg, log)
	reporter := metrics.NewReporter(mqttBus, cfg, log, prometheus.DefaultRegisterer)
	coord := core.NewCoordinator()

	// The object-detection inference backend is a pluggable component
	// outside this repository's scope; FakeStreamEngine stands in as the
	// adapter point a real backend would be wired into (the StreamEngine
	// interface in internal/engine).
	factory := func(streamURIs []string, modelID string, maxFPS *float64, confidence float64, onFrame engine.FrameCallback) (engine.StreamEngine, error) {
		var probe engine.MetricsProbe
		if cfg.EnableWatchdog() {
			probe = &engine.FakeMetricsProbe{}
		}
		return engine.NewFakeStreamEngine(onFrame, probe), nil
	}
	engineMgr := engine.NewManager(factory, detectionSink, reporter, cfg)

	controlPlane := control.New(mqttBus, cfg, log)
	registry := commands.NewRegistry(commands.Deps{
		Config:      cfg,
		Engine:      engineMgr,
		Coordinator: coord,
		Publisher:   controlPlane,
		Metrics:     reporter,
		Health:      healthAdapter{coord: coord, bus: mqttBus, engine: engineMgr, control: controlPlane},
		StartedAt:   time.Now(),
	})
	controlPlane.SetRouter(registry)

	processor := core.New(cfg, mqttBus, detectionSink, engineMgr, reporter, controlPlane, coord, log)

	// The Prometheus counters are an additive, optional observer over the
	// same underlying metrics; the MQTT reports remain the primary
	// interface, and the HTTP listener is only started if an address is given.
	if cli.metricsHTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cli.metricsHTTPAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics http listener failed", "error", err)
			}
		}()
		log.Info("prometheus metrics listener started", "addr", cli.metricsHTTPAddr)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := processor.Start(startCtx); err != nil {
		log.Error("failed to start processor", "error", err)
		os.Exit(1)
	}
	log.Info("processor started", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("processor stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
}

// healthAdapter adapts the coordinator and bus into commands.Health
// without needing the fully-constructed ProcessorCore, avoiding what
// would otherwise be a wiring cycle (core needs the control plane, the
// control plane's registry needs a Health).
type healthAdapter struct {
	coord   *core.Coordinator
	bus     bus.MessageBus
	engine  *engine.Manager
	control *control.ControlPlane
}

func (h healthAdapter) CurrentStatus() events.Status { return h.coord.CurrentStatus() }
func (h healthAdapter) BusConnected() bool           { return h.bus.Connected() }
func (h healthAdapter) EngineRunning() bool          { return h.engine.State() == engine.StateStarted }
func (h healthAdapter) ControlPlaneConnected() bool  { return h.control.Connected() }

func buildConfig(cli *cliConfig) (*config.Config, error) {
	mapping, err := parseSourceIDMapping(cli.sourceIDMapping)
	if err != nil {
		return nil, err
	}

	var maxFPS *float64
	if cli.maxFPS > 0 {
		v := cli.maxFPS
		maxFPS = &v
	}
	var busUsername, busPassword *string
	if cli.busUsername != "" {
		u := cli.busUsername
		p := cli.busPassword
		busUsername = &u
		busPassword = &p
	}

	return config.New(config.Params{
		InstanceID:          cli.instanceID,
		StreamURIs:          cli.streamURIs,
		SourceIDMapping:     mapping,
		StreamServer:        cli.streamServer,
		ModelID:             cli.modelID,
		MaxFPS:              maxFPS,
		ConfidenceThreshold: cli.confidenceThreshold,
		EnableWatchdog:      cli.enableWatchdog,
		BusHost:             cli.busHost,
		BusPort:             int(cli.busPort),
		BusUsername:         busUsername,
		BusPassword:         busPassword,
		DetectionPrefix:     cli.detectionPrefix,
		QoS:                 byte(cli.qos),
		MetricsTopic:        cli.metricsTopic,
		MetricsInterval:     cli.metricsInterval,
		EnableControlPlane:  cli.enableControlPlane,
		CommandTopic:        cli.commandTopic,
		StatusTopicPrefix:   cli.statusTopicPrefix,
	})
}
