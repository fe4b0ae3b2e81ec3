package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// config.Params, so main.go can validate and map.
type cliConfig struct {
	instanceID      string
	streamURIs      []string
	sourceIDMapping string
	streamServer    string

	modelID             string
	maxFPS              float64
	confidenceThreshold float64
	enableWatchdog      bool

	busHost         string
	busPort         uint
	busUsername     string
	busPassword     string
	detectionPrefix string
	qos             uint
	metricsTopic    string
	metricsInterval float64

	enableControlPlane bool
	commandTopic       string
	statusTopicPrefix  string

	logLevel    string
	showVersion bool

	metricsHTTPAddr string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("nvr-processor", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var streamURIs stringSliceFlag

	fs.StringVar(&cfg.instanceID, "instance-id", "", "Instance identity (default: random)")
	fs.Var(&streamURIs, "stream-uri", "RTSP stream URI (can be specified multiple times)")
	fs.StringVar(&cfg.sourceIDMapping, "source-id-mapping", "", "Comma-separated external source ids, one per -stream-uri in order")
	fs.StringVar(&cfg.streamServer, "stream-server", "", "Base RTSP server URL used to synthesize URIs for add_stream")

	fs.StringVar(&cfg.modelID, "model-id", "yolov8x-640", "Object detection model identifier")
	fs.Float64Var(&cfg.maxFPS, "max-fps", 0, "Maximum inference frame rate per source (0 = unlimited)")
	fs.Float64Var(&cfg.confidenceThreshold, "confidence-threshold", 0.5, "Minimum detection confidence in [0,1]")
	fs.BoolVar(&cfg.enableWatchdog, "enable-watchdog", true, "Enable the engine's internal watchdog/metrics probe")

	fs.StringVar(&cfg.busHost, "bus-host", "localhost", "Message bus (MQTT broker) host")
	fs.UintVar(&cfg.busPort, "bus-port", 1883, "Message bus port")
	fs.StringVar(&cfg.busUsername, "bus-username", "", "Message bus username (optional)")
	fs.StringVar(&cfg.busPassword, "bus-password", "", "Message bus password (optional)")
	fs.StringVar(&cfg.detectionPrefix, "detection-topic-prefix", "nvr/detections", "Topic prefix for detection events")
	fs.UintVar(&cfg.qos, "qos", 0, "QoS level for detection publishes (0, 1, or 2)")
	fs.StringVar(&cfg.metricsTopic, "metrics-topic", "nvr/metrics", "Topic prefix for periodic metrics reports")
	fs.Float64Var(&cfg.metricsInterval, "metrics-interval-s", 10, "Periodic metrics report interval in seconds (0 disables)")

	fs.BoolVar(&cfg.enableControlPlane, "enable-control-plane", true, "Subscribe to the command topic and accept control commands")
	fs.StringVar(&cfg.commandTopic, "command-topic", "nvr/commands", "Shared topic for inbound control commands")
	fs.StringVar(&cfg.statusTopicPrefix, "status-topic-prefix", "nvr/status", "Topic prefix for status/ack/on-demand-metrics")

	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.StringVar(&cfg.metricsHTTPAddr, "metrics-http-addr", "", "Address to serve Prometheus /metrics on (empty disables the listener)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.streamURIs = streamURIs

	if cfg.showVersion {
		return cfg, nil
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	if cfg.qos > 2 {
		return nil, fmt.Errorf("qos must be 0, 1, or 2, got %d", cfg.qos)
	}

	return cfg, nil
}

// parseSourceIDMapping parses the comma-separated -source-id-mapping
// flag into a slice of ints, in the same order as -stream-uri.
func parseSourceIDMapping(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid source-id-mapping entry %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// stringSliceFlag implements flag.Value for multiple string values.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
