// Package config loads the SFU's configuration, either from the CONFIG
// environment variable or from a YAML file path, following the same
// env-first-then-path strategy used throughout this codebase's ambient
// tooling.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/flowmesh/sfu/pkg/telemetry"
)

// Config is the root configuration object, unmarshaled from YAML.
type Config struct {
	// Session governs admission, quota and shutdown behaviour.
	Session SessionConfig `yaml:"session"`
	// Router configures the media router's data plane.
	Router RouterConfig `yaml:"router"`
	// Selector configures the layer selector's decision thresholds.
	Selector SelectorConfig `yaml:"selector"`
	// Feedback configures the feedback processor's rate limiting.
	Feedback FeedbackConfig `yaml:"feedback"`
	// Telemetry configures the trace exporter.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// LogLevel is the level from which to start logging, e.g. "info".
	LogLevel string `yaml:"log"`
}

// SessionConfig is the §6 "max_participants" / admission knob group.
type SessionConfig struct {
	// MaxParticipants bounds concurrent sessions. Zero means unlimited.
	MaxParticipants int `yaml:"maxParticipants"`
	// MaxBitrate bounds a single session's aggregate published bitrate,
	// in bits per second. Zero means unlimited.
	MaxBitrate int64 `yaml:"maxBitrate"`
	// ShutdownDeadline bounds how long cooperative shutdown waits for
	// in-flight tasks before hard-dropping them.
	ShutdownDeadline time.Duration `yaml:"shutdownDeadline"`
}

// RouterConfig groups the knobs that govern the data plane.
type RouterConfig struct {
	// EnableSimulcast toggles layer-aware forwarding; when false every
	// track behaves as non-simulcast regardless of announced layers.
	EnableSimulcast bool `yaml:"enableSimulcast"`
	// PLITimeout bounds how long a coalesced outstanding PLI is held
	// before a new one may be issued.
	PLITimeout time.Duration `yaml:"pliTimeout"`
	// EgressQueueDepth bounds each edge's per-subscriber egress queue.
	EgressQueueDepth int `yaml:"egressQueueDepth"`
	// SendDeadline bounds every egress send.
	SendDeadline time.Duration `yaml:"sendDeadline"`
	// FailureBudget is the number of consecutive egress failures that
	// tear an edge down.
	FailureBudget int `yaml:"failureBudget"`
	// StallTimeout bounds how long a spatial layer may go without a
	// packet before edges pinned to it are force-recovered to the
	// track's lowest layer. Zero disables stall detection.
	StallTimeout time.Duration `yaml:"stallTimeout"`
	// BufferSize is the MTU-sized buffer length used by the packet pool.
	BufferSize int `yaml:"bufferSize"`
	// PoolCapacity bounds how many buffers the packet pool retains.
	PoolCapacity int `yaml:"poolCapacity"`
}

// SelectorConfig groups the hysteresis constants from §4.5/§9 Open
// Question (b); kept tunable rather than hardcoded since the spec notes
// they must be validated empirically.
type SelectorConfig struct {
	// SafetyMargin is applied to a candidate layer's target bitrate
	// before it is considered affordable (default 1.15).
	SafetyMargin float64 `yaml:"safetyMargin"`
	// UpshiftFactor is the headroom an upshift requires: bandwidth must
	// reach the higher layer's target bitrate times UpshiftFactor. It is
	// applied instead of SafetyMargin, not on top of it (default 1.25).
	UpshiftFactor float64 `yaml:"upshiftFactor"`
	// UpshiftHold is the minimum time since the last layer change before
	// another upshift may fire (default 5s, "T_up").
	UpshiftHold time.Duration `yaml:"upshiftHold"`
	// DownshiftHold is how long a layer must stay unaffordable before a
	// non-urgent downshift fires (default 1s, "T_down").
	DownshiftHold time.Duration `yaml:"downshiftHold"`
	// MaxLoss is the loss-rate ceiling L_max (default 0.05).
	MaxLoss float64 `yaml:"maxLoss"`
	// EWMAHalfLife is the half-life of the bandwidth/loss estimators.
	EWMAHalfLife time.Duration `yaml:"ewmaHalfLife"`
	// EvaluationInterval is loaded with the config (default 200ms). The
	// selector does not read it: Decide re-evaluates on every call, with
	// no minimum interval between decisions.
	EvaluationInterval time.Duration `yaml:"evaluationInterval"`
}

// FeedbackConfig groups the feedback processor's rate limiting knobs.
type FeedbackConfig struct {
	// MessagesPerSecond bounds non-critical feedback per edge.
	MessagesPerSecond float64 `yaml:"messagesPerSecond"`
	// Burst bounds the token bucket's burst size.
	Burst int `yaml:"burst"`
}

// Default returns the configuration populated with spec-mandated defaults,
// suitable as a base before a YAML file overrides individual fields.
func Default() Config {
	return Config{
		Session: SessionConfig{
			ShutdownDeadline: 5 * time.Second,
		},
		Router: RouterConfig{
			EnableSimulcast:  true,
			PLITimeout:       time.Second,
			EgressQueueDepth: 256,
			SendDeadline:     100 * time.Millisecond,
			FailureBudget:    16,
			BufferSize:       1500,
			PoolCapacity:     4096,
			StallTimeout:     3 * time.Second,
		},
		Selector: SelectorConfig{
			SafetyMargin:       1.15,
			UpshiftFactor:      1.25,
			UpshiftHold:        5 * time.Second,
			DownshiftHold:      time.Second,
			MaxLoss:            0.05,
			EWMAHalfLife:       2 * time.Second,
			EvaluationInterval: 200 * time.Millisecond,
		},
		Feedback: FeedbackConfig{
			MessagesPerSecond: 10,
			Burst:             10,
		},
		LogLevel: "info",
	}
}

// ErrNoConfigEnvVar is returned by LoadConfigFromEnv when CONFIG is unset.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// LoadConfig tries the CONFIG environment variable first, falling back
// to the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// LoadConfigFromEnv loads the config from the CONFIG environment variable.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// LoadConfigFromPath loads the config from a YAML file.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// LoadConfigFromString parses a YAML document into a Config, seeded with
// Default() values so unset fields keep the spec's defaults.
func LoadConfigFromString(configString string) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Session.MaxParticipants < 0 ||
		config.Router.EgressQueueDepth <= 0 ||
		config.Router.SendDeadline <= 0 ||
		config.Selector.UpshiftHold <= config.Selector.DownshiftHold {
		return nil, errors.New("invalid config values")
	}

	return &config, nil
}
