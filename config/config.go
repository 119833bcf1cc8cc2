package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration for the server. Every policy constant
// the runtime consults (timeouts, retry ceilings, jitter bounds) lives
// here rather than being hard-coded.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"` // HTTP listen address
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"` // SQLite database file
	} `yaml:"database"`

	Scanner struct {
		PortStart        int           `yaml:"port_start"`        // first tunnel port to probe
		PortEnd          int           `yaml:"port_end"`          // last tunnel port to probe (inclusive)
		Interval         time.Duration `yaml:"interval"`          // delay between scan sweeps
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // per-port dial/handshake budget
	} `yaml:"scanner"`

	Registry struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // heartbeat age before a device goes offline
		SweepInterval    time.Duration `yaml:"sweep_interval"`    // derived-status sweep cadence
	} `yaml:"registry"`

	Task struct {
		MaxSteps         int           `yaml:"max_steps"`          // default step budget per task
		MaxHistoryImages int           `yaml:"max_history_images"` // frames retained in the model context
		StepRetryLimit   int           `yaml:"step_retry_limit"`   // transient step failures before the task fails
		WallClockLimit   time.Duration `yaml:"wall_clock_limit"`   // total run time budget per task
	} `yaml:"task"`

	Model struct {
		Provider    string        `yaml:"provider"`
		BaseURL     string        `yaml:"base_url"`
		ModelName   string        `yaml:"model_name"`
		APIKey      string        `yaml:"api_key"`
		MaxTokens   int           `yaml:"max_tokens"`
		Temperature float64       `yaml:"temperature"`
		TopP        float64       `yaml:"top_p"`
		Timeout     time.Duration `yaml:"timeout"` // per-request budget, independent of the HTTP client
		Streaming   bool          `yaml:"streaming"`
	} `yaml:"model"`

	AntiDetect struct {
		Enabled           bool          `yaml:"enabled"`
		JitterRadius      int           `yaml:"jitter_radius"`      // max coordinate offset in pixels
		DelayMin          time.Duration `yaml:"delay_min"`          // inter-action delay lower bound
		DelayMax          time.Duration `yaml:"delay_max"`          // inter-action delay upper bound
		BezierSteps       int           `yaml:"bezier_steps"`       // points sampled on a curved swipe
		ControlRandomness int           `yaml:"control_randomness"` // bezier control point offset in pixels
	} `yaml:"anti_detect"`

	Stream struct {
		Bitrate int           `yaml:"bitrate"`  // H.264 encoder bitrate
		Size    string        `yaml:"size"`     // capture resolution, WxH
		WarmTTL time.Duration `yaml:"warm_ttl"` // keep encoding this long after the last viewer leaves
	} `yaml:"stream"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Database.Path = "data/phonepilot.db"
	cfg.Scanner.PortStart = 6100
	cfg.Scanner.PortEnd = 6199
	cfg.Scanner.Interval = 10 * time.Second
	cfg.Scanner.HandshakeTimeout = 2 * time.Second
	cfg.Registry.HeartbeatTimeout = 120 * time.Second
	cfg.Registry.SweepInterval = 15 * time.Second
	cfg.Task.MaxSteps = 100
	cfg.Task.MaxHistoryImages = 3
	cfg.Task.StepRetryLimit = 3
	cfg.Task.WallClockLimit = 30 * time.Minute
	cfg.Model.Provider = "openai"
	cfg.Model.BaseURL = "http://localhost:8000/v1"
	cfg.Model.ModelName = "autoglm-phone-9b"
	cfg.Model.APIKey = "EMPTY"
	cfg.Model.MaxTokens = 3000
	cfg.Model.Temperature = 0.0
	cfg.Model.TopP = 0.85
	cfg.Model.Timeout = 120 * time.Second
	cfg.Model.Streaming = true
	cfg.AntiDetect.Enabled = true
	cfg.AntiDetect.JitterRadius = 8
	cfg.AntiDetect.DelayMin = 200 * time.Millisecond
	cfg.AntiDetect.DelayMax = 900 * time.Millisecond
	cfg.AntiDetect.BezierSteps = 20
	cfg.AntiDetect.ControlRandomness = 100
	cfg.Stream.Bitrate = 2_000_000
	cfg.Stream.Size = "720x1280"
	cfg.Stream.WarmTTL = 120 * time.Second
	return cfg
}

// Load reads the YAML configuration from the given path. Fields left
// unset in the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Scanner.PortStart > cfg.Scanner.PortEnd {
		return nil, fmt.Errorf("invalid scanner port range: %d-%d", cfg.Scanner.PortStart, cfg.Scanner.PortEnd)
	}
	if cfg.AntiDetect.DelayMin > cfg.AntiDetect.DelayMax {
		return nil, fmt.Errorf("anti_detect delay_min exceeds delay_max")
	}
	return cfg, nil
}
