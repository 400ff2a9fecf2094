// Package config loads oxsets settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "oxsets.yaml"

// Config is the top-level application configuration.
type Config struct {
	Sets       SetsConfig       `yaml:"sets"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Server     ServerConfig     `yaml:"server"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// SetsConfig locates the agent bundles.
type SetsConfig struct {
	Path   string `yaml:"path"`   // root scanned for bundles (default: 3OX.SETS)
	Suffix string `yaml:"suffix"` // bundle directory suffix (default: .3ox)
}

// SupervisorConfig controls how agent processes are run.
type SupervisorConfig struct {
	Interpreter string            `yaml:"interpreter"`
	LogDir      string            `yaml:"log_dir"`
	GracePeriod time.Duration     `yaml:"grace_period"`
	BrokerURL   string            `yaml:"broker_url"`
	TailLines   int               `yaml:"tail_lines"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	RateLimit         float64       `yaml:"rate_limit"` // requests per second per client; 0 disables
	RateBurst         int           `yaml:"rate_burst"`
	AllowedOrigins    []string      `yaml:"allowed_origins,omitempty"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SchedulerConfig holds periodic maintenance tasks.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // "rescan" or "reconcile"
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// Defaults returns a Config matching the behaviour of a bare install:
// bundles under ./3OX.SETS, logs under ./logs, API on 127.0.0.1:8001.
func Defaults() *Config {
	return &Config{
		Sets: SetsConfig{
			Path:   "3OX.SETS",
			Suffix: ".3ox",
		},
		Supervisor: SupervisorConfig{
			Interpreter: "ruby",
			LogDir:      "logs",
			GracePeriod: 5 * time.Second,
			BrokerURL:   "amqp://localhost:5672",
			TailLines:   100,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8001",
			RateLimit:         20,
			RateBurst:         40,
			AllowedOrigins:    []string{"*"},
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "reconcile", Schedule: "30s", Action: "reconcile"},
			},
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		inc := newIncluder(absPath)
		if err := inc.apply(cfg); err != nil {
			return nil, err
		}
		// The main file wins over anything it included.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps OXSETS_* env vars to config fields. The legacy
// 3OX_SETS_PATH is honoured when OXSETS_SETS_PATH is unset.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("3OX_SETS_PATH"); v != "" {
		cfg.Sets.Path = v
	}
	if v := os.Getenv("OXSETS_SETS_PATH"); v != "" {
		cfg.Sets.Path = v
	}
	if v := os.Getenv("OXSETS_SUPERVISOR_INTERPRETER"); v != "" {
		cfg.Supervisor.Interpreter = v
	}
	if v := os.Getenv("OXSETS_SUPERVISOR_LOG_DIR"); v != "" {
		cfg.Supervisor.LogDir = v
	}
	if v := os.Getenv("OXSETS_SUPERVISOR_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.GracePeriod = d
		}
	}
	if v := os.Getenv("OXSETS_SUPERVISOR_BROKER_URL"); v != "" {
		cfg.Supervisor.BrokerURL = v
	}
	if v := os.Getenv("OXSETS_SUPERVISOR_TAIL_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.TailLines = n
		}
	}
	if v := os.Getenv("OXSETS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OXSETS_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("OXSETS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OXSETS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OXSETS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("OXSETS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OXSETS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("OXSETS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("OXSETS_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
