package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/tether/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. TETHER_PROBE_FIRST_PORT.
const EnvPrefix = "TETHER"

// Config represents the top-level TOML structure.
//
//	[backend]
//	name = "neptune-backend"
//	search_roots = ["/opt/neptune/neptune-backend"]
//
//	[probe]
//	first_port = 8000
//	last_port = 8009
type Config struct {
	Backend BackendConfig `toml:"backend" mapstructure:"backend"`
	Reclaim ReclaimConfig `toml:"reclaim" mapstructure:"reclaim"`
	Probe   ProbeConfig   `toml:"probe" mapstructure:"probe"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Status  StatusConfig  `toml:"status" mapstructure:"status"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

// BackendConfig describes where the backend lives and how it is invoked.
type BackendConfig struct {
	Name               string        `toml:"name" mapstructure:"name"`                               // label for logs, metrics and capture files
	ResourceDir        string        `toml:"resource_dir" mapstructure:"resource_dir"`               // packaged resource directory supplied by the host
	Artifact           string        `toml:"artifact" mapstructure:"artifact"`                       // compiled backend file name inside resource_dir
	PackagedArgs       []string      `toml:"packaged_args" mapstructure:"packaged_args"`             // args for the packaged artifact
	SourceDirName      string        `toml:"source_dir_name" mapstructure:"source_dir_name"`         // sibling source directory name
	SearchRoots        []string      `toml:"search_roots" mapstructure:"search_roots"`               // extra source directories, tried in order
	VenvInterpreter    string        `toml:"venv_interpreter" mapstructure:"venv_interpreter"`       // interpreter path relative to a source dir
	SystemInterpreters []string      `toml:"system_interpreters" mapstructure:"system_interpreters"` // PATH lookups when no venv exists
	ModuleArgs         []string      `toml:"module_args" mapstructure:"module_args"`                 // args for source layout; {host} and {port} expand
	Host               string        `toml:"host" mapstructure:"host"`
	Env                []string      `toml:"env" mapstructure:"env"`
	PIDFile            string        `toml:"pid_file" mapstructure:"pid_file"`
	StopGrace          time.Duration `toml:"stop_grace" mapstructure:"stop_grace"` // SIGTERM to SIGKILL escalation
}

type ReclaimConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	Signatures []string      `toml:"signatures" mapstructure:"signatures"` // substrings matched against process name and command line
	Grace      time.Duration `toml:"grace" mapstructure:"grace"`
	Settle     time.Duration `toml:"settle" mapstructure:"settle"`
}

type ProbeConfig struct {
	Host        string        `toml:"host" mapstructure:"host"`
	FirstPort   int           `toml:"first_port" mapstructure:"first_port"`
	LastPort    int           `toml:"last_port" mapstructure:"last_port"`
	Settle      time.Duration `toml:"settle" mapstructure:"settle"`
	DialTimeout time.Duration `toml:"dial_timeout" mapstructure:"dial_timeout"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      string `toml:"color" mapstructure:"color"` // auto, always, never
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"` // host log file
	Dir        string `toml:"dir" mapstructure:"dir"`   // backend stdout/stderr capture directory
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type StatusConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// Default returns the built-in configuration for the neptune backend layout.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Name:               "neptune-backend",
			Artifact:           "neptune-backend",
			SourceDirName:      "neptune-backend",
			VenvInterpreter:    filepath.Join("neptune-env", "bin", "python"),
			SystemInterpreters: []string{"python3", "python"},
			ModuleArgs:         []string{"-m", "uvicorn", "app.main:app", "--host", "{host}", "--port", "{port}"},
			Host:               "127.0.0.1",
			PIDFile:            defaultPIDFile(),
			StopGrace:          3 * time.Second,
		},
		Reclaim: ReclaimConfig{
			Enabled:    true,
			Signatures: []string{"neptune-backend"},
			Grace:      time.Second,
			Settle:     time.Second,
		},
		Probe: ProbeConfig{
			Host:        "127.0.0.1",
			FirstPort:   8000,
			LastPort:    8009,
			Settle:      2 * time.Second,
			DialTimeout: 300 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logger.FormatText),
			Color:  "auto",
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9100"},
		Status:  StatusConfig{Listen: "127.0.0.1:9101", BasePath: "/api"},
	}
}

func defaultPIDFile() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "tether", "backend.pid")
}

// Load reads the optional TOML file at path, applies TETHER_* environment
// overrides and fills the remaining keys from Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("backend.name", d.Backend.Name)
	v.SetDefault("backend.resource_dir", d.Backend.ResourceDir)
	v.SetDefault("backend.artifact", d.Backend.Artifact)
	v.SetDefault("backend.packaged_args", d.Backend.PackagedArgs)
	v.SetDefault("backend.source_dir_name", d.Backend.SourceDirName)
	v.SetDefault("backend.search_roots", d.Backend.SearchRoots)
	v.SetDefault("backend.venv_interpreter", d.Backend.VenvInterpreter)
	v.SetDefault("backend.system_interpreters", d.Backend.SystemInterpreters)
	v.SetDefault("backend.module_args", d.Backend.ModuleArgs)
	v.SetDefault("backend.host", d.Backend.Host)
	v.SetDefault("backend.env", d.Backend.Env)
	v.SetDefault("backend.pid_file", d.Backend.PIDFile)
	v.SetDefault("backend.stop_grace", d.Backend.StopGrace)

	v.SetDefault("reclaim.enabled", d.Reclaim.Enabled)
	v.SetDefault("reclaim.signatures", d.Reclaim.Signatures)
	v.SetDefault("reclaim.grace", d.Reclaim.Grace)
	v.SetDefault("reclaim.settle", d.Reclaim.Settle)

	v.SetDefault("probe.host", d.Probe.Host)
	v.SetDefault("probe.first_port", d.Probe.FirstPort)
	v.SetDefault("probe.last_port", d.Probe.LastPort)
	v.SetDefault("probe.settle", d.Probe.Settle)
	v.SetDefault("probe.dial_timeout", d.Probe.DialTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.timestamps", d.Log.TimeStamps)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.stdout", d.Log.Stdout)
	v.SetDefault("log.stderr", d.Log.Stderr)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.listen", d.Status.Listen)
	v.SetDefault("status.base_path", d.Status.BasePath)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.dsn", d.History.DSN)
}

// Validate checks the constraints the supervisor relies on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.Name) == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	if c.Backend.ResourceDir != "" && strings.TrimSpace(c.Backend.Artifact) == "" {
		errs = append(errs, errors.New("backend.artifact is required when backend.resource_dir is set"))
	}
	if c.Probe.FirstPort <= 0 || c.Probe.FirstPort > 65535 {
		errs = append(errs, fmt.Errorf("probe.first_port %d out of range", c.Probe.FirstPort))
	}
	if c.Probe.LastPort < c.Probe.FirstPort || c.Probe.LastPort > 65535 {
		errs = append(errs, fmt.Errorf("probe.last_port %d must be within [%d, 65535]", c.Probe.LastPort, c.Probe.FirstPort))
	}
	for name, d := range map[string]time.Duration{
		"backend.stop_grace": c.Backend.StopGrace,
		"reclaim.grace":      c.Reclaim.Grace,
		"reclaim.settle":     c.Reclaim.Settle,
		"probe.settle":       c.Probe.Settle,
		"probe.dial_timeout": c.Probe.DialTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	if c.Reclaim.Enabled && len(c.Reclaim.Signatures) == 0 && c.Backend.PIDFile == "" {
		errs = append(errs, errors.New("reclaim.enabled requires reclaim.signatures or backend.pid_file"))
	}
	for _, s := range c.Reclaim.Signatures {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("reclaim.signatures cannot contain empty entries"))
			break
		}
	}
	switch logger.Format(c.Log.Format) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Log.Color {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("log.color %q must be auto, always or never", c.Log.Color))
	}
	return errors.Join(errs...)
}

// LoggerConfig converts the [log] section into logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	l := c.Log
	color := false
	switch l.Color {
	case "always":
		color = true
	case "", "auto":
		color = logger.DetectColor(os.Stderr)
	}
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     logger.Format(l.Format),
			Color:      color,
			TimeStamps: l.TimeStamps,
			Path:       l.File,
		},
		File: logger.FileConfig{
			Dir:        l.Dir,
			StdoutPath: l.Stdout,
			StderrPath: l.Stderr,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}
