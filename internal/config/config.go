package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"go-simpler.org/env"
	"gopkg.in/dealancer/validate.v2"
)

const (
	defaultConfigPath = "~/.config/deghost/config.json"
	defaultParallel   = 1
)

// Config holds user-editable settings for the service.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Composite  Composite  `json:"composite"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences. Only one burst is composited
// at a time, so extra workers queue behind the studio.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" validate:"gte=1 & lte=64"`
	QueueSize    int    `json:"queue_size" validate:"gte=1"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // traditional, text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" validate:"empty=false"`
	DatabasePath  string `json:"database_path" validate:"empty=false"`
}

// Composite holds the stored preferences a session is initialized from.
type Composite struct {
	SensitivityPreference int    `json:"sensitivity_preference" validate:"gte=0 & lte=30"`
	MinSizeDivisor        int    `json:"min_size_divisor" validate:"gte=0"`
	GhostingPreference    int    `json:"ghosting_preference" validate:"gte=0 & lte=2"`
	DisplayWidth          int    `json:"display_width" validate:"gte=1"`
	DisplayHeight         int    `json:"display_height" validate:"gte=1"`
	Angle                 int    `json:"angle"`
	MaxFrameBytes         int    `json:"max_frame_bytes" validate:"gte=1"`
	Allocator             string `json:"allocator"` // mmap, heap or empty for the platform default
	NativeBudgetMB        int    `json:"native_budget_mb" validate:"gte=0"`
}

// Server configures the HTTP and gRPC surfaces.
type Server struct {
	HTTPAddr        string  `json:"http_addr"`
	GRPCAddr        string  `json:"grpc_addr"`
	OrderChangeRate float64 `json:"order_change_rate"` // per second
	OrderBurst      int     `json:"order_burst" validate:"gte=1"`
}

// Watch configures the burst inbox.
type Watch struct {
	Inbox         string `json:"inbox"`
	SettleSeconds int    `json:"settle_seconds" validate:"gte=1"`
}

// envOverrides are applied on top of the file when set.
type envOverrides struct {
	ConfigPath   string `env:"DEGHOST_CONFIG"`
	LogLevel     string `env:"DEGHOST_LOG_LEVEL"`
	LogFormat    string `env:"DEGHOST_LOG_FORMAT"`
	HTTPAddr     string `env:"DEGHOST_HTTP_ADDR"`
	GRPCAddr     string `env:"DEGHOST_GRPC_ADDR"`
	DatabasePath string `env:"DEGHOST_DB"`
	Inbox        string `env:"DEGHOST_INBOX"`
	OutputDir    string `env:"DEGHOST_OUTPUT"`
	ParallelJobs int    `env:"DEGHOST_PARALLEL_JOBS"`
}

// Load reads .env, then the config file, then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return LoadFrom(afero.NewOsFs())
}

// LoadFrom reads the configuration from fsys, falling back to defaults when
// the file does not exist.
func LoadFrom(fsys afero.Fs) (*Config, error) {
	var overrides envOverrides
	if err := env.Load(&overrides, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := defaultConfig()

	path, err := Path(overrides.ConfigPath)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fsys, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	overrides.apply(cfg)

	if err := validate.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o envOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Logging.Format, o.LogFormat)
	set(&cfg.Server.HTTPAddr, o.HTTPAddr)
	set(&cfg.Server.GRPCAddr, o.GRPCAddr)
	set(&cfg.Paths.DatabasePath, o.DatabasePath)
	set(&cfg.Paths.DefaultOutput, o.OutputDir)
	set(&cfg.Watch.Inbox, o.Inbox)
	if o.ParallelJobs > 0 {
		cfg.Processing.ParallelJobs = o.ParallelJobs
	}
}

// Path resolves the config file location; an empty override means the default.
func Path(override string) (string, error) {
	if override == "" {
		override = defaultConfigPath
	}
	return expandUser(override)
}

// Write stores cfg as indented JSON, creating parent directories.
func Write(fsys afero.Fs, path string, cfg *Config) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, append(data, '\n'), 0644)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    16,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "deghost.db"),
		},
		Composite: Composite{
			SensitivityPreference: 19,
			MinSizeDivisor:        1000,
			GhostingPreference:    2,
			DisplayWidth:          720,
			DisplayHeight:         1280,
			MaxFrameBytes:         64 << 20,
		},
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			OrderChangeRate: 4,
			OrderBurst:      2,
		},
		Watch: Watch{
			Inbox:         "./inbox",
			SettleSeconds: 2,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
