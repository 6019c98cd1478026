package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Game           string        `yaml:"game"`
	DataDir        string        `yaml:"data_dir"`
	DatabasePath   string        `yaml:"database"`
	LangFile       string        `yaml:"lang_file"`
	Debug          bool          `yaml:"debug"`
	Compat         bool          `yaml:"compat"`
	ExitOnFailure  bool          `yaml:"exit_on_failure"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	HistorySize    int           `yaml:"history_size"`
	SaveTimeout    time.Duration `yaml:"save_timeout"`

	Worker      WorkerConfig  `yaml:"worker"`
	Docker      DockerConfig  `yaml:"docker"`
	Markers     MarkerConfig  `yaml:"markers"`
	AutoSave    JobConfig     `yaml:"auto_save"`
	AutoBackup  BackupConfig  `yaml:"auto_backup"`
	AutoRestart RestartConfig `yaml:"auto_restart"`
	Render      RenderConfig  `yaml:"render"`
	Admin       AdminConfig   `yaml:"admin"`
	Log         LogConfig     `yaml:"log"`
}

// WorkerConfig describes how the worker executable is launched.
type WorkerConfig struct {
	Executable   string        `yaml:"executable"`
	Args         []string      `yaml:"args"`
	Memory       string        `yaml:"memory"`
	WorkDir      string        `yaml:"work_dir"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

type DockerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Image   string   `yaml:"image"`
	Name    string   `yaml:"name"`
	Ports   []string `yaml:"ports"`
	CPU     float64  `yaml:"cpu"`
}

// MarkerConfig overrides the output markers of the selected game adapter.
// Empty fields keep the adapter default.
type MarkerConfig struct {
	Save    string `yaml:"save"`
	Crash   string `yaml:"crash"`
	Ready   string `yaml:"ready"`
	Release string `yaml:"release"`
}

type JobConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"`
}

type BackupConfig struct {
	JobConfig `yaml:",inline"`
	WorldDir  string        `yaml:"world_dir"`
	Retention time.Duration `yaml:"retention"`
}

type RestartConfig struct {
	JobConfig `yaml:",inline"`
	Warnings  []time.Duration `yaml:"warnings"`
}

type RenderConfig struct {
	JobConfig      `yaml:",inline"`
	Command        []string      `yaml:"command"`
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

type AdminConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen"`
	DefaultUser    string   `yaml:"default_user"`
	DefaultPass    string   `yaml:"default_pass"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns a configuration with every option set to its default.
func Default() *Config {
	return &Config{
		Game:           "minecraft",
		DataDir:        "./data",
		RestartBackoff: 10 * time.Second,
		HistorySize:    500,
		SaveTimeout:    2 * time.Minute,
		Worker: WorkerConfig{
			Executable:   "java",
			Args:         []string{"-jar", "server.jar", "nogui"},
			Memory:       "2G",
			WorkDir:      "./server",
			ReadyTimeout: 3 * time.Minute,
			StopGrace:    15 * time.Second,
		},
		AutoSave: JobConfig{Enabled: true, Interval: 15 * time.Minute},
		AutoBackup: BackupConfig{
			JobConfig: JobConfig{Enabled: true, Interval: time.Hour},
			WorldDir:  "world",
			Retention: 7 * 24 * time.Hour,
		},
		AutoRestart: RestartConfig{
			JobConfig: JobConfig{Interval: 24 * time.Hour},
			Warnings:  []time.Duration{60 * time.Second, 30 * time.Second, 10 * time.Second},
		},
		Render: RenderConfig{
			JobConfig:      JobConfig{Interval: 6 * time.Hour},
			ReleaseTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Listen:         "127.0.0.1:8090",
			DefaultUser:    "admin",
			DefaultPass:    "admin",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8090"},
		},
		Log: LogConfig{MaxSizeMB: 10, MaxBackups: 5},
	}
}

// Load reads the YAML file at path (if it exists), applies REEDWRAP_*
// environment overrides and resolves relative paths.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Game = envOr("REEDWRAP_GAME", cfg.Game)
	cfg.DataDir = envOr("REEDWRAP_DATA_DIR", cfg.DataDir)
	cfg.DatabasePath = envOr("REEDWRAP_DB", cfg.DatabasePath)
	cfg.Worker.Executable = envOr("REEDWRAP_EXECUTABLE", cfg.Worker.Executable)
	cfg.Worker.Memory = envOr("REEDWRAP_MEMORY", cfg.Worker.Memory)
	cfg.Worker.WorkDir = envOr("REEDWRAP_WORK_DIR", cfg.Worker.WorkDir)
	cfg.Admin.Listen = envOr("REEDWRAP_LISTEN", cfg.Admin.Listen)
	cfg.Admin.DefaultUser = envOr("REEDWRAP_DEFAULT_USER", cfg.Admin.DefaultUser)
	cfg.Admin.DefaultPass = envOr("REEDWRAP_DEFAULT_PASS", cfg.Admin.DefaultPass)
	cfg.Debug = envBool("REEDWRAP_DEBUG", cfg.Debug)
}

func (c *Config) resolve() error {
	// Docker bind mounts require absolute paths
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dataDir
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(dataDir, "reedwrap.db")
	}
	workDir, err := filepath.Abs(c.Worker.WorkDir)
	if err != nil {
		return err
	}
	c.Worker.WorkDir = workDir
	return nil
}

// Validate reports the first option that cannot work.
func (c *Config) Validate() error {
	if c.Worker.Executable == "" && !c.Docker.Enabled {
		return errors.New("config: worker.executable is required")
	}
	if c.Docker.Enabled && c.Docker.Image == "" {
		return errors.New("config: docker.image is required when docker is enabled")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("config: history_size must be positive, got %d", c.HistorySize)
	}
	if c.Worker.StopGrace <= 0 {
		return errors.New("config: worker.stop_grace must be positive")
	}
	for name, job := range map[string]JobConfig{
		"auto_save":    c.AutoSave,
		"auto_backup":  c.AutoBackup.JobConfig,
		"auto_restart": c.AutoRestart.JobConfig,
		"render":       c.Render.JobConfig,
	} {
		if job.Enabled && job.Interval <= 0 && job.Cron == "" {
			return fmt.Errorf("config: %s needs an interval or a cron expression", name)
		}
	}
	if c.Render.Enabled && len(c.Render.Command) == 0 {
		return errors.New("config: render.command is required when render is enabled")
	}
	return nil
}

// WorkerCommand assembles the worker command line, heap-size arguments first.
func (c *Config) WorkerCommand() []string {
	cmd := []string{c.Worker.Executable}
	if mem := strings.TrimSpace(c.Worker.Memory); mem != "" {
		cmd = append(cmd, "-Xms"+mem, "-Xmx"+mem)
	}
	return append(cmd, c.Worker.Args...)
}

// WorldDir returns the absolute directory archived by backups.
func (c *Config) WorldDir() string {
	if filepath.IsAbs(c.AutoBackup.WorldDir) {
		return c.AutoBackup.WorldDir
	}
	return filepath.Join(c.Worker.WorkDir, c.AutoBackup.WorldDir)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
