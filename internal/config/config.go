package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/render-queue/internal/atomicfile"
)

// Queue dispatch modes
const (
	ModeSerial = "serial"
	ModePool   = "pool"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Renderers     map[string]string   `toml:"renderers"`
	Logging       LoggingConfig       `toml:"logging"`
	Queue         QueueConfig         `toml:"queue"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds storage locations
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	TasksDir     string `toml:"tasks_dir"`
	HistoryPath  string `toml:"history_path"`
	SchedulePath string `toml:"schedule_path"`
}

// LoggingConfig holds log destination settings
type LoggingConfig struct {
	LogToFile bool   `toml:"log_to_file"`
	LogFile   string `toml:"log_file"`
	Level     string `toml:"level"`
}

// QueueConfig holds dispatcher settings
type QueueConfig struct {
	Mode       string `toml:"mode"`
	MaxWorkers int    `toml:"max_workers"` // 0 = derive from host resources
	LogPrefix  string `toml:"log_prefix"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".render-queue")
	return &Config{
		General: GeneralConfig{
			DataDir:     dataDir,
			TasksDir:    filepath.Join(dataDir, "tasks"),
			HistoryPath: filepath.Join(dataDir, "history.db"),
		},
		Renderers: map[string]string{},
		Logging: LoggingConfig{
			LogToFile: false,
			LogFile:   filepath.Join(dataDir, "render-queue.log"),
			Level:     "info",
		},
		Queue: QueueConfig{
			Mode:      ModeSerial,
			LogPrefix: "[C4D] ",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Renderers == nil {
		cfg.Renderers = map[string]string{}
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.TasksDir = ExpandPath(cfg.General.TasksDir)
	cfg.General.HistoryPath = ExpandPath(cfg.General.HistoryPath)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)
	cfg.Logging.LogFile = ExpandPath(cfg.Logging.LogFile)
	for version, exe := range cfg.Renderers {
		cfg.Renderers[version] = ExpandPath(exe)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have a closed set of options
func (c *Config) Validate() error {
	switch c.Queue.Mode {
	case "", ModeSerial, ModePool:
	default:
		return fmt.Errorf("queue.mode must be %q or %q, got %q", ModeSerial, ModePool, c.Queue.Mode)
	}
	if c.Queue.MaxWorkers < 0 {
		return fmt.Errorf("queue.max_workers must not be negative")
	}
	return nil
}

// Save writes the configuration to path, replacing the file atomically
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, data, 0644)
}

// RendererVersions returns the configured version labels in sorted order
func (c *Config) RendererVersions() []string {
	versions := make([]string, 0, len(c.Renderers))
	for v := range c.Renderers {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "render-queue", "config.toml")
}
