// Package batch runs the render queue inside scheduled processing windows,
// for example overnight when the workstation is otherwise idle.
package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultMaxDuration = 8 * time.Hour

// Window is one scheduled processing window
type Window struct {
	Name string `toml:"name"`
	// Cron is a five-field expression for the window start
	Cron string `toml:"cron"`
	// MaxTasks stops the window after this many renders finished (0 = no limit)
	MaxTasks int `toml:"max_tasks"`
	// MaxDuration is a Go duration string such as "8h"
	MaxDuration string `toml:"max_duration"`
	// StopWhenIdle ends the window as soon as the queue has drained
	StopWhenIdle bool `toml:"stop_when_idle"`

	duration time.Duration
}

// ScheduleConfig holds all windows
type ScheduleConfig struct {
	Windows []Window `toml:"window"`
}

// Validate checks the window and fills defaults
func (w *Window) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("window name is required")
	}
	if w.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(w.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if w.MaxTasks < 0 {
		return fmt.Errorf("max_tasks must not be negative")
	}
	w.duration = defaultMaxDuration
	if w.MaxDuration != "" {
		d, err := time.ParseDuration(w.MaxDuration)
		if err != nil {
			return fmt.Errorf("invalid max_duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("max_duration must be positive")
		}
		w.duration = d
	}
	return nil
}

// Duration returns the validated window length
func (w Window) Duration() time.Duration {
	if w.duration <= 0 {
		return defaultMaxDuration
	}
	return w.duration
}

// LoadScheduleConfig loads windows from a TOML file. A missing file means
// no windows.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	if path == "" {
		return &ScheduleConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range cfg.Windows {
		if err := cfg.Windows[i].Validate(); err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		if seen[cfg.Windows[i].Name] {
			return nil, fmt.Errorf("window %d: duplicate name %q", i, cfg.Windows[i].Name)
		}
		seen[cfg.Windows[i].Name] = true
	}

	return &cfg, nil
}
