// Package taskstore keeps one JSON document per render task on disk.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/atomicfile"
	"github.com/hochfrequenz/render-queue/internal/domain"
)

const filePattern = "task_*.json"

// CommandFunc renders the informational command line stored with a task
type CommandFunc func(*domain.RenderTask) (string, error)

// record is the on-disk document. Command is written for audit only and
// ignored on load.
type record struct {
	*domain.RenderTask
	Command string `json:"command,omitempty"`
}

// Store provides file-backed task persistence
type Store struct {
	dir     string
	command CommandFunc
	logger  *zap.Logger
}

// New creates a store rooted at dir, creating the directory if needed.
// command may be nil.
func New(dir string, command CommandFunc, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating task directory: %w", err)
	}
	return &Store{dir: dir, command: command, logger: logger.Named("taskstore")}, nil
}

// Dir returns the task directory
func (s *Store) Dir() string {
	return s.dir
}

// FileName returns the file name used for task
func FileName(task *domain.RenderTask) string {
	return fmt.Sprintf("task_%s_%s.json", task.CreatedAt.Format("20060102_150405"), task.ID)
}

// Path returns the full path of task's file
func (s *Store) Path(task *domain.RenderTask) string {
	return filepath.Join(s.dir, FileName(task))
}

// Save writes task, replacing any previous version
func (s *Store) Save(task *domain.RenderTask) error {
	rec := record{RenderTask: task}
	if s.command != nil {
		cmd, err := s.command(task)
		if err != nil {
			s.logger.Warn("building command line for task file",
				zap.String("task_id", task.ID), zap.Error(err))
		} else {
			rec.Command = cmd
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	if err := atomicfile.WriteFile(s.Path(task), data, 0644); err != nil {
		return fmt.Errorf("writing task %s: %w", task.ID, err)
	}
	return nil
}

// SaveAll writes every task. A failing task does not stop the others; the
// failures are returned joined.
func (s *Store) SaveAll(tasks []*domain.RenderTask) error {
	var errs []error
	for _, t := range tasks {
		if err := s.Save(t); err != nil {
			s.logger.Error("saving task", zap.String("task_id", t.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete removes task's file. A missing file is not an error.
func (s *Store) Delete(task *domain.RenderTask) error {
	if err := os.Remove(s.Path(task)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting task %s: %w", task.ID, err)
	}
	return nil
}

// LoadAll reads every task file in the directory, oldest first. Files that
// cannot be parsed are logged and skipped.
func (s *Store) LoadAll() ([]*domain.RenderTask, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, filePattern))
	if err != nil {
		return nil, err
	}

	var tasks []*domain.RenderTask
	for _, path := range paths {
		task, err := readTask(path)
		if err != nil {
			s.logger.Warn("skipping unreadable task file", zap.String("path", path), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func readTask(path string) (*domain.RenderTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := record{RenderTask: &domain.RenderTask{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	task := rec.RenderTask
	if task.ID == "" {
		return nil, errors.New("task file has no id")
	}
	if task.Status == "" {
		return nil, errors.New("task file has no status")
	}
	return task, nil
}
