// Package jobfile reads YAML manifests describing several render tasks at
// once.
//
// A manifest looks like:
//
//	defaults:
//	  version: "2024"
//	  output: renders/
//	  options:
//	    threads: 8
//	tasks:
//	  - name: Hero shot
//	    project: scenes/hero.c4d
//	    start_frame: 0
//	    end_frame: 120
//	  - name: Turntable
//	    project: scenes/turntable.c4d
//	    queue_priority: 1
//
// Relative paths are resolved against the manifest's directory.
package jobfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/render-queue/internal/domain"
)

// Defaults apply to every entry that leaves the field unset
type Defaults struct {
	Version       string                `yaml:"version"`
	Output        string                `yaml:"output"`
	Options       *domain.RenderOptions `yaml:"options"`
	QueuePriority int                   `yaml:"queue_priority"`
}

// Entry is one task in a manifest
type Entry struct {
	Name          string                `yaml:"name"`
	Project       string                `yaml:"project"`
	Output        string                `yaml:"output"`
	Version       string                `yaml:"version"`
	StartFrame    *int                  `yaml:"start_frame"`
	EndFrame      *int                  `yaml:"end_frame"`
	Options       *domain.RenderOptions `yaml:"options"`
	QueuePriority *int                  `yaml:"queue_priority"`
}

// Manifest is the document root
type Manifest struct {
	Defaults Defaults `yaml:"defaults"`
	Tasks    []Entry  `yaml:"tasks"`
}

// Load reads and converts the manifest at path
func Load(path string) ([]*domain.RenderTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	tasks, err := Parse(bytes.NewReader(data), filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

// Parse decodes a manifest from r. Relative paths are joined to baseDir.
// Every entry is validated; all problems are reported together.
func Parse(r io.Reader, baseDir string) ([]*domain.RenderTask, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Tasks) == 0 {
		return nil, errors.New("manifest has no tasks")
	}

	var tasks []*domain.RenderTask
	var errs []error
	for i, e := range m.Tasks {
		task := m.build(e, baseDir)
		if err := task.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("task %d (%s): %w", i+1, e.Name, err))
			continue
		}
		tasks = append(tasks, task)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (m *Manifest) build(e Entry, baseDir string) *domain.RenderTask {
	version := e.Version
	if version == "" {
		version = m.Defaults.Version
	}
	output := e.Output
	if output == "" {
		output = m.Defaults.Output
	}

	task := domain.NewTask(e.Name, resolve(baseDir, e.Project), resolve(baseDir, output), version)
	task.StartFrame = e.StartFrame
	task.EndFrame = e.EndFrame

	switch {
	case e.Options != nil:
		task.Options = *e.Options
	case m.Defaults.Options != nil:
		task.Options = *m.Defaults.Options
	}

	task.QueuePriority = m.Defaults.QueuePriority
	if e.QueuePriority != nil {
		task.QueuePriority = *e.QueuePriority
	}
	return task
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
