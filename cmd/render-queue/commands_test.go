package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/config"
	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/taskstore"
)

func TestParseFrames(t *testing.T) {
	tests := []struct {
		in         string
		start, end int
		wantErr    bool
	}{
		{"10", 10, 10, false},
		{"0-120", 0, 120, false},
		{" 5 - 7 ", 5, 7, false},
		{"7-5", 0, 0, true},
		{"a-b", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		start, end, err := parseFrames(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFrames(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (start != tt.start || end != tt.end) {
			t.Errorf("parseFrames(%q) = %d, %d; want %d, %d", tt.in, start, end, tt.start, tt.end)
		}
	}
}

func TestTaskFlags_Task(t *testing.T) {
	f := taskFlags{
		project:  "/scenes/hero shot.c4d",
		output:   "/renders",
		version:  "2024",
		frames:   "1-50",
		threads:  8,
		gpu:      true,
		priority: "low",
	}
	task, err := f.task()
	if err != nil {
		t.Fatal(err)
	}
	if task.Name != "hero shot" {
		t.Errorf("Name = %q, want name derived from project", task.Name)
	}
	if *task.StartFrame != 1 || *task.EndFrame != 50 {
		t.Errorf("frames = %d-%d", *task.StartFrame, *task.EndFrame)
	}
	if task.Options.Threads != 8 || !task.Options.UseGPU || task.Options.Priority != domain.PriorityLow {
		t.Errorf("Options = %+v", task.Options)
	}
	if task.Status != domain.StatusPending || task.ID == "" {
		t.Errorf("task not initialised: %+v", task)
	}

	if _, err := (taskFlags{version: "2024"}).task(); err == nil {
		t.Error("missing project should fail")
	}
	if _, err := (taskFlags{project: "a.c4d", version: "2024", priority: "urgent"}).task(); err == nil {
		t.Error("unknown process priority should fail")
	}
}

func TestFindTask(t *testing.T) {
	tasks := []*domain.RenderTask{
		{ID: "abc123", Name: "one"},
		{ID: "abd456", Name: "two"},
	}
	got, err := findTask(tasks, "abc")
	if err != nil || got.Name != "one" {
		t.Errorf("findTask(abc) = %v, %v", got, err)
	}
	got, err = findTask(tasks, "abd456")
	if err != nil || got.Name != "two" {
		t.Errorf("findTask(abd456) = %v, %v", got, err)
	}
	if _, err := findTask(tasks, "ab"); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("findTask(ab) error = %v, want ambiguous", err)
	}
	if _, err := findTask(tasks, "zzz"); err == nil {
		t.Error("findTask(zzz) should fail")
	}
}

func TestAddRemoveVersion(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "Commandline")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()

	if err := addVersion(cfg, "2024", exe); err != nil {
		t.Fatal(err)
	}
	if cfg.Renderers["2024"] != exe {
		t.Errorf("Renderers = %v", cfg.Renderers)
	}
	if err := addVersion(cfg, "2025", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing executable should be rejected")
	}
	if err := addVersion(cfg, " ", exe); err == nil {
		t.Error("empty label should be rejected")
	}

	if err := removeVersion(cfg, "2024"); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Renderers) != 0 {
		t.Errorf("Renderers = %v, want empty", cfg.Renderers)
	}
	if err := removeVersion(cfg, "2024"); err == nil {
		t.Error("removing an unknown version should fail")
	}
}

func TestListFormatting(t *testing.T) {
	task := domain.NewTask("hero", "/p.c4d", "", "2024")
	if got := frames(task); got != "all" {
		t.Errorf("frames = %q", got)
	}
	task.SetFrames(3, 3)
	if got := frames(task); got != "3" {
		t.Errorf("frames = %q", got)
	}
	task.SetFrames(3, 9)
	if got := frames(task); got != "3-9" {
		t.Errorf("frames = %q", got)
	}

	now := time.Now()
	if err := task.MarkRunning(now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := task.MarkCompleted(now); err != nil {
		t.Fatal(err)
	}
	task.OutputFiles = []string{"a.png", "b.png"}
	if got := result(task); got != "1m0s, 2 files" {
		t.Errorf("result = %q", got)
	}

	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

// useTempConfig points the commands at a config whose data lives in a
// temp dir and returns the task store behind it
func useTempConfig(t *testing.T) *taskstore.Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.General.DataDir = dir
	cfg.General.TasksDir = filepath.Join(dir, "tasks")
	cfg.General.HistoryPath = filepath.Join(dir, "history.db")
	cfg.Logging.Level = "error"
	path := filepath.Join(dir, "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	previous := configPath
	configPath = path
	t.Cleanup(func() { configPath = previous })

	store, err := taskstore.New(cfg.General.TasksDir, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestListLeavesRunningTaskUntouched(t *testing.T) {
	store := useTempConfig(t)
	task := domain.NewTask("shot", "/scenes/shot.c4d", "", "2024")
	if err := task.MarkRunning(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(task); err != nil {
		t.Fatal(err)
	}

	// another process renders the task while list runs
	unlock, err := store.Lock()
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	if err := runList(nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := runHistory(nil, nil); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("LoadAll = %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != domain.StatusRunning || tasks[0].CompletedAt != nil {
		t.Errorf("task on disk = %s (completed %v), want running", tasks[0].Status, tasks[0].CompletedAt)
	}
}

func TestMutatingCommandsRefuseWhileQueueIsOwned(t *testing.T) {
	store := useTempConfig(t)
	task := domain.NewTask("shot", "/scenes/shot.c4d", "", "2024")
	if err := store.Save(task); err != nil {
		t.Fatal(err)
	}

	unlock, err := store.Lock()
	if err != nil {
		t.Fatal(err)
	}
	if err := runRemove(nil, []string{task.ID}); !errors.Is(err, taskstore.ErrLocked) {
		t.Fatalf("remove while owned: error = %v, want ErrLocked", err)
	}
	unlock()

	if err := runRemove(nil, []string{task.ID}); err != nil {
		t.Fatalf("remove after release: %v", err)
	}
	tasks, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("LoadAll = %d tasks, want the removed task gone", len(tasks))
	}
}
