// Package renderer launches the external command-line renderer for a task
// and reports its output.
package renderer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

// DefaultTimeout is the wall-clock ceiling for one render
const DefaultTimeout = 300 * time.Second

// waitDelay bounds how long output pipes are drained after the process was
// killed.
const waitDelay = 2 * time.Second

// Publisher receives renderer output events
type Publisher interface {
	Publish(events.Event)
}

// Config configures an Invoker
type Config struct {
	// Renderers maps version labels to executable paths
	Renderers map[string]string
	// LogPrefix is stripped from the start of renderer output lines
	LogPrefix string
	// Timeout overrides DefaultTimeout when positive
	Timeout time.Duration
}

// Invoker builds renderer command lines and runs them
type Invoker struct {
	renderers map[string]string
	prefix    string
	timeout   time.Duration
	pub       Publisher
	logger    *zap.Logger
}

// New creates an invoker. pub may be nil.
func New(cfg Config, pub Publisher, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	renderers := make(map[string]string, len(cfg.Renderers))
	for k, v := range cfg.Renderers {
		renderers[k] = v
	}
	return &Invoker{
		renderers: renderers,
		prefix:    cfg.LogPrefix,
		timeout:   timeout,
		pub:       pub,
		logger:    logger.Named("renderer"),
	}
}

// Timeout returns the per-render ceiling
func (i *Invoker) Timeout() time.Duration {
	return i.timeout
}

// ValidateInstallation returns the problems with the executable configured
// for version. An empty result means the installation is usable.
func (i *Invoker) ValidateInstallation(version string) []string {
	exe, ok := i.renderers[version]
	if !ok || exe == "" {
		return []string{fmt.Sprintf("unknown renderer version %q", version)}
	}
	info, err := os.Stat(exe)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{fmt.Sprintf("renderer executable not found: %s", exe)}
		}
		return []string{fmt.Sprintf("cannot access renderer executable %s: %v", exe, err)}
	}
	if info.IsDir() {
		return []string{fmt.Sprintf("renderer executable is a directory: %s", exe)}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0111 == 0 {
		return []string{fmt.Sprintf("renderer executable is not executable: %s", exe)}
	}
	return nil
}

// ValidateProject returns the problems with the task's project file
func (i *Invoker) ValidateProject(task *domain.RenderTask) []string {
	if task.ProjectPath == "" {
		return []string{"no project file set"}
	}
	info, err := os.Stat(task.ProjectPath)
	if err != nil {
		return []string{fmt.Sprintf("project file not found: %s", task.ProjectPath)}
	}
	if info.IsDir() {
		return []string{fmt.Sprintf("project path is a directory: %s", task.ProjectPath)}
	}
	return nil
}

// CommandLine renders the full invocation as a single quoted string. It is
// for display and audit only and is never parsed back.
func (i *Invoker) CommandLine(task *domain.RenderTask) (string, error) {
	exe, ok := i.renderers[task.RendererVersion]
	if !ok {
		return "", fmt.Errorf("unknown renderer version %q", task.RendererVersion)
	}
	parts := append([]string{exe}, BuildArgs(task)...)
	for n, p := range parts {
		parts[n] = quoteArg(p)
	}
	return strings.Join(parts, " "), nil
}

// Execute runs the renderer for task and blocks until it exits, the
// timeout elapses or ctx is cancelled. On failure task.ErrorMessage is set
// and false is returned; no error escapes.
func (i *Invoker) Execute(ctx context.Context, task *domain.RenderTask) bool {
	log := i.logger.With(zap.String("task_id", task.ID), zap.String("task", task.Name))

	if issues := i.ValidateInstallation(task.RendererVersion); len(issues) > 0 {
		task.ErrorMessage = strings.Join(issues, "; ")
		log.Error("renderer installation invalid", zap.String("error", task.ErrorMessage))
		return false
	}

	exe := i.renderers[task.RendererVersion]
	args := BuildArgs(task)

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, exe, args...)
	cmd.WaitDelay = waitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Info("starting render", zap.String("executable", exe), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		task.ErrorMessage = fmt.Sprintf("starting renderer: %v", err)
		log.Error("renderer failed to start", zap.Error(err))
		return false
	}

	var stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i.streamLines(task, stdoutR, nil)
	}()
	go func() {
		defer wg.Done()
		i.streamLines(task, stderrR, &stderrBuf)
	}()

	err := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	switch {
	case err == nil:
		log.Info("render finished")
		return true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		task.ErrorMessage = fmt.Sprintf("render timed out after %s", i.timeout)
	case ctx.Err() != nil:
		task.ErrorMessage = fmt.Sprintf("render aborted: %v", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Sprintf("renderer exited with code %d", exitErr.ExitCode())
			if stderr := strings.TrimSpace(stderrBuf.String()); stderr != "" {
				msg += ": " + stderr
			}
			task.ErrorMessage = msg
		} else {
			task.ErrorMessage = fmt.Sprintf("waiting for renderer: %v", err)
		}
	}
	log.Error("render failed", zap.String("error", task.ErrorMessage))
	return false
}

// streamLines forwards every non-empty line of r. The reader is always
// drained so the process never blocks on a full pipe.
func (i *Invoker) streamLines(task *domain.RenderTask, r io.Reader, capture *strings.Builder) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		if capture != nil {
			capture.WriteString(raw)
			capture.WriteByte('\n')
		}
		line := i.CleanLine(raw)
		if line == "" {
			continue
		}
		i.logger.Info(line, zap.String("task_id", task.ID))
		if i.pub != nil {
			i.pub.Publish(events.Event{Type: events.RendererOutput, TaskID: task.ID, Line: line})
		}
	}
	if err := scanner.Err(); err != nil {
		i.logger.Warn("reading renderer output", zap.String("task_id", task.ID), zap.Error(err))
	}
	_, _ = io.Copy(io.Discard, r)
}

// CleanLine trims whitespace and the vendor log prefix from a raw output line
func (i *Invoker) CleanLine(raw string) string {
	line := strings.TrimSpace(raw)
	if i.prefix != "" {
		p := strings.TrimSpace(i.prefix)
		if strings.HasPrefix(line, p) {
			line = strings.TrimSpace(line[len(p):])
		}
	}
	return line
}

// quoteArg wraps arguments containing whitespace or quotes in double quotes
func quoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"'") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
