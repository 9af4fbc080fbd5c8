package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/jobfile"
	"github.com/hochfrequenz/render-queue/internal/resource"
)

var (
	addOpts    taskFlags
	addFile    string
	listStatus string
	runMode    string
	runWorkers int
)

// taskFlags holds the add command's per-task flags
type taskFlags struct {
	name          string
	project       string
	output        string
	version       string
	frames        string
	queuePriority int
	threads       int
	gpu           bool
	noGUI         bool
	batch         bool
	shutdown      bool
	quit          bool
	debug         bool
	console       bool
	logFile       string
	verbose       bool
	memoryLimit   int
	priority      string
}

func init() {
	// add command
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a render task, or every task of a YAML manifest",
		RunE:  runAdd,
	}
	f := addCmd.Flags()
	f.StringVar(&addFile, "file", "", "YAML manifest with several tasks")
	f.StringVar(&addOpts.name, "name", "", "task name (default: project file name)")
	f.StringVar(&addOpts.project, "project", "", "project file to render")
	f.StringVar(&addOpts.output, "output", "", "output folder")
	f.StringVar(&addOpts.version, "version", "", "renderer version label")
	f.StringVar(&addOpts.frames, "frames", "", "frame or inclusive range, e.g. 10 or 0-120")
	f.IntVar(&addOpts.queuePriority, "queue-priority", 0, "pool dispatch order, lower runs first")
	f.IntVar(&addOpts.threads, "threads", 0, "render threads (0 = renderer default)")
	f.BoolVar(&addOpts.gpu, "gpu", false, "render on the GPU")
	f.BoolVar(&addOpts.noGUI, "nogui", false, "pass -nogui")
	f.BoolVar(&addOpts.batch, "batch", false, "pass -batch")
	f.BoolVar(&addOpts.shutdown, "shutdown", false, "pass -shutdown")
	f.BoolVar(&addOpts.quit, "quit", false, "pass -quit")
	f.BoolVar(&addOpts.debug, "debug", false, "pass -debug")
	f.BoolVar(&addOpts.console, "console", false, "pass -console")
	f.StringVar(&addOpts.logFile, "log", "", "renderer log file")
	f.BoolVar(&addOpts.verbose, "verbose", false, "pass -verbose")
	f.IntVar(&addOpts.memoryLimit, "memory", 0, "memory limit in MB")
	f.StringVar(&addOpts.priority, "priority", "", "process priority: low, normal or high")
	addCmd.MarkFlagsMutuallyExclusive("file", "project")
	rootCmd.AddCommand(addCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	// remove command
	removeCmd := &cobra.Command{
		Use:     "remove TASK",
		Aliases: []string{"rm", "cancel"},
		Short:   "Remove a pending task",
		Args:    cobra.ExactArgs(1),
		RunE:    runRemove,
	}
	rootCmd.AddCommand(removeCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process the queue until it is drained or interrupted",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runMode, "mode", "", "serial or pool (default from config)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "pool size (default from config or host)")
	rootCmd.AddCommand(runCmd)

	// resources command
	resourcesCmd := &cobra.Command{
		Use:   "resources",
		Short: "Show host load and the admission decision",
		RunE:  runResources,
	}
	rootCmd.AddCommand(resourcesCmd)
}

func (f taskFlags) task() (*domain.RenderTask, error) {
	if f.project == "" {
		return nil, errors.New("--project or --file is required")
	}
	name := f.name
	if name == "" {
		base := filepath.Base(f.project)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	t := domain.NewTask(name, f.project, f.output, f.version)
	if f.frames != "" {
		start, end, err := parseFrames(f.frames)
		if err != nil {
			return nil, err
		}
		t.SetFrames(start, end)
	}
	t.QueuePriority = f.queuePriority
	t.Options = domain.RenderOptions{
		Threads:       f.threads,
		UseGPU:        f.gpu,
		NoGUI:         f.noGUI,
		BatchMode:     f.batch,
		Shutdown:      f.shutdown,
		Quit:          f.quit,
		Debug:         f.debug,
		ShowConsole:   f.console,
		LogFile:       f.logFile,
		Verbose:       f.verbose,
		MemoryLimitMB: f.memoryLimit,
		Priority:      domain.ProcessPriority(f.priority),
	}
	return t, t.Validate()
}

// parseFrames accepts "N" or "A-B"
func parseFrames(s string) (int, int, error) {
	first, last, isRange := strings.Cut(strings.TrimSpace(s), "-")
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid frames %q", s)
	}
	if !isRange {
		return start, start, nil
	}
	end, err := strconv.Atoi(strings.TrimSpace(last))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid frames %q", s)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid frames %q: end before start", s)
	}
	return start, end, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	var tasks []*domain.RenderTask
	if addFile != "" {
		loaded, err := jobfile.Load(addFile)
		if err != nil {
			return err
		}
		tasks = loaded
	} else {
		t, err := addOpts.task()
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, t := range tasks {
		if problems := a.invoker.ValidateInstallation(t.RendererVersion); len(problems) > 0 {
			return fmt.Errorf("task %q: %s", t.Name, strings.Join(problems, "; "))
		}
		if problems := a.invoker.ValidateProject(t); len(problems) > 0 {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", t.Name, strings.Join(problems, "; "))
		}
	}
	for _, t := range tasks {
		if err := a.queue.Enqueue(t); err != nil {
			return fmt.Errorf("adding %q: %w", t.Name, err)
		}
		fmt.Printf("Added %s  %s\n", shortID(t.ID), t.Name)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	if listStatus != "" {
		if _, err := domain.ParseTaskStatus(listStatus); err != nil {
			return err
		}
	}
	a, err := newApp(appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVERSION\tFRAMES\tADDED\tRESULT")
	for _, t := range a.queue.Tasks() {
		if listStatus != "" && string(t.Status) != listStatus {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(t.ID), t.Name, t.Status, t.RendererVersion, frames(t), humanize.Time(t.CreatedAt), result(t))
	}
	return w.Flush()
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := findTask(a.queue.Tasks(), args[0])
	if err != nil {
		return err
	}
	if err := a.queue.Cancel(t.ID); err != nil {
		return err
	}
	fmt.Printf("Removed %s  %s\n", shortID(t.ID), t.Name)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{processing: true, mode: runMode, workers: runWorkers})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.queue.PendingCount() == 0 {
		fmt.Println("No pending tasks")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Processing %d tasks (%s mode, %d workers)\n", a.queue.PendingCount(), a.queue.Mode(), len(a.queue.Workers()))
	a.queue.Start()
	waitErr := a.queue.WaitIdle(ctx)
	if waitErr != nil {
		fmt.Println("Interrupted, waiting for running renders to finish...")
	}
	a.queue.Stop()

	m := a.observer.GetMetrics()
	fmt.Printf("Completed: %d  Failed: %d  Output files: %s  Average: %s\n",
		m.TotalCompleted, m.TotalFailed, humanize.Comma(int64(m.TotalOutputs)), m.AvgDuration.Round(time.Second))
	if m.TotalFailed > 0 {
		return fmt.Errorf("%d tasks failed", m.TotalFailed)
	}
	return nil
}

func runResources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sampler := resource.HostSampler{DiskPath: cfg.General.DataDir}
	gate := resource.NewGate(sampler, zap.NewNop())

	s, err := sampler.Sample()
	if err != nil {
		return err
	}
	fmt.Printf("CPU:     %5.1f%%  (limit %.0f%%)\n", s.CPUPercent, resource.MaxCPUPercent)
	fmt.Printf("Memory:  %5.1f%%  (limit %.0f%%)\n", s.MemoryPercent, resource.MaxMemoryPercent)
	fmt.Printf("Disk:    %5.1f%%  (limit %.0f%%)\n", s.DiskPercent, resource.MaxDiskPercent)
	if resource.Admits(s) {
		fmt.Println("Admission: a new render would start now")
	} else {
		fmt.Println("Admission: new renders are held back")
	}
	fmt.Printf("Optimal pool size: %d workers\n", gate.OptimalWorkerCount())
	return nil
}

// findTask matches a full id or a unique id prefix
func findTask(tasks []*domain.RenderTask, ref string) (*domain.RenderTask, error) {
	var match *domain.RenderTask
	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("task %q not found", ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func frames(t *domain.RenderTask) string {
	switch {
	case t.StartFrame == nil:
		return "all"
	case t.EndFrame == nil || *t.EndFrame == *t.StartFrame:
		return strconv.Itoa(*t.StartFrame)
	}
	return fmt.Sprintf("%d-%d", *t.StartFrame, *t.EndFrame)
}

func result(t *domain.RenderTask) string {
	switch t.Status {
	case domain.StatusCompleted:
		d, _ := t.Duration()
		return fmt.Sprintf("%s, %d files", d.Round(time.Second), len(t.OutputFiles))
	case domain.StatusFailed:
		return t.ErrorMessage
	}
	return ""
}
