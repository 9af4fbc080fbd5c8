package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/config"
	"github.com/hochfrequenz/render-queue/internal/events"
	"github.com/hochfrequenz/render-queue/internal/history"
	"github.com/hochfrequenz/render-queue/internal/logging"
	"github.com/hochfrequenz/render-queue/internal/notify"
	"github.com/hochfrequenz/render-queue/internal/observer"
	"github.com/hochfrequenz/render-queue/internal/outputs"
	"github.com/hochfrequenz/render-queue/internal/queue"
	"github.com/hochfrequenz/render-queue/internal/renderer"
	"github.com/hochfrequenz/render-queue/internal/resource"
	"github.com/hochfrequenz/render-queue/internal/taskstore"
)

// appOptions selects which services a command needs
type appOptions struct {
	// processing wires run history, notifications and metrics
	processing bool
	// quietLog keeps log output off the terminal
	quietLog bool
	// readOnly loads a snapshot of the tasks without claiming the task
	// directory; the command must not change tasks
	readOnly bool
	mode     string
	workers  int
}

// app is the wired set of services shared by the commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.Bus
	invoker  *renderer.Invoker
	store    *taskstore.Store
	gate     *resource.Gate
	queue    *queue.Manager
	history  *history.Store
	observer *observer.Observer

	closers []func()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolvedConfigPath())
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.mode != "" {
		cfg.Queue.Mode = opts.mode
	}
	if opts.workers > 0 {
		cfg.Queue.MaxWorkers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newLogger := logging.New
	if opts.quietLog {
		newLogger = logging.NewQuiet
	}
	logger, cleanup, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, cleanup)

	a.bus = events.NewBus(logger)
	a.invoker = renderer.New(renderer.Config{
		Renderers: cfg.Renderers,
		LogPrefix: cfg.Queue.LogPrefix,
	}, a.bus, logger)

	a.store, err = taskstore.New(cfg.General.TasksDir, a.invoker.CommandLine, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !opts.readOnly {
		unlock, err := a.store.Lock()
		if err != nil {
			a.Close()
			if errors.Is(err, taskstore.ErrLocked) {
				return nil, fmt.Errorf("%w: another render-queue (run, serve or tui) owns the queue; stop it or use the HTTP API", err)
			}
			return nil, err
		}
		a.closers = append(a.closers, unlock)
	}

	a.gate = resource.NewGate(resource.HostSampler{DiskPath: cfg.General.DataDir}, logger)
	workers := cfg.Queue.MaxWorkers
	if cfg.Queue.Mode == config.ModePool && workers == 0 {
		workers = a.gate.OptimalWorkerCount()
		logger.Info("derived worker count from host", zap.Int("workers", workers))
	}

	if opts.processing {
		if err := a.wireProcessing(); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.queue = queue.NewManager(a.invoker, a.store, a.bus, logger, queue.Options{
		Mode:    cfg.Queue.Mode,
		Workers: workers,
		Gate:    a.gate,
		Outputs: outputs.New(logger),
	})
	load := a.queue.Load
	if opts.readOnly {
		load = a.queue.LoadSnapshot
	}
	if err := load(); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	return a, nil
}

// wireProcessing attaches the subscribers that only matter while renders run
func (a *app) wireProcessing() error {
	hist, err := history.Open(a.cfg.General.HistoryPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	a.history = hist
	recorder := history.NewRecorder(hist, a.bus, a.logger)

	a.observer = observer.New(a.invoker.Timeout())
	unsubObserver := a.observer.Subscribe(a.bus)

	var notifiers []notify.Notifier
	if a.cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if a.cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook))
	}
	forwarder := notify.Forward(a.bus, notify.NewMultiNotifier(notifiers...), a.logger)

	// closers run in reverse, so the recorder drains before the database closes
	a.closers = append(a.closers, func() { hist.Close() }, recorder.Close, unsubObserver, forwarder.Close)
	return nil
}

// openHistory opens the history database for read-only commands
func (a *app) openHistory() (*history.Store, error) {
	if a.history != nil {
		return a.history, nil
	}
	hist, err := history.Open(a.cfg.General.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	a.history = hist
	a.closers = append(a.closers, func() { hist.Close() })
	return hist, nil
}

// Close stops the queue if needed and releases everything in reverse order
func (a *app) Close() {
	if a.queue != nil && a.queue.Processing() {
		a.queue.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
