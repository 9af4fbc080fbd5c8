package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/batch"
	"github.com/hochfrequenz/render-queue/internal/events"
	"github.com/hochfrequenz/render-queue/tui"
	"github.com/hochfrequenz/render-queue/web/api"
)

var (
	servePort  int
	serveStart bool
	tuiStart   bool
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled processing windows",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveStart, "start", false, "start processing immediately")
	rootCmd.AddCommand(serveCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	tuiCmd.Flags().BoolVar(&tuiStart, "start", false, "start processing immediately")
	rootCmd.AddCommand(tuiCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{processing: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedule, err := batch.LoadScheduleConfig(a.cfg.General.SchedulePath)
	if err != nil {
		return err
	}
	scheduler, err := batch.NewScheduler(schedule.Windows, a.queue, a.bus, a.logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()
	for _, name := range scheduler.ListWindows() {
		a.logger.Info("processing window scheduled",
			zap.String("window", name), zap.Time("next_run", scheduler.NextRun(name)))
	}

	go a.reportStuck(ctx, time.Minute)

	if serveStart {
		a.queue.Start()
	}

	port := a.cfg.Web.Port
	if servePort > 0 {
		port = servePort
	}
	addr := net.JoinHostPort(a.cfg.Web.Host, strconv.Itoa(port))
	fmt.Printf("Serving on http://%s/api/status\n", addr)

	server := api.NewServer(a.queue, a.gate, a.bus, a.logger, addr)
	return server.Run(ctx)
}

// reportStuck logs renders running longer than the render timeout
func (a *app) reportStuck(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range a.observer.StuckTasks(a.queue.Tasks()) {
				a.logger.Warn("render running longer than expected",
					zap.String("task_id", t.ID), zap.String("task", t.Name), zap.Time("started_at", *t.StartedAt))
			}
		}
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{processing: true, quietLog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	lines, unsub := a.bus.Channel(512, events.RendererOutput)
	defer unsub()

	if tuiStart {
		a.queue.Start()
	}

	model := tui.NewModel(tui.ModelConfig{
		Queue:   a.queue,
		Sampler: a.gate,
		Logs:    lines,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
