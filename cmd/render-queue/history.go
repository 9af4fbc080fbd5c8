package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/render-queue/internal/history"
)

var (
	historyTask  string
	historyLimit int
	logsRun      string
)

func init() {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show past render runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyTask, "task", "", "only runs of this task")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(historyCmd)

	logsCmd := &cobra.Command{
		Use:   "logs TASK",
		Short: "View renderer output of a task's latest run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logsRun, "run", "", "show this run instead of the latest")
	rootCmd.AddCommand(logsCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	hist, err := a.openHistory()
	if err != nil {
		return err
	}

	taskID := historyTask
	if taskID != "" {
		if t, err := findTask(a.queue.Tasks(), taskID); err == nil {
			taskID = t.ID
		}
	}
	runs, err := hist.ListRuns(history.ListOptions{TaskID: taskID, Limit: historyLimit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tNAME\tVERSION\tSTATUS\tSTARTED\tDURATION\tFILES")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			shortID(r.TaskID), r.TaskName, r.RendererVersion, r.Status, humanize.Time(r.StartedAt), duration, r.OutputFiles)
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	hist, err := a.openHistory()
	if err != nil {
		return err
	}

	runID := logsRun
	if runID == "" {
		taskID := args[0]
		if t, err := findTask(a.queue.Tasks(), taskID); err == nil {
			taskID = t.ID
		}
		run, err := hist.LatestRun(taskID)
		if errors.Is(err, history.ErrNoRuns) {
			return fmt.Errorf("task %s has not been rendered yet", args[0])
		}
		if err != nil {
			return err
		}
		runID = run.ID
		fmt.Printf("Run %s  %s  %s\n", run.ID, run.TaskName, run.Status)
		if run.ErrorMessage != "" {
			fmt.Printf("Error: %s\n", run.ErrorMessage)
		}
	}

	lines, err := hist.Logs(runID)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Printf("%s  %s\n", l.Time.Format("15:04:05"), l.Message)
	}
	return nil
}
