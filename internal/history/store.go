// Package history records every render attempt and its output in SQLite.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/render-queue/internal/domain"
)

// ErrNoRuns is returned when a task has never been started
var ErrNoRuns = errors.New("no runs recorded")

// Run is one execution attempt of a task
type Run struct {
	ID              string            `json:"id"`
	TaskID          string            `json:"task_id"`
	TaskName        string            `json:"task_name"`
	RendererVersion string            `json:"renderer_version"`
	ProjectPath     string            `json:"project_path"`
	Status          domain.TaskStatus `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	OutputFiles     int               `json:"output_files"`
}

// Duration returns the run's wall time, or zero while it is unfinished
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// LogLine is one renderer output line of a run
type LogLine struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// RunID derives the run id for the attempt that started task
func RunID(task *domain.RenderTask) string {
	var started int64
	if task.StartedAt != nil {
		started = task.StartedAt.UnixNano()
	}
	return fmt.Sprintf("%s-%d", task.ID, started)
}

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run for a task that just became running
func (s *Store) StartRun(task *domain.RenderTask) (string, error) {
	id := RunID(task)
	started := time.Now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task_id, task_name, renderer_version, project_path, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, id, task.ID, task.Name, task.RendererVersion, task.ProjectPath, string(domain.StatusRunning), started.UTC())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun stores the terminal state of the run that started task
func (s *Store) FinishRun(task *domain.RenderTask) error {
	finished := time.Now()
	if task.CompletedAt != nil {
		finished = *task.CompletedAt
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?, output_files = ?
		WHERE id = ?
	`, string(task.Status), finished.UTC(), task.ErrorMessage, len(task.OutputFiles), RunID(task))
	if err != nil {
		return fmt.Errorf("recording run result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording run result: run %s not found", RunID(task))
	}
	return nil
}

// AppendLog adds one output line to a run
func (s *Store) AppendLog(runID string, at time.Time, message string) error {
	_, err := s.db.Exec(`INSERT INTO logs (run_id, timestamp, message) VALUES (?, ?, ?)`,
		runID, at.UTC(), message)
	return err
}

// ListOptions filters ListRuns
type ListOptions struct {
	TaskID string
	Limit  int
}

// ListRuns returns runs, newest first
func (s *Store) ListRuns(opts ListOptions) ([]Run, error) {
	query := `SELECT id, task_id, task_name, renderer_version, project_path, status, started_at, finished_at, error_message, output_files FROM runs WHERE 1=1`
	var args []interface{}

	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run of a task
func (s *Store) LatestRun(taskID string) (Run, error) {
	runs, err := s.ListRuns(ListOptions{TaskID: taskID, Limit: 1})
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w for task %s", ErrNoRuns, taskID)
	}
	return runs[0], nil
}

// Logs returns the output lines of a run in arrival order
func (s *Store) Logs(runID string) ([]LogLine, error) {
	rows, err := s.db.Query(`SELECT timestamp, message FROM logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.Time, &l.Message); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var status string
	var version, project, errMsg sql.NullString
	var finished sql.NullTime

	err := rows.Scan(&run.ID, &run.TaskID, &run.TaskName, &version, &project, &status,
		&run.StartedAt, &finished, &errMsg, &run.OutputFiles)
	if err != nil {
		return Run{}, err
	}

	run.Status = domain.TaskStatus(status)
	run.RendererVersion = version.String
	run.ProjectPath = project.String
	run.ErrorMessage = errMsg.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}
