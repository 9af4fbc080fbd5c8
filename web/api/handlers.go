package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/queue"
)

// TaskRequest is the body of task create and edit requests
type TaskRequest struct {
	Name            string               `json:"name"`
	ProjectPath     string               `json:"project_path"`
	OutputFolder    string               `json:"output_folder"`
	RendererVersion string               `json:"renderer_version"`
	StartFrame      *int                 `json:"start_frame"`
	EndFrame        *int                 `json:"end_frame"`
	Options         domain.RenderOptions `json:"options"`
	QueuePriority   int                  `json:"queue_priority"`
}

func (req TaskRequest) task() *domain.RenderTask {
	t := domain.NewTask(req.Name, req.ProjectPath, req.OutputFolder, req.RendererVersion)
	t.StartFrame = req.StartFrame
	t.EndFrame = req.EndFrame
	t.Options = req.Options
	t.QueuePriority = req.QueuePriority
	return t
}

// TaskResponse is the API response for a task
type TaskResponse struct {
	*domain.RenderTask
	Elapsed string `json:"elapsed,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Queued      int    `json:"queued"`
	Processing  bool   `json:"processing"`
	Mode        string `json:"mode"`
	WorkersBusy int    `json:"workers_busy"`
	Workers     int    `json:"workers"`
}

func taskToResponse(t *domain.RenderTask) TaskResponse {
	resp := TaskResponse{RenderTask: t}
	if d, ok := t.Duration(); ok {
		resp.Elapsed = d.Round(time.Second).String()
	}
	return resp
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	tasks := s.queue.Tasks()
	workers := s.queue.Workers()

	status := StatusResponse{
		Total:      len(tasks),
		Queued:     s.queue.PendingCount(),
		Processing: s.queue.Processing(),
		Mode:       s.queue.Mode(),
		Workers:    len(workers),
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusPending:
			status.Pending++
		case domain.StatusRunning:
			status.Running++
		case domain.StatusCompleted:
			status.Completed++
		case domain.StatusFailed:
			status.Failed++
		}
	}
	for _, ws := range workers {
		if ws.Busy {
			status.WorkersBusy++
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	if filter != "" {
		if _, err := domain.ParseTaskStatus(filter); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tasks := s.queue.Tasks()
	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		if filter != "" && string(t.Status) != filter {
			continue
		}
		resp = append(resp, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.queue.Task(chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(t))
}

func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTaskRequest(w, r)
	if !ok {
		return
	}
	t := req.task()
	if err := s.queue.Enqueue(t); err != nil {
		s.writeQueueError(w, err)
		return
	}
	created, err := s.queue.Task(t.ID)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(created))
}

func (s *Server) editTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if err := s.queue.Edit(id, req.task()); err != nil {
		s.writeQueueError(w, err)
		return
	}
	t, err := s.queue.Task(id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(t))
}

func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startQueueHandler(w http.ResponseWriter, r *http.Request) {
	s.queue.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"processing": s.queue.Processing()})
}

func (s *Server) stopQueueHandler(w http.ResponseWriter, r *http.Request) {
	// Stop blocks until in-flight renders finish
	go s.queue.Stop()
	writeJSON(w, http.StatusAccepted, map[string]bool{"processing": false})
}

func (s *Server) workersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Workers())
}

func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	if s.sampler == nil {
		writeError(w, http.StatusNotImplemented, "resource sampling not available")
		return
	}
	writeJSON(w, http.StatusOK, s.sampler.Sample())
}

func decodeTaskRequest(w http.ResponseWriter, r *http.Request) (TaskRequest, bool) {
	var req TaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotPending), errors.Is(err, queue.ErrCancelUnsupported):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Debug("rejected request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
