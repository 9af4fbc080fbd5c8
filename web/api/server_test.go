package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
	"github.com/hochfrequenz/render-queue/internal/queue"
	"github.com/hochfrequenz/render-queue/internal/resource"
)

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []*domain.RenderTask
	processing bool
	stopped    chan struct{}
}

func newFakeQueue(tasks ...*domain.RenderTask) *fakeQueue {
	return &fakeQueue{tasks: tasks, stopped: make(chan struct{}, 1)}
}

func (q *fakeQueue) find(id string) (*domain.RenderTask, int) {
	for i, t := range q.tasks {
		if t.ID == id {
			return t, i
		}
	}
	return nil, -1
}

func (q *fakeQueue) Tasks() []*domain.RenderTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.RenderTask, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (q *fakeQueue) Task(id string) (*domain.RenderTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, _ := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

func (q *fakeQueue) Enqueue(task *domain.RenderTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task.Clone())
	return nil
}

func (q *fakeQueue) Edit(id string, replacement *domain.RenderTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, i := q.find(id)
	if t == nil {
		return queue.ErrTaskNotFound
	}
	if t.Status != domain.StatusPending {
		return queue.ErrNotPending
	}
	r := replacement.Clone()
	r.ID = id
	q.tasks[i] = r
	return nil
}

func (q *fakeQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, i := q.find(id)
	switch {
	case t == nil:
		return queue.ErrTaskNotFound
	case t.Status == domain.StatusRunning:
		return queue.ErrCancelUnsupported
	case t.Status != domain.StatusPending:
		return queue.ErrNotPending
	}
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	return nil
}

func (q *fakeQueue) Start() {
	q.mu.Lock()
	q.processing = true
	q.mu.Unlock()
}

func (q *fakeQueue) Stop() {
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
	q.stopped <- struct{}{}
}

func (q *fakeQueue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *fakeQueue) Mode() string { return "serial" }

func (q *fakeQueue) Workers() []domain.WorkerStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := domain.WorkerStatus{ID: 1}
	for _, t := range q.tasks {
		if t.Status == domain.StatusRunning {
			ws.Busy = true
			ws.Task = t.Clone()
		}
	}
	return []domain.WorkerStatus{ws}
}

func (q *fakeQueue) PendingCount() int {
	n := 0
	for _, t := range q.Tasks() {
		if t.Status == domain.StatusPending {
			n++
		}
	}
	return n
}

type stubSampler struct{ s resource.Sample }

func (s stubSampler) Sample() resource.Sample { return s.s }

func task(id, name string, status domain.TaskStatus) *domain.RenderTask {
	t := domain.NewTask(name, "/scenes/"+name+".c4d", "/renders", "2024")
	t.ID = id
	t.Status = status
	return t
}

func seeded() *fakeQueue {
	return newFakeQueue(
		task("t1", "hero", domain.StatusCompleted),
		task("t2", "turntable", domain.StatusRunning),
		task("t3", "closeup", domain.StatusPending),
		task("t4", "wide", domain.StatusFailed),
	)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusHandler(t *testing.T) {
	s := NewServer(seeded(), nil, nil, nil, ":0")
	w := do(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 1, status.WorkersBusy)
	assert.Equal(t, "serial", status.Mode)
}

func TestListTasksHandler(t *testing.T) {
	s := NewServer(seeded(), nil, nil, nil, ":0")

	w := do(t, s, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []TaskResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	assert.Len(t, tasks, 4)

	w = do(t, s, http.MethodGet, "/api/tasks?status=pending", nil)
	tasks = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t3", tasks[0].ID)

	w = do(t, s, http.MethodGet, "/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskHandler(t *testing.T) {
	s := NewServer(seeded(), nil, nil, nil, ":0")

	w := do(t, s, http.MethodGet, "/api/tasks/t2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TaskResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "turntable", resp.Name)
	assert.Equal(t, domain.StatusRunning, resp.Status)

	w = do(t, s, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTaskHandler(t *testing.T) {
	q := newFakeQueue()
	s := NewServer(q, nil, nil, nil, ":0")
	start, end := 1, 50

	w := do(t, s, http.MethodPost, "/api/tasks", TaskRequest{
		Name:            "hero",
		ProjectPath:     "/scenes/hero.c4d",
		RendererVersion: "2024",
		StartFrame:      &start,
		EndFrame:        &end,
		Options:         domain.RenderOptions{Threads: 4},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.Equal(t, 4, resp.Options.Threads)
	assert.Len(t, q.Tasks(), 1)
}

func TestCreateTaskHandler_Rejects(t *testing.T) {
	s := NewServer(newFakeQueue(), nil, nil, nil, ":0")

	w := do(t, s, http.MethodPost, "/api/tasks", TaskRequest{Name: "no project"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"name":"x","colour":"red"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "colour")
}

func TestTaskBodiesMustBeJSON(t *testing.T) {
	q := seeded()
	s := NewServer(q, nil, nil, nil, ":0")
	body := `{"name":"x","project_path":"/scenes/x.c4d","renderer_version":"2024"}`

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/tasks"},
		{http.MethodPut, "/api/tasks/t3"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(body))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, "%s %s", tc.method, tc.path)
	}
	assert.Len(t, q.Tasks(), 4)
	got, err := q.Task("t3")
	require.NoError(t, err)
	assert.Equal(t, "closeup", got.Name)
}

func TestCrossOriginRequestsRejected(t *testing.T) {
	q := newFakeQueue()
	s := NewServer(q, nil, nil, nil, ":0")

	tests := []struct {
		name   string
		method string
		path   string
		origin string
		want   int
	}{
		{"foreign site creates task", http.MethodPost, "/api/tasks", "https://evil.example", http.StatusForbidden},
		{"foreign site starts queue", http.MethodPost, "/api/queue/start", "https://evil.example", http.StatusForbidden},
		{"opaque origin", http.MethodPost, "/api/queue/start", "null", http.StatusForbidden},
		{"foreign site reads status", http.MethodGet, "/api/status", "http://localhost:9999", http.StatusForbidden},
		{"same origin", http.MethodGet, "/api/status", "http://localhost:8080", http.StatusOK},
		{"no origin", http.MethodGet, "/api/status", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://localhost:8080"+tt.path,
				strings.NewReader(`{"name":"x","project_path":"/tmp/x.c4d","renderer_version":"2024"}`))
			req.Header.Set("Content-Type", "text/plain")
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Empty(t, q.Tasks())
	assert.False(t, q.Processing())
}

func TestEditTaskHandler(t *testing.T) {
	q := seeded()
	s := NewServer(q, nil, nil, nil, ":0")
	edit := TaskRequest{Name: "closeup v2", ProjectPath: "/scenes/closeup.c4d", RendererVersion: "2025"}

	w := do(t, s, http.MethodPut, "/api/tasks/t3", edit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := q.Task("t3")
	require.NoError(t, err)
	assert.Equal(t, "closeup v2", got.Name)
	assert.Equal(t, "2025", got.RendererVersion)

	w = do(t, s, http.MethodPut, "/api/tasks/t1", edit)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelTaskHandler(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{"t3", http.StatusNoContent},
		{"t2", http.StatusConflict},
		{"t1", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s := NewServer(seeded(), nil, nil, nil, ":0")
			w := do(t, s, http.MethodDelete, "/api/tasks/"+tt.id, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestQueueStartStop(t *testing.T) {
	q := newFakeQueue()
	s := NewServer(q, nil, nil, nil, ":0")

	w := do(t, s, http.MethodPost, "/api/queue/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, q.Processing())

	w = do(t, s, http.MethodPost, "/api/queue/stop", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-q.stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop was not called")
	}
	assert.False(t, q.Processing())
}

func TestWorkersHandler(t *testing.T) {
	s := NewServer(seeded(), nil, nil, nil, ":0")
	w := do(t, s, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var workers []domain.WorkerStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&workers))
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Busy)
	assert.Equal(t, "t2", workers[0].Task.ID)
}

func TestResourcesHandler(t *testing.T) {
	s := NewServer(newFakeQueue(), stubSampler{resource.Sample{CPUPercent: 42, MemoryPercent: 50, DiskPercent: 10}}, nil, nil, ":0")
	w := do(t, s, http.MethodGet, "/api/resources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sample resource.Sample
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sample))
	assert.Equal(t, 42.0, sample.CPUPercent)

	s = NewServer(newFakeQueue(), nil, nil, nil, ":0")
	w = do(t, s, http.MethodGet, "/api/resources", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestSSEHandler_StreamsBusEvents(t *testing.T) {
	bus := events.NewBus(nil)
	s := NewServer(newFakeQueue(), nil, bus, nil, ":0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsub := bus.Channel(16)
	defer unsub()
	go s.sseHub.Run(ctx, ch)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.sseHub.Len() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Type: events.TaskQueued, Task: task("t9", "hero", domain.StatusPending)})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: task.queued\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"task_id":"t9"`)
}

func TestSSEHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewSSEHub()
	client, ok := hub.register()
	require.True(t, ok)
	hub.Close()

	_, open := <-client
	assert.False(t, open)
	_, ok = hub.register()
	assert.False(t, ok)
}

func TestLogsHandler_StreamsRendererOutput(t *testing.T) {
	bus := events.NewBus(nil)
	s := NewServer(newFakeQueue(), nil, bus, nil, ":0")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/ws?task=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Type: events.RendererOutput, TaskID: "t2", Line: "other task"})
	bus.Publish(events.Event{Type: events.TaskStarted, TaskID: "t1"})
	bus.Publish(events.Event{Type: events.RendererOutput, TaskID: "t1", WorkerID: 1, Line: "Rendering frame 1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg LogMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, 1, msg.WorkerID)
	assert.Equal(t, "Rendering frame 1", msg.Line)
}

func TestLogsHandler_RejectsForeignOrigin(t *testing.T) {
	bus := events.NewBus(nil)
	s := NewServer(newFakeQueue(), nil, bus, nil, ":0")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, bus.Len())

	same := http.Header{"Origin": []string{srv.URL}}
	conn, _, err := websocket.DefaultDialer.Dial(url, same)
	require.NoError(t, err)
	conn.Close()
}

func TestSameOriginUpgradeCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/api/logs/ws", nil)
	assert.True(t, sameOrigin(req))
	req.Header.Set("Origin", "http://127.0.0.1:8080")
	assert.True(t, sameOrigin(req))
	req.Header.Set("Origin", "http://127.0.0.1:3000")
	assert.False(t, sameOrigin(req))
	req.Header.Set("Origin", "://bad")
	assert.False(t, sameOrigin(req))
}

func TestLogsHandler_NoBus(t *testing.T) {
	s := NewServer(newFakeQueue(), nil, nil, nil, ":0")
	w := do(t, s, http.MethodGet, "/api/logs/ws", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
