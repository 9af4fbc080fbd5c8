package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

func TestBuildSlackMessage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	msg := BuildSlackMessage(Notification{
		Title:        "Render completed: Hero shot",
		Message:      "240 output files in 12m0s",
		Type:         NotifySuccess,
		TaskID:       "abc",
		OutputFolder: "/renders/hero",
	}, now)

	if msg.Text != "Render completed: Hero shot" {
		t.Errorf("Text = %q", msg.Text)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Color != "good" || att.Timestamp != now.Unix() || att.Footer != "render-queue" {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 2 || att.Fields[0].Value != "abc" || att.Fields[1].Value != "/renders/hero" {
		t.Errorf("fields = %+v", att.Fields)
	}

	bare := BuildSlackMessage(Notification{Title: "x", Message: "y"}, now)
	if len(bare.Attachments[0].Fields) != 0 {
		t.Errorf("fields without task or folder = %+v", bare.Attachments[0].Fields)
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	// Mock Slack server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Render failed: shot",
		Message: "renderer exited with code 1",
		Type:    NotifyInfo,
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	multi := NewMultiNotifier(failingNotifier{"desktop"}, NoopNotifier{}, failingNotifier{"slack"})
	err := multi.Send(Notification{Title: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "desktop") || !strings.Contains(err.Error(), "slack") {
		t.Errorf("err = %v, want both failures", err)
	}
}

type failingNotifier struct{ name string }

func (f failingNotifier) Send(Notification) error { return errors.New(f.name + " unavailable") }

func TestFromEvent(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	task := domain.NewTask("Hero shot", "/p.c4d", "/renders/hero", "2024")
	if err := task.MarkRunning(start); err != nil {
		t.Fatal(err)
	}
	task.OutputFiles = []string{"a.png", "b.png"}
	if err := task.MarkCompleted(start.Add(90 * time.Second)); err != nil {
		t.Fatal(err)
	}

	n, ok := FromEvent(events.Event{Type: events.TaskCompleted, Task: task})
	if !ok {
		t.Fatal("completed event should notify")
	}
	if n.Type != NotifySuccess || n.Title != "Render completed: Hero shot" || n.Message != "2 output files in 1m30s" {
		t.Errorf("notification = %+v", n)
	}
	if n.OutputFolder != "/renders/hero" || n.TaskID != task.ID {
		t.Errorf("notification = %+v", n)
	}

	failed := domain.NewTask("Broken", "/p.c4d", "", "2024")
	failed.ErrorMessage = "renderer exited with code 1"
	n, ok = FromEvent(events.Event{Type: events.TaskFailed, Task: failed})
	if !ok || n.Type != NotifyError || n.Message != "renderer exited with code 1" {
		t.Errorf("failed notification = %+v, %v", n, ok)
	}

	if _, ok := FromEvent(events.Event{Type: events.TaskStarted, Task: task}); ok {
		t.Error("started event should not notify")
	}
	if _, ok := FromEvent(events.Event{Type: events.TaskCompleted}); ok {
		t.Error("event without task should not notify")
	}
}

func TestForwarder(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	rec := notifierFunc(func(n Notification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})

	bus := events.NewBus(nil)
	f := Forward(bus, rec, nil)

	task := domain.NewTask("shot", "/p.c4d", "", "2024")
	task.ErrorMessage = "timeout"
	bus.Publish(events.Event{Type: events.TaskFailed, Task: task})
	bus.Publish(events.Event{Type: events.TaskQueued, Task: task})
	f.Close()
	bus.Publish(events.Event{Type: events.TaskFailed, Task: task})

	if len(got) != 1 || got[0].Title != "Render failed: shot" {
		t.Errorf("notifications = %+v", got)
	}
}

type notifierFunc func(Notification) error

func (f notifierFunc) Send(n Notification) error { return f(n) }

func TestSlackNotifier_PayloadIncludesOutputFolder(t *testing.T) {
	var body []byte
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{
		Title:        "Render completed: shot",
		Message:      "3 output files",
		Type:         NotifySuccess,
		TaskID:       "abc",
		OutputFolder: "/renders/shot",
	})
	if err != nil {
		t.Fatal(err)
	}

	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	var msg SlackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "Render completed: shot" {
		t.Errorf("message = %+v", msg)
	}
	fields := msg.Attachments[0].Fields
	if len(fields) != 2 || fields[1].Title != "Output" || fields[1].Value != "/renders/shot" {
		t.Errorf("fields = %+v", fields)
	}
}

func TestSlackNotifier_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewSlackNotifier(server.URL).SendContext(ctx, Notification{Title: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("error = %v, want 403", err)
	}
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestDesktopCommand(t *testing.T) {
	failed := Notification{Title: "Render failed: \"hero\"", Message: "exit 1", Type: NotifyError}

	name, args, ok := desktopCommand("darwin", failed)
	if !ok || name != "osascript" {
		t.Fatalf("darwin = %s %v %v", name, args, ok)
	}
	script := args[1]
	if !strings.Contains(script, `subtitle "Render failed: \"hero\""`) || !strings.Contains(script, "Basso") {
		t.Errorf("script = %s", script)
	}

	name, args, ok = desktopCommand("linux", failed)
	if !ok || name != "notify-send" {
		t.Fatalf("linux = %s %v %v", name, args, ok)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--urgency critical") || !strings.Contains(joined, "--icon dialog-error") {
		t.Errorf("args = %v", args)
	}

	if _, _, ok := desktopCommand("windows", failed); ok {
		t.Error("windows should be unsupported")
	}
}

func TestDesktopNotifier_Send(t *testing.T) {
	var ran []string
	d := &DesktopNotifier{enabled: true, goos: "linux", run: func(name string, args ...string) error {
		ran = append(ran, name)
		return nil
	}}
	if err := d.Send(Notification{Title: "done", Type: NotifySuccess}); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != "notify-send" {
		t.Errorf("ran = %v", ran)
	}

	d.enabled = false
	_ = d.Send(Notification{Title: "done"})
	d.enabled = true
	d.goos = "plan9"
	_ = d.Send(Notification{Title: "done"})
	if len(ran) != 1 {
		t.Errorf("disabled or unsupported notifier ran %v", ran)
	}
}
