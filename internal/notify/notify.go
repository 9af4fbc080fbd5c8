// Package notify tells the user about finished renders on the desktop and
// in Slack.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/events"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title        string
	Message      string
	Type         NotificationType
	TaskID       string // Optional task reference
	OutputFolder string // Optional output location
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromEvent builds the notification for a terminal task event. ok is false
// for events that are not worth a notification.
func FromEvent(e events.Event) (n Notification, ok bool) {
	if e.Task == nil {
		return Notification{}, false
	}
	t := e.Task
	n = Notification{TaskID: t.ID, OutputFolder: t.OutputFolder}
	switch e.Type {
	case events.TaskCompleted:
		n.Type = NotifySuccess
		n.Title = "Render completed: " + t.Name
		n.Message = fmt.Sprintf("%d output files", len(t.OutputFiles))
		if d, ok := t.Duration(); ok {
			n.Message += fmt.Sprintf(" in %s", d.Round(time.Second))
		}
	case events.TaskFailed:
		n.Type = NotifyError
		n.Title = "Render failed: " + t.Name
		n.Message = t.ErrorMessage
	default:
		return Notification{}, false
	}
	return n, true
}

// Forwarder sends a notification for every finished render. Sends run on
// their own goroutine so a slow webhook never holds up dispatch.
type Forwarder struct {
	notifier Notifier
	logger   *zap.Logger
	wg       sync.WaitGroup
	unsub    func()
}

// Forward subscribes notifier to the terminal events on bus
func Forward(bus *events.Bus, notifier Notifier, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forwarder{notifier: notifier, logger: logger.Named("notify")}
	f.unsub = bus.Subscribe(f.handle, events.TaskCompleted, events.TaskFailed)
	return f
}

func (f *Forwarder) handle(e events.Event) {
	n, ok := FromEvent(e)
	if !ok {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.notifier.Send(n); err != nil {
			f.logger.Warn("sending notification", zap.String("task_id", n.TaskID), zap.Error(err))
		}
	}()
}

// Close unsubscribes and waits for notifications in flight
func (f *Forwarder) Close() {
	f.unsub()
	f.wg.Wait()
}
