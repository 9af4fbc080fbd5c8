package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows a native notification on macOS and Linux. Other
// platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier for the current platform
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send implements Notifier
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return d.run(name, args...)
}

// desktopCommand returns the notifier invocation for goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptEscape(n.Message) +
			`" with title "render-queue" subtitle "` + appleScriptEscape(n.Title) + `"`
		if n.Type == NotifyError {
			script += ` sound name "Basso"`
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		urgency := "normal"
		if n.Type == NotifyError {
			urgency = "critical"
		}
		return "notify-send", []string{
			"--app-name", "render-queue",
			"--urgency", urgency,
			"--icon", IconForType(n.Type),
			n.Title, n.Message,
		}, true
	}
	return "", nil, false
}

func appleScriptEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconForType returns a freedesktop icon name
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "emblem-default"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}
