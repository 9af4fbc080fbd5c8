package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackNotifier posts to a Slack incoming webhook. An empty URL disables it.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is the colored block under the message text
type SlackAttachment struct {
	Color     string       `json:"color"`
	Fallback  string       `json:"fallback,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one labelled value inside an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a webhook notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
	}
}

// SlackColor maps a notification type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	}
	return "#439FE0"
}

// BuildSlackMessage lays a notification out as a webhook payload
func BuildSlackMessage(n Notification, now time.Time) SlackMessage {
	att := SlackAttachment{
		Color:     SlackColor(n.Type),
		Fallback:  n.Title + ": " + n.Message,
		Text:      n.Message,
		Footer:    "render-queue",
		Timestamp: now.Unix(),
	}
	if n.TaskID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Task", Value: n.TaskID, Short: true})
	}
	if n.OutputFolder != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Output", Value: n.OutputFolder, Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send implements Notifier
func (s *SlackNotifier) Send(n Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
	defer cancel()
	return s.SendContext(ctx, n)
}

// SendContext posts n, giving up when ctx is done
func (s *SlackNotifier) SendContext(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(BuildSlackMessage(n, time.Now()))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
