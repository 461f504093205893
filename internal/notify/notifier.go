// Package notify delivers job lifecycle notifications to the channels a job
// configures: generic webhooks, Slack, Discord, and email. Delivery is best
// effort; failures are logged and recorded, never retried.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/store"
)

// Environment variables consumed by the email channel.
const (
	envSMTPServer   = "LUNASCHED_SMTP_SERVER"
	envSMTPUsername = "LUNASCHED_SMTP_USERNAME"
	envSMTPPassword = "LUNASCHED_SMTP_PASSWORD"
	envEmailFrom    = "LUNASCHED_EMAIL_FROM"
)

// Notifier sends notifications and records outcomes in the store.
type Notifier struct {
	client *http.Client
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		store:  st,
		logger: logger.With("component", "notify"),
	}
}

// Notify delivers the job's configured channels for event ("start",
// "success" or "failure"). Runs asynchronously.
func (n *Notifier) Notify(j *job.Job, executionID, event, message string) {
	var channels []job.NotificationChannel
	switch event {
	case "success":
		channels = j.NotificationConfig.OnSuccess
	case "failure":
		channels = j.NotificationConfig.OnFailure
	case "start":
		channels = j.NotificationConfig.OnStart
	}
	if len(channels) == 0 {
		return
	}
	go func() {
		for _, ch := range channels {
			n.send(j, executionID, event, message, ch)
		}
	}()
}

func (n *Notifier) send(j *job.Job, executionID, event, message string, ch job.NotificationChannel) {
	var err error
	switch ch.Kind {
	case job.NotifyEmail:
		err = n.sendEmail(j, event, message, ch.Email)
	case job.NotifyWebhook:
		err = n.sendWebhook(j, event, message, ch.Webhook)
	case job.NotifyDiscord:
		err = n.sendDiscord(j, event, message, ch.URL)
	case job.NotifySlack:
		err = n.sendSlack(j, event, message, ch.URL)
	default:
		err = fmt.Errorf("unknown channel kind %q", ch.Kind)
	}

	status := "success"
	errMsg := ""
	if err != nil {
		status = "failure"
		errMsg = err.Error()
		n.logger.Error("notification failed",
			slog.String("job_id", string(j.ID)),
			slog.String("channel", string(ch.Kind)),
			slog.Any("error", err))
	}
	metrics.NotificationsSent.WithLabelValues(string(ch.Kind), status).Inc()
	if n.store != nil {
		if err := n.store.LogNotification(j.ID, executionID, event, string(ch.Kind), status, errMsg); err != nil {
			n.logger.Error("failed to record notification", slog.Any("error", err))
		}
	}
}

func (n *Notifier) postJSON(url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (n *Notifier) sendWebhook(j *job.Job, event, message string, target *job.WebhookTarget) error {
	if target == nil {
		return fmt.Errorf("missing webhook target")
	}
	payload := map[string]any{
		"job_id":    string(j.ID),
		"job_name":  j.Name,
		"event":     event,
		"message":   message,
		"owner":     j.Owner,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return n.postJSON(target.URL, target.Headers, payload)
}

func (n *Notifier) sendDiscord(j *job.Job, event, message, webhookURL string) error {
	color := 0x808080
	switch event {
	case "success":
		color = 0x00ff00
	case "failure":
		color = 0xff0000
	case "start":
		color = 0x0000ff
	}
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("Job %s - %s", j.Name, event),
			"description": message,
			"color":       color,
			"fields": []map[string]any{
				{"name": "Job ID", "value": string(j.ID), "inline": true},
				{"name": "Owner", "value": j.Owner, "inline": true},
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}},
	}
	return n.postJSON(webhookURL, nil, payload)
}

func (n *Notifier) sendSlack(j *job.Job, event, message, webhookURL string) error {
	emoji := ":grey_question:"
	switch event {
	case "success":
		emoji = ":white_check_mark:"
	case "failure":
		emoji = ":x:"
	case "start":
		emoji = ":rocket:"
	}
	payload := map[string]any{
		"text": fmt.Sprintf("%s Job %s - %s", emoji, j.Name, event),
		"blocks": []map[string]any{{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Job:* %s\n*Event:* %s\n*Owner:* %s\n\n%s", j.Name, event, j.Owner, message),
			},
		}},
	}
	return n.postJSON(webhookURL, nil, payload)
}

func (n *Notifier) sendEmail(j *job.Job, event, message string, target *job.EmailTarget) error {
	if target == nil {
		return fmt.Errorf("missing email target")
	}
	server := os.Getenv(envSMTPServer)
	username := os.Getenv(envSMTPUsername)
	password := os.Getenv(envSMTPPassword)
	if server == "" || username == "" || password == "" {
		n.logger.Warn("SMTP not configured, skipping email notification",
			slog.String("job_id", string(j.ID)))
		return nil
	}
	from := os.Getenv(envEmailFrom)
	if from == "" {
		from = "lunasched@localhost"
	}
	subject := fmt.Sprintf("Lunasched: Job %s - %s", j.Name, event)
	if target.Subject != nil && *target.Subject != "" {
		subject = *target.Subject
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", target.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "Job: %s\nEvent: %s\nOwner: %s\nSchedule: %s\n\n%s",
		j.Name, event, j.Owner, j.Schedule.String(), message)

	auth := smtp.PlainAuth("", username, password, server)
	if err := smtp.SendMail(server+":587", auth, from, []string{target.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
