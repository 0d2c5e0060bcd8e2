package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sitepipe/internal/config"
)

const userAgent = "sitepipe/0.1"

// Event identifies what happened to a site.
type Event string

const (
	EventSiteCompleted Event = "site_completed"
	EventSiteFailed    Event = "site_failed"
	EventTest          Event = "test"
)

// Payload carries the details rendered into a notification.
type Payload struct {
	SiteID  string
	Source  string
	Stage   string
	Message string
}

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed Service, or a no-op one when no topic is
// configured.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

func render(event Event, p Payload) (message, error) {
	switch event {
	case EventSiteCompleted:
		body := "Site " + p.SiteID + " completed"
		if p.Source != "" {
			body += "\nSource: " + p.Source
		}
		return message{
			title: "sitepipe - Site Completed",
			body:  body,
			tags:  []string{"sitepipe", "completed"},
		}, nil
	case EventSiteFailed:
		body := fmt.Sprintf("Site %s failed at %s", p.SiteID, p.Stage)
		if p.Message != "" {
			body += "\n" + p.Message
		}
		return message{
			title:    "sitepipe - Site Failed",
			body:     body,
			tags:     []string{"sitepipe", "failed", p.Stage},
			priority: "high",
		}, nil
	case EventTest:
		return message{
			title:    "sitepipe - Test",
			body:     "Notifications are working",
			tags:     []string{"sitepipe", "test"},
			priority: "low",
		}, nil
	default:
		return message{}, fmt.Errorf("unknown notification event %q", event)
	}
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, p Payload) error {
	msg, err := render(event, p)
	if err != nil {
		return err
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", msg.title)
	tags := make([]string, 0, len(msg.tags))
	for _, tag := range msg.tags {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
