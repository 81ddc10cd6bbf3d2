// Package notify delivers best-effort webhook notifications for newly stored
// submissions. Notifications carry metadata only, never ciphertext.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cipherdrop/intake-backend/metrics"
)

// requestTimeout bounds each delivery attempt so a hung remote endpoint
// cannot leak goroutines.
const requestTimeout = 3 * time.Second

// Notifier posts a small JSON payload to a configured webhook after each
// successful insert. Delivery is fire-and-forget: it runs detached from the
// request, swallows its own failures, and never delays the HTTP response.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// New creates a Notifier. An empty url disables delivery entirely.
func New(url string, log *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

// notification is the entire webhook body. Nothing else ever leaves the
// service through this path.
type notification struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Notify schedules one delivery and returns immediately.
func (n *Notifier) Notify(id, version string, receivedAt time.Time) {
	if n == nil || n.url == "" {
		return
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				n.log.Error("Notification delivery panicked", "panic", p)
			}
		}()

		if err := n.deliver(notification{ID: id, Version: version, ReceivedAt: receivedAt}); err != nil {
			metrics.IncNotify("error")
			n.log.Warn("Notification delivery failed", "err", err, "id", id)
			return
		}
		metrics.IncNotify("ok")
	}()
}

func (n *Notifier) deliver(payload notification) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
