package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Webhook POSTs notifications as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook validates rawURL and creates the notifier.
func NewWebhook(rawURL string) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("notify: webhook URL must use http or https scheme, got %q", scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("notify: webhook URL %q has no host", rawURL)
	}
	return &Webhook{
		url:    rawURL,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Notify sends asynchronously.
func (w *Webhook) Notify(n Notification) {
	go func() {
		if err := w.send(n); err != nil {
			log.Printf("[notify] webhook: %v", err)
		}
	}()
}

func (w *Webhook) send(n Notification) error {
	data, err := json.Marshal(map[string]any{
		"event":   "alert",
		"payload": n,
		"ts":      time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: %s", w.url, resp.Status)
	}
	return nil
}
