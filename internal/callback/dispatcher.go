// Package callback implements the Callback Dispatcher: a fire-and-forget
// webhook POST issued after an async execution completes. Grounded on the
// teacher's detached-cleanup-goroutine pattern in
// internal/api/container.go's Destroy handler (clear state synchronously,
// run the slow I/O in a background goroutine bounded by its own timeout).
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

const (
	secretQueryParam = "secret"
	secretHeader     = "X-Webhook-Secret"
	defaultTimeout   = 10 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Timeout time.Duration
	// SuppressPattern, when non-nil, gates dispatch: URLs whose host+path
	// match are logged (with secret redacted) but never actually sent.
	SuppressPattern *regexp.Regexp
}

// DefaultConfig returns the dispatcher's documented defaults.
func DefaultConfig() Config {
	return Config{Timeout: defaultTimeout}
}

// Dispatcher posts JSON payloads to webhook URLs without blocking its
// caller.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Dispatch extracts the secret query parameter from rawURL, moves it to the
// X-Webhook-Secret header, and POSTs payload as JSON in a detached
// goroutine. It never blocks the caller and never returns an error — every
// failure is logged with the requestID, and with the masked URL once rawURL
// has been parsed.
func (d *Dispatcher) Dispatch(rawURL string, payload any, requestID string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		d.logger.Error("callback: invalid url", "request_id", requestID, "error", err)
		return
	}

	masked := maskSecret(*parsed)

	if d.cfg.SuppressPattern != nil && d.cfg.SuppressPattern.MatchString(parsed.Host+parsed.Path) {
		d.logger.Info("callback: dispatch suppressed by pattern", "request_id", requestID, "url", masked)
		return
	}

	secret := extractAndStripSecret(parsed)
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("callback: marshal payload", "request_id", requestID, "error", err)
		return
	}

	go d.send(parsed.String(), masked, secret, body, requestID)
}

func (d *Dispatcher) send(targetURL, maskedURL, secret string, body []byte, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("callback: build request", "request_id", requestID, "url", maskedURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("callback: dispatch failed", "request_id", requestID, "url", maskedURL, "error", err)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("callback: non-2xx response", "request_id", requestID, "url", maskedURL,
			"status", resp.StatusCode, "body", string(respBody))
		return
	}
	d.logger.Debug("callback: dispatched", "request_id", requestID, "url", maskedURL, "status", resp.StatusCode)
}

// extractAndStripSecret removes the secret query parameter from u in place
// and returns its value.
func extractAndStripSecret(u *url.URL) string {
	q := u.Query()
	secret := q.Get(secretQueryParam)
	if secret == "" {
		return ""
	}
	q.Del(secretQueryParam)
	u.RawQuery = q.Encode()
	return secret
}

// maskSecret returns url's string form with the secret query parameter
// redacted, for logging.
func maskSecret(u url.URL) string {
	q := u.Query()
	if q.Get(secretQueryParam) != "" {
		q.Set(secretQueryParam, "***")
		u.RawQuery = q.Encode()
	}
	if u.RawQuery == "" {
		return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
	}
	return fmt.Sprintf("%s://%s%s?%s", u.Scheme, u.Host, u.Path, u.RawQuery)
}
