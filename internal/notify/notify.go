// Package notify delivers operator notifications about failed runs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"batchbridge/internal/auth"
)

// RunFailure describes a run that reached a failure status.
type RunFailure struct {
	RunID         string    `json:"run_id"`
	BatchExportID string    `json:"batch_export_id"`
	TeamID        int64     `json:"team_id"`
	Status        string    `json:"status"`
	LatestError   string    `json:"latest_error"`
	IntervalEnd   time.Time `json:"interval_end"`
}

// Notifier reports run failures to an operator channel. Implementations
// must not block run finalization on delivery problems.
type Notifier interface {
	RunFailed(ctx context.Context, f RunFailure)
}

// Webhook posts failures as JSON to a configured URL. When Secret is set,
// each request carries an X-Signature-SHA256 header over secret+body so
// the receiver can reject forged notifications.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Log    *zap.SugaredLogger
}

func NewWebhook(url, secret string, log *zap.SugaredLogger) *Webhook {
	return &Webhook{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
		Log:    log,
	}
}

// RunFailed delivers the notification best-effort. Errors are logged and
// swallowed so a dead webhook never affects run outcomes.
func (w *Webhook) RunFailed(ctx context.Context, f RunFailure) {
	body, err := json.Marshal(f)
	if err != nil {
		w.Log.Warnw("notify: marshal failure payload", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		w.Log.Warnw("notify: build request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Signature-SHA256", auth.HashToken(w.Secret+string(body)))
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Warnw("notify: deliver run failure", "run_id", f.RunID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.Log.Warnw("notify: webhook rejected run failure",
			"run_id", f.RunID, "err", fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Nop discards notifications. Used when no webhook is configured and in tests.
type Nop struct{}

func (Nop) RunFailed(context.Context, RunFailure) {}
