package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/launchbay/launchbay/internal/metrics"
	"github.com/launchbay/launchbay/internal/retry"
)

// HTTPNotifier POSTs signed event payloads to a configured endpoint.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPNotifier creates a notifier that delivers to url, signing payloads
// with secret when it is non-empty.
func NewHTTPNotifier(url, secret string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify sends the event asynchronously with retries.
func (n *HTTPNotifier) Notify(ctx context.Context, event *Event) {
	go n.deliver(event)
}

func (n *HTTPNotifier) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("notification marshal failed", "event", event.Type, "error", err)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return n.post(ctx, event, payload)
	})
	if err != nil {
		n.logger.Warn("notification delivery failed", "event", event.Type, "error", err)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

func (n *HTTPNotifier) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Launchbay-Event", string(event.Type))
	req.Header.Set("X-Launchbay-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set("X-Launchbay-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("notification rejected: status %d", resp.StatusCode))
	}
	return fmt.Errorf("notification failed: status %d", resp.StatusCode)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Notifier = (*HTTPNotifier)(nil)
