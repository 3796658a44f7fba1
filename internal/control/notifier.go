package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

// NotificationPayload is the JSON body POSTed to the callback URL when a session ends
type NotificationPayload struct {
	SessionID   string                     `json:"session_id"`
	StopReason  models.StopReason          `json:"stop_reason"`
	Error       string                     `json:"error,omitempty"`
	Result      *models.OptimizationResult `json:"result"`
	TimestampMs int64                      `json:"timestamp"` // when the notification was sent
}

// Notifier posts session results to a callback URL
type Notifier struct {
	httpClient *http.Client
	attempts   int
	backoff    utils.BackoffStrategy
	secret     string
	log        *slog.Logger
}

// NewNotifier creates a notifier making up to attempts POSTs with exponential backoff
func NewNotifier(attempts int, secret string, log *slog.Logger) *Notifier {
	if attempts < 1 {
		attempts = 4
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		attempts:   attempts,
		backoff:    utils.NewExponentialBackoff(time.Second, 30*time.Second, 2, false),
		secret:     secret,
		log:        log,
	}
}

// WithBackoff replaces the retry delay strategy
func (n *Notifier) WithBackoff(b utils.BackoffStrategy) *Notifier {
	n.backoff = b
	return n
}

// Notify sends the result and blocks until the callback accepted it, the attempts
// ran out or ctx ended. "{session_id}" in callbackURL is replaced by the session ID.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, res models.OptimizationResult, runErr error) error {
	if callbackURL == "" {
		return nil
	}
	finalURL := strings.ReplaceAll(callbackURL, "{session_id}", res.SessionID)

	payload := NotificationPayload{
		SessionID:   res.SessionID,
		StopReason:  res.StopReason,
		Result:      &res,
		TimestampMs: time.Now().UTC().UnixMilli(),
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attempt := 0
	err = utils.Retry(ctx, n.backoff, n.attempts, func(ctx context.Context) error {
		attempt++
		err := n.post(ctx, finalURL, body)
		if err != nil {
			n.log.Warn("notification attempt failed",
				"callback_url", finalURL,
				"session_id", res.SessionID,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		n.log.Error("failed to send notification after retries",
			"callback_url", finalURL,
			"session_id", res.SessionID,
			"attempts", attempt,
			"last_error", err)
		return err
	}
	n.log.Info("notification sent", "session_id", res.SessionID, "stop_reason", res.StopReason)
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stimtune/1.0")
	if n.secret != "" {
		req.Header.Set("X-Stimtune-Callback-Secret", n.secret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}
