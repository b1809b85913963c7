package trigger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookPayload is the JSON body posted by the webhook action.
type WebhookPayload struct {
	TriggerID   string                 `json:"trigger_id"`
	TriggerName string                 `json:"trigger_name"`
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	LeadID      string                 `json:"lead_id,omitempty"`
	EventData   map[string]interface{} `json:"event_data,omitempty"`
	FiredAt     string                 `json:"fired_at"`
}

// WebhookResult captures the outbound call outcome. The response is recorded
// in the execution log; there is no automatic retry.
type WebhookResult struct {
	StatusCode int
	Body       string
	Duration   time.Duration
	Err        error
}

// WebhookSender posts signed trigger payloads to customer endpoints.
type WebhookSender struct {
	client     *http.Client
	signingKey string
	timeout    time.Duration
}

// maxWebhookBodyCapture bounds how much of the response body lands in
// result_data.
const maxWebhookBodyCapture = 2048

// NewWebhookSender creates a webhook sender with the given signing key and
// per-call timeout.
func NewWebhookSender(signingKey string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSender{
		client:     &http.Client{},
		signingKey: signingKey,
		timeout:    timeout,
	}
}

// Send posts the payload with an HMAC-SHA256 signature header.
func (ws *WebhookSender) Send(ctx context.Context, url string, payload WebhookPayload) WebhookResult {
	start := time.Now()
	payload.FiredAt = start.UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		return WebhookResult{Err: fmt.Errorf("marshal payload: %w", err), Duration: time.Since(start)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, ws.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outreach-Trigger-ID", payload.TriggerID)
	req.Header.Set("X-Outreach-Event-ID", payload.EventID)
	if ws.signingKey != "" {
		req.Header.Set("X-Outreach-Signature", computeSignature(ws.signingKey, body))
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return WebhookResult{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBodyCapture))

	result := WebhookResult{
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
		Duration:   time.Since(start),
	}
	if resp.StatusCode >= 400 {
		result.Err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return result
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets receivers validate an incoming webhook body.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(computeSignature(secret, body)), []byte(signature))
}
