package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookCaller posts step payloads to customer endpoints.
type WebhookCaller struct {
	client *http.Client
}

// NewWebhookCaller creates a caller with its own pooled HTTP client.
func NewWebhookCaller() *WebhookCaller {
	return &WebhookCaller{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// WebhookResult reports the endpoint's response.
type WebhookResult struct {
	StatusCode int
	Duration   time.Duration
}

// Call sends the JSON body to url and classifies the outcome: 2xx succeeds,
// 408/429 and 5xx are transient, any other 4xx is permanent. The
// idempotency key rides in a header so endpoints can dedupe redeliveries.
func (w *WebhookCaller) Call(ctx context.Context, method, url string, headers map[string]string, body map[string]interface{}, idempotencyKey string, timeout time.Duration) (*WebhookResult, error) {
	if method == "" {
		method = http.MethodPost
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Permanentf("encode webhook payload: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanentf("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, Transientf("webhook call: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := &WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return result, Transientf("webhook returned %d", resp.StatusCode)
	default:
		return result, Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
