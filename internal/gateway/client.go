package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/models"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// Client talks to an Evolution API server. It keeps no per-call state
// and never retries.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Evolution API client
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger,
	}
}

// SendTextRequest is the body of message/sendText
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"` // ms of typing simulation
}

type presenceRequest struct {
	Number   string `json:"number"`
	Delay    int    `json:"delay"`
	Presence string `json:"presence"`
}

// WebhookSettings registers the inbound URL of an instance
type WebhookSettings struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"webhookByEvents"`
	Base64   bool     `json:"webhookBase64"`
	Events   []string `json:"events"`
}

// DefaultWebhookEvents are the events the reconciler consumes
var DefaultWebhookEvents = []string{"CONNECTION_UPDATE", "MESSAGES_UPDATE", "MESSAGES_UPSERT"}

// do performs a call bounded by the client timeout and returns the status
// and at most maxBodySize bytes of body
func (c *Client) do(ctx context.Context, method, path, apiKey string, body any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func instancePath(prefix, handle string) string {
	return prefix + url.PathEscape(handle)
}

// SendText delivers text to number (digits only) through the instance
func (c *Client) SendText(ctx context.Context, handle, apiKey string, req SendTextRequest) Result {
	start := time.Now()
	result := c.sendText(ctx, handle, apiKey, req)
	metrics.ObserveGatewayRequest("send_text", string(result.Kind), time.Since(start).Seconds())

	if result.Kind != KindOK {
		c.logger.Debug("sendText failed",
			"instance", handle, "kind", result.Kind, "error_class", result.Class, "status", result.StatusCode)
	}
	return result
}

func (c *Client) sendText(ctx context.Context, handle, apiKey string, req SendTextRequest) Result {
	status, body, err := c.do(ctx, http.MethodPost, instancePath("/message/sendText/", handle), apiKey, req)
	if err != nil {
		if status == 0 {
			return classifyTransport(err)
		}
		return failure(KindRetryable, ClassNetwork, err.Error(), status)
	}
	if status < 200 || status > 299 {
		return classifyStatus(status, body)
	}
	id := messageID(body)
	if id == "" {
		return failure(KindPermanent, ClassMalformedResponse, "response without message id: "+truncate(string(body), 200), status)
	}
	return ok(id, status)
}

// SendPresence shows "composing" to the recipient. Callers ignore failures.
func (c *Client) SendPresence(ctx context.Context, handle, apiKey, number string, delay time.Duration) error {
	start := time.Now()
	status, _, err := c.do(ctx, http.MethodPost, instancePath("/chat/sendPresence/", handle), apiKey, presenceRequest{
		Number:   number,
		Delay:    int(delay.Milliseconds()),
		Presence: "composing",
	})
	result := "ok"
	if err == nil && (status < 200 || status > 299) {
		err = fmt.Errorf("sendPresence: HTTP %d", status)
	}
	if err != nil {
		result = "error"
	}
	metrics.ObserveGatewayRequest("send_presence", result, time.Since(start).Seconds())
	return err
}

// SetWebhook registers the inbound webhook URL of an instance
func (c *Client) SetWebhook(ctx context.Context, handle, apiKey string, settings WebhookSettings) error {
	if len(settings.Events) == 0 {
		settings.Events = DefaultWebhookEvents
	}
	body := struct {
		Webhook WebhookSettings `json:"webhook"`
	}{settings}

	start := time.Now()
	status, data, err := c.do(ctx, http.MethodPost, instancePath("/webhook/set/", handle), apiKey, body)
	if err == nil && (status < 200 || status > 299) {
		err = classifyStatus(status, data).Err()
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveGatewayRequest("set_webhook", result, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	return nil
}

// ConnectionState probes the session state of an instance
func (c *Client) ConnectionState(ctx context.Context, handle, apiKey string) (models.ConnectionState, error) {
	start := time.Now()
	status, body, err := c.do(ctx, http.MethodGet, instancePath("/instance/connectionState/", handle), apiKey, nil)
	result := "ok"
	defer func() {
		metrics.ObserveGatewayRequest("connection_state", result, time.Since(start).Seconds())
	}()

	if err != nil {
		result = "error"
		return models.StateUnknown, fmt.Errorf("failed to probe connection state: %w", err)
	}
	if status < 200 || status > 299 {
		res := classifyStatus(status, body)
		result = string(res.Kind)
		if res.Kind == KindInstanceUnavailable {
			// closed or unknown instances are a definite answer
			return models.StateClosed, nil
		}
		return models.StateUnknown, fmt.Errorf("failed to probe connection state: %w", res.Err())
	}

	var payload struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		result = "error"
		return models.StateUnknown, fmt.Errorf("failed to decode connection state: %w", err)
	}
	state := payload.Instance.State
	if state == "" {
		state = payload.State
	}
	return models.ParseConnectionState(state), nil
}
