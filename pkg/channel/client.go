package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	StatusReady = "ready"

	defaultPrepareTimeout = 30 * time.Second
	defaultSendTimeout    = 45 * time.Second
	defaultHealthTimeout  = 5 * time.Second
)

type HealthStatus struct {
	Status string `json:"status"`
}

func (h HealthStatus) Ready() bool {
	return h.Status == StatusReady
}

type PreparedContact struct {
	Number string `json:"number"`
	ChatID string `json:"chatId"`
	Method string `json:"method,omitempty"`
}

type FailedContact struct {
	Number string `json:"number"`
	Error  string `json:"error"`
}

type PrepareResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Results struct {
		Prepared []PreparedContact `json:"prepared"`
		Failed   []FailedContact   `json:"failed"`
	} `json:"results"`
}

// Prepared returns the entry for number, if the bridge prepared it. An entry
// without a number only counts when it is the sole one in the result.
func (r *PrepareResult) Prepared(number string) (PreparedContact, bool) {
	if r == nil || !r.Success {
		return PreparedContact{}, false
	}
	for _, p := range r.Results.Prepared {
		if p.Number == number {
			return p, true
		}
	}
	if len(r.Results.Prepared) == 1 && r.Results.Prepared[0].Number == "" {
		return r.Results.Prepared[0], true
	}
	return PreparedContact{}, false
}

// SendResult is the bridge's answer to a send. Delivered and Ack are
// optional on the wire.
type SendResult struct {
	Success   bool   `json:"success"`
	Delivered *bool  `json:"delivered,omitempty"`
	Ack       *int   `json:"ack,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Confirmed is true only for success with an explicit delivered=true and an
// ack of at least 2. ack=1 means the server received it, not the phone.
func (r SendResult) Confirmed() bool {
	if !r.Success || r.Delivered == nil || r.Ack == nil {
		return false
	}
	return *r.Delivered && *r.Ack >= 2
}

func (r SendResult) Describe() string {
	if r.Error != "" {
		return r.Error
	}
	ack := "none"
	if r.Ack != nil {
		ack = fmt.Sprintf("%d", *r.Ack)
	}
	delivered := "none"
	if r.Delivered != nil {
		delivered = fmt.Sprintf("%t", *r.Delivered)
	}
	return fmt.Sprintf("unconfirmed delivery (success=%t delivered=%s ack=%s)", r.Success, delivered, ack)
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("channel returned %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	PrepareTimeout time.Duration
	SendTimeout    time.Duration
	HealthTimeout  time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = defaultPrepareTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    httpClient,
		logger:  logger,
	}
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.do(ctx, c.opts.HealthTimeout, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Prepare(ctx context.Context, numbers []string) (*PrepareResult, error) {
	var out PrepareResult
	body := map[string]interface{}{"numbers": numbers}
	if err := c.do(ctx, c.opts.PrepareTimeout, http.MethodPost, "/prepare-contacts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Send(ctx context.Context, contactID, text string) (*SendResult, error) {
	var out SendResult
	body := map[string]interface{}{"contactId": contactID, "text": text}
	if err := c.do(ctx, c.opts.SendTimeout, http.MethodPost, "/send-text-to-contact", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("channel %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var body struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		c.logger.Debug("channel request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
