package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	connector "github.com/goliatone/go-connector"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerMessageType    = "X-Message-Type"
	maxBodyBytes         = 1 << 20
)

// HTTPOption customizes an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithRetry sets the retry budget for transient failures (network errors,
// 429 and 5xx responses).
func WithRetry(max int, waitMin, waitMax time.Duration) HTTPOption {
	return func(d *HTTPDispatcher) {
		if max >= 0 {
			d.client.RetryMax = max
		}
		if waitMin > 0 {
			d.client.RetryWaitMin = waitMin
		}
		if waitMax > 0 {
			d.client.RetryWaitMax = waitMax
		}
	}
}

// WithTimeout bounds one HTTP attempt.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(d *HTTPDispatcher) {
		if timeout > 0 {
			d.client.HTTPClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		if client != nil {
			d.client.HTTPClient = client
		}
	}
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.headers.Set(key, value)
	}
}

func WithHTTPLogger(logger connector.Logger) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.logger = connector.NormalizeLogger(logger)
		d.client.Logger = leveledLogger{d.logger}
	}
}

// HTTPDispatcher posts JSON envelopes to the recipient address.
type HTTPDispatcher struct {
	client  *retryablehttp.Client
	headers http.Header
	logger  connector.Logger
}

func NewHTTPDispatcher(opts ...HTTPOption) *HTTPDispatcher {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = 30 * time.Second
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil

	d := &HTTPDispatcher{
		client:  client,
		headers: make(http.Header),
		logger:  connector.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *HTTPDispatcher) Send(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient(), body)
	if err != nil {
		return connector.Transport(fmt.Sprintf("build request for %s", msg.Recipient()), err)
	}
	for key, values := range d.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, msg.IdempotencyKey())
	req.Header.Set(headerMessageType, msg.Type())

	resp, err := d.client.Do(req)
	if err != nil {
		return connector.Transport(fmt.Sprintf("send %s to %s", msg.Type(), msg.Recipient()), err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return connector.Transport(fmt.Sprintf("%s answered %d", msg.Recipient(), resp.StatusCode), remoteError(payload))
	default:
		d.logger.Debug("%s rejected %s (%s): %d", msg.Recipient(), msg.Type(), msg.IdempotencyKey(), resp.StatusCode)
		return Nack(msg, remoteError(payload))
	}
}

func remoteError(payload []byte) error {
	var env connector.ErrorEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Message != "" {
		return fmt.Errorf("%s: %s", env.Code, env.Message)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	return fmt.Errorf("%s", bytes.TrimSpace(payload))
}

// NewHTTPHandler exposes h as the receiving endpoint of HTTPDispatcher.
// Errors are answered with the mapped status and an ErrorEnvelope body.
func NewHTTPHandler(h Handler, logger connector.Logger) http.Handler {
	logger = connector.NormalizeLogger(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, connector.Validation("unreadable body", nil))
			return
		}
		msg, err := Decode(data)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h(r.Context(), msg); err != nil {
			logger.Warn("inbound %s (%s) rejected: %v", msg.Type(), msg.IdempotencyKey(), err)
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(connector.HTTPStatusForError(err))
	_ = json.NewEncoder(w).Encode(connector.EnvelopeForError(err))
}

type leveledLogger struct {
	logger connector.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.logger.Error("%s %v", msg, kv) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.logger.Debug("%s %v", msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.logger.Trace("%s %v", msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.logger.Warn("%s %v", msg, kv) }
