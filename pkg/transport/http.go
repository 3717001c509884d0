// Package transport provides the HTTP host transport used by the relay client.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/sirupsen/logrus"

	"github.com/vjranagit/promrelay/pkg/relay"
	"github.com/vjranagit/promrelay/pkg/types"
)

// maxErrorBody caps how much of a non-2xx response body is kept
const maxErrorBody = 64 << 10

// Config holds HTTP transport configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  logrus.FieldLogger
}

// HTTPTransport sends relay requests to a proxy over HTTP
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	logger  logrus.FieldLogger
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(cfg Config) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &HTTPTransport{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Send implements relay.Transport. Failures are returned as *types.HTTPRequestError.
func (t *HTTPTransport) Send(ctx context.Context, req *relay.Request) (*relay.Response, error) {
	start := time.Now()
	status := 0

	builder := requests.URL(t.baseURL + req.URL).
		Client(t.client).
		Method(req.Method).
		BodyBytes(req.Body).
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			if res.StatusCode >= 200 && res.StatusCode < 300 {
				return nil
			}
			httpErr := &types.HTTPRequestError{
				Type:       types.HTTPErrorServerError,
				StatusCode: res.StatusCode,
			}
			body, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			httpErr.Response = body
			if err != nil {
				httpErr.Reason = "failed to read response body: " + err.Error()
			}
			return httpErr
		})
	for name, value := range req.Headers {
		builder.Header(name, value)
	}

	var buf bytes.Buffer
	err := builder.ToBytesBuffer(&buf).Fetch(ctx)

	fields := logrus.Fields{
		"method":   req.Method,
		"url":      req.URL,
		"status":   status,
		"duration": time.Since(start),
	}
	if err != nil {
		httpErr := classify(ctx, err)
		t.logger.WithFields(fields).WithError(httpErr).Debug("relay request failed")
		return nil, httpErr
	}

	t.logger.WithFields(fields).Debug("relay request completed")
	return &relay.Response{Body: buf.Bytes()}, nil
}

// classify maps a request failure onto the HTTPRequestError taxonomy
func classify(ctx context.Context, err error) *types.HTTPRequestError {
	var httpErr *types.HTTPRequestError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.HTTPRequestError{Type: types.HTTPErrorTimeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &types.HTTPRequestError{Type: types.HTTPErrorTimeout}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &types.HTTPRequestError{Type: types.HTTPErrorOffline}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return &types.HTTPRequestError{Type: types.HTTPErrorNoResponse}
	}

	return &types.HTTPRequestError{Type: types.HTTPErrorOther, Reason: err.Error()}
}
