package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// DefaultBaseURL is the upstream generation endpoint prefix. The final URL is
// formed by appending ":generateContent" or ":streamGenerateContent".
const DefaultBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

const (
	defaultIdleTimeout = 60 * time.Second
	scannerInitialSize = 64 * 1024
	scannerMaxSize     = 1024 * 1024
)

// Client talks to the upstream generation API with per-request bearer tokens.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewClient builds an upstream client. requestTimeout bounds how long the
// upstream may take to start answering; it does not cap streaming reads,
// which are guarded by an idle timeout instead.
func NewClient(baseURL string, requestTimeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if requestTimeout <= 0 {
		requestTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Transport: transport},
		idleTimeout: defaultIdleTimeout,
		logger:      logger.With(zap.String("component", "upstream")),
	}
}

// Generate performs a unary generation call.
func (c *Client) Generate(ctx context.Context, accessToken string, req *GenerateRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("marshal upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+":generateContent", bytes.NewReader(body))
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("build upstream request", err)
	}
	c.setHeaders(httpReq, accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.wrapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}

	parsed, err := UnmarshalResponse(respBody)
	if err != nil {
		return nil, domainErrors.NewUpstreamError("unparseable upstream response", resp.StatusCode, err)
	}
	return parsed, nil
}

// GenerateStream performs a streaming generation call, invoking onChunk for
// every parsed SSE chunk in arrival order. An error from onChunk aborts the
// stream and is returned verbatim.
func (c *Client) GenerateStream(ctx context.Context, accessToken string, req *GenerateRequest, onChunk func(*Response) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("marshal upstream request", err)
	}

	url := c.baseURL + ":streamGenerateContent?alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("build upstream request", err)
	}
	c.setHeaders(httpReq, accessToken)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.wrapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}

	// Force-close the body when the caller goes away so the scanner below
	// unblocks instead of waiting out the idle timeout.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	scanner := bufio.NewScanner(&timedReader{r: resp.Body, timeout: c.idleTimeout})
	scanner.Buffer(make([]byte, 0, scannerInitialSize), scannerMaxSize)

	received := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return c.wrapTransportError(ctx, ctx.Err())
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		chunk, err := UnmarshalResponse([]byte(data))
		if err != nil {
			c.logger.Debug("skip unparseable upstream chunk", zap.Error(err))
			continue
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		received++
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return c.wrapTransportError(ctx, ctx.Err())
		}
		if errors.Is(err, errIdleTimeout) {
			c.logger.Warn("upstream stream stalled",
				zap.Duration("idle_timeout", c.idleTimeout),
				zap.Int("chunks_received", received))
			if received == 0 {
				return domainErrors.NewUpstreamTimeoutError("upstream stream stalled before first chunk", err)
			}
			return nil
		}
		return domainErrors.NewUpstreamError("upstream stream read failed", resp.StatusCode, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
}

func (c *Client) wrapTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domainErrors.NewUpstreamTimeoutError("upstream request deadline exceeded", err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return domainErrors.NewUpstreamTimeoutError("upstream request timed out", err)
		}
		return domainErrors.NewUpstreamError("upstream request failed", 0, err)
	}
}

// SetIdleTimeout overrides the streaming idle timeout. Tests only.
func (c *Client) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		c.idleTimeout = d
	}
}

// --- error classification ---

type apiErrorBody struct {
	Error *apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Details []apiErrorExtra `json:"details"`
}

type apiErrorExtra struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
}

// classifyStatus maps an upstream HTTP failure onto the proxy's error kinds.
// Quota exhaustion is told apart from plain rate limiting by the error body,
// because both arrive as 429.
func classifyStatus(status int, retryAfterHeader string, body []byte) error {
	parsed := parseAPIError(body)
	msg := errorMessage(parsed, body, status)
	retryAfter := parseRetryAfter(retryAfterHeader, parsed)

	switch status {
	case http.StatusUnauthorized:
		return domainErrors.NewAuthError(msg)
	case http.StatusTooManyRequests:
		if isQuotaMessage(parsed, body) {
			return domainErrors.NewQuotaExceededError(msg, retryAfter)
		}
		return domainErrors.NewRateLimitedError(msg, retryAfter)
	case http.StatusForbidden:
		if isQuotaMessage(parsed, body) {
			return domainErrors.NewQuotaExceededError(msg, retryAfter)
		}
		return domainErrors.NewUpstreamError(msg, status, nil)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return domainErrors.NewUpstreamTimeoutError(msg, nil)
	default:
		return domainErrors.NewUpstreamError(msg, status, nil)
	}
}

func parseAPIError(body []byte) *apiErrorDetail {
	var wrapper apiErrorBody
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil
	}
	return wrapper.Error
}

func errorMessage(parsed *apiErrorDetail, body []byte, status int) string {
	if parsed != nil && parsed.Message != "" {
		return parsed.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	return trimmed
}

func isQuotaMessage(parsed *apiErrorDetail, body []byte) bool {
	if parsed != nil && strings.Contains(strings.ToLower(parsed.Message), "quota") {
		return true
	}
	return strings.Contains(strings.ToLower(string(body)), "quota")
}

// parseRetryAfter prefers the Retry-After header, then the RetryInfo detail
// from the error body. Zero means the caller's default applies.
func parseRetryAfter(header string, parsed *apiErrorDetail) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if parsed == nil {
		return 0
	}
	for _, d := range parsed.Details {
		if d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.RetryDelay); err == nil && dur > 0 {
			return dur
		}
	}
	return 0
}

// --- SSE idle timeout support ---

var errIdleTimeout = errors.New("upstream read idle timeout")

// timedReader fails a Read that makes no progress within the timeout, so a
// silently stalled upstream cannot hang a stream forever.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
