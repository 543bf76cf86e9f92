package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultAdapterTimeout = 30 * time.Second

// TargetAdapter mirrors entities into one external system. Update reports
// ErrNotFoundRemote when the remote item is gone; Delete treats an already
// missing item as success. Every error is reducible to an ErrorKind.
type TargetAdapter interface {
	Target() SyncTarget
	Create(ctx context.Context, entity Entity) (string, error)
	Update(ctx context.Context, externalID string, entity Entity) error
	Delete(ctx context.Context, externalID string) error
	HealthCheck(ctx context.Context) error
}

// CredentialRefresher is implemented by adapters whose credentials can be
// renewed after an AuthExpired failure.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// classifyHTTPStatus maps a non-2xx response onto the adapter error taxonomy.
func classifyHTTPStatus(status int, header http.Header, message string) *TargetError {
	message = truncateMessage(message, 512)
	code := "http_" + strconv.Itoa(status)
	switch {
	case status == http.StatusUnauthorized:
		return &TargetError{Kind: KindAuthExpired, Code: code, Message: message}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &TargetError{Kind: KindNotFoundRemote, Code: code, Message: message}
	case status == http.StatusTooManyRequests:
		return &TargetError{Kind: KindRateLimited, Code: code, Message: message, RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now())}
	case status == http.StatusRequestTimeout || status >= 500:
		return &TargetError{Kind: KindTransient, Code: code, Message: message, RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now())}
	default:
		return &TargetError{Kind: KindRejected, Code: code, Message: message}
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}

type apiClientOptions struct {
	BaseURL           string
	HTTPClient        *http.Client
	Credentials       *TargetClient
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// DecodeError turns a non-2xx response into a TargetError. Nil uses the
	// plain status mapping.
	DecodeError func(status int, header http.Header, body []byte) *TargetError
}

// apiClient is the JSON-over-HTTP plumbing shared by the REST adapters:
// bearer auth from a TargetClient, client-side pacing and error mapping.
type apiClient struct {
	baseURL     string
	httpClient  *http.Client
	credentials *TargetClient
	limiter     *rate.Limiter
	userAgent   string
	decodeError func(status int, header http.Header, body []byte) *TargetError
}

func newAPIClient(opts apiClientOptions) *apiClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAdapterTimeout}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	decode := opts.DecodeError
	if decode == nil {
		decode = func(status int, header http.Header, body []byte) *TargetError {
			return classifyHTTPStatus(status, header, string(body))
		}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "clubsync/1.0"
	}
	return &apiClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient:  httpClient,
		credentials: opts.Credentials,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		userAgent:   userAgent,
		decodeError: decode,
	}
}

// do sends one request and decodes a JSON response into out when non-nil.
// A nil body sends no payload; url.Values is sent form-encoded.
func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAdapterTimeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return wrapTransportError(err)
	}

	var reader io.Reader
	contentType := ""
	switch payload := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(payload.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return wrapTransportError(readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp.StatusCode, resp.Header, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &TargetError{Kind: KindTransient, Code: "bad_response", Message: fmt.Sprintf("undecodable response: %v", err), Err: err}
	}
	return nil
}

func (c *apiClient) refresh(ctx context.Context) error {
	if c.credentials == nil {
		return nil
	}
	return c.credentials.Refresh(ctx)
}
