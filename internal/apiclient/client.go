// Package apiclient talks to the relief API server and classifies every
// failure into the apperr taxonomy.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

const (
	DefaultTimeout  = 10 * time.Second
	maxFetchRetries = 3
	initialBackoff  = 500 * time.Millisecond
	maxErrorBody    = 1 << 20
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	backoff    time.Duration
}

// New creates a client for baseURL. A non-positive timeout means DefaultTimeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		backoff:    initialBackoff,
	}
}

// BaseURL returns the server root this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health returns nil when the server answers GET /health with 2xx.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Fetch returns the records of col changed after since, or all of them when
// since is zero. Transient failures are retried with exponential backoff.
func (c *Client) Fetch(ctx context.Context, col storage.Collection, since time.Time) ([]storage.Record, error) {
	path := "/" + string(col)
	if !since.IsZero() {
		path += "?" + url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}.Encode()
	}

	var lastErr error
	for attempt := range maxFetchRetries {
		var recs []storage.Record
		err := c.doJSON(ctx, http.MethodGet, path, nil, "", &recs)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		k := apperr.KindOf(err)
		if !k.Transient() || k == apperr.KindRateLimited || attempt == maxFetchRetries-1 {
			break
		}
		backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// SubmitReport creates a report. idemKey lets the server recognise a replay.
func (c *Client) SubmitReport(ctx context.Context, fields map[string]any, idemKey string) (storage.Record, error) {
	var rec storage.Record
	err := c.doJSON(ctx, http.MethodPost, "/reports", fields, idemKey, &rec)
	return rec, err
}

// UpdateResource replaces fields of a resource with PUT.
func (c *Client) UpdateResource(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error) {
	var rec storage.Record
	err := c.doJSON(ctx, http.MethodPut, "/resources/"+url.PathEscape(id), fields, idemKey, &rec)
	return rec, err
}

// PatchResource updates a subset of resource fields.
func (c *Client) PatchResource(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error) {
	var rec storage.Record
	err := c.doJSON(ctx, http.MethodPatch, "/resources/"+url.PathEscape(id), fields, idemKey, &rec)
	return rec, err
}

func (c *Client) UpdateAlert(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error) {
	var rec storage.Record
	err := c.doJSON(ctx, http.MethodPatch, "/alerts/"+url.PathEscape(id), fields, idemKey, &rec)
	return rec, err
}

func (c *Client) DeleteReport(ctx context.Context, id string, idemKey string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/reports/"+url.PathEscape(id), nil, idemKey)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, idemKey string, out any) error {
	resp, err := c.do(ctx, method, path, body, idemKey)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindServer, method+" "+path, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// do sends the request and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, method, path string, body any, idemKey string) (*http.Response, error) {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("marshalling request: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, classifyResponse(op, resp)
	}
	return resp, nil
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &apperr.Error{Kind: apperr.KindTimeout, Op: op, Message: "request timed out", Err: err}
	}
	return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Message: "server unreachable", Err: err}
}

type errorEnvelope struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func classifyResponse(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env errorEnvelope
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &env) == nil && env.Error != "" {
		msg = env.Error
		if env.Message != "" {
			msg += ": " + env.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &apperr.Error{Op: op, Message: msg, Status: resp.StatusCode, Details: env.Details}
	switch code := resp.StatusCode; {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		e.Kind = apperr.KindValidation
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = apperr.KindAuth
	case code == http.StatusNotFound:
		e.Kind = apperr.KindNotFound
	case code == http.StatusConflict:
		e.Kind = apperr.KindConflict
	case code == http.StatusTooManyRequests:
		e.Kind = apperr.KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	default:
		e.Kind = apperr.KindServer
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
