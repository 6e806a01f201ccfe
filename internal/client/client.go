package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/detection"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond

	maxErrorBody = 4 << 10
)

// NoBackoff as Options.BackoffBase retries without waiting between attempts.
const NoBackoff time.Duration = -1

// DefaultRetryStatuses are the HTTP statuses retried unless overridden.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Options configures a Client. Zero values select the defaults; use
// NoBackoff to disable the waits between attempts.
type Options struct {
	APIKey        string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	RetryStatuses []int
}

// StatusError is returned for a response with a failing HTTP status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %s", e.Status)
	}
	return fmt.Sprintf("server returned %s: %s", e.Status, e.Body)
}

// PredictResponse is the decoded /predict body. Result is nil when the
// server has no model configured; Message explains why.
type PredictResponse struct {
	Result    *detection.Result `json:"result,omitempty"`
	Path      string            `json:"path"`
	RequestID string            `json:"request_id,omitempty"`
	Message   string            `json:"message,omitempty"`

	// Raw is the body exactly as the server sent it.
	Raw json.RawMessage `json:"-"`
}

// AsyncResult is delivered by PredictAsync.
type AsyncResult struct {
	Response *PredictResponse
	Err      error
}

// Client uploads images to a prediction server, retrying transient
// failures with exponential backoff. A Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	maxAttempt int
	base       time.Duration
	retryable  map[int]struct{}
	httpClient *http.Client
	logger     *zap.Logger

	// newTimer lets tests observe backoff waits.
	newTimer func() backoff.Timer
}

// New builds a Client for the server at baseURL.
func New(baseURL string, opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	} else if opts.BackoffBase == 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.RetryStatuses == nil {
		opts.RetryStatuses = DefaultRetryStatuses
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	retryable := make(map[int]struct{}, len(opts.RetryStatuses))
	for _, code := range opts.RetryStatuses {
		retryable[code] = struct{}{}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     opts.APIKey,
		maxAttempt: opts.MaxAttempts,
		base:       opts.BackoffBase,
		retryable:  retryable,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		},
		logger: logger.Named("yolo_client"),
	}
}

// Predict uploads imagePath to /predict. Network errors, timeouts and
// retryable statuses are retried; other failures return at once. When the
// attempts run out the last error is returned unchanged. ctx is checked
// before the first attempt and between attempts; an upload already in
// flight runs to completion.
func (c *Client) Predict(ctx context.Context, imagePath string, params url.Values) (*PredictResponse, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", imagePath)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	target := c.baseURL + "/predict"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	var (
		out     *PredictResponse
		attempt int
	)
	op := func() error {
		attempt++
		resp, retry, err := c.send(ctx, target, imagePath, mimeType)
		if err == nil {
			out = resp
			return nil
		}
		if !retry {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("prediction attempt failed, retrying",
			zap.String("image", imagePath),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempt-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, timer); err != nil {
		return nil, err
	}
	return out, nil
}

// PredictAsync runs Predict on its own goroutine. The channel receives
// exactly one value and is then closed.
func (c *Client) PredictAsync(ctx context.Context, imagePath string, params url.Values) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		resp, err := c.Predict(ctx, imagePath, params)
		ch <- AsyncResult{Response: resp, Err: err}
	}()
	return ch
}

// send performs one attempt. retry reports whether err is worth another.
func (c *Client) send(ctx context.Context, target, imagePath, mimeType string) (*PredictResponse, bool, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, false, err
	}

	body, contentType := multipartBody(f, filepath.Base(imagePath), mimeType)
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, target, body)
	if err != nil {
		body.CloseWithError(err)
		return nil, false, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_, retry := c.retryable[resp.StatusCode]
		return nil, retry, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	var out PredictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	out.Raw = raw
	return &out, false, nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// multipartBody streams f as the "file" field. f is closed once copied.
func multipartBody(f *os.File, filename, mimeType string) (*io.PipeReader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
		header.Set("Content-Type", mimeType)

		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}
