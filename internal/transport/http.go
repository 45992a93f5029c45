// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/tomtom215/traintracks/internal/models"
	"golang.org/x/time/rate"
)

// Request headers.
const (
	HeaderSignature  = "X-Traintracks-Signature"
	HeaderBatchID    = "X-Traintracks-Batch-Id"
	HeaderUploadTime = "X-Traintracks-Upload-Time"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Client

	// Endpoint is the collector URL batches are POSTed to.
	Endpoint string `koanf:"endpoint" validate:"required,url"`

	// Timeout bounds one request when the caller's context has no deadline.
	Timeout time.Duration `koanf:"request_timeout"`

	// Gzip compresses request bodies.
	Gzip bool `koanf:"gzip"`

	// RequestsPerSecond caps the request rate. Zero disables the limit.
	RequestsPerSecond float64 `koanf:"max_requests_per_second"`
}

// HTTP submits batches as JSON over HTTP POST.
type HTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTP creates an HTTP transport. A nil client gets a default one with
// the configured timeout.
func NewHTTP(cfg HTTPConfig, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid collector endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &HTTP{cfg: cfg, client: client, limiter: limiter, now: time.Now}, nil
}

// Submit POSTs the batch and classifies the response.
//
//nolint:gocyclo // request building and response classification
func (h *HTTP) Submit(ctx context.Context, records []models.Record) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return &Failure{Kind: Retryable, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	batch := NewBatch(h.cfg.Client, records, h.now())
	body, err := json.Marshal(batch)
	if err != nil {
		return &Failure{Kind: Rejected, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	encoding := ""
	if h.cfg.Gzip {
		compressed, err := gzipBytes(body)
		if err != nil {
			return &Failure{Kind: Rejected, Err: err}
		}
		body = compressed
		encoding = "gzip"
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Failure{Kind: Rejected, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", models.LibraryName+"/"+models.Version)
	req.Header.Set(HeaderBatchID, batch.ID)
	req.Header.Set(HeaderUploadTime, strconv.FormatInt(batch.UploadTime, 10))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if h.cfg.APISecret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(h.cfg.APISecret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &Failure{Kind: Retryable, Err: fmt.Errorf("send batch: %w", err)}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyResponse(resp, snippet, h.now())
}

func classifyResponse(resp *http.Response, body []byte, now time.Time) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		msg = http.StatusText(code)
	}
	f := &Failure{StatusCode: code, Err: errors.New(msg)}
	switch {
	case code == http.StatusRequestEntityTooLarge:
		f.Kind = TooLarge
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		f.Kind = Retryable
		f.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	default:
		f.Kind = Rejected
	}
	return f
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
