// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/traintracks/internal/config"
	"github.com/tomtom215/traintracks/pkg/traintracks"
)

type loggedEvent struct {
	eventType string
	props     map[string]any
	opts      int
}

type fakeCollector struct {
	mu         sync.Mutex
	events     []loggedEvent
	identifies []map[string]any
	logErr     error
	result     traintracks.UploadResult
	flushes    int
}

func (f *fakeCollector) LogEvent(eventType string, props map[string]any, opts ...traintracks.EventOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return f.logErr
	}
	f.events = append(f.events, loggedEvent{eventType: eventType, props: props, opts: len(opts)})
	return nil
}

func (f *fakeCollector) Identify(id *traintracks.Identify, _ ...traintracks.EventOption) error {
	props, err := id.Merge()
	if err != nil {
		return &traintracks.ValidationError{Field: "identify", Message: err.Error(), Err: err}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.identifies = append(f.identifies, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeCollector) UploadEvents(context.Context) traintracks.UploadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.result
}

func (f *fakeCollector) Stats() traintracks.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return traintracks.Stats{EventCount: len(f.events), DeviceID: "device-1"}
}

func testAgentConfig() config.AgentConfig {
	cfg := config.Default().Agent
	cfg.RateLimitReqs = 0
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
	Error     *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestLogEvent(t *testing.T) {
	fc := &fakeCollector{}
	h := NewRouter(fc, testAgentConfig())

	rec := do(t, h, http.MethodPost, "/v1/events",
		`{"event_type":"checkout","event_properties":{"items":3,"sku":"a1"},"out_of_session":true,"timestamp":1700000000000}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	env := decode(t, rec)
	if env.Status != "success" {
		t.Errorf("status field = %q", env.Status)
	}
	if env.RequestID == "" || rec.Header().Get(requestIDHeader) != env.RequestID {
		t.Errorf("request id not echoed: body %q header %q", env.RequestID, rec.Header().Get(requestIDHeader))
	}

	if len(fc.events) != 1 {
		t.Fatalf("events = %d, want 1", len(fc.events))
	}
	got := fc.events[0]
	if got.eventType != "checkout" || got.props["sku"] != "a1" {
		t.Errorf("event = %+v", got)
	}
	if got.opts != 2 {
		t.Errorf("options = %d, want 2", got.opts)
	}
}

func TestLogEvent_KeepsUpstreamRequestID(t *testing.T) {
	h := NewRouter(&fakeCollector{}, testAgentConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"event_type":"x"}`))
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
	if env := decode(t, rec); env.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", env.RequestID)
	}
}

func TestLogEvent_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{"event_type":`, "INVALID_JSON"},
		{"two objects", `{"event_type":"a"}{"event_type":"b"}`, "INVALID_JSON"},
		{"blank event type", `{"event_type":"   "}`, "VALIDATION_ERROR"},
		{"missing event type", `{"event_properties":{}}`, "VALIDATION_ERROR"},
		{"negative timestamp", `{"event_type":"a","timestamp":-5}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCollector{}
			rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			env := decode(t, rec)
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
			if len(fc.events) != 0 {
				t.Errorf("event queued for a bad request")
			}
		})
	}
}

func TestLogEvent_ClientValidationError(t *testing.T) {
	fc := &fakeCollector{logErr: &traintracks.ValidationError{
		Field:   "event_properties",
		Message: "value nested too deeply",
	}}
	rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/events", `{"event_type":"a"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decode(t, rec)
	if env.Error.Code != "VALIDATION_ERROR" || env.Error.Details["field"] != "event_properties" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestLogEvent_UnexpectedError(t *testing.T) {
	fc := &fakeCollector{logErr: errors.New("boom")}
	rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/events", `{"event_type":"a"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestLogEvent_BodyLimit(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxBodyBytes = 64
	body := `{"event_type":"a","event_properties":{"blob":"` + strings.Repeat("x", 200) + `"}}`

	rec := do(t, NewRouter(&fakeCollector{}, cfg), http.MethodPost, "/v1/events", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if env := decode(t, rec); env.Error.Code != "BODY_TOO_LARGE" {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestIdentify(t *testing.T) {
	fc := &fakeCollector{}
	body := `{"operations":[
		{"op":"$add","property":"karma","value":1},
		{"op":"$set","property":"gender","value":"male"},
		{"op":"$unset","property":"old"}
	]}`
	rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/identify", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(fc.identifies) != 1 {
		t.Fatalf("identifies = %d, want 1", len(fc.identifies))
	}
	got := fc.identifies[0]
	for _, op := range []string{"$add", "$set", "$unset"} {
		if _, ok := got[op]; !ok {
			t.Errorf("missing %s in %v", op, got)
		}
	}
}

func TestIdentify_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no operations", `{"operations":[]}`},
		{"unknown op", `{"operations":[{"op":"$append","property":"a","value":1}]}`},
		{"missing property", `{"operations":[{"op":"$set","value":1}]}`},
		{"add with bool", `{"operations":[{"op":"$add","property":"a","value":true}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCollector{}
			rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/identify", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if len(fc.identifies) != 0 {
				t.Errorf("identify queued for a bad request")
			}
		})
	}
}

func TestIdentify_ClearAllNeedsNoProperty(t *testing.T) {
	fc := &fakeCollector{}
	rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/identify", `{"operations":[{"op":"$clearAll"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if _, ok := fc.identifies[0]["$clearAll"]; !ok {
		t.Errorf("payload = %v, want $clearAll", fc.identifies[0])
	}
}

func TestFlush(t *testing.T) {
	tests := []struct {
		name       string
		result     traintracks.UploadResult
		wantStatus int
		wantOut    string
	}{
		{"uploaded", traintracks.UploadResult{Outcome: traintracks.OutcomeUploaded, Uploaded: 7, Batches: 1}, http.StatusOK, "uploaded"},
		{"empty", traintracks.UploadResult{Outcome: traintracks.OutcomeEmpty}, http.StatusOK, "empty"},
		{"retryable", traintracks.UploadResult{Outcome: traintracks.OutcomeRetryable, Err: errors.New("timeout")}, http.StatusServiceUnavailable, "retryable"},
		{"rejected", traintracks.UploadResult{Outcome: traintracks.OutcomeRejected}, http.StatusBadGateway, "rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCollector{result: tt.result}
			rec := do(t, NewRouter(fc, testAgentConfig()), http.MethodPost, "/v1/flush", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body flushResponse
			if err := json.Unmarshal(decode(t, rec).Data, &body); err != nil {
				t.Fatal(err)
			}
			if body.Outcome != tt.wantOut || body.Uploaded != tt.result.Uploaded {
				t.Errorf("body = %+v", body)
			}
			if tt.result.Err != nil && body.Error == "" {
				t.Errorf("error not reported")
			}
		})
	}
}

func TestStatsAndHealth(t *testing.T) {
	fc := &fakeCollector{}
	h := NewRouter(fc, testAgentConfig())
	do(t, h, http.MethodPost, "/v1/events", `{"event_type":"a"}`)

	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats traintracks.Stats
	if err := json.Unmarshal(decode(t, rec).Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.EventCount != 1 || stats.DeviceID != "device-1" {
		t.Errorf("stats = %+v", stats)
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(decode(t, rec).Data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Version == "" {
		t.Errorf("health = %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(&fakeCollector{}, testAgentConfig())
	do(t, h, http.MethodGet, "/healthz", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "traintracks_api_requests_total") {
		t.Error("metrics output missing traintracks_api_requests_total")
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testAgentConfig()
	cfg.RateLimitReqs = 2
	cfg.RateLimitWindow = time.Minute
	h := NewRouter(&fakeCollector{}, cfg)

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/v1/stats", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if env := decode(t, rec); env.Error == nil || env.Error.Code != "RATE_LIMITED" {
		t.Errorf("error = %+v", env.Error)
	}

	// Health checks are not rate limited.
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	cfg := testAgentConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	h := NewRouter(&fakeCollector{}, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestSanitizeLogValue(t *testing.T) {
	if got := sanitizeLogValue("a\nb\tc"); got != `a\x0ab\x09c` {
		t.Errorf("sanitizeLogValue = %q", got)
	}
}
