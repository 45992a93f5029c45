// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/validation"
	"github.com/tomtom215/traintracks/pkg/traintracks"
)

// Handler serves the agent routes.
type Handler struct {
	client    Collector
	startTime time.Time
}

// NewHandler returns a Handler backed by c.
func NewHandler(c Collector) *Handler {
	return &Handler{client: c, startTime: time.Now()}
}

type eventRequest struct {
	EventType       string         `json:"event_type" validate:"event_type,max=1024"`
	EventProperties map[string]any `json:"event_properties"`
	OutOfSession    bool           `json:"out_of_session"`

	// Timestamp is in epoch milliseconds; absent means now.
	Timestamp *int64 `json:"timestamp,omitempty" validate:"omitempty,gt=0"`
}

type identifyRequest struct {
	Operations   []identifyOperation `json:"operations" validate:"required,min=1,dive"`
	OutOfSession bool                `json:"out_of_session"`
}

type identifyOperation struct {
	Op       string `json:"op" validate:"required,oneof=$set $setOnce $add $unset $clearAll"`
	Property string `json:"property" validate:"required_unless=Op $clearAll,max=1024"`
	Value    any    `json:"value"`
}

type queuedResponse struct {
	Queued bool `json:"queued"`
}

type flushResponse struct {
	Outcome   string `json:"outcome"`
	Uploaded  int    `json:"uploaded"`
	Batches   int    `json:"batches"`
	Coalesced bool   `json:"coalesced"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime_seconds"`
}

// LogEvent handles POST /v1/events.
func (h *Handler) LogEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}

	var opts []traintracks.EventOption
	if req.OutOfSession {
		opts = append(opts, traintracks.OutOfSession())
	}
	if req.Timestamp != nil {
		opts = append(opts, traintracks.At(time.UnixMilli(*req.Timestamp)))
	}

	if err := h.client.LogEvent(req.EventType, req.EventProperties, opts...); err != nil {
		respondClientError(w, r, err)
		return
	}
	respondOK(w, r, http.StatusAccepted, queuedResponse{Queued: true})
}

// Identify handles POST /v1/identify. Operations are applied in order to a
// single identify builder.
func (h *Handler) Identify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}

	id := traintracks.NewIdentify()
	for _, op := range req.Operations {
		switch op.Op {
		case models.OpSet:
			id.Set(op.Property, op.Value)
		case models.OpSetOnce:
			id.SetOnce(op.Property, op.Value)
		case models.OpAdd:
			id.Add(op.Property, op.Value)
		case models.OpUnset:
			id.Unset(op.Property)
		case models.OpClearAll:
			id.ClearAll()
		}
	}

	var opts []traintracks.EventOption
	if req.OutOfSession {
		opts = append(opts, traintracks.OutOfSession())
	}
	if err := h.client.Identify(id, opts...); err != nil {
		respondClientError(w, r, err)
		return
	}
	respondOK(w, r, http.StatusAccepted, queuedResponse{Queued: true})
}

// Flush handles POST /v1/flush. It waits for the upload, bounded by the
// request context.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	res := h.client.UploadEvents(r.Context())

	body := flushResponse{
		Outcome:   res.Outcome.String(),
		Uploaded:  res.Uploaded,
		Batches:   res.Batches,
		Coalesced: res.Coalesced,
		Reason:    res.Reason,
	}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}

	status := http.StatusOK
	switch res.Outcome {
	case traintracks.OutcomeRetryable:
		status = http.StatusServiceUnavailable
	case traintracks.OutcomeRejected:
		status = http.StatusBadGateway
	}
	respondOK(w, r, status, body)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, http.StatusOK, h.client.Stats())
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: models.Version,
		Uptime:  time.Since(h.startTime).Seconds(),
	})
}

// respondClientError maps client errors to responses. Validation errors
// are the caller's fault; anything else is not expected from the client.
func respondClientError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *traintracks.ValidationError
	if errors.As(err, &verr) {
		respondAPIError(w, r, http.StatusBadRequest, &validation.APIError{
			Code:    "VALIDATION_ERROR",
			Message: verr.Message,
			Details: map[string]interface{}{"field": verr.Field},
		})
		return
	}
	respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR",
		fmt.Sprintf("Failed to queue: %v", err), err)
}
