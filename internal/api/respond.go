// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/validation"
)

// response is the envelope of every agent reply.
type response struct {
	Status    string               `json:"status"`
	Data      any                  `json:"data,omitempty"`
	Error     *validation.APIError `json:"error,omitempty"`
	RequestID string               `json:"request_id,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

var errTrailingData = errors.New("request body must contain a single JSON object")

// sanitizeLogValue escapes control characters so request data cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&b, "\\x%02x", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, resp *response) {
	resp.RequestID = chimiddleware.GetReqID(r.Context())
	resp.Timestamp = time.Now().UTC()

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	respondJSON(w, r, status, &response{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		logging.Warn().
			Str("code", code).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("error", sanitizeLogValue(err.Error())).
			Msg("Agent API error")
	}
	respondJSON(w, r, status, &response{
		Status: "error",
		Error:  &validation.APIError{Code: code, Message: message},
	})
}

func respondAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *validation.APIError) {
	respondJSON(w, r, status, &response{Status: "error", Error: apiErr})
}

// decodeJSON reads exactly one JSON object into dst. Numbers are kept as
// json.Number so integer properties survive unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), err)
			return false
		}
		respondError(w, r, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", err)
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "INVALID_JSON", "Request body is not valid JSON", err)
		return false
	}
	if dec.More() {
		respondError(w, r, http.StatusBadRequest, "INVALID_JSON", errTrailingData.Error(), errTrailingData)
		return false
	}
	return true
}

// validateRequest runs struct tag validation and writes a 400 on failure.
func validateRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if verr := validation.ValidateStruct(v); verr != nil {
		respondAPIError(w, r, http.StatusBadRequest, verr.ToAPIError())
		return false
	}
	return true
}
