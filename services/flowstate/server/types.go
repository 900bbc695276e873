// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"

	"github.com/AleutianAI/flowstate/services/flowstate/dispatch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// Error codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidPath      = "INVALID_PATH"
	CodeInvalidAction    = "INVALID_ACTION"
	CodeNotFound         = "NOT_FOUND"
	CodeThrottled        = "THROTTLED"
	CodeQueueFull        = "QUEUE_FULL"
	CodeForbidden        = "FORBIDDEN"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodeInternal         = "INTERNAL"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	QueueDepth   int64  `json:"queue_depth"`
	HistoryIndex int    `json:"history_index"`
	HistoryLen   int    `json:"history_len"`
}

// StateResponse is returned by GET /v1/state. State uses the .fls
// encoding.
type StateResponse struct {
	HistoryIndex int             `json:"history_index"`
	State        json.RawMessage `json:"state"`
}

// ValueResponse is returned by GET /v1/state/value. Exactly one of Value,
// Sequence and Set is set, according to Category.
type ValueResponse struct {
	Path     store.Path    `json:"path"`
	Category string        `json:"category"`
	Value    *store.Value  `json:"value,omitempty"`
	Sequence []store.Value `json:"sequence,omitempty"`
	Set      []store.Pair  `json:"set,omitempty"`
}

// ActionsRequest is the body of POST /v1/actions. Each action is encoded
// as [TypeName, payload].
type ActionsRequest struct {
	Actions []json.RawMessage `json:"actions" binding:"required,min=1"`
}

// ActionsResponse reports how many actions were queued. Queued actions may
// still be rejected by CanApply when the tick runs.
type ActionsResponse struct {
	Queued  int `json:"queued"`
	Dropped int `json:"dropped"`
}

// CanApplyRequest is the body of POST /v1/actions/can_apply.
type CanApplyRequest struct {
	Action json.RawMessage `json:"action" binding:"required"`
}

// CanApplyResponse answers a CanApplyRequest.
type CanApplyResponse struct {
	Kind     string `json:"kind"`
	CanApply bool   `json:"can_apply"`
}

// InteractionRequest is the body of POST /v1/interaction.
type InteractionRequest struct {
	// Active is true while a continuous interaction such as a drag runs.
	Active *bool `json:"active" binding:"required"`
}

// InteractionResponse echoes the interaction state.
type InteractionResponse struct {
	Active bool `json:"active"`
}

// HistoryResponse is returned by GET /v1/history.
type HistoryResponse struct {
	Index   int                      `json:"index"`
	Records []dispatch.RecordSummary `json:"records"`
}
