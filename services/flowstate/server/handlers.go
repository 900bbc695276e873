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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// HandleHealth handles GET /v1/health.
func (s *Server) HandleHealth(c *gin.Context) {
	index, records := s.d.History()
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      ServiceVersion,
		QueueDepth:   s.d.QueueDepth(),
		HistoryIndex: index,
		HistoryLen:   len(records),
	})
}

// HandleGetState handles GET /v1/state.
//
// Description:
//
//	Encodes the last published snapshot with the state file encoding, so
//	the body's "state" field can be saved as a .fls file as is.
func (s *Server) HandleGetState(c *gin.Context) {
	index := s.d.HistoryIndex()
	data, err := project.EncodeState(s.d.Snapshot())
	if err != nil {
		s.logger.Error("encode state failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to encode state",
			Code:  CodeInternal,
		})
		return
	}
	c.JSON(http.StatusOK, StateResponse{HistoryIndex: index, State: data})
}

// HandleGetValue handles GET /v1/state/value?path=/a/b.
func (s *Server) HandleGetValue(c *gin.Context) {
	raw, ok := c.GetQuery("path")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path query parameter is required",
			Code:  CodeInvalidRequest,
		})
		return
	}
	path, err := store.ParsePath(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid path",
			Code:    CodeInvalidPath,
			Details: err.Error(),
		})
		return
	}

	snap := s.d.Snapshot()
	resp := ValueResponse{Path: path, Category: snap.Category(path).String()}
	switch snap.Category(path) {
	case store.CategoryScalar:
		v, _ := snap.Lookup(path)
		resp.Value = &v
	case store.CategorySequence:
		resp.Sequence, _ = snap.Seq(path)
	case store.CategorySet:
		set, _ := snap.Set(path)
		resp.Set = set.Sorted()
	default:
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("nothing registered at %q", raw),
			Code:  CodeNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePostActions handles POST /v1/actions.
//
// Description:
//
//	Decodes every action before enqueuing any, so a malformed request
//	queues nothing. Project actions must name a path inside
//	Config.ProjectDir and are rewritten to its absolute form. The rate
//	limiter is charged one token per action.
//	Actions are applied on the next tick; a queued action can still be
//	rejected there by CanApply.
//
// Responses:
//
//	202 - All actions queued.
//	400 - Malformed body or action.
//	403 - A project action is disabled or names a path outside ProjectDir.
//	415 - Content-Type is not application/json.
//	429 - Rate limit exceeded; nothing queued.
//	503 - The queue filled up; Dropped actions were not queued.
func (s *Server) HandlePostActions(c *gin.Context) {
	var req ActionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}

	actions := make([]action.Action, 0, len(req.Actions))
	for i, raw := range req.Actions {
		a, err := action.Unmarshal(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   fmt.Sprintf("action %d does not decode", i),
				Code:    CodeInvalidAction,
				Details: err.Error(),
			})
			return
		}
		a, err = s.confine(a)
		if err != nil {
			c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   fmt.Sprintf("action %d is not allowed", i),
				Code:    CodeForbidden,
				Details: err.Error(),
			})
			return
		}
		actions = append(actions, a)
	}

	if !s.limiter.AllowN(time.Now(), len(actions)) {
		s.metrics.ActionsThrottledTotal.Add(c.Request.Context(), 1)
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "action rate limit exceeded",
			Code:  CodeThrottled,
		})
		return
	}

	var resp ActionsResponse
	for _, a := range actions {
		if s.d.Enqueue(a) {
			resp.Queued++
		} else {
			resp.Dropped++
		}
	}
	if resp.Dropped > 0 {
		s.logger.Warn("actions dropped, queue full",
			slog.Int("queued", resp.Queued),
			slog.Int("dropped", resp.Dropped),
		)
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// HandleCanApply handles POST /v1/actions/can_apply.
func (s *Server) HandleCanApply(c *gin.Context) {
	var req CanApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}
	a, err := action.Unmarshal(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "action does not decode",
			Code:    CodeInvalidAction,
			Details: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, CanApplyResponse{Kind: a.Kind(), CanApply: s.d.CanApply(a)})
}

// HandleInteraction handles POST /v1/interaction.
//
// Description:
//
//	While active, the dispatcher never seals the open gesture by timeout,
//	so a slow drag stays one history record. Clients send
//	{"active": true} when the drag starts and {"active": false} when it
//	ends.
func (s *Server) HandleInteraction(c *gin.Context) {
	var req InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}
	s.d.SetInteracting(*req.Active)
	s.logger.Debug("interaction", slog.Bool("active", *req.Active))
	c.JSON(http.StatusOK, InteractionResponse{Active: *req.Active})
}

// HandleHistory handles GET /v1/history.
func (s *Server) HandleHistory(c *gin.Context) {
	index, records := s.d.History()
	c.JSON(http.StatusOK, HistoryResponse{Index: index, Records: records})
}
