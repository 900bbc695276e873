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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// HelloMessage is the first frame on a patch stream.
type HelloMessage struct {
	Action       string `json:"action"`
	ClientID     string `json:"client_id"`
	HistoryIndex int    `json:"history_index"`
}

// HandlePatches handles GET /v1/patches.
//
// Description:
//
//	Upgrades to a WebSocket and writes one JSON frame per dispatcher
//	update: {"patch": ..., "history_index": n, "time": ...}. The first
//	frame is a HelloMessage. A client that reads too slowly misses
//	updates and should refetch GET /v1/state. Client frames are read
//	only to detect disconnects.
func (s *Server) HandlePatches(c *gin.Context) {
	// Subscribe before the handshake completes so no update published
	// after the client sees the upgrade is missed.
	updates, cancel := s.d.SubscribeUpdates(s.cfg.UpdateBuffer)
	defer cancel()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	clientID := uuid.NewString()
	logger := s.logger.With(slog.String("client_id", clientID))
	s.metrics.PatchSubscribers.Add(ctx, 1)
	defer s.metrics.PatchSubscribers.Add(ctx, -1)
	logger.Info("patch stream client connected")

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(HelloMessage{
		Action:       "subscribed",
		ClientID:     clientID,
		HistoryIndex: s.d.HistoryIndex(),
	}); err != nil {
		logger.Warn("failed to write hello", slog.String("error", err.Error()))
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			logger.Info("patch stream client disconnected")
			return
		case u, ok := <-updates:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "dispatcher closed"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(u); err != nil {
				logger.Warn("failed to write update", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
