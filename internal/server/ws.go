package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

func (h *Handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, ao := range h.allowedOrigins {
				if ao == "*" || ao == origin {
					return true
				}
			}
			return false
		},
	}
}

// StreamPreview handles GET /previews/{id}/stream. It upgrades to a WebSocket
// and sends every presented frame as a binary JPEG message until the client
// goes away or the preview stops.
func (h *Handlers) StreamPreview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := h.previews.Get(sessionID); err != nil {
		h.writeDomainError(w, err, "failed to get preview")
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed",
			slog.String("preview_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := h.previews.Subscribe(ctx, sessionID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(wsWriteWait))
		return
	}

	logger := h.logger.With(slog.String("preview_id", sessionID))
	logger.Info("preview stream opened", slog.String("remote_addr", r.RemoteAddr))

	// The reader only watches for close and pong frames.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "preview ended"),
					time.Now().Add(wsWriteWait))
				logger.Info("preview stream closed", slog.Int("frames", sent))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Debug("preview stream write failed", slog.String("error", err.Error()))
				return
			}
			sent++
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
