package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stakeledger/core/events"
)

const wsWriteTimeout = 10 * time.Second

// handleEventStream upgrades to a websocket and streams ledger events,
// replaying retained events after the optional cursor first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid cursor"})
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	updates, cancel, backlog := s.events.Subscribe(cursor)
	defer cancel()

	for _, env := range backlog {
		if err := writeEnvelope(ctx, conn, env); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return nil
			}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// originPatterns reuses the CORS allow list as websocket origin patterns.
// An empty list restricts upgrades to same-origin requests.
func (s *Server) originPatterns() []string {
	var patterns []string
	for _, origin := range s.cors.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}
