package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowledger/core/types"
	"escrowledger/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
)

var errInvalidEscrowIDParam = errors.New("escrowId must be a positive integer")

type eventFrame struct {
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// handleEventsWS streams committed ledger events as JSON text frames. The
// optional escrowId and type query parameters narrow the stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.wsOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only used to notice the peer going away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter func(*types.Event) bool) error {
	updates, cancel := s.hub.Subscribe(filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return nil
			}
			if err := writeEventFrame(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func eventFilterFromQuery(r *http.Request) (func(*types.Event) bool, error) {
	query := r.URL.Query()
	eventType := strings.TrimSpace(query.Get("type"))
	idParam := strings.TrimSpace(query.Get("escrowId"))
	if eventType == "" && idParam == "" {
		return nil, nil
	}
	var wantID string
	if idParam != "" {
		id, err := strconv.ParseUint(idParam, 10, 64)
		if err != nil || id == 0 {
			return nil, errInvalidEscrowIDParam
		}
		wantID = strconv.FormatUint(id, 10)
	}
	return func(evt *types.Event) bool {
		if eventType != "" && evt.Type != eventType {
			return false
		}
		if wantID != "" && evt.Attributes["id"] != wantID {
			return false
		}
		return true
	}, nil
}

func writeEventFrame(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	frame := eventFrame{Type: evt.Type, Attributes: evt.Attributes}
	if raw, ok := evt.Attributes["id"]; ok {
		frame.EscrowID, _ = strconv.ParseUint(raw, 10, 64)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func recordSlowSubscriber() {
	observability.ModuleMetrics().RecordThrottle(moduleName, "ws_slow_consumer")
}
