package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// handleDispatchStream upgrades to a websocket, reads one dispatch
// request, forwards output chunks as they arrive, and finishes with a
// terminal JSON frame. Candidate fallback happens silently until the
// first chunk has been sent; after that a failure closes the stream
// with an error frame.
func (h *Handler) handleDispatchStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a dispatch request frame")
		return
	}

	var req DispatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendFrame(ctx, conn, StreamFrame{Done: true, Error: "malformed dispatch request: " + err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "malformed request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.sendFrame(ctx, conn, StreamFrame{Done: true, Error: "validation failed: " + err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// Chunks go out as binary frames; the terminal frame is the only
	// text frame, so clients can tell them apart.
	sink := func(chunk []byte) error {
		return conn.Write(ctx, websocket.MessageBinary, chunk)
	}

	result, err := h.engine.Dispatcher().DispatchStream(ctx, req.ToDomain(), sink)
	if err != nil {
		h.sendFrame(ctx, conn, StreamFrame{Done: true, Error: err.Error()})
		conn.Close(websocket.StatusNormalClosure, "dispatch failed")
		return
	}

	h.sendFrame(ctx, conn, StreamFrame{Done: true, RequestID: result.RequestID, WorkerID: result.WorkerID})
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) sendFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("failed to write terminal stream frame", "error", err)
	}
}
