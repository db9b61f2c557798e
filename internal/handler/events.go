package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// orderEvents streams order change notifications as server-sent events.
// Events carry only the order id and operation; clients re-fetch the order
// list on every notification, so a dropped event costs one refresh at
// most.
func (h *Handler) orderEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	// The server-wide write timeout would sever the stream a few seconds
	// after connect; this response lives until the client hangs up.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		zctx.From(r.Context()).Warn("clearing stream write deadline", zap.Error(err))
	}

	events, unsubscribe := h.hub.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				zctx.From(r.Context()).Error("encoding order event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: order_change\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
