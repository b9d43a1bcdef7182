package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/floatchat/floatchat/internal/feed"
)

// keepAliveInterval is how often an idle stream gets a comment line.
var keepAliveInterval = 15 * time.Second

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "event stream is not configured")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		msgs, unsubscribe := deps.Events.Subscribe(32)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if snap, err := deps.Events.Snapshot(); err == nil {
			writeEvent(w, snap)
		} else {
			slog.Warn("event stream snapshot failed", "error", err)
		}
		flusher.Flush()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				writeEvent(w, msg)
				flusher.Flush()
			case <-keepAlive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, msg feed.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal stream message", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
