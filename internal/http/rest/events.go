package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/logctx"
)

const (
	eventsBuffer      = 64
	heartbeatInterval = 15 * time.Second
)

// HandleEvents streams events as server-sent events until the client goes
// away. ?download_id limits the stream to one download.
func (h *ArtifactHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	if h.bus == nil {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "event stream is disabled"})

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})

		return
	}

	filter := r.URL.Query().Get("download_id")

	sub := h.bus.Subscribe(eventsBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The comment tells clients the subscription is live.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-sub.C():
			if filter != "" && eventDownloadID(ev) != filter {
				continue
			}

			data, err := json.Marshal(events.Wrap(ev))
			if err != nil {
				logger.Error("failed to encode event", "kind", ev.Kind(), "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func eventDownloadID(ev events.Event) string {
	switch e := ev.(type) {
	case events.DownloadEvent:
		return e.ID
	case events.VerificationProgress:
		return e.DownloadID
	case events.Corruption:
		return e.DownloadID
	default:
		return ""
	}
}
