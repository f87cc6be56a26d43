package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"previewstudio/internal/events"
)

const (
	// heartbeatInterval keeps idle streams alive through proxies that
	// drop quiet connections.
	heartbeatInterval = 15 * time.Second

	// terminalLinger holds the stream open briefly after a terminal event
	// so slow clients receive it before the connection closes.
	terminalLinger = time.Second

	// streamBuffer absorbs event bursts; a client that cannot keep up
	// loses events rather than blocking the emitter.
	streamBuffer = 64
)

// StreamEvents handles GET /v1/jobs/{jobId}/events as a server-sent event
// stream. The first frame is a status snapshot; subsequent frames are live
// bus events. The stream closes shortly after a terminal event, or when the
// client goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	rec, err := h.orc.GetJobMeta(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan events.Event, streamBuffer)
	sub := h.orc.Subscribe(jobID, func(_ string, ev events.Event) {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow stream client", "jobId", jobID, "type", ev.Type)
		}
	})
	defer sub.Unsubscribe()

	writeSSE(w, "status", rec)
	flusher.Flush()

	var closing <-chan time.Time
	if rec.Status.Terminal() {
		closing = time.After(terminalLinger)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-closing:
			return

		case ev := <-ch:
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Type.Terminal() && closing == nil {
				closing = time.After(terminalLinger)
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE writes one event frame. Encoding errors mean the client is gone;
// the read loop notices via the request context.
func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode stream event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
