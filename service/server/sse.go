package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/metrics"
)

const (
	sseBuffer            = 32
	sseKeepaliveInterval = 10 * time.Second
)

// handleStream streams broker events to the client as Server-Sent Events.
// The SSE event name is the event kind: snapshot, transfer or transaction.
// ?kind= restricts the stream to one kind.
// GET /api/v1/stream
func handleStream(broker *events.Broker, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		filter := events.Kind(r.URL.Query().Get("kind"))

		// Long-lived response: lift the server write deadline.
		http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		stream, unsubscribe := broker.Subscribe(sseBuffer)
		defer unsubscribe()

		if m != nil {
			m.IncrementSSEConnections()
			defer m.DecrementSSEConnections()
		}

		logger.DebugContext(r.Context(), "SSE client connected", "remote_addr", r.RemoteAddr, "kind", filter)

		fmt.Fprintf(w, "event: connected\ndata: {\"kind\":%q}\n\n", string(filter))
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case event, open := <-stream:
				if !open {
					// Broker closed on shutdown
					return
				}
				if filter != "" && event.Kind != filter {
					continue
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "event_id", event.ID, "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, data)
				flusher.Flush()
				if m != nil {
					m.RecordSSEEvent(string(event.Kind))
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
