package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/torchlight-app/table-sync-go/internal/sse"
)

// EventsHandler streams a campaign's broadcast feed over SSE.
type EventsHandler struct {
	broker *sse.Broker
}

func NewEventsHandler(broker *sse.Broker) *EventsHandler {
	return &EventsHandler{broker: broker}
}

// GET /v1/campaigns/{campaignID}/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(campaignID)
	defer h.broker.Unsubscribe(client)

	// Tell the client the stream is live before any real event arrives.
	writeEvent(w, sse.Event{Type: sse.TypeConnected})
	flusher.Flush()

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.Done:
			return

		case event := <-client.Events:
			if err := writeEvent(w, event); err != nil {
				log.Debug().Err(err).Str("campaignId", campaignID).Msg("sse write failed")
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			// SSE comment line, keeps proxies from idling the connection out
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event sse.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
