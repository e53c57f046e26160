package slack

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/metrics"
)

// MaxEventBody bounds an Events API payload; Slack sends far less.
const MaxEventBody = 1 << 20

// EventHandler receives Events API callbacks and hands message events to
// the dispatcher queue. It acknowledges immediately; processing happens on
// the queue's consumer.
type EventHandler struct {
	signingSecret string
	queue         chan<- Message
	log           zerolog.Logger
}

// NewEventHandler returns the /slack/events endpoint. An empty signing
// secret disables verification, which is only meant for local testing.
func NewEventHandler(signingSecret string, queue chan<- Message, log zerolog.Logger) *EventHandler {
	if signingSecret == "" {
		log.Warn().Msg("SLACK_SIGNING_SECRET not set, event signatures will not be verified")
	}
	return &EventHandler{signingSecret: signingSecret, queue: queue, log: log}
}

func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxEventBody))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	if h.signingSecret != "" && !VerifySignature(h.signingSecret, r.Header, body) {
		h.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejected event with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": event.Challenge})
		return

	case "event_callback":
		if event.Event.Type != "message" {
			h.log.Debug().Str("type", event.Event.Type).Msg("ignoring event type")
			break
		}
		select {
		case h.queue <- event.Event:
		default:
			// Slack redelivers unacknowledged events.
			metrics.EventsDropped.Inc()
			h.log.Error().Str("event_id", event.EventID).Msg("event queue full")
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "received"}`))
}
