package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxzi/zapflow/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Publisher hands an accepted event to the durable queue.
// Implemented by queue.BoltTransport and queue.AMQPTransport.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Handler accepts gateway callbacks and enqueues them. Processing happens
// later on the reconciler, so the gateway gets its answer quickly.
type Handler struct {
	queue      Publisher
	ackTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewHandler(q Publisher, ackTimeout time.Duration, logger *slog.Logger) *Handler {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Handler{queue: q, ackTimeout: ackTimeout, now: time.Now, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	body, err = Stamp(body, h.now())
	if err != nil {
		metrics.IncWebhookEvents("unknown", ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ev, err := Parse(body)
	if err != nil {
		metrics.IncWebhookEvents("unknown", ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.ackTimeout)
	defer cancel()
	if err := h.queue.Publish(ctx, body); err != nil {
		h.logger.Error("failed to enqueue webhook event", "event", ev.Kind, "instance", ev.Instance, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to accept event"})
		return
	}

	h.logger.Debug("webhook event accepted", "event", ev.Kind, "instance", ev.Instance, "event_id", ev.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": ev.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
