package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/server/middleware"
	"github.com/3leaps/foreman/pkg/event"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

// maxEventBody bounds ingress payloads. Webhook payloads are small; anything
// larger is rejected rather than buffered.
const maxEventBody = 1 << 20

// eventRequest is the ingress body. EventType and DeliveryID may instead
// arrive as X-Event-Type / X-Delivery-ID headers, which win over the body.
type eventRequest struct {
	EventType  string         `json:"event_type"`
	DeliveryID string         `json:"delivery_id"`
	Payload    map[string]any `json:"payload"`
	Autonomy   string         `json:"autonomy,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

type eventResponse struct {
	JobID      string `json:"job_id,omitempty"`
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
}

// Events handles POST /events/{source}: validate, deduplicate by delivery
// id, and enqueue a pending job.
type Events struct {
	queue  queue.Queue
	logger *zap.Logger
}

// NewEvents creates the ingress handler.
func NewEvents(q queue.Queue, logger *zap.Logger) *Events {
	return &Events{queue: q, logger: logger}
}

// ServeHTTP implements the ingress endpoint.
func (h *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source, err := event.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		middleware.WriteError(w, r, "INVALID_SOURCE", err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		middleware.WriteError(w, r, "READ_ERROR", "could not read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxEventBody {
		middleware.WriteError(w, r, "PAYLOAD_TOO_LARGE", "event payload exceeds 1 MiB", http.StatusRequestEntityTooLarge)
		return
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		middleware.WriteError(w, r, "INVALID_JSON", "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if v := r.Header.Get("X-Event-Type"); v != "" {
		req.EventType = v
	}
	if v := r.Header.Get("X-Delivery-ID"); v != "" {
		req.DeliveryID = v
	}

	trigger := event.Event{
		Source:     source,
		Type:       strings.TrimSpace(req.EventType),
		DeliveryID: strings.TrimSpace(req.DeliveryID),
		Payload:    req.Payload,
		ReceivedAt: time.Now().UTC(),
		Signature:  req.Signature,
	}
	if err := trigger.Validate(); err != nil {
		middleware.WriteError(w, r, "INVALID_EVENT", err.Error(), http.StatusBadRequest)
		return
	}

	autonomy, err := job.ParseAutonomy(req.Autonomy)
	if err != nil {
		middleware.WriteError(w, r, "INVALID_AUTONOMY", err.Error(), http.StatusBadRequest)
		return
	}

	// Fast-path dedup check. The enqueue below is still the authoritative
	// guard; two concurrent deliveries race here and one loses at insert.
	if exists, err := h.queue.ExistsByDelivery(r.Context(), trigger.DeliveryID); err != nil {
		middleware.WriteError(w, r, "QUEUE_ERROR", "delivery lookup failed", http.StatusInternalServerError)
		return
	} else if exists {
		writeJSON(w, http.StatusOK, eventResponse{DeliveryID: trigger.DeliveryID, Status: "duplicate"})
		return
	}

	j, err := job.New(trigger)
	if err != nil {
		middleware.WriteError(w, r, "INVALID_EVENT", err.Error(), http.StatusBadRequest)
		return
	}
	j.Autonomy = autonomy

	jobID, err := h.queue.Enqueue(r.Context(), j)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateDelivery) {
			writeJSON(w, http.StatusOK, eventResponse{DeliveryID: trigger.DeliveryID, Status: "duplicate"})
			return
		}
		h.logger.Error("enqueue failed", zap.String("delivery_id", trigger.DeliveryID), zap.Error(err))
		middleware.WriteError(w, r, "QUEUE_ERROR", "could not enqueue job", http.StatusInternalServerError)
		return
	}

	h.logger.Info("event accepted",
		zap.String("trigger", trigger.Ref()),
		zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, eventResponse{
		JobID:      jobID,
		DeliveryID: trigger.DeliveryID,
		Status:     "queued",
	})
}
