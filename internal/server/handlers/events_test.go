package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/server/middleware"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

func newEventsRouter(q queue.Queue) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Post("/events/{source}", NewEvents(q, zap.NewNop()).ServeHTTP)
	return r
}

func postEvent(t *testing.T, h http.Handler, source string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/events/"+source, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestEventsAccepted(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)

	rec := postEvent(t, h, "repo", map[string]any{
		"event_type":  "issue.opened",
		"delivery_id": "gh-100",
		"payload":     map[string]any{"issue_number": 7, "title": "crash on start"},
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		JobID      string `json:"job_id"`
		DeliveryID string `json:"delivery_id"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "gh-100", resp.DeliveryID)
	require.NotEmpty(t, resp.JobID)

	stored, err := q.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
	assert.Equal(t, "issue.opened", stored.Trigger.Type)
}

func TestEventsDuplicateDelivery(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)
	body := map[string]any{"event_type": "issue.opened", "delivery_id": "gh-dup"}

	rec := postEvent(t, h, "repo", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postEvent(t, h, "repo", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
}

func TestEventsHeadersWinOverBody(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)

	rec := postEvent(t, h, "tracker", map[string]any{
		"event_type":  "card.created",
		"delivery_id": "body-id",
	}, map[string]string{
		"X-Event-Type":  "card.moved.todo",
		"X-Delivery-ID": "header-id",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "header-id")

	jobs, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "card.moved.todo", jobs[0].Trigger.Type)
}

func TestEventsValidation(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)

	t.Run("unknown source", func(t *testing.T) {
		rec := postEvent(t, h, "carrier-pigeon", map[string]any{"event_type": "x", "delivery_id": "d"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_SOURCE", decodeError(t, rec).Error.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := postEvent(t, h, "repo", `{not json`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_JSON", decodeError(t, rec).Error.Code)
	})

	t.Run("missing event type", func(t *testing.T) {
		rec := postEvent(t, h, "repo", map[string]any{"delivery_id": "d-1"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_EVENT", decodeError(t, rec).Error.Code)
	})

	t.Run("missing delivery id", func(t *testing.T) {
		rec := postEvent(t, h, "repo", map[string]any{"event_type": "issue.opened"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_EVENT", decodeError(t, rec).Error.Code)
	})

	t.Run("bad autonomy", func(t *testing.T) {
		rec := postEvent(t, h, "repo", map[string]any{
			"event_type": "issue.opened", "delivery_id": "d-2", "autonomy": "yolo",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_AUTONOMY", decodeError(t, rec).Error.Code)
	})
}

func TestEventsPayloadTooLarge(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)

	big := strings.Repeat("x", (1<<20)+10)
	rec := postEvent(t, h, "repo", `{"event_type":"issue.opened","delivery_id":"d-big","payload":{"blob":"`+big+`"}}`, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeError(t, rec).Error.Code)
}

func TestEventsAutonomyStoredOnJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newEventsRouter(q)

	rec := postEvent(t, h, "repo", map[string]any{
		"event_type": "issue.opened", "delivery_id": "d-auto", "autonomy": "read_only",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobs, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.AutonomyReadOnly, jobs[0].Autonomy)
}
