package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/intake"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

func newEventsRouter(t *testing.T) (*gin.Engine, *queue.MemoryQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	q, err := queue.NewMemoryQueue(queue.Options{
		Name:             "events-test",
		LockDuration:     time.Minute,
		MaxDeliveryCount: 3,
	})
	require.NoError(t, err)

	svc := intake.NewService(q, config.IntakeConfig{
		IncludedEventTypes: []string{"ObjectCreated"},
		SubjectBeginsWith:  "incoming/",
	}, logger.NewTestLogger())

	r := gin.New()
	h := NewEventsHandler(svc, logger.NewTestLogger())
	r.POST("/api/v1/events", h.HandleEvents)
	return r, q
}

func postEvents(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleEventsAcceptsBatch(t *testing.T) {
	r, q := newEventsRouter(t)

	w := postEvents(r, `[
		{"subject": "incoming/invoices/a.pdf", "eventType": "ObjectCreated", "resourceId": "ev-1"},
		{"subject": "archive/old.pdf", "eventType": "ObjectCreated", "resourceId": "ev-2"}
	]`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []struct {
			Subject  string `json:"subject"`
			JobID    string `json:"jobId"`
			Accepted bool   `json:"accepted"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Accepted)
	assert.NotEmpty(t, resp.Results[0].JobID)
	assert.False(t, resp.Results[1].Accepted, "out-of-prefix events are filtered")

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHandleEventsAcceptsSingleObject(t *testing.T) {
	r, q := newEventsRouter(t)

	w := postEvents(r, `{"subject": "incoming/a.pdf", "eventType": "ObjectCreated"}`)
	require.Equal(t, http.StatusOK, w.Code)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHandleEventsRejectsGarbage(t *testing.T) {
	r, _ := newEventsRouter(t)
	w := postEvents(r, `not json at all`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
