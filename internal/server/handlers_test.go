package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supakiln/engine/internal/config"
	"github.com/supakiln/engine/internal/store"
)

func testServer() *Server {
	return &Server{log: zerolog.Nop()}
}

func TestServerDoesNotDeadlineResponses(t *testing.T) {
	s := New(Deps{Config: &config.Config{Port: 8000}, Log: zerolog.Nop()})

	// Unbounded executions and proxied streams outlive any fixed write
	// deadline; only the header read gets one.
	assert.Zero(t, s.server.WriteTimeout)
	assert.Zero(t, s.server.ReadTimeout)
	assert.NotZero(t, s.server.ReadHeaderTimeout)
}

func TestWriteJSON(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()

	s.writeJSON(rec, http.StatusCreated, map[string]int{"id": 7})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id": 7}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()

	s.writeError(rec, http.StatusConflict, "already exists")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error": "already exists"}`, rec.Body.String())
}

func TestWriteDomainErrorMapping(t *testing.T) {
	s := testServer()

	cases := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrConflict, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeDomainError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestToLogResponseParentColumns(t *testing.T) {
	entry := &store.ExecutionLog{
		ID:        1,
		Parent:    store.WebhookParent(9),
		Code:      "print(1)",
		Status:    "success",
		StartedAt: time.Now(),
	}
	out := toLogResponse(entry)
	require.NotNil(t, out.WebhookJobID)
	assert.Equal(t, int64(9), *out.WebhookJobID)
	assert.Nil(t, out.JobID)
	assert.Nil(t, out.ServiceID)

	adhoc := toLogResponse(&store.ExecutionLog{ID: 2, Code: "x"})
	assert.Nil(t, adhoc.JobID)
	assert.Nil(t, adhoc.WebhookJobID)
	assert.Nil(t, adhoc.ServiceID)
}

func TestValidRestartPolicy(t *testing.T) {
	assert.True(t, validRestartPolicy(""))
	assert.True(t, validRestartPolicy("always"))
	assert.True(t, validRestartPolicy("never"))
	assert.True(t, validRestartPolicy("on-failure"))
	assert.False(t, validRestartPolicy("sometimes"))
}

func TestJobRequestValidate(t *testing.T) {
	req := jobRequest{Name: "n", Code: "c", CronExpr: "* * * * *"}
	assert.Empty(t, req.validate())

	assert.NotEmpty(t, (&jobRequest{Code: "c", CronExpr: "* * * * *"}).validate())
	assert.NotEmpty(t, (&jobRequest{Name: "n", CronExpr: "* * * * *"}).validate())
	assert.NotEmpty(t, (&jobRequest{Name: "n", Code: "c", CronExpr: "bad"}).validate())
}

func TestWebhookJobRequestValidate(t *testing.T) {
	req := webhookJobRequest{Name: "n", Endpoint: "/hook", Code: "c"}
	assert.Empty(t, req.validate())
	assert.NotEmpty(t, (&webhookJobRequest{Endpoint: "/hook", Code: "c"}).validate())
	assert.NotEmpty(t, (&webhookJobRequest{Name: "n", Code: "c"}).validate())
	assert.NotEmpty(t, (&webhookJobRequest{Name: "n", Endpoint: "/hook"}).validate())
}

func TestLogResponseOmitsEmptyFields(t *testing.T) {
	out := toLogResponse(&store.ExecutionLog{ID: 3, Code: "x", Status: "success", StartedAt: time.Now()})
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "job_id")
	assert.NotContains(t, string(raw), "metrics")
}
