package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real2ai/contract-cli/internal/model"
)

func TestEvents_StreamsUntilRunCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.runner.release = make(chan struct{})

	ts := httptest.NewServer(env.h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/analyses", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Headers arrive only after the handler has subscribed.
	stream, err := http.Get(ts.URL + "/v1/analyses/run-1/events")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	close(env.runner.release)

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, ": subscribed run-1")
	assert.Contains(t, text, "event: node_completed\n")
	assert.Contains(t, text, `"node_id":"financial_terms"`)
	assert.Contains(t, text, "event: run_completed\n")
	assert.Less(t, strings.Index(text, "node_completed"), strings.Index(text, "run_completed"))
}

func TestEvents_FinishedRunSendsSummary(t *testing.T) {
	env := newTestEnv(t)
	env.store.runs["r1"] = model.Run{ID: "r1", Status: model.RunStatusCompleted, Coherent: true}

	rec := env.do(http.MethodGet, "/v1/analyses/r1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: run\n")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestEvents_UnknownRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/v1/analyses/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
