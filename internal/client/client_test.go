package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	var posted []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"running","current_index":2,"total":4,"progress_percent":50}`))
	})
	mux.HandleFunc("GET /results", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"successful":[],"failed":[{"index":1,"record":{},"last_error":"boom","attempt_count":3}],"retries":2}`))
	})
	mux.HandleFunc("POST /pause", func(w http.ResponseWriter, _ *http.Request) {
		posted = append(posted, "pause")
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no run has been started"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL + "/")
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, st.State)
	assert.Equal(t, 2, st.CurrentIndex)
	assert.Equal(t, 50.0, st.ProgressPercent)

	r, err := c.Results(ctx)
	require.NoError(t, err)
	require.Len(t, r.Failed, 1)
	assert.Equal(t, "boom", r.Failed[0].LastError)

	require.NoError(t, c.Command(ctx, ActionPause))
	assert.Equal(t, []string{"pause"}, posted)

	err = c.Command(ctx, ActionStop)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "no run has been started", apiErr.Message)

	assert.ErrorIs(t, c.Command(ctx, "explode"), ErrUnknownAction)
}

func TestNew_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", New("localhost:8080").Base())
	assert.Equal(t, "https://relay.example.com", New("https://relay.example.com/").Base())
}
