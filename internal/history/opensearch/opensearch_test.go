package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/store"
)

type captured struct {
	method, path, user, pass string
	doc                      map[string]any
}

func recorder(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.Path
		got.user, got.pass, _ = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got.doc)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendIndexesFlatDocument(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusCreated, &got)

	sink, err := New(srv.URL+"/", "client-history")
	require.NoError(t, err)
	rec := store.Record{Name: "botclient.alice", State: store.StatePaused}
	require.NoError(t, sink.Send(context.Background(), history.New(history.EventForcePaused, rec, "forced")))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/client-history/_doc", got.path)
	assert.Empty(t, got.user)
	assert.Equal(t, "force_paused", got.doc["event"])
	assert.Equal(t, "botclient.alice", got.doc["client"])
	assert.Equal(t, "PAUSED", got.doc["state"])
	assert.Equal(t, "forced", got.doc["detail"])
	assert.Contains(t, got.doc, "@timestamp")
	assert.NotContains(t, got.doc, "ipc_port")
}

func TestSendUsesBasicAuth(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusOK, &got)

	u := strings.Replace(srv.URL, "http://", "http://ops:s3cret@", 1)
	sink, err := New(u, "bots")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.New(history.EventDown, store.Record{Name: "x"}, "")))
	assert.Equal(t, "ops", got.user)
	assert.Equal(t, "s3cret", got.pass)
	assert.Equal(t, "/bots/_doc", got.path)
}

func TestSendReportsRejection(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusBadRequest, &got)

	sink, err := New(srv.URL, "client-history")
	require.NoError(t, err)
	err = sink.Send(context.Background(), history.New(history.EventDown, store.Record{Name: "botclient.x"}, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New("/just/a/path", "idx")
	assert.Error(t, err)
}
