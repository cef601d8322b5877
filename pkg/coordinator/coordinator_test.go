package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmem/pager/pkg/transport"
)

func TestRegisterAndFetchEndpoints(t *testing.T) {
	stored := make(map[string]json.RawMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("/nodes/1/endpoint", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		stored["1"] = raw
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": stored})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL)

	ep := transport.NewTCPEndpoint("127.0.0.1", 50051)
	require.NoError(t, client.RegisterEndpoint(t.Context(), 1, ep))

	eps, err := client.Endpoints(t.Context())
	require.NoError(t, err)
	require.Contains(t, eps, 1)
	assert.Equal(t, ep, eps[1])
}

func TestRegisterEndpointFailsOn4xxWithoutRetry(t *testing.T) {
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.RegisterEndpoint(t.Context(), 1, transport.NewTCPEndpoint("x", 1))
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "4xx should not be retried")
}
