// Command coordinator-mock is a standalone in-memory implementation of the
// external coordinator service pager instances bootstrap against: it
// stores whatever endpoint each node POSTs and serves the union back on
// GET /endpoints.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("coordinator-mock: build logger: %w", err)
	}
	defer logger.Sync()

	d := newDirectory()

	mux := http.NewServeMux()
	mux.HandleFunc("/endpoints", d.handleList)
	mux.HandleFunc("/nodes/", d.handleRegister)

	logger.Info("coordinator-mock listening", zap.String("addr", addr))

	return http.ListenAndServe(addr, mux)
}

type directory struct {
	mu        sync.RWMutex
	endpoints map[string]json.RawMessage
}

func newDirectory() *directory {
	return &directory{endpoints: make(map[string]json.RawMessage)}
}

func (d *directory) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	nodeID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/nodes/"), "/endpoint")
	if nodeID == "" {
		http.Error(w, "missing node id", http.StatusBadRequest)

		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, fmt.Sprintf("decode endpoint: %s", err), http.StatusBadRequest)

		return
	}

	d.mu.Lock()
	d.endpoints[nodeID] = raw
	d.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (d *directory) handleList(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	snapshot := make(map[string]json.RawMessage, len(d.endpoints))
	for k, v := range d.endpoints {
		snapshot[k] = v
	}
	d.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": snapshot})
}
