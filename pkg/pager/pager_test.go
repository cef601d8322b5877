package pager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmem/pager/pkg/kernelfault"
	"github.com/distmem/pager/pkg/kernelfault/sim"
	"github.com/distmem/pager/pkg/page"
	"github.com/distmem/pager/pkg/transport/tcp"
)

// newCoordinatorServer is a minimal in-memory stand-in for the external
// coordinator, shared by every node under test (grounded on
// coordinator_test.go's httptest.NewServer fixture).
func newCoordinatorServer(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	stored := make(map[string]json.RawMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": stored})
	})
	mux.HandleFunc("/nodes/", func(w http.ResponseWriter, r *http.Request) {
		nodeID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/nodes/"), "/endpoint")

		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		mu.Lock()
		stored[nodeID] = raw
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestLocalFirstTouchServedWithoutTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	rng, err := page.NewRange(0x10000, page.Size*4)
	require.NoError(t, err)

	channel := sim.New(8)
	coordURL := newCoordinatorServer(t).URL

	tr, err := tcp.Listen(ctx, "127.0.0.1", func(gpa uintptr) ([]byte, error) {
		return make([]byte, page.Size), nil
	})
	require.NoError(t, err)

	h, err := Start(ctx, Config{
		Base:           rng.Base,
		Len:            rng.Len,
		NodeID:         1,
		TotalNodes:     1,
		CoordinatorURL: coordURL,
		PoolPath:       filepath.Join(t.TempDir(), "pool.bin"),
	}, channel, tr)
	require.NoError(t, err)
	defer h.Close()

	channel.Push(fault(rng.Addr(2)))

	require.Eventually(t, func() bool {
		return h.Stats().LocalFaults == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, page.Local, h.Directory().GetOwner(2).Kind)
}

func TestLocalRefaultIsTreatedAsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	rng, err := page.NewRange(0x50000, page.Size*4)
	require.NoError(t, err)

	channel := sim.New(8)
	coordURL := newCoordinatorServer(t).URL

	tr, err := tcp.Listen(ctx, "127.0.0.1", func(gpa uintptr) ([]byte, error) {
		return make([]byte, page.Size), nil
	})
	require.NoError(t, err)

	h, err := Start(ctx, Config{
		Base:           rng.Base,
		Len:            rng.Len,
		NodeID:         1,
		TotalNodes:     1,
		CoordinatorURL: coordURL,
		PoolPath:       filepath.Join(t.TempDir(), "pool.bin"),
	}, channel, tr)
	require.NoError(t, err)
	defer h.Close()

	h.Directory().ClaimPage(2)

	channel.Push(fault(rng.Addr(2)))

	require.Eventually(t, func() bool {
		return h.Stats().LocalFaults == 1
	}, time.Second, 5*time.Millisecond)

	installed, ok := channel.Installed(2)
	require.True(t, ok)
	assert.Equal(t, make([]byte, page.Size), installed)
	assert.Equal(t, page.Local, h.Directory().GetOwner(2).Kind)
}

func TestRemoteFetchAcrossTwoNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	coordURL := newCoordinatorServer(t).URL

	remoteData := bytes.Repeat([]byte{0x5A}, page.Size)

	remoteTr, err := tcp.Listen(ctx, "127.0.0.1", func(gpa uintptr) ([]byte, error) {
		return remoteData, nil
	})
	require.NoError(t, err)

	remoteRng, err := page.NewRange(0x20000, page.Size*4)
	require.NoError(t, err)

	remoteChannel := sim.New(8)
	remote, err := Start(ctx, Config{
		Base:           remoteRng.Base,
		Len:            remoteRng.Len,
		NodeID:         2,
		TotalNodes:     2,
		CoordinatorURL: coordURL,
		PoolPath:       filepath.Join(t.TempDir(), "remote.bin"),
	}, remoteChannel, remoteTr)
	require.NoError(t, err)
	defer remote.Close()

	localRng, err := page.NewRange(0x30000, page.Size*4)
	require.NoError(t, err)

	localChannel := sim.New(8)
	localTr, err := tcp.Listen(ctx, "127.0.0.1", func(gpa uintptr) ([]byte, error) {
		return make([]byte, page.Size), nil
	})
	require.NoError(t, err)

	local, err := Start(ctx, Config{
		Base:           localRng.Base,
		Len:            localRng.Len,
		NodeID:         1,
		TotalNodes:     2,
		CoordinatorURL: coordURL,
		PoolPath:       filepath.Join(t.TempDir(), "local.bin"),
	}, localChannel, localTr)
	require.NoError(t, err)
	defer local.Close()

	local.Directory().SetOwner(1, page.RemoteOwner(2))
	localChannel.Push(fault(localRng.Addr(1)))

	require.Eventually(t, func() bool {
		return local.Stats().RemoteFaults == 1
	}, 2*time.Second, 5*time.Millisecond)

	installed, ok := localChannel.Installed(1)
	require.True(t, ok)
	assert.Equal(t, remoteData, installed)
}

func TestTransportFailureStillInstallsAndCounts(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	coordURL := newCoordinatorServer(t).URL

	rng, err := page.NewRange(0x40000, page.Size*4)
	require.NoError(t, err)

	channel := sim.New(8)
	tr, err := tcp.Listen(ctx, "127.0.0.1", func(gpa uintptr) ([]byte, error) {
		return make([]byte, page.Size), nil
	})
	require.NoError(t, err)

	h, err := Start(ctx, Config{
		Base:           rng.Base,
		Len:            rng.Len,
		NodeID:         1,
		TotalNodes:     1,
		CoordinatorURL: coordURL,
		PoolPath:       filepath.Join(t.TempDir(), "pool.bin"),
	}, channel, tr)
	require.NoError(t, err)
	defer h.Close()

	// Node 9 was never connected, so the fetch must fail.
	h.Directory().SetOwner(1, page.RemoteOwner(9))
	channel.Push(fault(rng.Addr(1)))

	require.Eventually(t, func() bool {
		return h.Stats().RemoteFaults == 1
	}, time.Second, 5*time.Millisecond)

	installed, ok := channel.Installed(1)
	require.True(t, ok)
	assert.Equal(t, make([]byte, page.Size), installed)
}

func fault(addr uintptr) kernelfault.Event {
	return kernelfault.Event{Kind: kernelfault.EventPageFault, Addr: addr}
}
