package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	endpoints map[int]Endpoint
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{endpoints: make(map[int]Endpoint)}
}

func (f *fakeCoordinator) RegisterEndpoint(ctx context.Context, nodeID int, ep Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.endpoints[nodeID] = ep

	return nil
}

func (f *fakeCoordinator) Endpoints(ctx context.Context) (map[int]Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int]Endpoint, len(f.endpoints))
	for k, v := range f.endpoints {
		out[k] = v
	}

	return out, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  map[int]Endpoint
	failConnect int
	latency    time.Duration
}

func (f *fakeTransport) FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	return make([]byte, 4096), nil
}
func (f *fakeTransport) SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error {
	return nil
}
func (f *fakeTransport) RegisterMemory(addr uintptr, length int64) (MemoryRegion, error) {
	return MemoryRegion{}, nil
}
func (f *fakeTransport) LocalEndpoint() Endpoint { return NewTCPEndpoint("127.0.0.1", 9000) }
func (f *fakeTransport) Connect(ctx context.Context, node int, endpoint Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if node == f.failConnect {
		return fmt.Errorf("simulated connect failure")
	}

	f.connected[node] = endpoint

	return nil
}
func (f *fakeTransport) PerformanceTier(node int) (Tier, bool) { return TierBasic, false }
func (f *fakeTransport) MeasureLatency(ctx context.Context, node int) (time.Duration, error) {
	return f.latency, nil
}
func (f *fakeTransport) Close() error { return nil }

func TestBootstrapConnectsToAllPeersExceptSelf(t *testing.T) {
	coord := newFakeCoordinator()
	coord.endpoints[1] = NewTCPEndpoint("10.0.0.1", 1)
	coord.endpoints[2] = NewTCPEndpoint("10.0.0.2", 2)
	coord.endpoints[3] = NewTCPEndpoint("10.0.0.3", 3)

	ft := &fakeTransport{connected: make(map[int]Endpoint), failConnect: -1}
	m := NewManager(2, ft, coord, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Bootstrap(t.Context(), 3))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Len(t, ft.connected, 2)
	assert.Contains(t, ft.connected, 1)
	assert.Contains(t, ft.connected, 3)
	assert.NotContains(t, ft.connected, 2)
}

func TestBootstrapReturnsErrorWhenAPeerFails(t *testing.T) {
	coord := newFakeCoordinator()
	coord.endpoints[1] = NewTCPEndpoint("10.0.0.1", 1)
	coord.endpoints[2] = NewTCPEndpoint("10.0.0.2", 2)

	ft := &fakeTransport{connected: make(map[int]Endpoint), failConnect: 1}
	m := NewManager(2, ft, coord, zap.NewNop())
	defer m.Close()

	err := m.Bootstrap(t.Context(), 2)
	assert.Error(t, err)
}

func TestTierIsCachedAfterFirstMeasurement(t *testing.T) {
	coord := newFakeCoordinator()
	ft := &fakeTransport{connected: make(map[int]Endpoint), failConnect: -1, latency: 50 * time.Microsecond}
	m := NewManager(1, ft, coord, zap.NewNop())
	defer m.Close()

	tier, err := m.Tier(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, TierHighPerformance, tier)

	ft.latency = time.Second // should not affect the cached result
	tier, err = m.Tier(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, TierHighPerformance, tier)
}
