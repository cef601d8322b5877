package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// tierTTL bounds how long a measured latency tier is trusted before
// MeasureLatency is asked to refresh it (spec.md §4.3a).
const tierTTL = 30 * time.Second

// CoordinatorClient is the subset of coordinator.Client the Manager needs,
// narrowed to an interface so tests can fake it.
type CoordinatorClient interface {
	RegisterEndpoint(ctx context.Context, nodeID int, ep Endpoint) error
	Endpoints(ctx context.Context) (map[int]Endpoint, error)
}

// Manager wraps the PageTransport backend its caller selected, bootstraps
// it through the coordinator, and caches per-peer latency tiers so the
// fault path never blocks on a fresh MeasureLatency call.
type Manager struct {
	transport  PageTransport
	nodeID     int
	coord      CoordinatorClient
	tierCache  *ttlcache.Cache[int, Tier]
	logger     *zap.Logger
}

// NewManager wraps an already-constructed PageTransport (the caller tries
// RDMA first and falls back to TCP on construction failure, per spec.md
// §4.5's backend-selection note) with coordinator bootstrap and tiering.
func NewManager(nodeID int, t PageTransport, coord CoordinatorClient, logger *zap.Logger) *Manager {
	cache := ttlcache.New[int, Tier](ttlcache.WithTTL[int, Tier](tierTTL))
	go cache.Start()

	return &Manager{
		transport: t,
		nodeID:    nodeID,
		coord:     coord,
		tierCache: cache,
		logger:    logger,
	}
}

// Bootstrap registers this node's endpoint, fetches every other node's
// endpoint, and connects to each peer concurrently. The first peer that
// fails to connect cancels the context passed to the remaining Connect
// calls, and only that first error is returned.
func (m *Manager) Bootstrap(ctx context.Context, totalNodes int) error {
	if err := m.coord.RegisterEndpoint(ctx, m.nodeID, m.transport.LocalEndpoint()); err != nil {
		return fmt.Errorf("transport manager: register endpoint: %w", err)
	}

	endpoints, err := m.coord.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("transport manager: fetch endpoints: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	for node, ep := range endpoints {
		if node == m.nodeID {
			continue
		}

		node, ep := node, ep

		eg.Go(func() error {
			if err := m.transport.Connect(egCtx, node, ep); err != nil {
				m.logger.Warn("failed to connect to peer", zap.Int("node", node), zap.Error(err))

				return fmt.Errorf("connect to node %d: %w", node, err)
			}

			return nil
		})
	}

	return eg.Wait()
}

// FetchPage delegates to the underlying transport.
func (m *Manager) FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	return m.transport.FetchPage(ctx, gpa, node)
}

// SendPage delegates to the underlying transport.
func (m *Manager) SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error {
	return m.transport.SendPage(ctx, gpa, data, node)
}

// Tier returns the cached latency tier for node, measuring fresh on a
// cache miss.
func (m *Manager) Tier(ctx context.Context, node int) (Tier, error) {
	if item := m.tierCache.Get(node); item != nil {
		return item.Value(), nil
	}

	latency, err := m.transport.MeasureLatency(ctx, node)
	if err != nil {
		return TierBasic, fmt.Errorf("transport manager: measure latency to node %d: %w", node, err)
	}

	tier := TierForLatency(latency)
	m.tierCache.Set(node, tier, ttlcache.DefaultTTL)

	return tier, nil
}

// Close stops the tier cache's janitor goroutine and the underlying
// transport.
func (m *Manager) Close() error {
	m.tierCache.Stop()

	return m.transport.Close()
}
