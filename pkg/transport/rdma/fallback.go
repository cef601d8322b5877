//go:build !(linux && cgo && rdma)

package rdma

import (
	"context"
	"fmt"
	"time"

	"github.com/distmem/pager/pkg/transport"
)

// Transport is the RDMA backend's stand-in on builds without cgo or the
// rdma build tag. NewTransport fails with ErrRdmaFailed so callers can
// fall back to the TCP transport rather than crash at link time; the other
// operations return a plain "not available" error, and Close returns nil.
type Transport struct{}

// NewTransport always fails on this build: RDMA requires CGO_ENABLED=1 and
// -tags rdma against a host with libibverbs installed.
func NewTransport(deviceName string) (*Transport, error) {
	return nil, transport.NewError(transport.ErrRdmaFailed, "NewTransport",
		fmt.Errorf("rdma backend not compiled in (build with CGO_ENABLED=1 -tags rdma)"))
}

func (t *Transport) RegisterMemory(addr uintptr, length int64) (transport.MemoryRegion, error) {
	return transport.MemoryRegion{}, fmt.Errorf("rdma: not available")
}

func (t *Transport) LocalEndpoint() transport.Endpoint { return transport.Endpoint{} }

func (t *Transport) Connect(ctx context.Context, node int, endpoint transport.Endpoint) error {
	return fmt.Errorf("rdma: not available")
}

func (t *Transport) FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	return nil, fmt.Errorf("rdma: not available")
}

func (t *Transport) SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error {
	return fmt.Errorf("rdma: not available")
}

func (t *Transport) PerformanceTier(node int) (transport.Tier, bool) { return transport.TierBasic, false }

func (t *Transport) MeasureLatency(ctx context.Context, node int) (time.Duration, error) {
	return 0, fmt.Errorf("rdma: not available")
}

func (t *Transport) Close() error { return nil }

func queryPortLID(deviceName string, portNum uint8) (uint16, error) {
	return 0, fmt.Errorf("rdma: not available")
}
