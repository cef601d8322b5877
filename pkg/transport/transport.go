package transport

import (
	"context"
	"time"
)

// MemoryRegion is a registration handle over a local byte range. lkey/rkey
// are transport-specific; TCP backends return zero for both since no
// registration is needed on the wire.
type MemoryRegion struct {
	Addr   uintptr
	Length int64
	LKey   uint32
	RKey   uint32
}

// Tier classifies measured peer latency. It is informational only — used
// for logging — and never changes transport behavior.
type Tier int

const (
	TierBasic Tier = iota
	TierStandard
	TierMediumPerformance
	TierHighPerformance
)

func (t Tier) String() string {
	switch t {
	case TierHighPerformance:
		return "high_performance"
	case TierMediumPerformance:
		return "medium_performance"
	case TierStandard:
		return "standard"
	default:
		return "basic"
	}
}

// TierForLatency classifies a measured round-trip latency per the table in
// spec.md §4.3.
func TierForLatency(d time.Duration) Tier {
	switch {
	case d < 100*time.Microsecond:
		return TierHighPerformance
	case d < 150*time.Microsecond:
		return TierMediumPerformance
	case d < 500*time.Microsecond:
		return TierStandard
	default:
		return TierBasic
	}
}

// PageTransport is the pluggable capability the pager depends on to move
// 4 KiB pages between nodes. Implementations: tcp.Transport, rdma.Transport.
type PageTransport interface {
	// FetchPage retrieves the page containing gpa from node and returns
	// exactly page.Size bytes or a transport.Error.
	FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error)

	// SendPage pushes data (must be page.Size bytes) to node at gpa.
	SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error

	// RegisterMemory registers [addr, addr+length) for transport use.
	RegisterMemory(addr uintptr, length int64) (MemoryRegion, error)

	// LocalEndpoint returns the address information peers need to connect
	// to this transport instance.
	LocalEndpoint() Endpoint

	// Connect establishes (or records) the peer relationship for node
	// using the endpoint it published.
	Connect(ctx context.Context, node int, endpoint Endpoint) error

	// PerformanceTier reports the last-measured tier for node, if known.
	PerformanceTier(node int) (Tier, bool)

	// MeasureLatency performs a round-trip probe against node.
	MeasureLatency(ctx context.Context, node int) (time.Duration, error)

	// Close releases backend resources (listeners, queue pairs, device handles).
	Close() error
}
