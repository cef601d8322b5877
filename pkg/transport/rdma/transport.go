//go:build linux && cgo && rdma

package rdma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distmem/pager/pkg/page"
	"github.com/distmem/pager/pkg/transport"
)

const localPortNum = 1

// Transport is the RDMA PageTransport backend. One Transport owns a single
// verbsContext (device + protection domain + completion queue) and one
// queuePair per connected peer.
type Transport struct {
	mu sync.RWMutex

	device DeviceInfo
	vctx   *verbsContext

	localPsn uint32
	peers    map[int]*peerConn
	region   *registeredRegion
	localMR  transport.MemoryRegion
}

type peerConn struct {
	qp   *queuePair
	rkey uint32
	addr uintptr
}

// NewTransport opens deviceName and brings up its protection domain and
// completion queue. Queue pairs are created lazily per peer in Connect.
func NewTransport(deviceName string) (*Transport, error) {
	devices, err := EnumerateDevices()
	if err != nil {
		return nil, err
	}

	var dev *DeviceInfo

	for i := range devices {
		if devices[i].Name == deviceName {
			dev = &devices[i]

			break
		}
	}

	if dev == nil {
		return nil, fmt.Errorf("rdma: device %q not found", deviceName)
	}

	vctx, err := openVerbsContext(deviceName)
	if err != nil {
		return nil, err
	}

	return &Transport{
		device:   *dev,
		vctx:     vctx,
		localPsn: uint32(nextWrID()) & 0xFFFFFF,
		peers:    make(map[int]*peerConn),
	}, nil
}

func (t *Transport) RegisterMemory(addr uintptr, length int64) (transport.MemoryRegion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	region, mr, err := t.vctx.registerMemory(addr, length)
	if err != nil {
		return transport.MemoryRegion{}, transport.NewError(transport.ErrRdmaFailed, "RegisterMemory", err)
	}

	t.region = region
	t.localMR = mr

	return mr, nil
}

// LocalEndpoint publishes a fresh QP's identity. Each call creates a new QP
// dedicated to the next Connect call, since a QP is consumed exactly once
// it reaches RTS against a specific remote.
func (t *Transport) LocalEndpoint() transport.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	qp, err := createQueuePair(t.vctx)
	if err != nil {
		return transport.Endpoint{}
	}

	return endpointFromDevice(t.device, qp.qpNumber(), t.localPsn)
}

func (t *Transport) Connect(ctx context.Context, node int, endpoint transport.Endpoint) error {
	if endpoint.Kind != transport.KindRDMA {
		return transport.NewError(transport.ErrProtocolError, "Connect", fmt.Errorf("node %d published a non-rdma endpoint", node))
	}

	qp, err := createQueuePair(t.vctx)
	if err != nil {
		return transport.NewError(transport.ErrRdmaFailed, "Connect", err)
	}

	remote := remoteInfo{
		gid: endpoint.RDMA.GID,
		lid: endpoint.RDMA.LID,
		qpn: endpoint.RDMA.QPN,
		psn: endpoint.RDMA.PSN,
	}

	if err := connectQueuePair(qp, localPortNum, t.localPsn, remote); err != nil {
		return transport.NewError(transport.ErrRdmaFailed, "Connect", err)
	}

	t.mu.Lock()
	// TODO: peer.addr/peer.rkey are populated by a follow-up memory-info
	// exchange over the coordinator channel, not modeled here; until that
	// lands FetchPage/SendPage target address 0, rkey 0 for this peer.
	t.peers[node] = &peerConn{qp: qp}
	t.mu.Unlock()

	return nil
}

// FetchPage issues an RDMA_READ into a scratch page.Size buffer registered
// as part of the same memory region the pager's pagepool owns, then copies
// the result out so the caller gets an independent slice.
func (t *Transport) FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	t.mu.RLock()
	peer, ok := t.peers[node]
	region := t.localMR
	t.mu.RUnlock()

	if !ok {
		return nil, transport.NewError(transport.ErrNodeNotConnected, "FetchPage", fmt.Errorf("node %d not connected", node))
	}

	if region.LKey == 0 {
		return nil, transport.NewError(transport.ErrRdmaFailed, "FetchPage", fmt.Errorf("no memory region registered"))
	}

	local := transport.MemoryRegion{Addr: region.Addr, Length: page.Size, LKey: region.LKey}

	if err := postRead(peer.qp, local, peer.addr, peer.rkey, page.Size); err != nil {
		return nil, err
	}

	data := make([]byte, page.Size)
	copyFromAddr(data, region.Addr)

	return data, nil
}

func (t *Transport) SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error {
	t.mu.RLock()
	peer, ok := t.peers[node]
	region := t.localMR
	t.mu.RUnlock()

	if !ok {
		return transport.NewError(transport.ErrNodeNotConnected, "SendPage", fmt.Errorf("node %d not connected", node))
	}

	if len(data) != page.Size {
		return transport.NewError(transport.ErrProtocolError, "SendPage", fmt.Errorf("payload must be %d bytes, got %d", page.Size, len(data)))
	}

	copyToAddr(region.Addr, data)

	local := transport.MemoryRegion{Addr: region.Addr, Length: page.Size, LKey: region.LKey}

	return postWrite(peer.qp, local, peer.addr, peer.rkey, page.Size)
}

func (t *Transport) PerformanceTier(node int) (transport.Tier, bool) {
	return transport.TierBasic, false
}

func (t *Transport) MeasureLatency(ctx context.Context, node int) (time.Duration, error) {
	start := time.Now()

	if _, err := t.FetchPage(ctx, 0, node); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error

	for node, peer := range t.peers {
		if err := peer.qp.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rdma: close peer %d qp: %w", node, err)
		}
	}

	if t.region != nil {
		if err := t.region.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rdma: dereg mr: %w", err)
		}
	}

	if err := t.vctx.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("rdma: close device: %w", err)
	}

	return firstErr
}
