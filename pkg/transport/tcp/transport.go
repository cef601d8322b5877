package tcp

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/distmem/pager/pkg/transport"
)

// portRangeStart and portRangeEnd bound the listener bring-up search
// (spec.md §4.4): the transport binds the first free port in this range so
// several pager instances can coexist on one host.
const (
	portRangeStart = 50051
	portRangeEnd   = 50100
)

// Transport is the reliable-TCP PageTransport backend. Its accept loop and
// shutdown coordination are grounded on the teacher's nbd.Server.Run
// (pkg/nbd/server.go): a context-driven listener close plus
// goroutine-per-connection handling with a panic guard. Fetch
// deduplication is grounded on source.Chunker.ensureData
// (pkg/source/chunk.go)'s singleflight.Group usage, narrowed here to one
// in-flight fetch per page instead of per chunk.
type Transport struct {
	mu       sync.RWMutex
	peers    map[int]net.Conn
	endpoint transport.Endpoint
	listener net.Listener

	fetchGroup singleflight.Group

	onFetch func(gpa uintptr) ([]byte, error)
}

// Listen binds the first free port in [portRangeStart, portRangeEnd] on
// addr and starts serving incoming connections. onFetch answers FetchPage
// requests arriving from peers by returning this node's current page
// contents for gpa.
func Listen(ctx context.Context, addr string, onFetch func(gpa uintptr) ([]byte, error)) (*Transport, error) {
	var (
		l   net.Listener
		err error
	)

	for port := portRangeStart; port <= portRangeEnd; port++ {
		l, err = net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			break
		}
	}

	if l == nil {
		return nil, fmt.Errorf("tcp: no free port in [%d, %d]: %w", portRangeStart, portRangeEnd, err)
	}

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		l.Close()

		return nil, fmt.Errorf("tcp: parse listener address: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		l.Close()

		return nil, fmt.Errorf("tcp: parse listener port: %w", err)
	}

	if host == "" || host == "::" {
		host = addr
	}

	t := &Transport{
		peers:    make(map[int]net.Conn),
		listener: l,
		endpoint: transport.NewTCPEndpoint(host, uint16(port)),
		onFetch:  onFetch,
	}

	go func() {
		<-ctx.Done()

		if closeErr := l.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "tcp: close listener: %s\n", closeErr.Error())
		}
	}()

	go t.acceptLoop(ctx)

	return t, nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()

		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "tcp: recovering from connection handler panic: %v\n", r)
		}
	}()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	msg, err := ReadMessage(conn)
	if err != nil {
		_ = WriteMessage(conn, ErrorMsg(err.Error()))

		return
	}

	switch msg.Tag {
	case tagFetchPage:
		data, fetchErr := t.onFetch(msg.GPA)
		if fetchErr != nil {
			_ = WriteMessage(conn, ErrorMsg(fetchErr.Error()))

			return
		}

		_ = WriteMessage(conn, PageData(msg.GPA, data))

	case tagSendPage:
		_ = WriteMessage(conn, Ack())

	case tagPing:
		_ = WriteMessage(conn, Pong(msg.Timestamp))

	default:
		_ = WriteMessage(conn, ErrorMsg(fmt.Sprintf("unexpected request tag %d", msg.Tag)))
	}
}

// Connect dials the TCP address a peer published and keeps that connection
// until Close; it fails if the peer cannot be reached. Requests do not use
// it: each one dials a fresh connection to the same address (spec.md §4.4's
// one-connection-per-request discipline).
func (t *Transport) Connect(ctx context.Context, node int, endpoint transport.Endpoint) error {
	if endpoint.Kind != transport.KindTCP {
		return transport.NewError(transport.ErrProtocolError, "Connect", fmt.Errorf("node %d published a non-tcp endpoint", node))
	}

	conn, err := t.dial(ctx, endpoint.TCP)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.peers[node] = conn
	t.mu.Unlock()

	return nil
}

func (t *Transport) dial(ctx context.Context, ep transport.TCPEndpoint) (net.Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Addr, strconv.Itoa(int(ep.Port))))
	if err != nil {
		return nil, transport.NewError(transport.ErrConnectionFailed, "dial", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return conn, nil
}

func (t *Transport) peerEndpoint(node int) (transport.TCPEndpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conn, ok := t.peers[node]
	if !ok {
		return transport.TCPEndpoint{}, false
	}

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return transport.TCPEndpoint{}, false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.TCPEndpoint{}, false
	}

	return transport.TCPEndpoint{Addr: host, Port: uint16(port)}, true
}

// FetchPage dials node fresh, sends FetchPage, and returns the PageData
// response. Concurrent fetches for the same gpa are deduplicated via
// singleflight so a fault storm on one hot page issues one wire request.
func (t *Transport) FetchPage(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	key := strconv.Itoa(node) + ":" + strconv.FormatUint(uint64(gpa), 16)

	v, err, _ := t.fetchGroup.Do(key, func() (interface{}, error) {
		return t.fetchPageOnce(ctx, gpa, node)
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

func (t *Transport) fetchPageOnce(ctx context.Context, gpa uintptr, node int) ([]byte, error) {
	ep, ok := t.peerEndpoint(node)
	if !ok {
		return nil, transport.NewError(transport.ErrNodeNotConnected, "FetchPage", fmt.Errorf("node %d not connected", node))
	}

	conn, err := t.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteMessage(conn, FetchPage(gpa)); err != nil {
		return nil, transport.NewError(transport.ErrConnectionFailed, "FetchPage write", err)
	}

	resp, err := ReadMessage(conn)
	if err != nil {
		return nil, transport.NewError(transport.ErrTimeout, "FetchPage read", err)
	}

	switch resp.Tag {
	case tagPageData:
		return resp.Data, nil
	case tagError:
		return nil, transport.NewError(transport.ErrProtocolError, "FetchPage", fmt.Errorf("peer reported: %s", resp.ErrText))
	default:
		return nil, transport.NewError(transport.ErrProtocolError, "FetchPage", fmt.Errorf("unexpected response tag %d", resp.Tag))
	}
}

// SendPage pushes data to node at gpa and waits for the peer's Ack.
func (t *Transport) SendPage(ctx context.Context, gpa uintptr, data []byte, node int) error {
	ep, ok := t.peerEndpoint(node)
	if !ok {
		return transport.NewError(transport.ErrNodeNotConnected, "SendPage", fmt.Errorf("node %d not connected", node))
	}

	conn, err := t.dial(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteMessage(conn, SendPage(gpa, data)); err != nil {
		return transport.NewError(transport.ErrConnectionFailed, "SendPage write", err)
	}

	resp, err := ReadMessage(conn)
	if err != nil {
		return transport.NewError(transport.ErrTimeout, "SendPage read", err)
	}

	if resp.Tag != tagAck {
		return transport.NewError(transport.ErrProtocolError, "SendPage", fmt.Errorf("expected Ack, got tag %d", resp.Tag))
	}

	return nil
}

// RegisterMemory is a no-op for TCP: the wire protocol copies page bytes
// inline, so no registration handle is needed. It still returns a
// MemoryRegion describing the range for callers that log it uniformly
// across backends.
func (t *Transport) RegisterMemory(addr uintptr, length int64) (transport.MemoryRegion, error) {
	return transport.MemoryRegion{Addr: addr, Length: length}, nil
}

func (t *Transport) LocalEndpoint() transport.Endpoint {
	return t.endpoint
}

// MeasureLatency issues a Ping and times the Pong round trip.
func (t *Transport) MeasureLatency(ctx context.Context, node int) (time.Duration, error) {
	ep, ok := t.peerEndpoint(node)
	if !ok {
		return 0, transport.NewError(transport.ErrNodeNotConnected, "MeasureLatency", fmt.Errorf("node %d not connected", node))
	}

	conn, err := t.dial(ctx, ep)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	start := time.Now()

	if err := WriteMessage(conn, Ping(start.UnixNano())); err != nil {
		return 0, transport.NewError(transport.ErrConnectionFailed, "MeasureLatency write", err)
	}

	resp, err := ReadMessage(conn)
	if err != nil {
		return 0, transport.NewError(transport.ErrTimeout, "MeasureLatency read", err)
	}

	if resp.Tag != tagPong {
		return 0, transport.NewError(transport.ErrProtocolError, "MeasureLatency", fmt.Errorf("expected Pong, got tag %d", resp.Tag))
	}

	return time.Since(start), nil
}

// PerformanceTier is unsupported directly on the raw transport; the
// transport.Manager wraps MeasureLatency results in a ttlcache and answers
// this question itself (spec.md §4.3a).
func (t *Transport) PerformanceTier(node int) (transport.Tier, bool) {
	return transport.TierBasic, false
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error

	for node, conn := range t.peers {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tcp: close peer %d connection: %w", node, err)
		}
	}

	if err := t.listener.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tcp: close listener: %w", err)
	}

	return firstErr
}
