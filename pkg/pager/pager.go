// Package pager implements the fault-servicing core (spec.md §4.2): a
// dedicated goroutine that reads kernel fault events, consults the page
// directory, and either installs local memory directly or fetches it from
// the owning peer over the transport manager.
//
// The lifecycle management (context-driven shutdown, a done channel the
// fault loop watches alongside its blocking read) is grounded on the
// teacher's nbd.Server.Run (pkg/nbd/server.go).
package pager

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/distmem/pager/pkg/coordinator"
	"github.com/distmem/pager/pkg/directory"
	"github.com/distmem/pager/pkg/kernelfault"
	"github.com/distmem/pager/pkg/page"
	"github.com/distmem/pager/pkg/pagepool"
	"github.com/distmem/pager/pkg/stats"
	"github.com/distmem/pager/pkg/transport"
)

// Config configures one pager instance.
type Config struct {
	// Base and Len describe the guest-physical range this node mirrors.
	Base uintptr
	Len  int64

	NodeID     int
	TotalNodes int

	CoordinatorURL string

	// PoolPath is the backing file pagepool.New writes fetched/zeroed page
	// bytes into before installation.
	PoolPath string

	Logger *zap.Logger
}

// Handle is the running pager returned by Start. Callers read Stats and
// call Close to shut down.
type Handle struct {
	cfg     Config
	dir     *directory.Directory
	pool    *pagepool.Pool
	channel kernelfault.Channel
	mgr     *transport.Manager
	stats   *stats.Stats
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Start validates the range, creates the page pool and registers it with
// the transport, bootstraps the coordinator connection, and spawns the
// fault-servicing goroutine. Registering the range with the kernel is the
// job of whoever built channel. A failed bootstrap (coordinator contact or
// peer connect) is logged as a warning and does not make Start fail. The
// returned Handle is ready to serve faults once Start returns.
func Start(ctx context.Context, cfg Config, channel kernelfault.Channel, t transport.PageTransport) (*Handle, error) {
	rng, err := page.NewRange(cfg.Base, cfg.Len)
	if err != nil {
		return nil, fmt.Errorf("pager: invalid range: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pagepool.New(cfg.PoolPath, rng.PageCount())
	if err != nil {
		return nil, fmt.Errorf("pager: create page pool: %w", err)
	}

	coordClient := coordinator.New(cfg.CoordinatorURL)
	mgr := transport.NewManager(cfg.NodeID, t, coordClient, logger)

	if _, err := t.RegisterMemory(pool.BaseAddr(), cfg.Len); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pager: register pool memory: %w", err)
	}

	if err := mgr.Bootstrap(ctx, cfg.TotalNodes); err != nil {
		logger.Warn("bootstrap did not connect to every peer", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)

	h := &Handle{
		cfg:     cfg,
		dir:     directory.New(rng.PageCount()),
		pool:    pool,
		channel: channel,
		mgr:     mgr,
		stats:   stats.New(),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go h.run(runCtx, rng)

	return h, nil
}

// run is the dedicated fault-servicing goroutine. runtime.LockOSThread
// keeps it pinned to one OS thread, matching the convention of other
// syscall-heavy blocking loops (ioctl reads against the fault channel must
// not migrate threads mid-poll).
func (h *Handle) run(ctx context.Context, rng page.Range) {
	defer close(h.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		event, err := h.channel.ReadEvent(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				h.logger.Error("fault channel read failed", zap.Error(err))

				return
			}
		}

		if event.Kind != kernelfault.EventPageFault {
			h.logger.Debug("observed non-fault kernel event", zap.Stringer("kind", event.Kind))

			continue
		}

		h.serviceFault(ctx, rng, event)
	}
}

// serviceFault implements the branch from spec.md §4.2: Local faults are
// logged as a warning (the kernel should never refault an installed page)
// and re-installed as zeros, counted as local; Unknown faults claim and
// zero-fill (first touch); Remote faults fetch from the owning node and
// leave the directory entry Remote, installing zeros and still counting
// the fault if the transport fails or returns a payload that is not
// page.Size bytes, so the vCPU is never left blocked.
func (h *Handle) serviceFault(ctx context.Context, rng page.Range, event kernelfault.Event) {
	start := time.Now()

	p, ok := rng.PageOf(event.Addr)
	if !ok {
		h.logger.Error("fault address outside registered range", zap.Uintptr("addr", event.Addr))

		return
	}

	owner := h.dir.GetOwner(p)

	switch owner.Kind {
	case page.Local:
		h.logger.Warn("refault on a page already marked local, treating as idempotent", zap.Uint64("page", uint64(p)))

		if err := h.installAndClaim(p, make([]byte, page.Size)); err != nil {
			h.logger.Error("failed to re-install local page", zap.Uint64("page", uint64(p)), zap.Error(err))

			return
		}

		h.stats.RecordLocal(time.Since(start).Microseconds())

	case page.Unknown:
		data := make([]byte, page.Size)

		if err := h.installAndClaim(p, data); err != nil {
			h.logger.Error("failed to install first-touch page", zap.Uint64("page", uint64(p)), zap.Error(err))

			return
		}

		h.stats.RecordLocal(time.Since(start).Microseconds())

	case page.Remote:
		h.fetchAndInstall(ctx, p, owner.NodeID, start)
	}
}

func (h *Handle) fetchAndInstall(ctx context.Context, p page.Number, node int, start time.Time) {
	fetchCtx, cancel := context.WithTimeout(ctx, coordinator.Timeout)
	defer cancel()

	data, err := h.mgr.FetchPage(fetchCtx, uintptr(p)*page.Size, node)
	if err == nil && len(data) != page.Size {
		err = transport.NewError(transport.ErrProtocolError, "FetchPage",
			fmt.Errorf("payload must be %d bytes, got %d", page.Size, len(data)))
	}

	if err != nil {
		h.logger.Warn("remote fetch failed, installing zero page", zap.Uint64("page", uint64(p)), zap.Int("node", node), zap.Error(err))

		data = make([]byte, page.Size)
	}

	if err := h.install(p, data); err != nil {
		h.logger.Error("failed to install fetched page", zap.Uint64("page", uint64(p)), zap.Error(err))

		return
	}

	// A fault that required a remote fetch is a remote fault for stats
	// purposes even when the fetch itself failed and zeros were installed:
	// the vCPU still paid the round trip.
	h.stats.RecordRemote(time.Since(start).Microseconds())
}

func (h *Handle) installAndClaim(p page.Number, data []byte) error {
	if err := h.install(p, data); err != nil {
		return err
	}

	h.dir.ClaimPage(p)

	return nil
}

func (h *Handle) install(p page.Number, data []byte) error {
	if err := h.pool.Write(p, data); err != nil {
		return fmt.Errorf("pager: write pool slot: %w", err)
	}

	if err := h.channel.Install(p, data); err != nil {
		return fmt.Errorf("pager: install page: %w", err)
	}

	return nil
}

// Stats returns a point-in-time fault-statistics snapshot.
func (h *Handle) Stats() stats.Snapshot {
	return h.stats.Snapshot()
}

// Directory exposes the ownership map for inspection (tests, metrics).
func (h *Handle) Directory() *directory.Directory {
	return h.dir
}

// Close cancels the fault loop, waits for it to exit, and releases the
// fault channel, transport manager, and page pool, returning the first
// error encountered.
func (h *Handle) Close() error {
	h.cancel()
	<-h.done

	var firstErr error

	if err := h.channel.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pager: close fault channel: %w", err)
	}

	if err := h.mgr.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pager: close transport manager: %w", err)
	}

	if err := h.pool.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pager: close page pool: %w", err)
	}

	return firstErr
}
