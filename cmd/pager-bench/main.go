// Command pager-bench starts one pager node against a coordinator and
// reports fault statistics on an interval until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/distmem/pager/internal/cfg"
	"github.com/distmem/pager/pkg/kernelfault"
	"github.com/distmem/pager/pkg/kernelfault/sim"
	"github.com/distmem/pager/pkg/metrics"
	"github.com/distmem/pager/pkg/pager"
	"github.com/distmem/pager/pkg/stats"
	"github.com/distmem/pager/pkg/transport"
	"github.com/distmem/pager/pkg/transport/rdma"
	"github.com/distmem/pager/pkg/transport/tcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	config, err := cfg.Parse()
	if err != nil {
		return fmt.Errorf("pager-bench: parse config: %w", err)
	}

	logCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(config.LogLevel); err == nil {
		logCfg.Level = lvl
	}

	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("pager-bench: build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	onFetch := func(gpa uintptr) ([]byte, error) { return make([]byte, 4096), nil }

	var t transport.PageTransport

	rdmaTr, rdmaErr := rdma.NewTransport(config.RdmaDevice)
	if rdmaErr != nil {
		logger.Info("rdma backend unavailable, falling back to tcp", zap.Error(rdmaErr))

		tcpTr, err := tcp.Listen(ctx, config.ListenAddr, onFetch)
		if err != nil {
			return fmt.Errorf("pager-bench: start tcp transport: %w", err)
		}

		t = tcpTr
	} else {
		t = rdmaTr
	}

	channel := kernelfault.Channel(sim.New(64))

	h, err := pager.Start(ctx, pager.Config{
		Base:           uintptr(config.GuestBase),
		Len:            config.GuestLen,
		NodeID:         config.NodeID,
		TotalNodes:     config.TotalNodes,
		CoordinatorURL: config.CoordinatorURL,
		PoolPath:       config.PoolPath,
		Logger:         logger,
	}, channel, t)
	if err != nil {
		return fmt.Errorf("pager-bench: start pager: %w", err)
	}
	defer h.Close()

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.New(statsSource{h}, config.NodeID)); err != nil {
		return fmt.Errorf("pager-bench: register metrics: %w", err)
	}

	srv := &http.Server{Addr: config.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = srv.Close()

			return nil
		case <-ticker.C:
			snap := h.Stats()
			logger.Info("fault stats",
				zap.Uint64("local_faults", snap.LocalFaults),
				zap.Uint64("remote_faults", snap.RemoteFaults),
				zap.Float64("remote_miss_ratio", snap.RemoteMissRatio()))
		}
	}
}

// statsSource adapts *pager.Handle to metrics.Source.
type statsSource struct {
	h *pager.Handle
}

func (s statsSource) Snapshot() stats.Snapshot { return s.h.Stats() }
