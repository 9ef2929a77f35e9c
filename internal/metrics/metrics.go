//go:build linux

// Package metrics periodically logs reactor and worker pool occupancy
// alongside host-level process stats, replacing the teacher's backup
// throughput stats line with connection-layer occupancy.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/waitress-go/httpcore/internal/reactor"
	"github.com/waitress-go/httpcore/internal/workpool"
)

const defaultInterval = 30 * time.Second

// Reporter emits one structured log line per interval describing reactor
// and worker pool occupancy plus host CPU/memory usage.
type Reporter struct {
	reactor  *reactor.Reactor
	pool     *workpool.Pool
	logger   *slog.Logger
	interval time.Duration
	start    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reporter. A zero interval defaults to 30s.
func New(r *reactor.Reactor, pool *workpool.Pool, logger *slog.Logger, interval time.Duration) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reporter{
		reactor:  r,
		pool:     pool,
		logger:   logger,
		interval: interval,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic reporting goroutine.
func (rp *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	go func() {
		defer close(rp.done)
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rp.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	rp.logger.Info("stats reporter started", "interval", rp.interval)
}

// Stop cancels the reporting goroutine and waits for it to exit.
func (rp *Reporter) Stop() {
	if rp.cancel != nil {
		rp.cancel()
	}
	<-rp.done
	rp.logger.Info("stats reporter stopped")
}

func (rp *Reporter) report() {
	attrs := []any{
		"uptime_seconds", int64(time.Since(rp.start).Seconds()),
		"active_channels", rp.reactor.ActiveChannels(),
		"queue_depth", rp.pool.QueueDepth(),
		"queue_capacity", rp.pool.QueueCapacity(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		attrs = append(attrs, "cpu_percent", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_used_percent", vm.UsedPercent)
	}

	rp.logger.Info("httpcore stats", attrs...)
}
