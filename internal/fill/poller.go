package fill

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/paper-exchange/internal/metrics"
)

// DefaultInterval is the price polling cadence.
const DefaultInterval = 5 * time.Second

// ErrPollerRunning is returned by Start on a poller that is already running.
var ErrPollerRunning = errors.New("fill: poller already running")

// Poller runs a Sweep on a fixed cadence and on demand. Each tick fetches
// prices for the targets of PENDING orders and evaluates them.
type Poller struct {
	engine   *Engine
	feed     PriceSource
	interval time.Duration
	logger   *slog.Logger

	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped poller. A non-positive interval selects
// DefaultInterval and a nil logger selects slog.Default().
func NewPoller(engine *Engine, feed PriceSource, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		engine:   engine,
		feed:     feed,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the polling loop. The first tick runs immediately. The
// loop ends when ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPollerRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, p.done)

	p.logger.Info("fill poller started", "interval", p.interval.String())
	return nil
}

// Stop cancels the loop and waits for the in-progress tick to finish.
// Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("fill poller stopped")
}

// Trigger requests an immediate tick without waiting for it. Requests
// made while one is already queued are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.trigger:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	ids, err := p.engine.PendingTargets(ctx)
	if err != nil {
		p.logger.Error("list pending targets", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	prices, err := p.feed.Prices(ctx, ids)
	if err != nil {
		metrics.PriceFeedErrors.Inc()
		p.logger.Warn("price fetch failed, skipping tick", "targets", len(ids), "err", err)
		return
	}

	rep, err := p.engine.Sweep(ctx, prices)
	if err != nil {
		p.logger.Error("sweep failed", "err", err)
		return
	}
	level := slog.LevelDebug
	if rep.Filled > 0 || rep.Failed > 0 || rep.Unbacked > 0 {
		level = slog.LevelInfo
	}
	p.logger.Log(ctx, level, "sweep complete",
		"evaluated", rep.Evaluated,
		"filled", rep.Filled,
		"lost_race", rep.LostRace,
		"skipped", rep.Skipped,
		"unbacked", rep.Unbacked,
		"failed", rep.Failed,
	)
}
