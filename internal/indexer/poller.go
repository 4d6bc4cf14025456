package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/metrics"
	"github.com/devblac/chainsync/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the poller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrStopped is returned by RunOnce after the poller's context was cancelled.
	ErrStopped = errors.New("poller stopped")
	// ErrBusy is returned by RunOnce when a cycle is already in progress.
	ErrBusy = errors.New("sync cycle already running")
	// ErrChunkFailed means a chunk had events whose handler did not succeed. The
	// checkpoint stays below the chunk so the next cycle rescans it.
	ErrChunkFailed = errors.New("chunk has failed events")
	// ErrLeaseLost means another worker took over the contract mid-cycle.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease guards a contract against concurrent indexers. Acquire also renews a
// lease this process already holds.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds the sync parameters for one contract.
type Config struct {
	Contract        string
	DeploymentBlock uint64
	Confirmations   uint64
	MaxBlockRange   uint64
	Interval        time.Duration
}

// Seed is the checkpoint a fresh contract starts from.
func (c Config) Seed() uint64 {
	if c.DeploymentBlock == 0 {
		return 0
	}
	return c.DeploymentBlock - 1
}

// Poller drives periodic sync cycles for one contract.
type Poller struct {
	cfg        Config
	store      *storage.Store
	reader     chain.Reader
	dispatcher *Dispatcher
	lease      Lease
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	state      atomic.Int32
}

// NewPoller builds an idle poller.
func NewPoller(cfg Config, store *storage.Store, reader chain.Reader, dispatcher *Dispatcher, opts Options) (*Poller, error) {
	if store == nil || reader == nil || dispatcher == nil {
		return nil, errors.New("store, reader and dispatcher are required")
	}
	if cfg.MaxBlockRange == 0 {
		return nil, errors.New("max block range must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Poller{
		cfg:        cfg,
		store:      store,
		reader:     reader,
		dispatcher: dispatcher,
		lease:      opts.Lease,
		logger:     opts.logger().With("component", "poller", "contract", cfg.Contract),
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// State returns the current lifecycle state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Run executes a cycle immediately and then one per interval until ctx is
// cancelled. Cycle failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"confirmations", p.cfg.Confirmations,
		"max_block_range", p.cfg.MaxBlockRange,
	)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(StateStopped))
			p.releaseLease()
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	err := p.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		p.logger.Debug("previous cycle still running, skipping tick")
	case ctx.Err() != nil:
		p.logger.Info("sync cycle interrupted", "err", err)
	default:
		p.logger.Error("sync cycle failed", "err", err)
	}
}

// RunOnce performs a single sync cycle. Panics are recovered and returned as errors.
func (p *Poller) RunOnce(ctx context.Context) (err error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if p.State() == StateStopped {
			return ErrStopped
		}
		return ErrBusy
	}

	status := metrics.CycleError
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sync cycle panic: %v", rec)
			status = metrics.CyclePanic
		}
		p.metrics.Cycle(status)
		if ctx.Err() != nil {
			p.state.Store(int32(StateStopped))
			return
		}
		p.state.Store(int32(StateIdle))
	}()

	status, err = p.cycle(ctx)
	return err
}

func (p *Poller) cycle(ctx context.Context) (string, error) {
	ctx, span := p.tracer.Start(ctx, "indexer.cycle", trace.WithAttributes(
		attribute.String("contract", p.cfg.Contract),
	))
	defer span.End()

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return metrics.CycleError, err
	}

	if p.lease != nil {
		held, err := p.lease.Acquire(ctx)
		if err != nil {
			return fail(fmt.Errorf("acquire lease: %w", err))
		}
		if !held {
			p.logger.Info("lease held by another worker, standing by")
			return metrics.CycleStandby, nil
		}
	}

	cp, err := p.store.EnsureCheckpoint(ctx, p.cfg.Contract, p.cfg.Seed())
	if err != nil {
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}
	height, err := p.reader.CurrentHeight(ctx)
	if err != nil {
		return fail(fmt.Errorf("chain height: %w", err))
	}

	safe, _ := SafeHead(height, p.cfg.Confirmations)
	p.metrics.Progress(cp.LastProcessedBlock, safe)
	ranges := Plan(cp.LastProcessedBlock, height, p.cfg.Confirmations, p.cfg.MaxBlockRange)
	if len(ranges) == 0 {
		p.logger.Debug("up to date", "checkpoint", cp.LastProcessedBlock, "safe_head", safe)
		return metrics.CycleOK, nil
	}
	p.logger.Info("catching up",
		"checkpoint", cp.LastProcessedBlock, "safe_head", safe, "chunks", len(ranges))

	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if i > 0 && p.lease != nil {
			held, err := p.lease.Acquire(ctx)
			if err != nil {
				return fail(fmt.Errorf("renew lease: %w", err))
			}
			if !held {
				return fail(fmt.Errorf("before [%d,%d]: %w", r.From, r.To, ErrLeaseLost))
			}
		}
		report, err := p.dispatcher.DispatchChunk(ctx, r)
		if err != nil {
			return fail(fmt.Errorf("dispatch [%d,%d]: %w", r.From, r.To, err))
		}
		if report.Failed > 0 {
			p.logger.Warn("chunk incomplete, holding checkpoint",
				"from", r.From, "to", r.To, "checkpoint", r.From-1,
				"applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
			return fail(fmt.Errorf("dispatch [%d,%d]: %d events: %w", r.From, r.To, report.Failed, ErrChunkFailed))
		}
		if err := p.store.AdvanceCheckpoint(ctx, p.cfg.Contract, r.To); err != nil {
			return fail(fmt.Errorf("advance checkpoint to %d: %w", r.To, err))
		}
		p.metrics.Progress(r.To, safe)
		p.logger.Info("chunk processed",
			"from", r.From, "to", r.To,
			"applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	}
	return metrics.CycleOK, nil
}

func (p *Poller) releaseLease() {
	if p.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.lease.Release(ctx); err != nil {
		p.logger.Warn("release lease", "err", err)
	}
}
