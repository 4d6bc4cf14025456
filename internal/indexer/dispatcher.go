package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/metrics"
	"github.com/devblac/chainsync/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chainsync/indexer"

// Options carries optional collaborators shared by the dispatcher and poller.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Lease is only consulted by the poller.
	Lease Lease
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ChunkReport summarizes one dispatched range.
type ChunkReport struct {
	Range   Range
	Applied int
	Skipped int
	Failed  int
}

// Dispatcher applies every tracked event in a block range exactly once.
type Dispatcher struct {
	store    *storage.Store
	reader   chain.Reader
	contract string
	order    []chain.EventType
	handlers *Handlers
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewDispatcher builds a dispatcher that walks event types in order, skipping
// types without a registered handler.
func NewDispatcher(store *storage.Store, reader chain.Reader, contract string, order []chain.EventType, handlers *Handlers, opts Options) (*Dispatcher, error) {
	if store == nil || reader == nil {
		return nil, errors.New("store and reader are required")
	}
	if handlers == nil || handlers.Len() == 0 {
		return nil, errors.New("at least one handler is required")
	}
	return &Dispatcher{
		store:    store,
		reader:   reader,
		contract: contract,
		order:    append([]chain.EventType(nil), order...),
		handlers: handlers,
		logger:   opts.logger().With("component", "dispatcher"),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// DispatchChunk processes r one event type at a time in priority order, and
// within a type in (block, log index) order. Handler and decoding failures are
// isolated to their event and counted in the report; a read or transaction
// failure aborts the chunk and is returned.
func (d *Dispatcher) DispatchChunk(ctx context.Context, r Range) (ChunkReport, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "indexer.dispatch_chunk", trace.WithAttributes(
		attribute.Int64("range.from", int64(r.From)),
		attribute.Int64("range.to", int64(r.To)),
	))
	defer span.End()
	defer func() { d.metrics.ObserveChunk(time.Since(start)) }()

	report := ChunkReport{Range: r}
	for _, eventType := range d.order {
		h, ok := d.handlers.Lookup(eventType)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		envs, err := d.reader.Logs(ctx, eventType, r.From, r.To)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("fetch %s logs: %w", eventType, err)
		}

		for _, env := range envs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			status, err := d.dispatchEvent(ctx, h, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return report, err
			}
			d.metrics.Event(string(eventType), status)
			switch status {
			case metrics.EventApplied:
				report.Applied++
			case metrics.EventSkipped:
				report.Skipped++
			case metrics.EventFailed:
				report.Failed++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("events.applied", report.Applied),
		attribute.Int("events.skipped", report.Skipped),
		attribute.Int("events.failed", report.Failed),
	)
	return report, nil
}

// dispatchEvent returns the event outcome. A non-nil error means the chunk
// cannot continue (store unavailable or context cancelled).
func (d *Dispatcher) dispatchEvent(ctx context.Context, h Handler, env chain.Envelope) (string, error) {
	done, err := d.store.IsProcessed(ctx, env.TxHash, string(env.EventType))
	if err != nil {
		return "", fmt.Errorf("ledger lookup %s/%s: %w", env.TxHash, env.EventType, err)
	}
	if done {
		d.logger.Debug("event already processed",
			"event_type", env.EventType, "tx_hash", env.TxHash, "block", env.BlockNumber)
		return metrics.EventSkipped, nil
	}

	ctx, span := d.tracer.Start(ctx, "indexer.apply_event", trace.WithAttributes(
		attribute.String("event.type", string(env.EventType)),
		attribute.String("tx.hash", env.TxHash),
		attribute.Int64("block.number", int64(env.BlockNumber)),
		attribute.Int64("log.index", int64(env.LogIndex)),
	))
	defer span.End()

	applyErr := d.apply(ctx, h, env)
	if applyErr == nil {
		d.logger.Info("event applied",
			"event_type", env.EventType, "tx_hash", env.TxHash, "block", env.BlockNumber)
		return metrics.EventApplied, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(applyErr, storage.ErrTxUnavailable) {
		return "", fmt.Errorf("apply %s/%s: %w", env.TxHash, env.EventType, applyErr)
	}

	span.RecordError(applyErr)
	span.SetStatus(codes.Error, applyErr.Error())
	d.logger.Error("event failed",
		"event_type", env.EventType, "tx_hash", env.TxHash, "block", env.BlockNumber, "err", applyErr)

	if err := d.store.RecordFailure(ctx, storage.EventFailure{
		TransactionHash: env.TxHash,
		EventType:       string(env.EventType),
		ContractAddress: d.contract,
		BlockNumber:     env.BlockNumber,
		LastError:       applyErr.Error(),
	}); err != nil {
		d.logger.Warn("record failure", "tx_hash", env.TxHash, "err", err)
	}
	return metrics.EventFailed, nil
}

func (d *Dispatcher) apply(ctx context.Context, h Handler, env chain.Envelope) error {
	if env.DecodeErr != nil {
		return fmt.Errorf("decode: %w", env.DecodeErr)
	}
	payload, err := env.Payload()
	if err != nil {
		return err
	}

	return d.store.WithTx(ctx, func(tx *storage.Tx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()

		if err := h.Handle(ctx, &Unit{Tx: tx, Reader: d.reader}, env); err != nil {
			return err
		}
		if err := tx.RecordProcessed(ctx, storage.ProcessedEvent{
			TransactionHash: env.TxHash,
			EventType:       string(env.EventType),
			ContractAddress: d.contract,
			BlockNumber:     env.BlockNumber,
			LogIndex:        uint64(env.LogIndex),
			CampaignID:      env.CampaignID,
			EventData:       payload,
		}); err != nil {
			return err
		}
		return tx.ClearFailure(ctx, env.TxHash, string(env.EventType))
	})
}
