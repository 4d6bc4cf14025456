package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/storage"
)

// Handler applies the side effects of one event. It must perform every write
// through unit.Tx so the effects commit or roll back together with the ledger entry.
type Handler interface {
	Handle(ctx context.Context, unit *Unit, env chain.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, unit *Unit, env chain.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, unit *Unit, env chain.Envelope) error {
	return f(ctx, unit, env)
}

// Unit is the unit of work handed to a handler.
type Unit struct {
	Tx     *storage.Tx
	Reader chain.Reader
}

// BlockTime resolves the timestamp of the block that mined env's transaction.
func (u *Unit) BlockTime(ctx context.Context, env chain.Envelope) (time.Time, error) {
	block := env.BlockNumber
	info, err := u.Reader.Transaction(ctx, env.TxHash)
	switch {
	case err == nil:
		block = info.BlockNumber
	case errors.Is(err, chain.ErrNotFound):
		// fall back to the block the log was emitted in
	default:
		return time.Time{}, err
	}
	ts, err := u.Reader.BlockTimestamp(ctx, block)
	if err != nil {
		return time.Time{}, fmt.Errorf("block time for %s: %w", env.TxHash, err)
	}
	return ts, nil
}

// Handlers maps event types to their handler.
type Handlers struct {
	byType map[chain.EventType]Handler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{byType: map[chain.EventType]Handler{}}
}

// Register binds h to eventType. Registering a type twice is an error.
func (hs *Handlers) Register(eventType chain.EventType, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", eventType)
	}
	if _, exists := hs.byType[eventType]; exists {
		return fmt.Errorf("handler for %s already registered", eventType)
	}
	hs.byType[eventType] = h
	return nil
}

// Lookup returns the handler for eventType.
func (hs *Handlers) Lookup(eventType chain.EventType) (Handler, bool) {
	h, ok := hs.byType[eventType]
	return h, ok
}

// Len reports how many event types have a handler.
func (hs *Handlers) Len() int { return len(hs.byType) }
