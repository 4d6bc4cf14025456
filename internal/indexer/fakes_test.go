package indexer

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/storage"
	"github.com/stretchr/testify/require"
)

const testContract = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

type fakeReader struct {
	mu          sync.Mutex
	height      uint64
	logs        map[chain.EventType][]chain.Envelope
	failLogs    map[chain.EventType]error
	times       map[uint64]time.Time
	txBlocks    map[string]uint64
	panicHeight bool
	logCalls    []chain.EventType
}

func newFakeReader(height uint64) *fakeReader {
	return &fakeReader{
		height:   height,
		logs:     map[chain.EventType][]chain.Envelope{},
		failLogs: map[chain.EventType]error{},
		times:    map[uint64]time.Time{},
		txBlocks: map[string]uint64{},
	}
}

func (f *fakeReader) add(envs ...chain.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range envs {
		f.logs[e.EventType] = append(f.logs[e.EventType], e)
		f.txBlocks[e.TxHash] = e.BlockNumber
	}
}

func (f *fakeReader) setHeight(h uint64) {
	f.mu.Lock()
	f.height = h
	f.mu.Unlock()
}

func (f *fakeReader) CurrentHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicHeight {
		panic("node returned garbage")
	}
	return f.height, nil
}

func (f *fakeReader) BlockTimestamp(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.times[number]
	if !ok {
		return time.Time{}, fmt.Errorf("block %d: %w", number, chain.ErrNotFound)
	}
	return ts, nil
}

func (f *fakeReader) Transaction(_ context.Context, hash string) (chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.txBlocks[hash]
	if !ok {
		return chain.TxInfo{}, fmt.Errorf("tx %s: %w", hash, chain.ErrNotFound)
	}
	return chain.TxInfo{Hash: hash, BlockNumber: block}, nil
}

func (f *fakeReader) Logs(_ context.Context, eventType chain.EventType, from, to uint64) ([]chain.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls = append(f.logCalls, eventType)
	if err := f.failLogs[eventType]; err != nil {
		return nil, err
	}
	var out []chain.Envelope
	for _, e := range f.logs[eventType] {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].BlockNumber == out[b].BlockNumber {
			return out[a].LogIndex < out[b].LogIndex
		}
		return out[a].BlockNumber < out[b].BlockNumber
	})
	return out, nil
}

func envelope(eventType chain.EventType, txHash string, block uint64, index uint) chain.Envelope {
	campaign := uint64(1)
	return chain.Envelope{
		EventType:   eventType,
		TxHash:      txHash,
		BlockNumber: block,
		LogIndex:    index,
		Contract:    testContract,
		CampaignID:  &campaign,
		Fields: map[string]any{
			"campaignId": big.NewInt(1),
			"amount":     big.NewInt(100),
		},
	}
}

// recorder is a handler that remembers every invocation.
type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (r *recorder) Handle(_ context.Context, _ *Unit, env chain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, fmt.Sprintf("%s@%d/%d:%s", env.EventType, env.BlockNumber, env.LogIndex, env.TxHash))
	if err := r.fail[env.TxHash]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func handlersFor(t *testing.T, h Handler, types ...chain.EventType) *Handlers {
	t.Helper()
	hs := NewHandlers()
	for _, et := range types {
		require.NoError(t, hs.Register(et, h))
	}
	return hs
}

type harness struct {
	store      *storage.Store
	reader     *fakeReader
	dispatcher *Dispatcher
	poller     *Poller
}

func newHarness(t *testing.T, reader *fakeReader, h Handler, cfg Config, types ...chain.EventType) *harness {
	t.Helper()
	if len(types) == 0 {
		types = chain.DefaultOrder
	}
	store := newTestStore(t)
	d, err := NewDispatcher(store, reader, testContract, chain.DefaultOrder, handlersFor(t, h, types...), Options{})
	require.NoError(t, err)
	if cfg.Contract == "" {
		cfg.Contract = testContract
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	p, err := NewPoller(cfg, store, reader, d, Options{})
	require.NoError(t, err)
	return &harness{store: store, reader: reader, dispatcher: d, poller: p}
}

func (h *harness) checkpoint(t *testing.T) uint64 {
	t.Helper()
	cp, ok, err := h.store.GetCheckpoint(context.Background(), testContract)
	require.NoError(t, err)
	require.True(t, ok, "checkpoint missing")
	return cp.LastProcessedBlock
}
