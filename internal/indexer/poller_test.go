package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/stretchr/testify/require"
)

func TestPollerEndToEnd(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(envelope(chain.InvestmentReceived, "0xaa", 5, 0))
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12})
	ctx := context.Background()

	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Equal(t, []string{"InvestmentReceived@5/0:0xaa"}, rec.calls())

	// nothing new: no handler call, checkpoint unchanged
	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Len(t, rec.calls(), 1)

	reader.setHeight(40)
	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(28), h.checkpoint(t))
	require.Len(t, rec.calls(), 1)
	require.Equal(t, StateIdle, h.poller.State())
}

func TestPollerSeedsFromDeploymentBlock(t *testing.T) {
	reader := newFakeReader(100)
	h := newHarness(t, reader, &recorder{}, Config{DeploymentBlock: 200})

	require.NoError(t, h.poller.RunOnce(context.Background()))
	require.Equal(t, uint64(199), h.checkpoint(t), "seed must not move while chain is behind deployment")
	require.Equal(t, uint64(0), Config{}.Seed())
}

func TestPollerChunksBacklog(t *testing.T) {
	reader := newFakeReader(250)
	reader.add(
		envelope(chain.InvestmentReceived, "0x01", 120, 0),
		envelope(chain.InvestmentReceived, "0x02", 180, 0),
		envelope(chain.InvestmentReceived, "0x03", 238, 0),
		envelope(chain.InvestmentReceived, "0x04", 239, 0),
	)
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 101, Confirmations: 12, MaxBlockRange: 50})

	require.NoError(t, h.poller.RunOnce(context.Background()))
	require.Equal(t, uint64(238), h.checkpoint(t))
	require.Len(t, rec.calls(), 3, "event past the safe head must wait")
}

func TestPollerDoesNotAdvanceOnReadError(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(
		envelope(chain.InvestmentReceived, "0xaa", 5, 0),
		envelope(chain.VoteCast, "0xbb", 6, 0),
	)
	rpcErr := errors.New("rpc timeout")
	reader.failLogs[chain.VoteCast] = rpcErr
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12})
	ctx := context.Background()

	err := h.poller.RunOnce(ctx)
	require.ErrorIs(t, err, rpcErr)
	require.Equal(t, uint64(0), h.checkpoint(t))
	require.Equal(t, StateIdle, h.poller.State())

	reader.mu.Lock()
	delete(reader.failLogs, chain.VoteCast)
	reader.mu.Unlock()

	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Equal(t, []string{
		"InvestmentReceived@5/0:0xaa",
		"VoteCast@6/0:0xbb",
	}, rec.calls())
}

func TestPollerDoesNotAdvancePastFailingChunk(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(
		envelope(chain.InvestmentReceived, "0xaa", 5, 0),
		envelope(chain.VoteCast, "0xbb", 9, 0),
	)
	sinkDown := errors.New("sink unavailable")
	rec := &recorder{fail: map[string]error{"0xaa": sinkDown, "0xbb": sinkDown}}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12})
	ctx := context.Background()

	err := h.poller.RunOnce(ctx)
	require.ErrorIs(t, err, ErrChunkFailed)
	require.Equal(t, uint64(0), h.checkpoint(t))
	require.Equal(t, StateIdle, h.poller.State())
	failures, err := h.store.ListFailures(ctx, testContract, 0)
	require.NoError(t, err)
	require.Len(t, failures, 2)

	// still failing: rescanned, attempts grow, checkpoint held
	require.ErrorIs(t, h.poller.RunOnce(ctx), ErrChunkFailed)
	require.Equal(t, uint64(0), h.checkpoint(t))
	require.Len(t, rec.calls(), 4)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Len(t, rec.calls(), 6)
	failures, err = h.store.ListFailures(ctx, testContract, 0)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestPollerHoldsCheckpointBelowFailingChunk(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(
		envelope(chain.InvestmentReceived, "0x01", 5, 0),
		envelope(chain.InvestmentReceived, "0x02", 15, 0),
	)
	rec := &recorder{fail: map[string]error{"0x02": errors.New("boom")}}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12, MaxBlockRange: 10})
	ctx := context.Background()

	require.ErrorIs(t, h.poller.RunOnce(ctx), ErrChunkFailed)
	require.Equal(t, uint64(10), h.checkpoint(t), "completed chunk advances, failing one does not")

	require.ErrorIs(t, h.poller.RunOnce(ctx), ErrChunkFailed)
	require.Equal(t, uint64(10), h.checkpoint(t))
	failures, err := h.store.ListFailures(ctx, testContract, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, 2, failures[0].Attempts)

	rec.mu.Lock()
	delete(rec.fail, "0x02")
	rec.mu.Unlock()

	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Equal(t, []string{
		"InvestmentReceived@5/0:0x01",
		"InvestmentReceived@15/0:0x02",
		"InvestmentReceived@15/0:0x02",
		"InvestmentReceived@15/0:0x02",
	}, rec.calls())
}

func TestPollerRecoversAfterCrashBeforeCheckpoint(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(envelope(chain.InvestmentReceived, "0xaa", 5, 0))
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12})
	ctx := context.Background()

	// 0xaa committed, process dies before the checkpoint write
	_, err := h.dispatcher.DispatchChunk(ctx, Range{From: 1, To: 17})
	require.NoError(t, err)
	_, ok, err := h.store.GetCheckpoint(ctx, testContract)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.poller.RunOnce(ctx))
	require.Equal(t, uint64(17), h.checkpoint(t))
	require.Len(t, rec.calls(), 1)
}

func TestPollerStopsOnCancellation(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(
		envelope(chain.InvestmentReceived, "0xaa", 5, 0),
		envelope(chain.InvestmentReceived, "0xbb", 6, 0),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	h := newHarness(t, reader, HandlerFunc(func(context.Context, *Unit, chain.Envelope) error {
		calls++
		cancel()
		return nil
	}), Config{DeploymentBlock: 1, Confirmations: 12}, chain.InvestmentReceived)

	err := h.poller.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls, "no event may start after cancellation")
	require.Equal(t, StateStopped, h.poller.State())
	require.Equal(t, uint64(0), h.checkpoint(t))

	require.ErrorIs(t, h.poller.RunOnce(context.Background()), ErrStopped)
}

func TestPollerSkipsOverlappingCycle(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(envelope(chain.InvestmentReceived, "0xaa", 5, 0))
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, reader, HandlerFunc(func(context.Context, *Unit, chain.Envelope) error {
		close(entered)
		<-release
		return nil
	}), Config{DeploymentBlock: 1, Confirmations: 12}, chain.InvestmentReceived)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = h.poller.RunOnce(context.Background())
	}()

	<-entered
	require.Equal(t, StateRunning, h.poller.State())
	require.ErrorIs(t, h.poller.RunOnce(context.Background()), ErrBusy)
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.Equal(t, uint64(17), h.checkpoint(t))
}

func TestPollerRecoversPanicAtCycleBoundary(t *testing.T) {
	reader := newFakeReader(29)
	reader.panicHeight = true
	h := newHarness(t, reader, &recorder{}, Config{DeploymentBlock: 1, Confirmations: 12})

	err := h.poller.RunOnce(context.Background())
	require.ErrorContains(t, err, "panic")
	require.Equal(t, StateIdle, h.poller.State())

	reader.mu.Lock()
	reader.panicHeight = false
	reader.mu.Unlock()
	require.NoError(t, h.poller.RunOnce(context.Background()))
	require.Equal(t, uint64(17), h.checkpoint(t))
}

type fakeLease struct {
	held bool
	// grants, when set, is how many acquisitions succeed before the lease is lost.
	grants   int
	acquires int
	released bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	l.acquires++
	if l.grants > 0 && l.acquires > l.grants {
		return false, nil
	}
	return l.held, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.released = true
	return nil
}

func TestPollerStandsByWithoutLease(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(envelope(chain.InvestmentReceived, "0xaa", 5, 0))
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12})
	lease := &fakeLease{}
	h.poller.lease = lease

	require.NoError(t, h.poller.RunOnce(context.Background()))
	require.Empty(t, rec.calls())
	_, ok, err := h.store.GetCheckpoint(context.Background(), testContract)
	require.NoError(t, err)
	require.False(t, ok)

	lease.held = true
	require.NoError(t, h.poller.RunOnce(context.Background()))
	require.Len(t, rec.calls(), 1)
	require.Equal(t, 2, lease.acquires)
}

func TestPollerRunUntilCancelled(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(envelope(chain.InvestmentReceived, "0xaa", 5, 0))
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12, Interval: 10 * time.Millisecond})
	lease := &fakeLease{held: true}
	h.poller.lease = lease

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		cp, ok, err := h.store.GetCheckpoint(context.Background(), testContract)
		return err == nil && ok && cp.LastProcessedBlock == 17
	}, 2*time.Second, 10*time.Millisecond)

	reader.setHeight(35)
	require.Eventually(t, func() bool {
		cp, ok, err := h.store.GetCheckpoint(context.Background(), testContract)
		return err == nil && ok && cp.LastProcessedBlock == 23
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	require.Equal(t, StateStopped, h.poller.State())
	require.True(t, lease.released)
	require.Len(t, rec.calls(), 1)
}

func TestPollerStopsWhenLeaseLostMidCycle(t *testing.T) {
	reader := newFakeReader(29)
	reader.add(
		envelope(chain.InvestmentReceived, "0x01", 5, 0),
		envelope(chain.InvestmentReceived, "0x02", 15, 0),
	)
	rec := &recorder{}
	h := newHarness(t, reader, rec, Config{DeploymentBlock: 1, Confirmations: 12, MaxBlockRange: 10})
	lease := &fakeLease{held: true, grants: 1}
	h.poller.lease = lease

	err := h.poller.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrLeaseLost)
	require.Equal(t, 2, lease.acquires, "lease renewed before the second chunk")
	require.Equal(t, uint64(10), h.checkpoint(t))
	require.Equal(t, []string{"InvestmentReceived@5/0:0x01"}, rec.calls())
	require.Equal(t, StateIdle, h.poller.State())
}
