package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/native/escrow"
	"escrowledger/native/fees"
	"escrowledger/storage"
)

var (
	alice    = [20]byte{0xA1}
	bob      = [20]byte{0xB0}
	carol    = [20]byte{0xC0}
	treasury = [20]byte{0xFE}
)

type manualClock struct {
	mu  sync.Mutex
	now int64
}

func (c *manualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d int64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

type failingBatchDB struct {
	*storage.MemDB
	fail bool
}

type failingBatch struct {
	storage.Batch
	db *failingBatchDB
}

func (b failingBatch) Write() error {
	if b.db.fail {
		return errors.New("disk full")
	}
	return b.Batch.Write()
}

func (db *failingBatchDB) NewBatch() storage.Batch {
	return failingBatch{Batch: db.MemDB.NewBatch(), db: db}
}

func newTestNode(t *testing.T, db storage.Database, opts ...Option) (*Node, *events.Recorder, *manualClock) {
	t.Helper()
	rec := &events.Recorder{}
	clock := &manualClock{now: 1_700_000_000}
	base := []Option{WithEmitter(rec), WithClock(clock), WithFeePolicy(fees.DefaultPolicy(treasury))}
	node, err := NewNode(db, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, fund(node, alice, 100_000_000))
	return node, rec, clock
}

func fund(node *Node, addr [20]byte, amount uint64) error {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	return newStateManager(node.db).Credit(addr, amount)
}

func snapshot(t *testing.T, db storage.Database) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, db.Iterate(nil, func(k, v []byte) bool {
		out[string(k)] = string(v)
		return true
	}))
	return out
}

func eventTypes(rec *events.Recorder) []string {
	var out []string
	for _, evt := range rec.Events() {
		out = append(out, evt.Type)
	}
	return out
}

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	defer db.Close()
	node, rec, clock := newTestNode(t, db)

	created, err := node.EscrowCreate(ctx, alice, bob, 10_000_000, "audit", 4200, &carol)
	require.NoError(t, err)
	require.Equal(t, uint64(1), created.ID)

	_, err = node.EscrowRefund(ctx, created.ID, alice)
	require.ErrorIs(t, err, escrow.ErrTimelockActive)

	left, err := node.EscrowTimeUntilUnlock(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(4200), left)

	clock.Advance(4200)
	ok, err := node.EscrowCanRefund(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)

	settlement, err := node.EscrowRefund(ctx, created.ID, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), settlement.Net)
	require.Zero(t, settlement.Fee)

	bal, err := node.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), bal.Uint64())

	second, err := node.EscrowCreate(ctx, alice, bob, 20_000_000, "", 0, &carol)
	require.NoError(t, err)
	_, err = node.EscrowRaiseDispute(ctx, second.ID, bob, "missing files")
	require.NoError(t, err)
	_, err = node.EscrowResolveDispute(ctx, second.ID, carol, "files delivered", true)
	require.NoError(t, err)

	stats, err := node.EscrowTotalStats(ctx)
	require.NoError(t, err)
	require.Equal(t, fees.Stats{Escrows: 2, Volume: 30_000_000, Completed: 2, FeesCollected: 100_000}, stats)

	supply, err := node.Supply(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), supply.Uint64())

	require.Equal(t, []string{
		escrow.EventTypeEscrowCreated,
		escrow.EventTypeEscrowRefunded,
		escrow.EventTypeEscrowCreated,
		escrow.EventTypeEscrowDisputed,
		escrow.EventTypeEscrowResolved,
	}, eventTypes(rec))

	mine, err := node.EscrowListByParty(ctx, carol, 0, 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	count, err := node.EscrowCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestNodeFailedOperationLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	defer db.Close()
	node, rec, _ := newTestNode(t, db)

	created, err := node.EscrowCreate(ctx, alice, bob, 1_000_000, "", 0, nil)
	require.NoError(t, err)
	before := snapshot(t, db)
	emitted := len(rec.Events())

	_, err = node.EscrowCreate(ctx, carol, bob, 5, "", 0, nil)
	require.ErrorIs(t, err, escrow.ErrTransferFailed)
	_, err = node.EscrowPartialRelease(ctx, created.ID, alice, 2_000_000)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	_, err = node.EscrowRelease(ctx, created.ID, bob)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	require.Equal(t, before, snapshot(t, db))
	require.Len(t, rec.Events(), emitted)
}

func TestNodeCommitFailureDropsEvents(t *testing.T) {
	ctx := context.Background()
	db := &failingBatchDB{MemDB: storage.NewMemDB()}
	node, rec, _ := newTestNode(t, db)

	db.fail = true
	_, err := node.EscrowCreate(ctx, alice, bob, 1_000, "", 0, nil)
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, rec.Events())

	db.fail = false
	created, err := node.EscrowCreate(ctx, alice, bob, 1_000, "", 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), created.ID)
}

func TestNodeRejectsCancelledContext(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _, _ := newTestNode(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := node.EscrowCreate(ctx, alice, bob, 1_000, "", 0, nil)
	require.ErrorIs(t, err, context.Canceled)
	_, err = node.EscrowCount(ctx)
	require.ErrorIs(t, err, context.Canceled)

	count, err := node.EscrowCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestNodeConcurrentCreatesAssignDenseIDs(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	defer db.Close()
	node, _, _ := newTestNode(t, db)

	const workers = 16
	ids := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			esc, err := node.EscrowCreate(ctx, alice, bob, uint64(1_000+i), "", 0, nil)
			if err == nil {
				ids[i] = esc.ID
			}
		}(i)
	}
	wg.Wait()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id)
	}
	stats, err := node.EscrowTotalStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(workers), stats.Escrows)
}

func TestNodeRejectsInvalidFeePolicy(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	_, err := NewNode(db, WithFeePolicy(fees.Policy{FeeBps: 50}))
	require.Error(t, err)
	_, err = NewNode(nil)
	require.Error(t, err)
}

func TestNodeStrictArbiterOption(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _, _ := newTestNode(t, db, WithStrictArbiter(true))
	_, err := node.EscrowCreate(context.Background(), alice, bob, 1_000, "", 0, &bob)
	require.ErrorIs(t, err, escrow.ErrInvalidArbiter)
}

func TestMonotonicClock(t *testing.T) {
	times := []time.Time{time.Unix(100, 0), time.Unix(90, 0), time.Unix(101, 0)}
	i := 0
	clock := NewMonotonicClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	})
	require.Equal(t, int64(100), clock.Now())
	require.Equal(t, int64(100), clock.Now())
	require.Equal(t, int64(101), clock.Now())
}
