package settle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/match"
)

type recordedCall struct {
	venue         string
	buyers        []string
	sellers       []string
	buyerAmounts  []int64
	sellerAmounts []int64
}

// fakeLedger fails the first failures calls, then succeeds.
type fakeLedger struct {
	mu       sync.Mutex
	failures int
	calls    []recordedCall
}

func (f *fakeLedger) RecordSettlement(_ context.Context, venue string, buyers, sellers []string, buyerAmounts, sellerAmounts []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{venue, buyers, sellers, buyerAmounts, sellerAmounts})
	if f.failures > 0 {
		f.failures--
		return errors.New("ledger unavailable")
	}
	return nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testBatch() *match.Batch {
	target := &book.Order{
		ID: "buy", Trader: "alice", AmountIn: 100, AmountOut: 60,
		Direction: book.AtoB, Venue: "ATOM-OSMO",
	}
	counters := []*book.Order{
		{ID: "s1", Trader: "bob", AmountIn: 15, AmountOut: 8, Direction: book.BtoA, Venue: "ATOM-OSMO"},
		{ID: "s2", Trader: "carol", AmountIn: 60, AmountOut: 33, Direction: book.BtoA, Venue: "ATOM-OSMO"},
	}
	return &match.Batch{
		Venue:         "ATOM-OSMO",
		Target:        target,
		Counters:      counters,
		Usable:        []int64{15, 45},
		TotalMatched:  60,
		ClearingPrice: decimal.NewFromInt(5800),
		State:         match.PendingConsensus,
	}
}

func TestSubmitRecordsAllLegs(t *testing.T) {
	ledger := &fakeLedger{}
	sub := NewSubmitter(ledger, 0, nil)

	require.NoError(t, sub.Submit(context.Background(), testBatch()))
	require.Equal(t, 1, ledger.callCount())

	call := ledger.calls[0]
	require.Equal(t, "ATOM-OSMO", call.venue)
	require.Equal(t, []string{"alice"}, call.buyers)
	require.Equal(t, []int64{100}, call.buyerAmounts)
	require.Equal(t, []string{"bob", "carol"}, call.sellers)
	// orders settle whole: full committed amounts, not the usable slices
	require.Equal(t, []int64{15, 60}, call.sellerAmounts)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	ledger := &fakeLedger{failures: 2}
	sub := NewSubmitter(ledger, 3, nil)

	require.NoError(t, sub.Submit(context.Background(), testBatch()))
	require.Equal(t, 3, ledger.callCount())
}

func TestSubmitGivesUpAfterMaxRetries(t *testing.T) {
	ledger := &fakeLedger{failures: 10}
	sub := NewSubmitter(ledger, 2, nil)

	err := sub.Submit(context.Background(), testBatch())
	require.Error(t, err)
	require.Equal(t, 3, ledger.callCount()) // initial attempt plus two retries
}

func TestSubmitStopsOnCancelledContext(t *testing.T) {
	ledger := &fakeLedger{failures: 10}
	sub := NewSubmitter(ledger, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sub.Submit(ctx, testBatch()))
	require.LessOrEqual(t, ledger.callCount(), 1)
}

func TestLegsGroupsByDirection(t *testing.T) {
	batch := testBatch()
	// supply-side target: the seller becomes the only seller leg
	batch.Target.Direction = book.BtoA
	for _, c := range batch.Counters {
		c.Direction = book.AtoB
	}

	venue, buyers, sellers, buyerAmounts, sellerAmounts := Legs(batch)
	require.Equal(t, "ATOM-OSMO", venue)
	require.Equal(t, []string{"alice"}, sellers)
	require.Equal(t, []int64{100}, sellerAmounts)
	require.Equal(t, []string{"bob", "carol"}, buyers)
	require.Equal(t, []int64{15, 60}, buyerAmounts)
}
