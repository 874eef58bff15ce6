package match

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nettinglabs/cownet/pkg/book"
)

const venue = "ATOM-OSMO"

func ord(id, trader string, in, out int64, dir book.Direction, seq int64) *book.Order {
	return &book.Order{
		ID:         id,
		Trader:     trader,
		AmountIn:   in,
		AmountOut:  out,
		Direction:  dir,
		Venue:      venue,
		ObservedAt: seq,
	}
}

// newTestEngine uses a 100-unit target floor and a 50% fill threshold.
func newTestEngine() *Engine {
	return NewEngine(100, 5000, nil)
}

func mustInsert(t *testing.T, b *book.Book, orders ...*book.Order) {
	t.Helper()
	for _, o := range orders {
		require.NoError(t, b.Insert(o))
	}
}

func TestScanAggregatesCountersOnceThresholdMet(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	buy := ord("buy", "alice", 100, 60, book.AtoB, 1) // price 6000
	mustInsert(t, b, buy)
	require.Empty(t, e.Scan(b, nil))

	// 15 + 15 = 30% coverage, still below the 50% floor
	mustInsert(t, b,
		ord("s1", "bob", 15, 8, book.BtoA, 2),   // price 5333
		ord("s2", "carol", 15, 9, book.BtoA, 3)) // price 6000
	require.Empty(t, e.Scan(b, nil))

	// the third seller brings coverage to exactly 50%
	mustInsert(t, b, ord("s3", "dave", 20, 12, book.BtoA, 4))
	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)

	batch := batches[0]
	require.Equal(t, venue, batch.Venue)
	require.Equal(t, "buy", batch.Target.ID)
	require.Equal(t, []string{"buy", "s1", "s2", "s3"}, batch.OrderIDs())
	require.Equal(t, []int64{15, 15, 20}, batch.Usable)
	require.Equal(t, int64(50), batch.TotalMatched)
	require.Equal(t, Candidate, batch.State)

	// volume-weighted: (6000*100 + 5333*15 + 6000*15 + 6000*20) / 150
	require.True(t, decimal.RequireFromString("5933.3").Equal(batch.ClearingPrice),
		"clearing price %s", batch.ClearingPrice)
}

func TestScanClearingPriceIsVolumeWeighted(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	mustInsert(t, b,
		ord("buy", "alice", 200, 100, book.AtoB, 1), // price 5000
		ord("s1", "bob", 50, 20, book.BtoA, 2),      // price 4000
		ord("s2", "carol", 50, 25, book.BtoA, 3))    // price 5000

	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)

	// (5000*200 + 4000*50 + 5000*50) / 300, rounded to 8 fractional digits
	require.True(t, decimal.RequireFromString("4833.33333333").Equal(batches[0].ClearingPrice),
		"clearing price %s", batches[0].ClearingPrice)
}

func TestScanNeverOverfillsTarget(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	mustInsert(t, b,
		ord("buy", "alice", 100, 50, book.AtoB, 1),
		ord("s1", "bob", 60, 30, book.BtoA, 2),
		ord("s2", "carol", 60, 30, book.BtoA, 3))

	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)

	batch := batches[0]
	require.Equal(t, int64(100), batch.TotalMatched)
	// the second counter contributes only the remainder
	require.Equal(t, []int64{60, 40}, batch.Usable)
	var sum int64
	for _, u := range batch.Usable {
		sum += u
	}
	require.LessOrEqual(t, sum, batch.Target.AmountIn)
}

func TestScanExcludesSameTrader(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	// compatible prices, but both sides belong to alice
	mustInsert(t, b,
		ord("buy", "alice", 100, 60, book.AtoB, 1),
		ord("sell", "alice", 100, 55, book.BtoA, 2))

	require.Empty(t, e.Scan(b, nil))
}

func TestScanRequiresPriceCompatibility(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	// buyer pays 5000, seller asks 6000: no crossing
	mustInsert(t, b,
		ord("buy", "alice", 100, 50, book.AtoB, 1),
		ord("sell", "bob", 100, 60, book.BtoA, 2))

	require.Empty(t, e.Scan(b, nil))
}

func TestScanIgnoresSubMinimumTargets(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	// both below the 100-unit target floor, though they cross
	mustInsert(t, b,
		ord("buy", "alice", 50, 30, book.AtoB, 1),
		ord("sell", "bob", 50, 25, book.BtoA, 2))

	require.Empty(t, e.Scan(b, nil))
}

func TestScanSkipsPendingOrders(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	mustInsert(t, b,
		ord("buy", "alice", 100, 60, book.AtoB, 1),
		ord("s1", "bob", 60, 33, book.BtoA, 2),
		ord("s2", "carol", 60, 33, book.BtoA, 3))

	require.Len(t, e.Scan(b, nil), 1)

	pending := map[string]bool{"buy": true}
	require.Empty(t, e.Scan(b, func(id string) bool { return pending[id] }))

	// a pending counter is excluded but the rest may still cover the target
	pending = map[string]bool{"s1": true}
	batches := e.Scan(b, func(id string) bool { return pending[id] })
	require.Len(t, batches, 1)
	require.Equal(t, []string{"buy", "s2"}, batches[0].OrderIDs())
}

func TestScanSupplySideTarget(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)

	// a large seller covered by one buyer
	mustInsert(t, b,
		ord("sell", "alice", 120, 60, book.BtoA, 1), // price 5000
		ord("buy", "bob", 80, 48, book.AtoB, 2))     // price 6000

	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)
	require.Equal(t, "sell", batches[0].Target.ID)
	require.Equal(t, []int64{80}, batches[0].Usable)
	require.Equal(t, int64(80), batches[0].TotalMatched)
}

func TestScanIsDeterministic(t *testing.T) {
	e := newTestEngine()

	build := func() *Batch {
		b := book.New(venue)
		mustInsert(t, b,
			ord("buy", "alice", 100, 60, book.AtoB, 1),
			ord("s1", "bob", 30, 16, book.BtoA, 2),
			ord("s2", "carol", 30, 17, book.BtoA, 3))
		batches := e.Scan(b, nil)
		require.Len(t, batches, 1)
		return batches[0]
	}

	require.Equal(t, build().Hash(), build().Hash())
}

func TestBatchHashExcludesState(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)
	mustInsert(t, b,
		ord("buy", "alice", 100, 60, book.AtoB, 1),
		ord("s1", "bob", 60, 33, book.BtoA, 2))

	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)

	h := batches[0].Hash()
	batches[0].State = Settled
	require.Equal(t, h, batches[0].Hash())
}

func TestBatchHashCoversContents(t *testing.T) {
	base := &Batch{
		Venue:         venue,
		Target:        ord("buy", "alice", 100, 60, book.AtoB, 1),
		Counters:      []*book.Order{ord("s1", "bob", 60, 33, book.BtoA, 2)},
		Usable:        []int64{60},
		TotalMatched:  60,
		ClearingPrice: decimal.NewFromInt(5750),
	}
	h := base.Hash()

	tampered := *base
	tampered.Usable = []int64{59}
	tampered.TotalMatched = 59
	require.NotEqual(t, h, tampered.Hash())

	repriced := *base
	repriced.Usable = base.Usable
	repriced.TotalMatched = base.TotalMatched
	repriced.ClearingPrice = decimal.NewFromInt(5751)
	require.NotEqual(t, h, repriced.Hash())
}

func TestRecomputeClearingPriceMatchesEngine(t *testing.T) {
	e := newTestEngine()
	b := book.New(venue)
	mustInsert(t, b,
		ord("buy", "alice", 100, 60, book.AtoB, 1),
		ord("s1", "bob", 15, 8, book.BtoA, 2),
		ord("s2", "carol", 45, 26, book.BtoA, 3))

	batches := e.Scan(b, nil)
	require.Len(t, batches, 1)
	require.True(t, RecomputeClearingPrice(batches[0]).Equal(batches[0].ClearingPrice))
}
