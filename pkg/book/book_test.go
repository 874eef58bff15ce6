package book

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ord(id, trader string, in, out int64, dir Direction, seq int64) *Order {
	return &Order{
		ID:         id,
		Trader:     trader,
		AmountIn:   in,
		AmountOut:  out,
		Direction:  dir,
		Venue:      "ATOM-OSMO",
		ObservedAt: seq,
	}
}

func TestInsertSortsDemandByPriceDescending(t *testing.T) {
	b := New("ATOM-OSMO")

	require.NoError(t, b.Insert(ord("d1", "alice", 100, 50, AtoB, 1))) // price 5000
	require.NoError(t, b.Insert(ord("d2", "bob", 100, 70, AtoB, 2)))  // price 7000
	require.NoError(t, b.Insert(ord("d3", "carol", 100, 60, AtoB, 3))) // price 6000

	demand := b.OrdersOn(AtoB)
	require.Len(t, demand, 3)
	require.Equal(t, "d2", demand[0].ID)
	require.Equal(t, "d3", demand[1].ID)
	require.Equal(t, "d1", demand[2].ID)
}

func TestInsertSortsSupplyByPriceAscending(t *testing.T) {
	b := New("ATOM-OSMO")

	require.NoError(t, b.Insert(ord("s1", "alice", 100, 70, BtoA, 1)))
	require.NoError(t, b.Insert(ord("s2", "bob", 100, 50, BtoA, 2)))
	require.NoError(t, b.Insert(ord("s3", "carol", 100, 60, BtoA, 3)))

	supply := b.OrdersOn(BtoA)
	require.Len(t, supply, 3)
	require.Equal(t, "s2", supply[0].ID)
	require.Equal(t, "s3", supply[1].ID)
	require.Equal(t, "s1", supply[2].ID)
}

func TestInsertEqualPricesKeepArrivalOrder(t *testing.T) {
	b := New("ATOM-OSMO")

	require.NoError(t, b.Insert(ord("first", "alice", 100, 60, AtoB, 10)))
	require.NoError(t, b.Insert(ord("second", "bob", 50, 30, AtoB, 20))) // same price 6000
	require.NoError(t, b.Insert(ord("third", "carol", 200, 120, AtoB, 30)))

	demand := b.OrdersOn(AtoB)
	require.Equal(t, []string{"first", "second", "third"},
		[]string{demand[0].ID, demand[1].ID, demand[2].ID})
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	b := New("ATOM-OSMO")
	require.NoError(t, b.Insert(ord("o1", "alice", 100, 60, AtoB, 1)))

	err := b.Insert(ord("o1", "bob", 50, 30, BtoA, 2))
	require.Error(t, err)
	require.Equal(t, 1, b.Len())
}

func TestInsertRejectsWrongVenue(t *testing.T) {
	b := New("ATOM-OSMO")
	o := ord("o1", "alice", 100, 60, AtoB, 1)
	o.Venue = "ATOM-JUNO"
	require.Error(t, b.Insert(o))
	require.Equal(t, 0, b.Len())
}

func TestInsertRejectsInvalidOrders(t *testing.T) {
	b := New("ATOM-OSMO")

	cases := []*Order{
		ord("", "alice", 100, 60, AtoB, 1),
		ord("o1", "", 100, 60, AtoB, 1),
		ord("o2", "alice", 0, 60, AtoB, 1),
		ord("o3", "alice", -5, 60, AtoB, 1),
		ord("o4", "alice", 100, 0, AtoB, 1),
		{ID: "o5", Trader: "alice", AmountIn: 100, AmountOut: 60, Direction: Direction(7), Venue: "ATOM-OSMO"},
	}
	for _, o := range cases {
		require.Error(t, b.Insert(o), "order %q should be rejected", o.ID)
	}
	require.Equal(t, 0, b.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := New("ATOM-OSMO")
	require.NoError(t, b.Insert(ord("o1", "alice", 100, 60, AtoB, 1)))
	require.NoError(t, b.Insert(ord("o2", "bob", 100, 55, BtoA, 2)))

	b.Remove("o1")
	require.False(t, b.Has("o1"))
	require.Equal(t, 1, b.Len())

	// removing again, or removing an id never inserted, is a no-op
	b.Remove("o1")
	b.Remove("ghost")
	require.Equal(t, 1, b.Len())
	require.True(t, b.Has("o2"))
}

func TestSnapshotCopies(t *testing.T) {
	b := New("ATOM-OSMO")
	require.NoError(t, b.Insert(ord("d1", "alice", 100, 60, AtoB, 1)))
	require.NoError(t, b.Insert(ord("s1", "bob", 100, 55, BtoA, 2)))

	demand, supply := b.Snapshot()
	require.Len(t, demand, 1)
	require.Len(t, supply, 1)

	demand[0].AmountIn = 999
	require.Equal(t, int64(100), b.OrdersOn(AtoB)[0].AmountIn)
}

func TestPrice(t *testing.T) {
	require.Equal(t, int64(6000), ord("o", "t", 100, 60, AtoB, 1).Price())
	require.Equal(t, int64(10000), ord("o", "t", 50, 50, BtoA, 1).Price())
	require.Equal(t, int64(5333), ord("o", "t", 15, 8, BtoA, 1).Price()) // truncating fixed point

	zero := &Order{AmountIn: 0, AmountOut: 10}
	require.Equal(t, int64(0), zero.Price())
}

func TestDirectionOpposite(t *testing.T) {
	require.Equal(t, BtoA, AtoB.Opposite())
	require.Equal(t, AtoB, BtoA.Opposite())
	require.Equal(t, "AtoB", AtoB.String())
	require.Equal(t, "BtoA", BtoA.String())
}
