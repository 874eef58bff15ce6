package storage

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeenOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)

	seen, err := s.SeenOrder("order-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkOrder("order-1"))

	seen, err = s.SeenOrder("order-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = s.SeenOrder("order-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSettlementJournal(t *testing.T) {
	s := newTestStore(t)

	recs, err := s.ListSettlements(10)
	require.NoError(t, err)
	require.Empty(t, recs)

	rec := SettlementRecord{
		MatchHash:     common.HexToHash("0x0b").Hex(),
		Venue:         "ATOM-OSMO",
		Buyers:        []string{"alice"},
		Sellers:       []string{"bob", "carol"},
		BuyerAmounts:  []int64{100},
		SellerAmounts: []int64{15, 60},
		ClearingPrice: "5933.3",
		SettledAt:     time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, s.SaveSettlement(common.HexToHash("0x0b"), rec))
	require.NoError(t, s.SaveSettlement(common.HexToHash("0x0c"), SettlementRecord{
		MatchHash: common.HexToHash("0x0c").Hex(),
		Venue:     "ATOM-JUNO",
	}))

	recs, err = s.ListSettlements(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, rec, recs[0])

	recs, err = s.ListSettlements(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestRewardAccumulates(t *testing.T) {
	s := newTestStore(t)
	addr := common.HexToAddress("0xAA00000000000000000000000000000000000000")

	bal, err := s.Reward(addr)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal)

	require.NoError(t, s.AddReward(addr, 300))
	require.NoError(t, s.AddReward(addr, 150))

	bal, err = s.Reward(addr)
	require.NoError(t, err)
	require.Equal(t, int64(450), bal)

	other, err := s.Reward(common.HexToAddress("0xBB00000000000000000000000000000000000000"))
	require.NoError(t, err)
	require.Equal(t, int64(0), other)
}
