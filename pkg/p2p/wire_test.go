package p2p

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/match"
)

func wireBatch() *match.Batch {
	return &match.Batch{
		Venue: "ATOM-OSMO",
		Target: &book.Order{
			ID: "buy", Trader: "alice", AmountIn: 100, AmountOut: 60,
			Direction: book.AtoB, Venue: "ATOM-OSMO", ObservedAt: 1,
		},
		Counters: []*book.Order{
			{ID: "s1", Trader: "bob", AmountIn: 15, AmountOut: 8, Direction: book.BtoA, Venue: "ATOM-OSMO", ObservedAt: 2},
			{ID: "s2", Trader: "carol", AmountIn: 60, AmountOut: 33, Direction: book.BtoA, Venue: "ATOM-OSMO", ObservedAt: 3},
		},
		Usable:        []int64{15, 45},
		TotalMatched:  60,
		ClearingPrice: decimal.RequireFromString("5791.66666667"),
		State:         match.PendingConsensus,
	}
}

func TestTaskWirePreservesBatchIdentity(t *testing.T) {
	batch := wireBatch()
	announce := TaskAnnounce{
		TaskID:       "task-1",
		MatchHash:    batch.Hash(),
		Creator:      common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		ThresholdPct: 60,
		Reward:       900,
		Batch:        batch,
	}

	data, err := gobEncode(taskToWire(announce))
	require.NoError(t, err)

	var w TaskWire
	require.NoError(t, gobDecode(data, &w))
	decoded, err := w.toAnnounce()
	require.NoError(t, err)

	require.Equal(t, announce.TaskID, decoded.TaskID)
	require.Equal(t, announce.Creator, decoded.Creator)
	require.Equal(t, announce.ThresholdPct, decoded.ThresholdPct)

	// the recipient validates against the announced hash, so the decoded
	// batch must hash identically to the sender's
	require.Equal(t, announce.MatchHash, decoded.Batch.Hash())
	require.True(t, batch.ClearingPrice.Equal(decoded.Batch.ClearingPrice))
}

func TestTaskWireRejectsMalformedPayloads(t *testing.T) {
	w := taskToWire(TaskAnnounce{TaskID: "task-1", Batch: wireBatch()})

	short := w
	short.Usable = w.Usable[:1]
	_, err := short.toAnnounce()
	require.Error(t, err)

	badPrice := w
	badPrice.ClearingPrice = "not-a-number"
	_, err = badPrice.toAnnounce()
	require.Error(t, err)
}

func TestVoteWireRoundTrip(t *testing.T) {
	v := VoteWire{
		MatchHash: common.HexToHash("0x0a"),
		Operator:  common.HexToAddress("0xBB00000000000000000000000000000000000000"),
		Value:     common.HexToHash("0x0b"),
		Proof:     []byte{1, 2, 3},
	}
	decoded := voteToWire(v.toVote())
	require.Equal(t, v, decoded)
}
