package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/crypto"
	"github.com/nettinglabs/cownet/pkg/match"
	"github.com/nettinglabs/cownet/pkg/quorum"
)

func init() {
	gob.Register(OrderWire{})
	gob.Register(TaskWire{})
	gob.Register(VoteWire{})
	gob.Register(SettlementWire{})
}

type OrderWire struct {
	ID         string
	Trader     string
	AmountIn   int64
	AmountOut  int64
	Direction  uint8
	Venue      string
	ObservedAt int64
}

func orderToWire(o *book.Order) OrderWire {
	return OrderWire{
		ID: o.ID, Trader: o.Trader,
		AmountIn: o.AmountIn, AmountOut: o.AmountOut,
		Direction: uint8(o.Direction), Venue: o.Venue,
		ObservedAt: o.ObservedAt,
	}
}

func (w OrderWire) toOrder() *book.Order {
	return &book.Order{
		ID: w.ID, Trader: w.Trader,
		AmountIn: w.AmountIn, AmountOut: w.AmountOut,
		Direction: book.Direction(w.Direction), Venue: w.Venue,
		ObservedAt: w.ObservedAt,
	}
}

// TaskWire announces a consensus task together with the full batch
// contents, so every operator can validate and vote independently.
type TaskWire struct {
	TaskID        string
	MatchHash     [32]byte
	Creator       [20]byte
	ThresholdPct  int
	Reward        int64
	Venue         string
	Target        OrderWire
	Counters      []OrderWire
	Usable        []int64
	TotalMatched  int64
	ClearingPrice string
}

// TaskAnnounce is the decoded, domain-level form handed to the engine.
type TaskAnnounce struct {
	TaskID       string
	MatchHash    common.Hash
	Creator      common.Address
	ThresholdPct int
	Reward       int64
	Batch        *match.Batch
}

func taskToWire(a TaskAnnounce) TaskWire {
	w := TaskWire{
		TaskID:        a.TaskID,
		MatchHash:     a.MatchHash,
		Creator:       a.Creator,
		ThresholdPct:  a.ThresholdPct,
		Reward:        a.Reward,
		Venue:         a.Batch.Venue,
		Target:        orderToWire(a.Batch.Target),
		Usable:        a.Batch.Usable,
		TotalMatched:  a.Batch.TotalMatched,
		ClearingPrice: a.Batch.ClearingPrice.String(),
	}
	for _, c := range a.Batch.Counters {
		w.Counters = append(w.Counters, orderToWire(c))
	}
	return w
}

func (w TaskWire) toAnnounce() (TaskAnnounce, error) {
	if len(w.Counters) != len(w.Usable) {
		return TaskAnnounce{}, fmt.Errorf("task %s: %d counters but %d usable amounts", w.TaskID, len(w.Counters), len(w.Usable))
	}
	price, err := decimal.NewFromString(w.ClearingPrice)
	if err != nil {
		return TaskAnnounce{}, fmt.Errorf("task %s: bad clearing price %q: %w", w.TaskID, w.ClearingPrice, err)
	}
	batch := &match.Batch{
		Venue:         w.Venue,
		Target:        w.Target.toOrder(),
		Usable:        w.Usable,
		TotalMatched:  w.TotalMatched,
		ClearingPrice: price,
		State:         match.Candidate,
	}
	for _, c := range w.Counters {
		batch.Counters = append(batch.Counters, c.toOrder())
	}
	return TaskAnnounce{
		TaskID:       w.TaskID,
		MatchHash:    common.Hash(w.MatchHash),
		Creator:      common.Address(w.Creator),
		ThresholdPct: w.ThresholdPct,
		Reward:       w.Reward,
		Batch:        batch,
	}, nil
}

type VoteWire struct {
	MatchHash [32]byte
	Operator  [20]byte
	Value     [32]byte
	Proof     []byte
	SigShare  []byte
}

func voteToWire(v quorum.Vote) VoteWire {
	return VoteWire{
		MatchHash: v.MatchHash,
		Operator:  v.Operator,
		Value:     v.Value,
		Proof:     v.Proof,
		SigShare:  v.SigShare,
	}
}

func (w VoteWire) toVote() quorum.Vote {
	return quorum.Vote{
		MatchHash: common.Hash(w.MatchHash),
		Operator:  common.Address(w.Operator),
		Value:     common.Hash(w.Value),
		Proof:     w.Proof,
		SigShare:  w.SigShare,
	}
}

// SettlementWire is the creator's notice that a consensus-approved batch
// was (or failed to be) recorded on the external ledger. Followers
// reconcile their books from it; the authoritative record is the ledger.
// Sig is the creator's signature over NoticeDigest, so a notice cannot be
// forged on behalf of another operator.
type SettlementWire struct {
	MatchHash [32]byte
	Creator   [20]byte
	OK        bool
	Sig       []byte
}

// SettlementNotice is the decoded form handed to the engine.
type SettlementNotice struct {
	MatchHash common.Hash
	Creator   common.Address
	OK        bool
	Sig       []byte
}

// noticeDomain keeps notice signatures from colliding with vote proofs.
var noticeDomain = []byte("cow-settlement-notice")

// NoticeDigest is the 32-byte message a settlement notice signs.
func NoticeDigest(matchHash common.Hash, ok bool) []byte {
	outcome := byte(0)
	if ok {
		outcome = 1
	}
	return crypto.Keccak256(noticeDomain, matchHash[:], []byte{outcome})
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
