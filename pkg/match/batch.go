package match

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/crypto"
)

// BatchState tracks a batch from candidate to terminal outcome.
type BatchState uint8

const (
	Candidate BatchState = iota
	PendingConsensus
	Settled
	Rejected
	Expired
)

func (s BatchState) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case PendingConsensus:
		return "pending_consensus"
	case Settled:
		return "settled"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Batch is one candidate pairing: a target order filled by counter-orders
// from the opposite side. Usable[i] is the slice of Counters[i].AmountIn
// that was counted toward the target; the whole counter-order still settles
// (see the whole-order settlement policy in DESIGN.md).
type Batch struct {
	Venue         string
	Target        *book.Order
	Counters      []*book.Order
	Usable        []int64
	TotalMatched  int64
	ClearingPrice decimal.Decimal
	State         BatchState
}

// OrderIDs returns the ids of every participating order, target first.
func (b *Batch) OrderIDs() []string {
	ids := make([]string, 0, len(b.Counters)+1)
	ids = append(ids, b.Target.ID)
	for _, c := range b.Counters {
		ids = append(ids, c.ID)
	}
	return ids
}

// Hash derives the batch's content identity. Two batches with the same
// venue, target, counter sequence, usable amounts and clearing price hash
// identically no matter which operator built them; state is excluded.
func (b *Batch) Hash() common.Hash {
	var buf []byte
	buf = appendStr(buf, b.Venue)
	buf = appendOrder(buf, b.Target)
	for i, c := range b.Counters {
		buf = appendOrder(buf, c)
		buf = appendInt(buf, b.Usable[i])
	}
	buf = appendInt(buf, b.TotalMatched)
	buf = appendStr(buf, b.ClearingPrice.String())
	return common.BytesToHash(crypto.Keccak256(buf))
}

func appendStr(buf []byte, s string) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func appendInt(buf []byte, v int64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(v))
	return append(buf, n[:]...)
}

func appendOrder(buf []byte, o *book.Order) []byte {
	buf = appendStr(buf, o.ID)
	buf = appendStr(buf, o.Trader)
	buf = appendInt(buf, o.AmountIn)
	buf = appendInt(buf, o.AmountOut)
	buf = append(buf, byte(o.Direction))
	return buf
}
