package quorum

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nettinglabs/cownet/pkg/crypto"
)

// Operator is the read-only view of one registered operator. Staking and
// slashing bookkeeping live outside this core; the set is consulted only
// to gate vote eligibility and to look up BLS keys for certificates.
type Operator struct {
	Addr    common.Address
	Stake   int64
	Slashed bool
	BLSPub  *crypto.BLSPubKey
}

// OperatorSet indexes operators by address.
type OperatorSet struct {
	minStake int64
	ops      map[common.Address]*Operator
}

func NewOperatorSet(minStake int64) *OperatorSet {
	return &OperatorSet{
		minStake: minStake,
		ops:      make(map[common.Address]*Operator),
	}
}

func (s *OperatorSet) Add(op *Operator) { s.ops[op.Addr] = op }

func (s *OperatorSet) Get(addr common.Address) (*Operator, bool) {
	op, ok := s.ops[addr]
	return op, ok
}

// Eligible reports whether addr may vote: registered, not slashed, and
// staked at or above the minimum.
func (s *OperatorSet) Eligible(addr common.Address) bool {
	op, ok := s.ops[addr]
	return ok && !op.Slashed && op.Stake >= s.minStake
}

// ActiveCount is the number of operators counted toward quorum
// participation.
func (s *OperatorSet) ActiveCount() int {
	n := 0
	for _, op := range s.ops {
		if !op.Slashed && op.Stake >= s.minStake {
			n++
		}
	}
	return n
}

// Addresses returns all registered addresses in deterministic order.
func (s *OperatorSet) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.ops))
	for addr := range s.ops {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}
