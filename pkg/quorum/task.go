package quorum

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nettinglabs/cownet/pkg/crypto"
)

// TaskState is the per-task consensus state machine: Open until either a
// quorum agrees (Consensus) or the response window passes (Expired).
type TaskState uint8

const (
	Open TaskState = iota
	Consensus
	ExpiredTask
)

func (s TaskState) String() string {
	switch s {
	case Open:
		return "open"
	case Consensus:
		return "consensus"
	case ExpiredTask:
		return "expired"
	}
	return "unknown"
}

// Vote is one operator's signed verdict on a task. Value is a hash of the
// deterministic validation outcome, so honest operators observing the same
// state produce byte-identical values. Proof is a secp256k1 signature over
// VoteDigest; SigShare is an optional BLS share over the value, aggregated
// into the consensus certificate when the vote wins.
type Vote struct {
	MatchHash common.Hash
	Operator  common.Address
	Value     common.Hash
	Proof     []byte
	SigShare  []byte
}

// VoteDigest is the 32-byte message a vote proof signs.
func VoteDigest(matchHash, value common.Hash) []byte {
	return crypto.Keccak256(matchHash[:], value[:])
}

// Task wraps one match batch for operator consensus. At most one
// non-expired Task exists per MatchHash at a time.
type Task struct {
	ID        string
	MatchHash common.Hash
	Creator   common.Address
	// ThresholdPct is the quorum threshold, 51..100: the percentage of
	// active operators that must respond, and of responders that must
	// agree on one value.
	ThresholdPct int
	Reward       int64
	CreatedAt    time.Time
	Deadline     time.Time
	State        TaskState

	// one vote per operator, idempotent
	Responses map[common.Address]common.Hash
	shares    map[common.Address][]byte

	// set when State == Consensus
	Winning     common.Hash
	Winners     []common.Address
	Certificate []byte
}

func (t *Task) respond(v Vote) {
	t.Responses[v.Operator] = v.Value
	if len(v.SigShare) > 0 {
		t.shares[v.Operator] = v.SigShare
	}
}
