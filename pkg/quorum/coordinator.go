package quorum

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/crypto"
	"github.com/nettinglabs/cownet/pkg/util"
)

var (
	ErrTaskExists    = errors.New("open task exists for match hash")
	ErrUnknownTask   = errors.New("unknown task")
	ErrTaskExpired   = errors.New("task expired")
	ErrTaskClosed    = errors.New("task already reached consensus")
	ErrIneligible    = errors.New("operator not eligible to vote")
	ErrDuplicateVote = errors.New("operator already voted")
	ErrBadProof      = errors.New("vote proof does not verify")
	ErrBadThreshold  = errors.New("quorum threshold must be 51..100")
)

// Outcome reports the result of a tally after an accepted vote.
type Outcome struct {
	Reached     bool
	Value       common.Hash
	Winners     []common.Address
	Certificate []byte
	RewardEach  int64
}

// Coordinator owns the task table and runs stake-gated, time-bounded
// quorum voting over match batches. It is not goroutine safe: like the
// order book it is driven only from the engine's ingestion loop.
type Coordinator struct {
	ops    *OperatorSet
	clock  util.Clock
	window time.Duration
	reward int64
	log    *zap.SugaredLogger

	tasks map[common.Hash]*Task
	// accrued rewards per operator, reported to the caller for persistence
	rewards map[common.Address]int64
}

func NewCoordinator(ops *OperatorSet, clock util.Clock, window time.Duration, reward int64, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		ops:     ops,
		clock:   clock,
		window:  window,
		reward:  reward,
		log:     log,
		tasks:   make(map[common.Hash]*Task),
		rewards: make(map[common.Address]int64),
	}
}

// CreateTask opens a consensus task for a match hash, escrowing the
// configured reward. A second candidate with the same content hash is
// rejected while an open task exists: first task wins.
func (c *Coordinator) CreateTask(matchHash common.Hash, creator common.Address, thresholdPct int) (*Task, error) {
	if thresholdPct < 51 || thresholdPct > 100 {
		return nil, fmt.Errorf("%w: %d", ErrBadThreshold, thresholdPct)
	}
	if t, ok := c.tasks[matchHash]; ok {
		c.expireIfDue(t)
		if t.State == Open {
			return nil, ErrTaskExists
		}
		if t.State == Consensus {
			return nil, ErrTaskClosed
		}
		// expired tasks are terminal; the batch was discarded, so a
		// fresh identical candidate may open a new task
	}

	now := c.clock.Now()
	t := &Task{
		ID:           uuid.NewString(),
		MatchHash:    matchHash,
		Creator:      creator,
		ThresholdPct: thresholdPct,
		Reward:       c.reward,
		CreatedAt:    now,
		Deadline:     now.Add(c.window),
		State:        Open,
		Responses:    make(map[common.Address]common.Hash),
		shares:       make(map[common.Address][]byte),
	}
	c.tasks[matchHash] = t
	if c.log != nil {
		c.log.Infow("task_open",
			"task", t.ID, "match", matchHash.Hex(),
			"threshold_pct", thresholdPct, "deadline", t.Deadline)
	}
	return t, nil
}

func (c *Coordinator) Task(matchHash common.Hash) (*Task, bool) {
	t, ok := c.tasks[matchHash]
	return t, ok
}

// Tasks returns every known task, newest first.
func (c *Coordinator) Tasks() []*Task {
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SubmitVote validates and records a vote, then re-tallies. Rejected
// votes leave the task untouched; the returned Outcome is only meaningful
// when err is nil.
func (c *Coordinator) SubmitVote(v Vote) (Outcome, error) {
	t, ok := c.tasks[v.MatchHash]
	if !ok {
		return Outcome{}, ErrUnknownTask
	}
	c.expireIfDue(t)
	switch t.State {
	case ExpiredTask:
		return Outcome{}, ErrTaskExpired
	case Consensus:
		return Outcome{}, ErrTaskClosed
	}
	if !c.ops.Eligible(v.Operator) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrIneligible, v.Operator.Hex())
	}
	if _, voted := t.Responses[v.Operator]; voted {
		return Outcome{}, fmt.Errorf("%w: %s", ErrDuplicateVote, v.Operator.Hex())
	}
	if !crypto.VerifySignature(v.Operator, VoteDigest(v.MatchHash, v.Value), v.Proof) {
		return Outcome{}, ErrBadProof
	}

	// a share that does not verify against the operator's registered BLS
	// key is dropped so it cannot poison the aggregate certificate; the
	// vote itself still counts
	if len(v.SigShare) > 0 {
		op, _ := c.ops.Get(v.Operator)
		if op == nil || op.BLSPub == nil || !crypto.BLSVerify(op.BLSPub, v.SigShare, v.Value[:]) {
			if c.log != nil {
				c.log.Warnw("vote_share_dropped",
					"task", t.ID, "operator", v.Operator.Hex())
			}
			v.SigShare = nil
		}
	}

	t.respond(v)
	if c.log != nil {
		c.log.Debugw("vote_accepted",
			"task", t.ID, "operator", v.Operator.Hex(),
			"value", v.Value.Hex(), "responses", len(t.Responses))
	}
	return c.tally(t), nil
}

// tally runs the quorum check over the collected responses. The outcome
// depends only on the response set, never on arrival order: counts are
// commutative and ties break on the lexicographically smallest value.
func (c *Coordinator) tally(t *Task) Outcome {
	active := c.ops.ActiveCount()
	if active == 0 {
		return Outcome{}
	}
	if len(t.Responses)*100 < active*t.ThresholdPct {
		return Outcome{}
	}

	counts := make(map[common.Hash]int)
	for _, val := range t.Responses {
		counts[val]++
	}
	var winning common.Hash
	max := 0
	for val, n := range counts {
		if n > max || (n == max && bytes.Compare(val[:], winning[:]) < 0) {
			winning, max = val, n
		}
	}
	if max*100 < len(t.Responses)*t.ThresholdPct {
		return Outcome{}
	}

	t.State = Consensus
	t.Winning = winning
	t.Winners = t.Winners[:0]
	for addr, val := range t.Responses {
		if val == winning {
			t.Winners = append(t.Winners, addr)
		}
	}
	sort.Slice(t.Winners, func(i, j int) bool {
		return t.Winners[i].Cmp(t.Winners[j]) < 0
	})

	// Even reward split among winning voters; integer remainder stays
	// escrowed rather than being assigned arbitrarily.
	each := int64(0)
	if len(t.Winners) > 0 {
		each = t.Reward / int64(len(t.Winners))
	}
	shares := make([][]byte, 0, len(t.Winners))
	for _, addr := range t.Winners {
		c.rewards[addr] += each
		if sh, ok := t.shares[addr]; ok {
			shares = append(shares, sh)
		}
	}
	t.Certificate = crypto.BLSAggregate(shares)

	if c.log != nil {
		c.log.Infow("consensus_reached",
			"task", t.ID, "match", t.MatchHash.Hex(),
			"value", winning.Hex(), "winners", len(t.Winners),
			"responses", len(t.Responses), "active", active,
			"reward_each", each)
	}
	return Outcome{
		Reached:     true,
		Value:       winning,
		Winners:     append([]common.Address(nil), t.Winners...),
		Certificate: t.Certificate,
		RewardEach:  each,
	}
}

func (c *Coordinator) expireIfDue(t *Task) {
	if t.State == Open && c.clock.Now().After(t.Deadline) {
		t.State = ExpiredTask
		if c.log != nil {
			c.log.Infow("task_expired", "task", t.ID, "match", t.MatchHash.Hex(),
				"responses", len(t.Responses))
		}
	}
}

// ExpireDue sweeps open tasks whose deadline has passed and returns them.
// An expired task can never transition to Consensus afterwards.
func (c *Coordinator) ExpireDue() []*Task {
	var expired []*Task
	for _, t := range c.tasks {
		if t.State != Open {
			continue
		}
		c.expireIfDue(t)
		if t.State == ExpiredTask {
			expired = append(expired, t)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired
}

// Drop forgets a task, releasing its match hash for future candidates.
// Used after settlement concludes a task's lifecycle.
func (c *Coordinator) Drop(matchHash common.Hash) {
	delete(c.tasks, matchHash)
}

// Prune forgets terminal tasks older than retention so the table stays
// bounded. Open tasks are never pruned. Returns the number removed.
func (c *Coordinator) Prune(retention time.Duration) int {
	cutoff := c.clock.Now().Add(-retention)
	n := 0
	for h, t := range c.tasks {
		if t.State != Open && t.CreatedAt.Before(cutoff) {
			delete(c.tasks, h)
			n++
		}
	}
	return n
}

// Rewards returns the accrued reward balance of one operator.
func (c *Coordinator) Rewards(addr common.Address) int64 {
	return c.rewards[addr]
}
