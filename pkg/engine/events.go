package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/p2p"
	"github.com/nettinglabs/cownet/pkg/quorum"
)

// Event is one inbound notification for the ingestion loop. All mutation
// of the order books and task table happens by handling events on the
// loop's single goroutine, in arrival order.
type Event interface{ isEvent() }

// OrderEvent is an observed order from the origination channel. Delivery
// is at-least-once; duplicates are detected by order id and dropped.
type OrderEvent struct {
	Order book.Order
	// Gossip marks locally submitted orders that should be published to
	// the operator network once accepted.
	Gossip bool
}

// TaskEvent is another operator's task announcement.
type TaskEvent struct {
	Announce p2p.TaskAnnounce
}

// VoteEvent is an operator vote received from the network.
type VoteEvent struct {
	Vote quorum.Vote
}

// SettleResultEvent reports the outcome of this node's own ledger
// submission back into the loop.
type SettleResultEvent struct {
	MatchHash common.Hash
	Err       error
}

// SettleNoticeEvent is a creator's broadcast settlement outcome for a
// batch this node did not submit.
type SettleNoticeEvent struct {
	Notice p2p.SettlementNotice
}

// sweepEvent triggers a proactive pass over open task deadlines.
type sweepEvent struct{}

// queryEvent runs a read-only closure on the loop goroutine, giving the
// API a consistent view without sharing mutable state.
type queryEvent struct {
	fn   func(*Loop)
	done chan struct{}
}

func (OrderEvent) isEvent()        {}
func (TaskEvent) isEvent()         {}
func (VoteEvent) isEvent()         {}
func (SettleResultEvent) isEvent() {}
func (SettleNoticeEvent) isEvent() {}
func (sweepEvent) isEvent()        {}
func (queryEvent) isEvent()        {}
