package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/crypto"
	"github.com/nettinglabs/cownet/pkg/match"
	"github.com/nettinglabs/cownet/pkg/metrics"
	"github.com/nettinglabs/cownet/pkg/p2p"
	"github.com/nettinglabs/cownet/pkg/quorum"
	"github.com/nettinglabs/cownet/pkg/settle"
	"github.com/nettinglabs/cownet/pkg/storage"
)

// Network is the outward-facing slice of the operator network the loop
// uses. Publishing is non-blocking relative to the loop: gossipsub queues
// the message and delivery happens off-thread.
type Network interface {
	PublishOrder(ctx context.Context, o *book.Order) error
	PublishTask(ctx context.Context, a p2p.TaskAnnounce) error
	PublishVote(ctx context.Context, v quorum.Vote) error
	PublishSettlement(ctx context.Context, s p2p.SettlementNotice) error
}

// EventSink receives loop lifecycle notifications (task opened, consensus,
// settlement) for the API's live stream.
type EventSink func(kind string, payload any)

type Config struct {
	Venues           []string
	ThresholdPct     int
	FillThresholdBps int64
	QueueSize        int
	SweepInterval    time.Duration

	Matcher     *match.Engine
	Coordinator *quorum.Coordinator
	Operators   *quorum.OperatorSet
	Submitter   *settle.Submitter
	Net         Network
	Store       *storage.Store
	Signer      *crypto.Signer
	BLS         *crypto.BLSSigner
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
	OnEvent     EventSink
}

// Loop is the process-wide driver: it owns the order books, the pending
// batch table and, through the coordinator, the task table. Every mutation
// flows through Run's single goroutine in arrival order, so no component
// ever locks matching state.
type Loop struct {
	cfg Config

	books   map[string]*book.Book
	matcher *match.Engine
	coord   *quorum.Coordinator
	ops     *quorum.OperatorSet
	sub     *settle.Submitter
	net     Network
	store   *storage.Store
	signer  *crypto.Signer
	bls     *crypto.BLSSigner
	met     *metrics.Metrics
	log     *zap.SugaredLogger
	sink    EventSink

	events chan Event
	seq    int64

	// order id -> match hash of the batch holding it pending consensus
	pending map[string]common.Hash
	// match hash -> batch contents (own candidates and announced tasks)
	batches map[common.Hash]*match.Batch
	// creators of tasks this node opened itself
	ownTasks map[common.Hash]bool
	// seen order ids, process-lifetime mirror of the persisted index
	seen map[string]bool
	// votes that arrived before their task announcement
	earlyVotes map[common.Hash]*earlyStash

	runCtx context.Context
}

// earlyStash buffers votes whose task announcement has not arrived yet;
// gossip gives no cross-topic ordering. Stashes for hashes that never get
// announced are evicted by the sweep.
type earlyStash struct {
	votes []quorum.Vote
	since time.Time
}

const (
	// per match hash and across hashes, bounds on buffered early votes
	maxEarlyVotes   = 64
	maxEarlyStashes = 256
	earlyVoteTTL    = time.Minute
	// terminal tasks stay queryable this long before the sweep prunes them
	taskRetention = time.Hour
	// in-memory mirror of the persisted seen-order index
	maxSeenCache = 1 << 16
)

func NewLoop(cfg Config) *Loop {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	l := &Loop{
		cfg:        cfg,
		books:      make(map[string]*book.Book, len(cfg.Venues)),
		matcher:    cfg.Matcher,
		coord:      cfg.Coordinator,
		ops:        cfg.Operators,
		sub:        cfg.Submitter,
		net:        cfg.Net,
		store:      cfg.Store,
		signer:     cfg.Signer,
		bls:        cfg.BLS,
		met:        cfg.Metrics,
		log:        cfg.Logger,
		sink:       cfg.OnEvent,
		events:     make(chan Event, cfg.QueueSize),
		pending:    make(map[string]common.Hash),
		batches:    make(map[common.Hash]*match.Batch),
		ownTasks:   make(map[common.Hash]bool),
		seen:       make(map[string]bool),
		earlyVotes: make(map[common.Hash]*earlyStash),
	}
	for _, v := range cfg.Venues {
		l.books[v] = book.New(v)
	}
	return l
}

// SetEventSink installs the lifecycle event sink. Must be called before
// Run.
func (l *Loop) SetEventSink(s EventSink) { l.sink = s }

// Run processes events until ctx is cancelled. Errors local to one order
// or task are contained; Run only returns on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.runCtx = ctx

	interval := l.cfg.SweepInterval
	if interval == 0 {
		interval = time.Second
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			l.handleSweep()
		case ev := <-l.events:
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	switch e := ev.(type) {
	case OrderEvent:
		l.handleOrder(e.Order, e.Gossip)
	case TaskEvent:
		l.handleTask(e.Announce)
	case VoteEvent:
		l.handleVote(e.Vote, true)
	case SettleResultEvent:
		l.handleSettleResult(e.MatchHash, e.Err)
	case SettleNoticeEvent:
		l.handleSettleNotice(e.Notice)
	case sweepEvent:
		l.handleSweep()
	case queryEvent:
		e.fn(l)
		close(e.done)
	}
}

// ---- inbound entry points (safe from any goroutine) ----

// SubmitOrder ingests a locally submitted order and gossips it to the
// other operators once accepted.
func (l *Loop) SubmitOrder(o book.Order) {
	l.events <- OrderEvent{Order: o, Gossip: true}
}

// IngestOrder ingests an order observed on the origination channel.
func (l *Loop) IngestOrder(o book.Order) {
	l.events <- OrderEvent{Order: o}
}

func (l *Loop) IngestTask(a p2p.TaskAnnounce) {
	l.events <- TaskEvent{Announce: a}
}

func (l *Loop) IngestVote(v quorum.Vote) {
	l.events <- VoteEvent{Vote: v}
}

func (l *Loop) IngestSettlement(n p2p.SettlementNotice) {
	l.events <- SettleNoticeEvent{Notice: n}
}

// View runs fn on the loop goroutine, giving it a consistent read of the
// books and task table without any locking.
func (l *Loop) View(ctx context.Context, fn func(*Loop)) error {
	q := queryEvent{fn: fn, done: make(chan struct{})}
	select {
	case l.events <- q:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- read accessors (loop goroutine only, via View) ----

func (l *Loop) Venues() []string {
	out := make([]string, 0, len(l.books))
	for v := range l.books {
		out = append(out, v)
	}
	return out
}

func (l *Loop) Book(venue string) (*book.Book, bool) {
	b, ok := l.books[venue]
	return b, ok
}

func (l *Loop) Coordinator() *quorum.Coordinator { return l.coord }

func (l *Loop) Batch(h common.Hash) (*match.Batch, bool) {
	b, ok := l.batches[h]
	return b, ok
}

// ---- order handling ----

func (l *Loop) handleOrder(o book.Order, gossip bool) {
	b, ok := l.books[o.Venue]
	if !ok {
		l.countMalformed()
		l.log.Warnw("order_unknown_venue", "order", o.ID, "venue", o.Venue)
		return
	}
	if l.isDuplicate(o.ID) {
		if l.met != nil {
			l.met.OrdersDuplicate.Inc()
		}
		l.log.Debugw("order_duplicate", "order", o.ID)
		return
	}
	if o.ObservedAt == 0 {
		l.seq++
		o.ObservedAt = l.seq
	} else if o.ObservedAt > l.seq {
		l.seq = o.ObservedAt
	}

	order := o
	if err := b.Insert(&order); err != nil {
		l.countMalformed()
		l.log.Warnw("order_rejected", "order", o.ID, "err", err)
		return
	}
	l.markSeen(o.ID)
	if l.met != nil {
		l.met.OrdersIngested.Inc()
		l.met.BookDepth.WithLabelValues(o.Venue).Set(float64(b.Len()))
	}
	l.log.Infow("order_ingested",
		"order", o.ID, "venue", o.Venue, "direction", o.Direction.String(),
		"amount_in", o.AmountIn, "price", order.Price())

	if gossip && l.net != nil {
		if err := l.net.PublishOrder(l.runCtx, &order); err != nil {
			l.log.Warnw("order_gossip_failed", "order", o.ID, "err", err)
		}
	}

	l.scanVenue(b)
}

func (l *Loop) isDuplicate(id string) bool {
	if l.seen[id] {
		return true
	}
	if l.store != nil {
		if ok, err := l.store.SeenOrder(id); err == nil && ok {
			return true
		}
	}
	return false
}

func (l *Loop) markSeen(id string) {
	if l.store != nil && len(l.seen) >= maxSeenCache {
		// the persisted index keeps absorbing duplicates; only the
		// in-memory mirror resets
		l.seen = make(map[string]bool)
	}
	l.seen[id] = true
	if l.store != nil {
		if err := l.store.MarkOrder(id); err != nil {
			l.log.Warnw("order_mark_failed", "order", id, "err", err)
		}
	}
}

func (l *Loop) countMalformed() {
	if l.met != nil {
		l.met.OrdersMalformed.Inc()
	}
}

// scanVenue runs the matching engine and escalates each candidate batch to
// a consensus task. Candidates touching orders already pending consensus
// are skipped by the engine; a candidate whose hash collides with an open
// task loses to it.
func (l *Loop) scanVenue(b *book.Book) {
	batches := l.matcher.Scan(b, func(id string) bool {
		_, pending := l.pending[id]
		return pending
	})
	for _, batch := range batches {
		l.propose(batch)
	}
}

func (l *Loop) propose(batch *match.Batch) {
	// the scan skips pending orders, but two batches from one scan can
	// still overlap; first task wins
	for _, id := range batch.OrderIDs() {
		if _, pending := l.pending[id]; pending {
			return
		}
	}

	h := batch.Hash()
	task, err := l.coord.CreateTask(h, l.signer.Address(), l.cfg.ThresholdPct)
	if err != nil {
		l.log.Debugw("task_not_opened", "match", h.Hex(), "err", err)
		return
	}
	batch.State = match.PendingConsensus
	l.batches[h] = batch
	l.ownTasks[h] = true
	l.markPending(batch, h)
	if l.met != nil {
		l.met.BatchesProposed.Inc()
	}
	l.emit("task_open", map[string]any{
		"task":      task.ID,
		"match":     h.Hex(),
		"venue":     batch.Venue,
		"target":    batch.Target.ID,
		"counters":  len(batch.Counters),
		"threshold": task.ThresholdPct,
	})

	if l.net != nil {
		a := p2p.TaskAnnounce{
			TaskID:       task.ID,
			MatchHash:    h,
			Creator:      l.signer.Address(),
			ThresholdPct: task.ThresholdPct,
			Reward:       task.Reward,
			Batch:        batch,
		}
		if err := l.net.PublishTask(l.runCtx, a); err != nil {
			l.log.Warnw("task_publish_failed", "match", h.Hex(), "err", err)
		}
	}

	l.castVote(h, batch)
	l.replayEarlyVotes(h)
}

// ---- task handling (announced by other operators) ----

func (l *Loop) handleTask(a p2p.TaskAnnounce) {
	if a.Creator == l.signer.Address() {
		return // own announcement echoed back by gossip
	}
	if a.Batch.Hash() != a.MatchHash {
		l.log.Warnw("task_hash_mismatch", "task", a.TaskID, "claimed", a.MatchHash.Hex())
		return
	}

	_, err := l.coord.CreateTask(a.MatchHash, a.Creator, a.ThresholdPct)
	switch {
	case err == nil:
	case errors.Is(err, quorum.ErrTaskExists):
		// already tracked, keep the existing record
	default:
		l.log.Warnw("task_rejected", "task", a.TaskID, "err", err)
		return
	}

	if _, ok := l.batches[a.MatchHash]; !ok {
		a.Batch.State = match.PendingConsensus
		l.batches[a.MatchHash] = a.Batch
		l.markPending(a.Batch, a.MatchHash)
	}
	l.emit("task_observed", map[string]any{
		"task":    a.TaskID,
		"match":   a.MatchHash.Hex(),
		"creator": a.Creator.Hex(),
	})

	l.castVote(a.MatchHash, a.Batch)
	l.replayEarlyVotes(a.MatchHash)
}

func (l *Loop) markPending(batch *match.Batch, h common.Hash) {
	for _, id := range batch.OrderIDs() {
		l.pending[id] = h
	}
}

func (l *Loop) clearPending(batch *match.Batch, h common.Hash) {
	for _, id := range batch.OrderIDs() {
		if l.pending[id] == h {
			delete(l.pending, id)
		}
	}
}

// castVote validates the batch deterministically, signs the outcome and
// submits it both locally and to the network.
func (l *Loop) castVote(h common.Hash, batch *match.Batch) {
	if !l.ops.Eligible(l.signer.Address()) {
		return
	}
	value := voteValue(h, l.validateBatch(batch))
	proof, err := l.signer.Sign(quorum.VoteDigest(h, value))
	if err != nil {
		l.log.Errorw("vote_sign_failed", "match", h.Hex(), "err", err)
		return
	}
	v := quorum.Vote{
		MatchHash: h,
		Operator:  l.signer.Address(),
		Value:     value,
		Proof:     proof,
	}
	if l.bls != nil {
		v.SigShare = l.bls.Sign(value[:])
	}
	l.handleVote(v, false)
	if l.net != nil {
		if err := l.net.PublishVote(l.runCtx, v); err != nil {
			l.log.Warnw("vote_publish_failed", "match", h.Hex(), "err", err)
		}
	}
}

// validateBatch re-derives the batch from its own contents. It depends
// only on those contents and on shared policy constants, so every honest
// operator produces the same verdict and therefore the same vote value.
func (l *Loop) validateBatch(batch *match.Batch) bool {
	if err := batch.Target.Validate(); err != nil {
		return false
	}
	if len(batch.Counters) == 0 || len(batch.Counters) != len(batch.Usable) {
		return false
	}
	var total int64
	for i, c := range batch.Counters {
		if err := c.Validate(); err != nil {
			return false
		}
		if c.Venue != batch.Target.Venue || c.Venue != batch.Venue {
			return false
		}
		if c.Direction != batch.Target.Direction.Opposite() {
			return false
		}
		if c.Trader == batch.Target.Trader {
			return false
		}
		if !priceCompatible(batch.Target, c) {
			return false
		}
		if batch.Usable[i] <= 0 || batch.Usable[i] > c.AmountIn {
			return false
		}
		total += batch.Usable[i]
	}
	if total != batch.TotalMatched || total > batch.Target.AmountIn {
		return false
	}
	if total*book.PriceBasis < batch.Target.AmountIn*l.cfg.FillThresholdBps {
		return false
	}
	return match.RecomputeClearingPrice(batch).Equal(batch.ClearingPrice)
}

func priceCompatible(a, b *book.Order) bool {
	buy, sell := a, b
	if a.Direction == book.BtoA {
		buy, sell = b, a
	}
	return buy.Price() >= sell.Price()
}

// voteValue hashes the validation outcome. Two operators agreeing must
// produce byte-identical values for the same observed batch.
func voteValue(matchHash common.Hash, valid bool) common.Hash {
	outcome := byte(0)
	if valid {
		outcome = 1
	}
	return common.BytesToHash(crypto.Keccak256(matchHash[:], []byte{outcome}))
}

// ---- vote handling ----

func (l *Loop) handleVote(v quorum.Vote, fromNetwork bool) {
	if fromNetwork && v.Operator == l.signer.Address() {
		return // own vote echoed back
	}
	outcome, err := l.coord.SubmitVote(v)
	if err != nil {
		if errors.Is(err, quorum.ErrUnknownTask) {
			l.stashEarlyVote(v)
			return
		}
		if l.met != nil {
			l.met.VotesRejected.Inc()
		}
		l.log.Debugw("vote_rejected", "match", v.MatchHash.Hex(),
			"operator", v.Operator.Hex(), "err", err)
		return
	}
	if outcome.Reached {
		l.handleConsensus(v.MatchHash, outcome)
	}
}

func (l *Loop) stashEarlyVote(v quorum.Vote) {
	s := l.earlyVotes[v.MatchHash]
	if s == nil {
		if len(l.earlyVotes) >= maxEarlyStashes {
			return
		}
		s = &earlyStash{since: time.Now()}
		l.earlyVotes[v.MatchHash] = s
	}
	if len(s.votes) >= maxEarlyVotes {
		return
	}
	s.votes = append(s.votes, v)
}

func (l *Loop) replayEarlyVotes(h common.Hash) {
	s := l.earlyVotes[h]
	if s == nil {
		return
	}
	delete(l.earlyVotes, h)
	for _, v := range s.votes {
		l.handleVote(v, true)
	}
}

func (l *Loop) handleConsensus(h common.Hash, outcome quorum.Outcome) {
	if l.met != nil {
		l.met.ConsensusReached.Inc()
	}
	if l.store != nil && outcome.RewardEach > 0 {
		for _, w := range outcome.Winners {
			if err := l.store.AddReward(w, outcome.RewardEach); err != nil {
				l.log.Warnw("reward_persist_failed", "operator", w.Hex(), "err", err)
			}
		}
	}
	l.emit("consensus", map[string]any{
		"match":   h.Hex(),
		"value":   outcome.Value.Hex(),
		"winners": len(outcome.Winners),
	})

	batch, ok := l.batches[h]
	if !ok {
		return
	}

	if outcome.Value != voteValue(h, true) {
		// operators agreed the batch is invalid
		batch.State = match.Rejected
		l.clearPending(batch, h)
		delete(l.batches, h)
		l.log.Infow("batch_rejected", "match", h.Hex())
		return
	}

	if !l.ownTasks[h] {
		// the creator submits settlement; we reconcile on its notice
		return
	}
	l.log.Infow("settlement_submitting", "match", h.Hex(), "venue", batch.Venue)
	go func(b *match.Batch) {
		err := l.sub.Submit(l.runCtx, b)
		select {
		case l.events <- SettleResultEvent{MatchHash: h, Err: err}:
		case <-l.runCtx.Done():
		}
	}(batch)
}

// ---- settlement reconciliation ----

func (l *Loop) handleSettleResult(h common.Hash, submitErr error) {
	batch, ok := l.batches[h]
	if !ok {
		return
	}
	if submitErr != nil {
		// no partial settlement state: the book is left untouched and
		// the orders become matchable again
		if l.met != nil {
			l.met.Settlements.WithLabelValues("failure").Inc()
		}
		l.log.Errorw("settlement_abandoned", "match", h.Hex(), "err", submitErr)
		l.clearPending(batch, h)
		delete(l.batches, h)
		delete(l.ownTasks, h)
		l.coord.Drop(h)
		l.notifySettlement(h, false)
		l.emit("settlement_failed", map[string]any{"match": h.Hex()})
		return
	}
	l.finalizeSettled(h, batch)
	l.notifySettlement(h, true)
}

func (l *Loop) handleSettleNotice(n p2p.SettlementNotice) {
	if n.Creator == l.signer.Address() {
		return
	}
	batch, ok := l.batches[n.MatchHash]
	if !ok {
		return
	}
	if l.ownTasks[n.MatchHash] {
		return // we submit our own tasks; ignore foreign claims on them
	}
	// only the recorded creator of a task that actually reached consensus
	// may conclude it, and it must prove authorship; anything else would
	// let an arbitrary peer clear orders that never settled
	task, ok := l.coord.Task(n.MatchHash)
	if !ok || task.State != quorum.Consensus || task.Creator != n.Creator {
		l.log.Warnw("settlement_notice_rejected",
			"match", n.MatchHash.Hex(), "creator", n.Creator.Hex())
		return
	}
	if !crypto.VerifySignature(n.Creator, p2p.NoticeDigest(n.MatchHash, n.OK), n.Sig) {
		l.log.Warnw("settlement_notice_bad_sig",
			"match", n.MatchHash.Hex(), "creator", n.Creator.Hex())
		return
	}
	if !n.OK {
		l.clearPending(batch, n.MatchHash)
		delete(l.batches, n.MatchHash)
		l.coord.Drop(n.MatchHash)
		return
	}
	l.finalizeSettled(n.MatchHash, batch)
}

// finalizeSettled removes every participating order from the book, exactly
// once settlement is confirmed, and journals the record.
func (l *Loop) finalizeSettled(h common.Hash, batch *match.Batch) {
	b := l.books[batch.Venue]
	for _, id := range batch.OrderIDs() {
		b.Remove(id)
	}
	batch.State = match.Settled
	l.clearPending(batch, h)
	delete(l.batches, h)
	delete(l.ownTasks, h)
	l.coord.Drop(h)

	if l.met != nil {
		l.met.Settlements.WithLabelValues("success").Inc()
		l.met.BookDepth.WithLabelValues(batch.Venue).Set(float64(b.Len()))
	}
	if l.store != nil {
		venue, buyers, sellers, buyAmts, sellAmts := settle.Legs(batch)
		rec := storage.SettlementRecord{
			MatchHash:     h.Hex(),
			Venue:         venue,
			Buyers:        buyers,
			Sellers:       sellers,
			BuyerAmounts:  buyAmts,
			SellerAmounts: sellAmts,
			ClearingPrice: batch.ClearingPrice.String(),
			SettledAt:     time.Now(),
		}
		if err := l.store.SaveSettlement(h, rec); err != nil {
			l.log.Warnw("settlement_journal_failed", "match", h.Hex(), "err", err)
		}
	}
	l.log.Infow("batch_settled", "match", h.Hex(), "venue", batch.Venue,
		"orders", len(batch.OrderIDs()), "clearing_price", batch.ClearingPrice.String())
	l.emit("settlement", map[string]any{
		"match":          h.Hex(),
		"venue":          batch.Venue,
		"orders":         batch.OrderIDs(),
		"clearing_price": batch.ClearingPrice.String(),
	})
}

func (l *Loop) notifySettlement(h common.Hash, ok bool) {
	if l.net == nil {
		return
	}
	sig, err := l.signer.Sign(p2p.NoticeDigest(h, ok))
	if err != nil {
		l.log.Errorw("settlement_notice_sign_failed", "match", h.Hex(), "err", err)
		return
	}
	n := p2p.SettlementNotice{MatchHash: h, Creator: l.signer.Address(), OK: ok, Sig: sig}
	if err := l.net.PublishSettlement(l.runCtx, n); err != nil {
		l.log.Warnw("settlement_publish_failed", "match", h.Hex(), "err", err)
	}
}

// ---- expiry ----

func (l *Loop) handleSweep() {
	for _, t := range l.coord.ExpireDue() {
		if l.met != nil {
			l.met.TasksExpired.Inc()
		}
		batch, ok := l.batches[t.MatchHash]
		if !ok {
			continue
		}
		// the batch is discarded, not requeued; its orders stay on the
		// book and are reconsidered on the next order event
		batch.State = match.Expired
		l.clearPending(batch, t.MatchHash)
		delete(l.batches, t.MatchHash)
		delete(l.ownTasks, t.MatchHash)
		l.emit("task_expired", map[string]any{"match": t.MatchHash.Hex(), "task": t.ID})
	}

	for h, s := range l.earlyVotes {
		if time.Since(s.since) > earlyVoteTTL {
			delete(l.earlyVotes, h)
		}
	}
	l.coord.Prune(taskRetention)
}

func (l *Loop) emit(kind string, payload any) {
	if l.sink != nil {
		l.sink(kind, payload)
	}
}
