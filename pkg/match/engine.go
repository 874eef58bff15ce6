package match

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/book"
)

// Engine scans a venue's book for aggregatable coincidence-of-wants
// matches. The scan is deterministic: every operator running it over the
// same book state produces byte-identical batches.
type Engine struct {
	minTargetAmount  int64
	fillThresholdBps int64
	log              *zap.SugaredLogger
}

func NewEngine(minTargetAmount, fillThresholdBps int64, log *zap.SugaredLogger) *Engine {
	return &Engine{
		minTargetAmount:  minTargetAmount,
		fillThresholdBps: fillThresholdBps,
		log:              log,
	}
}

// Scan runs one matching pass over the book, treating each side as targets
// in turn: a single order event can unlock matches in either direction.
// Orders for which skip returns true (already pending consensus) are
// excluded both as targets and as counters. Overlapping batches across the
// two passes are possible; the caller deduplicates, first task wins.
func (e *Engine) Scan(b *book.Book, skip func(orderID string) bool) []*Batch {
	var batches []*Batch
	for _, dir := range []book.Direction{book.AtoB, book.BtoA} {
		for _, target := range b.OrdersOn(dir) {
			if target.AmountIn < e.minTargetAmount || target.AmountIn <= 0 {
				continue
			}
			if skip != nil && skip(target.ID) {
				continue
			}
			if batch := e.tryFill(b, target, skip); batch != nil {
				batches = append(batches, batch)
			}
		}
	}
	return batches
}

// tryFill greedily aggregates compatible counter-orders, in the opposite
// side's sorted order, until the target is covered or the side runs out.
func (e *Engine) tryFill(b *book.Book, target *book.Order, skip func(string) bool) *Batch {
	remaining := target.AmountIn
	var counters []*book.Order
	var usable []int64

	for _, counter := range b.OrdersOn(target.Direction.Opposite()) {
		if remaining == 0 {
			break
		}
		if skip != nil && skip(counter.ID) {
			continue
		}
		if !compatible(target, counter) {
			continue
		}
		take := counter.AmountIn
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		counters = append(counters, counter)
		usable = append(usable, take)
		remaining -= take
	}

	if len(counters) == 0 {
		return nil
	}
	total := target.AmountIn - remaining

	// Fill threshold: don't propose thin coverage, wait for more orders.
	if total*book.PriceBasis < target.AmountIn*e.fillThresholdBps {
		if e.log != nil {
			e.log.Debugw("fill_below_threshold",
				"venue", b.Venue(), "target", target.ID,
				"covered", total, "target_amount", target.AmountIn)
		}
		return nil
	}

	batch := &Batch{
		Venue:         b.Venue(),
		Target:        target,
		Counters:      counters,
		Usable:        usable,
		TotalMatched:  total,
		ClearingPrice: clearingPrice(target, counters, usable),
		State:         Candidate,
	}
	if e.log != nil {
		e.log.Infow("batch_candidate",
			"venue", b.Venue(), "target", target.ID,
			"counters", len(counters), "total_matched", total,
			"clearing_price", batch.ClearingPrice.String())
	}
	return batch
}

// compatible applies the pairing rules: same venue, distinct traders, and
// the demand-side price at or above the supply-side price.
func compatible(a, b *book.Order) bool {
	if a.Venue != b.Venue {
		return false
	}
	if a.Trader == b.Trader {
		return false
	}
	if a.Direction == b.Direction {
		return false
	}
	buy, sell := a, b
	if a.Direction == book.BtoA {
		buy, sell = b, a
	}
	return buy.Price() >= sell.Price()
}

// RecomputeClearingPrice re-derives a batch's clearing price from its
// contents, for validators checking an announced batch.
func RecomputeClearingPrice(b *Batch) decimal.Decimal {
	return clearingPrice(b.Target, b.Counters, b.Usable)
}

// clearingPrice is the volume-weighted average price across the target and
// every counter-order, weighted by the amount each contributed. Falls back
// to the target's own price on zero volume.
func clearingPrice(target *book.Order, counters []*book.Order, usable []int64) decimal.Decimal {
	num := decimal.NewFromInt(target.Price()).Mul(decimal.NewFromInt(target.AmountIn))
	den := decimal.NewFromInt(target.AmountIn)
	for i, c := range counters {
		amt := decimal.NewFromInt(usable[i])
		num = num.Add(decimal.NewFromInt(c.Price()).Mul(amt))
		den = den.Add(amt)
	}
	if den.IsZero() {
		return decimal.NewFromInt(target.Price())
	}
	// 8 fractional digits on top of the basis-point scale is far below
	// one unit of least precision for any representable order size.
	return num.DivRound(den, 8)
}
