package settle

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/match"
)

// Ledger is the external settlement system. A call is atomic: it either
// records the whole settlement and returns nil, or records nothing and
// returns an error. There are no partial-success semantics.
type Ledger interface {
	RecordSettlement(ctx context.Context, venue string, buyers, sellers []string, buyerAmounts, sellerAmounts []int64) error
}

// Result is reported back to the ingestion loop once a submission
// concludes. Only a nil Err permits book reconciliation.
type Result struct {
	MatchHash common.Hash
	Err       error
}

// Submitter issues settlement calls for consensus-approved batches with a
// bounded exponential backoff. It never touches the order book itself;
// reconciliation stays with the loop that owns the book.
type Submitter struct {
	ledger  Ledger
	retries uint64
	log     *zap.SugaredLogger
}

func NewSubmitter(ledger Ledger, retries uint64, log *zap.SugaredLogger) *Submitter {
	return &Submitter{ledger: ledger, retries: retries, log: log}
}

// Submit records the batch on the external ledger. Blocking; callers run
// it off the ingestion loop and feed the Result back in as an event.
func (s *Submitter) Submit(ctx context.Context, batch *match.Batch) error {
	venue, buyers, sellers, buyAmts, sellAmts := Legs(batch)

	op := func() error {
		return s.ledger.RecordSettlement(ctx, venue, buyers, sellers, buyAmts, sellAmts)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		if s.log != nil {
			s.log.Errorw("settlement_failed",
				"venue", venue, "buyers", len(buyers), "sellers", len(sellers), "err", err)
		}
		return fmt.Errorf("record settlement: %w", err)
	}
	if s.log != nil {
		s.log.Infow("settlement_recorded",
			"venue", venue, "buyers", len(buyers), "sellers", len(sellers))
	}
	return nil
}

// Legs flattens a batch into per-party settlement legs. Buyers are the
// demand-side (AtoB) participants, sellers the supply side. Orders settle
// whole: each leg carries the order's full committed amount.
func Legs(batch *match.Batch) (venue string, buyers, sellers []string, buyerAmounts, sellerAmounts []int64) {
	venue = batch.Venue
	add := func(o *book.Order) {
		if o.Direction == book.AtoB {
			buyers = append(buyers, o.Trader)
			buyerAmounts = append(buyerAmounts, o.AmountIn)
		} else {
			sellers = append(sellers, o.Trader)
			sellerAmounts = append(sellerAmounts, o.AmountIn)
		}
	}
	add(batch.Target)
	for _, c := range batch.Counters {
		add(c)
	}
	return venue, buyers, sellers, buyerAmounts, sellerAmounts
}
