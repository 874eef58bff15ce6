package book

import "fmt"

// Direction is the side of a CoW order within a venue's asset pair.
type Direction uint8

const (
	// AtoB commits asset A and wants asset B: the demand side of the book.
	AtoB Direction = iota
	// BtoA commits asset B and wants asset A: the supply side.
	BtoA
)

func (d Direction) String() string {
	if d == AtoB {
		return "AtoB"
	}
	return "BtoA"
}

// Opposite returns the other side of the book.
func (d Direction) Opposite() Direction {
	if d == AtoB {
		return BtoA
	}
	return AtoB
}

// PriceBasis is the fixed-point scale for order prices: a price of 10000
// means one unit of output per unit of input.
const PriceBasis int64 = 10000

// Order is one directional trade intent. Orders are immutable once placed;
// partial fills never mutate the record, they are expressed through the
// usable amounts of the batch that consumes it.
type Order struct {
	ID         string
	Trader     string
	AmountIn   int64 // committed input asset, always positive
	AmountOut  int64 // wanted output asset
	Direction  Direction
	Venue      string
	ObservedAt int64 // arrival sequence, tie-break and expiry basis
}

// Price is the fixed-point ratio AmountOut/AmountIn scaled by PriceBasis.
// Higher means more output per unit of input. Used for ranking and
// compatibility only, never for settlement accounting.
func (o *Order) Price() int64 {
	if o.AmountIn <= 0 {
		return 0
	}
	return o.AmountOut * PriceBasis / o.AmountIn
}

// Validate rejects orders that can never participate in a match.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order missing id")
	}
	if o.Trader == "" {
		return fmt.Errorf("order %s missing trader", o.ID)
	}
	if o.Venue == "" {
		return fmt.Errorf("order %s missing venue", o.ID)
	}
	if o.AmountIn <= 0 {
		return fmt.Errorf("order %s: amountIn must be positive, got %d", o.ID, o.AmountIn)
	}
	if o.AmountOut <= 0 {
		return fmt.Errorf("order %s: amountOut must be positive, got %d", o.ID, o.AmountOut)
	}
	if o.Direction != AtoB && o.Direction != BtoA {
		return fmt.Errorf("order %s: unknown direction %d", o.ID, o.Direction)
	}
	return nil
}
