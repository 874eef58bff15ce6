package book

import (
	"fmt"
	"sort"
)

// Book holds the currently-unmatched orders of one venue, partitioned by
// direction. The demand side (AtoB) is kept sorted descending by price so
// the best payer scans first; the supply side (BtoA) ascending so the
// cheapest seller scans first. Ties break on arrival order.
//
// The Book is not goroutine safe. It is owned exclusively by the engine's
// ingestion loop, which is the sole writer.
type Book struct {
	venue  string
	demand []*Order // AtoB, price descending
	supply []*Order // BtoA, price ascending
	index  map[string]Direction
}

func New(venue string) *Book {
	return &Book{
		venue: venue,
		index: make(map[string]Direction),
	}
}

func (b *Book) Venue() string { return b.venue }

// Insert places an order on the side determined by its direction and
// re-sorts that side. Rejects orders for other venues and duplicate ids.
func (b *Book) Insert(o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Venue != b.venue {
		return fmt.Errorf("order %s: venue %s does not belong to book %s", o.ID, o.Venue, b.venue)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("order %s already on book", o.ID)
	}

	b.index[o.ID] = o.Direction
	if o.Direction == AtoB {
		b.demand = append(b.demand, o)
		sort.SliceStable(b.demand, func(i, j int) bool {
			if b.demand[i].Price() != b.demand[j].Price() {
				return b.demand[i].Price() > b.demand[j].Price()
			}
			return b.demand[i].ObservedAt < b.demand[j].ObservedAt
		})
	} else {
		b.supply = append(b.supply, o)
		sort.SliceStable(b.supply, func(i, j int) bool {
			if b.supply[i].Price() != b.supply[j].Price() {
				return b.supply[i].Price() < b.supply[j].Price()
			}
			return b.supply[i].ObservedAt < b.supply[j].ObservedAt
		})
	}
	return nil
}

// Remove deletes an order by id. Absent ids are a no-op: settlement
// reconciliation may race duplicate delivery, so removal is idempotent.
func (b *Book) Remove(id string) {
	dir, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)

	side := &b.demand
	if dir == BtoA {
		side = &b.supply
	}
	for i, o := range *side {
		if o.ID == id {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return
		}
	}
}

// Has reports whether an order id is currently on the book.
func (b *Book) Has(id string) bool {
	_, ok := b.index[id]
	return ok
}

// OrdersOn returns the live ordered sequence of one side. The slice is a
// view into the book; callers must not mutate it or the orders it holds.
func (b *Book) OrdersOn(dir Direction) []*Order {
	if dir == AtoB {
		return b.demand
	}
	return b.supply
}

func (b *Book) Len() int { return len(b.index) }

// Snapshot returns copies of both sides for read-only consumers.
func (b *Book) Snapshot() (demand, supply []Order) {
	demand = make([]Order, len(b.demand))
	for i, o := range b.demand {
		demand[i] = *o
	}
	supply = make([]Order, len(b.supply))
	for i, o := range b.supply {
		supply[i] = *o
	}
	return demand, supply
}
