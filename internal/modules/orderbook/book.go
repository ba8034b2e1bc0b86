// Package orderbook implements the per-instrument price-time priority
// book: two sides, price levels ordered best-first, FIFO within a
// level. The book itself is an in-memory index over
// resting orders; the orders table in SQLite remains the durable source
// of truth, loaded into this structure the first time the matching engine
// touches an instrument and kept in sync by
// the matching engine as orders fill, partially fill, or are cancelled.
package orderbook

import (
	"container/list"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
)

// Entry is a resting order's position in the book.
type Entry struct {
	OrderID      int64
	UserID       int64
	Price        decimal.Decimal // effective limit price; market orders never rest
	QtyRemaining int64
	CreatedAt    int64 // monotonic sequence number, not wall clock — breaks FIFO ties deterministically
}

type level struct {
	price   decimal.Decimal
	entries *list.List // of *Entry, FIFO order
}

// Book is one instrument's two-sided order book.
type Book struct {
	mu       sync.RWMutex
	bids     []*level // best (highest) first
	asks     []*level // best (lowest) first
	byOrder  map[int64]*list.Element
	byLevel  map[int64]*level
	sequence int64
}

func New() *Book {
	return &Book{
		byOrder: make(map[int64]*list.Element),
		byLevel: make(map[int64]*level),
	}
}

// Insert adds a resting limit order to its side of the book.
func (b *Book) Insert(side domain.Side, e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	e.CreatedAt = b.sequence

	lvl := b.findOrCreateLevel(side, e.Price)
	el := lvl.entries.PushBack(e)
	b.byOrder[e.OrderID] = el
	b.byLevel[e.OrderID] = lvl
}

func (b *Book) findOrCreateLevel(side domain.Side, price decimal.Decimal) *level {
	levels := &b.bids
	better := func(a, c decimal.Decimal) bool { return a.GreaterThan(c) } // bids: highest first
	if side == domain.SideSell {
		levels = &b.asks
		better = func(a, c decimal.Decimal) bool { return a.LessThan(c) } // asks: lowest first
	}

	idx := sort.Search(len(*levels), func(i int) bool {
		return !better((*levels)[i].price, price) // first level not strictly better than price
	})
	if idx < len(*levels) && (*levels)[idx].price.Equal(price) {
		return (*levels)[idx]
	}
	lvl := &level{price: price, entries: list.New()}
	*levels = append(*levels, nil)
	copy((*levels)[idx+1:], (*levels)[idx:])
	(*levels)[idx] = lvl
	return lvl
}

// BestOpposite returns the best resting entry on the opposite side of
// aggressorSide, or nil if that side is empty.
func (b *Book) BestOpposite(aggressorSide domain.Side) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.asks
	if aggressorSide == domain.SideSell {
		levels = b.bids
	}
	for _, lvl := range levels {
		if lvl.entries.Len() > 0 {
			return lvl.entries.Front().Value.(*Entry)
		}
	}
	return nil
}

// Reduce shrinks a resting entry's remaining quantity, removing it from
// the book entirely once it reaches zero.
func (b *Book) Reduce(orderID int64, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.byOrder[orderID]
	if !ok {
		return
	}
	e := el.Value.(*Entry)
	e.QtyRemaining -= qty
	if e.QtyRemaining <= 0 {
		b.removeLocked(orderID, el)
	}
}

// Cancel removes a resting order from the book outright.
func (b *Book) Cancel(orderID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.byOrder[orderID]
	if !ok {
		return
	}
	b.removeLocked(orderID, el)
}

func (b *Book) removeLocked(orderID int64, el *list.Element) {
	lvl := b.byLevel[orderID]
	lvl.entries.Remove(el)
	delete(b.byOrder, orderID)
	delete(b.byLevel, orderID)

	if lvl.entries.Len() == 0 {
		b.dropLevel(lvl)
	}
}

func (b *Book) dropLevel(lvl *level) {
	for _, side := range []*[]*level{&b.bids, &b.asks} {
		levels := *side
		for i, l := range levels {
			if l == lvl {
				*side = append(levels[:i], levels[i+1:]...)
				return
			}
		}
	}
}

// RestingOrders returns every order id still resting in the book, for
// the session sweeper.
func (b *Book) RestingOrders() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []int64
	for id := range b.byOrder {
		ids = append(ids, id)
	}
	return ids
}
