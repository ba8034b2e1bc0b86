package matching

import (
	"sync"

	"github.com/aristath/exchange-sim/internal/modules/orderbook"
)

// bookCache lazily rebuilds each instrument's in-memory order book from
// its resting orders on first touch. The book is an index; the orders
// table is the source of truth.
type bookCache struct {
	mu     sync.Mutex
	books  map[int64]*orderbook.Book
	orders *OrderRepository
}

func newBookCache(orders *OrderRepository) *bookCache {
	return &bookCache{books: make(map[int64]*orderbook.Book), orders: orders}
}

func (c *bookCache) get(instrumentID int64) (*orderbook.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.books[instrumentID]; ok {
		return b, nil
	}
	b := orderbook.New()
	resting, err := c.orders.RestingByInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	for _, o := range resting {
		if o.LimitPrice == nil {
			continue // market-order residuals never rest in the book, only in the orders table
		}
		b.Insert(o.Side, &orderbook.Entry{
			OrderID:      o.ID,
			UserID:       o.UserID,
			Price:        *o.LimitPrice,
			QtyRemaining: o.QtyRemaining,
		})
	}
	c.books[instrumentID] = b
	return b, nil
}
