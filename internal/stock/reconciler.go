// Package stock computes per-product stock deltas for a transaction
// transition. It never touches storage; callers persist the returned
// movements and levels in the same unit of work as the status change.
package stock

import (
	"sort"
	"time"

	"kasirpay/backend/internal/domain"
)

type Result struct {
	Movements []domain.StockMovement
	Levels    map[string]int
	Shortfall int
}

func (r Result) Insufficient() bool { return r.Shortfall > 0 }

// Apply computes the movements for one direction. A product that already has
// a movement in that direction for the transaction is skipped, so applying
// the same transition twice yields no further change. Increments restore the
// quantity the matching decrement actually took, which may be less than the
// line quantity when that decrement was clamped.
func Apply(transactionID string, items []domain.TransactionItem, direction domain.StockDirection, levels map[string]int, prior []domain.StockMovement, now time.Time) Result {
	res := Result{Levels: make(map[string]int, len(levels))}
	for id, qty := range levels {
		res.Levels[id] = qty
	}
	if direction != domain.StockDecrement && direction != domain.StockIncrement {
		return res
	}

	recorded := make(map[string]map[domain.StockDirection]domain.StockMovement, len(prior))
	for _, m := range prior {
		if m.TransactionID != transactionID {
			continue
		}
		if recorded[m.ProductID] == nil {
			recorded[m.ProductID] = map[domain.StockDirection]domain.StockMovement{}
		}
		recorded[m.ProductID][m.Direction] = m
	}

	requested, order := aggregate(items)
	for _, productID := range order {
		if _, done := recorded[productID][direction]; done {
			continue
		}

		before := res.Levels[productID]
		qty := requested[productID]
		applied := 0

		switch direction {
		case domain.StockDecrement:
			applied = qty
			if applied > before {
				applied = before
			}
			res.Levels[productID] = before - applied
		case domain.StockIncrement:
			dec, ok := recorded[productID][domain.StockDecrement]
			if !ok {
				continue
			}
			applied = dec.Applied
			res.Levels[productID] = before + applied
		}

		m := domain.StockMovement{
			TransactionID: transactionID,
			ProductID:     productID,
			Direction:     direction,
			Requested:     qty,
			Applied:       applied,
			StockBefore:   before,
			StockAfter:    res.Levels[productID],
			CreatedAt:     now.UTC(),
		}
		if direction == domain.StockDecrement {
			res.Shortfall += m.Shortfall()
		}
		res.Movements = append(res.Movements, m)
	}
	return res
}

// ProductIDs returns the distinct products of items in a stable order. Stores
// lock product rows in this order.
func ProductIDs(items []domain.TransactionItem) []string {
	_, order := aggregate(items)
	return order
}

func aggregate(items []domain.TransactionItem) (map[string]int, []string) {
	qty := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		qty[item.ProductID] += item.Quantity
	}
	order := make([]string, 0, len(qty))
	for id := range qty {
		order = append(order, id)
	}
	sort.Strings(order)
	return qty, order
}
