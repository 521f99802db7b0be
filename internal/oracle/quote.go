package oracle

import (
	"sort"

	"PerpSettle/internal/guard"
	"github.com/pkg/errors"
)

// PriceQuote is valid only for the settlement operation that validated it.
// MinPrice and MaxPrice are never collapsed.
type PriceQuote struct {
	Asset     string `json:"asset"`
	MinPrice  int64  `json:"min_price"`
	MaxPrice  int64  `json:"max_price"`
	Timestamp int64  `json:"timestamp"`
}

// Mid returns the midpoint, rounded down.
func (q PriceQuote) Mid() int64 {
	return q.MinPrice + (q.MaxPrice-q.MinPrice)/2
}

// Quotes is the validated price set for one operation, keyed by asset.
type Quotes map[string]PriceQuote

// Get returns the quote for asset or ErrMissingAttestation.
func (q Quotes) Get(asset string) (PriceQuote, error) {
	pq, ok := q[asset]
	if !ok {
		return PriceQuote{}, errors.Wrapf(ErrMissingAttestation, "no quote for %s", asset)
	}
	return pq, nil
}

// Must returns the quote for asset. Callers validate required assets up
// front, so a miss here is a programming error.
func (q Quotes) Must(asset string) PriceQuote {
	pq, ok := q[asset]
	if !ok {
		guard.Violatef("oracle: quote for %s was not validated", asset)
	}
	return pq
}

// OldestTimestamp returns the earliest quote timestamp.
func (q Quotes) OldestTimestamp() int64 {
	var oldest int64
	first := true
	for _, pq := range q {
		if first || pq.Timestamp < oldest {
			oldest = pq.Timestamp
			first = false
		}
	}
	return oldest
}

// Assets returns the quoted assets in sorted order.
func (q Quotes) Assets() []string {
	out := make([]string, 0, len(q))
	for a := range q {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
