// Package orderbook implements the price-time priority matching engine
// (C4, spec §4.4): one resting book per contract symbol, limit orders
// queued FIFO at each price level, and market orders walked against the
// opposite side with no partial fills.
//
// All mutations are serialized through a single background goroutine
// reading off an action channel, the same single-writer-per-aggregate
// shape the teacher uses for dispatchMarketEvents/dispatchUserEvents:
// one goroutine owns the book's maps, every other goroutine talks to it
// only through channels.
package orderbook

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// actionResult carries a generic reply back to the caller of do().
type actionResult struct {
	matches []types.Match
	order   *types.Order
	err     error
}

type action struct {
	run    func(b *bookState) actionResult
	respCh chan actionResult
}

// Book is the matching engine for a single contract symbol.
type Book struct {
	symbol  types.ContractSymbol
	logger  *slog.Logger
	actions chan action

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Book and starts its worker goroutine. bufferSize bounds
// how many pending actions may queue before callers block, mirroring the
// teacher's per-slot tradeCh/orderCh buffering (config.Orderbook.ActionBufferSize).
func New(symbol types.ContractSymbol, bufferSize int, logger *slog.Logger) *Book {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Book{
		symbol:  symbol,
		logger:  logger.With("component", "orderbook", "symbol", symbol),
		actions: make(chan action, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	state := newBookState()
	go b.run(state)
	return b
}

// Close stops the worker goroutine. Pending actions are abandoned.
func (b *Book) Close() {
	b.cancel()
}

func (b *Book) run(state *bookState) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case act := <-b.actions:
			act.respCh <- act.run(state)
		}
	}
}

func (b *Book) do(run func(b *bookState) actionResult) actionResult {
	respCh := make(chan actionResult, 1)
	select {
	case b.actions <- action{run: run, respCh: respCh}:
	case <-b.ctx.Done():
		return actionResult{err: coorderrs.NewInvariantViolation("orderbook %s is closed", b.symbol)}
	}
	select {
	case res := <-respCh:
		return res
	case <-b.ctx.Done():
		return actionResult{err: coorderrs.NewInvariantViolation("orderbook %s is closed", b.symbol)}
	}
}

// AddLimit rests a limit order on the book at order.Price.
func (b *Book) AddLimit(order types.Order) error {
	res := b.do(func(s *bookState) actionResult {
		s.addLimit(order)
		return actionResult{}
	})
	return res.err
}

// Remove pulls a resting order off the book, e.g. on cancel or expiry.
// Returns the removed order, or nil if it was never resting (already
// matched, or unknown id).
func (b *Book) Remove(direction types.Direction, price decimal.Decimal, id uuid.UUID) (*types.Order, error) {
	res := b.do(func(s *bookState) actionResult {
		removed := s.remove(direction, price, id)
		return actionResult{order: removed}
	})
	return res.order, res.err
}

// Update replaces a resting order's quantity (partial-fill bookkeeping);
// the order keeps its place in the FIFO queue at that price level.
func (b *Book) Update(direction types.Direction, price decimal.Decimal, id uuid.UUID, newQuantity decimal.Decimal) error {
	res := b.do(func(s *bookState) actionResult {
		return actionResult{err: s.update(direction, price, id, newQuantity)}
	})
	return res.err
}

// MatchMarket walks the opposite side of the book at price-time priority
// to fill a market (or marketable limit) order. Expired resting orders
// are skipped and removed as encountered. A market order either fills in
// full or not at all — no partial fills (spec §4.4 edge case): if the
// opposite side cannot supply the full requested quantity, the book is
// left unchanged and a *coorderrs.InsufficientLiquidity error is returned.
func (b *Book) MatchMarket(taker types.Order) ([]types.Match, error) {
	res := b.do(func(s *bookState) actionResult {
		matches, err := s.matchMarket(taker, time.Now())
		return actionResult{matches: matches, err: err}
	})
	return res.matches, res.err
}

// BestPrice returns the best resting price on a side, if any.
func (b *Book) BestPrice(direction types.Direction) (decimal.Decimal, bool) {
	res := b.do(func(s *bookState) actionResult {
		price, ok := s.bestPrice(direction)
		if !ok {
			return actionResult{}
		}
		return actionResult{order: &types.Order{Price: price}}
	})
	if res.order == nil {
		return decimal.Zero, false
	}
	return res.order.Price, true
}

// bookState is the single-goroutine-owned mutable state: one FIFO queue
// per price level, per side.
type bookState struct {
	longLevels  map[string][]types.Order // bids: resting longs a short taker matches against
	shortLevels map[string][]types.Order // asks: resting shorts a long taker matches against
}

func newBookState() *bookState {
	return &bookState{
		longLevels:  make(map[string][]types.Order),
		shortLevels: make(map[string][]types.Order),
	}
}

func (s *bookState) levelsFor(direction types.Direction) map[string][]types.Order {
	if direction == types.Long {
		return s.longLevels
	}
	return s.shortLevels
}

func (s *bookState) addLimit(order types.Order) {
	levels := s.levelsFor(order.Direction)
	key := order.Price.String()
	levels[key] = append(levels[key], order)
}

func (s *bookState) remove(direction types.Direction, price decimal.Decimal, id uuid.UUID) *types.Order {
	levels := s.levelsFor(direction)
	key := price.String()
	queue := levels[key]
	for i, o := range queue {
		if o.ID == id {
			removed := o
			levels[key] = append(queue[:i], queue[i+1:]...)
			if len(levels[key]) == 0 {
				delete(levels, key)
			}
			return &removed
		}
	}
	return nil
}

func (s *bookState) update(direction types.Direction, price decimal.Decimal, id uuid.UUID, newQuantity decimal.Decimal) error {
	levels := s.levelsFor(direction)
	key := price.String()
	queue := levels[key]
	for i, o := range queue {
		if o.ID == id {
			queue[i].Quantity = newQuantity
			return nil
		}
	}
	return coorderrs.NewInvariantViolation("order %s not resting at price %s", id, price)
}

func (s *bookState) bestPrice(direction types.Direction) (decimal.Decimal, bool) {
	// A long taker matches against resting shorts (asks): best is lowest
	// price. A short taker matches against resting longs (bids): best is
	// highest price.
	opposite := direction.Opposite()
	levels := s.levelsFor(opposite)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	prices := sortedPrices(levels, opposite == types.Long)
	if len(prices) == 0 {
		return decimal.Zero, false
	}
	return prices[0], true
}

// sortedPrices returns the price keys of levels parsed back to decimals,
// ascending unless descending is requested (bids are walked high to low).
func sortedPrices(levels map[string][]types.Order, descending bool) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(levels))
	for key := range levels {
		d, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].GreaterThan(out[j])
		}
		return out[i].LessThan(out[j])
	})
	return out
}

func (s *bookState) matchMarket(taker types.Order, now time.Time) ([]types.Match, error) {
	opposite := taker.Direction.Opposite()
	levels := s.levelsFor(opposite)
	descending := opposite == types.Long // walk bids high to low, asks low to high
	prices := sortedPrices(levels, descending)

	remaining := taker.Quantity
	type consumed struct {
		price decimal.Decimal
		idx   int
		qty   decimal.Decimal
	}
	var plan []consumed

	for _, price := range prices {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		key := price.String()
		queue := levels[key]
		for i, resting := range queue {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			if !resting.Expiry.IsZero() && now.After(resting.Expiry) {
				continue // expired resting orders are skipped (and later purged)
			}
			take := resting.Quantity
			if take.GreaterThan(remaining) {
				take = remaining
			}
			plan = append(plan, consumed{price: price, idx: i, qty: take})
			remaining = remaining.Sub(take)
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		return nil, &coorderrs.InsufficientLiquidity{
			Requested: taker.Quantity.String(),
			Matched:   taker.Quantity.Sub(remaining).String(),
		}
	}

	// Liquidity confirmed: apply the plan, consuming FIFO and purging any
	// expired orders walked over along the way.
	matches := make([]types.Match, 0, len(plan))
	for _, c := range plan {
		key := c.price.String()
		queue := levels[key]
		resting := queue[c.idx]
		matches = append(matches, types.Match{
			OrderID:        resting.ID,
			MatchedOrderID: taker.ID,
			Quantity:       c.qty,
			ExecutionPrice: c.price,
			TakerPubkey:    taker.TraderPubkey,
		})
		queue[c.idx].Quantity = queue[c.idx].Quantity.Sub(c.qty)
	}

	// Compact each touched level: drop fully-consumed and expired orders.
	for _, price := range prices {
		key := price.String()
		queue := levels[key]
		filtered := queue[:0]
		for _, o := range queue {
			if o.Quantity.GreaterThan(decimal.Zero) && !(!o.Expiry.IsZero() && now.After(o.Expiry)) {
				filtered = append(filtered, o)
			}
		}
		if len(filtered) == 0 {
			delete(levels, key)
		} else {
			levels[key] = filtered
		}
	}

	return matches, nil
}
