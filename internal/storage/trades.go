package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Trades persists the Trade Executor's (C6) fill records. A trade is
// always written in the same transaction as the position row it produced
// or mutated (spec §4.6: "atomic position+trade persistence before
// enqueueing outbound messages").
type Trades struct {
	q execer
}

func NewTrades(q execer) *Trades { return &Trades{q: q} }

// Insert persists one trade.
func (t *Trades) Insert(ctx context.Context, trade types.Trade) (int64, error) {
	var id int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO trades (position_id, order_id, matched_order_id, quantity, price, direction, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		trade.PositionID, trade.OrderID, trade.MatchedOrderID,
		trade.Quantity.String(), trade.Price.String(), string(trade.Direction), trade.Timestamp,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return id, nil
}

// ByPosition returns every trade recorded against a position, oldest
// first. The projector reads the newest one to recompute a committed
// resize, and the engine reads it to find the order behind a rejected
// offer.
func (t *Trades) ByPosition(ctx context.Context, positionID int64) ([]types.Trade, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, position_id, order_id, matched_order_id, quantity, price, direction, executed_at
		FROM trades WHERE position_id = $1 ORDER BY executed_at ASC`,
		positionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select trades by position: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			id, posID                  int64
			orderID, matchedOrderID    uuid.UUID
			quantity, price, direction string
			executedAt                 time.Time
		)
		if err := rows.Scan(&id, &posID, &orderID, &matchedOrderID, &quantity, &price, &direction, &executedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		qty, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		out = append(out, types.Trade{
			ID: id, PositionID: posID, OrderID: orderID, MatchedOrderID: matchedOrderID,
			Quantity: qty, Price: p, Direction: types.Direction(direction), Timestamp: executedAt,
		})
	}
	return out, rows.Err()
}

// Matches persists the orderbook's (C4) fill records, independent of
// whether the trade executor later succeeds — a match is a fact about
// the book, not about the DLC protocol outcome.
type Matches struct {
	q execer
}

func NewMatches(q execer) *Matches { return &Matches{q: q} }

// Insert persists one match.
func (m *Matches) Insert(ctx context.Context, match types.Match) error {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generate match id: %w", err)
	}
	_, err = m.q.ExecContext(ctx, `
		INSERT INTO matches (id, order_id, matched_order_id, quantity, execution_price, taker_pubkey)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id, match.OrderID, match.MatchedOrderID, match.Quantity.String(),
		match.ExecutionPrice.String(), match.TakerPubkey[:],
	)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}
