package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Orders persists orderbook state for recovery and audit; the live
// matching path (C4) runs entirely in memory and writes here only at
// order submission, match, and terminal-state transitions.
type Orders struct {
	q execer
}

func NewOrders(q execer) *Orders { return &Orders{q: q} }

const orderColumns = `id, trader_pubkey, direction, symbol, price, quantity, leverage,
	order_type, state, reason, order_expiry, created_at`

func scanOrder(scan func(dest ...any) error) (*types.Order, error) {
	var (
		id                                uuid.UUID
		traderPubkey                      []byte
		direction, symbol                 string
		price                             sql.NullString
		quantity, leverage                string
		orderType, state                  string
		reason                            sql.NullString
		expiry                            sql.NullTime
		createdAt                         time.Time
	)
	err := scan(&id, &traderPubkey, &direction, &symbol, &price, &quantity, &leverage,
		&orderType, &state, &reason, &expiry, &createdAt)
	if err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	lev, err := decimal.NewFromString(leverage)
	if err != nil {
		return nil, fmt.Errorf("parse leverage: %w", err)
	}
	var priceDec decimal.Decimal
	if price.Valid {
		priceDec, err = decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
	}
	o := &types.Order{
		ID:        id,
		Direction: types.Direction(direction),
		Symbol:    types.ContractSymbol(symbol),
		Price:     priceDec,
		Quantity:  qty,
		Leverage:  lev,
		Type:      types.OrderType(orderType),
		State:     types.OrderStateKind(state),
		Reason:    types.OrderReason(reason.String),
		Timestamp: createdAt,
	}
	if expiry.Valid {
		o.Expiry = expiry.Time
	}
	copy(o.TraderPubkey[:], traderPubkey)
	return o, nil
}

// Insert persists a new order in the Open state.
func (o *Orders) Insert(ctx context.Context, ord types.Order) error {
	var priceArg any
	if !ord.Price.IsZero() {
		priceArg = ord.Price.String()
	}
	var expiryArg any
	if !ord.Expiry.IsZero() {
		expiryArg = ord.Expiry
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO orders (id, trader_pubkey, direction, symbol, price, quantity, leverage, order_type, state, reason, order_expiry)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ord.ID, ord.TraderPubkey[:], string(ord.Direction), string(ord.Symbol),
		priceArg, ord.Quantity.String(), ord.Leverage.String(), string(ord.Type),
		string(ord.State), string(ord.Reason), expiryArg,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// ByID loads an order.
func (o *Orders) ByID(ctx context.Context, id uuid.UUID) (*types.Order, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	ord, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	return ord, nil
}

// LastTakenByTrader returns the most recent order that triggered a trade
// for trader, the hint the Recovery Supervisor (C8) logs when it finds a
// signed channel with no matching position to reconstruct from.
func (o *Orders) LastTakenByTrader(ctx context.Context, trader [33]byte) (*types.Order, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE trader_pubkey = $1 AND state = $2
		ORDER BY created_at DESC LIMIT 1`,
		trader[:], string(types.OrderTaken),
	)
	ord, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last taken order: %w", err)
	}
	return ord, nil
}

// SetState performs an unconditional state transition — the orderbook,
// not the database, is the source of truth for in-flight matching, so
// order rows only need CAS semantics at terminal transitions where two
// writers could race (e.g. concurrent liquidation and manual close).
func (o *Orders) SetState(ctx context.Context, id uuid.UUID, state types.OrderStateKind, reason types.OrderReason) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE orders SET state = $1, reason = $2, updated_at = now() WHERE id = $3`,
		string(state), string(reason), id,
	)
	if err != nil {
		return fmt.Errorf("update order state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return coorderrs.NewInvariantViolation("order %s not found", id)
	}
	return nil
}
