package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Positions is the Position Store (C2, spec §4.2). Every transition is a
// SQL UPDATE with a predicate on the current state; a zero row-count
// return means the precondition didn't hold and is surfaced as an
// InvariantViolation, failing the surrounding transaction.
type Positions struct {
	q execer
}

// NewPositions binds a Positions accessor to either the pool or an
// in-flight transaction, so the Trade Executor can compose position
// writes with protocol-ledger writes atomically.
func NewPositions(q execer) *Positions { return &Positions{q: q} }

type positionRow struct {
	id                  int64
	traderPubkey        []byte
	symbol              string
	direction           string
	quantity            string
	averageEntryPrice   string
	traderLeverage      string
	coordinatorLeverage string
	traderMarginSat     int64
	coordinatorMarginSat int64
	liquidationPrice    string
	expiryTimestamp     time.Time
	state               string
	closingPrice        sql.NullString
	realisedPnL         sql.NullInt64
	tempContractID      []byte
	stable              bool
	createdAt           time.Time
	updatedAt           time.Time
}

func scanPosition(scan func(dest ...any) error) (*types.Position, error) {
	var r positionRow
	err := scan(
		&r.id, &r.traderPubkey, &r.symbol, &r.direction, &r.quantity,
		&r.averageEntryPrice, &r.traderLeverage, &r.coordinatorLeverage,
		&r.traderMarginSat, &r.coordinatorMarginSat, &r.liquidationPrice,
		&r.expiryTimestamp, &r.state, &r.closingPrice, &r.realisedPnL,
		&r.tempContractID, &r.stable, &r.createdAt, &r.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rowToPosition(r)
}

func rowToPosition(r positionRow) (*types.Position, error) {
	quantity, err := decimal.NewFromString(r.quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	avgEntry, err := decimal.NewFromString(r.averageEntryPrice)
	if err != nil {
		return nil, fmt.Errorf("parse average_entry_price: %w", err)
	}
	traderLev, err := decimal.NewFromString(r.traderLeverage)
	if err != nil {
		return nil, fmt.Errorf("parse trader_leverage: %w", err)
	}
	coordLev, err := decimal.NewFromString(r.coordinatorLeverage)
	if err != nil {
		return nil, fmt.Errorf("parse coordinator_leverage: %w", err)
	}
	liqPrice, err := decimal.NewFromString(r.liquidationPrice)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_price: %w", err)
	}

	state := types.PositionState{Kind: types.PositionStateKind(r.state)}
	if r.closingPrice.Valid {
		cp, err := decimal.NewFromString(r.closingPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse closing_price: %w", err)
		}
		state.ClosingPrice = &cp
	}
	if r.realisedPnL.Valid {
		pnl := r.realisedPnL.Int64
		state.RealisedPnL = &pnl
	}

	var trader [33]byte
	copy(trader[:], r.traderPubkey)
	var tempContractID [32]byte
	copy(tempContractID[:], r.tempContractID)

	return &types.Position{
		ID:                r.id,
		TraderPubkey:      trader,
		Symbol:            types.ContractSymbol(r.symbol),
		Direction:         types.Direction(r.direction),
		Quantity:          quantity,
		AverageEntryPrice: avgEntry,
		TraderLeverage:    traderLev,
		CoordinatorLev:    coordLev,
		TraderMarginSat:   r.traderMarginSat,
		CoordinatorMarSat: r.coordinatorMarginSat,
		LiquidationPrice:  liqPrice,
		ExpiryTimestamp:   r.expiryTimestamp,
		State:             state,
		TempContractID:    tempContractID,
		Stable:            r.stable,
		CreatedAt:         r.createdAt,
		UpdatedAt:         r.updatedAt,
	}, nil
}

const positionColumns = `id, trader_pubkey, symbol, direction, quantity, average_entry_price,
	trader_leverage, coordinator_leverage, trader_margin_sat, coordinator_margin_sat,
	liquidation_price, expiry_timestamp, state, closing_price, realised_pnl,
	temp_contract_id, stable, created_at, updated_at`

// CreateProposed inserts a new position in the Proposed state. Invariant
// I1 (at most one non-terminal position per trader+symbol) is enforced by
// the partial unique index; a conflict surfaces as an InvariantViolation.
func (p *Positions) CreateProposed(ctx context.Context, pos types.Position) (*types.Position, error) {
	row := p.q.QueryRowContext(ctx, `
		INSERT INTO positions (
			trader_pubkey, symbol, direction, quantity, average_entry_price,
			trader_leverage, coordinator_leverage, trader_margin_sat,
			coordinator_margin_sat, liquidation_price, expiry_timestamp,
			state, temp_contract_id, stable
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+positionColumns,
		pos.TraderPubkey[:], string(pos.Symbol), string(pos.Direction),
		pos.Quantity.String(), pos.AverageEntryPrice.String(),
		pos.TraderLeverage.String(), pos.CoordinatorLev.String(),
		pos.TraderMarginSat, pos.CoordinatorMarSat, pos.LiquidationPrice.String(),
		pos.ExpiryTimestamp, string(types.PositionProposed), pos.TempContractID[:], pos.Stable,
	)
	created, err := scanPosition(row.Scan)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, coorderrs.NewInvariantViolation("trader %x already has an active position in %s", pos.TraderPubkey, pos.Symbol)
		}
		return nil, fmt.Errorf("insert proposed position: %w", err)
	}
	return created, nil
}

// ByID loads a position by primary key.
func (p *Positions) ByID(ctx context.Context, id int64) (*types.Position, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	pos, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select position: %w", err)
	}
	return pos, nil
}

// ByTraderSymbol loads the trader's current non-terminal position, if any.
func (p *Positions) ByTraderSymbol(ctx context.Context, trader [33]byte, symbol types.ContractSymbol) (*types.Position, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trader_pubkey = $1 AND symbol = $2
		  AND state NOT IN ('closed', 'failed')`,
		trader[:], string(symbol),
	)
	pos, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select position by trader/symbol: %w", err)
	}
	return pos, nil
}

// ByTempContractID loads the position awaiting confirmation of a given
// contract, the join the Channel Event Projector (C7) uses to go from a
// protocol instance's contract id back to the position it mutates.
func (p *Positions) ByTempContractID(ctx context.Context, contractID [32]byte) (*types.Position, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE temp_contract_id = $1
		ORDER BY created_at DESC LIMIT 1`,
		contractID[:],
	)
	pos, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select position by temp contract id: %w", err)
	}
	return pos, nil
}

// AllNonTerminal lists every position still in flight, oldest first, the
// sweep the Recovery Supervisor (C8) walks on startup and on its periodic
// reconciliation tick.
func (p *Positions) AllNonTerminal(ctx context.Context) ([]types.Position, error) {
	placeholders := ""
	args := make([]any, 0, len(types.NonTerminalStates()))
	for i, st := range types.NonTerminalStates() {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, string(st))
	}

	rows, err := p.q.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE state IN (`+placeholders+`)
		ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select non-terminal positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan non-terminal position: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// advance runs a single CAS UPDATE: WHERE id = ... AND state = fromState,
// failing with InvariantViolation on a zero row-count.
func (p *Positions) advance(ctx context.Context, id int64, fromStates []types.PositionStateKind, setClause string, args ...any) error {
	predicate := make([]any, 0, len(fromStates))
	placeholders := ""
	base := len(args) + 2 // setClause args occupy $1..$len(args), id is $len(args)+1
	for i, st := range fromStates {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", base+i)
		predicate = append(predicate, string(st))
	}
	query := fmt.Sprintf(`UPDATE positions SET %s WHERE id = $%d AND state IN (%s)`,
		setClause, len(args)+1, placeholders)
	queryArgs := append(append([]any{}, args...), id)
	queryArgs = append(queryArgs, predicate...)

	res, err := p.q.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return fmt.Errorf("advance position %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return coorderrs.NewInvariantViolation("position %d: expected state in %v", id, fromStates)
	}
	return nil
}

// SetOpen transitions Proposed -> Open once the channel is established.
func (p *Positions) SetOpen(ctx context.Context, id int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionProposed, types.PositionRollover, types.PositionResizing},
		`state = $1, updated_at = now()`, string(types.PositionOpen))
}

// SetResizing transitions Open -> Resizing when a resize offer is sent.
func (p *Positions) SetResizing(ctx context.Context, id int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionOpen},
		`state = $1, updated_at = now()`, string(types.PositionResizing))
}

// SetResizeProposed transitions Resizing -> ResizeProposed once the
// counterparty accepts.
func (p *Positions) SetResizeProposed(ctx context.Context, id int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionResizing},
		`state = $1, updated_at = now()`, string(types.PositionResizeProposed))
}

// CommitResize finalises a resize: new quantity/direction/entry price/
// margins/liquidation price are written and the position returns to Open.
func (p *Positions) CommitResize(ctx context.Context, id int64, quantity, avgEntry, liqPrice decimal.Decimal, direction types.Direction, traderMarginSat, coordinatorMarginSat int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionResizeProposed},
		`state = $1, direction = $2, quantity = $3, average_entry_price = $4,
		 liquidation_price = $5, trader_margin_sat = $6, coordinator_margin_sat = $7, updated_at = now()`,
		string(types.PositionOpen), string(direction), quantity.String(), avgEntry.String(),
		liqPrice.String(), traderMarginSat, coordinatorMarginSat)
}

// SetRollover transitions Open -> Rollover while a rollover offer is
// in-flight.
func (p *Positions) SetRollover(ctx context.Context, id int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionOpen},
		`state = $1, updated_at = now()`, string(types.PositionRollover))
}

// CommitRollover finalises a rollover, writing the renewed expiry and
// returning the position to Open.
func (p *Positions) CommitRollover(ctx context.Context, id int64, newExpiry time.Time) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionRollover},
		`state = $1, expiry_timestamp = $2, updated_at = now()`,
		string(types.PositionOpen), newExpiry)
}

// SetClosing transitions Open -> Closing, optionally recording the closing
// price once the oracle attestation is known. Per the Closing/Closed
// design note, a nil price means "unset", never a 0.0 sentinel.
func (p *Positions) SetClosing(ctx context.Context, id int64, closingPrice *decimal.Decimal) error {
	if closingPrice == nil {
		return p.advance(ctx, id, []types.PositionStateKind{types.PositionOpen, types.PositionResizeProposed, types.PositionResizing},
			`state = $1, updated_at = now()`, string(types.PositionClosing))
	}
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionOpen, types.PositionResizeProposed, types.PositionResizing},
		`state = $1, closing_price = $2, updated_at = now()`,
		string(types.PositionClosing), closingPrice.String())
}

// SetClosed transitions Closing -> Closed, recording the final realised
// PnL and closing price. Terminal: never reverses (invariant I1 stops
// counting this trader+symbol against the active-position limit).
func (p *Positions) SetClosed(ctx context.Context, id int64, closingPrice decimal.Decimal, realisedPnL int64) error {
	return p.advance(ctx, id, []types.PositionStateKind{types.PositionClosing},
		`state = $1, closing_price = $2, realised_pnl = $3, updated_at = now()`,
		string(types.PositionClosed), closingPrice.String(), realisedPnL)
}

// SetFailed transitions any non-terminal state to Failed. Used when a
// protocol is rejected or a counterparty misbehaves mid-flight (spec §7).
func (p *Positions) SetFailed(ctx context.Context, id int64) error {
	return p.advance(ctx, id, types.NonTerminalStates(), `state = $1, updated_at = now()`, string(types.PositionFailed))
}

func isUniqueViolation(err error) bool {
	return err != nil && containsPQCode(err, "23505")
}
