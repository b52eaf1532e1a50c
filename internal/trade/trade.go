// Package trade implements the Trade Executor (C6, spec §4.6): the
// orchestration step between a fresh match from the orderbook and a
// durable Position/Trade pair. It is grounded on the teacher's
// strategy.Maker per-tick shape — compute, call the external
// collaborator, persist, notify — generalised from a market-making quote
// cycle to a single trade's four-way open/renew/close/resize dispatch.
package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/internal/margin"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Executor orchestrates open / resize / close / rollover against the DLC
// collaborator, writing positions and trades atomically before any
// outbound protocol message is produced (spec §4.6). Each trader holds at
// most one channel with the coordinator (spec §1), so a channel lookup is
// always by trader, never by channel id directly.
type Executor struct {
	store    *storage.Store
	collab   collaborator.Collaborator
	oracle   collaborator.OracleSource
	feeRate  collaborator.FeeRateSource
	notifier collaborator.Notifier
	logger   *slog.Logger

	symbol           types.ContractSymbol
	contractDuration time.Duration
}

// New builds an Executor for a single contract symbol.
func New(
	store *storage.Store,
	collab collaborator.Collaborator,
	oracle collaborator.OracleSource,
	feeRate collaborator.FeeRateSource,
	notifier collaborator.Notifier,
	symbol types.ContractSymbol,
	contractDuration time.Duration,
	logger *slog.Logger,
) *Executor {
	if notifier == nil {
		notifier = collaborator.NoopNotifier{}
	}
	return &Executor{
		store:            store,
		collab:           collab,
		oracle:           oracle,
		feeRate:          feeRate,
		notifier:         notifier,
		symbol:           symbol,
		contractDuration: contractDuration,
		logger:           logger.With("component", "trade.executor", "symbol", symbol),
	}
}

// Execute is the entry point: a freshly matched order has arrived and must
// be turned into a DLC channel/contract operation. Preconditions (order
// exists, is Matched, and has not expired) are the orderbook's
// responsibility to establish before calling in; Execute re-checks the
// expiry since an executor call can be queued behind a slow collaborator
// round-trip.
func (e *Executor) Execute(ctx context.Context, params types.TradeParams) error {
	if params.Order.State != types.OrderMatched {
		return coorderrs.NewInvariantViolation("order %s is not Matched (state=%s)", params.Order.ID, params.Order.State)
	}
	if !params.Order.Expiry.IsZero() && time.Now().After(params.Order.Expiry) {
		e.failOrder(ctx, params.Order.ID, types.ReasonExpired)
		return &coorderrs.ProtocolRejected{Reason: "order expired before execution"}
	}

	trader := params.TraderPubkey
	positions := storage.NewPositions(e.store.DB())
	channels := storage.NewChannels(e.store.DB())

	existingPos, err := positions.ByTraderSymbol(ctx, trader, e.symbol)
	if err != nil {
		return fmt.Errorf("load existing position: %w", err)
	}
	channelRecords, err := channels.ByTrader(ctx, trader)
	if err != nil {
		return fmt.Errorf("load trader channels: %w", err)
	}
	var channel *types.ChannelRecord
	if len(channelRecords) > 0 {
		channel = &channelRecords[0]
	}

	switch {
	case channel == nil:
		return e.openChannelAndPosition(ctx, params)
	case channel.State == types.ChannelOpen && (existingPos == nil || existingPos.State.IsTerminal()):
		return e.openPosition(ctx, params, channel)
	case channel.State == types.ChannelOpen && existingPos != nil && isEqualOpposite(*existingPos, params):
		return e.closePosition(ctx, params, existingPos, channel)
	case channel.State == types.ChannelOpen && existingPos != nil:
		return e.resizePosition(ctx, params, existingPos, channel)
	default:
		return coorderrs.NewInvariantViolation("trader %x: channel %x in state %s cannot accept a trade", trader, channel.ChannelID, channel.State)
	}
}

// isEqualOpposite reports whether a trade exactly flattens the existing
// position in signed-contract terms (spec §4.6 case 3).
func isEqualOpposite(pos types.Position, params types.TradeParams) bool {
	posContracts := pos.Quantity.Mul(decimal.NewFromInt(pos.Direction.Sign()))
	tradeContracts := params.Quantity.Mul(decimal.NewFromInt(params.Order.Direction.Sign()))
	return posContracts.Add(tradeContracts).IsZero()
}

// ——— Open: no existing channel ————————————————————————————————————————

func (e *Executor) openChannelAndPosition(ctx context.Context, params types.TradeParams) error {
	entry := params.ExecutionPrice
	qty := params.Quantity
	direction := params.Order.Direction
	traderLev := params.Order.Leverage
	coordLev := params.CoordinatorLev
	expiry := time.Now().Add(e.contractDuration)

	traderMargin := margin.Margin(entry, qty, traderLev)
	coordMargin := margin.Margin(entry, qty, coordLev)
	liq := liquidationPrice(direction, traderLev, entry)
	fee := margin.OrderMatchingFeeTaker(qty, entry)

	input, err := e.buildContractInputForExpiry(ctx, entry, qty, direction, traderLev, coordLev,
		traderMargin, coordMargin, fee, expiry, 0, 0)
	if err != nil {
		return err
	}

	tempContractID, err := e.collab.ProposeChannel(ctx, input, params.TraderPubkey)
	if err != nil {
		return e.handleProposeError(ctx, params.Order.ID, err)
	}

	pos := types.Position{
		TraderPubkey:      params.TraderPubkey,
		Symbol:            e.symbol,
		Direction:         direction,
		Quantity:          qty,
		AverageEntryPrice: entry,
		TraderLeverage:    traderLev,
		CoordinatorLev:    coordLev,
		TraderMarginSat:   traderMargin,
		CoordinatorMarSat: coordMargin,
		LiquidationPrice:  liq,
		ExpiryTimestamp:   expiry,
		State:             types.PositionState{Kind: types.PositionProposed},
		TempContractID:    tempContractID,
	}

	created, err := e.persistOpen(ctx, pos, tempContractID, tempContractID, types.ProtoOpenChannel, params)
	if err != nil {
		return err
	}

	e.notifier.Notify(ctx, params.TraderPubkey, "position_proposed", map[string]string{
		"position_id": fmt.Sprintf("%d", created.ID),
		"direction":   string(direction),
	})
	return nil
}

// ——— Open: settled channel, renew with a fresh contract —————————————————

func (e *Executor) openPosition(ctx context.Context, params types.TradeParams, channel *types.ChannelRecord) error {
	entry := params.ExecutionPrice
	qty := params.Quantity
	direction := params.Order.Direction
	traderLev := params.Order.Leverage
	coordLev := params.CoordinatorLev
	expiry := time.Now().Add(e.contractDuration)

	traderMargin := margin.Margin(entry, qty, traderLev)
	coordMargin := margin.Margin(entry, qty, coordLev)
	liq := liquidationPrice(direction, traderLev, entry)
	fee := margin.OrderMatchingFeeTaker(qty, entry)

	input, err := e.buildContractInputForExpiry(ctx, entry, qty, direction, traderLev, coordLev,
		traderMargin, coordMargin, fee, expiry, channel.CoordinatorReserve, channel.TraderReserve)
	if err != nil {
		return err
	}

	tempContractID, err := e.collab.ProposeChannelUpdate(ctx, channel.ChannelID, input)
	if err != nil {
		return e.handleProposeError(ctx, params.Order.ID, err)
	}

	pos := types.Position{
		TraderPubkey:      params.TraderPubkey,
		Symbol:            e.symbol,
		Direction:         direction,
		Quantity:          qty,
		AverageEntryPrice: entry,
		TraderLeverage:    traderLev,
		CoordinatorLev:    coordLev,
		TraderMarginSat:   traderMargin,
		CoordinatorMarSat: coordMargin,
		LiquidationPrice:  liq,
		ExpiryTimestamp:   expiry,
		State:             types.PositionState{Kind: types.PositionProposed},
		TempContractID:    tempContractID,
	}

	created, err := e.persistOpen(ctx, pos, channel.ChannelID, tempContractID, types.ProtoOpenPosition, params)
	if err != nil {
		return err
	}

	e.notifier.Notify(ctx, params.TraderPubkey, "position_proposed", map[string]string{
		"position_id": fmt.Sprintf("%d", created.ID),
		"direction":   string(direction),
		"renewed":     "true",
	})
	return nil
}

// persistOpen writes the Position, its opening Protocol instance, and the
// triggering Trade in one transaction (spec §4.6: "persists a Position ...
// and a Trade row in a single database transaction before enqueuing
// outbound messages").
func (e *Executor) persistOpen(ctx context.Context, pos types.Position, channelID, contractID [32]byte, protoType types.ProtocolType, params types.TradeParams) (*types.Position, error) {
	var created *types.Position
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		positions := storage.NewPositions(tx)
		protocols := storage.NewProtocols(tx)
		trades := storage.NewTrades(tx)
		orders := storage.NewOrders(tx)

		c, err := positions.CreateProposed(ctx, pos)
		if err != nil {
			return err
		}
		created = c

		if _, err := protocols.Start(ctx, types.ProtocolInstance{
			ContractID:   contractID,
			ChannelID:    channelID,
			TraderPubkey: pos.TraderPubkey,
			Type:         protoType,
		}); err != nil {
			return err
		}

		if _, err := trades.Insert(ctx, types.Trade{
			PositionID:     created.ID,
			OrderID:        params.Order.ID,
			MatchedOrderID: params.MatchedOrderID,
			Quantity:       pos.Quantity,
			Price:          pos.AverageEntryPrice,
			Direction:      pos.Direction,
			Timestamp:      time.Now(),
		}); err != nil {
			return err
		}

		return orders.SetState(ctx, params.Order.ID, types.OrderTaken, params.Order.Reason)
	})
	if err != nil {
		return nil, fmt.Errorf("persist open position: %w", err)
	}
	return created, nil
}

// ——— Close: established channel, equal-and-opposite trade ———————————————

func (e *Executor) closePosition(ctx context.Context, params types.TradeParams, pos *types.Position, channel *types.ChannelRecord) error {
	coordinatorDirection := pos.Direction.Opposite()
	coordinatorPnL := margin.PnL(pos.AverageEntryPrice, params.ExecutionPrice, pos.Quantity, coordinatorDirection, pos.TraderMarginSat, pos.CoordinatorMarSat)

	totalCollateral, err := e.collab.TotalCollateral(ctx, channel.ChannelID)
	if err != nil {
		return fmt.Errorf("load total collateral: %w", err)
	}

	coordinatorPayout := clampInt64(pos.CoordinatorMarSat+coordinatorPnL+channel.CoordinatorReserve, 0, totalCollateral)

	if err := e.collab.ProposeCollaborativeSettlement(ctx, channel.ChannelID, coordinatorPayout); err != nil {
		return e.handleProposeError(ctx, params.Order.ID, err)
	}

	closingPrice := params.ExecutionPrice
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		positions := storage.NewPositions(tx)
		protocols := storage.NewProtocols(tx)
		trades := storage.NewTrades(tx)
		orders := storage.NewOrders(tx)

		if err := positions.SetClosing(ctx, pos.ID, &closingPrice); err != nil {
			return err
		}
		if _, err := protocols.Start(ctx, types.ProtocolInstance{
			ContractID:   pos.TempContractID,
			ChannelID:    channel.ChannelID,
			TraderPubkey: pos.TraderPubkey,
			Type:         types.ProtoSettle,
		}); err != nil {
			return err
		}
		if _, err := trades.Insert(ctx, types.Trade{
			PositionID:     pos.ID,
			OrderID:        params.Order.ID,
			MatchedOrderID: params.MatchedOrderID,
			Quantity:       params.Quantity,
			Price:          params.ExecutionPrice,
			Direction:      params.Order.Direction,
			Timestamp:      time.Now(),
		}); err != nil {
			return err
		}
		return orders.SetState(ctx, params.Order.ID, types.OrderTaken, params.Order.Reason)
	})
	if err != nil {
		return fmt.Errorf("persist close: %w", err)
	}

	e.notifier.Notify(ctx, params.TraderPubkey, "position_closing", map[string]string{
		"position_id":   fmt.Sprintf("%d", pos.ID),
		"closing_price": closingPrice.String(),
	})
	return nil
}

// ——— Resize: established channel, same direction or partial opposite ————

func (e *Executor) resizePosition(ctx context.Context, params types.TradeParams, pos *types.Position, channel *types.ChannelRecord) error {
	outcome := ComputeResize(*pos, params.Order.Direction, params.Quantity, params.ExecutionPrice)
	fee := margin.OrderMatchingFeeTaker(params.Quantity, params.ExecutionPrice)

	input, err := e.buildContractInputForExpiry(ctx, outcome.AverageEntryPrice, outcome.Quantity, outcome.Direction,
		pos.TraderLeverage, pos.CoordinatorLev, outcome.TraderMarginSat, outcome.CoordinatorMarSat, fee,
		pos.ExpiryTimestamp, channel.CoordinatorReserve, channel.TraderReserve)
	if err != nil {
		return err
	}

	tempContractID, err := e.collab.ProposeChannelUpdate(ctx, channel.ChannelID, input)
	if err != nil {
		return e.handleProposeError(ctx, params.Order.ID, err)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		positions := storage.NewPositions(tx)
		protocols := storage.NewProtocols(tx)
		trades := storage.NewTrades(tx)
		orders := storage.NewOrders(tx)

		if err := positions.SetResizing(ctx, pos.ID); err != nil {
			return err
		}
		if _, err := protocols.Start(ctx, types.ProtocolInstance{
			ContractID:   tempContractID,
			ChannelID:    channel.ChannelID,
			TraderPubkey: pos.TraderPubkey,
			Type:         types.ProtoResizePosition,
		}); err != nil {
			return err
		}
		if _, err := trades.Insert(ctx, types.Trade{
			PositionID:     pos.ID,
			OrderID:        params.Order.ID,
			MatchedOrderID: params.MatchedOrderID,
			Quantity:       params.Quantity,
			Price:          params.ExecutionPrice,
			Direction:      params.Order.Direction,
			Timestamp:      time.Now(),
		}); err != nil {
			return err
		}
		return orders.SetState(ctx, params.Order.ID, types.OrderTaken, params.Order.Reason)
	})
	if err != nil {
		return fmt.Errorf("persist resize: %w", err)
	}

	e.notifier.Notify(ctx, params.TraderPubkey, "position_resize_proposed", map[string]string{
		"position_id":   fmt.Sprintf("%d", pos.ID),
		"new_direction": string(outcome.Direction),
		"new_quantity":  outcome.Quantity.String(),
	})
	return nil
}

// ResizeOutcome is the recomputed position state after applying a trade to
// an existing Open position (spec §4.6 edge cases). It is exported so the
// Channel Event Projector (C7) can deterministically recompute the exact
// same numbers at confirmation time, rather than needing the executor to
// stash them somewhere between the offer and the accept.
type ResizeOutcome struct {
	Direction         types.Direction
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	LiquidationPrice  decimal.Decimal
	TraderMarginSat   int64
	CoordinatorMarSat int64
}

// ComputeResize applies a signed trade to an existing position using the
// signed-contract convention (Long = +1, Short = -1): contracts_relative =
// quantity * sign(direction). Average entry price only recomputes when the
// position grows in the same direction, stays put when it shrinks without
// flipping, and becomes the trade price when direction flips (spec §4.6).
// Callers must not invoke this for an exact flattening trade (use
// isEqualOpposite / the Close path instead).
func ComputeResize(pos types.Position, tradeDirection types.Direction, tradeQuantity, tradePrice decimal.Decimal) ResizeOutcome {
	posContracts := pos.Quantity.Mul(decimal.NewFromInt(pos.Direction.Sign()))
	tradeContracts := tradeQuantity.Mul(decimal.NewFromInt(tradeDirection.Sign()))
	total := posContracts.Add(tradeContracts)

	newDirection := types.Long
	if total.Sign() < 0 {
		newDirection = types.Short
	}
	newQuantity := total.Abs()

	var newEntry decimal.Decimal
	switch {
	case posContracts.Sign() != 0 && total.Sign() == posContracts.Sign() && newQuantity.GreaterThan(pos.Quantity):
		newEntry = pos.AverageEntryPrice.Mul(pos.Quantity).
			Add(tradePrice.Mul(tradeQuantity)).
			Div(newQuantity)
	case posContracts.Sign() != 0 && total.Sign() == posContracts.Sign():
		newEntry = pos.AverageEntryPrice
	default:
		newEntry = tradePrice
	}

	return ResizeOutcome{
		Direction:         newDirection,
		Quantity:          newQuantity,
		AverageEntryPrice: newEntry,
		LiquidationPrice:  liquidationPrice(newDirection, pos.TraderLeverage, newEntry),
		TraderMarginSat:   margin.Margin(newEntry, newQuantity, pos.TraderLeverage),
		CoordinatorMarSat: margin.Margin(newEntry, newQuantity, pos.CoordinatorLev),
	}
}

// ——— Shared helpers ——————————————————————————————————————————————————

func liquidationPrice(direction types.Direction, leverage, price decimal.Decimal) decimal.Decimal {
	if direction == types.Long {
		return margin.LongLiquidationPrice(leverage, price)
	}
	return margin.ShortLiquidationPrice(leverage, price)
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// buildContractInputForExpiry is the common path for every branch that
// must describe a contract to the DLC collaborator: it derives the oracle
// event id from the symbol and expiry (spec §4.6: `"{symbol}{expiry_unix_seconds}"`),
// fetches the announcement and fee rate, discretises the payout curve
// (C1), and packages everything plus the taker's order-matching fee, which
// is added to the coordinator's (accept-side) collateral so the
// coordinator receives it as reserve on settlement (spec §4.6).
func (e *Executor) buildContractInputForExpiry(
	ctx context.Context,
	entry, qty decimal.Decimal,
	direction types.Direction,
	traderLev, coordLev decimal.Decimal,
	traderMarginSat, coordMarginSat, fee int64,
	expiry time.Time,
	coordinatorReserve, traderReserve int64,
) (collaborator.ContractInput, error) {
	oracleEventID := fmt.Sprintf("%s%d", e.symbol, expiry.Unix())

	ann, err := e.oracle.AnnouncementFor(ctx, oracleEventID)
	if err != nil {
		return collaborator.ContractInput{}, err
	}
	feeRate, err := e.feeRate.CurrentFeeRate(ctx)
	if err != nil {
		return collaborator.ContractInput{}, err
	}

	coordinatorDirection := direction.Opposite()
	var marginLong, marginShort, leverageLong, leverageShort decimal.Decimal
	if direction == types.Long {
		marginLong, marginShort = decimal.NewFromInt(traderMarginSat), decimal.NewFromInt(coordMarginSat)
		leverageLong, leverageShort = traderLev, coordLev
	} else {
		marginLong, marginShort = decimal.NewFromInt(coordMarginSat), decimal.NewFromInt(traderMarginSat)
		leverageLong, leverageShort = coordLev, traderLev
	}

	points := margin.PayoutCurve(entry, marginLong, marginShort, leverageLong, leverageShort,
		coordinatorDirection, coordinatorReserve, traderReserve, qty)

	outcomes := make([]collaborator.ContractOutcome, 0, len(points))
	for _, pt := range points {
		outcomes = append(outcomes, collaborator.ContractOutcome{
			Outcome: margin.OutcomeForPrice(pt.Outcome, ann.Digits),
			Payout:  pt.Payout,
		})
	}

	return collaborator.ContractInput{
		PayoutCurvePoints: outcomes,
		OracleEventID:     oracleEventID,
		OraclePubkey:      ann.PublicKey,
		CETFeeRate:        feeRate,
		AcceptCollateral:  coordMarginSat + fee,
		OfferCollateral:   traderMarginSat,
	}, nil
}

// Rollover renews a still-Open position into a new contract with a later
// expiry, keeping entry price and quantity constant (glossary: Rollover).
// Unlike a trade-driven resize there is no order to dispatch against, so
// it is a separate entry point rather than a branch of Execute. Nothing
// in this repository calls it on a timer; it runs only when invoked.
func (e *Executor) Rollover(ctx context.Context, positionID int64) error {
	positions := storage.NewPositions(e.store.DB())
	pos, err := positions.ByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return coorderrs.NewInvariantViolation("position %d not found", positionID)
	}
	if pos.State.Kind != types.PositionOpen {
		return coorderrs.NewInvariantViolation("position %d is not Open (state=%s)", positionID, pos.State.Kind)
	}

	channels := storage.NewChannels(e.store.DB())
	channelRecords, err := channels.ByTrader(ctx, pos.TraderPubkey)
	if err != nil {
		return fmt.Errorf("load trader channels: %w", err)
	}
	if len(channelRecords) == 0 || channelRecords[0].State != types.ChannelOpen {
		return coorderrs.NewInvariantViolation("trader %x has no open channel to roll %d over on", pos.TraderPubkey, positionID)
	}
	channel := channelRecords[0]

	newExpiry := pos.ExpiryTimestamp.Add(e.contractDuration)
	fee := int64(0) // rollovers carry no taker; the position is not being re-traded

	input, err := e.buildContractInputForExpiry(ctx, pos.AverageEntryPrice, pos.Quantity, pos.Direction,
		pos.TraderLeverage, pos.CoordinatorLev, pos.TraderMarginSat, pos.CoordinatorMarSat, fee,
		newExpiry, channel.CoordinatorReserve, channel.TraderReserve)
	if err != nil {
		return err
	}

	tempContractID, err := e.collab.ProposeChannelUpdate(ctx, channel.ChannelID, input)
	if err != nil {
		var rejected *coorderrs.ProtocolRejected
		if errors.As(err, &rejected) {
			e.logger.Warn("rollover rejected", "position", positionID, "error", err)
		}
		return fmt.Errorf("propose rollover: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		positions := storage.NewPositions(tx)
		protocols := storage.NewProtocols(tx)

		if err := positions.SetRollover(ctx, pos.ID); err != nil {
			return err
		}
		_, err := protocols.Start(ctx, types.ProtocolInstance{
			ContractID:   tempContractID,
			ChannelID:    channel.ChannelID,
			TraderPubkey: pos.TraderPubkey,
			Type:         types.ProtoRollover,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("persist rollover: %w", err)
	}

	e.notifier.Notify(ctx, pos.TraderPubkey, "position_rollover_proposed", map[string]string{
		"position_id": fmt.Sprintf("%d", pos.ID),
		"new_expiry":  newExpiry.Format(time.RFC3339),
	})
	return nil
}

// handleProposeError marks the triggering order Failed when the
// collaborator rejected the proposal outright (spec §7: ProtocolRejected
// side effects). Any other error (transient transport, oracle/fee-rate
// unavailability surfaced via the collaborator) leaves the order Matched
// for a retry, since no position was created to clean up.
func (e *Executor) handleProposeError(ctx context.Context, orderID uuid.UUID, err error) error {
	var rejected *coorderrs.ProtocolRejected
	if errors.As(err, &rejected) {
		e.failOrder(ctx, orderID, types.ReasonManual)
	}
	return fmt.Errorf("propose to collaborator: %w", err)
}

func (e *Executor) failOrder(ctx context.Context, orderID uuid.UUID, reason types.OrderReason) {
	orders := storage.NewOrders(e.store.DB())
	if err := orders.SetState(ctx, orderID, types.OrderFailed, reason); err != nil {
		e.logger.Error("failed to mark order failed", "order", orderID, "error", err)
	}
}
