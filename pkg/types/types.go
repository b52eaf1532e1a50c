// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the coordinator — positions,
// orders, matches, protocol instances, channel records, and the wire
// message envelopes exchanged with traders over their DLC channel. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is a trader's side of a position or order: Long or Short.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for Long and -1 for Short, used for signed-contract math.
func (d Direction) Sign() int64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// ContractSymbol enumerates tradeable contracts. Only one variant exists
// today; the type still carries real meaning as a column/enum boundary.
type ContractSymbol string

const (
	SymbolBTCUSD ContractSymbol = "BTCUSD"
)

// PositionStateKind tags the variant of PositionState.
type PositionStateKind string

const (
	PositionProposed       PositionStateKind = "proposed"
	PositionOpen           PositionStateKind = "open"
	PositionRollover       PositionStateKind = "rollover"
	PositionResizing       PositionStateKind = "resizing"
	PositionResizeProposed PositionStateKind = "resize_proposed"
	PositionClosing        PositionStateKind = "closing"
	PositionClosed         PositionStateKind = "closed"
	PositionFailed         PositionStateKind = "failed"
)

// PositionState is a tagged variant carrying per-state data, per the
// "dynamic state enums" design note: Closing carries an optional closing
// price, Closed carries the realised PnL and the closing price that
// produced it. Never compare ClosingPrice against 0.0 as a sentinel for
// "unset" — use the pointer's nilness.
type PositionState struct {
	Kind         PositionStateKind
	ClosingPrice *decimal.Decimal // set once known, for Closing and Closed
	RealisedPnL  *int64           // satoshis, set only for Closed
}

// IsTerminal reports whether the position is no longer part of the active
// set (invariant I1 only constrains non-terminal states).
func (s PositionState) IsTerminal() bool {
	return s.Kind == PositionClosed || s.Kind == PositionFailed
}

// NonTerminalStates lists every state counted by invariant I1.
func NonTerminalStates() []PositionStateKind {
	return []PositionStateKind{
		PositionProposed, PositionOpen, PositionRollover,
		PositionResizing, PositionResizeProposed, PositionClosing,
	}
}

// Position is a trader's single active contract, shadowing the DLC
// protocol and channel state machines. See spec §3 for the full
// invariant list (I1-I5).
type Position struct {
	ID                int64
	TraderPubkey      [33]byte
	Symbol            ContractSymbol
	Direction         Direction
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	TraderLeverage    decimal.Decimal
	CoordinatorLev    decimal.Decimal
	TraderMarginSat   int64
	CoordinatorMarSat int64
	LiquidationPrice  decimal.Decimal
	ExpiryTimestamp   time.Time
	State             PositionState
	TempContractID    [32]byte
	Stable            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderType enumerates how an order is matched.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderStateKind enumerates an order's lifecycle.
type OrderStateKind string

const (
	OrderOpen    OrderStateKind = "open"
	OrderMatched OrderStateKind = "matched"
	OrderTaken   OrderStateKind = "taken"
	OrderFailed  OrderStateKind = "failed"
	OrderExpired OrderStateKind = "expired"
)

// OrderReason records why a market order was submitted, distinguishing
// manual trader action from automated liquidation/expiry flows.
type OrderReason string

const (
	ReasonManual                OrderReason = "manual"
	ReasonExpired               OrderReason = "expired"
	ReasonTraderLiquidated      OrderReason = "trader_liquidated"
	ReasonCoordinatorLiquidated OrderReason = "coordinator_liquidated"
)

// Order is a resting or taker instruction in the orderbook (C4).
type Order struct {
	ID           uuid.UUID
	TraderPubkey [33]byte
	Direction    Direction
	Symbol       ContractSymbol
	Price        decimal.Decimal // zero for market orders
	Quantity     decimal.Decimal
	Leverage     decimal.Decimal
	Type         OrderType
	State        OrderStateKind
	Reason       OrderReason
	Timestamp    time.Time
	Expiry       time.Time
}

// Match records one fill between a resting order and a taker order.
type Match struct {
	OrderID        uuid.UUID
	MatchedOrderID uuid.UUID
	Quantity       decimal.Decimal
	ExecutionPrice decimal.Decimal
	TakerPubkey    [33]byte
}

// ProtocolType enumerates the DLC protocol instances the ledger tracks.
type ProtocolType string

const (
	ProtoOpenChannel    ProtocolType = "open_channel"
	ProtoOpenPosition   ProtocolType = "open_position"
	ProtoResizePosition ProtocolType = "resize_position"
	ProtoSettle         ProtocolType = "settle"
	ProtoRollover       ProtocolType = "rollover"
	ProtoClose          ProtocolType = "close"
	ProtoForceClose     ProtocolType = "force_close"
)

// ProtocolStateKind enumerates a protocol instance's lifecycle.
type ProtocolStateKind string

const (
	ProtocolPending ProtocolStateKind = "pending"
	ProtocolSuccess ProtocolStateKind = "success"
	ProtocolFailed  ProtocolStateKind = "failed"
)

// ProtocolInstance is the persistent record of one in-flight DLC protocol
// run, owned exclusively by the protocol ledger (C3).
type ProtocolInstance struct {
	ProtocolID   uuid.UUID
	PrevProtoID  *uuid.UUID
	ContractID   [32]byte
	ChannelID    [32]byte
	TraderPubkey [33]byte
	State        ProtocolStateKind
	Type         ProtocolType
	Timestamp    time.Time
}

// ReferenceID is the 32-byte wire-compatible correlation tag derived from
// a ProtocolID. See internal/dlcmsg for the total, side-effect-free
// encode/decode pair (spec §3, §9, testable property 3).
type ReferenceID [32]byte

// ChannelStateKind enumerates a DLC channel's lifecycle.
type ChannelStateKind string

const (
	ChannelPending   ChannelStateKind = "pending"
	ChannelOpen      ChannelStateKind = "open"
	ChannelClosing   ChannelStateKind = "closing"
	ChannelClosed    ChannelStateKind = "closed"
	ChannelFailed    ChannelStateKind = "failed"
	ChannelCancelled ChannelStateKind = "cancelled"
)

// ChannelRecord is the projector's (C7) persistent view of a DLC channel.
type ChannelRecord struct {
	ChannelID          [32]byte
	TraderPubkey       [33]byte
	State              ChannelStateKind
	FundingTxid        string
	SettleTxid         string
	BufferTxid         string
	ClaimTxid          string
	PunishTxid         string
	CoordinatorReserve int64
	TraderReserve      int64
	CoordinatorFunding int64
	TraderFunding      int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FundingFeeOutcome tags which party pays a channel's funding fee, and how
// much, for the projector's signed debit/credit (spec §4.7).
type FundingFeeOutcome struct {
	Kind   FundingFeeKind
	Amount int64 // satoshis, only meaningful when Kind != FundingFeeZero
}

type FundingFeeKind string

const (
	FundingFeeZero            FundingFeeKind = "zero"
	FundingFeeCoordinatorPays FundingFeeKind = "coordinator_pays"
	FundingFeeTraderPays      FundingFeeKind = "trader_pays"
)

// TradeParams is the input to the Trade Executor's Execute entry point.
type TradeParams struct {
	Order          Order
	MatchedOrderID uuid.UUID
	ExecutionPrice decimal.Decimal
	Quantity       decimal.Decimal
	TraderPubkey   [33]byte
	CoordinatorLev decimal.Decimal
}

// Trade is the persisted record of one execution against the DLC
// collaborator, written atomically with the Position row it produced.
type Trade struct {
	ID             int64
	PositionID     int64
	OrderID        uuid.UUID
	MatchedOrderID uuid.UUID
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Direction      Direction
	Timestamp      time.Time
}
