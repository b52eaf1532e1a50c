// Package projector implements the Channel Event Projector (C7, spec
// §4.7): it consumes the DLC collaborator's channel-lifecycle event
// stream and projects each event onto the position/channel/protocol
// tables. It is grounded on the teacher's engine.dispatchMarketEvents /
// routeBookEvent shape — a single-consumer loop that routes one event
// kind at a time to a focused handler — generalised from "route a book
// delta to the right market slot" to "route a channel event to the right
// position/protocol pair".
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/dlcmsg"
	"github.com/10101-finance/coordinator-engine/internal/margin"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/internal/trade"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Projector owns the event-stream consumer goroutine. It never originates
// a DLC protocol message itself; every write it makes is a projection of
// something the collaborator already confirmed.
type Projector struct {
	store            *storage.Store
	events           <-chan collaborator.ChannelEvent
	contractDuration time.Duration
	logger           *slog.Logger
}

// New builds a Projector reading from collab's event stream.
func New(store *storage.Store, collab collaborator.Collaborator, contractDuration time.Duration, logger *slog.Logger) *Projector {
	return &Projector{
		store:            store,
		events:           collab.Events(),
		contractDuration: contractDuration,
		logger:           logger.With("component", "projector"),
	}
}

// Run consumes the event stream until ctx is cancelled. A handler error is
// logged, not fatal: the collaborator is the source of truth and will
// redeliver the same fact on the next reconciliation pass (C8) if the
// projection never lands.
func (p *Projector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-p.events:
			if !ok {
				p.logger.Error("collaborator event stream closed, projector stopping")
				return
			}
			if err := p.handle(ctx, evt); err != nil {
				p.logger.Error("failed to project channel event", "kind", evt.Kind, "error", err)
			}
		}
	}
}

func (p *Projector) handle(ctx context.Context, evt collaborator.ChannelEvent) error {
	protoID, ok := resolveProtocolID(evt)
	if !ok {
		p.logger.Warn("channel event has no correlatable reference id, skipping", "kind", evt.Kind, "channel", fmt.Sprintf("%x", evt.ChannelID))
		return nil
	}

	protocols := storage.NewProtocols(p.store.DB())
	proto, err := protocols.ByID(ctx, protoID)
	if err != nil {
		return fmt.Errorf("load protocol %s: %w", protoID, err)
	}
	if proto == nil {
		p.logger.Warn("channel event references an unknown protocol, skipping", "protocol_id", protoID, "kind", evt.Kind)
		return nil
	}

	positions := storage.NewPositions(p.store.DB())
	pos, err := positions.ByTempContractID(ctx, proto.ContractID)
	if err != nil {
		return fmt.Errorf("load position for contract %x: %w", proto.ContractID, err)
	}

	switch evt.Kind {
	case collaborator.EventOffered:
		return p.projectOffered(ctx, evt, proto)
	case collaborator.EventAccepted:
		return p.projectAccepted(ctx, proto, pos)
	case collaborator.EventEstablished, collaborator.EventSettled:
		return p.projectConfirmed(ctx, evt, proto, pos)
	case collaborator.EventClosing, collaborator.EventSettledClosing, collaborator.EventCollaborativeCloseOffered:
		return p.projectClosing(ctx, evt, proto)
	case collaborator.EventClosed, collaborator.EventCounterClosed, collaborator.EventCollaborativelyClosed, collaborator.EventClosedPunished:
		return p.projectClosed(ctx, evt, proto, pos)
	case collaborator.EventFailedAccept, collaborator.EventFailedSign, collaborator.EventCancelled, collaborator.EventRejected:
		return p.projectFailed(ctx, evt, proto, pos)
	case collaborator.EventDeleted:
		p.logger.Info("protocol deleted by collaborator", "protocol_id", proto.ProtocolID)
		return protocols.Fail(ctx, proto.ProtocolID)
	default:
		p.logger.Warn("unhandled channel event kind", "kind", evt.Kind)
		return nil
	}
}

// resolveProtocolID prefers the event's explicit ProtocolID (set for
// Deleted, which has no channel to look a reference id up against) and
// falls back to decoding the wire reference id.
func resolveProtocolID(evt collaborator.ChannelEvent) (uuid.UUID, bool) {
	if evt.ProtocolID != nil {
		return *evt.ProtocolID, true
	}
	if evt.ReferenceID == nil {
		return uuid.Nil, false
	}
	id, err := dlcmsg.DecodeReferenceID(*evt.ReferenceID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ——— Per-kind projections ———————————————————————————————————————————————

// upsertChannel loads whatever record already exists for channelID (or
// starts a blank one) and lets mutate adjust only the fields this event
// cares about, so a partial projection never clobbers txids or reserves
// an earlier event already recorded.
func (p *Projector) upsertChannel(ctx context.Context, channelID [32]byte, traderPubkey [33]byte, mutate func(*types.ChannelRecord)) error {
	channels := storage.NewChannels(p.store.DB())
	rec, err := channels.ByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %x: %w", channelID, err)
	}
	if rec == nil {
		rec = &types.ChannelRecord{ChannelID: channelID, TraderPubkey: traderPubkey}
	}
	mutate(rec)
	return channels.Upsert(ctx, *rec)
}

func (p *Projector) projectOffered(ctx context.Context, evt collaborator.ChannelEvent, proto *types.ProtocolInstance) error {
	return p.upsertChannel(ctx, evt.ChannelID, proto.TraderPubkey, func(rec *types.ChannelRecord) {
		rec.State = types.ChannelPending
	})
}

// projectAccepted handles the one intermediate state a resize passes
// through before confirmation: Resizing -> ResizeProposed once the
// counterparty accepts the offer (spec §4.2).
func (p *Projector) projectAccepted(ctx context.Context, proto *types.ProtocolInstance, pos *types.Position) error {
	if proto.Type != types.ProtoResizePosition || pos == nil {
		return nil
	}
	positions := storage.NewPositions(p.store.DB())
	return positions.SetResizeProposed(ctx, pos.ID)
}

// projectConfirmed finalises whatever protocol is pending against this
// channel now that the collaborator reports it signed: Open for a fresh or
// renewed position, a committed resize, a committed rollover, or a
// finalised settlement.
func (p *Projector) projectConfirmed(ctx context.Context, evt collaborator.ChannelEvent, proto *types.ProtocolInstance, pos *types.Position) error {
	if pos == nil {
		p.logger.Warn("confirmed event has no matching position", "protocol_id", proto.ProtocolID, "type", proto.Type)
		return nil
	}

	positions := storage.NewPositions(p.store.DB())
	protocols := storage.NewProtocols(p.store.DB())

	switch proto.Type {
	case types.ProtoOpenChannel, types.ProtoOpenPosition:
		if err := positions.SetOpen(ctx, pos.ID); err != nil {
			return err
		}
	case types.ProtoResizePosition:
		if err := p.commitResize(ctx, positions, pos); err != nil {
			return err
		}
	case types.ProtoRollover:
		newExpiry := pos.ExpiryTimestamp.Add(p.contractDuration)
		if err := positions.CommitRollover(ctx, pos.ID, newExpiry); err != nil {
			return err
		}
	case types.ProtoSettle, types.ProtoClose, types.ProtoForceClose:
		if err := p.commitClose(ctx, positions, evt, pos); err != nil {
			return err
		}
	}

	if err := protocols.Succeed(ctx, proto.ProtocolID); err != nil {
		return err
	}

	return p.upsertChannel(ctx, evt.ChannelID, proto.TraderPubkey, func(rec *types.ChannelRecord) {
		rec.State = types.ChannelOpen
		if evt.BufferTxid != "" {
			rec.BufferTxid = evt.BufferTxid
		}
		if evt.SettleTxid != "" {
			rec.SettleTxid = evt.SettleTxid
		}
		if evt.ClaimTxid != "" {
			rec.ClaimTxid = evt.ClaimTxid
		}
		applyFundingFee(rec, evt.FundingFee)
	})
}

// commitResize recomputes the same signed-contract outcome the executor
// computed at proposal time (internal/trade.ComputeResize), reading back
// the trade that triggered the resize rather than trusting any value
// stashed between the offer and this confirmation.
func (p *Projector) commitResize(ctx context.Context, positions *storage.Positions, pos *types.Position) error {
	trades := storage.NewTrades(p.store.DB())
	history, err := trades.ByPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("load trade history for position %d: %w", pos.ID, err)
	}
	if len(history) == 0 {
		return fmt.Errorf("position %d has no trades, cannot recompute resize", pos.ID)
	}
	last := history[len(history)-1]

	outcome := trade.ComputeResize(*pos, last.Direction, last.Quantity, last.Price)
	return positions.CommitResize(ctx, pos.ID, outcome.Quantity, outcome.AverageEntryPrice, outcome.LiquidationPrice,
		outcome.Direction, outcome.TraderMarginSat, outcome.CoordinatorMarSat)
}

// commitClose finalises a position's terminal settlement: the closing
// price is whatever the executor recorded at proposal time for a
// collaborative settlement, or parsed from the oracle attestation digits
// for a unilateral/force close (spec §9 design note: never a 0.0
// sentinel, only the pointer's nilness).
func (p *Projector) commitClose(ctx context.Context, positions *storage.Positions, evt collaborator.ChannelEvent, pos *types.Position) error {
	closingPrice := pos.State.ClosingPrice
	if closingPrice == nil && evt.OracleOutcome != "" {
		price, err := margin.PriceForOutcome(evt.OracleOutcome)
		if err != nil {
			return fmt.Errorf("parse oracle outcome for position %d: %w", pos.ID, err)
		}
		closingPrice = &price
	}
	if closingPrice == nil {
		return fmt.Errorf("position %d closed with no closing price available", pos.ID)
	}

	realisedPnL := realisedPnLFromCETs(evt.CETOutputs, pos.CoordinatorMarSat)
	return positions.SetClosed(ctx, pos.ID, *closingPrice, realisedPnL)
}

func (p *Projector) projectClosing(ctx context.Context, evt collaborator.ChannelEvent, proto *types.ProtocolInstance) error {
	return p.upsertChannel(ctx, evt.ChannelID, proto.TraderPubkey, func(rec *types.ChannelRecord) {
		rec.State = types.ChannelClosing
	})
}

func (p *Projector) projectClosed(ctx context.Context, evt collaborator.ChannelEvent, proto *types.ProtocolInstance, pos *types.Position) error {
	positions := storage.NewPositions(p.store.DB())
	if pos != nil && !pos.State.IsTerminal() {
		if err := p.commitClose(ctx, positions, evt, pos); err != nil {
			return err
		}
	}
	protocols := storage.NewProtocols(p.store.DB())
	if err := protocols.Succeed(ctx, proto.ProtocolID); err != nil {
		return err
	}
	return p.upsertChannel(ctx, evt.ChannelID, proto.TraderPubkey, func(rec *types.ChannelRecord) {
		rec.State = types.ChannelClosed
		if evt.CloseTxid != "" {
			rec.SettleTxid = evt.CloseTxid
		}
		applyFundingFee(rec, evt.FundingFee)
	})
}

func (p *Projector) projectFailed(ctx context.Context, evt collaborator.ChannelEvent, proto *types.ProtocolInstance, pos *types.Position) error {
	protocols := storage.NewProtocols(p.store.DB())
	if err := protocols.Fail(ctx, proto.ProtocolID); err != nil {
		return err
	}
	if pos != nil && !pos.State.IsTerminal() {
		positions := storage.NewPositions(p.store.DB())
		if err := positions.SetFailed(ctx, pos.ID); err != nil {
			return err
		}
	}
	if proto.Type == types.ProtoOpenChannel {
		return p.upsertChannel(ctx, evt.ChannelID, proto.TraderPubkey, func(rec *types.ChannelRecord) {
			rec.State = types.ChannelFailed
		})
	}
	return nil
}

// applyFundingFee debits the paying side's reserve and credits the other,
// clamped at zero so a fee can never drive a reserve negative (spec §4.7).
func applyFundingFee(rec *types.ChannelRecord, fee types.FundingFeeOutcome) {
	if fee.Kind == types.FundingFeeZero || fee.Amount == 0 {
		return
	}
	switch fee.Kind {
	case types.FundingFeeCoordinatorPays:
		rec.CoordinatorReserve = subtractFloor(rec.CoordinatorReserve, fee.Amount)
		rec.TraderReserve += fee.Amount
	case types.FundingFeeTraderPays:
		rec.TraderReserve = subtractFloor(rec.TraderReserve, fee.Amount)
		rec.CoordinatorReserve += fee.Amount
	}
}

func subtractFloor(v, delta int64) int64 {
	if delta > v {
		return 0
	}
	return v - delta
}

// realisedPnLFromCETs sums the coordinator's CET output and subtracts its
// margin basis, mirroring the executor's settlement math in reverse
// (spec §4.6: coordinator_payout = coordinator_margin + pnl + reserve).
func realisedPnLFromCETs(outputs []collaborator.CETOutput, coordinatorMarginSat int64) int64 {
	var coordinatorPayout int64
	for _, o := range outputs {
		if o.IsCoordinator {
			coordinatorPayout += o.AmountSat
		}
	}
	return coordinatorPayout - coordinatorMarginSat
}
