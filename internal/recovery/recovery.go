// Package recovery implements the Recovery Supervisor (C8, spec §4.8): a
// periodic sweep that reconciles persisted position state against the DLC
// collaborator's view of channel state, so a crash or dropped connection
// mid-protocol never leaves a position stuck forever. It never originates
// new trading decisions — only nudges stalled protocols forward or marks
// positions that have no surviving channel as Failed.
//
// Grounded on the teacher's risk.Manager: a ticker-driven loop that walks
// all tracked entities on a fixed interval, generalised from "clear an
// expired kill switch" to "reconcile one position against its channel".
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/dlcmsg"
	"github.com/10101-finance/coordinator-engine/internal/margin"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Supervisor owns the reconciliation loop.
type Supervisor struct {
	store    *storage.Store
	collab   collaborator.Collaborator
	router   *dlcmsg.Router
	symbol   types.ContractSymbol
	interval time.Duration
	logger   *slog.Logger
}

// New builds a Supervisor. router is used to replay the last outbound DLC
// message to a peer whose protocol appears stuck mid-flight.
func New(store *storage.Store, collab collaborator.Collaborator, router *dlcmsg.Router, symbol types.ContractSymbol, interval time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		collab:   collab,
		router:   router,
		symbol:   symbol,
		interval: interval,
		logger:   logger.With("component", "recovery"),
	}
}

// Run reconciles once immediately (the startup pass) and then on every
// tick until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconcileAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileAll(ctx)
		}
	}
}

func (s *Supervisor) reconcileAll(ctx context.Context) {
	positions := storage.NewPositions(s.store.DB())
	inFlight, err := positions.AllNonTerminal(ctx)
	if err != nil {
		s.logger.Error("failed to list non-terminal positions", "error", err)
		return
	}
	for _, pos := range inFlight {
		if err := s.reconcilePosition(ctx, pos); err != nil {
			s.logger.Error("failed to reconcile position", "position_id", pos.ID, "error", err)
		}
	}

	if err := s.reconcileOrphanChannels(ctx); err != nil {
		s.logger.Error("failed to reconcile orphan channels", "error", err)
	}
}

// reconcilePosition implements the position/channel reconciliation table
// (spec §4.8). The collaborator, not the local projection, is consulted
// for the channel's live state: the projector may simply not have caught
// up yet after a crash.
func (s *Supervisor) reconcilePosition(ctx context.Context, pos types.Position) error {
	localChannels, err := storage.NewChannels(s.store.DB()).ByTrader(ctx, pos.TraderPubkey)
	if err != nil {
		return err
	}
	if len(localChannels) == 0 {
		s.logger.Warn("non-terminal position has no channel record, failing", "position_id", pos.ID)
		return storage.NewPositions(s.store.DB()).SetFailed(ctx, pos.ID)
	}
	channelID := localChannels[0].ChannelID

	channel, err := s.collab.ChannelByID(ctx, channelID)
	if err != nil {
		return err
	}
	if channel == nil {
		channel = &localChannels[0]
	}

	switch pos.State.Kind {
	case types.PositionOpen:
		if channel.State != types.ChannelOpen {
			s.logger.Warn("open position has a non-open channel, awaiting projector",
				"position_id", pos.ID, "channel_state", channel.State)
		}
		return nil

	case types.PositionProposed, types.PositionResizeProposed, types.PositionResizing, types.PositionRollover:
		s.logger.Info("position stuck in an intermediate protocol state, replaying last outbound message",
			"position_id", pos.ID, "state", pos.State.Kind)
		if err := s.router.ReplayLastOutbound(ctx, pos.TraderPubkey); err != nil {
			s.logger.Warn("failed to replay last outbound message", "position_id", pos.ID, "error", err)
		}
		return nil

	case types.PositionClosing:
		switch channel.State {
		case types.ChannelOpen, types.ChannelClosing:
			return nil // await settlement
		case types.ChannelClosed:
			return s.finalizeClosing(ctx, pos)
		default:
			s.logger.Warn("closing position has an unexpected channel state", "position_id", pos.ID, "channel_state", channel.State)
			return nil
		}

	default:
		return nil
	}
}

// finalizeClosing closes out a position whose channel settled while the
// projector was not running to observe the event directly. The closing
// price was already pinned when the executor proposed the settlement
// (spec §9); realised PnL is derived the same way the executor estimated
// it at proposal time, since no fresh CET outputs are available here.
func (s *Supervisor) finalizeClosing(ctx context.Context, pos types.Position) error {
	if pos.State.ClosingPrice == nil {
		s.logger.Warn("closing position has no closing price recorded, cannot finalise", "position_id", pos.ID)
		return nil
	}
	coordinatorDirection := pos.Direction.Opposite()
	pnl := margin.PnL(pos.AverageEntryPrice, *pos.State.ClosingPrice, pos.Quantity, coordinatorDirection,
		pos.TraderMarginSat, pos.CoordinatorMarSat)
	return storage.NewPositions(s.store.DB()).SetClosed(ctx, pos.ID, *pos.State.ClosingPrice, pnl)
}

// reconcileOrphanChannels covers the "position absent, channel signed"
// row of the table: a channel the collaborator still considers live but
// for which no non-terminal position exists locally. Full reconstruction
// needs the original contract terms, which only the collaborator has by
// this point, so this is a best-effort log with the last taken order as
// the operator's starting point (spec §4.8: "else log").
func (s *Supervisor) reconcileOrphanChannels(ctx context.Context) error {
	channels, err := s.collab.ListSignedChannels(ctx)
	if err != nil {
		return err
	}
	positions := storage.NewPositions(s.store.DB())
	orders := storage.NewOrders(s.store.DB())

	for _, ch := range channels {
		pos, err := positions.ByTraderSymbol(ctx, ch.TraderPubkey, s.symbol)
		if err != nil {
			return err
		}
		if pos != nil {
			continue
		}

		lastOrder, err := orders.LastTakenByTrader(ctx, ch.TraderPubkey)
		if err != nil {
			return err
		}
		if lastOrder == nil {
			s.logger.Error("signed channel has no matching position and no order history to reconstruct from",
				"channel_id", ch.ChannelID, "trader", ch.TraderPubkey)
			continue
		}
		s.logger.Error("signed channel has no matching position, manual reconciliation required",
			"channel_id", ch.ChannelID, "trader", ch.TraderPubkey,
			"last_order_id", lastOrder.ID, "last_order_direction", lastOrder.Direction,
			"last_order_quantity", lastOrder.Quantity, "last_order_leverage", lastOrder.Leverage)
	}
	return nil
}
