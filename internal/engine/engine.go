// Package engine is the coordinator daemon's top-level orchestrator
// (spec §2, §5): it wires storage, the DLC collaborator, the orderbook,
// the message router, the trade executor, the channel event projector,
// and the recovery supervisor, then owns their goroutines for the
// lifetime of the process.
//
// Grounded on the teacher's Engine: a struct holding every subsystem,
// started with Start and torn down with Stop via a cancellable context
// and a sync.WaitGroup, generalised from "scan markets, quote, manage
// risk" to "match orders, execute trades, project channel events,
// recover on restart".
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/config"
	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/internal/dlcmsg"
	"github.com/10101-finance/coordinator-engine/internal/dlcsim"
	"github.com/10101-finance/coordinator-engine/internal/dlctransport"
	"github.com/10101-finance/coordinator-engine/internal/feerate"
	"github.com/10101-finance/coordinator-engine/internal/notify"
	"github.com/10101-finance/coordinator-engine/internal/oracle"
	"github.com/10101-finance/coordinator-engine/internal/orderbook"
	"github.com/10101-finance/coordinator-engine/internal/projector"
	"github.com/10101-finance/coordinator-engine/internal/recovery"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/internal/trade"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Engine owns every long-running subsystem of the coordinator.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store     *storage.Store
	collab    collaborator.Collaborator
	transport *dlctransport.Transport
	router    *dlcmsg.Router
	book      *orderbook.Book
	executor  *trade.Executor
	projector *projector.Projector
	recovery  *recovery.Supervisor

	symbol         types.ContractSymbol
	coordinatorLev decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine from config. The DLC backend is always
// dlcsim.Simulator in this build: no real DLC/Lightning client exists
// among this repo's dependencies, so dry-run and live mode both resolve
// to the in-memory simulator today. cfg.DryRun is kept and threaded
// through regardless, since swapping in a real collaborator.Collaborator
// here is the only change a production backend would need — the oracle
// and fee-rate sources already switch to their HTTP clients outside dry
// run.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	store, err := storage.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sim := dlcsim.New(logger)
	var collab collaborator.Collaborator = sim
	var oracleSrc collaborator.OracleSource = sim
	var feeSrc collaborator.FeeRateSource = sim
	if !cfg.DryRun {
		oracleSrc = oracle.New(cfg.Oracle.BaseURL, cfg.Oracle.PublicKey, cfg.Oracle.HTTPTimeout, logger)
		feeSrc = feerate.New(cfg.FeeRate.BaseURL, cfg.FeeRate.HTTPTimeout, logger)
	}

	// router and transport each need a reference to the other before
	// either can be constructed: transport's onMessage forwards to
	// router.HandleInbound, and router's Sender is the transport. Both
	// closures only fire once Start() is running, by which point router
	// is assigned.
	var router *dlcmsg.Router
	transport := dlctransport.New(
		cfg.Collaborator.ReconnectBackoff,
		cfg.Collaborator.MaxReconnectWait,
		func(ctx context.Context, peer [33]byte, raw []byte) error {
			return router.HandleInbound(ctx, peer, raw)
		},
		func(ctx context.Context, peer [33]byte) {
			if err := router.ReplayLastOutbound(ctx, peer); err != nil {
				logger.Warn("failed to replay last outbound message on reconnect",
					"peer", fmt.Sprintf("%x", peer), "error", err)
			}
		},
		logger,
	)
	router = dlcmsg.NewRouter(storage.NewMessages(store.DB()), transport,
		func(ctx context.Context, peer [33]byte, env dlcmsg.Envelope) (bool, error) {
			maturity, err := collab.OfferMaturity(ctx, env.Payload)
			if err != nil {
				failOrderForRejectedOffer(ctx, store, logger, env.ReferenceID)
				return false, err
			}
			if time.Now().After(maturity) {
				failOrderForRejectedOffer(ctx, store, logger, env.ReferenceID)
				return false, nil
			}
			return true, nil
		},
		func(ctx context.Context, peer [33]byte, env dlcmsg.Envelope) ([]byte, error) {
			return collab.OnMessage(ctx, env.Payload, peer)
		},
		logger,
	)

	coordLev, err := decimal.NewFromString(cfg.Trade.CoordinatorLev)
	if err != nil {
		return nil, fmt.Errorf("parse trade.coordinator_leverage: %w", err)
	}
	symbol := types.ContractSymbol(cfg.Trade.Symbol)

	executor := trade.New(store, collab, oracleSrc, feeSrc, notify.New(logger), symbol, cfg.Trade.ContractDuration, logger)
	proj := projector.New(store, collab, cfg.Trade.ContractDuration, logger)
	sup := recovery.New(store, collab, router, symbol, cfg.Recovery.ReconcileInterval, logger)
	book := orderbook.New(symbol, cfg.Orderbook.ActionBufferSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		logger:         logger.With("component", "engine"),
		store:          store,
		collab:         collab,
		transport:      transport,
		router:         router,
		book:           book,
		executor:       executor,
		projector:      proj,
		recovery:       sup,
		symbol:         symbol,
		coordinatorLev: coordLev,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start launches every background subsystem and returns immediately.
func (e *Engine) Start() error {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.projector.Run(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.recovery.Run(e.ctx)
	}()

	if e.cfg.Collaborator.ListenAddr != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.transport.ListenAndServe(e.ctx, e.cfg.Collaborator.ListenAddr); err != nil {
				e.logger.Error("dlc transport listener stopped", "error", err)
			}
		}()
	}

	e.logger.Info("engine started", "symbol", e.symbol, "dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels every subsystem and blocks until they have all exited.
func (e *Engine) Stop() {
	e.cancel()
	e.book.Close()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close storage", "error", err)
	}
}

// Symbol returns the contract symbol this engine trades.
func (e *Engine) Symbol() types.ContractSymbol { return e.symbol }

// SubmitLimitOrder persists a new resting order and adds it to the book
// (spec §4.4 add_limit). The orderbook is the sole source of truth for
// in-memory matching; the row written here exists for recovery and audit.
func (e *Engine) SubmitLimitOrder(ctx context.Context, ord types.Order) error {
	if err := e.assignOrderID(&ord); err != nil {
		return err
	}
	ord.Type = types.OrderLimit
	ord.State = types.OrderOpen

	if err := storage.NewOrders(e.store.DB()).Insert(ctx, ord); err != nil {
		return err
	}
	return e.book.AddLimit(ord)
}

// CancelOrder pulls a resting order off the book and marks it Failed with
// a manual reason (spec §4.4 remove).
func (e *Engine) CancelOrder(ctx context.Context, direction types.Direction, price decimal.Decimal, id uuid.UUID) error {
	removed, err := e.book.Remove(direction, price, id)
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}
	return storage.NewOrders(e.store.DB()).SetState(ctx, id, types.OrderFailed, types.ReasonManual)
}

// SubmitMarketOrder matches a taker order against the book and drives
// every resulting fill through the Trade Executor. Each side of a match —
// the resting order's owner and the taker — holds its own channel with
// the coordinator (spec §1: "each trader maintains a single two-party
// off-chain channel with the coordinator"), so one Match fans out into
// one Execute call per side. A failed match (no partial fills) leaves the
// book untouched and marks the taker order Failed, preserving its
// original submission reason (spec §4.4).
func (e *Engine) SubmitMarketOrder(ctx context.Context, ord types.Order) error {
	if err := e.assignOrderID(&ord); err != nil {
		return err
	}
	ord.Type = types.OrderMarket
	ord.State = types.OrderOpen

	orders := storage.NewOrders(e.store.DB())
	if err := orders.Insert(ctx, ord); err != nil {
		return err
	}

	matches, err := e.book.MatchMarket(ord)
	if err != nil {
		if setErr := orders.SetState(ctx, ord.ID, types.OrderFailed, ord.Reason); setErr != nil {
			e.logger.Error("failed to mark unmatched order failed", "order_id", ord.ID, "error", setErr)
		}
		return err
	}

	matchesStore := storage.NewMatches(e.store.DB())
	for _, m := range matches {
		if err := matchesStore.Insert(ctx, m); err != nil {
			e.logger.Error("failed to persist match", "order_id", m.OrderID, "matched_order_id", m.MatchedOrderID, "error", err)
		}
		if err := e.executeMatchSide(ctx, m.MatchedOrderID, m.OrderID, m.ExecutionPrice, m.Quantity); err != nil {
			e.logger.Error("failed to execute taker side of match", "order_id", m.MatchedOrderID, "error", err)
		}
		if err := e.executeMatchSide(ctx, m.OrderID, m.MatchedOrderID, m.ExecutionPrice, m.Quantity); err != nil {
			e.logger.Error("failed to execute maker side of match", "order_id", m.OrderID, "error", err)
		}
	}
	return nil
}

// executeMatchSide loads one side of a match back from storage, marks it
// Matched, and hands it to the Trade Executor.
func (e *Engine) executeMatchSide(ctx context.Context, orderID, counterOrderID uuid.UUID, price, qty decimal.Decimal) error {
	orders := storage.NewOrders(e.store.DB())
	ord, err := orders.ByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load matched order %s: %w", orderID, err)
	}
	if ord == nil {
		return coorderrs.NewInvariantViolation("matched order %s not found", orderID)
	}
	if err := orders.SetState(ctx, ord.ID, types.OrderMatched, ord.Reason); err != nil {
		return err
	}
	return e.executor.Execute(ctx, types.TradeParams{
		Order:          *ord,
		MatchedOrderID: counterOrderID,
		ExecutionPrice: price,
		Quantity:       qty,
		TraderPubkey:   ord.TraderPubkey,
		CoordinatorLev: e.coordinatorLev,
	})
}

// failOrderForRejectedOffer walks reference id -> protocol -> position ->
// most recent trade -> order, and marks that order Failed if it is still
// Matched when the offer tied to it is rejected (spec §4.5.4, §4.5.5,
// scenario S6). An offer with no matching protocol row (nothing this
// coordinator itself proposed) leaves nothing to fail.
func failOrderForRejectedOffer(ctx context.Context, store *storage.Store, logger *slog.Logger, refID types.ReferenceID) {
	protocolID, err := dlcmsg.DecodeReferenceID(refID)
	if err != nil {
		logger.Warn("rejected offer carries an undecodable reference id", "error", err)
		return
	}

	protocols := storage.NewProtocols(store.DB())
	proto, err := protocols.ByID(ctx, protocolID)
	if err != nil || proto == nil {
		return
	}
	if err := protocols.Fail(ctx, protocolID); err != nil {
		logger.Error("failed to mark rejected protocol failed", "protocol_id", protocolID, "error", err)
	}

	positions := storage.NewPositions(store.DB())
	pos, err := positions.ByTempContractID(ctx, proto.ContractID)
	if err != nil || pos == nil {
		return
	}

	trades := storage.NewTrades(store.DB())
	trs, err := trades.ByPosition(ctx, pos.ID)
	if err != nil || len(trs) == 0 {
		return
	}
	last := trs[len(trs)-1]

	orders := storage.NewOrders(store.DB())
	ord, err := orders.ByID(ctx, last.OrderID)
	if err != nil || ord == nil || ord.State != types.OrderMatched {
		return
	}
	if err := orders.SetState(ctx, ord.ID, types.OrderFailed, types.ReasonManual); err != nil {
		logger.Error("failed to fail order for rejected offer", "order_id", ord.ID, "error", err)
	}
}

func (e *Engine) assignOrderID(ord *types.Order) error {
	if ord.ID != uuid.Nil {
		return nil
	}
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generate order id: %w", err)
	}
	ord.ID = id
	return nil
}
