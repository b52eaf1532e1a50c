package engine

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/config"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping engine integration test")
	}
	return config.Config{
		DryRun: true,
		Database: config.DatabaseConfig{
			DSN:          dsn,
			MaxOpenConns: 4,
			MaxIdleConns: 4,
		},
		Collaborator: config.CollaboratorConfig{
			ReconnectBackoff: time.Second,
			MaxReconnectWait: 30 * time.Second,
		},
		Orderbook: config.OrderbookConfig{ActionBufferSize: 64},
		Trade: config.TradeConfig{
			Symbol:           "BTCUSD",
			ContractDuration: time.Hour,
			CoordinatorLev:   "1",
		},
		Recovery: config.RecoveryConfig{ReconcileInterval: time.Hour},
	}
}

func TestSubmitMarketOrder_MatchesAgainstRestingLimit_OpensBothPositions(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	var maker, taker [33]byte
	maker[0] = 0x50
	taker[0] = 0x51

	ctx := context.Background()
	limit := types.Order{
		TraderPubkey: maker,
		Direction:    types.Short,
		Symbol:       types.ContractSymbol("BTCUSD"),
		Price:        decimal.NewFromInt(50000),
		Quantity:     decimal.NewFromInt(10),
		Leverage:     decimal.NewFromInt(2),
		Reason:       types.ReasonManual,
	}
	if err := eng.SubmitLimitOrder(ctx, limit); err != nil {
		t.Fatalf("submit limit: %v", err)
	}

	market := types.Order{
		TraderPubkey: taker,
		Direction:    types.Long,
		Symbol:       types.ContractSymbol("BTCUSD"),
		Quantity:     decimal.NewFromInt(10),
		Leverage:     decimal.NewFromInt(3),
		Reason:       types.ReasonManual,
	}
	if err := eng.SubmitMarketOrder(ctx, market); err != nil {
		t.Fatalf("submit market: %v", err)
	}

	positions := storage.NewPositions(eng.store.DB())
	makerPos, err := positions.ByTraderSymbol(ctx, maker, types.ContractSymbol("BTCUSD"))
	if err != nil {
		t.Fatalf("load maker position: %v", err)
	}
	if makerPos == nil {
		t.Fatal("expected a position opened for the resting order's owner")
	}
	takerPos, err := positions.ByTraderSymbol(ctx, taker, types.ContractSymbol("BTCUSD"))
	if err != nil {
		t.Fatalf("load taker position: %v", err)
	}
	if takerPos == nil {
		t.Fatal("expected a position opened for the taker")
	}
	if takerPos.Direction != types.Long {
		t.Fatalf("expected taker position Long, got %s", takerPos.Direction)
	}
	if makerPos.Direction != types.Short {
		t.Fatalf("expected maker position Short, got %s", makerPos.Direction)
	}
}

func TestSubmitMarketOrder_NoLiquidity_FailsOrder(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	var taker [33]byte
	taker[0] = 0x60
	ctx := context.Background()
	orderID, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("generate order id: %v", err)
	}
	market := types.Order{
		ID:           orderID,
		TraderPubkey: taker,
		Direction:    types.Long,
		Symbol:       types.ContractSymbol("BTCUSD"),
		Quantity:     decimal.NewFromInt(5),
		Leverage:     decimal.NewFromInt(3),
		Reason:       types.ReasonManual,
	}
	if err := eng.SubmitMarketOrder(ctx, market); err == nil {
		t.Fatal("expected an error when no resting liquidity exists")
	}

	ord, err := storage.NewOrders(eng.store.DB()).ByID(ctx, orderID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if ord.State != types.OrderFailed {
		t.Fatalf("expected order Failed, got %s", ord.State)
	}
}
