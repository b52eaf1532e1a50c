package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// These tests exercise the CAS transitions against a real Postgres
// instance, the same env-var-gated integration pattern the gocryptotrader
// test helpers use for their own repository tests: skip cleanly when no
// database is configured rather than faking the driver.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping storage integration test")
	}
	s, err := Open(dsn, 4, 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPosition(trader [33]byte) types.Position {
	return types.Position{
		TraderPubkey:      trader,
		Symbol:            types.SymbolBTCUSD,
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(100),
		AverageEntryPrice: decimal.NewFromInt(20000),
		TraderLeverage:    decimal.NewFromInt(2),
		CoordinatorLev:    decimal.NewFromInt(2),
		TraderMarginSat:   250000,
		CoordinatorMarSat: 250000,
		LiquidationPrice:  decimal.NewFromInt(13333),
		ExpiryTimestamp:   time.Now().Add(30 * 24 * time.Hour),
		State:             types.PositionState{Kind: types.PositionProposed},
	}
}

func TestPositions_CreateProposed_DuplicateRejected(t *testing.T) {
	s := testStore(t)
	positions := NewPositions(s.DB())

	var trader [33]byte
	trader[0] = 0xAB

	pos := newTestPosition(trader)
	created, err := positions.CreateProposed(context.Background(), pos)
	if err != nil {
		t.Fatalf("create proposed: %v", err)
	}
	if created.State.Kind != types.PositionProposed {
		t.Fatalf("expected proposed state, got %s", created.State.Kind)
	}

	_, err = positions.CreateProposed(context.Background(), pos)
	if err == nil {
		t.Fatal("expected invariant violation on duplicate active position")
	}
}

func TestPositions_Lifecycle(t *testing.T) {
	s := testStore(t)
	positions := NewPositions(s.DB())

	var trader [33]byte
	trader[0] = 0xCD

	pos := newTestPosition(trader)
	created, err := positions.CreateProposed(context.Background(), pos)
	if err != nil {
		t.Fatalf("create proposed: %v", err)
	}

	if err := positions.SetOpen(context.Background(), created.ID); err != nil {
		t.Fatalf("set open: %v", err)
	}
	if err := positions.SetClosing(context.Background(), created.ID, nil); err != nil {
		t.Fatalf("set closing: %v", err)
	}
	closePrice := decimal.NewFromInt(22000)
	if err := positions.SetClosed(context.Background(), created.ID, closePrice, 22727); err != nil {
		t.Fatalf("set closed: %v", err)
	}

	final, err := positions.ByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if final.State.Kind != types.PositionClosed {
		t.Fatalf("expected closed, got %s", final.State.Kind)
	}
	if final.State.RealisedPnL == nil || *final.State.RealisedPnL != 22727 {
		t.Fatalf("unexpected realised pnl: %+v", final.State.RealisedPnL)
	}

	// A closed position no longer counts against invariant I1: a new
	// proposal for the same trader/symbol must succeed.
	if _, err := positions.CreateProposed(context.Background(), newTestPosition(trader)); err != nil {
		t.Fatalf("expected new proposal to succeed after close: %v", err)
	}
}

func TestPositions_SetOpen_WrongStateRejected(t *testing.T) {
	s := testStore(t)
	positions := NewPositions(s.DB())

	var trader [33]byte
	trader[0] = 0xEF

	pos := newTestPosition(trader)
	created, err := positions.CreateProposed(context.Background(), pos)
	if err != nil {
		t.Fatalf("create proposed: %v", err)
	}
	if err := positions.SetOpen(context.Background(), created.ID); err != nil {
		t.Fatalf("first set open: %v", err)
	}
	// Already open: a second SetOpen has no valid predecessor state.
	if err := positions.SetOpen(context.Background(), created.ID); err == nil {
		t.Fatal("expected invariant violation transitioning from open to open")
	}
}

func TestProtocols_OnePendingPerChannel(t *testing.T) {
	s := testStore(t)
	protocols := NewProtocols(s.DB())

	var channelID [32]byte
	channelID[0] = 0x01
	var trader [33]byte
	trader[0] = 0x02

	first, err := protocols.Start(context.Background(), types.ProtocolInstance{
		ChannelID: channelID, TraderPubkey: trader, Type: types.ProtoOpenChannel,
	})
	if err != nil {
		t.Fatalf("start first protocol: %v", err)
	}

	_, err = protocols.Start(context.Background(), types.ProtocolInstance{
		ChannelID: channelID, TraderPubkey: trader, Type: types.ProtoOpenPosition,
	})
	if err == nil {
		t.Fatal("expected invariant violation for second pending protocol on same channel")
	}

	if err := protocols.Succeed(context.Background(), first.ProtocolID); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	second, err := protocols.Start(context.Background(), types.ProtocolInstance{
		ChannelID: channelID, TraderPubkey: trader, Type: types.ProtoOpenPosition,
		PrevProtoID: &first.ProtocolID,
	})
	if err != nil {
		t.Fatalf("start second protocol after first succeeded: %v", err)
	}
	if second.PrevProtoID == nil || *second.PrevProtoID != first.ProtocolID {
		t.Fatalf("expected prev protocol id chain, got %+v", second.PrevProtoID)
	}
}

func TestMessages_DedupAndReplay(t *testing.T) {
	s := testStore(t)
	messages := NewMessages(s.DB())

	var peer [33]byte
	peer[0] = 0x11

	ok, err := messages.RecordInbound(context.Background(), peer, 43000, []byte("payload-a"))
	if err != nil {
		t.Fatalf("record inbound: %v", err)
	}
	if !ok {
		t.Fatal("expected first inbound message to be new")
	}

	ok, err = messages.RecordInbound(context.Background(), peer, 43000, []byte("payload-a"))
	if err != nil {
		t.Fatalf("record duplicate inbound: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate inbound message to be rejected")
	}

	if err := messages.RecordOutbound(context.Background(), peer, 43002, []byte("accept-1")); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	last, err := messages.LastOutbound(context.Background(), peer)
	if err != nil {
		t.Fatalf("last outbound: %v", err)
	}
	if string(last) != "accept-1" {
		t.Fatalf("unexpected last outbound payload: %q", last)
	}
}

func TestOrders_InsertAndState(t *testing.T) {
	s := testStore(t)
	orders := NewOrders(s.DB())

	id, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("generate order id: %v", err)
	}
	var trader [33]byte
	trader[0] = 0x33

	ord := types.Order{
		ID: id, TraderPubkey: trader, Direction: types.Long, Symbol: types.SymbolBTCUSD,
		Price: decimal.NewFromInt(20000), Quantity: decimal.NewFromInt(100),
		Leverage: decimal.NewFromInt(2), Type: types.OrderLimit, State: types.OrderOpen,
		Reason: types.ReasonManual, Timestamp: time.Now(),
	}
	if err := orders.Insert(context.Background(), ord); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := orders.SetState(context.Background(), id, types.OrderMatched, types.ReasonManual); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := orders.ByID(context.Background(), id)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.State != types.OrderMatched {
		t.Fatalf("expected matched, got %s", got.State)
	}
}
