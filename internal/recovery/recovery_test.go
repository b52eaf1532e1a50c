package recovery

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/dlcmsg"
	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping recovery integration test")
	}
	s, err := storage.Open(dsn, 4, 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeCollaborator answers ChannelByID/ListSignedChannels from an
// in-memory map rather than speaking any wire protocol, so tests control
// exactly what the supervisor sees as the "remote" channel state.
type fakeCollaborator struct {
	channels map[[32]byte]types.ChannelRecord
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{channels: make(map[[32]byte]types.ChannelRecord)}
}

func (f *fakeCollaborator) ProposeChannel(context.Context, collaborator.ContractInput, [33]byte) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeCollaborator) ProposeChannelUpdate(context.Context, [32]byte, collaborator.ContractInput) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeCollaborator) ProposeCollaborativeSettlement(context.Context, [32]byte, int64) error {
	return nil
}
func (f *fakeCollaborator) OfferCollaborativeClose(context.Context, [32]byte, int64) error { return nil }
func (f *fakeCollaborator) AcceptChannel(context.Context, [32]byte) error                  { return nil }
func (f *fakeCollaborator) RejectChannel(context.Context, [32]byte, types.ReferenceID) error {
	return nil
}
func (f *fakeCollaborator) OnMessage(context.Context, []byte, [33]byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeCollaborator) OfferMaturity(context.Context, []byte) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}
func (f *fakeCollaborator) ChannelByID(_ context.Context, id [32]byte) (*types.ChannelRecord, error) {
	if rec, ok := f.channels[id]; ok {
		return &rec, nil
	}
	return nil, nil
}
func (f *fakeCollaborator) ChannelByReferenceID(context.Context, types.ReferenceID) (*types.ChannelRecord, error) {
	return nil, nil
}
func (f *fakeCollaborator) ContractByDLCChannelID(context.Context, [32]byte) (*collaborator.ContractInput, error) {
	return nil, nil
}
func (f *fakeCollaborator) UsableBalance(context.Context, [32]byte) (int64, error)             { return 0, nil }
func (f *fakeCollaborator) UsableBalanceCounterparty(context.Context, [32]byte) (int64, error) { return 0, nil }
func (f *fakeCollaborator) TotalCollateral(context.Context, [32]byte) (int64, error)           { return 0, nil }
func (f *fakeCollaborator) ListSignedChannels(context.Context) ([]types.ChannelRecord, error) {
	out := make([]types.ChannelRecord, 0, len(f.channels))
	for _, rec := range f.channels {
		out = append(out, rec)
	}
	return out, nil
}
func (f *fakeCollaborator) ListChannels(context.Context) ([]types.ChannelRecord, error) {
	return f.ListSignedChannels(context.Background())
}
func (f *fakeCollaborator) Events() <-chan collaborator.ChannelEvent { return nil }

var _ collaborator.Collaborator = (*fakeCollaborator)(nil)

type fakeSender struct{ sent int }

func (f *fakeSender) Send(context.Context, [33]byte, []byte) error {
	f.sent++
	return nil
}

func newTestSupervisor(t *testing.T, store *storage.Store, collab *fakeCollaborator) *Supervisor {
	t.Helper()
	router := dlcmsg.NewRouter(storage.NewMessages(store.DB()), &fakeSender{}, nil, func(context.Context, [33]byte, dlcmsg.Envelope) ([]byte, error) {
		return nil, nil
	}, discardLogger())
	return New(store, collab, router, types.ContractSymbol("BTCUSD"), time.Hour, discardLogger())
}

func TestReconcilePosition_NoChannel_FailsPosition(t *testing.T) {
	store := testStore(t)
	collab := newFakeCollaborator()
	s := newTestSupervisor(t, store, collab)

	var trader [33]byte
	trader[0] = 0x30
	pos, err := storage.NewPositions(store.DB()).CreateProposed(context.Background(), types.Position{
		TraderPubkey:      trader,
		Symbol:            types.ContractSymbol("BTCUSD"),
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(10),
		AverageEntryPrice: decimal.NewFromInt(50000),
		TraderLeverage:    decimal.NewFromInt(5),
		CoordinatorLev:    decimal.NewFromInt(1),
		LiquidationPrice:  decimal.NewFromInt(41667),
		ExpiryTimestamp:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if err := s.reconcilePosition(context.Background(), *pos); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	updated, err := storage.NewPositions(store.DB()).ByID(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if updated.State.Kind != types.PositionFailed {
		t.Fatalf("expected position Failed with no channel, got %s", updated.State.Kind)
	}
}

func TestReconcilePosition_ProposedWithChannel_StaysProposed(t *testing.T) {
	store := testStore(t)
	collab := newFakeCollaborator()
	s := newTestSupervisor(t, store, collab)

	var trader [33]byte
	trader[0] = 0x31
	var channelID [32]byte
	channelID[0] = 0x40

	if err := storage.NewChannels(store.DB()).Upsert(context.Background(), types.ChannelRecord{
		ChannelID:    channelID,
		TraderPubkey: trader,
		State:        types.ChannelPending,
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	collab.channels[channelID] = types.ChannelRecord{ChannelID: channelID, TraderPubkey: trader, State: types.ChannelPending}

	if err := storage.NewMessages(store.DB()).RecordOutbound(context.Background(), trader, 43000, []byte("offer-frame")); err != nil {
		t.Fatalf("seed outbound message: %v", err)
	}

	pos, err := storage.NewPositions(store.DB()).CreateProposed(context.Background(), types.Position{
		TraderPubkey:      trader,
		Symbol:            types.ContractSymbol("BTCUSD"),
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(10),
		AverageEntryPrice: decimal.NewFromInt(50000),
		TraderLeverage:    decimal.NewFromInt(5),
		CoordinatorLev:    decimal.NewFromInt(1),
		LiquidationPrice:  decimal.NewFromInt(41667),
		ExpiryTimestamp:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if err := s.reconcilePosition(context.Background(), *pos); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	updated, err := storage.NewPositions(store.DB()).ByID(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if updated.State.Kind != types.PositionProposed {
		t.Fatalf("expected position to stay Proposed while mid-protocol, got %s", updated.State.Kind)
	}
}
