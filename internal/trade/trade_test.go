package trade

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
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
		t.Skip("TEST_DATABASE_DSN not set, skipping trade executor integration test")
	}
	s, err := storage.Open(dsn, 4, 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeCollaborator is a minimal in-memory stand-in for the DLC backend,
// recording what it was asked to propose rather than speaking any wire
// protocol. Every channel it hands back is considered immediately usable,
// since the executor only needs the temp contract id and never blocks on
// channel establishment itself.
type fakeCollaborator struct {
	channels        map[[32]byte]*types.ChannelRecord
	totalCollateral int64
	rejectNext      bool
	events          chan collaborator.ChannelEvent

	proposedChannels       []collaborator.ContractInput
	proposedChannelUpdates []collaborator.ContractInput
	settlements            []int64
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{
		channels: make(map[[32]byte]*types.ChannelRecord),
		events:   make(chan collaborator.ChannelEvent, 16),
	}
}

func (f *fakeCollaborator) ProposeChannel(_ context.Context, input collaborator.ContractInput, _ [33]byte) ([32]byte, error) {
	if f.rejectNext {
		return [32]byte{}, &protocolRejectedStub{}
	}
	f.proposedChannels = append(f.proposedChannels, input)
	var id [32]byte
	id[0] = byte(len(f.proposedChannels))
	return id, nil
}

func (f *fakeCollaborator) ProposeChannelUpdate(_ context.Context, _ [32]byte, input collaborator.ContractInput) ([32]byte, error) {
	if f.rejectNext {
		return [32]byte{}, &protocolRejectedStub{}
	}
	f.proposedChannelUpdates = append(f.proposedChannelUpdates, input)
	var id [32]byte
	id[0] = byte(len(f.proposedChannelUpdates)) + 100
	return id, nil
}

func (f *fakeCollaborator) ProposeCollaborativeSettlement(_ context.Context, _ [32]byte, acceptSettlementSat int64) error {
	if f.rejectNext {
		return &protocolRejectedStub{}
	}
	f.settlements = append(f.settlements, acceptSettlementSat)
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
	return f.channels[id], nil
}
func (f *fakeCollaborator) ChannelByReferenceID(context.Context, types.ReferenceID) (*types.ChannelRecord, error) {
	return nil, nil
}
func (f *fakeCollaborator) ContractByDLCChannelID(context.Context, [32]byte) (*collaborator.ContractInput, error) {
	return nil, nil
}
func (f *fakeCollaborator) UsableBalance(context.Context, [32]byte) (int64, error)             { return 0, nil }
func (f *fakeCollaborator) UsableBalanceCounterparty(context.Context, [32]byte) (int64, error) { return 0, nil }
func (f *fakeCollaborator) TotalCollateral(context.Context, [32]byte) (int64, error) {
	return f.totalCollateral, nil
}
func (f *fakeCollaborator) ListSignedChannels(context.Context) ([]types.ChannelRecord, error) {
	return nil, nil
}
func (f *fakeCollaborator) ListChannels(context.Context) ([]types.ChannelRecord, error) {
	return nil, nil
}
func (f *fakeCollaborator) Events() <-chan collaborator.ChannelEvent { return f.events }

var _ collaborator.Collaborator = (*fakeCollaborator)(nil)

type protocolRejectedStub struct{}

func (*protocolRejectedStub) Error() string { return "protocol rejected: rejected by fake" }

type fakeOracle struct{ digits int }

func (o *fakeOracle) AnnouncementFor(_ context.Context, eventID string) (*collaborator.OracleAnnouncement, error) {
	return &collaborator.OracleAnnouncement{
		PublicKey: []byte("oracle-pubkey"),
		EventID:   eventID,
		Maturity:  time.Now().Add(24 * time.Hour).Unix(),
		Digits:    o.digits,
	}, nil
}

func (o *fakeOracle) AttestationFor(_ context.Context, eventID string) (*collaborator.OracleAttestation, error) {
	return &collaborator.OracleAttestation{EventID: eventID, Outcome: "0"}, nil
}

type fakeFeeRate struct{ rate int64 }

func (f *fakeFeeRate) CurrentFeeRate(context.Context) (int64, error) { return f.rate, nil }

func newTestExecutor(t *testing.T, collab *fakeCollaborator) *Executor {
	t.Helper()
	store := testStore(t)
	return New(store, collab, &fakeOracle{digits: 20}, &fakeFeeRate{rate: 2},
		collaborator.NoopNotifier{}, types.ContractSymbol("BTCUSD"), 7*24*time.Hour, discardLogger())
}

func matchedOrder(direction types.Direction, qty, price, leverage decimal.Decimal) types.Order {
	id, _ := uuid.NewV4()
	return types.Order{
		ID:        id,
		Direction: direction,
		Symbol:    types.ContractSymbol("BTCUSD"),
		Price:     price,
		Quantity:  qty,
		Leverage:  leverage,
		Type:      types.OrderMarket,
		State:     types.OrderMatched,
	}
}

func TestExecute_OpensChannelAndPosition_WhenNoChannelExists(t *testing.T) {
	collab := newFakeCollaborator()
	e := newTestExecutor(t, collab)

	var trader [33]byte
	trader[0] = 0x01
	matchID, _ := uuid.NewV4()

	order := matchedOrder(types.Long, decimal.NewFromInt(100), decimal.NewFromInt(50000), decimal.NewFromInt(5))
	params := types.TradeParams{
		Order:          order,
		MatchedOrderID: matchID,
		ExecutionPrice: decimal.NewFromInt(50000),
		Quantity:       decimal.NewFromInt(100),
		TraderPubkey:   trader,
		CoordinatorLev: decimal.NewFromInt(1),
	}

	if err := e.Execute(context.Background(), params); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(collab.proposedChannels) != 1 {
		t.Fatalf("expected one ProposeChannel call, got %d", len(collab.proposedChannels))
	}

	positions := storage.NewPositions(e.store.DB())
	pos, err := positions.ByTraderSymbol(context.Background(), trader, types.ContractSymbol("BTCUSD"))
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a proposed position to exist")
	}
	if pos.State.Kind != types.PositionProposed {
		t.Fatalf("expected Proposed state, got %s", pos.State.Kind)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected quantity: %s", pos.Quantity)
	}
}

func TestExecute_RejectsNonMatchedOrder(t *testing.T) {
	collab := newFakeCollaborator()
	e := newTestExecutor(t, collab)

	var trader [33]byte
	trader[0] = 0x02
	order := matchedOrder(types.Long, decimal.NewFromInt(10), decimal.NewFromInt(50000), decimal.NewFromInt(5))
	order.State = types.OrderOpen

	params := types.TradeParams{
		Order:          order,
		ExecutionPrice: decimal.NewFromInt(50000),
		Quantity:       decimal.NewFromInt(10),
		TraderPubkey:   trader,
		CoordinatorLev: decimal.NewFromInt(1),
	}

	if err := e.Execute(context.Background(), params); err == nil {
		t.Fatal("expected an error for a non-matched order")
	}
}

func TestComputeResize_SameDirectionGrowth_RecomputesWeightedEntry(t *testing.T) {
	pos := types.Position{
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(100),
		AverageEntryPrice: decimal.NewFromInt(40000),
		TraderLeverage:    decimal.NewFromInt(5),
		CoordinatorLev:    decimal.NewFromInt(1),
	}

	outcome := ComputeResize(pos, types.Long, decimal.NewFromInt(100), decimal.NewFromInt(60000))

	if outcome.Direction != types.Long {
		t.Fatalf("expected direction to stay Long, got %s", outcome.Direction)
	}
	if !outcome.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected quantity 200, got %s", outcome.Quantity)
	}
	wantEntry := decimal.NewFromInt(50000)
	if !outcome.AverageEntryPrice.Equal(wantEntry) {
		t.Fatalf("expected weighted entry %s, got %s", wantEntry, outcome.AverageEntryPrice)
	}
}

func TestComputeResize_PartialShrinkSameDirection_KeepsEntry(t *testing.T) {
	pos := types.Position{
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(100),
		AverageEntryPrice: decimal.NewFromInt(40000),
		TraderLeverage:    decimal.NewFromInt(5),
		CoordinatorLev:    decimal.NewFromInt(1),
	}

	outcome := ComputeResize(pos, types.Short, decimal.NewFromInt(40), decimal.NewFromInt(60000))

	if outcome.Direction != types.Long {
		t.Fatalf("expected direction to stay Long, got %s", outcome.Direction)
	}
	if !outcome.Quantity.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected quantity 60, got %s", outcome.Quantity)
	}
	if !outcome.AverageEntryPrice.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("expected entry to stay at 40000, got %s", outcome.AverageEntryPrice)
	}
}

func TestComputeResize_DirectionFlip_UsesTradePriceAsNewEntry(t *testing.T) {
	pos := types.Position{
		Direction:         types.Long,
		Quantity:          decimal.NewFromInt(100),
		AverageEntryPrice: decimal.NewFromInt(40000),
		TraderLeverage:    decimal.NewFromInt(5),
		CoordinatorLev:    decimal.NewFromInt(1),
	}

	outcome := ComputeResize(pos, types.Short, decimal.NewFromInt(150), decimal.NewFromInt(60000))

	if outcome.Direction != types.Short {
		t.Fatalf("expected direction to flip to Short, got %s", outcome.Direction)
	}
	if !outcome.Quantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected quantity 50, got %s", outcome.Quantity)
	}
	if !outcome.AverageEntryPrice.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("expected entry to become the trade price 60000, got %s", outcome.AverageEntryPrice)
	}
}

func TestIsEqualOpposite(t *testing.T) {
	pos := types.Position{Direction: types.Long, Quantity: decimal.NewFromInt(100)}
	order := matchedOrder(types.Short, decimal.NewFromInt(100), decimal.NewFromInt(50000), decimal.NewFromInt(5))
	params := types.TradeParams{Order: order, Quantity: decimal.NewFromInt(100)}

	if !isEqualOpposite(pos, params) {
		t.Fatal("expected an equal-and-opposite trade to flatten the position")
	}

	params.Quantity = decimal.NewFromInt(40)
	if isEqualOpposite(pos, params) {
		t.Fatal("expected a partial trade not to count as flattening")
	}
}
