// Package dlcsim is an in-memory stand-in for the DLC collaborator and
// oracle, used for dry-run mode (config.DryRun) and for tests that need a
// collaborator.Collaborator without a real DLC/Lightning backend behind
// it. It auto-accepts every proposal instead of speaking any wire
// protocol, so every exercised state transition happens synchronously
// within the call that triggered it.
//
// Grounded on lnd's htlcswitch mock peer: a mutex-guarded in-memory
// struct that satisfies a production interface entirely through maps,
// generalised from "fake HTLC peer for switch tests" to "fake DLC
// collaborator for coordinator tests and dry runs".
package dlcsim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/margin"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Simulator plays both the DLC collaborator and the oracle. Every state
// change it makes is also pushed onto its own event stream, the same
// stream the Channel Event Projector (C7) would consume from a real
// backend.
type Simulator struct {
	mu       sync.Mutex
	logger   *slog.Logger
	counter  uint64
	channels map[[32]byte]types.ChannelRecord
	contract map[[32]byte]collaborator.ContractInput

	oraclePubkey []byte
	oracleDigits int
	feeRateSat   int64

	events chan collaborator.ChannelEvent
}

// New builds a Simulator with a buffered event channel; callers drain it
// the same way they would a production collaborator's Events().
func New(logger *slog.Logger) *Simulator {
	return &Simulator{
		logger:       logger.With("component", "dlcsim"),
		channels:     make(map[[32]byte]types.ChannelRecord),
		contract:     make(map[[32]byte]collaborator.ContractInput),
		oraclePubkey: []byte("dlcsim-oracle-pubkey"),
		oracleDigits: 20,
		feeRateSat:   2,
		events:       make(chan collaborator.ChannelEvent, 256),
	}
}

func (s *Simulator) nextID() [32]byte {
	s.counter++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], s.counter)
	return sha256.Sum256(seed[:])
}

func (s *Simulator) emit(evt collaborator.ChannelEvent) {
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("dlcsim event buffer full, dropping event", "kind", evt.Kind)
	}
}

// ProposeChannel creates a brand-new channel, auto-accepts it, and emits
// Offered followed immediately by Established.
func (s *Simulator) ProposeChannel(_ context.Context, input collaborator.ContractInput, peer [33]byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channelID := s.nextID()
	s.channels[channelID] = types.ChannelRecord{
		ChannelID:          channelID,
		TraderPubkey:       peer,
		State:              types.ChannelOpen,
		CoordinatorFunding: input.AcceptCollateral,
		TraderFunding:      input.OfferCollateral,
	}
	s.contract[channelID] = input

	refID := types.ReferenceID(channelID)
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventOffered, ChannelID: channelID, ReferenceID: &refID})
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventEstablished, ChannelID: channelID, ReferenceID: &refID})
	return channelID, nil
}

// ProposeChannelUpdate replaces the contract on an existing channel
// (resize or rollover) and auto-confirms it.
func (s *Simulator) ProposeChannelUpdate(_ context.Context, channelID [32]byte, input collaborator.ContractInput) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return [32]byte{}, fmt.Errorf("dlcsim: unknown channel %x", channelID)
	}
	rec.CoordinatorFunding = input.AcceptCollateral
	rec.TraderFunding = input.OfferCollateral
	s.channels[channelID] = rec
	s.contract[channelID] = input

	refID := types.ReferenceID(channelID)
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventAccepted, ChannelID: channelID, ReferenceID: &refID})
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventEstablished, ChannelID: channelID, ReferenceID: &refID})
	return channelID, nil
}

func (s *Simulator) ProposeCollaborativeSettlement(_ context.Context, channelID [32]byte, acceptSettlementSat int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return fmt.Errorf("dlcsim: unknown channel %x", channelID)
	}
	refID := types.ReferenceID(channelID)
	s.emit(collaborator.ChannelEvent{
		Kind:        collaborator.EventSettled,
		ChannelID:   channelID,
		ReferenceID: &refID,
		CETOutputs: []collaborator.CETOutput{
			{IsCoordinator: true, AmountSat: acceptSettlementSat},
			{IsCoordinator: false, AmountSat: rec.CoordinatorFunding + rec.TraderFunding - acceptSettlementSat},
		},
	})
	return nil
}

func (s *Simulator) OfferCollaborativeClose(_ context.Context, channelID [32]byte, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[channelID]; ok {
		rec.State = types.ChannelClosing
		s.channels[channelID] = rec
	}
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventCollaborativeCloseOffered, ChannelID: channelID})
	return nil
}

func (s *Simulator) AcceptChannel(_ context.Context, channelID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	refID := types.ReferenceID(channelID)
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventAccepted, ChannelID: channelID, ReferenceID: &refID})
	return nil
}

func (s *Simulator) RejectChannel(_ context.Context, channelID [32]byte, refID types.ReferenceID) error {
	s.emit(collaborator.ChannelEvent{Kind: collaborator.EventRejected, ChannelID: channelID, ReferenceID: &refID})
	return nil
}

// OnMessage never sees wire traffic: the simulator short-circuits the
// transport entirely, so every inbound call is a no-op.
func (s *Simulator) OnMessage(context.Context, []byte, [33]byte) ([]byte, error) { return nil, nil }

// OfferMaturity never sees wire traffic either; it always reports a
// maturity far in the future so the router's auto-accept policy never
// rejects a dry-run offer.
func (s *Simulator) OfferMaturity(context.Context, []byte) (time.Time, error) {
	return time.Now().Add(24 * time.Hour), nil
}

func (s *Simulator) ChannelByID(_ context.Context, channelID [32]byte) (*types.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[channelID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *Simulator) ChannelByReferenceID(_ context.Context, refID types.ReferenceID) (*types.ChannelRecord, error) {
	return s.ChannelByID(context.Background(), [32]byte(refID))
}

func (s *Simulator) ContractByDLCChannelID(_ context.Context, channelID [32]byte) (*collaborator.ContractInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input, ok := s.contract[channelID]; ok {
		return &input, nil
	}
	return nil, nil
}

func (s *Simulator) UsableBalance(_ context.Context, channelID [32]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID].CoordinatorFunding, nil
}

func (s *Simulator) UsableBalanceCounterparty(_ context.Context, channelID [32]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID].TraderFunding, nil
}

func (s *Simulator) TotalCollateral(_ context.Context, channelID [32]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.channels[channelID]
	return rec.CoordinatorFunding + rec.TraderFunding, nil
}

func (s *Simulator) ListSignedChannels(context.Context) ([]types.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChannelRecord, 0, len(s.channels))
	for _, rec := range s.channels {
		if rec.State == types.ChannelOpen {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Simulator) ListChannels(context.Context) ([]types.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChannelRecord, 0, len(s.channels))
	for _, rec := range s.channels {
		out = append(out, rec)
	}
	return out, nil
}

func (s *Simulator) Events() <-chan collaborator.ChannelEvent { return s.events }

var _ collaborator.Collaborator = (*Simulator)(nil)

// AnnouncementFor always returns the same fixed oracle announcement: a
// dry run never needs a real schedule of future events, just a stable
// digit count to build payout curves against.
func (s *Simulator) AnnouncementFor(_ context.Context, eventID string) (*collaborator.OracleAnnouncement, error) {
	return &collaborator.OracleAnnouncement{
		PublicKey: s.oraclePubkey,
		EventID:   eventID,
		Digits:    s.oracleDigits,
	}, nil
}

// AttestationFor resolves to the midpoint of the digit range so a dry run
// always settles at a plausible, non-zero price.
func (s *Simulator) AttestationFor(_ context.Context, eventID string) (*collaborator.OracleAttestation, error) {
	mid := int64(1) << uint(s.oracleDigits-1)
	return &collaborator.OracleAttestation{
		EventID: eventID,
		Outcome: margin.OutcomeForPrice(decimal.NewFromInt(mid), s.oracleDigits),
	}, nil
}

var _ collaborator.OracleSource = (*Simulator)(nil)

// CurrentFeeRate returns a fixed sat/vbyte rate.
func (s *Simulator) CurrentFeeRate(context.Context) (int64, error) { return s.feeRateSat, nil }

var _ collaborator.FeeRateSource = (*Simulator)(nil)
