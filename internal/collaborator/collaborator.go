// Package collaborator defines the interface to the DLC/Lightning
// cryptographic backend (spec §1, §6). The backend's internals — CETs,
// adaptor signatures, refund transactions — are explicitly out of scope;
// this package only states the surface the trading-protocol engine
// consumes, plus a typed channel-event stream.
//
// Grounded on lnd's htlcswitch.Switch interface shape (request/response
// methods plus a lifecycle event stream) and the teacher's own pattern of
// collecting an external dependency behind a small interface
// (internal/exchange.Client is consumed by strategy.Maker the same way).
package collaborator

import (
	"context"
	"time"

	"github.com/gofrs/uuid"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// ContractInput is the descriptor handed to the DLC backend when
// proposing a channel or an update: the discretised payout curve, an
// oracle reference, and a CET fee rate (spec §4.6).
type ContractInput struct {
	PayoutCurvePoints []ContractOutcome
	OracleEventID     string
	OraclePubkey      []byte
	CETFeeRate        int64 // sat/vbyte
	AcceptCollateral  int64 // satoshis, includes the taker's order matching fee for opens
	OfferCollateral   int64
}

// ContractOutcome is one (outcome, payout) vertex handed to the backend.
type ContractOutcome struct {
	Outcome string // binary-digit encoded oracle outcome
	Payout  int64
}

// ChannelEventKind enumerates the DLC channel lifecycle events consumed
// by the Channel Event Projector (C7, spec §4.7).
type ChannelEventKind string

const (
	EventOffered                   ChannelEventKind = "offered"
	EventAccepted                  ChannelEventKind = "accepted"
	EventEstablished               ChannelEventKind = "established"
	EventSettled                   ChannelEventKind = "settled"
	EventSettledClosing            ChannelEventKind = "settled_closing"
	EventClosing                   ChannelEventKind = "closing"
	EventClosedPunished            ChannelEventKind = "closed_punished"
	EventCollaborativeCloseOffered ChannelEventKind = "collaborative_close_offered"
	EventClosed                    ChannelEventKind = "closed"
	EventCounterClosed             ChannelEventKind = "counter_closed"
	EventCollaborativelyClosed     ChannelEventKind = "collaboratively_closed"
	EventFailedAccept              ChannelEventKind = "failed_accept"
	EventFailedSign                ChannelEventKind = "failed_sign"
	EventCancelled                 ChannelEventKind = "cancelled"
	EventDeleted                   ChannelEventKind = "deleted"
	EventRejected                  ChannelEventKind = "rejected"
)

// ChannelEvent is one item from the backend's event stream.
type ChannelEvent struct {
	Kind        ChannelEventKind
	ChannelID   [32]byte
	ReferenceID *types.ReferenceID // nil means the event can't be correlated (§4.7: logged and skipped)
	ProtocolID  *uuid.UUID         // set for Deleted, which has no channel lookup
	// CET outputs for Closed/CounterClosed PnL computation: each entry is
	// (owner-is-coordinator, amount-sat).
	CETOutputs    []CETOutput
	OracleOutcome string // binary-digit attestation, parsed into a closing price
	FundingFee    types.FundingFeeOutcome
	BufferTxid    string
	SettleTxid    string
	ClaimTxid     string
	CloseTxid     string
}

// CETOutput is one output of a signed Contract Execution Transaction.
type CETOutput struct {
	IsCoordinator bool
	AmountSat     int64
}

// Collaborator is the subset of the DLC/Lightning backend's API consumed
// by the trading-protocol engine (spec §6).
type Collaborator interface {
	ProposeChannel(ctx context.Context, input ContractInput, peer [33]byte) (tempContractID [32]byte, err error)
	ProposeChannelUpdate(ctx context.Context, channelID [32]byte, input ContractInput) (tempContractID [32]byte, err error)
	ProposeCollaborativeSettlement(ctx context.Context, channelID [32]byte, acceptSettlementSat int64) error
	OfferCollaborativeClose(ctx context.Context, channelID [32]byte, counterPayoutSat int64) error

	AcceptChannel(ctx context.Context, channelID [32]byte) error
	RejectChannel(ctx context.Context, channelID [32]byte, refID types.ReferenceID) error

	// OnMessage dispatches one inbound wire message by kind and returns an
	// optional response to send back (spec §4.5.2).
	OnMessage(ctx context.Context, msg []byte, peer [33]byte) (response []byte, err error)

	// OfferMaturity parses an inbound offer-type message (Offer,
	// SettleOffer, RenewOffer, RolloverOffer, CollaborativeCloseOffer) far
	// enough to recover its contract maturity, without registering it as
	// OnMessage would. The router calls this before OnMessage to apply the
	// automatic acceptance policy (spec §4.5.4): an error means the offer
	// could not even be parsed, which the router treats as the force-reject
	// fallback (spec §4.5.5).
	OfferMaturity(ctx context.Context, payload []byte) (time.Time, error)

	ChannelByID(ctx context.Context, channelID [32]byte) (*types.ChannelRecord, error)
	ChannelByReferenceID(ctx context.Context, refID types.ReferenceID) (*types.ChannelRecord, error)
	ContractByDLCChannelID(ctx context.Context, channelID [32]byte) (*ContractInput, error)

	UsableBalance(ctx context.Context, channelID [32]byte) (int64, error)
	UsableBalanceCounterparty(ctx context.Context, channelID [32]byte) (int64, error)
	TotalCollateral(ctx context.Context, channelID [32]byte) (int64, error)

	ListSignedChannels(ctx context.Context) ([]types.ChannelRecord, error)
	ListChannels(ctx context.Context) ([]types.ChannelRecord, error)

	// Events returns the channel-lifecycle event stream (spec §4.7). The
	// channel must never be closed while the backend is running; the
	// projector treats a closed channel as "unreachable" and a fatal
	// recovery condition.
	Events() <-chan ChannelEvent
}

// FeeRateSource supplies the CET fee rate consumed by the Trade Executor
// (spec §1, out of scope beyond this one rate).
type FeeRateSource interface {
	CurrentFeeRate(ctx context.Context) (satPerVByte int64, err error)
}

// OracleAnnouncement is the signed event descriptor the executor embeds
// in a ContractInput's oracle reference (spec §6).
type OracleAnnouncement struct {
	PublicKey []byte
	EventID   string
	Maturity  int64 // unix seconds
	Digits    int   // number of binary digits in the outcome descriptor
}

// OracleAttestation carries the signed outcome, string-concatenated as
// binary digits parseable to a closing price (spec §6).
type OracleAttestation struct {
	EventID string
	Outcome string // binary digits, MSB first
}

// OracleSource is the subset of the oracle client consumed by the
// executor and projector.
type OracleSource interface {
	AnnouncementFor(ctx context.Context, eventID string) (*OracleAnnouncement, error)
	AttestationFor(ctx context.Context, eventID string) (*OracleAttestation, error)
}

// Notifier delivers push notifications to traders. Push delivery is out
// of scope (spec §1): the engine wires notify.LogNotifier, which only
// logs, and NoopNotifier below discards everything.
type Notifier interface {
	Notify(ctx context.Context, trader [33]byte, kind string, payload map[string]string)
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, [33]byte, string, map[string]string) {}
