package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Protocols is the DLC Protocol Ledger (C3, spec §4.3): one row per
// in-flight offer/accept/sign/revoke run, correlated to peers via
// ReferenceID and chained to its predecessor via PrevProtoID when the
// caller supplies one. The trade executor starts every instance, resizes
// and rollovers included, without a predecessor, so PrevProtoID is nil
// for all of them.
type Protocols struct {
	q execer
}

func NewProtocols(q execer) *Protocols { return &Protocols{q: q} }

const protocolColumns = `protocol_id, previous_protocol_id, contract_id, channel_id,
	trader_pubkey, state, protocol_type, created_at`

func scanProtocol(scan func(dest ...any) error) (*types.ProtocolInstance, error) {
	var (
		protocolID, prevProtocolID uuid.NullUUID
		contractID, channelID, traderPubkey []byte
		state, protoType string
		createdAt time.Time
	)
	err := scan(&protocolID, &prevProtocolID, &contractID, &channelID, &traderPubkey, &state, &protoType, &createdAt)
	if err != nil {
		return nil, err
	}
	inst := &types.ProtocolInstance{
		ProtocolID: protocolID.UUID,
		State:      types.ProtocolStateKind(state),
		Type:       types.ProtocolType(protoType),
		Timestamp:  createdAt,
	}
	if prevProtocolID.Valid {
		id := prevProtocolID.UUID
		inst.PrevProtoID = &id
	}
	copy(inst.ContractID[:], contractID)
	copy(inst.ChannelID[:], channelID)
	copy(inst.TraderPubkey[:], traderPubkey)
	return inst, nil
}

// Start inserts a new Pending protocol instance. Invariant P1 (at most one
// pending protocol per channel) is enforced by the partial unique index;
// a conflict surfaces as an InvariantViolation so the caller can fail the
// request rather than race a second offer onto the same channel.
func (p *Protocols) Start(ctx context.Context, inst types.ProtocolInstance) (*types.ProtocolInstance, error) {
	id := inst.ProtocolID
	if id == uuid.Nil {
		generated, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generate protocol id: %w", err)
		}
		id = generated
	}
	var prevArg any
	if inst.PrevProtoID != nil {
		prevArg = *inst.PrevProtoID
	}
	row := p.q.QueryRowContext(ctx, `
		INSERT INTO dlc_protocols (protocol_id, previous_protocol_id, contract_id, channel_id, trader_pubkey, state, protocol_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+protocolColumns,
		id, prevArg, inst.ContractID[:], inst.ChannelID[:], inst.TraderPubkey[:],
		string(types.ProtocolPending), string(inst.Type),
	)
	created, err := scanProtocol(row.Scan)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, coorderrs.NewInvariantViolation("channel %x already has a pending protocol", inst.ChannelID)
		}
		return nil, fmt.Errorf("insert protocol instance: %w", err)
	}
	return created, nil
}

// ByID loads a protocol instance by its primary key.
func (p *Protocols) ByID(ctx context.Context, id uuid.UUID) (*types.ProtocolInstance, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM dlc_protocols WHERE protocol_id = $1`, id)
	inst, err := scanProtocol(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select protocol by id: %w", err)
	}
	return inst, nil
}

// ByReferenceID resolves a wire reference id back to its protocol
// instance. ReferenceID is just ProtocolID re-encoded as 32 bytes
// (internal/dlcmsg), so this is the same lookup as ByID after decoding.
func (p *Protocols) ByReferenceID(ctx context.Context, refID types.ReferenceID, decode func(types.ReferenceID) (uuid.UUID, error)) (*types.ProtocolInstance, error) {
	id, err := decode(refID)
	if err != nil {
		return nil, fmt.Errorf("decode reference id: %w", err)
	}
	return p.ByID(ctx, id)
}

// ByChannelPending returns the channel's current pending protocol, if any.
func (p *Protocols) ByChannelPending(ctx context.Context, channelID [32]byte) (*types.ProtocolInstance, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT `+protocolColumns+` FROM dlc_protocols
		WHERE channel_id = $1 AND state = $2`,
		channelID[:], string(types.ProtocolPending),
	)
	inst, err := scanProtocol(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending protocol: %w", err)
	}
	return inst, nil
}

func (p *Protocols) advance(ctx context.Context, id uuid.UUID, toState types.ProtocolStateKind) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE dlc_protocols SET state = $1, updated_at = now()
		WHERE protocol_id = $2 AND state = $3`,
		string(toState), id, string(types.ProtocolPending),
	)
	if err != nil {
		return fmt.Errorf("advance protocol %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return coorderrs.NewInvariantViolation("protocol %s: expected pending state", id)
	}
	return nil
}

// Succeed transitions Pending -> Success.
func (p *Protocols) Succeed(ctx context.Context, id uuid.UUID) error {
	return p.advance(ctx, id, types.ProtocolSuccess)
}

// Fail transitions Pending -> Failed.
func (p *Protocols) Fail(ctx context.Context, id uuid.UUID) error {
	return p.advance(ctx, id, types.ProtocolFailed)
}
