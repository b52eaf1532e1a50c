package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// Channels stores the projector's (C7) view of each DLC channel: funding/
// settle/buffer/claim/punish txids and the reserve/funding balances used
// to derive payout-curve bounds on the next resize or rollover.
type Channels struct {
	q execer
}

func NewChannels(q execer) *Channels { return &Channels{q: q} }

const channelColumns = `channel_id, trader_pubkey, state, funding_txid, settle_txid,
	buffer_txid, claim_txid, punish_txid, coordinator_reserve, trader_reserve,
	coordinator_funding, trader_funding, created_at, updated_at`

func scanChannel(scan func(dest ...any) error) (*types.ChannelRecord, error) {
	var (
		channelID, traderPubkey                                   []byte
		state                                                     string
		fundingTxid, settleTxid, bufferTxid, claimTxid, punishTxid sql.NullString
		coordReserve, traderReserve, coordFunding, traderFunding   int64
		createdAt, updatedAt                                      time.Time
	)
	err := scan(&channelID, &traderPubkey, &state, &fundingTxid, &settleTxid,
		&bufferTxid, &claimTxid, &punishTxid, &coordReserve, &traderReserve,
		&coordFunding, &traderFunding, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec := &types.ChannelRecord{
		State:              types.ChannelStateKind(state),
		FundingTxid:        fundingTxid.String,
		SettleTxid:         settleTxid.String,
		BufferTxid:         bufferTxid.String,
		ClaimTxid:          claimTxid.String,
		PunishTxid:         punishTxid.String,
		CoordinatorReserve: coordReserve,
		TraderReserve:      traderReserve,
		CoordinatorFunding: coordFunding,
		TraderFunding:      traderFunding,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
	copy(rec.ChannelID[:], channelID)
	copy(rec.TraderPubkey[:], traderPubkey)
	return rec, nil
}

// Upsert inserts or fully replaces a channel record, the projector's
// single write path for every channel-event kind.
func (c *Channels) Upsert(ctx context.Context, rec types.ChannelRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO dlc_channels (
			channel_id, trader_pubkey, state, funding_txid, settle_txid,
			buffer_txid, claim_txid, punish_txid, coordinator_reserve,
			trader_reserve, coordinator_funding, trader_funding, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			state = EXCLUDED.state,
			funding_txid = EXCLUDED.funding_txid,
			settle_txid = EXCLUDED.settle_txid,
			buffer_txid = EXCLUDED.buffer_txid,
			claim_txid = EXCLUDED.claim_txid,
			punish_txid = EXCLUDED.punish_txid,
			coordinator_reserve = EXCLUDED.coordinator_reserve,
			trader_reserve = EXCLUDED.trader_reserve,
			coordinator_funding = EXCLUDED.coordinator_funding,
			trader_funding = EXCLUDED.trader_funding,
			updated_at = now()`,
		rec.ChannelID[:], rec.TraderPubkey[:], string(rec.State),
		nullIfEmpty(rec.FundingTxid), nullIfEmpty(rec.SettleTxid),
		nullIfEmpty(rec.BufferTxid), nullIfEmpty(rec.ClaimTxid), nullIfEmpty(rec.PunishTxid),
		rec.CoordinatorReserve, rec.TraderReserve, rec.CoordinatorFunding, rec.TraderFunding,
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// ByID loads a channel record.
func (c *Channels) ByID(ctx context.Context, channelID [32]byte) (*types.ChannelRecord, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM dlc_channels WHERE channel_id = $1`, channelID[:])
	rec, err := scanChannel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select channel: %w", err)
	}
	return rec, nil
}

// ByTrader returns every channel ever opened with a trader, newest first,
// for the recovery supervisor's reconciliation pass (C8, spec §4.8).
func (c *Channels) ByTrader(ctx context.Context, trader [33]byte) ([]types.ChannelRecord, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+channelColumns+` FROM dlc_channels WHERE trader_pubkey = $1 ORDER BY created_at DESC`,
		trader[:],
	)
	if err != nil {
		return nil, fmt.Errorf("select channels by trader: %w", err)
	}
	defer rows.Close()
	var out []types.ChannelRecord
	for rows.Next() {
		rec, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
