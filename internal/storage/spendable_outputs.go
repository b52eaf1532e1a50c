package storage

import (
	"context"
	"fmt"
)

// SpendableOutputs tracks on-chain outputs the coordinator's wallet can
// spend, supplemented from ln-dlc-storage in original_source — wallet
// bookkeeping, not a DLC/channel concept by itself (spec's Non-goals
// exclude wallet implementation; this is just the accounting surface it
// leaves behind). No other package calls it: the projector does not
// record or spend outputs when it handles channel events.
type SpendableOutputs struct {
	q execer
}

func NewSpendableOutputs(q execer) *SpendableOutputs { return &SpendableOutputs{q: q} }

// Record inserts or updates one spendable output, keyed by its outpoint
// string ("txid:vout").
func (s *SpendableOutputs) Record(ctx context.Context, outpoint string, channelID *[32]byte, amountSat int64, scriptPubkey []byte) error {
	var channelArg any
	if channelID != nil {
		channelArg = channelID[:]
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO spendable_outputs (outpoint, channel_id, amount_sat, script_pubkey)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (outpoint) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			amount_sat = EXCLUDED.amount_sat,
			script_pubkey = EXCLUDED.script_pubkey`,
		outpoint, channelArg, amountSat, scriptPubkey,
	)
	if err != nil {
		return fmt.Errorf("record spendable output: %w", err)
	}
	return nil
}

// MarkSpent flags an output as consumed, e.g. once a channel's claim
// transaction confirms.
func (s *SpendableOutputs) MarkSpent(ctx context.Context, outpoint string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE spendable_outputs SET spent = true WHERE outpoint = $1`, outpoint)
	if err != nil {
		return fmt.Errorf("mark spent: %w", err)
	}
	return nil
}

// UnspentTotal sums every unspent output's amount, the coordinator's
// wallet balance available for new channel funding.
func (s *SpendableOutputs) UnspentTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_sat), 0) FROM spendable_outputs WHERE spent = false`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum unspent outputs: %w", err)
	}
	return total, nil
}
