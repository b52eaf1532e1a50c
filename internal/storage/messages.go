package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
)

// Messages backs the DLC Message Router's (C5, spec §4.5, §9) two
// guarantees: content-hash deduplication on intake, and replay of the
// last outbound message per peer on reconnect (send-after-persist
// ordering means the row always exists before the socket write is
// attempted, so a crash between the two just means a harmless resend).
type Messages struct {
	q execer
}

func NewMessages(q execer) *Messages { return &Messages{q: q} }

// ContentHash is the dedup key: sha256 of the raw wire payload. Two
// inbound messages with the same peer and the same bytes are the same
// message, whatever transport-level retries produced the duplicate.
func ContentHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// RecordInbound persists an inbound message if its content hash hasn't
// been seen from this peer before. ok is false when the row already
// existed (a duplicate the router should silently drop, spec §4.5.1).
func (m *Messages) RecordInbound(ctx context.Context, peer [33]byte, messageType int, payload []byte) (ok bool, err error) {
	hash := ContentHash(payload)
	res, err := m.q.ExecContext(ctx, `
		INSERT INTO dlc_messages (peer_pubkey, content_hash, message_type, payload, outbound)
		VALUES ($1,$2,$3,$4,false)
		ON CONFLICT (peer_pubkey, content_hash) DO NOTHING`,
		peer[:], hash[:], messageType, payload,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordOutbound persists an outbound message before it is written to the
// socket (send-after-persist ordering, spec §9).
func (m *Messages) RecordOutbound(ctx context.Context, peer [33]byte, messageType int, payload []byte) error {
	hash := ContentHash(payload)
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO dlc_messages (peer_pubkey, content_hash, message_type, payload, outbound)
		VALUES ($1,$2,$3,$4,true)
		ON CONFLICT (peer_pubkey, content_hash) DO NOTHING`,
		peer[:], hash[:], messageType, payload,
	)
	if err != nil {
		return fmt.Errorf("record outbound message: %w", err)
	}
	return nil
}

// LastOutbound returns the most recently persisted outbound message for a
// peer, which the router's ReplayLastOutbound resends. Returns nil if
// nothing has ever been sent to this peer.
func (m *Messages) LastOutbound(ctx context.Context, peer [33]byte) ([]byte, error) {
	var payload []byte
	err := m.q.QueryRowContext(ctx, `
		SELECT payload FROM dlc_messages
		WHERE peer_pubkey = $1 AND outbound = true
		ORDER BY created_at DESC LIMIT 1`,
		peer[:],
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last outbound message: %w", err)
	}
	return payload, nil
}
