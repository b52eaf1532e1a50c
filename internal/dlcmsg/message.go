// Package dlcmsg frames and routes the wire messages exchanged with
// traders over their DLC channel (C5, spec §4.5, §6, §9). Framing follows
// lnd's lnwire.WriteMessage/ReadMessage shape — a fixed message-type
// prefix followed by the payload — generalised with a length prefix and a
// reference-id field. Payloads are carried in a single frame; there is no
// chunking of oversized payloads.
//
// The cryptographic content of each message (offer terms, CET adaptor
// signatures, revocation secrets) is the DLC collaborator's concern, not
// this package's: Envelope.Payload is an opaque blob the collaborator
// produces and consumes. dlcmsg only owns the type tag, the reference id
// that correlates a message to its ProtocolInstance, and the bytes on the
// wire.
package dlcmsg

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/gofrs/uuid"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// MessageType is the 2-byte wire type tag, matching the fixed DLC message
// type IDs.
type MessageType uint16

const (
	TypeOffer                   MessageType = 43000
	TypeAccept                  MessageType = 43002
	TypeSign                    MessageType = 43004
	TypeSettleOffer             MessageType = 43006
	TypeSettleAccept            MessageType = 43008
	TypeSettleConfirm           MessageType = 43010
	TypeSettleFinalize          MessageType = 43012
	TypeRenewOffer              MessageType = 43014
	TypeRenewAccept             MessageType = 43016
	TypeRenewConfirm            MessageType = 43018
	TypeRenewFinalize           MessageType = 43020
	TypeCollaborativeCloseOffer MessageType = 43022
	TypeReject                  MessageType = 43024
	TypeRenewRevoke             MessageType = 43026
	TypeRolloverOffer           MessageType = 43028
)

func (t MessageType) String() string {
	switch t {
	case TypeOffer:
		return "Offer"
	case TypeAccept:
		return "Accept"
	case TypeSign:
		return "Sign"
	case TypeSettleOffer:
		return "SettleOffer"
	case TypeSettleAccept:
		return "SettleAccept"
	case TypeSettleConfirm:
		return "SettleConfirm"
	case TypeSettleFinalize:
		return "SettleFinalize"
	case TypeRenewOffer:
		return "RenewOffer"
	case TypeRenewAccept:
		return "RenewAccept"
	case TypeRenewConfirm:
		return "RenewConfirm"
	case TypeRenewFinalize:
		return "RenewFinalize"
	case TypeCollaborativeCloseOffer:
		return "CollaborativeCloseOffer"
	case TypeReject:
		return "Reject"
	case TypeRenewRevoke:
		return "RenewRevoke"
	case TypeRolloverOffer:
		return "RolloverOffer"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// IsOffer reports whether a message type opens a new protocol run that the
// router may auto-accept (spec §4.5.2).
func (t MessageType) IsOffer() bool {
	switch t {
	case TypeOffer, TypeSettleOffer, TypeRenewOffer, TypeRolloverOffer, TypeCollaborativeCloseOffer:
		return true
	default:
		return false
	}
}

// MaxMessagePayload bounds a single frame. WriteMessage and ReadMessage
// reject larger payloads; neither this package nor internal/dlctransport
// splits them into chunks.
const MaxMessagePayload = 1 << 20 // 1 MiB

// Envelope is one framed wire message.
type Envelope struct {
	Type        MessageType
	ReferenceID types.ReferenceID
	Payload     []byte
}

// WriteMessage frames env as: 2-byte type, 32-byte reference id, 4-byte
// length, payload.
func WriteMessage(w io.Writer, env Envelope) (int, error) {
	if len(env.Payload) > MaxMessagePayload {
		return 0, fmt.Errorf("dlcmsg: payload too large: %d bytes (max %d)", len(env.Payload), MaxMessagePayload)
	}
	var header bytes.Buffer
	var typeBytes [2]byte
	binary.BigEndian.PutUint16(typeBytes[:], uint16(env.Type))
	header.Write(typeBytes[:])
	header.Write(env.ReferenceID[:])
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(env.Payload)))
	header.Write(lenBytes[:])

	n, err := w.Write(header.Bytes())
	if err != nil {
		return n, err
	}
	m, err := w.Write(env.Payload)
	return n + m, err
}

// ReadMessage parses one framed message from r.
func ReadMessage(r io.Reader) (Envelope, error) {
	var typeBytes [2]byte
	if _, err := io.ReadFull(r, typeBytes[:]); err != nil {
		return Envelope{}, err
	}
	var refID types.ReferenceID
	if _, err := io.ReadFull(r, refID[:]); err != nil {
		return Envelope{}, err
	}
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return Envelope{}, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBytes[:])
	if payloadLen > MaxMessagePayload {
		return Envelope{}, fmt.Errorf("dlcmsg: announced payload too large: %d bytes", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:        MessageType(binary.BigEndian.Uint16(typeBytes[:])),
		ReferenceID: refID,
		Payload:     payload,
	}, nil
}

// EncodeReferenceID maps a ProtocolID into its 32-byte wire form: the 16
// UUID bytes hex-encoded to 32 ASCII characters. Total — every UUID has a
// reference id.
func EncodeReferenceID(id uuid.UUID) types.ReferenceID {
	var out types.ReferenceID
	raw := id.Bytes()
	hex.Encode(out[:], raw[:])
	return out
}

// DecodeReferenceID recovers the ProtocolID from its wire form. Fails if
// the bytes aren't valid ASCII hex, or don't decode to 16 bytes, which is
// the only way this round-trip isn't total in the reverse direction
// (testable property 3).
func DecodeReferenceID(ref types.ReferenceID) (uuid.UUID, error) {
	var raw [16]byte
	n, err := hex.Decode(raw[:], ref[:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("dlcmsg: reference id is not valid hex: %w", err)
	}
	if n != len(raw) {
		return uuid.Nil, fmt.Errorf("dlcmsg: reference id decoded to %d bytes, want %d", n, len(raw))
	}
	return uuid.FromBytes(raw[:])
}
