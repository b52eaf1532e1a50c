package dlcmsg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
	"github.com/10101-finance/coordinator-engine/internal/storage"
)

// Sender delivers a raw framed message to a peer over whatever transport
// is wired in (internal/dlctransport in production, an in-memory fake in
// tests). Kept as a small interface the same way the teacher hides its
// REST/WS calls behind exchange.Client.
type Sender interface {
	Send(ctx context.Context, peer [33]byte, payload []byte) error
}

// OfferPolicy decides whether an inbound offer-type message (Offer,
// SettleOffer, RenewOffer, RolloverOffer, CollaborativeCloseOffer) should
// be auto-accepted (spec §4.5.4). accept=false rejects the offer with a
// Reject carrying the same reference id; a non-nil err additionally
// signals the force-reject fallback (§4.5.5) — the offer could not even
// be parsed/registered. Either way the policy itself is responsible for
// any domain-level side effect (failing an in-flight order), since the
// router has no notion of orders or positions.
type OfferPolicy func(ctx context.Context, peer [33]byte, env Envelope) (accept bool, err error)

// Router is the DLC Message Router (C5, spec §4.5): dedups inbound
// messages by content hash, applies the auto-accept policy to new offers,
// and enforces send-after-persist ordering on every outbound message.
type Router struct {
	messages  *storage.Messages
	sender    Sender
	policy    OfferPolicy
	logger    *slog.Logger
	onInbound func(ctx context.Context, peer [33]byte, env Envelope) ([]byte, error)
}

// NewRouter wires a Router. onInbound is the callback that actually
// dispatches a de-duplicated message to the DLC collaborator (typically
// collaborator.Collaborator.OnMessage); it returns an optional response
// payload to send back. policy may be nil, in which case every offer is
// accepted unconditionally (no maturity/policy check).
func NewRouter(messages *storage.Messages, sender Sender, policy OfferPolicy, onInbound func(ctx context.Context, peer [33]byte, env Envelope) ([]byte, error), logger *slog.Logger) *Router {
	return &Router{
		messages:  messages,
		sender:    sender,
		policy:    policy,
		onInbound: onInbound,
		logger:    logger.With("component", "dlcmsg.router"),
	}
}

// HandleInbound processes one raw frame received from a peer. Duplicate
// content (the same bytes seen before from this peer) is dropped silently
// — a CounterpartyMisbehaviour-adjacent but benign condition, since
// retried sends over an unreliable transport are expected (spec §4.5.1,
// §9). A genuinely new message is handed to onInbound; if it returns a
// response payload, that response is sent back under the same
// send-after-persist guarantee as any other outbound message.
func (r *Router) HandleInbound(ctx context.Context, peer [33]byte, raw []byte) error {
	env, err := ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return &coorderrs.CounterpartyMisbehaviour{Msg: fmt.Sprintf("malformed frame from %x: %v", peer, err)}
	}

	isNew, err := r.messages.RecordInbound(ctx, peer, int(env.Type), raw)
	if err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}
	if !isNew {
		r.logger.Debug("dropped duplicate inbound message", "peer", fmt.Sprintf("%x", peer), "type", env.Type)
		return nil
	}

	if r.policy != nil && env.Type.IsOffer() {
		accept, err := r.policy(ctx, peer, env)
		if err != nil {
			r.logger.Warn("force-rejecting unparseable offer", "peer", fmt.Sprintf("%x", peer), "type", env.Type, "error", err)
			return r.sendReject(ctx, peer, env)
		}
		if !accept {
			r.logger.Info("auto-rejecting offer", "peer", fmt.Sprintf("%x", peer), "type", env.Type)
			return r.sendReject(ctx, peer, env)
		}
	}

	response, err := r.onInbound(ctx, peer, env)
	if err != nil {
		return err
	}
	if response == nil {
		return nil
	}
	return r.sendFrame(ctx, peer, response)
}

// sendReject synthesises and sends a Reject sharing the rejected offer's
// reference id (spec §4.5.4, §4.5.5).
func (r *Router) sendReject(ctx context.Context, peer [33]byte, env Envelope) error {
	return r.SendEnvelope(ctx, peer, Envelope{Type: TypeReject, ReferenceID: env.ReferenceID})
}

// SendEnvelope frames env, persists it, and only then writes it to the
// wire — the ordering the recovery supervisor relies on to safely replay
// "the last thing we tried to send" after a crash (spec §9).
func (r *Router) SendEnvelope(ctx context.Context, peer [33]byte, env Envelope) error {
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, env); err != nil {
		return fmt.Errorf("frame outbound message: %w", err)
	}
	return r.sendFrame(ctx, peer, buf.Bytes())
}

func (r *Router) sendFrame(ctx context.Context, peer [33]byte, frame []byte) error {
	if err := r.messages.RecordOutbound(ctx, peer, int(readFrameType(frame)), frame); err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}
	if err := r.sender.Send(ctx, peer, frame); err != nil {
		// The row is already persisted, so the recovery supervisor will
		// replay this exact frame once the peer reconnects.
		return &coorderrs.TransientTransport{Cause: err}
	}
	return nil
}

// ReplayLastOutbound resends the most recent outbound message to a peer.
// The engine calls it from the transport's reconnect hook, and the
// recovery supervisor (C8) calls it for a position stuck in an
// intermediate protocol state (spec §4.8, §9).
func (r *Router) ReplayLastOutbound(ctx context.Context, peer [33]byte) error {
	last, err := r.messages.LastOutbound(ctx, peer)
	if err != nil {
		return fmt.Errorf("load last outbound message: %w", err)
	}
	if last == nil {
		return nil
	}
	if err := r.sender.Send(ctx, peer, last); err != nil {
		return &coorderrs.TransientTransport{Cause: err}
	}
	return nil
}

func readFrameType(frame []byte) MessageType {
	if len(frame) < 2 {
		return 0
	}
	return MessageType(uint16(frame[0])<<8 | uint16(frame[1]))
}
