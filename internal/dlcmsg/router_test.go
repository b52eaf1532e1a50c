package dlcmsg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/10101-finance/coordinator-engine/internal/storage"
	"github.com/10101-finance/coordinator-engine/pkg/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(ctx context.Context, peer [33]byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping dlcmsg router integration test")
	}
	s, err := storage.Open(dsn, 4, 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func TestRouter_HandleInbound_DropsDuplicate(t *testing.T) {
	store := testStore(t)
	messages := storage.NewMessages(store.DB())
	sender := &fakeSender{}

	var calls int
	onInbound := func(ctx context.Context, peer [33]byte, env Envelope) ([]byte, error) {
		calls++
		return nil, nil
	}
	router := NewRouter(messages, sender, nil, onInbound, discardLogger())

	var peer [33]byte
	peer[0] = 0x41
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, Envelope{Type: TypeOffer, Payload: []byte("offer")}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	raw := buf.Bytes()

	if err := router.HandleInbound(context.Background(), peer, raw); err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	if err := router.HandleInbound(context.Background(), peer, raw); err != nil {
		t.Fatalf("duplicate inbound: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected onInbound called once, got %d", calls)
	}
}

func TestRouter_SendEnvelope_PersistsBeforeSending(t *testing.T) {
	store := testStore(t)
	messages := storage.NewMessages(store.DB())
	sender := &fakeSender{}
	router := NewRouter(messages, sender, nil, nil, discardLogger())

	var peer [33]byte
	peer[0] = 0x42
	env := Envelope{Type: TypeAccept, Payload: []byte("accept-terms")}
	if err := router.SendEnvelope(context.Background(), peer, env); err != nil {
		t.Fatalf("send envelope: %v", err)
	}

	last, err := messages.LastOutbound(context.Background(), peer)
	if err != nil {
		t.Fatalf("last outbound: %v", err)
	}
	if len(last) == 0 {
		t.Fatal("expected persisted outbound message")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sender.sent))
	}
}

func TestRouter_ReplayLastOutbound(t *testing.T) {
	store := testStore(t)
	messages := storage.NewMessages(store.DB())
	sender := &fakeSender{}
	router := NewRouter(messages, sender, nil, nil, discardLogger())

	var peer [33]byte
	peer[0] = 0x43
	if err := router.SendEnvelope(context.Background(), peer, Envelope{Type: TypeSign, Payload: []byte("sig")}); err != nil {
		t.Fatalf("send envelope: %v", err)
	}
	if err := router.ReplayLastOutbound(context.Background(), peer); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected original send + replay, got %d sends", len(sender.sent))
	}
}

func TestRouter_HandleInbound_AutoRejectsOfferPolicyViolation(t *testing.T) {
	store := testStore(t)
	messages := storage.NewMessages(store.DB())
	sender := &fakeSender{}

	var policyCalls, onInboundCalls int
	policy := func(ctx context.Context, peer [33]byte, env Envelope) (bool, error) {
		policyCalls++
		return false, nil
	}
	onInbound := func(ctx context.Context, peer [33]byte, env Envelope) ([]byte, error) {
		onInboundCalls++
		return nil, nil
	}
	router := NewRouter(messages, sender, policy, onInbound, discardLogger())

	var peer [33]byte
	peer[0] = 0x44
	var refID types.ReferenceID
	refID[0] = 0xAB
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, Envelope{Type: TypeOffer, ReferenceID: refID, Payload: []byte("offer")}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if err := router.HandleInbound(context.Background(), peer, buf.Bytes()); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if policyCalls != 1 {
		t.Fatalf("expected policy called once, got %d", policyCalls)
	}
	if onInboundCalls != 0 {
		t.Fatalf("expected onInbound not called for a rejected offer, got %d calls", onInboundCalls)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 Reject sent, got %d", len(sender.sent))
	}
	got, err := ReadMessage(bytes.NewReader(sender.sent[0]))
	if err != nil {
		t.Fatalf("read sent frame: %v", err)
	}
	if got.Type != TypeReject {
		t.Fatalf("expected a Reject frame, got %s", got.Type)
	}
	if got.ReferenceID != refID {
		t.Fatalf("expected Reject to carry the offer's reference id")
	}
}

func TestRouter_HandleInbound_ForceRejectsUnparseableOffer(t *testing.T) {
	store := testStore(t)
	messages := storage.NewMessages(store.DB())
	sender := &fakeSender{}

	policy := func(ctx context.Context, peer [33]byte, env Envelope) (bool, error) {
		return false, fmt.Errorf("cannot parse offer")
	}
	router := NewRouter(messages, sender, policy, nil, discardLogger())

	var peer [33]byte
	peer[0] = 0x45
	var refID types.ReferenceID
	refID[0] = 0xCD
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, Envelope{Type: TypeRenewOffer, ReferenceID: refID, Payload: []byte("bad")}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if err := router.HandleInbound(context.Background(), peer, buf.Bytes()); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 Reject sent, got %d", len(sender.sent))
	}
	got, err := ReadMessage(bytes.NewReader(sender.sent[0]))
	if err != nil {
		t.Fatalf("read sent frame: %v", err)
	}
	if got.Type != TypeReject || got.ReferenceID != refID {
		t.Fatalf("expected a reference-correlated Reject, got type=%s ref=%x", got.Type, got.ReferenceID)
	}
}
