package dlctransport

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func TestSend_UnregisteredPeerErrors(t *testing.T) {
	tr := New(time.Second, 30*time.Second, nil, nil, discardLogger())
	var peer [33]byte
	peer[0] = 0x01
	if err := tr.Send(context.Background(), peer, []byte("hello")); err == nil {
		t.Fatal("expected error sending to unregistered peer")
	}
}

func TestSend_QueueFullErrors(t *testing.T) {
	tr := New(time.Second, 30*time.Second, nil, nil, discardLogger())
	var peer [33]byte
	peer[0] = 0x02
	pc := &peerConn{pubkey: peer, sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.peers[peer] = pc
	tr.mu.Unlock()

	if err := tr.Send(context.Background(), peer, []byte("first")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := tr.Send(context.Background(), peer, []byte("second")); err == nil {
		t.Fatal("expected error on full send queue")
	}
}

func TestDeregister_ClosesAndRemoves(t *testing.T) {
	tr := New(time.Second, 30*time.Second, nil, nil, discardLogger())
	var peer [33]byte
	peer[0] = 0x03
	pc := &peerConn{pubkey: peer, sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.peers[peer] = pc
	tr.mu.Unlock()

	tr.Deregister(peer)

	tr.mu.RLock()
	_, ok := tr.peers[peer]
	tr.mu.RUnlock()
	if ok {
		t.Fatal("expected peer removed after deregister")
	}
}
