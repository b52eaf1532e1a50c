// Package dlctransport is the per-peer websocket duplex used to exchange
// framed DLC messages with traders (spec §4.5, §9). Each peer gets its
// own connection with exponential-backoff reconnect, the same shape as
// the teacher's exchange.WSFeed.Run — 1s doubling to a configured
// ceiling — generalised from "one feed, many subscriptions" to "many
// peer connections, one frame format each".
package dlctransport

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/10101-finance/coordinator-engine/internal/dlcmsg"
)

var _ dlcmsg.Sender = (*Transport)(nil)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// OnMessage is invoked for every inbound frame from a peer, typically
// wired to dlcmsg.Router.HandleInbound.
type OnMessage func(ctx context.Context, peer [33]byte, raw []byte) error

// OnReconnect is invoked after a peer connection is (re-)established,
// typically wired to dlcmsg.Router.ReplayLastOutbound so the last
// outbound message survives a dropped connection (spec §9).
type OnReconnect func(ctx context.Context, peer [33]byte)

// Transport manages one websocket connection per peer. Connections are
// symmetric: Register dials out to a peer's endpoint, while ListenAndServe
// accepts peers dialing in — either way the accepted conn is wrapped in
// the same peerConn and fed through the same onMessage/sendCh plumbing.
type Transport struct {
	reconnectBackoff time.Duration
	maxReconnectWait time.Duration
	onMessage        OnMessage
	onReconnect      OnReconnect
	logger           *slog.Logger
	upgrader         websocket.Upgrader

	mu    sync.RWMutex
	peers map[[33]byte]*peerConn

	httpMu     sync.Mutex
	httpServer *http.Server
}

// New builds a Transport.
func New(reconnectBackoff, maxReconnectWait time.Duration, onMessage OnMessage, onReconnect OnReconnect, logger *slog.Logger) *Transport {
	return &Transport{
		reconnectBackoff: reconnectBackoff,
		maxReconnectWait: maxReconnectWait,
		onMessage:        onMessage,
		onReconnect:      onReconnect,
		logger:           logger.With("component", "dlctransport"),
		peers:            make(map[[33]byte]*peerConn),
	}
}

type peerConn struct {
	pubkey [33]byte
	url    string

	connMu sync.Mutex
	conn   *websocket.Conn

	sendCh chan []byte
}

// Register starts maintaining a connection to a peer's DLC endpoint.
// It returns immediately; the connection loop runs in its own goroutine
// until ctx is cancelled or the peer is deregistered.
func (t *Transport) Register(ctx context.Context, peer [33]byte, url string) {
	pc := &peerConn{pubkey: peer, url: url, sendCh: make(chan []byte, 64)}
	t.mu.Lock()
	t.peers[peer] = pc
	t.mu.Unlock()

	go t.run(ctx, pc)
}

// Deregister stops maintaining a peer's connection and closes it.
func (t *Transport) Deregister(peer [33]byte) {
	t.mu.Lock()
	pc, ok := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()
	if ok {
		pc.close()
	}
}

// Send queues a frame for delivery to peer. Non-blocking: if the peer's
// send queue is full the frame is dropped and an error returned, since
// the durable retry path for a dropped send is persistence in
// dlc_messages plus a later ReplayLastOutbound, not an unbounded queue.
func (t *Transport) Send(ctx context.Context, peer [33]byte, payload []byte) error {
	t.mu.RLock()
	pc, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dlctransport: no connection registered for peer %x", peer)
	}
	select {
	case pc.sendCh <- payload:
		return nil
	default:
		return fmt.Errorf("dlctransport: send queue full for peer %x", peer)
	}
}

func (pc *peerConn) close() {
	pc.connMu.Lock()
	defer pc.connMu.Unlock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
}

func (t *Transport) run(ctx context.Context, pc *peerConn) {
	backoff := t.reconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxWait := t.maxReconnectWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	for {
		t.mu.RLock()
		_, stillRegistered := t.peers[pc.pubkey]
		t.mu.RUnlock()
		if !stillRegistered {
			return
		}

		err := t.connectAndServe(ctx, pc)
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("peer connection dropped, reconnecting",
			"peer", fmt.Sprintf("%x", pc.pubkey), "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxWait {
			backoff = maxWait
		}
	}
}

func (t *Transport) connectAndServe(ctx context.Context, pc *peerConn) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, pc.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", pc.url, err)
	}
	pc.connMu.Lock()
	pc.conn = conn
	pc.connMu.Unlock()
	defer pc.close()

	t.logger.Info("peer connected", "peer", fmt.Sprintf("%x", pc.pubkey))
	if t.onReconnect != nil {
		t.onReconnect(ctx, pc.pubkey)
	}

	writeErrCh := make(chan error, 1)
	go t.writeLoop(ctx, pc, conn, writeErrCh)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if t.onMessage != nil {
			if err := t.onMessage(ctx, pc.pubkey, msg); err != nil {
				t.logger.Warn("inbound message handling failed", "peer", fmt.Sprintf("%x", pc.pubkey), "error", err)
			}
		}
		select {
		case werr := <-writeErrCh:
			return werr
		default:
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, pc *peerConn, conn *websocket.Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-pc.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				select {
				case errCh <- fmt.Errorf("write: %w", err):
				default:
				}
				return
			}
		}
	}
}

// ListenAndServe accepts inbound peer connections at addr (collaborator.
// listen_addr): each trader's client dials in rather than the coordinator
// dialing out. A peer identifies itself with a `peer` query parameter
// (33-byte hex pubkey); Register is unnecessary for an accepted
// connection since the handshake itself supplies the pubkey. Blocks until
// ctx is cancelled or the listener fails.
func (t *Transport) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/dlc", func(w http.ResponseWriter, r *http.Request) {
		t.acceptPeer(ctx, w, r)
	})

	t.httpMu.Lock()
	t.httpServer = &http.Server{Addr: addr, Handler: mux}
	srv := t.httpServer
	t.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		srv.Close()
		return nil
	case err := <-errCh:
		return fmt.Errorf("dlctransport listen %s: %w", addr, err)
	}
}

func (t *Transport) acceptPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	peerHex := r.URL.Query().Get("peer")
	var peer [33]byte
	if raw, err := hex.DecodeString(peerHex); err != nil || len(raw) != len(peer) {
		http.Error(w, "missing or malformed peer pubkey", http.StatusBadRequest)
		return
	} else {
		copy(peer[:], raw)
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("failed to upgrade inbound peer connection", "peer", fmt.Sprintf("%x", peer), "error", err)
		return
	}

	pc := &peerConn{pubkey: peer, sendCh: make(chan []byte, 64)}
	pc.conn = conn
	t.mu.Lock()
	t.peers[peer] = pc
	t.mu.Unlock()

	t.logger.Info("peer connected inbound", "peer", fmt.Sprintf("%x", peer))
	if t.onReconnect != nil {
		t.onReconnect(ctx, peer)
	}

	writeErrCh := make(chan error, 1)
	go t.writeLoop(ctx, pc, conn, writeErrCh)

	defer func() {
		t.mu.Lock()
		delete(t.peers, peer)
		t.mu.Unlock()
		pc.close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("inbound peer connection dropped", "peer", fmt.Sprintf("%x", peer), "error", err)
			return
		}
		if t.onMessage != nil {
			if err := t.onMessage(ctx, peer, msg); err != nil {
				t.logger.Warn("inbound message handling failed", "peer", fmt.Sprintf("%x", peer), "error", err)
			}
		}
		select {
		case werr := <-writeErrCh:
			t.logger.Warn("inbound peer write failed", "peer", fmt.Sprintf("%x", peer), "error", werr)
			return
		default:
		}
	}
}
