package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	frameHello = "hello"
	frameMsg   = "msg"
	framePing  = "ping"
	framePong  = "pong"

	maxFrameBytes = 1 << 20
)

// frame is the newline-delimited JSON wire unit between peers.
type frame struct {
	Kind     string          `json:"kind"`
	DeviceID string          `json:"deviceId,omitempty"`
	PingID   string          `json:"pingId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type peerConn struct {
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

func (p *peerConn) write(f *frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(f)
}

// TCPTransport is a LAN mesh transport: every node listens on a TCP port and
// dials its peers directly. Peer addresses come from discovery via AddPeer.
type TCPTransport struct {
	deviceID   string
	listenAddr string
	logger     *logrus.Logger

	mu      sync.RWMutex
	peers   map[string]*peerConn
	addrs   map[string]string
	waiters map[string]chan struct{}

	handler      ReceiveHandler
	onDisconnect func(deviceID string)

	ln      net.Listener
	dialer  net.Dialer
	started bool
}

func NewTCPTransport(deviceID, listenAddr string, logger *logrus.Logger) *TCPTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &TCPTransport{
		deviceID:   deviceID,
		listenAddr: listenAddr,
		logger:     logger,
		peers:      make(map[string]*peerConn),
		addrs:      make(map[string]string),
		waiters:    make(map[string]chan struct{}),
	}
}

// AddPeer records where a device can be dialed. Discovery calls this for
// every sighting; re-adding an existing peer just updates the address.
func (t *TCPTransport) AddPeer(deviceID, addr string) {
	t.mu.Lock()
	t.addrs[deviceID] = addr
	t.mu.Unlock()
}

// SetOnDisconnect registers a callback fired when a peer connection drops.
func (t *TCPTransport) SetOnDisconnect(fn func(deviceID string)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *TCPTransport) SetReceiveHandler(handler ReceiveHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Start begins accepting peer connections. Returns once the listener is
// bound; accepted connections are served until ctx is cancelled.
func (t *TCPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}
	t.ln = ln

	go func() {
		<-ctx.Done()
		if closeErr := ln.Close(); closeErr != nil {
			t.logger.WithError(closeErr).Debug("Listener close failed")
		}
	}()

	go t.acceptLoop(ctx)
	t.logger.WithField("addr", ln.Addr().String()).Info("Mesh transport listening")
	return nil
}

// Addr returns the bound listen address, useful when listening on port 0.
func (t *TCPTransport) Addr() string {
	if t.ln == nil {
		return t.listenAddr
	}
	return t.ln.Addr().String()
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.WithError(err).Warn("Accept failed")
			continue
		}
		go t.serve(ctx, conn)
	}
}

// serve handles one inbound connection: the peer identifies itself with a
// hello frame, then frames flow until the connection drops.
func (t *TCPTransport) serve(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReaderSize(conn, maxFrameBytes)
	dec := json.NewDecoder(reader)

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.logger.WithError(err).Warn("Failed to set handshake deadline")
	}
	var hello frame
	if err := dec.Decode(&hello); err != nil || hello.Kind != frameHello || hello.DeviceID == "" {
		t.logger.Warn("Peer failed handshake")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	peer := &peerConn{conn: conn, enc: json.NewEncoder(conn)}
	t.register(hello.DeviceID, peer)
	t.readLoop(ctx, hello.DeviceID, peer, dec)
}

func (t *TCPTransport) register(deviceID string, peer *peerConn) {
	t.mu.Lock()
	if old, ok := t.peers[deviceID]; ok {
		_ = old.conn.Close()
	}
	t.peers[deviceID] = peer
	t.mu.Unlock()
	t.logger.WithField("peer", deviceID).Info("Peer connected")
}

func (t *TCPTransport) readLoop(ctx context.Context, deviceID string, peer *peerConn, dec *json.Decoder) {
	defer t.drop(deviceID, peer)

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() == nil {
				t.logger.WithError(err).WithField("peer", deviceID).Debug("Peer read failed")
			}
			return
		}

		switch f.Kind {
		case framePing:
			if err := peer.write(&frame{Kind: framePong, DeviceID: t.deviceID, PingID: f.PingID}); err != nil {
				return
			}
		case framePong:
			t.signalPong(f.PingID)
		case frameMsg:
			t.deliver(deviceID, f.Payload)
		}
	}
}

func (t *TCPTransport) deliver(deviceID string, payload json.RawMessage) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	var in InboundMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		t.logger.WithError(err).Warn("Dropping malformed inbound frame")
		return
	}
	if in.SenderID == "" {
		in.SenderID = deviceID
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	handler(in)
}

func (t *TCPTransport) drop(deviceID string, peer *peerConn) {
	_ = peer.conn.Close()

	t.mu.Lock()
	current, ok := t.peers[deviceID]
	if ok && current == peer {
		delete(t.peers, deviceID)
	}
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	if ok && current == peer {
		t.logger.WithField("peer", deviceID).Info("Peer disconnected")
		if onDisconnect != nil {
			onDisconnect(deviceID)
		}
	}
}

func (t *TCPTransport) peer(deviceID string) (*peerConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[deviceID]
	return p, ok
}

func (t *TCPTransport) Send(ctx context.Context, deviceID string, payload []byte) error {
	peer, ok := t.peer(deviceID)
	if !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = peer.conn.SetWriteDeadline(deadline)
		defer func() { _ = peer.conn.SetWriteDeadline(time.Time{}) }()
	}

	if err := peer.write(&frame{Kind: frameMsg, DeviceID: t.deviceID, Payload: payload}); err != nil {
		return fmt.Errorf("send to %s failed: %w", deviceID, err)
	}
	return nil
}

func (t *TCPTransport) Ping(ctx context.Context, deviceID string) (time.Duration, error) {
	peer, ok := t.peer(deviceID)
	if !ok {
		return 0, fmt.Errorf("device %s is not connected", deviceID)
	}

	pingID := uuid.New().String()
	done := make(chan struct{})
	t.mu.Lock()
	t.waiters[pingID] = done
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, pingID)
		t.mu.Unlock()
	}()

	start := time.Now()
	if err := peer.write(&frame{Kind: framePing, DeviceID: t.deviceID, PingID: pingID}); err != nil {
		return 0, fmt.Errorf("ping to %s failed: %w", deviceID, err)
	}

	select {
	case <-done:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *TCPTransport) signalPong(pingID string) {
	t.mu.Lock()
	done, ok := t.waiters[pingID]
	if ok {
		delete(t.waiters, pingID)
	}
	t.mu.Unlock()
	if ok {
		close(done)
	}
}

func (t *TCPTransport) Connect(ctx context.Context, deviceID string) error {
	if _, ok := t.peer(deviceID); ok {
		return nil
	}

	t.mu.RLock()
	addr, ok := t.addrs[deviceID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no known address for device %s", deviceID)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s failed: %w", addr, err)
	}

	peer := &peerConn{conn: conn, enc: json.NewEncoder(conn)}
	if err := peer.write(&frame{Kind: frameHello, DeviceID: t.deviceID}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", deviceID, err)
	}

	t.register(deviceID, peer)
	go t.readLoop(context.WithoutCancel(ctx), deviceID, peer, json.NewDecoder(bufio.NewReaderSize(conn, maxFrameBytes)))
	return nil
}

func (t *TCPTransport) Disconnect(ctx context.Context, deviceID string) error {
	peer, ok := t.peer(deviceID)
	if !ok {
		return nil
	}
	return peer.conn.Close()
}

func (t *TCPTransport) ConnectedDevices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	devices := make([]string, 0, len(t.peers))
	for deviceID := range t.peers {
		devices = append(devices, deviceID)
	}
	return devices
}
