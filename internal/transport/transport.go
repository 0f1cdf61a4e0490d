// Package transport gives the session a uniform per-peer message
// channel over QUIC: one long-lived bidirectional stream per peer for
// reliable FIFO delivery, and QUIC datagrams for best-effort sends
// where a stale message is simply superseded by the next one.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/overlaykit/lockstep/protocol"
)

type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
)

type Event struct {
	Kind   EventKind
	PeerID uuid.UUID
	Addr   net.Addr
}

// Inbound is a message received from a connected peer, on either the
// reliable or the unreliable path.
type Inbound struct {
	PeerID uuid.UUID
	Msg    protocol.Message
}

type Config struct {
	Session  string
	SelfID   uuid.UUID
	BindPort int
	KeyCheck [8]byte
	// ViolationLimit is the number of malformed messages tolerated per
	// peer before the peer is disconnected. One bad message never
	// disconnects on its own.
	ViolationLimit int
}

var (
	ErrPeerNotFound = errors.New("transport: peer not connected")
	ErrClosed       = errors.New("transport: manager closed")
)

// Manager owns the QUIC transport and all per-peer connections.
type Manager struct {
	cfg      Config
	tlsConf  *tls.Config
	quicConf *quic.Config

	udpConn *net.UDPConn
	tr      *quic.Transport
	ln      *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[uuid.UUID]*peerConn

	events  chan Event
	inbound chan Inbound
}

type peerConn struct {
	id      uuid.UUID
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex

	violMu     sync.Mutex
	violations int
}

func New(cfg Config) (*Manager, error) {
	tlsConf, err := newTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: tls setup: %w", err)
	}
	if cfg.ViolationLimit <= 0 {
		cfg.ViolationLimit = 8
	}
	return &Manager{
		cfg:     cfg,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			EnableDatagrams: true,
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
		peers:   make(map[uuid.UUID]*peerConn),
		events:  make(chan Event, 64),
		inbound: make(chan Inbound, 256),
	}, nil
}

// Start binds the session UDP port and begins accepting peer
// connections. It stops when ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: m.cfg.BindPort})
	if err != nil {
		return fmt.Errorf("transport: bind port %d: %w", m.cfg.BindPort, err)
	}
	m.udpConn = udpConn
	m.tr = &quic.Transport{Conn: udpConn}

	ln, err := m.tr.Listen(m.tlsConf, m.quicConf)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("transport: listen: %w", err)
	}
	m.ln = ln
	m.ctx, m.cancel = context.WithCancel(ctx)

	go m.acceptLoop()
	go func() {
		<-m.ctx.Done()
		m.closeAll()
	}()

	log.Printf("transport: listening on %s", ln.Addr())
	return nil
}

// Port reports the actual bound UDP port, for discovery announces when
// the configured port was 0.
func (m *Manager) Port() uint16 {
	if m.udpConn == nil {
		return 0
	}
	return uint16(m.udpConn.LocalAddr().(*net.UDPAddr).Port)
}

func (m *Manager) Events() <-chan Event    { return m.events }
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Peers returns the IDs of all currently connected peers.
func (m *Manager) Peers() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// Connected reports whether the peer has an established connection.
func (m *Manager) Connected(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[id]
	return ok
}

// Connect dials the peer and performs the announce handshake. It is a
// no-op if the peer is already connected.
func (m *Manager) Connect(ctx context.Context, id uuid.UUID, addr *net.UDPAddr) error {
	if m.ctx == nil || m.ctx.Err() != nil {
		return ErrClosed
	}
	if m.Connected(id) {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := m.tr.Dial(dialCtx, addr, m.tlsConf, m.quicConf)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}
	if err := protocol.WriteMessage(stream, m.helloAnnounce()); err != nil {
		conn.CloseWithError(0, "handshake failed")
		return fmt.Errorf("transport: handshake to %s: %w", addr, err)
	}
	m.register(&peerConn{id: id, conn: conn, stream: stream})
	return nil
}

func (m *Manager) helloAnnounce() protocol.Announce {
	return protocol.Announce{
		Session:  m.cfg.Session,
		PeerID:   m.cfg.SelfID,
		Port:     m.Port(),
		KeyCheck: m.cfg.KeyCheck,
	}
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.ln.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				log.Printf("transport: accept: %v", err)
			}
			return
		}
		go m.handleAccepted(conn)
	}
}

// handleAccepted waits for the dialer's announce on its first stream
// and registers the peer under the announced ID.
func (m *Manager) handleAccepted(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "no handshake stream")
		return
	}
	msg, err := protocol.ReadMessage(stream)
	if err != nil {
		conn.CloseWithError(1, "bad handshake")
		return
	}
	ann, ok := msg.(protocol.Announce)
	if !ok || ann.Session != m.cfg.Session || ann.KeyCheck != m.cfg.KeyCheck {
		conn.CloseWithError(1, "handshake rejected")
		return
	}
	if ann.PeerID == m.cfg.SelfID {
		conn.CloseWithError(1, "self connection")
		return
	}
	m.register(&peerConn{id: ann.PeerID, conn: conn, stream: stream})
}

func (m *Manager) register(pc *peerConn) {
	m.mu.Lock()
	if _, exists := m.peers[pc.id]; exists {
		m.mu.Unlock()
		// Lost the dial race against the peer's own connect; one
		// connection per pair is enough.
		pc.conn.CloseWithError(0, "duplicate connection")
		return
	}
	m.peers[pc.id] = pc
	m.mu.Unlock()

	log.Printf("transport: peer %s connected (%s)", pc.id, pc.conn.RemoteAddr())
	m.emit(Event{Kind: PeerConnected, PeerID: pc.id, Addr: pc.conn.RemoteAddr()})

	go m.streamReadLoop(pc)
	go m.datagramReadLoop(pc)
}

func (m *Manager) unregister(pc *peerConn, reason string) {
	m.mu.Lock()
	cur, ok := m.peers[pc.id]
	if !ok || cur != pc {
		m.mu.Unlock()
		return
	}
	delete(m.peers, pc.id)
	m.mu.Unlock()

	pc.conn.CloseWithError(0, reason)
	log.Printf("transport: peer %s disconnected (%s)", pc.id, reason)
	m.emit(Event{Kind: PeerDisconnected, PeerID: pc.id, Addr: pc.conn.RemoteAddr()})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("transport: event channel full, dropping event for %s", ev.PeerID)
	}
}

// recordViolation counts one malformed message from the peer and
// reports whether the peer crossed the disconnect threshold. Transient
// corruption is tolerated; repeated violations are not.
func (m *Manager) recordViolation(pc *peerConn, err error) bool {
	pc.violMu.Lock()
	pc.violations++
	n := pc.violations
	pc.violMu.Unlock()
	log.Printf("transport: protocol violation %d/%d from %s: %v", n, m.cfg.ViolationLimit, pc.id, err)
	return n >= m.cfg.ViolationLimit
}

func (m *Manager) streamReadLoop(pc *peerConn) {
	for {
		msg, err := protocol.ReadMessage(pc.stream)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				if m.recordViolation(pc, err) {
					m.unregister(pc, "protocol violations")
					return
				}
				// The stream is byte-aligned per message, so a decode
				// error here means framing is lost; drop the peer
				// rather than guess at the next boundary.
				m.unregister(pc, "stream framing lost")
				return
			}
			m.unregister(pc, "stream closed")
			return
		}
		select {
		case m.inbound <- Inbound{PeerID: pc.id, Msg: msg}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) datagramReadLoop(pc *peerConn) {
	for {
		data, err := pc.conn.ReceiveDatagram(m.ctx)
		if err != nil {
			// Connection gone; the stream loop handles unregistering.
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if m.recordViolation(pc, err) {
				m.unregister(pc, "protocol violations")
				return
			}
			continue
		}
		select {
		case m.inbound <- Inbound{PeerID: pc.id, Msg: msg}:
		default:
			// Datagram messages carry latest state; dropping one under
			// backpressure is equivalent to the network dropping it.
		}
	}
}

func (m *Manager) lookup(id uuid.UUID) (*peerConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return pc, nil
}

// SendReliable delivers msg to the peer with guaranteed, FIFO-ordered
// delivery. It fails locally if the peer is not connected.
func (m *Manager) SendReliable(id uuid.UUID, msg protocol.Message) error {
	pc, err := m.lookup(id)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := protocol.WriteMessage(pc.stream, msg); err != nil {
		m.unregister(pc, "stream write failed")
		return fmt.Errorf("transport: send to %s: %w", id, err)
	}
	return nil
}

// SendUnreliable delivers msg best-effort with no retransmission.
func (m *Manager) SendUnreliable(id uuid.UUID, msg protocol.Message) error {
	pc, err := m.lookup(id)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return pc.conn.SendDatagram(frame)
}

// BroadcastReliable sends msg to every connected peer, skipping peers
// whose send fails.
func (m *Manager) BroadcastReliable(msg protocol.Message) {
	for _, id := range m.Peers() {
		if err := m.SendReliable(id, msg); err != nil {
			log.Printf("transport: reliable broadcast to %s: %v", id, err)
		}
	}
}

// BroadcastUnreliable sends msg to every connected peer best-effort.
func (m *Manager) BroadcastUnreliable(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("transport: encode broadcast: %v", err)
		return
	}
	m.mu.RLock()
	conns := make([]*quic.Conn, 0, len(m.peers))
	for _, pc := range m.peers {
		conns = append(conns, pc.conn)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		// Datagram loss is expected and harmless here.
		_ = c.SendDatagram(frame)
	}
}

// Disconnect drops the peer connection, surfacing a PeerDisconnected
// event.
func (m *Manager) Disconnect(id uuid.UUID) {
	if pc, err := m.lookup(id); err == nil {
		m.unregister(pc, "disconnect requested")
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.peers = make(map[uuid.UUID]*peerConn)
	m.mu.Unlock()

	for _, pc := range peers {
		pc.conn.CloseWithError(0, "session shutdown")
	}
	m.ln.Close()
	m.tr.Close()
	m.udpConn.Close()
}
