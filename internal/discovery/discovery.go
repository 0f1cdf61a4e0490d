// Package discovery finds session peers on the local network without a
// central coordinator: each process periodically broadcasts an announce
// datagram on the discovery port and listens on the same port,
// maintaining a live peer list with liveness timeouts.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlaykit/lockstep/protocol"
)

type EventKind int

const (
	PeerFound EventKind = iota
	PeerLost
)

// Peer is a discovered session participant.
type Peer struct {
	ID       uuid.UUID
	Addr     *net.UDPAddr // session transport address (announce source IP, announced port)
	LastSeen time.Time
}

type Event struct {
	Kind EventKind
	Peer Peer
}

type Config struct {
	Session       string
	SelfID        uuid.UUID
	AdvertisePort uint16 // session transport port carried in announces
	DiscoveryPort int
	Interval      time.Duration
	// TimeoutMultiple is the number of missed announce intervals after
	// which a peer is declared lost.
	TimeoutMultiple int
	KeyCheck        [8]byte
}

type Discovery struct {
	cfg    Config
	conn   *net.UDPConn
	events chan Event

	mu      sync.RWMutex
	peers   map[uuid.UUID]*Peer
	started bool

	// kick wakes the announce loop for an immediate re-announce burst,
	// e.g. after a local address change.
	kick chan struct{}
}

func New(cfg Config) *Discovery {
	return &Discovery{
		cfg:    cfg,
		events: make(chan Event, 64),
		peers:  make(map[uuid.UUID]*Peer),
		kick:   make(chan struct{}, 1),
	}
}

// Start binds the discovery port and launches the announce, listen and
// sweep loops. They stop when ctx is canceled.
func (d *Discovery) Start(ctx context.Context) error {
	if d.started {
		return errors.New("discovery: already started")
	}
	conn, err := listenBroadcast(d.cfg.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("discovery: bind port %d: %w", d.cfg.DiscoveryPort, err)
	}
	d.conn = conn
	d.started = true

	go d.listenLoop(ctx)
	go d.announceLoop(ctx)
	go d.sweepLoop(ctx)

	log.Printf("discovery: listening on port %d (session %q)", d.cfg.DiscoveryPort, d.cfg.Session)
	return nil
}

// Events delivers PeerFound and PeerLost. The channel is buffered; if
// the consumer stalls, events are dropped rather than blocking the
// discovery loops.
func (d *Discovery) Events() <-chan Event { return d.events }

// Announce requests an immediate announce burst outside the periodic
// cadence.
func (d *Discovery) Announce() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Peers returns a snapshot of the currently-live peer list.
func (d *Discovery) Peers() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

func (d *Discovery) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		log.Printf("discovery: event channel full, dropping %v for %s", ev.Kind, ev.Peer.ID)
	}
}

func (d *Discovery) listenLoop(ctx context.Context) {
	defer d.conn.Close()
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				log.Printf("discovery: read: %v", err)
			}
			continue
		}
		d.handleDatagram(buf[:n], src)
	}
}

func (d *Discovery) handleDatagram(b []byte, src *net.UDPAddr) {
	msg, err := protocol.Decode(b)
	if err != nil {
		log.Printf("discovery: bad datagram from %s: %v", src, err)
		return
	}
	ann, ok := msg.(protocol.Announce)
	if !ok {
		log.Printf("discovery: unexpected %T from %s", msg, src)
		return
	}
	// Loopback broadcast echoes our own announces back at us.
	if ann.PeerID == d.cfg.SelfID {
		return
	}
	if ann.Session != d.cfg.Session || ann.KeyCheck != d.cfg.KeyCheck {
		return
	}

	addr := &net.UDPAddr{IP: src.IP, Port: int(ann.Port)}
	d.mu.Lock()
	p, known := d.peers[ann.PeerID]
	if known {
		p.LastSeen = time.Now()
		p.Addr = addr
		d.mu.Unlock()
		return
	}
	p = &Peer{ID: ann.PeerID, Addr: addr, LastSeen: time.Now()}
	d.peers[ann.PeerID] = p
	d.mu.Unlock()

	log.Printf("discovery: found peer %s at %s", ann.PeerID, addr)
	d.emit(Event{Kind: PeerFound, Peer: *p})
}

func (d *Discovery) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.broadcastAnnounce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.broadcastAnnounce()
		case <-d.kick:
			// Burst so one lost datagram does not delay rediscovery a
			// full interval.
			for i := 0; i < 3; i++ {
				d.broadcastAnnounce()
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}
}

func (d *Discovery) broadcastAnnounce() {
	frame, err := protocol.Encode(protocol.Announce{
		Session:  d.cfg.Session,
		PeerID:   d.cfg.SelfID,
		Port:     d.cfg.AdvertisePort,
		KeyCheck: d.cfg.KeyCheck,
	})
	if err != nil {
		log.Printf("discovery: encode announce: %v", err)
		return
	}
	sent := 0
	for _, baddr := range broadcastAddresses() {
		dst := &net.UDPAddr{IP: baddr, Port: d.cfg.DiscoveryPort}
		if _, err := d.conn.WriteToUDP(frame, dst); err == nil {
			sent++
		}
	}
	if sent == 0 {
		log.Printf("discovery: announce reached no broadcast address")
	}
}

func (d *Discovery) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	timeout := time.Duration(d.cfg.TimeoutMultiple) * d.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var lost []Peer
			d.mu.Lock()
			for id, p := range d.peers {
				if now.Sub(p.LastSeen) > timeout {
					lost = append(lost, *p)
					delete(d.peers, id)
				}
			}
			d.mu.Unlock()
			for _, p := range lost {
				log.Printf("discovery: peer %s timed out", p.ID)
				d.emit(Event{Kind: PeerLost, Peer: p})
			}
		}
	}
}

// broadcastAddresses enumerates the IPv4 directed-broadcast address of
// every up, broadcast-capable interface, falling back to the limited
// broadcast address.
func broadcastAddresses() []net.IP {
	var out []net.IP
	seen := make(map[string]bool)

	ifaces, err := net.Interfaces()
	if err != nil {
		return []net.IP{net.IPv4bcast}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != 4 {
				continue
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			if !seen[bcast.String()] {
				seen[bcast.String()] = true
				out = append(out, bcast)
			}
		}
	}
	if !seen[net.IPv4bcast.String()] {
		out = append(out, net.IPv4bcast)
	}
	return out
}
