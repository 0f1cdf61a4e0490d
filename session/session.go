// Package session is the host-facing surface of the sync core. It owns
// peer membership, runs deterministic leader election, and wires
// discovery, the peer transport, and the sync manager together behind
// one event stream.
package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlaykit/lockstep/internal/discovery"
	"github.com/overlaykit/lockstep/internal/netmon"
	"github.com/overlaykit/lockstep/internal/playsync"
	"github.com/overlaykit/lockstep/internal/transport"
	"github.com/overlaykit/lockstep/protocol"
)

// PlaybackController is the playback engine the session drives. The
// host supplies it; the session never decodes or renders anything.
type PlaybackController interface {
	Position() uint64 // current playback position, ms
	Rate() float64
	Paused() bool
	SetRate(rate float64)
	SetPaused(paused bool)
	Seek(positionMs uint64)
}

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Discovering
	Electing
	Active
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Electing:
		return "electing"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind int

const (
	PeerFound EventKind = iota
	PeerLost
	RoleChanged
	LeaderStale
	SyncApplied
)

// Event is delivered on one buffered channel; when the host falls
// behind, the oldest undelivered event is dropped rather than blocking
// the session loop.
type Event struct {
	Kind     EventKind
	PeerID   uuid.UUID          // PeerFound, PeerLost
	LeaderID uuid.UUID          // RoleChanged
	IsLeader bool               // RoleChanged: this process is the leader
	State    protocol.SyncState // SyncApplied
}

// Config carries session parameters. Zero values take the documented
// defaults; only Name and Controller are required.
type Config struct {
	Name string // session name, shared by all participants
	Key  string // optional shared key; mismatched peers are ignored

	BindPort      int // transport UDP port; 0 picks an ephemeral port
	DiscoveryPort int // shared announce port (default 47801)

	DiscoveryInterval time.Duration // announce cadence (default 2s)
	TimeoutMultiple   int           // liveness timeout in intervals (default 3)
	JoinTimeout       time.Duration // solo-session fallback (default 5s)

	BroadcastInterval time.Duration // leader state cadence (default 250ms)
	ClockPingInterval time.Duration // follower clock sampling (default 2s)
	DriftTolerance    time.Duration // do-nothing band (default 75ms)
	HardSeekThreshold time.Duration // direct-seek threshold (default 1s)
	NudgeRate         float64       // fractional rate nudge (default 0.08)
	NudgeWindow       time.Duration // bounded nudge duration (default 2s)

	Controller PlaybackController
}

func (c Config) withDefaults() Config {
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = 47801
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 2 * time.Second
	}
	if c.TimeoutMultiple == 0 {
		c.TimeoutMultiple = 3
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = 250 * time.Millisecond
	}
	if c.ClockPingInterval == 0 {
		c.ClockPingInterval = 2 * time.Second
	}
	if c.DriftTolerance == 0 {
		c.DriftTolerance = 75 * time.Millisecond
	}
	if c.HardSeekThreshold == 0 {
		c.HardSeekThreshold = time.Second
	}
	if c.NudgeRate == 0 {
		c.NudgeRate = 0.08
	}
	if c.NudgeWindow == 0 {
		c.NudgeWindow = 2 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("session: Name is required")
	}
	if c.Controller == nil {
		return errors.New("session: Controller is required")
	}
	return nil
}

// keyCheck derives the 8-byte announce filter from the session name
// and shared key. It is a filter against unrelated sessions, not
// authentication.
func keyCheck(name, key string) [8]byte {
	sum := sha256.Sum256([]byte(name + key))
	var k [8]byte
	copy(k[:], sum[:8])
	return k
}

// Session is the handle returned by Start.
type Session struct {
	cfg Config
	id  uuid.UUID

	disc *discovery.Discovery
	tr   *transport.Manager
	sync *playsync.Manager
	mon  *netmon.Monitor

	events  chan Event
	electCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	state      State
	leaderID   uuid.UUID
	haveLeader bool
}

// Start brings up discovery, the transport, and the sync manager, and
// begins electing. The returned session is Discovering; election
// settles once a peer connects or JoinTimeout elapses (solo session).
func Start(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	id := uuid.New()
	check := keyCheck(cfg.Name, cfg.Key)
	ctx, cancel := context.WithCancel(context.Background())

	tr, err := transport.New(transport.Config{
		Session:  cfg.Name,
		SelfID:   id,
		BindPort: cfg.BindPort,
		KeyCheck: check,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := tr.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("session: %w", err)
	}

	disc := discovery.New(discovery.Config{
		Session:         cfg.Name,
		SelfID:          id,
		AdvertisePort:   tr.Port(),
		DiscoveryPort:   cfg.DiscoveryPort,
		Interval:        cfg.DiscoveryInterval,
		TimeoutMultiple: cfg.TimeoutMultiple,
		KeyCheck:        check,
	})
	if err := disc.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("session: %w", err)
	}

	mgr := playsync.New(playsync.Config{
		BroadcastInterval: cfg.BroadcastInterval,
		ClockPingInterval: cfg.ClockPingInterval,
		DriftTolerance:    cfg.DriftTolerance,
		HardSeekThreshold: cfg.HardSeekThreshold,
		NudgeRate:         cfg.NudgeRate,
		NudgeWindow:       cfg.NudgeWindow,
		RTTCeiling:        250 * time.Millisecond,
		StaleMultiple:     5,
	}, cfg.Controller, tr)

	s := &Session{
		cfg:    cfg,
		id:     id,
		disc:   disc,
		tr:     tr,
		sync:   mgr,
		mon:    netmon.New(),
		events:  make(chan Event, 64),
		electCh: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   Discovering,
	}

	// Address-change monitoring is best-effort; without it the session
	// still heals through periodic announces.
	if err := s.mon.Start(); err != nil {
		log.Printf("session: address monitor unavailable: %v", err)
	}

	log.Printf("session %q: peer %s listening on port %d", cfg.Name, id, tr.Port())
	go mgr.Run(ctx)
	go s.run(ctx)
	return s, nil
}

// Stop tears the session down. It is safe to call once.
func (s *Session) Stop() {
	s.mu.Lock()
	s.state = ShuttingDown
	s.mu.Unlock()
	s.mon.Stop()
	s.cancel()
	<-s.done
}

func (s *Session) ID() uuid.UUID { return s.id }

// Port returns the transport UDP port the session is reachable on.
func (s *Session) Port() uint16 { return s.tr.Port() }

// Events returns the host event stream.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Leader returns the current leader's id, or false while election has
// not settled.
func (s *Session) Leader() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID, s.haveLeader
}

// IsLeader reports whether this process currently holds the leader
// role.
func (s *Session) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveLeader && s.leaderID == s.id
}

// SyncState returns the best-known playback state.
func (s *Session) SyncState() protocol.SyncState { return s.sync.State() }

// SubmitCommand applies a play, pause, or seek and distributes it to
// all followers. Only the leader may call it; followers get
// playsync.ErrNotLeader.
func (s *Session) SubmitCommand(op protocol.CommandOp, positionMs uint64) error {
	return s.sync.SubmitCommand(op, positionMs)
}

// ReportEngineEvent shares a local playback-engine transition (start,
// stop, buffering) with the session. Any peer may report.
func (s *Session) ReportEngineEvent(kind protocol.EventKind, positionMs uint64) {
	s.sync.ReportEngineEvent(kind, positionMs)
}

// Rect returns the shared overlay placement rectangle.
func (s *Session) Rect() protocol.ScreenRect { return s.sync.Rect() }

// SetRect updates the shared overlay rectangle (leader-only).
func (s *Session) SetRect(rect protocol.ScreenRect) error { return s.sync.SetRect(rect) }

// run is the single goroutine that owns membership and election. All
// transitions happen here, so no election state needs locking beyond
// the snapshot accessors.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	joinTimer := time.NewTimer(s.cfg.JoinTimeout)
	defer joinTimer.Stop()
	reconcile := time.NewTicker(s.cfg.DiscoveryInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.disc.Events():
			s.handleDiscovery(ctx, ev)

		case ev := <-s.tr.Events():
			s.handleTransport(ev)

		case in := <-s.tr.Inbound():
			s.sync.Handle(in.PeerID, in.Msg)

		case ev := <-s.sync.Events():
			s.handleSync(ev)

		case ch := <-s.mon.Changes():
			log.Printf("session: address moved %s -> %s, re-announcing", ch.Old, ch.New)
			s.disc.Announce()

		case <-joinTimer.C:
			if s.State() == Discovering {
				log.Printf("session: no peers within %s, continuing solo", s.cfg.JoinTimeout)
				s.triggerElection()
			}

		case <-s.electCh:
			s.elect()

		case <-reconcile.C:
			s.dialKnownPeers(ctx)
		}
	}
}

func (s *Session) handleDiscovery(ctx context.Context, ev discovery.Event) {
	switch ev.Kind {
	case discovery.PeerFound:
		s.emit(Event{Kind: PeerFound, PeerID: ev.Peer.ID})
		s.dialKnownPeers(ctx)
	case discovery.PeerLost:
		s.emit(Event{Kind: PeerLost, PeerID: ev.Peer.ID})
		s.tr.Disconnect(ev.Peer.ID)
	}
}

func (s *Session) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.PeerConnected:
		s.triggerElection()
	case transport.PeerDisconnected:
		s.mu.Lock()
		lostLeader := s.haveLeader && ev.PeerID == s.leaderID
		s.mu.Unlock()
		if lostLeader {
			log.Printf("session: leader %s lost, re-electing", ev.PeerID)
		}
		s.triggerElection()
	}
}

func (s *Session) handleSync(ev playsync.Event) {
	switch ev.Kind {
	case playsync.SyncApplied:
		s.emit(Event{Kind: SyncApplied, State: ev.State})
	case playsync.LeaderStale:
		s.emit(Event{Kind: LeaderStale})
		// Drop the silent leader's connection so election runs over the
		// surviving set instead of waiting for the liveness sweep.
		s.mu.Lock()
		leaderID, have := s.leaderID, s.haveLeader
		s.mu.Unlock()
		if have && leaderID != s.id {
			s.tr.Disconnect(leaderID)
		}
	}
}

// dialKnownPeers opens transport connections to discovered peers this
// process is responsible for dialing. Of two mutually-discovered
// peers, only the one with the smaller id dials, so each pair shares
// one connection.
func (s *Session) dialKnownPeers(ctx context.Context) {
	for _, p := range s.disc.Peers() {
		if bytes.Compare(s.id[:], p.ID[:]) >= 0 || s.tr.Connected(p.ID) {
			continue
		}
		p := p
		go func() {
			dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.tr.Connect(dctx, p.ID, p.Addr); err != nil {
				log.Printf("session: dial %s at %s: %v", p.ID, p.Addr, err)
			}
		}()
	}
}

// markElecting records that membership changed and the leader is
// being re-derived; elect settles the session back to Active.
func (s *Session) markElecting() {
	s.mu.Lock()
	if s.state != ShuttingDown {
		s.state = Electing
	}
	s.mu.Unlock()
}

// triggerElection schedules an election on the run loop. The session
// stays Electing until elect settles.
func (s *Session) triggerElection() {
	s.markElecting()
	select {
	case s.electCh <- struct{}{}:
	default:
	}
}

// leaderOf picks the numerically smallest id among self and peers.
// The rule is order-independent, so every participant reaches the
// same answer from its own peer list without a voting round.
func leaderOf(self uuid.UUID, peers []uuid.UUID) uuid.UUID {
	leader := self
	for _, id := range peers {
		if bytes.Compare(id[:], leader[:]) < 0 {
			leader = id
		}
	}
	return leader
}

// elect applies the deterministic rule over all connected peers plus
// self and settles the role.
func (s *Session) elect() {
	leader := leaderOf(s.id, s.tr.Peers())

	s.mu.Lock()
	if s.state == ShuttingDown {
		s.mu.Unlock()
		return
	}
	changed := !s.haveLeader || leader != s.leaderID
	s.leaderID = leader
	s.haveLeader = true
	s.state = Active
	s.mu.Unlock()

	if !changed {
		return
	}
	isLeader := leader == s.id
	if isLeader {
		log.Printf("session: this peer leads")
	} else {
		log.Printf("session: peer %s leads", leader)
	}
	s.sync.SetRole(isLeader, leader)
	s.emit(Event{Kind: RoleChanged, LeaderID: leader, IsLeader: isLeader})
}

// emit delivers ev without ever blocking the run loop; when the buffer
// is full the oldest undelivered event is discarded.
func (s *Session) emit(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}
