// Package playsync keeps follower playback converged on the leader's
// authoritative state. The leader periodically broadcasts SyncState
// snapshots over the unreliable path and sends commands reliably;
// followers estimate the leader's clock from ping/pong samples and
// apply tiered drift correction: nothing inside the tolerance band, a
// bounded rate nudge for small drift, a direct seek for large drift.
package playsync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlaykit/lockstep/protocol"
)

// PlaybackController is the host playback engine surface the sync
// manager drives. Implementations must be safe for calls from the sync
// manager's goroutine.
type PlaybackController interface {
	Position() uint64 // current playback position, ms
	Rate() float64
	Paused() bool
	SetRate(rate float64)
	SetPaused(paused bool)
	Seek(positionMs uint64)
}

// Sender is the outbound half of the peer transport.
type Sender interface {
	SendReliable(id uuid.UUID, msg protocol.Message) error
	SendUnreliable(id uuid.UUID, msg protocol.Message) error
	BroadcastReliable(msg protocol.Message)
	BroadcastUnreliable(msg protocol.Message)
}

type EventKind int

const (
	// SyncApplied: a leader snapshot or command was applied locally.
	SyncApplied EventKind = iota
	// LeaderStale: no SyncState for several broadcast intervals; local
	// playback is free-running until the leader returns.
	LeaderStale
)

type Event struct {
	Kind  EventKind
	State protocol.SyncState
}

type Config struct {
	BroadcastInterval time.Duration
	ClockPingInterval time.Duration
	DriftTolerance    time.Duration
	HardSeekThreshold time.Duration
	NudgeRate         float64 // fractional rate adjustment, e.g. 0.08
	NudgeWindow       time.Duration
	RTTCeiling        time.Duration
	// StaleMultiple is the number of missed broadcast intervals after
	// which the leader is considered stale.
	StaleMultiple int

	// now overrides the clock in tests.
	now func() time.Time
}

var ErrNotLeader = errors.New("playsync: not the session leader")

// Manager runs one side of the sync protocol, switching behavior as
// the session promotes or demotes this peer.
type Manager struct {
	cfg  Config
	ctrl PlaybackController
	send Sender

	events chan Event

	mu       sync.Mutex
	leader   bool
	leaderID uuid.UUID
	haveRole bool
	seq      uint64 // leader: last issued; follower: last applied
	state    protocol.SyncState
	rect     protocol.ScreenRect
	offset   *offsetEstimator
	drift    *driftCorrector
	lastSync time.Time
	stale    bool
}

func New(cfg Config, ctrl PlaybackController, send Sender) *Manager {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		ctrl:   ctrl,
		send:   send,
		events: make(chan Event, 64),
		offset: newOffsetEstimator(cfg.RTTCeiling),
		drift:  newDriftCorrector(cfg.DriftTolerance, cfg.HardSeekThreshold, cfg.NudgeWindow),
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) nowMs() uint64 {
	return uint64(m.cfg.now().UnixMilli())
}

// SetRole is called by the session whenever election settles. A newly
// demoted leader resets its follower-side estimators.
func (m *Manager) SetRole(leader bool, leaderID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaderChanged := !m.haveRole || leaderID != m.leaderID
	m.leader = leader
	m.leaderID = leaderID
	m.haveRole = true
	m.stale = false
	m.lastSync = m.cfg.now()
	if !leader {
		if leaderChanged {
			// Each leader numbers its broadcasts from its own counter.
			// Sequences applied under the previous leader must not
			// shadow the new leader's first messages.
			m.seq = 0
			m.state.Sequence = 0
		}
		m.offset = newOffsetEstimator(m.cfg.RTTCeiling)
		m.drift.reset()
		// Ask the leader for an immediate snapshot so a late joiner
		// converges before the next periodic broadcast.
		if err := m.send.SendReliable(leaderID, protocol.StateQuery{}); err != nil {
			log.Printf("playsync: state query to %s: %v", leaderID, err)
		}
	}
}

// State returns the best-known sync state: authoritative on the
// leader, last applied on a follower.
func (m *Manager) State() protocol.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rect returns the current overlay placement rectangle.
func (m *Manager) Rect() protocol.ScreenRect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rect
}

// SetRect updates the overlay rectangle and shares it with all peers.
// Leader-only, like commands.
func (m *Manager) SetRect(rect protocol.ScreenRect) error {
	m.mu.Lock()
	if !m.leader {
		m.mu.Unlock()
		return ErrNotLeader
	}
	m.rect = rect
	m.mu.Unlock()
	m.send.BroadcastReliable(rect)
	return nil
}

// SubmitCommand applies a playback command locally and distributes it
// reliably, bumping the state sequence so periodic broadcasts still in
// flight are superseded. Follower calls are rejected.
func (m *Manager) SubmitCommand(op protocol.CommandOp, positionMs uint64) error {
	m.mu.Lock()
	if !m.leader {
		m.mu.Unlock()
		return ErrNotLeader
	}
	m.seq++
	cmd := protocol.Command{Op: op, Sequence: m.seq, Position: positionMs}
	m.reflectCommand(cmd)
	m.mu.Unlock()

	m.applyCommand(cmd)
	m.send.BroadcastReliable(cmd)
	return nil
}

// ReportEngineEvent broadcasts a playback-engine transition (start,
// stop, buffering) to the session. Any peer may report.
func (m *Manager) ReportEngineEvent(kind protocol.EventKind, positionMs uint64) {
	m.send.BroadcastReliable(protocol.StateEvent{Kind: kind, Position: positionMs})
}

// reflectCommand folds a command's effect into the reported sync
// state so State() agrees with playback right away instead of waiting
// for the next broadcast. Caller holds m.mu.
func (m *Manager) reflectCommand(cmd protocol.Command) {
	m.state.Sequence = cmd.Sequence
	m.state.Position = cmd.Position
	switch cmd.Op {
	case protocol.OpPlay:
		m.state.Paused = false
	case protocol.OpPause:
		m.state.Paused = true
	}
	m.state.SentAt = m.nowMs()
}

func (m *Manager) applyCommand(cmd protocol.Command) {
	switch cmd.Op {
	case protocol.OpPlay:
		m.ctrl.SetPaused(false)
	case protocol.OpPause:
		m.ctrl.SetPaused(true)
	case protocol.OpSeek:
		m.ctrl.Seek(cmd.Position)
	}
}

// Run drives the periodic timers: leader state broadcasts, follower
// clock pings, and the leader-staleness check. It returns when ctx is
// done.
func (m *Manager) Run(ctx context.Context) {
	broadcast := time.NewTicker(m.cfg.BroadcastInterval)
	defer broadcast.Stop()
	clockPing := time.NewTicker(m.cfg.ClockPingInterval)
	defer clockPing.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-broadcast.C:
			if m.isLeader() {
				m.broadcastState()
			} else {
				m.checkStale()
			}
		case <-clockPing.C:
			if !m.isLeader() {
				m.sendClockPing()
			}
		}
	}
}

func (m *Manager) isLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

func (m *Manager) broadcastState() {
	m.mu.Lock()
	m.seq++
	state := protocol.SyncState{
		Sequence: m.seq,
		Position: m.ctrl.Position(),
		Rate:     m.ctrl.Rate(),
		Paused:   m.ctrl.Paused(),
		SentAt:   m.nowMs(),
	}
	m.state = state
	m.mu.Unlock()
	m.send.BroadcastUnreliable(state)
}

func (m *Manager) sendClockPing() {
	m.mu.Lock()
	leaderID := m.leaderID
	ok := m.haveRole && !m.leader
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.send.SendUnreliable(leaderID, protocol.ClockPing{SentAt: m.nowMs()}); err != nil {
		log.Printf("playsync: clock ping: %v", err)
	}
}

func (m *Manager) checkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveRole || m.leader || m.stale {
		return
	}
	staleAfter := time.Duration(m.cfg.StaleMultiple) * m.cfg.BroadcastInterval
	if m.cfg.now().Sub(m.lastSync) > staleAfter {
		m.stale = true
		log.Printf("playsync: leader %s stale, free-running", m.leaderID)
		m.emit(Event{Kind: LeaderStale})
	}
}

// Handle processes one inbound message from the session's dispatch
// loop.
func (m *Manager) Handle(from uuid.UUID, msg protocol.Message) {
	switch v := msg.(type) {
	case protocol.ClockPing:
		m.handleClockPing(from, v)
	case protocol.ClockPong:
		m.handleClockPong(v)
	case protocol.SyncState:
		m.handleSyncState(v)
	case protocol.Command:
		m.handleCommand(v)
	case protocol.StateQuery:
		m.handleStateQuery(from)
	case protocol.StateSnapshot:
		m.handleSnapshot(v)
	case protocol.ScreenRect:
		// Rect placement is leader-owned, like commands; anyone else's
		// rect is discarded.
		m.mu.Lock()
		if m.haveRole && !m.leader && from == m.leaderID {
			m.rect = v
		}
		m.mu.Unlock()
	case protocol.StateEvent:
		log.Printf("playsync: peer %s engine event %d at %dms", from, v.Kind, v.Position)
	default:
		log.Printf("playsync: unhandled %T from %s", msg, from)
	}
}

func (m *Manager) handleClockPing(from uuid.UUID, ping protocol.ClockPing) {
	if !m.isLeader() {
		return
	}
	pong := protocol.ClockPong{PingSentAt: ping.SentAt, LeaderTime: m.nowMs()}
	if err := m.send.SendUnreliable(from, pong); err != nil {
		log.Printf("playsync: clock pong to %s: %v", from, err)
	}
}

func (m *Manager) handleClockPong(pong protocol.ClockPong) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader {
		return
	}
	m.offset.addSample(pong.PingSentAt, m.nowMs(), pong.LeaderTime)
}

func (m *Manager) handleSyncState(state protocol.SyncState) {
	m.mu.Lock()
	if m.leader || state.Sequence <= m.seq {
		m.mu.Unlock()
		return
	}
	m.seq = state.Sequence
	m.state = state
	m.lastSync = m.cfg.now()
	m.stale = false
	m.mu.Unlock()

	m.correctDrift(state)
	m.emit(Event{Kind: SyncApplied, State: state})
}

// correctDrift reconciles local playback with the leader snapshot.
func (m *Manager) correctDrift(state protocol.SyncState) {
	if state.Paused != m.ctrl.Paused() {
		m.ctrl.SetPaused(state.Paused)
	}

	expected := int64(state.Position)
	if !state.Paused {
		elapsed := int64(m.offset.leaderNow(m.nowMs())) - int64(state.SentAt)
		if elapsed < 0 {
			elapsed = 0
		}
		expected += int64(float64(elapsed) * state.Rate)
	}
	delta := expected - int64(m.ctrl.Position())

	switch m.drift.evaluate(delta, m.cfg.now()) {
	case driftNone:
		if m.ctrl.Rate() != state.Rate {
			m.ctrl.SetRate(state.Rate)
		}
	case driftNudge:
		nudged := state.Rate * (1 + m.cfg.NudgeRate)
		if delta < 0 {
			nudged = state.Rate * (1 - m.cfg.NudgeRate)
		}
		m.ctrl.SetRate(nudged)
	case driftSeek:
		if expected < 0 {
			expected = 0
		}
		m.ctrl.Seek(uint64(expected))
		m.ctrl.SetRate(state.Rate)
	}
}

func (m *Manager) handleCommand(cmd protocol.Command) {
	m.mu.Lock()
	if m.leader || cmd.Sequence <= m.seq {
		m.mu.Unlock()
		return
	}
	m.seq = cmd.Sequence
	m.reflectCommand(cmd)
	m.lastSync = m.cfg.now()
	m.stale = false
	m.mu.Unlock()

	m.applyCommand(cmd)
	m.emit(Event{Kind: SyncApplied, State: m.State()})
}

func (m *Manager) handleStateQuery(from uuid.UUID) {
	m.mu.Lock()
	if !m.leader {
		m.mu.Unlock()
		return
	}
	m.seq++
	snap := protocol.StateSnapshot{
		State: protocol.SyncState{
			Sequence: m.seq,
			Position: m.ctrl.Position(),
			Rate:     m.ctrl.Rate(),
			Paused:   m.ctrl.Paused(),
			SentAt:   m.nowMs(),
		},
		Rect: m.rect,
	}
	m.state = snap.State
	m.mu.Unlock()

	if err := m.send.SendReliable(from, snap); err != nil {
		log.Printf("playsync: snapshot to %s: %v", from, err)
	}
}

func (m *Manager) handleSnapshot(snap protocol.StateSnapshot) {
	m.mu.Lock()
	if m.leader || snap.State.Sequence <= m.seq {
		m.mu.Unlock()
		return
	}
	m.rect = snap.Rect
	m.mu.Unlock()
	m.handleSyncState(snap.State)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
