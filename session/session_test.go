package session

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/overlaykit/lockstep/protocol"
)

type fakeController struct {
	mu     sync.Mutex
	pos    uint64
	rate   float64
	paused bool
}

func newFakeController() *fakeController { return &fakeController{rate: 1.0, paused: true} }

func (c *fakeController) Position() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.pos }
func (c *fakeController) Rate() float64    { c.mu.Lock(); defer c.mu.Unlock(); return c.rate }
func (c *fakeController) Paused() bool     { c.mu.Lock(); defer c.mu.Unlock(); return c.paused }

func (c *fakeController) SetRate(r float64) { c.mu.Lock(); defer c.mu.Unlock(); c.rate = r }
func (c *fakeController) SetPaused(p bool)  { c.mu.Lock(); defer c.mu.Unlock(); c.paused = p }
func (c *fakeController) Seek(pos uint64)   { c.mu.Lock(); defer c.mu.Unlock(); c.pos = pos }

func TestLeaderRuleDeterministic(t *testing.T) {
	p1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	p2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	p3 := uuid.MustParse("00000000-0000-0000-0000-000000000003")

	views := map[uuid.UUID][][]uuid.UUID{
		p1: {{p2, p3}, {p3, p2}},
		p2: {{p1, p3}, {p3, p1}},
		p3: {{p1, p2}, {p2, p1}},
	}
	for self, peerLists := range views {
		for _, peers := range peerLists {
			if got := leaderOf(self, peers); got != p1 {
				t.Errorf("leaderOf(%s, %v) = %s, want %s", self, peers, got, p1)
			}
		}
	}

	// After the leader disappears, survivors agree on the next-smallest.
	if got := leaderOf(p2, []uuid.UUID{p3}); got != p2 {
		t.Errorf("survivor election = %s, want %s", got, p2)
	}
	if got := leaderOf(p3, []uuid.UUID{p2}); got != p2 {
		t.Errorf("survivor election = %s, want %s", got, p2)
	}
}

func TestKeyCheckFiltersSessions(t *testing.T) {
	if keyCheck("movie-night", "pw") != keyCheck("movie-night", "pw") {
		t.Error("key check is not deterministic")
	}
	if keyCheck("movie-night", "pw") == keyCheck("movie-night", "other") {
		t.Error("different keys produced the same check")
	}
	if keyCheck("movie-night", "pw") == keyCheck("other-night", "pw") {
		t.Error("different sessions produced the same check")
	}
}

func TestConfigValidation(t *testing.T) {
	if err := (Config{Controller: newFakeController()}).validate(); err == nil {
		t.Error("missing Name accepted")
	}
	if err := (Config{Name: "x"}).validate(); err == nil {
		t.Error("missing Controller accepted")
	}

	cfg := Config{Name: "x", Controller: newFakeController()}.withDefaults()
	if cfg.DiscoveryPort == 0 || cfg.BroadcastInterval == 0 || cfg.TimeoutMultiple == 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func waitRole(t *testing.T, s *Session, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == RoleChanged {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for RoleChanged (state %s)", s.State())
		}
	}
}

func TestSoloSessionBecomesLeader(t *testing.T) {
	ctrl := newFakeController()
	s, err := Start(Config{
		Name:          "solo-test",
		Controller:    ctrl,
		DiscoveryPort: 48611,
		JoinTimeout:   300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	ev := waitRole(t, s, 5*time.Second)
	if !ev.IsLeader || ev.LeaderID != s.ID() {
		t.Fatalf("role = %+v, want self-leadership", ev)
	}
	if s.State() != Active {
		t.Errorf("state = %s, want active", s.State())
	}
	if !s.IsLeader() {
		t.Error("IsLeader() = false for a solo session")
	}

	// A solo leader's commands apply locally.
	if err := s.SubmitCommand(protocol.OpSeek, 90_000); err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	if got := ctrl.Position(); got != 90_000 {
		t.Errorf("position = %d, want 90000", got)
	}
}

// The lifecycle passes through Electing whenever leadership is
// re-derived: on the first peer, and again when the leader is lost.
func TestElectionStateTransitions(t *testing.T) {
	s, err := Start(Config{
		Name:          "state-test",
		Controller:    newFakeController(),
		DiscoveryPort: 48612,
		JoinTimeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.State(); got != Discovering {
		t.Fatalf("initial state = %s, want discovering", got)
	}

	s.markElecting()
	if got := s.State(); got != Electing {
		t.Fatalf("state = %s, want electing", got)
	}
	s.elect()
	if got := s.State(); got != Active {
		t.Fatalf("state = %s, want active", got)
	}
	if ev := waitRole(t, s, 5*time.Second); !ev.IsLeader {
		t.Fatalf("role = %+v, want self-leadership", ev)
	}

	// Leader loss: Active drops back to Electing, then the survivor
	// settles as the new leader.
	other := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	s.mu.Lock()
	s.leaderID = other
	s.haveLeader = true
	s.mu.Unlock()

	s.markElecting()
	if got := s.State(); got != Electing {
		t.Fatalf("state after leader loss = %s, want electing", got)
	}
	s.elect()
	if got := s.State(); got != Active {
		t.Fatalf("state after re-election = %s, want active", got)
	}
	ev := waitRole(t, s, 5*time.Second)
	if !ev.IsLeader || ev.LeaderID != s.ID() {
		t.Fatalf("failover role = %+v, want self-leadership", ev)
	}
}

// sendAnnounce hands one session's announce to another session's
// discovery listener over loopback, standing in for LAN broadcast.
func sendAnnounce(t *testing.T, name string, from *Session, toDiscoveryPort int) {
	t.Helper()
	frame, err := protocol.Encode(protocol.Announce{
		Session:  name,
		PeerID:   from.ID(),
		Port:     from.Port(),
		KeyCheck: keyCheck(name, ""),
	})
	if err != nil {
		t.Fatalf("encode announce: %v", err)
	}
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", toDiscoveryPort))
	if err != nil {
		t.Fatalf("dial discovery port: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("send announce: %v", err)
	}
}

func TestTwoPeerElectionAndFailover(t *testing.T) {
	const name = "pair-test"
	cfg := Config{
		Name:              name,
		DiscoveryInterval: time.Second,
		TimeoutMultiple:   60, // injected announces are not refreshed
		JoinTimeout:       time.Minute,
	}

	cfgA := cfg
	cfgA.Controller = newFakeController()
	cfgA.DiscoveryPort = 48620
	a, err := Start(cfgA)
	if err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop()

	cfgB := cfg
	cfgB.Controller = newFakeController()
	cfgB.DiscoveryPort = 48621
	b, err := Start(cfgB)
	if err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop()

	sendAnnounce(t, name, b, cfgA.DiscoveryPort)
	sendAnnounce(t, name, a, cfgB.DiscoveryPort)

	want := leaderOf(a.ID(), []uuid.UUID{b.ID()})
	evA := waitRole(t, a, 10*time.Second)
	evB := waitRole(t, b, 10*time.Second)
	if evA.LeaderID != want || evB.LeaderID != want {
		t.Fatalf("leaders disagree: a=%s b=%s want %s", evA.LeaderID, evB.LeaderID, want)
	}

	leader, follower := a, b
	if want == b.ID() {
		leader, follower = b, a
	}
	if !leader.IsLeader() || follower.IsLeader() {
		t.Fatal("role accessors disagree with election result")
	}

	// Losing the leader promotes the survivor.
	leader.Stop()
	ev := waitRole(t, follower, 10*time.Second)
	if !ev.IsLeader || ev.LeaderID != follower.ID() {
		t.Fatalf("failover role = %+v, want self-leadership", ev)
	}
}
