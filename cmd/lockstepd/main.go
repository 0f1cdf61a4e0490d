// lockstepd joins a sync session with a mock playback engine and logs
// session activity. It exists to exercise discovery, election, and
// playback sync on a real network without a video pipeline.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/overlaykit/lockstep/protocol"
	"github.com/overlaykit/lockstep/session"
)

// mockPlayer free-runs a playback clock so drift correction has a real
// position to act on.
type mockPlayer struct {
	mu     sync.Mutex
	base   uint64 // position at mark, ms
	mark   time.Time
	rate   float64
	paused bool
}

func newMockPlayer() *mockPlayer {
	return &mockPlayer{mark: time.Now(), rate: 1.0, paused: true}
}

func (p *mockPlayer) Position() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *mockPlayer) positionLocked() uint64 {
	if p.paused {
		return p.base
	}
	elapsed := float64(time.Since(p.mark).Milliseconds()) * p.rate
	return p.base + uint64(elapsed)
}

func (p *mockPlayer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *mockPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *mockPlayer) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.positionLocked()
	p.mark = time.Now()
	p.rate = rate
	log.Printf("player: rate %.3f", rate)
}

func (p *mockPlayer) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == paused {
		return
	}
	p.base = p.positionLocked()
	p.mark = time.Now()
	p.paused = paused
	log.Printf("player: paused=%v at %dms", paused, p.base)
}

func (p *mockPlayer) Seek(positionMs uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = positionMs
	p.mark = time.Now()
	log.Printf("player: seek to %dms", positionMs)
}

func main() {
	var (
		name          = flag.String("session", "lockstep", "Session name shared by all peers")
		key           = flag.String("key", "", "Optional shared key; mismatched peers are ignored")
		port          = flag.Int("port", 0, "Transport UDP port (0 picks one)")
		discoveryPort = flag.Int("discovery-port", 47801, "Discovery announce port")
		autoplay      = flag.Bool("autoplay", false, "Submit a Play command once this peer leads")
	)
	flag.Parse()

	player := newMockPlayer()
	s, err := session.Start(session.Config{
		Name:          *name,
		Key:           *key,
		BindPort:      *port,
		DiscoveryPort: *discoveryPort,
		Controller:    player,
	})
	if err != nil {
		log.Fatalf("session start: %v", err)
	}
	defer s.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Printf("received %s, shutting down", sig)
			return
		case ev := <-s.Events():
			switch ev.Kind {
			case session.PeerFound:
				log.Printf("event: peer %s found", ev.PeerID)
			case session.PeerLost:
				log.Printf("event: peer %s lost", ev.PeerID)
			case session.RoleChanged:
				log.Printf("event: leader is %s (self=%v)", ev.LeaderID, ev.IsLeader)
				if ev.IsLeader && *autoplay {
					if err := s.SubmitCommand(protocol.OpPlay, player.Position()); err != nil {
						log.Printf("autoplay: %v", err)
					}
				}
			case session.LeaderStale:
				log.Printf("event: leader stale, free-running")
			case session.SyncApplied:
				log.Printf("event: sync seq=%d pos=%dms rate=%.3f paused=%v",
					ev.State.Sequence, ev.State.Position, ev.State.Rate, ev.State.Paused)
			}
		}
	}
}
