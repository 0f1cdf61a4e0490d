package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/overlaykit/lockstep/protocol"
)

func announceFrame(t *testing.T, ann protocol.Announce) []byte {
	t.Helper()
	frame, err := protocol.Encode(ann)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func testDiscovery() *Discovery {
	return New(Config{
		Session:         "movie",
		SelfID:          uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		AdvertisePort:   47800,
		DiscoveryPort:   47801,
		Interval:        time.Second,
		TimeoutMultiple: 3,
		KeyCheck:        [8]byte{9, 9, 9, 9, 9, 9, 9, 9},
	})
}

func TestAnnounceCreatesPeerOnce(t *testing.T) {
	d := testDiscovery()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 47801}
	other := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	frame := announceFrame(t, protocol.Announce{
		Session: "movie", PeerID: other, Port: 48000, KeyCheck: d.cfg.KeyCheck,
	})
	d.handleDatagram(frame, src)
	d.handleDatagram(frame, src) // refresh, not a second find

	select {
	case ev := <-d.Events():
		if ev.Kind != PeerFound || ev.Peer.ID != other {
			t.Fatalf("got %+v, want PeerFound for %s", ev, other)
		}
		if ev.Peer.Addr.Port != 48000 {
			t.Errorf("peer addr port = %d, want announced 48000", ev.Peer.Addr.Port)
		}
	default:
		t.Fatal("no PeerFound event")
	}
	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
	if got := len(d.Peers()); got != 1 {
		t.Errorf("peer count = %d, want 1", got)
	}
}

func TestIgnoresSelfWrongSessionAndWrongKey(t *testing.T) {
	d := testDiscovery()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 47801}
	other := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	cases := []protocol.Announce{
		{Session: "movie", PeerID: d.cfg.SelfID, Port: 48000, KeyCheck: d.cfg.KeyCheck},
		{Session: "other-session", PeerID: other, Port: 48000, KeyCheck: d.cfg.KeyCheck},
		{Session: "movie", PeerID: other, Port: 48000, KeyCheck: [8]byte{1}},
	}
	for _, ann := range cases {
		d.handleDatagram(announceFrame(t, ann), src)
	}
	if got := len(d.Peers()); got != 0 {
		t.Errorf("peer count = %d, want 0 (all announces should be ignored)", got)
	}
	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMalformedDatagramIgnored(t *testing.T) {
	d := testDiscovery()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 47801}

	d.handleDatagram([]byte{0xFF, 0xFF, 0xFF}, src)
	d.handleDatagram(nil, src)
	// Valid frame, but not an announce.
	frame, err := protocol.Encode(protocol.ClockPing{SentAt: 1})
	if err != nil {
		t.Fatal(err)
	}
	d.handleDatagram(frame, src)

	if got := len(d.Peers()); got != 0 {
		t.Errorf("peer count = %d, want 0", got)
	}
}
