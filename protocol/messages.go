package protocol

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// CommandOp selects the playback command carried by a Command message.
type CommandOp uint8

const (
	OpPlay  CommandOp = 1
	OpPause CommandOp = 2
	OpSeek  CommandOp = 3
)

// EventKind classifies a StateEvent emitted by the playback engine.
type EventKind uint8

const (
	EventStarted   EventKind = 1
	EventStopped   EventKind = 2
	EventBuffering EventKind = 3
	EventResumed   EventKind = 4
)

// Announce identifies a peer. It is broadcast as the discovery datagram
// and also sent as the first message on a freshly opened peer stream.
type Announce struct {
	Session  string
	PeerID   uuid.UUID
	Port     uint16
	KeyCheck [8]byte
}

func (Announce) Type() MessageType { return TypeAnnounce }

func (m Announce) MarshalBinaryPayload() ([]byte, error) {
	if len(m.Session) > 0xFF {
		return nil, ErrFieldRange
	}
	out := make([]byte, 0, 1+len(m.Session)+16+2+8)
	out = append(out, byte(len(m.Session)))
	out = append(out, m.Session...)
	out = append(out, m.PeerID[:]...)
	out = binary.LittleEndian.AppendUint16(out, m.Port)
	out = append(out, m.KeyCheck[:]...)
	return out, nil
}

// ClockPing carries the follower's local send timestamp in Unix
// milliseconds.
type ClockPing struct {
	SentAt uint64
}

func (ClockPing) Type() MessageType { return TypeClockPing }

func (m ClockPing) MarshalBinaryPayload() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, m.SentAt), nil
}

// ClockPong echoes the ping timestamp and adds the leader's clock.
type ClockPong struct {
	PingSentAt uint64
	LeaderTime uint64
}

func (ClockPong) Type() MessageType { return TypeClockPong }

func (m ClockPong) MarshalBinaryPayload() ([]byte, error) {
	out := binary.LittleEndian.AppendUint64(nil, m.PingSentAt)
	return binary.LittleEndian.AppendUint64(out, m.LeaderTime), nil
}

// SyncState is the leader's authoritative playback snapshot. Sequence
// strictly increases; stale snapshots are dropped by the receiver.
type SyncState struct {
	Sequence uint64
	Position uint64 // playback position, ms
	Rate     float64
	Paused   bool
	SentAt   uint64 // leader clock, Unix ms
}

func (SyncState) Type() MessageType { return TypeSyncState }

const syncStateSize = 8 + 8 + 8 + 1 + 8

func (m SyncState) MarshalBinaryPayload() ([]byte, error) {
	return m.append(make([]byte, 0, syncStateSize)), nil
}

func (m SyncState) append(out []byte) []byte {
	out = binary.LittleEndian.AppendUint64(out, m.Sequence)
	out = binary.LittleEndian.AppendUint64(out, m.Position)
	out = binary.LittleEndian.AppendUint64(out, math.Float64bits(m.Rate))
	if m.Paused {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return binary.LittleEndian.AppendUint64(out, m.SentAt)
}

func decodeSyncState(p []byte) (SyncState, error) {
	var s SyncState
	if len(p) < syncStateSize {
		return s, ErrTruncated
	}
	s.Sequence = binary.LittleEndian.Uint64(p[0:8])
	s.Position = binary.LittleEndian.Uint64(p[8:16])
	s.Rate = math.Float64frombits(binary.LittleEndian.Uint64(p[16:24]))
	switch p[24] {
	case 0:
		s.Paused = false
	case 1:
		s.Paused = true
	default:
		return s, ErrFieldRange
	}
	s.SentAt = binary.LittleEndian.Uint64(p[25:33])
	return s, nil
}

// Command is a reliable Play/Pause/Seek instruction from the leader.
// It carries the bumped state sequence so in-flight periodic broadcasts
// older than the command are superseded.
type Command struct {
	Op       CommandOp
	Sequence uint64
	Position uint64 // target position for Seek, ms
}

func (Command) Type() MessageType { return TypeCommand }

func (m Command) MarshalBinaryPayload() ([]byte, error) {
	if m.Op < OpPlay || m.Op > OpSeek {
		return nil, ErrFieldRange
	}
	out := make([]byte, 0, 1+8+8)
	out = append(out, byte(m.Op))
	out = binary.LittleEndian.AppendUint64(out, m.Sequence)
	return binary.LittleEndian.AppendUint64(out, m.Position), nil
}

// StateEvent reports a playback engine transition to the session peers.
type StateEvent struct {
	Kind     EventKind
	Position uint64
}

func (StateEvent) Type() MessageType { return TypeStateEvent }

func (m StateEvent) MarshalBinaryPayload() ([]byte, error) {
	if m.Kind < EventStarted || m.Kind > EventResumed {
		return nil, ErrFieldRange
	}
	out := make([]byte, 0, 1+8)
	out = append(out, byte(m.Kind))
	return binary.LittleEndian.AppendUint64(out, m.Position), nil
}

// ScreenRect is the overlay placement rectangle in screen coordinates.
// Float fields may carry any bit pattern, including NaN; decoding must
// still succeed.
type ScreenRect struct {
	X, Y, W, H float32
}

func (ScreenRect) Type() MessageType { return TypeScreenRect }

const screenRectSize = 16

func (m ScreenRect) MarshalBinaryPayload() ([]byte, error) {
	return m.append(make([]byte, 0, screenRectSize)), nil
}

func (m ScreenRect) append(out []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(m.X))
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(m.Y))
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(m.W))
	return binary.LittleEndian.AppendUint32(out, math.Float32bits(m.H))
}

func decodeScreenRect(p []byte) (ScreenRect, error) {
	var r ScreenRect
	if len(p) < screenRectSize {
		return r, ErrTruncated
	}
	r.X = math.Float32frombits(binary.LittleEndian.Uint32(p[0:4]))
	r.Y = math.Float32frombits(binary.LittleEndian.Uint32(p[4:8]))
	r.W = math.Float32frombits(binary.LittleEndian.Uint32(p[8:12]))
	r.H = math.Float32frombits(binary.LittleEndian.Uint32(p[12:16]))
	return r, nil
}

// StateQuery asks the leader for an immediate StateSnapshot. Sent by
// followers right after the stream handshake so late joiners converge
// before the next periodic broadcast.
type StateQuery struct{}

func (StateQuery) Type() MessageType                     { return TypeStateQuery }
func (StateQuery) MarshalBinaryPayload() ([]byte, error) { return nil, nil }

// StateSnapshot is the leader's reply to a StateQuery: the full
// authoritative state plus the current overlay rect.
type StateSnapshot struct {
	State SyncState
	Rect  ScreenRect
}

func (StateSnapshot) Type() MessageType { return TypeStateSnapshot }

func (m StateSnapshot) MarshalBinaryPayload() ([]byte, error) {
	out := m.State.append(make([]byte, 0, syncStateSize+screenRectSize))
	return m.Rect.append(out), nil
}

func decodePayload(t MessageType, p []byte) (Message, error) {
	switch t {
	case TypeAnnounce:
		if len(p) < 1 {
			return nil, decodeErr(t, ErrTruncated, "")
		}
		n := int(p[0])
		if len(p) != 1+n+16+2+8 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		var m Announce
		m.Session = string(p[1 : 1+n])
		copy(m.PeerID[:], p[1+n:1+n+16])
		m.Port = binary.LittleEndian.Uint16(p[1+n+16 : 1+n+18])
		copy(m.KeyCheck[:], p[1+n+18:])
		return m, nil
	case TypeClockPing:
		if len(p) != 8 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		return ClockPing{SentAt: binary.LittleEndian.Uint64(p)}, nil
	case TypeClockPong:
		if len(p) != 16 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		return ClockPong{
			PingSentAt: binary.LittleEndian.Uint64(p[0:8]),
			LeaderTime: binary.LittleEndian.Uint64(p[8:16]),
		}, nil
	case TypeSyncState:
		if len(p) != syncStateSize {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		s, err := decodeSyncState(p)
		if err != nil {
			return nil, decodeErr(t, err, "")
		}
		return s, nil
	case TypeCommand:
		if len(p) != 1+8+8 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		op := CommandOp(p[0])
		if op < OpPlay || op > OpSeek {
			return nil, decodeErr(t, ErrFieldRange, "command op")
		}
		return Command{
			Op:       op,
			Sequence: binary.LittleEndian.Uint64(p[1:9]),
			Position: binary.LittleEndian.Uint64(p[9:17]),
		}, nil
	case TypeStateEvent:
		if len(p) != 1+8 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		kind := EventKind(p[0])
		if kind < EventStarted || kind > EventResumed {
			return nil, decodeErr(t, ErrFieldRange, "event kind")
		}
		return StateEvent{Kind: kind, Position: binary.LittleEndian.Uint64(p[1:9])}, nil
	case TypeScreenRect:
		if len(p) != screenRectSize {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		r, err := decodeScreenRect(p)
		if err != nil {
			return nil, decodeErr(t, err, "")
		}
		return r, nil
	case TypeStateQuery:
		if len(p) != 0 {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		return StateQuery{}, nil
	case TypeStateSnapshot:
		if len(p) != syncStateSize+screenRectSize {
			return nil, decodeErr(t, ErrLengthMismatch, "")
		}
		s, err := decodeSyncState(p[:syncStateSize])
		if err != nil {
			return nil, decodeErr(t, err, "")
		}
		r, err := decodeScreenRect(p[syncStateSize:])
		if err != nil {
			return nil, decodeErr(t, err, "")
		}
		return StateSnapshot{State: s, Rect: r}, nil
	default:
		return nil, decodeErr(t, ErrUnknownType, "")
	}
}
