// Package framechan moves the most recent decoded video frame from a
// single writer process to any number of reader processes on the same
// host through a named shared-memory region, without locks.
//
// The region holds a small header followed by three fixed-size frame
// slots. The writer fills the slot that is not currently published and
// then publishes it by advancing a seqlock counter: the counter is odd
// while a write is in progress and even once complete, and the
// published slot index is derived from the even value. Readers copy a
// frame out under the counter bracket and discard the copy if the
// counter moved, so a torn frame is never observed.
//
// The channel carries latest state, not a queue: a reader that polls
// after two publishes sees only the newest frame.
package framechan

import (
	"errors"
	"fmt"
)

const (
	headerSize = 64

	magicOff    = 0
	widthOff    = 4
	heightOff   = 8
	formatOff   = 12
	sequenceOff = 16
	ptsOff      = 24

	regionMagic = 0x4C534643 // "LSFC"

	// FormatRGBA is the only slot pixel format: 4 bytes per pixel.
	FormatRGBA      = 1
	bytesPerPixel   = 4
	maxFrameDim     = 16384
)

var (
	ErrBadDimensions  = errors.New("framechan: invalid frame dimensions")
	ErrFrameSize      = errors.New("framechan: frame size does not match region slot size")
	ErrClosed         = errors.New("framechan: channel closed")
	ErrRegionMismatch = errors.New("framechan: region header does not match expected layout")
)

// Frame is a consistent copy of the latest published frame. Data is
// owned by the Reader and valid until its next Poll.
type Frame struct {
	PTS    uint64 // presentation timestamp, ms
	Width  int
	Height int
	Data   []byte
}

// PollStatus reports the outcome of a Reader.Poll.
type PollStatus int

const (
	// PollFrame: a new consistent frame was copied out.
	PollFrame PollStatus = iota
	// PollNoFrame: nothing new since the last poll.
	PollNoFrame
	// PollContention: the writer overlapped the read; poll again on
	// the next tick. Not an error.
	PollContention
	// PollNoRegion: the region does not exist or is unusable; the
	// producer has not started or has gone away. Retried on every poll.
	PollNoRegion
)

func (s PollStatus) String() string {
	switch s {
	case PollFrame:
		return "frame"
	case PollNoFrame:
		return "no-frame"
	case PollContention:
		return "contention"
	case PollNoRegion:
		return "no-region"
	default:
		return fmt.Sprintf("PollStatus(%d)", int(s))
	}
}

// regionName derives the platform-logical region name from the channel
// name and frame dimensions, so incompatible producers and consumers
// never attach to each other's regions.
func regionName(name string, width, height int) string {
	return fmt.Sprintf("lockstep-frame-%s-%dx%d", name, width, height)
}

func slotSize(width, height int) int {
	return width * height * bytesPerPixel
}

func regionSize(width, height int) int {
	return headerSize + 3*slotSize(width, height)
}

func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 || width > maxFrameDim || height > maxFrameDim {
		return fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	return nil
}
