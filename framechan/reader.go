package framechan

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Reader polls the named region for the latest frame. Readers never
// write to the region and never block the writer or each other.
//
// A Reader may be created before the producer exists: every Poll
// retries the mapping until the region appears, and a region lost
// mid-session (producer exited) degrades to PollNoRegion rather than
// failing.
type Reader struct {
	name    string
	width   int
	height  int
	slot    int
	reg     *region
	seq     *uint64
	pts     *uint64
	buf     []byte
	lastPTS uint64
	seen    bool
	lastErr error
}

// OpenReader prepares a reader for the named channel. Only the
// dimensions are validated here; the region itself is attached lazily
// on Poll.
func OpenReader(name string, width, height int) (*Reader, error) {
	if err := checkDimensions(width, height); err != nil {
		return nil, err
	}
	return &Reader{
		name:   regionName(name, width, height),
		width:  width,
		height: height,
		slot:   slotSize(width, height),
		buf:    make([]byte, slotSize(width, height)),
	}, nil
}

func (r *Reader) attach() bool {
	reg, err := openRegion(r.name, regionSize(r.width, r.height))
	if err != nil {
		r.lastErr = err
		return false
	}
	hdr := reg.data[:headerSize]
	if binary.LittleEndian.Uint32(hdr[magicOff:]) != regionMagic ||
		binary.LittleEndian.Uint32(hdr[widthOff:]) != uint32(r.width) ||
		binary.LittleEndian.Uint32(hdr[heightOff:]) != uint32(r.height) ||
		binary.LittleEndian.Uint32(hdr[formatOff:]) != FormatRGBA {
		reg.close()
		r.lastErr = ErrRegionMismatch
		return false
	}
	r.reg = reg
	r.seq = (*uint64)(unsafe.Pointer(&reg.data[sequenceOff]))
	r.pts = (*uint64)(unsafe.Pointer(&reg.data[ptsOff]))
	r.lastErr = nil
	return true
}

// Poll copies out the latest published frame if it is consistent and
// newer than the previous poll. The returned Frame's Data is owned by
// the Reader and valid until the next Poll.
func (r *Reader) Poll() (Frame, PollStatus) {
	if r.buf == nil {
		return Frame{}, PollNoRegion
	}
	if r.reg == nil && !r.attach() {
		return Frame{}, PollNoRegion
	}

	seq1 := atomic.LoadUint64(r.seq)
	if seq1&1 == 1 {
		return Frame{}, PollContention
	}
	if seq1 == 0 {
		return Frame{}, PollNoFrame
	}
	pts := atomic.LoadUint64(r.pts)
	slot := (seq1 / 2) % 3
	off := headerSize + int(slot)*r.slot
	copy(r.buf, r.reg.data[off:off+r.slot])
	if atomic.LoadUint64(r.seq) != seq1 {
		// Writer lapped us onto this slot mid-copy. The copy may be
		// torn, so discard it; the next tick will land on a quiet slot.
		return Frame{}, PollContention
	}
	if r.seen && pts == r.lastPTS {
		return Frame{}, PollNoFrame
	}
	r.lastPTS = pts
	r.seen = true
	return Frame{PTS: pts, Width: r.width, Height: r.height, Data: r.buf}, PollFrame
}

// LastErr reports why the most recent attach attempt failed, if it did.
func (r *Reader) LastErr() error { return r.lastErr }

// Close detaches from the region. The region itself is owned by the
// writer.
func (r *Reader) Close() error {
	r.buf = nil
	if r.reg == nil {
		return nil
	}
	err := r.reg.close()
	r.reg = nil
	return err
}
