package framechan

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Writer owns the shared region. Exactly one writer per named region,
// by convention the decoder process that created it.
type Writer struct {
	name   string
	width  int
	height int
	slot   int
	reg    *region
	seq    *uint64
	pts    *uint64
}

// CreateWriter creates (or recreates) the named region sized for the
// given dimensions and initializes its header. The region is visible to
// readers immediately; no frame is published until the first Publish.
func CreateWriter(name string, width, height int) (*Writer, error) {
	if err := checkDimensions(width, height); err != nil {
		return nil, err
	}
	rname := regionName(name, width, height)
	reg, err := createRegion(rname, regionSize(width, height))
	if err != nil {
		return nil, err
	}
	hdr := reg.data[:headerSize]
	binary.LittleEndian.PutUint32(hdr[widthOff:], uint32(width))
	binary.LittleEndian.PutUint32(hdr[heightOff:], uint32(height))
	binary.LittleEndian.PutUint32(hdr[formatOff:], FormatRGBA)
	w := &Writer{
		name:   rname,
		width:  width,
		height: height,
		slot:   slotSize(width, height),
		reg:    reg,
		seq:    (*uint64)(unsafe.Pointer(&reg.data[sequenceOff])),
		pts:    (*uint64)(unsafe.Pointer(&reg.data[ptsOff])),
	}
	atomic.StoreUint64(w.seq, 0)
	atomic.StoreUint64(w.pts, 0)
	// Magic goes in last so readers never validate a half-built header.
	binary.LittleEndian.PutUint32(hdr[magicOff:], regionMagic)
	return w, nil
}

// Publish copies frame into the next unpublished slot and makes it the
// latest frame. frame must be exactly width*height*4 bytes. Publish
// never blocks on readers.
func (w *Writer) Publish(pts uint64, frame []byte) error {
	if w.reg == nil {
		return ErrClosed
	}
	if len(frame) != w.slot {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), w.slot)
	}
	seq := atomic.LoadUint64(w.seq) // even: seq/2 frames published so far
	next := (seq/2 + 1) % 3
	// Odd sequence marks the write in progress; readers that land here
	// retry on their next tick.
	atomic.StoreUint64(w.seq, seq+1)
	off := headerSize + int(next)*w.slot
	copy(w.reg.data[off:off+w.slot], frame)
	atomic.StoreUint64(w.pts, pts)
	// Even again: (seq+2)/2 % 3 == next, publishing the slot we wrote.
	atomic.StoreUint64(w.seq, seq+2)
	return nil
}

// Close unmaps and unlinks the region. Readers observe the loss as
// "producer gone" on their next poll, never as a fatal error.
func (w *Writer) Close() error {
	if w.reg == nil {
		return nil
	}
	err := w.reg.close()
	w.reg = nil
	removeRegion(w.name)
	return err
}
