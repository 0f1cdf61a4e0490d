//go:build unix

package framechan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testName() string {
	return fmt.Sprintf("test-%d", time.Now().UnixNano())
}

func solidFrame(w, h int, v byte) []byte {
	f := make([]byte, w*h*4)
	for i := range f {
		f[i] = v
	}
	return f
}

// A region file left behind by a crashed writer must come up zeroed,
// not with the previous run's header and frames still readable.
func TestCreateRegionClearsStaleFile(t *testing.T) {
	name := regionName(testName(), 8, 8)
	size := regionSize(8, 8)

	stale := bytes.Repeat([]byte{0xAB}, size)
	binary.LittleEndian.PutUint32(stale[magicOff:], regionMagic)
	binary.LittleEndian.PutUint32(stale[widthOff:], 8)
	binary.LittleEndian.PutUint32(stale[heightOff:], 8)
	binary.LittleEndian.PutUint32(stale[formatOff:], FormatRGBA)
	binary.LittleEndian.PutUint64(stale[sequenceOff:], 6) // looks published
	binary.LittleEndian.PutUint64(stale[ptsOff:], 77)
	if err := os.WriteFile(shmPath(name), stale, 0o644); err != nil {
		t.Fatalf("plant stale region: %v", err)
	}

	reg, err := createRegion(name, size)
	if err != nil {
		t.Fatalf("createRegion: %v", err)
	}
	defer func() {
		reg.close()
		removeRegion(name)
	}()

	for i, b := range reg.data {
		if b != 0 {
			t.Fatalf("stale byte %#x survived at offset %d", b, i)
		}
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	name := testName()
	w, err := CreateWriter(name, 8, 8)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	defer w.Close()

	r, err := OpenReader(name, 8, 8)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if _, st := r.Poll(); st != PollNoFrame {
		t.Fatalf("poll before publish: got %v, want %v", st, PollNoFrame)
	}

	want := solidFrame(8, 8, 0xAB)
	if err := w.Publish(100, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frame, st := r.Poll()
	if st != PollFrame {
		t.Fatalf("poll after publish: got %v, want %v", st, PollFrame)
	}
	if frame.PTS != 100 {
		t.Errorf("PTS = %d, want 100", frame.PTS)
	}
	if !bytes.Equal(frame.Data, want) {
		t.Error("frame bytes do not match published frame")
	}
}

// The channel carries latest state, not a queue: two publishes without
// an intervening poll deliver only the newest frame, exactly once.
func TestLatestStateNotQueue(t *testing.T) {
	name := testName()
	w, err := CreateWriter(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenReader(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := w.Publish(100, solidFrame(4, 4, 1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(200, solidFrame(4, 4, 2)); err != nil {
		t.Fatal(err)
	}

	frame, st := r.Poll()
	if st != PollFrame {
		t.Fatalf("poll: got %v, want %v", st, PollFrame)
	}
	if frame.PTS != 200 {
		t.Errorf("PTS = %d, want 200 (no duplicate delivery of 100)", frame.PTS)
	}
	if _, st := r.Poll(); st != PollNoFrame {
		t.Errorf("second poll: got %v, want %v", st, PollNoFrame)
	}
}

func TestReaderBeforeWriter(t *testing.T) {
	name := testName()
	r, err := OpenReader(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, st := r.Poll(); st != PollNoRegion {
		t.Fatalf("poll without producer: got %v, want %v", st, PollNoRegion)
	}

	w, err := CreateWriter(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Publish(7, solidFrame(4, 4, 7)); err != nil {
		t.Fatal(err)
	}

	frame, st := r.Poll()
	if st != PollFrame {
		t.Fatalf("poll after producer start: got %v, want %v", st, PollFrame)
	}
	if frame.PTS != 7 {
		t.Errorf("PTS = %d, want 7", frame.PTS)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	name := testName()
	w, err := CreateWriter(name, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Same logical name, different dimensions: the derived region name
	// differs, so the reader simply never attaches.
	r, err := OpenReader(name, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, st := r.Poll(); st != PollNoRegion {
		t.Errorf("mismatched reader: got %v, want %v", st, PollNoRegion)
	}
}

func TestPublishValidation(t *testing.T) {
	name := testName()
	w, err := CreateWriter(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Publish(1, make([]byte, 3)); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short frame: got %v, want ErrFrameSize", err)
	}
	if _, err := CreateWriter(name, 0, 4); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("zero width: got %v, want ErrBadDimensions", err)
	}
	if _, err := OpenReader(name, -1, 4); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("negative width: got %v, want ErrBadDimensions", err)
	}
}

func TestClosedWriterRejectsPublish(t *testing.T) {
	name := testName()
	w, err := CreateWriter(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(1, solidFrame(4, 4, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: got %v, want ErrClosed", err)
	}

	r, err := OpenReader(name, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, st := r.Poll(); st != PollNoRegion {
		t.Errorf("poll after writer close: got %v, want %v", st, PollNoRegion)
	}
}

// A reader must never observe a torn frame: every frame it accepts is
// filled with a single byte value because the writer only publishes
// solid frames.
func TestSeqlockNeverTorn(t *testing.T) {
	const frames = 5000
	name := testName()
	w, err := CreateWriter(name, 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenReader(name, 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= frames; i++ {
			if err := w.Publish(uint64(i), solidFrame(32, 32, byte(i))); err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
		}
		stop.Store(true)
	}()

	accepted := 0
	for !stop.Load() {
		frame, st := r.Poll()
		if st != PollFrame {
			continue
		}
		accepted++
		want := byte(frame.PTS)
		for i, b := range frame.Data {
			if b != want {
				t.Fatalf("torn frame at PTS %d: byte %d is %02x, want %02x", frame.PTS, i, b, want)
			}
		}
	}
	<-done
	// The writer is quiet now, so the final frame must be readable.
	if frame, st := r.Poll(); st == PollFrame {
		accepted++
		want := byte(frame.PTS)
		for i, b := range frame.Data {
			if b != want {
				t.Fatalf("torn frame at PTS %d: byte %d is %02x, want %02x", frame.PTS, i, b, want)
			}
		}
	}
	if accepted == 0 {
		t.Error("reader never accepted a frame")
	}
}
