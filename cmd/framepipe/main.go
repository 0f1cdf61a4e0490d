// framepipe demonstrates the shared-memory frame channel. In write
// mode it publishes synthetic frames at a fixed rate; in read mode it
// polls the same channel and reports what it sees. Run one of each to
// watch the single-writer multi-reader handoff.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlaykit/lockstep/framechan"
)

func main() {
	var (
		mode   = flag.String("mode", "read", "write or read")
		name   = flag.String("name", "demo", "Logical channel name")
		width  = flag.Int("width", 320, "Frame width, pixels")
		height = flag.Int("height", 180, "Frame height, pixels")
		fps    = flag.Int("fps", 30, "Write mode: frames per second")
	)
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch *mode {
	case "write":
		runWriter(sigCh, *name, *width, *height, *fps)
	case "read":
		runReader(sigCh, *name, *width, *height)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

func runWriter(sigCh <-chan os.Signal, name string, width, height, fps int) {
	w, err := framechan.CreateWriter(name, width, height)
	if err != nil {
		log.Fatalf("create channel: %v", err)
	}
	defer w.Close()
	log.Printf("publishing %dx%d at %d fps", width, height, fps)

	frame := make([]byte, width*height*4)
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()
	start := time.Now()

	for n := uint64(0); ; n++ {
		select {
		case <-sigCh:
			log.Printf("published %d frames", n)
			return
		case <-tick.C:
		}

		// A moving solid color makes torn frames visible to any reader
		// that checks byte uniformity.
		shade := byte(n)
		for i := range frame {
			frame[i] = shade
		}
		pts := uint64(time.Since(start).Milliseconds()) + 1
		if err := w.Publish(pts, frame); err != nil {
			log.Fatalf("publish: %v", err)
		}
	}
}

func runReader(sigCh <-chan os.Signal, name string, width, height int) {
	r, err := framechan.OpenReader(name, width, height)
	if err != nil {
		log.Fatalf("open channel: %v", err)
	}
	defer r.Close()
	log.Printf("polling %dx%d channel %q", width, height, name)

	tick := time.NewTicker(33 * time.Millisecond)
	defer tick.Stop()
	var frames, contended uint64

	for {
		select {
		case <-sigCh:
			log.Printf("saw %d frames, %d contended polls", frames, contended)
			return
		case <-tick.C:
		}

		frame, status := r.Poll()
		switch status {
		case framechan.PollFrame:
			frames++
			if frames%30 == 1 {
				log.Printf("frame pts=%dms first-byte=%d", frame.PTS, frame.Data[0])
			}
		case framechan.PollContention:
			contended++
		case framechan.PollNoRegion:
			if frames > 0 {
				log.Printf("producer gone, waiting for a new one")
				frames = 0
			}
		}
	}
}
