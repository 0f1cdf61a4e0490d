//go:build unix

package framechan

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// region is a mapped shared-memory segment backed by a file on a tmpfs
// (or the temp dir where no tmpfs exists, e.g. macOS).
type region struct {
	data []byte
}

func shmPath(name string) string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

func createRegion(name string, size int) (*region, error) {
	f, err := os.OpenFile(shmPath(name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w", name, err)
	}
	defer f.Close()
	// A leftover file from a crashed writer still carries the previous
	// run's header and frames; a reader attaching before the new header
	// lands could validate against them. Empty the file first so it is
	// all zeroes until the writer publishes.
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("clear region %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size region %s: %w", name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}
	return &region{data: data}, nil
}

func openRegion(name string, size int) (*region, error) {
	f, err := os.Open(shmPath(name))
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat region %s: %w", name, err)
	}
	if st.Size() < int64(size) {
		return nil, fmt.Errorf("%w: region %s is %d bytes, need %d", ErrRegionMismatch, name, st.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}
	return &region{data: data}, nil
}

func (r *region) close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// removeRegion unlinks the backing file. Only the writer calls this.
func removeRegion(name string) {
	os.Remove(shmPath(name))
}
