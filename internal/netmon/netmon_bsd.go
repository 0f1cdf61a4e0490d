//go:build darwin || freebsd || netbsd || openbsd

package netmon

import (
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"
)

var errNoAddress = errors.New("netmon: no usable IPv4 address")

const routeReadBuffer = 2048

// Monitor reads the AF_ROUTE socket and emits a Change whenever the
// primary IPv4 address moves.
type Monitor struct {
	current net.IP
	changes chan Change
	fd      int
	stop    chan struct{}
}

func New() *Monitor {
	return &Monitor{
		changes: make(chan Change, 4),
		fd:      -1,
		stop:    make(chan struct{}),
	}
}

func (m *Monitor) Start() error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("netmon: route socket: %w", err)
	}

	addr, err := primaryAddress()
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("netmon: %w", err)
	}
	m.fd = fd
	m.current = addr
	log.Printf("netmon: watching address changes, current %s", addr)

	go m.loop()
	return nil
}

func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
		if m.fd != -1 {
			unix.Close(m.fd)
		}
	}
}

func (m *Monitor) Changes() <-chan Change { return m.changes }

func (m *Monitor) loop() {
	buf := make([]byte, routeReadBuffer)
	for {
		n, err := unix.Read(m.fd, buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				log.Printf("netmon: route read: %v", err)
				continue
			}
		}
		if n == 0 {
			continue
		}

		addr, err := primaryAddress()
		if err != nil {
			continue
		}
		if !addr.Equal(m.current) {
			old := m.current
			m.current = addr
			select {
			case m.changes <- Change{Old: old, New: addr}:
			default:
			}
		}
	}
}
