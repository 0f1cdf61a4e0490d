//go:build linux || android

package netmon

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/vishvananda/netlink"
)

var errNoAddress = errors.New("netmon: no usable IPv4 address")

// Monitor subscribes to netlink address updates and emits a Change
// whenever the primary IPv4 address moves.
type Monitor struct {
	current net.IP
	changes chan Change
	updates chan netlink.AddrUpdate
	stop    chan struct{}
}

func New() *Monitor {
	return &Monitor{
		changes: make(chan Change, 4),
		updates: make(chan netlink.AddrUpdate, 8),
		stop:    make(chan struct{}),
	}
}

func (m *Monitor) Start() error {
	addr, err := primaryAddress()
	if err != nil {
		return fmt.Errorf("netmon: %w", err)
	}
	m.current = addr

	if err := netlink.AddrSubscribe(m.updates, m.stop); err != nil {
		return fmt.Errorf("netmon: netlink subscribe: %w", err)
	}
	log.Printf("netmon: watching address changes, current %s", addr)

	go m.loop()
	return nil
}

func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Monitor) Changes() <-chan Change { return m.changes }

func (m *Monitor) loop() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.updates:
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
}
