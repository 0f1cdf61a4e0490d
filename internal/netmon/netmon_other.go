//go:build !linux && !android && !darwin && !freebsd && !netbsd && !openbsd

package netmon

import "errors"

var errNoAddress = errors.New("netmon: no usable IPv4 address")

// Monitor is inert on platforms without an address-change source; the
// session still heals through periodic discovery announces.
type Monitor struct {
	changes chan Change
}

func New() *Monitor {
	return &Monitor{changes: make(chan Change)}
}

func (m *Monitor) Start() error { return nil }

func (m *Monitor) Stop() {}

func (m *Monitor) Changes() <-chan Change { return m.changes }
