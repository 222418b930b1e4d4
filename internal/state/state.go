// Package state serializes the system's operating mode. The machine is the
// only authority on whether a transfer may begin; every mode change goes
// through it and anything outside the allowed transition graph fails
// deterministically.
package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// System is an operating mode.
type System int

const (
	Standby System = iota
	Transfer
	Utility
)

func (s System) String() string {
	switch s {
	case Standby:
		return "Standby"
	case Transfer:
		return "Transfer"
	case Utility:
		return "Utility"
	default:
		return "Unknown"
	}
}

// InvalidTransitionError reports a transition outside the allowed graph.
type InvalidTransitionError struct {
	From System
	To   System
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine tracks the current mode. Transitions are short critical sections;
// reads never block on I/O.
type Machine struct {
	mu sync.Mutex

	current System

	transferStart     time.Time
	totalTransferTime time.Duration

	log *slog.Logger

	now func() time.Time
}

// NewMachine returns a machine in Standby.
func NewMachine(log *slog.Logger) *Machine {
	return &Machine{
		current: Standby,
		log:     log,
		now:     time.Now,
	}
}

// Current returns the present mode.
func (m *Machine) Current() System {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// IsUtility reports whether the machine is in Utility.
func (m *Machine) IsUtility() bool {
	return m.Current() == Utility
}

// IsTransfer reports whether the machine is in Transfer.
func (m *Machine) IsTransfer() bool {
	return m.Current() == Transfer
}

// EnterTransfer moves Standby -> Transfer and starts the transfer timer.
func (m *Machine) EnterTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != Standby {
		return &InvalidTransitionError{From: m.current, To: Transfer}
	}

	m.current = Transfer
	m.transferStart = m.now()
	m.log.Info("entering transfer state")

	return nil
}

// ExitTransfer moves Transfer -> Standby and accumulates the elapsed
// transfer time.
func (m *Machine) ExitTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != Transfer {
		return &InvalidTransitionError{From: m.current, To: Standby}
	}

	m.current = Standby
	m.totalTransferTime += m.now().Sub(m.transferStart)
	m.transferStart = time.Time{}
	m.log.Info("exiting transfer state", "total_transfer_time", m.totalTransferTime)

	return nil
}

// EnterUtility moves Standby -> Utility.
func (m *Machine) EnterUtility() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != Standby {
		return &InvalidTransitionError{From: m.current, To: Utility}
	}

	m.current = Utility
	m.log.Info("entering utility state")

	return nil
}

// ExitUtility moves Utility -> Standby.
func (m *Machine) ExitUtility() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != Utility {
		return &InvalidTransitionError{From: m.current, To: Standby}
	}

	m.current = Standby
	m.log.Info("exiting utility state")

	return nil
}

// EnterStandby forces Standby from any state. Idempotent; a running transfer
// timer is folded into the total first.
func (m *Machine) EnterStandby() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == Transfer && !m.transferStart.IsZero() {
		m.totalTransferTime += m.now().Sub(m.transferStart)
		m.transferStart = time.Time{}
	}

	if m.current != Standby {
		m.log.Info("entering standby state", "from", m.current)
	}

	m.current = Standby
}

// TotalTransferTime returns the accumulated time spent in Transfer.
func (m *Machine) TotalTransferTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalTransferTime
}
