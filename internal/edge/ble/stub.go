// Package ble provides the one concrete session.Peripheral this module
// ships: a simulated sensor useful for local development and integration
// tests. The real BLE driver and OS Bluetooth stack are out of scope;
// production deployments supply their own session.Peripheral
// implementation and wire it in place of Simulated in cmd/ff-edge.
package ble

import (
	"context"
	"sync"
)

// Simulated is a session.Peripheral backed by an in-memory channel instead
// of a real radio. Tests and local runs feed it frames with Feed; Connect
// always succeeds immediately.
type Simulated struct {
	mu        sync.Mutex
	connected bool
	notifyCh  chan []byte
	writes    [][]byte
}

func NewSimulated() *Simulated {
	return &Simulated{notifyCh: make(chan []byte, 64)}
}

func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulated) Write(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return context.Canceled
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *Simulated) Notifications() <-chan []byte {
	return s.notifyCh
}

func (s *Simulated) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
	}
	return nil
}

// Feed delivers one raw notification payload as if it arrived over the
// radio. Feeding after Drop/Disconnect is a no-op.
func (s *Simulated) Feed(payload []byte) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return
	}
	select {
	case s.notifyCh <- payload:
	default:
	}
}

// Drop closes the notification channel to simulate an unexpected
// disconnect, exercising session.Session's reconnect path.
func (s *Simulated) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		close(s.notifyCh)
		s.notifyCh = make(chan []byte, 64)
	}
}

// Writes returns every byte slice written so far, for test assertions.
func (s *Simulated) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}
