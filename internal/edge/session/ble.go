// Package session implements the per-sensor state machine: one Session
// owns one BLE connection, a fragmentation buffer, an optional keep-alive
// ticker, packet throttling, and a delivery callback.
//
// The BLE driver and OS Bluetooth stack are out of scope; Peripheral is
// the entire contract this package needs from them, in the style of
// periph.io's conn.Conn — the smallest interface that lets every
// implementation (real BLE stack, serial/USB bridge, test double) satisfy
// it without leaking transport detail upward.
package session

import "context"

// Peripheral is a single point-to-point BLE connection to one sensor.
// Implementations are expected to be safe for the concurrent use pattern
// this package drives: one goroutine calls Connect/Write/Disconnect,
// another drains Notifications.
type Peripheral interface {
	// Connect establishes the link, honoring ctx's deadline for the
	// per-attempt timeout (10s).
	Connect(ctx context.Context) error

	// Write performs a single characteristic write (start/stop/keep-alive
	// command bytes), honoring ctx's deadline (1s).
	Write(ctx context.Context, b []byte) error

	// Notifications returns the channel the peripheral delivers raw
	// notification payloads on. It is closed when the connection drops.
	Notifications() <-chan []byte

	// Disconnect releases the connection. Safe to call more than once.
	Disconnect() error
}
