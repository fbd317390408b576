// Package bus is the Broadcast Client / receiver pair: a long-lived
// connection between edge and server on logical namespace "/iot", modeled
// as NATS subjects (nats-io/nats.go).
package bus

// Subject names. The "/iot" namespace becomes an "iot." subject prefix;
// NATS has no separate namespace concept, so the prefix does the same
// isolation job a Socket.IO namespace does.
const (
	SubjectAuthenticate = "iot.authenticate"
	SubjectFootPressure = "iot.foot_pressure_data"
	SubjectAccelerometer = "iot.accelerometer_data"
)
