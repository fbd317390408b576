package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/firecrew/telemetry/internal/schema"
)

func TestReconnectBackoff_DoublesUntilItCapsAtOneMinute(t *testing.T) {
	assert.Equal(t, 5*time.Second, reconnectBackoff(0))
	assert.Equal(t, 10*time.Second, reconnectBackoff(1))
	assert.Equal(t, 20*time.Second, reconnectBackoff(2))
	assert.Equal(t, 60*time.Second, reconnectBackoff(10))
}

func TestEmit_WithoutAConnectionIsNotDelivered(t *testing.T) {
	c := New("nats://127.0.0.1:4222", "device-key", nil)
	delivered, err := c.Emit(SubjectFootPressure, schema.ToFootWireEvent(&schema.FootReading{}))
	assert.NoError(t, err)
	assert.Equal(t, NotDelivered, delivered)
}

func TestEmitFootReading_WithoutAConnectionIsNotDelivered(t *testing.T) {
	c := New("nats://127.0.0.1:4222", "device-key", nil)
	r := &schema.FootReading{Timestamp: time.Now(), Device: schema.DeviceLeftFoot}
	r.Derive()
	delivered, err := c.EmitFootReading(r)
	assert.NoError(t, err)
	assert.Equal(t, NotDelivered, delivered)
}

func TestEmitAccelReading_WithoutAConnectionIsNotDelivered(t *testing.T) {
	c := New("nats://127.0.0.1:4222", "device-key", nil)
	r := &schema.AccelReading{Timestamp: time.Now(), Device: schema.DeviceAccel}
	delivered, err := c.EmitAccelReading(r)
	assert.NoError(t, err)
	assert.Equal(t, NotDelivered, delivered)
}

func TestClose_WithoutAConnectionDoesNotPanic(t *testing.T) {
	c := New("nats://127.0.0.1:4222", "device-key", nil)
	assert.NotPanics(t, func() { c.Close() })
}
