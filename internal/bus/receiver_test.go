package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/deviceauth"
	"github.com/firecrew/telemetry/internal/schema"
)

func compiledSchema(t *testing.T, name, src string) *jsonschema.Schema {
	t.Helper()
	s, err := jsonschema.CompileString(name, src)
	require.NoError(t, err)
	return s
}

func TestValidate_AcceptsWellFormedFootEvent(t *testing.T) {
	s := compiledSchema(t, "foot.json", footEventSchema)
	ev := schema.ToFootWireEvent(&schema.FootReading{Timestamp: time.Now(), Device: schema.DeviceLeftFoot})
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NoError(t, validate(s, raw))
}

func TestValidate_RejectsMissingRequiredField(t *testing.T) {
	s := compiledSchema(t, "foot.json", footEventSchema)
	assert.Error(t, validate(s, []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)))
}

func TestValidate_RejectsMalformedJSON(t *testing.T) {
	s := compiledSchema(t, "foot.json", footEventSchema)
	assert.Error(t, validate(s, []byte(`not json`)))
}

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	hash, err := deviceauth.HashKey("good-key")
	require.NoError(t, err)
	verifier := deviceauth.New(map[string]string{"boot-1": hash}, "signing-secret")

	footSchema := compiledSchema(t, "foot.json", footEventSchema)
	accelSchema := compiledSchema(t, "accel.json", accelEventSchema)
	return &Receiver{verifier: verifier, footSchema: footSchema, accelSchema: accelSchema}
}

func TestHandleFoot_DeliversAWellFormedReading(t *testing.T) {
	r := newTestReceiver(t)
	ts := time.Now()
	ev := schema.ToFootWireEvent(&schema.FootReading{Timestamp: ts, Device: schema.DeviceLeftFoot})
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var got []schema.Reading
	handler := r.handleFoot(func(rd schema.Reading) { got = append(got, rd) })
	handler(&nats.Msg{Data: raw})

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Foot)
	assert.Equal(t, schema.DeviceLeftFoot, got[0].Foot.Device)
}

func TestHandleFoot_DropsSchemaInvalidPayload(t *testing.T) {
	r := newTestReceiver(t)
	var got []schema.Reading
	handler := r.handleFoot(func(rd schema.Reading) { got = append(got, rd) })
	handler(&nats.Msg{Data: []byte(`{}`)})
	assert.Empty(t, got)
}

func TestHandleAccel_DeliversAWellFormedReading(t *testing.T) {
	r := newTestReceiver(t)
	ts := time.Now()
	ev := schema.ToAccelWireEvent(&schema.AccelReading{Timestamp: ts, Device: schema.DeviceAccel})
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var got []schema.Reading
	handler := r.handleAccel(func(rd schema.Reading) { got = append(got, rd) })
	handler(&nats.Msg{Data: raw})

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Accel)
}

func TestHandleAccel_DropsSchemaInvalidPayload(t *testing.T) {
	r := newTestReceiver(t)
	var got []schema.Reading
	handler := r.handleAccel(func(rd schema.Reading) { got = append(got, rd) })
	handler(&nats.Msg{Data: []byte(`{"garbage":true}`)})
	assert.Empty(t, got)
}

func TestHandleAuthenticate_RespondsOnlyWhenReplyIsSet(t *testing.T) {
	r := newTestReceiver(t)
	req, err := json.Marshal(schema.AuthenticateRequest{DeviceKey: "good-key"})
	require.NoError(t, err)

	// No Reply subject and no bound Sub: handleAuthenticate must not
	// attempt to respond, which would otherwise panic against a nil conn.
	assert.NotPanics(t, func() {
		r.handleAuthenticate(&nats.Msg{Data: req})
	})
}
