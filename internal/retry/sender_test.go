package retry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/edge/store"
	"github.com/firecrew/telemetry/internal/schema"
)

func testRow(t *testing.T, ts time.Time) store.Row {
	t.Helper()
	r := &schema.FootReading{Timestamp: ts, Device: schema.DeviceLeftFoot}
	r.Derive()
	payload, err := json.Marshal(struct {
		Foot *schema.FootReading `json:"foot,omitempty"`
	}{Foot: r})
	require.NoError(t, err)
	return store.Row{ID: 1, Device: schema.DeviceLeftFoot, Timestamp: ts, Payload: payload}
}

func TestBackoffFor_DoublesAndCapsAtMaxBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}
	cfg.setDefaults()
	s := New(schema.DeviceLeftFoot, nil, nil, cfg, nil)

	assert.Equal(t, time.Second, s.backoffFor(1))
	assert.Equal(t, 2*time.Second, s.backoffFor(2))
	assert.Equal(t, 4*time.Second, s.backoffFor(3))
	assert.Equal(t, 8*time.Second, s.backoffFor(4))
	assert.Equal(t, 8*time.Second, s.backoffFor(10))
}

func TestTransmitViaWebhooks_SucceedsWhenEveryURLAccepts(t *testing.T) {
	var received []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []any
		_ = json.NewDecoder(r.Body).Decode(&batch)
		received = batch
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := Config{WebhookURLs: []string{srv.URL}, WebhookRate: 100}
	cfg.setDefaults()
	s := New(schema.DeviceLeftFoot, nil, nil, cfg, nil)

	ok := s.transmitViaWebhooks(context.Background(), []store.Row{testRow(t, time.Now())})
	assert.True(t, ok)
	assert.Len(t, received, 1)
}

func TestTransmitViaWebhooks_FailsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := Config{WebhookURLs: []string{srv.URL}, WebhookRate: 100}
	cfg.setDefaults()
	s := New(schema.DeviceLeftFoot, nil, nil, cfg, nil)

	ok := s.transmitViaWebhooks(context.Background(), []store.Row{testRow(t, time.Now())})
	assert.False(t, ok)
}

func TestTransmitViaWebhooks_FailsWhenServerUnreachable(t *testing.T) {
	cfg := Config{WebhookURLs: []string{"http://127.0.0.1:1"}, WebhookRate: 100}
	cfg.setDefaults()
	s := New(schema.DeviceLeftFoot, nil, nil, cfg, nil)

	ok := s.transmitViaWebhooks(context.Background(), []store.Row{testRow(t, time.Now())})
	assert.False(t, ok)
}

func TestTransmit_FallsBackToWebhooksWhenBusUnreachable(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := Config{WebhookURLs: []string{srv.URL}, WebhookRate: 100}
	cfg.setDefaults()
	client := bus.New("nats://127.0.0.1:1", "device-key", nil) // never connected
	s := New(schema.DeviceLeftFoot, nil, client, cfg, nil)

	ok := s.transmit(context.Background(), []store.Row{testRow(t, time.Now())})
	assert.True(t, ok)
	assert.True(t, hit)
}

func TestTransmit_FailsWithNoWebhooksConfiguredAndBusUnreachable(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	client := bus.New("nats://127.0.0.1:1", "device-key", nil)
	s := New(schema.DeviceLeftFoot, nil, client, cfg, nil)

	ok := s.transmit(context.Background(), []store.Row{testRow(t, time.Now())})
	assert.False(t, ok)
}

func TestWebhookBatch_EncodesFootAndAccelReadings(t *testing.T) {
	ts := time.Now()
	foot := &schema.FootReading{Timestamp: ts, Device: schema.DeviceLeftFoot}
	foot.Derive()
	accel := &schema.AccelReading{Timestamp: ts, Device: schema.DeviceAccel}

	out := webhookBatch([]schema.Reading{{Foot: foot}, {Accel: accel}})
	require.Len(t, out, 2)
	_, isFootEvent := out[0].(schema.FootWireEvent)
	_, isAccelEvent := out[1].(schema.AccelWireEvent)
	assert.True(t, isFootEvent)
	assert.True(t, isAccelEvent)
}
