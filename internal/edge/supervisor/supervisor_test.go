package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/edge/session"
	"github.com/firecrew/telemetry/internal/edge/store"
	"github.com/firecrew/telemetry/internal/schema"
)

type fakePeripheral struct {
	mu       sync.Mutex
	notifyCh chan []byte
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{notifyCh: make(chan []byte, 8)}
}

func (f *fakePeripheral) Connect(ctx context.Context) error         { return nil }
func (f *fakePeripheral) Write(ctx context.Context, b []byte) error { return nil }
func (f *fakePeripheral) Notifications() <-chan []byte              { return f.notifyCh }
func (f *fakePeripheral) Disconnect() error                         { return nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSupervisor_FanOutSavesEvenWhenBroadcastIsNotDelivered(t *testing.T) {
	st := openTestStore(t)
	client := bus.New("nats://127.0.0.1:1", "device-key", nil) // never connected
	sv := New(client, time.Millisecond, nil)

	r := &schema.FootReading{Device: schema.DeviceLeftFoot}
	r.Derive()
	sv.fanOut(context.Background(), st, schema.Reading{Foot: r})

	rows, err := st.FetchUnsent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSupervisor_FanOutDropsReadingWhenStoreIsClosed(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Close())

	client := bus.New("nats://127.0.0.1:1", "device-key", nil)
	sv := New(client, time.Millisecond, nil)

	r := &schema.FootReading{Device: schema.DeviceLeftFoot}
	r.Derive()
	assert.NotPanics(t, func() {
		sv.fanOut(context.Background(), st, schema.Reading{Foot: r})
	})
}

func TestSupervisor_RunConnectsEverySensorAndShutsDownOnCancel(t *testing.T) {
	client := bus.New("nats://127.0.0.1:1", "device-key", nil)
	sv := New(client, time.Millisecond, nil)

	leftStore := openTestStore(t)
	rightStore := openTestStore(t)

	sv.AddSensor("left-foot", newFakePeripheral(), session.Config{Role: schema.DeviceLeftFoot}, leftStore)
	sv.AddSensor("right-foot", newFakePeripheral(), session.Config{Role: schema.DeviceRightFoot}, rightStore)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sv.entries[0].session.State() != session.StateDisconnected
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisor_ShutdownClosesSharedStoreOnlyOnce(t *testing.T) {
	client := bus.New("nats://127.0.0.1:1", "device-key", nil)
	sv := New(client, time.Millisecond, nil)

	shared := openTestStore(t)
	sv.AddSensor("left-foot", newFakePeripheral(), session.Config{Role: schema.DeviceLeftFoot}, shared)
	sv.AddSensor("right-foot", newFakePeripheral(), session.Config{Role: schema.DeviceRightFoot}, shared)

	assert.NotPanics(t, func() { sv.shutdown() })
}
