package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/schema"
)

// fakePeripheral is a test double satisfying Peripheral without any real
// BLE stack, in the spirit of the corpus's in-memory test fakes.
type fakePeripheral struct {
	mu          sync.Mutex
	connectErrs []error
	notifyCh    chan []byte
	connected   int
	writes      [][]byte
	disconnects int
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{notifyCh: make(chan []byte, 64)}
}

func (f *fakePeripheral) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakePeripheral) Write(ctx context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakePeripheral) Notifications() <-chan []byte { return f.notifyCh }

func (f *fakePeripheral) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func TestSession_FootFraming_NoThrottle(t *testing.T) {
	peripheral := newFakePeripheral()
	var got []schema.Reading
	var mu sync.Mutex
	s := New(peripheral, Config{Role: schema.DeviceLeftFoot, Throttle: 1}, func(r schema.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	line := "L_[[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n"
	peripheral.notifyCh <- []byte(line[:10])
	peripheral.notifyCh <- []byte(line[10:])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 1, peripheral.connected)
}

func TestSession_ThrottleEveryOther_IncludesFirst(t *testing.T) {
	peripheral := newFakePeripheral()
	var got []schema.Reading
	var mu sync.Mutex
	s := New(peripheral, Config{Role: schema.DeviceLeftFoot, Throttle: 2}, func(r schema.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	line := "L_[[1,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n"
	for i := 0; i < 4; i++ {
		peripheral.notifyCh <- []byte(line)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSession_AccelResync_DropsStrayByte(t *testing.T) {
	peripheral := newFakePeripheral()
	var got []schema.Reading
	var mu sync.Mutex
	s := New(peripheral, Config{Role: schema.DeviceAccel, Throttle: 1}, func(r schema.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	frame := make([]byte, 20)
	frame[0], frame[1] = 0x55, 0x61
	stray := append([]byte{0xAB}, frame...)
	peripheral.notifyCh <- stray

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.NotNil(t, got[0].Accel)
	mu.Unlock()
}

func TestSession_ConnectExhausted_ReturnsFatal(t *testing.T) {
	peripheral := newFakePeripheral()
	peripheral.connectErrs = []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}
	s := New(peripheral, Config{
		Role:               schema.DeviceAccel,
		MaxConnectAttempts: 3,
		ConnectSpacing:     time.Millisecond,
		ConnectDeadline:    10 * time.Millisecond,
	}, func(r schema.Reading) {}, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, peripheral.connected)
}

func TestSession_Stop_DisconnectsAndWritesStopCommand(t *testing.T) {
	peripheral := newFakePeripheral()
	s := New(peripheral, Config{Role: schema.DeviceLeftFoot, StopCommand: []byte("STOP")}, func(r schema.Reading) {}, nil)
	s.Stop(context.Background())
	require.Len(t, peripheral.writes, 1)
	assert.Equal(t, "STOP", string(peripheral.writes[0]))
	assert.Equal(t, 1, peripheral.disconnects)
}
