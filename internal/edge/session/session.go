package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firecrew/telemetry/internal/edge/parser"
	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// State is a Sensor Session's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// KeepAlive configures a periodic write performed while Streaming.
type KeepAlive struct {
	Bytes  []byte
	Period time.Duration
}

// Config is the per-instance configuration of a Sensor Session.
type Config struct {
	Role               schema.DeviceKind
	Throttle           int // N; forward every N-th valid parsed frame
	MaxConnectAttempts int
	ConnectSpacing     time.Duration // default 3s
	ConnectDeadline    time.Duration // default 10s per attempt
	WriteDeadline      time.Duration // default 1s
	StartCommand       []byte
	StopCommand        []byte
	KeepAlive          *KeepAlive
}

func (c *Config) setDefaults() {
	if c.Throttle <= 0 {
		c.Throttle = 1
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 3
	}
	if c.ConnectSpacing <= 0 {
		c.ConnectSpacing = 3 * time.Second
	}
	if c.ConnectDeadline <= 0 {
		c.ConnectDeadline = 10 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = time.Second
	}
}

// Stats are the per-session observability counters exposed to
// pkg/metrics.
type Stats struct {
	FramesParsed     int64
	FramesMalformed  int64
	FramesForwarded  int64
	FramesThrottled  int64
	ReconnectAttempt int64
}

// Session owns one BLE connection, its fragmentation buffer, and the
// throttle/keep-alive logic around it. One instance per sensor; never
// shared across goroutines except via the exported methods.
type Session struct {
	cfg        Config
	peripheral Peripheral
	onReading  func(schema.Reading)
	log        *ccflog.Logger

	mu    sync.Mutex
	state State

	throttleCounter uint64
	stats           Stats

	buf []byte // fragmentation buffer, owned exclusively by this session
}

// New constructs a Session. onReading is called synchronously from the
// session's own goroutine for every frame that survives throttling; it
// must not block for long (the Edge Supervisor's fan-out is expected to
// be fast: store.save + broadcast.emit, both bounded).
func New(peripheral Peripheral, cfg Config, onReading func(schema.Reading), log *ccflog.Logger) *Session {
	cfg.setDefaults()
	if log == nil {
		log = ccflog.New()
	}
	return &Session{
		cfg:        cfg,
		peripheral: peripheral,
		onReading:  onReading,
		log:        log,
		buf:        make([]byte, 0, 256),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesParsed:     atomic.LoadInt64(&s.stats.FramesParsed),
		FramesMalformed:  atomic.LoadInt64(&s.stats.FramesMalformed),
		FramesForwarded:  atomic.LoadInt64(&s.stats.FramesForwarded),
		FramesThrottled:  atomic.LoadInt64(&s.stats.FramesThrottled),
		ReconnectAttempt: atomic.LoadInt64(&s.stats.ReconnectAttempt),
	}
}

var errExhausted = errors.New("max connect attempts exhausted")

// Run connects, streams, and reconnects on drop until ctx is cancelled or
// connect attempts are exhausted (a Fatal for this sensor alone — the
// Edge Supervisor continues without it).
func (s *Session) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := s.connect(ctx); err != nil {
			return ftlerr.New("session.Run", ftlerr.Fatal, err)
		}

		s.setState(StateAuthenticating)
		if len(s.cfg.StartCommand) > 0 {
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteDeadline)
			err := s.peripheral.Write(wctx, s.cfg.StartCommand)
			cancel()
			if err != nil {
				s.log.Warnf("session[%s]: start command write failed: %v", s.cfg.Role, err)
			}
		}

		s.setState(StateStreaming)
		s.streamUntilDrop(ctx)
		s.setState(StateDisconnected)
		s.peripheral.Disconnect()

		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// Stop writes the stop command (best effort, bounded) and disconnects.
func (s *Session) Stop(ctx context.Context) {
	if len(s.cfg.StopCommand) > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteDeadline)
		_ = s.peripheral.Write(wctx, s.cfg.StopCommand)
		cancel()
	}
	s.peripheral.Disconnect()
	s.setState(StateDisconnected)
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	for attempt := 1; attempt <= s.cfg.MaxConnectAttempts; attempt++ {
		atomic.AddInt64(&s.stats.ReconnectAttempt, 1)

		cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectDeadline)
		err := s.peripheral.Connect(cctx)
		cancel()
		if err == nil {
			return nil
		}
		s.log.Warnf("session[%s]: connect attempt %d/%d failed: %v", s.cfg.Role, attempt, s.cfg.MaxConnectAttempts, err)

		if attempt == s.cfg.MaxConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ConnectSpacing):
		}
	}
	return errExhausted
}

// streamUntilDrop drains notifications, running the keep-alive ticker
// alongside, until the notification channel closes (peer drop) or ctx is
// cancelled.
func (s *Session) streamUntilDrop(ctx context.Context) {
	var wg sync.WaitGroup
	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()

	if s.cfg.KeepAlive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runKeepAlive(kaCtx)
		}()
	}

	notifications := s.peripheral.Notifications()
	for {
		select {
		case <-ctx.Done():
			kaCancel()
			wg.Wait()
			return
		case payload, ok := <-notifications:
			if !ok {
				kaCancel()
				wg.Wait()
				return
			}
			s.ingest(payload)
		}
	}
}

// runKeepAlive writes the keep-alive bytes every Period while Streaming.
// It must not block frame delivery: it runs on its own goroutine and each
// write is bounded by WriteDeadline.
func (s *Session) runKeepAlive(ctx context.Context) {
	t := time.NewTicker(s.cfg.KeepAlive.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteDeadline)
			if err := s.peripheral.Write(wctx, s.cfg.KeepAlive.Bytes); err != nil {
				s.log.Warnf("session[%s]: keep-alive write failed: %v", s.cfg.Role, err)
			}
			cancel()
		}
	}
}

// ingest appends payload to the fragmentation buffer and extracts every
// complete frame it now contains, in arrival order.
func (s *Session) ingest(payload []byte) {
	s.buf = append(s.buf, payload...)

	switch s.cfg.Role {
	case schema.DeviceAccel:
		s.drainAccelFrames()
	default:
		s.drainFootFrames()
	}
}

func (s *Session) drainFootFrames() {
	for {
		i := indexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		line := string(s.buf[:i+1])
		s.buf = s.buf[i+1:]
		s.handleFootLine(line)
	}
}

func (s *Session) handleFootLine(line string) {
	r, err := parser.ParseFoot(line, time.Now())
	if err != nil {
		atomic.AddInt64(&s.stats.FramesMalformed, 1)
		return
	}
	atomic.AddInt64(&s.stats.FramesParsed, 1)
	if !s.throttleAllow() {
		atomic.AddInt64(&s.stats.FramesThrottled, 1)
		return
	}
	atomic.AddInt64(&s.stats.FramesForwarded, 1)
	s.onReading(schema.Reading{Foot: r})
}

// drainAccelFrames resyncs on a stray non-header byte within at most
// FrameLen bytes by dropping one byte at a time until the header
// realigns.
func (s *Session) drainAccelFrames() {
	for {
		if len(s.buf) < parser.FrameLen {
			return
		}
		if !parser.HasHeader(s.buf) {
			s.buf = s.buf[1:]
			continue
		}
		frame := s.buf[:parser.FrameLen]
		s.buf = s.buf[parser.FrameLen:]
		s.handleAccelFrame(frame)
	}
}

func (s *Session) handleAccelFrame(frame []byte) {
	r, err := parser.ParseAccel(frame, time.Now())
	if err != nil {
		atomic.AddInt64(&s.stats.FramesMalformed, 1)
		return
	}
	atomic.AddInt64(&s.stats.FramesParsed, 1)
	if !s.throttleAllow() {
		atomic.AddInt64(&s.stats.FramesThrottled, 1)
		return
	}
	atomic.AddInt64(&s.stats.FramesForwarded, 1)
	s.onReading(schema.Reading{Accel: r})
}

// throttleAllow implements the throttle contract: the i-th
// valid parsed frame (1-indexed) is forwarded iff (i-1) mod N == 0, so
// the first frame always forwards and exactly ceil(M/N) of M forward.
// Applied after parsing, never before, so it cannot desynchronize the
// fragmentation buffer.
func (s *Session) throttleAllow() bool {
	k := s.throttleCounter
	s.throttleCounter++
	return k%uint64(s.cfg.Throttle) == 0
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
