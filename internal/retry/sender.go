// Package retry implements the Retry Sender: one instance per sensor
// kind, draining the Local Store's unsent rows into the Broadcast Client
// (preferred) or a webhook fallback, with
// exponential backoff on failure and a periodic prune sweep.
//
// Scheduling is gocron (go-co-op/gocron/v2): a scheduler driving two
// periodic jobs; the poll job runs in singleton mode so a slow cycle never
// overlaps itself, and the backoff sleep happens inside the task body
// (the scheduler's next tick is simply skipped while that sleep runs).
package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/edge/store"
	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// Config holds the tunables for the drain/backoff loop below.
type Config struct {
	PollInterval   time.Duration // default 30s
	MaxRecords     int           // default 100
	BaseBackoff    time.Duration // default 60s
	MaxBackoff     time.Duration // default 3600s
	PruneInterval  time.Duration // how often the prune sweep runs
	PruneRetention time.Duration // default 24h
	WebhookURLs    []string      // fallback path, optional
	WebhookRate    float64       // requests/sec across all webhook URLs, independent of packet throttle
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 100
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 60 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 3600 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	if c.PruneRetention <= 0 {
		c.PruneRetention = 24 * time.Hour
	}
	if c.WebhookRate <= 0 {
		c.WebhookRate = 5
	}
}

// Sender drains one sensor kind's Local Store backlog.
type Sender struct {
	kind   schema.DeviceKind
	st     *store.Store
	client *bus.Client
	cfg    Config
	log    *ccflog.Logger

	httpClient *http.Client
	limiter    *rate.Limiter

	consecutiveFailures atomic.Int64
	currentBackoffMs    atomic.Int64
	scheduler           gocron.Scheduler
}

// New constructs a Sender for one sensor kind's Local Store.
func New(kind schema.DeviceKind, st *store.Store, client *bus.Client, cfg Config, log *ccflog.Logger) *Sender {
	cfg.setDefaults()
	if log == nil {
		log = ccflog.New()
	}
	return &Sender{
		kind:       kind,
		st:         st,
		client:     client,
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.WebhookRate), 1),
	}
}

// Start registers the poll and prune jobs and starts the scheduler; it
// returns once both jobs are registered (the scheduler itself runs on
// its own goroutines until ctx is cancelled).
func (s *Sender) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return ftlerr.New("retry.Start", ftlerr.Fatal, err)
	}
	s.scheduler = sched

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.PollInterval),
		gocron.NewTask(func() { s.cycle(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return ftlerr.New("retry.Start", ftlerr.Fatal, err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.PruneInterval),
		gocron.NewTask(func() { s.prune(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return ftlerr.New("retry.Start", ftlerr.Fatal, err)
	}

	sched.Start()
	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
	return nil
}

// cycle implements one drain pass: fetch a batch, try to transmit it,
// and mark it sent on success (the poll interval itself is the
// scheduler's job, not this function's).
func (s *Sender) cycle(ctx context.Context) {
	rows, err := s.st.FetchUnsent(ctx, s.cfg.MaxRecords)
	if err != nil {
		s.log.Warnf("retry[%s]: fetch_unsent failed: %v", s.kind, err)
		return
	}
	if len(rows) == 0 {
		s.consecutiveFailures.Store(0)
		s.currentBackoffMs.Store(0)
		return
	}

	ok := s.transmit(ctx, rows)
	if ok {
		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if err := s.st.MarkSent(ctx, ids); err != nil {
			s.log.Warnf("retry[%s]: mark_sent failed: %v", s.kind, err)
			return
		}
		s.consecutiveFailures.Store(0)
		s.currentBackoffMs.Store(0)
		return
	}

	n := s.consecutiveFailures.Add(1)
	backoff := s.backoffFor(n)
	s.currentBackoffMs.Store(backoff.Milliseconds())
	s.log.Warnf("retry[%s]: batch of %d failed, backing off %s", s.kind, len(rows), backoff)
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (s *Sender) backoffFor(consecutiveFailures int64) time.Duration {
	d := s.cfg.BaseBackoff
	for i := int64(1); i < consecutiveFailures; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

// transmit hands every row to the Broadcast Client; the batch succeeds
// iff every row reports HandedOff. On failure (or when the bus is
// unreachable), it falls back to the configured webhooks if any are set.
func (s *Sender) transmit(ctx context.Context, rows []store.Row) bool {
	if s.transmitViaBus(rows) {
		return true
	}
	if len(s.cfg.WebhookURLs) == 0 {
		return false
	}
	return s.transmitViaWebhooks(ctx, rows)
}

func (s *Sender) transmitViaBus(rows []store.Row) bool {
	for _, row := range rows {
		reading, err := row.Reading()
		if err != nil {
			s.log.Errorf("retry[%s]: undecodable row id=%d: %v", s.kind, row.ID, err)
			return false
		}
		var delivered bus.Delivered
		var err2 error
		if reading.Foot != nil {
			delivered, err2 = s.client.EmitFootReading(reading.Foot)
		} else {
			delivered, err2 = s.client.EmitAccelReading(reading.Accel)
		}
		if err2 != nil || delivered != bus.HandedOff {
			return false
		}
	}
	return true
}

// transmitViaWebhooks POSTs the whole batch as JSON to every configured
// URL, rate-limited independently of the per-sensor packet throttle
// (the per-sensor packet throttle stays a plain frame counter; this
// limiter only shapes outbound webhook request rate).
func (s *Sender) transmitViaWebhooks(ctx context.Context, rows []store.Row) bool {
	readings := make([]schema.Reading, 0, len(rows))
	for _, row := range rows {
		r, err := row.Reading()
		if err != nil {
			s.log.Errorf("retry[%s]: undecodable row id=%d: %v", s.kind, row.ID, err)
			return false
		}
		readings = append(readings, r)
	}
	body, err := json.Marshal(webhookBatch(readings))
	if err != nil {
		s.log.Errorf("retry[%s]: marshal webhook batch: %v", s.kind, err)
		return false
	}

	for _, url := range s.cfg.WebhookURLs {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(wctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return false
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		cancel()
		if err != nil {
			s.log.Warnf("retry[%s]: webhook %s failed: %v", s.kind, url, err)
			return false
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			s.log.Warnf("retry[%s]: webhook %s returned %d", s.kind, url, resp.StatusCode)
			return false
		}
	}
	return true
}

func webhookBatch(readings []schema.Reading) []any {
	out := make([]any, 0, len(readings))
	for _, r := range readings {
		if r.Foot != nil {
			out = append(out, schema.ToFootWireEvent(r.Foot))
		} else if r.Accel != nil {
			out = append(out, schema.ToAccelWireEvent(r.Accel))
		}
	}
	return out
}

func (s *Sender) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PruneRetention)
	n, err := s.st.Prune(ctx, cutoff)
	if err != nil {
		s.log.Warnf("retry[%s]: prune failed: %v", s.kind, err)
		return
	}
	if n > 0 {
		s.log.Infof("retry[%s]: pruned %d sent rows older than %s", s.kind, n, s.cfg.PruneRetention)
	}
}

// UnsentCount exposes the current backlog depth for health/metrics.
func (s *Sender) UnsentCount(ctx context.Context) (int64, error) {
	return s.st.CountUnsent(ctx)
}

// CurrentBackoffMs exposes the backoff delay the last failed cycle
// computed, in milliseconds; 0 once the backlog drains or a cycle
// succeeds.
func (s *Sender) CurrentBackoffMs() int64 {
	return s.currentBackoffMs.Load()
}
