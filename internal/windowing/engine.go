// Package windowing implements the server-side Windowing Engine: it
// buckets the mixed Reading stream into 500ms windows per active
// recording session, deduplicates at-least-once
// deliveries, and emits completed windows exactly once.
package windowing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// Grace is the small allowance past a bucket's end_time before wall-clock
// closure fires.
const Grace = 100 * time.Millisecond

// SessionLookup is the Windowing Engine's only dependency on the Session
// Registry: which session is active, when it started, and whether it is
// still recording. Kept as a narrow interface so the engine package does
// not import the registry package (avoids a cycle; registry.Stop calls
// back into the engine to flush).
type SessionLookup interface {
	ActiveSession(ctx context.Context) (id string, createdAt time.Time, recording bool, ok error)
}

// Emitter receives completed windows; normally the Vector Store Facade's
// Upsert, but kept as an interface so the engine is testable without a
// real vector store.
type Emitter interface {
	EmitWindow(ctx context.Context, w schema.Window, pointID schema.PointID) error
}

// Stats are observability counters; cmd/ff-server copies ReadingsDropped
// and ReadingsLate into pkg/metrics once a second.
type Stats struct {
	WindowsEmitted   int64
	ReadingsDropped  int64 // before session.created_at, or session not recording
	ReadingsLate     int64 // for an already-closed bucket
	DuplicatesFound  int64
}

type bucket struct {
	startTime time.Time
	endTime   time.Time
	foot      []*schema.FootReading
	accel     []*schema.AccelReading
	seen      map[string]bool // dedup key: device|timestamp
}

func newBucket(start time.Time) *bucket {
	return &bucket{startTime: start, endTime: start.Add(schema.WindowDuration), seen: make(map[string]bool)}
}

// sessionState is the engine's per-session accumulator set: a map from
// bucket start to its in-progress bucket, plus the highest bucket start
// seen so far (drives the "a higher bucket becomes active" closure rule).
type sessionState struct {
	buckets      map[int64]*bucket // key: startTime.UnixNano()
	highestStart int64
}

// Engine is safe for concurrent AddReading calls from multiple bus
// subscriber goroutines; all state is protected by a single mutex since
// only one session is ever recording at a time so contention is
// naturally limited to that one session's bucket map.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	lookup  SessionLookup
	emitter Emitter
	log     *ccflog.Logger

	stats Stats
}

func New(lookup SessionLookup, emitter Emitter, log *ccflog.Logger) *Engine {
	if log == nil {
		log = ccflog.New()
	}
	return &Engine{
		sessions: make(map[string]*sessionState),
		lookup:   lookup,
		emitter:  emitter,
		log:      log,
	}
}

func dedupKey(r schema.Reading) string {
	return fmt.Sprintf("%s|%s", r.Device(), r.Timestamp().Format(time.RFC3339Nano))
}

// AddReading implements the bucketing, dedup, and monotonic-closure
// rules. It is called once per decoded Reading off the bus, in whatever
// order they arrive.
func (e *Engine) AddReading(ctx context.Context, r schema.Reading) error {
	sessionID, createdAt, recording, err := e.lookup.ActiveSession(ctx)
	if err != nil {
		return err
	}
	if !recording || r.Timestamp().Before(createdAt) {
		e.mu.Lock()
		e.stats.ReadingsDropped++
		e.mu.Unlock()
		return nil
	}

	bucketStart := bucketStartFor(createdAt, r.Timestamp())

	e.mu.Lock()
	st := e.sessions[sessionID]
	if st == nil {
		st = &sessionState{buckets: make(map[int64]*bucket)}
		e.sessions[sessionID] = st
	}

	key := bucketStart.UnixNano()
	b := st.buckets[key]
	if b == nil {
		// A higher bucket becoming active closes every strictly-lower
		// still-open bucket for this session (monotonic triggering).
		if key > st.highestStart {
			toClose := e.collectStale(st, key)
			st.highestStart = key
			e.mu.Unlock()
			for _, stale := range toClose {
				e.closeAndEmit(ctx, sessionID, stale)
			}
			e.mu.Lock()
		} else {
			// Late arrival: the bucket it belongs to was already closed.
			e.stats.ReadingsLate++
			e.mu.Unlock()
			return nil
		}
		b = newBucket(bucketStart)
		st.buckets[key] = b
	}

	dk := dedupKey(r)
	if b.seen[dk] {
		e.stats.DuplicatesFound++
		e.mu.Unlock()
		return nil
	}
	b.seen[dk] = true
	if r.Foot != nil {
		b.foot = append(b.foot, r.Foot)
	} else if r.Accel != nil {
		b.accel = append(b.accel, r.Accel)
	}
	e.mu.Unlock()
	return nil
}

// collectStale removes and returns every bucket for st strictly below
// newHighest. Caller holds e.mu.
func (e *Engine) collectStale(st *sessionState, newHighest int64) []*bucket {
	var stale []*bucket
	for k, b := range st.buckets {
		if k < newHighest {
			stale = append(stale, b)
			delete(st.buckets, k)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].startTime.Before(stale[j].startTime) })
	return stale
}

// CloseExpired is driven by a periodic ticker (gocron): it closes every
// open bucket, across all sessions, whose end_time+Grace has passed.
func (e *Engine) CloseExpired(ctx context.Context, now time.Time) {
	type target struct {
		sessionID string
		b         *bucket
	}
	var targets []target

	e.mu.Lock()
	for sessionID, st := range e.sessions {
		for k, b := range st.buckets {
			if now.After(b.endTime.Add(Grace)) {
				targets = append(targets, target{sessionID, b})
				delete(st.buckets, k)
			}
		}
	}
	e.mu.Unlock()

	for _, t := range targets {
		e.closeAndEmit(ctx, t.sessionID, t.b)
	}
}

// StopSession closes every remaining open bucket for sessionID
// immediately. Called by the Session Registry's Stop operation.
func (e *Engine) StopSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	st := e.sessions[sessionID]
	var toClose []*bucket
	if st != nil {
		for k, b := range st.buckets {
			toClose = append(toClose, b)
			delete(st.buckets, k)
		}
	}
	e.mu.Unlock()

	sort.Slice(toClose, func(i, j int) bool { return toClose[i].startTime.Before(toClose[j].startTime) })
	for _, b := range toClose {
		e.closeAndEmit(ctx, sessionID, b)
	}
}

func (e *Engine) closeAndEmit(ctx context.Context, sessionID string, b *bucket) {
	if len(b.foot) == 0 && len(b.accel) == 0 {
		return // empty buckets produce no window
	}
	vec := Vectorize(b.foot, b.accel)
	w := schema.Window{
		SessionID:  sessionID,
		StartTime:  b.startTime,
		EndTime:    b.endTime,
		Vector:     vec,
		FootCount:  len(b.foot),
		AccelCount: len(b.accel),
		RawFoot:    b.foot,
		RawAccel:   b.accel,
	}
	pid := PointID(sessionID, b.startTime)
	if err := e.emitter.EmitWindow(ctx, w, pid); err != nil {
		e.log.Errorf("windowing: emit window session=%s start=%s failed: %v", sessionID, b.startTime, err)
		return
	}
	e.mu.Lock()
	e.stats.WindowsEmitted++
	e.mu.Unlock()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func bucketStartFor(createdAt, t time.Time) time.Time {
	elapsed := t.Sub(createdAt)
	buckets := elapsed / schema.WindowDuration
	return createdAt.Add(buckets * schema.WindowDuration)
}

// pointNamespace is a fixed UUID namespace for deriving stable window
// point ids; any fixed value works as long as it never changes.
var pointNamespace = uuid.MustParse("8f14e45f-ceea-467e-bbbd-00b2a14d8a7f")

// PointID derives the stable UUIDv5 point id a window upserts under from
// (session_id, bucket_start): the same input stream reprocessed produces
// the same ids.
func PointID(sessionID string, bucketStart time.Time) schema.PointID {
	name := fmt.Sprintf("%s|%d", sessionID, bucketStart.UnixNano())
	return schema.PointID(uuid.NewSHA1(pointNamespace, []byte(name)).String())
}
