// Package supervisor implements the Edge Supervisor: it brings up the
// three Sensor Sessions in priority order, fans every
// accepted Reading into the Local Store and the Broadcast Client, and
// coordinates shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/edge/session"
	"github.com/firecrew/telemetry/internal/edge/store"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// sensorEntry pairs a Session with the Local Store it fans readings into.
// Left/right foot share nothing; accel is independent; each sensor's
// failure never aborts its peers.
type sensorEntry struct {
	name    string
	session *session.Session
	store   *store.Store
}

// Supervisor owns all three Sensor Sessions, the Broadcast Client, and
// the fan-out between them.
type Supervisor struct {
	entries        []sensorEntry
	bus            *bus.Client
	connectSpacing time.Duration
	log            *ccflog.Logger
}

// New constructs a Supervisor with no sensors; register each one with
// AddSensor, which wires the session's readings into Supervisor.fanOut.
func New(busClient *bus.Client, connectSpacing time.Duration, log *ccflog.Logger) *Supervisor {
	if connectSpacing <= 0 {
		connectSpacing = 3 * time.Second
	}
	if log == nil {
		log = ccflog.New()
	}
	return &Supervisor{bus: busClient, connectSpacing: connectSpacing, log: log}
}

// AddSensor registers one Sensor Session and its Local Store, in the
// priority order they should be connected: left foot, then right foot,
// then accelerometer.
func (sv *Supervisor) AddSensor(name string, peripheral session.Peripheral, cfg session.Config, st *store.Store) {
	entry := sensorEntry{name: name, store: st}
	entry.session = session.New(peripheral, cfg, func(r schema.Reading) {
		sv.fanOut(context.Background(), st, r)
	}, sv.log)
	sv.entries = append(sv.entries, entry)
}

// fanOut is the fan-out callback handed to each session: Local
// Store.save is always attempted; the Broadcast Client is then emitted to
// best-effort, independently — a broadcast failure must never prevent or
// undo the save, and a save failure (the reading cannot be persisted) is
// logged and the reading dropped, there being no safe alternative.
func (sv *Supervisor) fanOut(ctx context.Context, st *store.Store, r schema.Reading) {
	if _, err := st.Save(ctx, r); err != nil {
		sv.log.Errorf("supervisor: save failed for %s, dropping reading: %v", r.Device(), err)
		return
	}

	if r.Foot != nil {
		_, _ = sv.bus.EmitFootReading(r.Foot)
	} else if r.Accel != nil {
		_, _ = sv.bus.EmitAccelReading(r.Accel)
	}
}

// Run starts the Broadcast Client and connects every Sensor Session in
// priority order with ConnectSpacing between successive attempts, since
// a shared BLE stack cannot safely attempt two connections
// simultaneously. It blocks until ctx is cancelled, then tears every
// session down before returning.
func (sv *Supervisor) Run(ctx context.Context) error {
	if err := sv.bus.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
startup:
	for i, entry := range sv.entries {
		if i > 0 {
			select {
			case <-ctx.Done():
				break startup
			case <-time.After(sv.connectSpacing):
			}
		}
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.session.Run(ctx); err != nil {
				sv.log.Errorf("supervisor: sensor %s stopped permanently: %v", entry.name, err)
			}
		}()
	}

	<-ctx.Done()
	sv.shutdown()
	wg.Wait()
	return nil
}

// Stats sums every sensor's malformed and throttled frame counts, for a
// periodic metrics reporter; it never resets the sessions' own counters.
func (sv *Supervisor) Stats() (malformed, throttled uint64) {
	for _, entry := range sv.entries {
		st := entry.session.Stats()
		malformed += uint64(st.FramesMalformed)
		throttled += uint64(st.FramesThrottled)
	}
	return malformed, throttled
}

// shutdown writes every session's stop command (best effort, bounded)
// and disconnects, then closes the Local Stores and finally the
// Broadcast Client — in that order, so no in-flight save is lost by
// closing its store out from under it.
func (sv *Supervisor) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, entry := range sv.entries {
		entry.session.Stop(stopCtx)
	}

	// Two sensors (left/right foot) may share one Local Store; close
	// each store exactly once.
	closed := make(map[*store.Store]bool)
	for _, entry := range sv.entries {
		if closed[entry.store] {
			continue
		}
		closed[entry.store] = true
		if err := entry.store.Close(); err != nil {
			sv.log.Warnf("supervisor: closing store for %s: %v", entry.name, err)
		}
	}
	sv.bus.Close()
}
