// Package store is the edge agent's Local Store: a small durable queue of
// parsed Readings awaiting delivery, backed by sqlite3. Each sensor kind
// (foot, accelerometer) gets its own DB file so that one kind's backlog
// can never block the other's. Each DB is written through the Edge
// Supervisor's fan-out (the left and right foot sessions share the foot
// DB) and read by the Retry Sender for that sensor kind.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// Row is one persisted reading awaiting (or past) delivery.
type Row struct {
	ID        int64
	Device    schema.DeviceKind
	Timestamp time.Time
	Payload   []byte // JSON-encoded schema.Reading
	Sent      bool
}

// Reading decodes Payload back into a schema.Reading.
func (r Row) Reading() (schema.Reading, error) {
	var wire struct {
		Foot  *schema.FootReading  `json:"foot,omitempty"`
		Accel *schema.AccelReading `json:"accel,omitempty"`
	}
	if err := json.Unmarshal(r.Payload, &wire); err != nil {
		return schema.Reading{}, ftlerr.New("store.Row.Reading", ftlerr.SchemaMismatch, err)
	}
	return schema.Reading{Foot: wire.Foot, Accel: wire.Accel}, nil
}

// Store is a single sqlite3-backed durable queue. sqlite3 does not
// usefully multithread writes, so the connection pool is capped at one
// connection and every statement is serialized behind mu, mirroring the
// teacher's DBConnection.
type Store struct {
	mu  sync.Mutex
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	log *ccflog.Logger
}

// Open opens (creating if absent) the sqlite3 file at path and migrates
// it to the current schema.
func Open(path string, log *ccflog.Logger) (*Store, error) {
	if log == nil {
		log = ccflog.New()
	}
	registerHookedDriver(log)

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, ftlerr.New("store.Open", ftlerr.Fatal, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		return nil, err
	}

	return &Store{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(db),
		log: log,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists one reading, unsent. Idempotency across restarts is the
// Retry Sender's and the server's concern, not the Local Store's: Save
// never deduplicates.
func (s *Store) Save(ctx context.Context, r schema.Reading) (int64, error) {
	payload, err := json.Marshal(struct {
		Foot  *schema.FootReading  `json:"foot,omitempty"`
		Accel *schema.AccelReading `json:"accel,omitempty"`
	}{Foot: r.Foot, Accel: r.Accel})
	if err != nil {
		return 0, ftlerr.New("store.Save", ftlerr.Fatal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sb.Insert("readings").
		Columns("device", "ts_unix_ns", "payload", "sent", "created_at").
		Values(string(r.Device()), r.Timestamp().UnixNano(), payload, 0, time.Now().Unix()).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, ftlerr.New("store.Save", ftlerr.Transient, err)
	}
	return res.LastInsertId()
}

// FetchUnsent returns up to limit unsent rows, oldest first.
func (s *Store) FetchUnsent(ctx context.Context, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.sb.Select("id", "device", "ts_unix_ns", "payload", "sent").
		From("readings").
		Where(sq.Eq{"sent": 0}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, ftlerr.New("store.FetchUnsent", ftlerr.Transient, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var device string
		var tsNanos int64
		var sentInt int
		if err := rows.Scan(&row.ID, &device, &tsNanos, &row.Payload, &sentInt); err != nil {
			return nil, ftlerr.New("store.FetchUnsent", ftlerr.Transient, err)
		}
		row.Device = schema.DeviceKind(device)
		row.Timestamp = time.Unix(0, tsNanos)
		row.Sent = sentInt != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountUnsent reports the current backlog depth, exposed through the
// Retry Sender's UnsentCount and sampled into pkg/metrics by cmd/ff-edge.
func (s *Store) CountUnsent(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	row := s.sb.Select("COUNT(*)").From("readings").Where(sq.Eq{"sent": 0}).RunWith(s.db).QueryRowContext(ctx)
	if err := row.Scan(&n); err != nil {
		return 0, ftlerr.New("store.CountUnsent", ftlerr.Transient, err)
	}
	return n, nil
}

// MarkSent flags ids delivered. Called only after the Broadcast Client (or
// webhook fallback) confirms delivery.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.sb.Update("readings").
		Set("sent", 1).
		Where(sq.Eq{"id": ids}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return ftlerr.New("store.MarkSent", ftlerr.Transient, err)
	}
	return nil
}

// Prune deletes sent rows older than cutoff, returning the count removed.
// Runs on the Retry Sender's periodic sweep.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sb.Delete("readings").
		Where(sq.And{sq.Eq{"sent": 1}, sq.Lt{"created_at": cutoff.Unix()}}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, ftlerr.New("store.Prune", ftlerr.Transient, err)
	}
	return res.RowsAffected()
}
