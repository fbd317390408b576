// Package registry is the Session Registry: the sqlite3-backed store
// of operator-created recording Sessions, and the single place the
// invariant of never more than one session recording at a time is
// enforced.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/internal/vectorstore"
	"github.com/firecrew/telemetry/internal/windowing"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// WindowCloser is the Registry's only dependency on the Windowing Engine:
// flush every open bucket for a session the moment it stops. Kept narrow
// so the Registry calls nothing else on the Engine; the windowing import
// below is used only for compile-time interface checks.
type WindowCloser interface {
	StopSession(ctx context.Context, sessionID string)
}

var _ WindowCloser = (*windowing.Engine)(nil)
var _ windowing.SessionLookup = (*Registry)(nil)

// Registry is a single sqlite3-backed table of Sessions plus the two
// side effects stopping and deleting one has on the rest of the server.
type Registry struct {
	mu      sync.Mutex
	db      *sqlx.DB
	sb      sq.StatementBuilderType
	log     *ccflog.Logger
	windows WindowCloser
	vectors vectorstore.Facade
}

// Open opens (creating if absent) the sqlite3 file at path and migrates
// it to the current schema. windows and vectors may be nil in tests that
// only exercise CRUD.
func Open(path string, windows WindowCloser, vectors vectorstore.Facade, log *ccflog.Logger) (*Registry, error) {
	if log == nil {
		log = ccflog.New()
	}
	registerHookedDriver(log)

	db, err := sqlx.Open("sqlite3WithHooksRegistry", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, ftlerr.New("registry.Open", ftlerr.Fatal, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		return nil, err
	}

	return &Registry{
		db:      db,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(db),
		log:     log,
		windows: windows,
		vectors: vectors,
	}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping reports whether the underlying sqlite3 connection is reachable, for
// the health endpoint.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create starts a new recording Session. The partial unique index on
// status='recording' is the actual enforcement point for the
// single-active-session invariant; a UNIQUE constraint failure here is
// translated to ftlerr.Conflict rather than surfaced as a raw sqlite
// error.
func (r *Registry) Create(ctx context.Context, name string, activityType *string) (schema.Session, error) {
	if activityType != nil && !schema.IsValidActivityType(*activityType) {
		return schema.Session{}, ftlerr.New("registry.Create", ftlerr.SchemaMismatch, fmt.Errorf("unknown activity type %q", *activityType))
	}

	now := time.Now().UTC()
	s := schema.Session{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		Status:    schema.SessionRecording,
		UpdatedAt: now,
	}
	s.ActivityType = activityType

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.sb.Insert("sessions").
		Columns("id", "name", "activity_type", "created_at", "stopped_at", "status", "updated_at").
		Values(s.ID, s.Name, s.ActivityType, s.CreatedAt.UnixNano(), nil, string(s.Status), s.UpdatedAt.UnixNano()).
		RunWith(r.db).ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.Session{}, ftlerr.New("registry.Create", ftlerr.Conflict, fmt.Errorf("a session is already recording"))
		}
		return schema.Session{}, ftlerr.New("registry.Create", ftlerr.Transient, err)
	}
	return s, nil
}

// Get fetches one Session by id.
func (r *Registry) Get(ctx context.Context, id string) (schema.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(ctx, id)
}

func (r *Registry) getLocked(ctx context.Context, id string) (schema.Session, error) {
	row := r.sb.Select("id", "name", "activity_type", "created_at", "stopped_at", "status", "updated_at").
		From("sessions").Where(sq.Eq{"id": id}).RunWith(r.db).QueryRowContext(ctx)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return schema.Session{}, ftlerr.New("registry.Get", ftlerr.NotFound, nil)
	}
	if err != nil {
		return schema.Session{}, ftlerr.New("registry.Get", ftlerr.Transient, err)
	}
	return s, nil
}

// List returns every Session, most recently created first.
func (r *Registry) List(ctx context.Context) ([]schema.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.sb.Select("id", "name", "activity_type", "created_at", "stopped_at", "status", "updated_at").
		From("sessions").OrderBy("created_at DESC").RunWith(r.db).QueryContext(ctx)
	if err != nil {
		return nil, ftlerr.New("registry.List", ftlerr.Transient, err)
	}
	defer rows.Close()

	var out []schema.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, ftlerr.New("registry.List", ftlerr.Transient, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Stop ends a recording Session and flushes every open window bucket for
// it: stopping a session makes the windowing engine close and emit every
// remaining open bucket for that session immediately.
func (r *Registry) Stop(ctx context.Context, id string) (schema.Session, error) {
	r.mu.Lock()
	s, err := r.getLocked(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return schema.Session{}, err
	}
	if s.Status == schema.SessionStopped {
		r.mu.Unlock()
		return s, nil
	}

	now := time.Now().UTC()
	_, err = r.sb.Update("sessions").
		Set("status", string(schema.SessionStopped)).
		Set("stopped_at", now.UnixNano()).
		Set("updated_at", now.UnixNano()).
		Where(sq.Eq{"id": id}).
		RunWith(r.db).ExecContext(ctx)
	r.mu.Unlock()
	if err != nil {
		return schema.Session{}, ftlerr.New("registry.Stop", ftlerr.Transient, err)
	}

	if r.windows != nil {
		r.windows.StopSession(ctx, id)
	}

	return r.Get(ctx, id)
}

// Delete removes a Session permanently, cascading to every window point
// upserted under it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	res, err := r.sb.Delete("sessions").Where(sq.Eq{"id": id}).RunWith(r.db).ExecContext(ctx)
	r.mu.Unlock()
	if err != nil {
		return ftlerr.New("registry.Delete", ftlerr.Transient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ftlerr.New("registry.Delete", ftlerr.NotFound, nil)
	}

	if r.vectors != nil {
		if _, err := r.vectors.DeleteBy(ctx, vectorstore.Filter(fmt.Sprintf("SessionID == %q", id))); err != nil {
			r.log.Warnf("registry: delete session %s: vector store cleanup failed: %v", id, err)
		}
	}
	return nil
}

// UpdateLabels retags a Session's activity type after the fact: field
// analysts commonly don't know the activity being performed until after
// a recording is reviewed.
func (r *Registry) UpdateLabels(ctx context.Context, id string, activityType *string) (schema.Session, error) {
	if activityType != nil && !schema.IsValidActivityType(*activityType) {
		return schema.Session{}, ftlerr.New("registry.UpdateLabels", ftlerr.SchemaMismatch, fmt.Errorf("unknown activity type %q", *activityType))
	}

	r.mu.Lock()
	_, err := r.sb.Update("sessions").
		Set("activity_type", activityType).
		Set("updated_at", time.Now().UTC().UnixNano()).
		Where(sq.Eq{"id": id}).
		RunWith(r.db).ExecContext(ctx)
	r.mu.Unlock()
	if err != nil {
		return schema.Session{}, ftlerr.New("registry.UpdateLabels", ftlerr.Transient, err)
	}
	return r.Get(ctx, id)
}

// ActiveSession implements windowing.SessionLookup: the single recording
// session, if any (the unique index guarantees there is at most one).
func (r *Registry) ActiveSession(ctx context.Context) (string, time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.sb.Select("id", "created_at").From("sessions").
		Where(sq.Eq{"status": string(schema.SessionRecording)}).
		RunWith(r.db).QueryRowContext(ctx)

	var id string
	var createdAtNanos int64
	if err := row.Scan(&id, &createdAtNanos); err != nil {
		if err == sql.ErrNoRows {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, ftlerr.New("registry.ActiveSession", ftlerr.Transient, err)
	}
	return id, time.Unix(0, createdAtNanos).UTC(), true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (schema.Session, error) {
	var s schema.Session
	var createdAtNanos int64
	var stoppedAtNanos sql.NullInt64
	var updatedAtNanos int64
	var status string
	var activityType sql.NullString

	if err := row.Scan(&s.ID, &s.Name, &activityType, &createdAtNanos, &stoppedAtNanos, &status, &updatedAtNanos); err != nil {
		return schema.Session{}, err
	}
	s.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	s.UpdatedAt = time.Unix(0, updatedAtNanos).UTC()
	s.Status = schema.SessionStatus(status)
	if activityType.Valid {
		at := activityType.String
		s.ActivityType = &at
	}
	if stoppedAtNanos.Valid {
		t := time.Unix(0, stoppedAtNanos.Int64).UTC()
		s.StoppedAt = &t
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
