package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/internal/vectorstore"
)

type fakeWindowCloser struct {
	stopped []string
}

func (f *fakeWindowCloser) StopSession(ctx context.Context, sessionID string) {
	f.stopped = append(f.stopped, sessionID)
}

func openTestRegistry(t *testing.T) (*Registry, *fakeWindowCloser, vectorstore.Facade) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	windows := &fakeWindowCloser{}
	vectors := vectorstore.NewMemory()
	reg, err := Open(dbPath, windows, vectors, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, windows, vectors
}

func TestRegistry_CreateAndGet(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "morning drill", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionRecording, s.Status)

	fetched, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, fetched.ID)
	assert.Equal(t, "morning drill", fetched.Name)
}

func TestRegistry_CreateRejectsUnknownActivityType(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	bogus := "NOT_A_REAL_ACTIVITY"
	_, err := reg.Create(context.Background(), "x", &bogus)
	require.Error(t, err)
	assert.True(t, ftlerr.Is(err, ftlerr.SchemaMismatch))
}

func TestRegistry_SecondConcurrentRecordingIsConflict(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)

	_, err = reg.Create(ctx, "second", nil)
	require.Error(t, err)
	assert.True(t, ftlerr.Is(err, ftlerr.Conflict))
}

func TestRegistry_GetUnknownIDIsNotFound(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	_, err := reg.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, ftlerr.Is(err, ftlerr.NotFound))
}

func TestRegistry_StopOnAlreadyStoppedSessionIsANoOp(t *testing.T) {
	reg, windows, _ := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)

	stopped, err := reg.Stop(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStopped, stopped.Status)
	assert.Equal(t, []string{s.ID}, windows.stopped)

	again, err := reg.Stop(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStopped, again.Status)
	assert.Equal(t, stopped.StoppedAt, again.StoppedAt)
	assert.Equal(t, []string{s.ID}, windows.stopped, "second Stop must not re-flush windows")
}

func TestRegistry_StopAllowsNewRecordingAfterward(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)
	_, err = reg.Stop(ctx, s.ID)
	require.NoError(t, err)

	_, err = reg.Create(ctx, "second", nil)
	assert.NoError(t, err)
}

func TestRegistry_DeleteCascadesToVectorStore(t *testing.T) {
	reg, _, vectors := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)

	require.NoError(t, vectors.Upsert(ctx, vectorstore.Point{ID: "p1", SessionID: s.ID}))
	require.NoError(t, vectors.Upsert(ctx, vectorstore.Point{ID: "p2", SessionID: "other-session"}))

	require.NoError(t, reg.Delete(ctx, s.ID))

	_, err = reg.Get(ctx, s.ID)
	assert.True(t, ftlerr.Is(err, ftlerr.NotFound))

	remaining, _, err := vectors.Scroll(ctx, "", 10, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, vectorstore.Point{ID: "p2", SessionID: "other-session"}, remaining[0])
}

func TestRegistry_DeleteUnknownIDIsNotFound(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	err := reg.Delete(context.Background(), "does-not-exist")
	assert.True(t, ftlerr.Is(err, ftlerr.NotFound))
}

func TestRegistry_UpdateLabelsRetagsActivityType(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)

	drill := "DRILL"
	updated, err := reg.UpdateLabels(ctx, s.ID, &drill)
	require.NoError(t, err)
	require.NotNil(t, updated.ActivityType)
	assert.Equal(t, "DRILL", *updated.ActivityType)
}

func TestRegistry_ActiveSessionReportsNoneWhenIdle(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	_, _, recording, err := reg.ActiveSession(context.Background())
	require.NoError(t, err)
	assert.False(t, recording)
}

func TestRegistry_ActiveSessionReportsRecordingSession(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)

	id, createdAt, recording, err := reg.ActiveSession(ctx)
	require.NoError(t, err)
	assert.True(t, recording)
	assert.Equal(t, s.ID, id)
	assert.WithinDuration(t, s.CreatedAt, createdAt, 0)
}

func TestRegistry_ListOrdersMostRecentFirst(t *testing.T) {
	reg, _, _ := openTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Create(ctx, "first", nil)
	require.NoError(t, err)
	_, err = reg.Stop(ctx, first.ID)
	require.NoError(t, err)

	second, err := reg.Create(ctx, "second", nil)
	require.NoError(t, err)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}
