// Package vectorstore is the Vector Store Facade: a minimal,
// language-neutral contract over a vector index — upsert,
// scroll, k-NN search, delete-by-filter — that insulates the rest of the
// server from whatever index backs it.
//
// No repository in the retrieved example pack imports an actual
// vector-database SDK (see DESIGN.md), so the in-process implementation
// here stores points in memory and does k-NN with the cosine routine
// grounded on ehrlich-b-wingthing/internal/embedding/cosine.go. The
// Facade interface is what the rest of the server depends on, so a real
// vector-DB-backed implementation can replace Memory without touching
// any caller.
package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
)

// Point is one upserted window: its vector plus the payload fields
// filters/scroll/search operate over.
type Point struct {
	ID         schema.PointID
	Vector     [schema.VectorDims]float64
	SessionID  string
	StartTime  int64 // unix nanos; not visible to filter expressions
	Label      *string
	FootCount  int
	AccelCount int

	// RawFoot/RawAccel carry the window's underlying readings, for callers
	// (session export) that want per-reading detail alongside the derived
	// vector. Never consulted by Filter/Search/cosine — payload only.
	RawFoot  []*schema.FootReading
	RawAccel []*schema.AccelReading
}

// Filter is an expr-lang boolean expression evaluated against a Point's
// payload fields. Empty means "match all".
type Filter string

// Match compiles and evaluates f against p's payload. The expression sees
// SessionID, Label (empty when nil), FootCount and AccelCount.
func (f Filter) Match(p Point) (bool, error) {
	if f == "" {
		return true, nil
	}
	prog, err := expr.Compile(string(f), expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return false, ftlerr.New("vectorstore.Filter.Match", ftlerr.SchemaMismatch, err)
	}
	env := filterEnv{
		SessionID:  p.SessionID,
		Label:      derefLabel(p.Label),
		FootCount:  p.FootCount,
		AccelCount: p.AccelCount,
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, ftlerr.New("vectorstore.Filter.Match", ftlerr.SchemaMismatch, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// compile returns f's compiled program (nil for an empty filter); callers
// that evaluate the same filter across many points (scroll, search)
// compile it once with this instead of calling Filter.Match per point.
func (f Filter) compile() (*vm.Program, error) {
	if f == "" {
		return nil, nil
	}
	return expr.Compile(string(f), expr.Env(filterEnv{}), expr.AsBool())
}

type filterEnv struct {
	SessionID  string
	Label      string
	FootCount  int
	AccelCount int
}

func derefLabel(l *string) string {
	if l == nil {
		return ""
	}
	return *l
}

// Facade is the contract every caller (REST handlers, the Session
// Registry, cmd/ff-server's window emitter) depends on.
type Facade interface {
	Upsert(ctx context.Context, p Point) error
	Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]Point, string, error)
	Search(ctx context.Context, referencePointID schema.PointID, limit int, filter Filter) ([]Point, error)
	DeleteBy(ctx context.Context, filter Filter) (int, error)
}

// Memory is an in-process Facade: a map keyed by point id plus a
// cosine-similarity scan for Search, sufficient for the single-writer,
// single-active-session semantics this module guarantees.
type Memory struct {
	mu     sync.RWMutex
	points map[schema.PointID]Point
	order  []schema.PointID // insertion order, for a stable scroll cursor
}

func NewMemory() *Memory {
	return &Memory{points: make(map[schema.PointID]Point)}
}

// Upsert is idempotent on p.ID: re-upserting the same id replaces
// the prior point in place rather than duplicating it.
func (m *Memory) Upsert(ctx context.Context, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.points[p.ID]; !exists {
		m.order = append(m.order, p.ID)
	}
	m.points[p.ID] = p
	return nil
}

// Scroll streams points matching filter, limit at a time, using the
// insertion-order index as an opaque cursor (empty cursor starts at 0).
func (m *Memory) Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]Point, string, error) {
	prog, err := filter.compile()
	if err != nil {
		return nil, "", ftlerr.New("vectorstore.Scroll", ftlerr.SchemaMismatch, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := decodeCursor(cursor)
	var out []Point
	i := start
	for ; i < len(m.order) && len(out) < limit; i++ {
		p := m.points[m.order[i]]
		ok, err := matchCompiled(prog, p)
		if err != nil {
			return nil, "", err
		}
		if ok {
			out = append(out, p)
		}
	}
	next := ""
	if i < len(m.order) {
		next = encodeCursor(i)
	}
	return out, next, nil
}

// Search returns the limit nearest points to referencePointID by cosine
// similarity, optionally restricted by filter. NotFound is returned if
// the reference point does not exist.
func (m *Memory) Search(ctx context.Context, referencePointID schema.PointID, limit int, filter Filter) ([]Point, error) {
	prog, err := filter.compile()
	if err != nil {
		return nil, ftlerr.New("vectorstore.Search", ftlerr.SchemaMismatch, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.points[referencePointID]
	if !ok {
		return nil, ftlerr.New("vectorstore.Search", ftlerr.NotFound, nil)
	}

	type scored struct {
		p   Point
		sim float64
	}
	var candidates []scored
	for _, id := range m.order {
		if id == referencePointID {
			continue
		}
		p := m.points[id]
		match, err := matchCompiled(prog, p)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		candidates = append(candidates, scored{p: p, sim: cosine(ref.Vector, p.Vector)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]Point, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].p
	}
	return out, nil
}

// DeleteBy removes every point matching filter, used when a session is
// deleted and its window points should cascade away with it.
func (m *Memory) DeleteBy(ctx context.Context, filter Filter) (int, error) {
	prog, err := filter.compile()
	if err != nil {
		return 0, ftlerr.New("vectorstore.DeleteBy", ftlerr.SchemaMismatch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	kept := m.order[:0:0]
	for _, id := range m.order {
		p := m.points[id]
		match, err := matchCompiled(prog, p)
		if err != nil {
			return n, err
		}
		if match {
			delete(m.points, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func matchCompiled(prog *vm.Program, p Point) (bool, error) {
	if prog == nil {
		return true, nil
	}
	env := filterEnv{SessionID: p.SessionID, Label: derefLabel(p.Label), FootCount: p.FootCount, AccelCount: p.AccelCount}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, ftlerr.New("vectorstore.matchCompiled", ftlerr.SchemaMismatch, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// cosine mirrors ehrlich-b-wingthing/internal/embedding/cosine.go's
// Cosine, over float64 instead of float32 to match schema.Window's
// vector precision.
func cosine(a, b [schema.VectorDims]float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
