package schema

import "time"

// VectorDims is the fixed feature-vector length materialized per window:
// 180 foot dims (5 readings x 18 values x 2 feet) + 90 accel dims
// (10 readings x 9 axes). Layout is pinned; see Vectorize in the
// windowing package for the byte-exact offsets.
const VectorDims = 270

const (
	MaxFootReadingsPerWindow  = 5
	MaxAccelReadingsPerWindow = 10
	WindowDuration            = 500 * time.Millisecond
)

// Window is the derived entity a completed bucket materializes into. It is
// not stored as such outside the vector store; this struct is the
// in-memory/transport shape used to build the upsert payload.
type Window struct {
	SessionID  string
	StartTime  time.Time
	EndTime    time.Time
	Vector     [VectorDims]float64
	FootCount  int
	AccelCount int
	Label      *string

	// RawFoot/RawAccel are the readings the bucket was vectorized from,
	// carried through to the Vector Store Facade so an export can
	// optionally include per-reading detail alongside the derived vector.
	RawFoot  []*FootReading
	RawAccel []*AccelReading
}

// PointID is the stable identifier a Window upserts under: a UUIDv5 over
// (session_id, bucket_start) so repeated runs over the same input stream
// produce the same id, so reprocessing the same stream is idempotent.
type PointID string
