package windowing

import (
	"encoding/json"
	"os"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
)

// Checkpointing exists because open-bucket accumulators live only in
// memory, so a server restart mid-window would silently drop in-flight
// readings. This is a periodic Avro-encoded flush (goavro), scaled down
// to this engine's single flat bucket set.

const checkpointSchema = `{
  "type": "record",
  "name": "OpenBucket",
  "fields": [
    {"name": "sessionId", "type": "string"},
    {"name": "bucketStartUnixNano", "type": "long"},
    {"name": "footJSON", "type": "string"},
    {"name": "accelJSON", "type": "string"}
  ]
}`

var checkpointCodec *goavro.Codec

func init() {
	c, err := goavro.NewCodec(checkpointSchema)
	if err != nil {
		panic("windowing: invalid checkpoint avro schema: " + err.Error())
	}
	checkpointCodec = c
}

// Checkpoint writes every currently open bucket, across all sessions, to
// path as an Avro object container file, one record per bucket. It
// overwrites the previous checkpoint wholesale — this is a periodic
// snapshot, not a log.
func (e *Engine) Checkpoint(path string) error {
	e.mu.Lock()
	type rec struct {
		sessionID string
		b         *bucket
	}
	var recs []rec
	for sessionID, st := range e.sessions {
		for _, b := range st.buckets {
			recs = append(recs, rec{sessionID, b})
		}
	}
	e.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ftlerr.New("windowing.Checkpoint", ftlerr.Transient, err)
	}
	defer f.Close()

	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: f, Codec: checkpointCodec})
	if err != nil {
		return ftlerr.New("windowing.Checkpoint", ftlerr.Fatal, err)
	}

	for _, r := range recs {
		footJSON, err := json.Marshal(r.b.foot)
		if err != nil {
			return ftlerr.New("windowing.Checkpoint", ftlerr.Fatal, err)
		}
		accelJSON, err := json.Marshal(r.b.accel)
		if err != nil {
			return ftlerr.New("windowing.Checkpoint", ftlerr.Fatal, err)
		}
		native := map[string]interface{}{
			"sessionId":           r.sessionID,
			"bucketStartUnixNano": r.b.startTime.UnixNano(),
			"footJSON":            string(footJSON),
			"accelJSON":           string(accelJSON),
		}
		if err := w.Append([]interface{}{native}); err != nil {
			return ftlerr.New("windowing.Checkpoint", ftlerr.Fatal, err)
		}
	}
	return os.Rename(tmp, path)
}

// RestoreCheckpoint reloads open buckets from a prior Checkpoint call,
// recovering in-flight readings after a restart. A missing file is not
// an error (first boot, or no checkpoint was ever written).
func (e *Engine) RestoreCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ftlerr.New("windowing.RestoreCheckpoint", ftlerr.Transient, err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(f)
	if err != nil {
		return ftlerr.New("windowing.RestoreCheckpoint", ftlerr.Fatal, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for reader.Scan() {
		native, err := reader.Read()
		if err != nil {
			return ftlerr.New("windowing.RestoreCheckpoint", ftlerr.Fatal, err)
		}
		rec := native.(map[string]interface{})
		sessionID := rec["sessionId"].(string)
		startNano := rec["bucketStartUnixNano"].(int64)

		var foot []*schema.FootReading
		_ = json.Unmarshal([]byte(rec["footJSON"].(string)), &foot)
		var accel []*schema.AccelReading
		_ = json.Unmarshal([]byte(rec["accelJSON"].(string)), &accel)

		st := e.sessions[sessionID]
		if st == nil {
			st = &sessionState{buckets: make(map[int64]*bucket)}
			e.sessions[sessionID] = st
		}
		b := newBucket(time.Unix(0, startNano))
		b.foot = foot
		b.accel = accel
		for _, r := range foot {
			b.seen[dedupKey(schema.Reading{Foot: r})] = true
		}
		for _, r := range accel {
			b.seen[dedupKey(schema.Reading{Accel: r})] = true
		}
		st.buckets[startNano] = b
		if startNano > st.highestStart {
			st.highestStart = startNano
		}
	}
	return nil
}
