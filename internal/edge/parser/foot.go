package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/firecrew/telemetry/internal/schema"
)

var errBadPrefix = errors.New("frame does not start with L_ or R_")
var errBadCount = errors.New("frame does not contain exactly 24 values")

// ParseFoot parses one complete, newline-terminated foot frame, e.g.
//
//	R_[[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n
//
// ts is the arrival time to stamp the Reading with (the edge session
// assigns this at the moment the frame completes, not the parser).
//
// The prefix fixes Device; the remainder, with every '[' and ']' removed,
// must split into exactly 24 comma-separated decimals. Values is the
// subsequence at the 18 non-excluded grid indices, in index order
// (schema.FootIndices).
func ParseFoot(line string, ts time.Time) (*schema.FootReading, error) {
	line = strings.TrimRight(line, "\n")

	var device schema.DeviceKind
	var rest string
	switch {
	case strings.HasPrefix(line, "L_"):
		device = schema.DeviceLeftFoot
		rest = line[2:]
	case strings.HasPrefix(line, "R_"):
		device = schema.DeviceRightFoot
		rest = line[2:]
	default:
		return nil, malformed("parser.ParseFoot", errBadPrefix)
	}

	rest = strings.NewReplacer("[", "", "]", "").Replace(rest)
	parts := strings.Split(rest, ",")
	if len(parts) != 24 {
		return nil, malformed("parser.ParseFoot", fmt.Errorf("%w: got %d", errBadCount, len(parts)))
	}

	grid := make([]float64, 24)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, malformed("parser.ParseFoot", fmt.Errorf("field %d: %w", i, err))
		}
		grid[i] = v
	}

	r := &schema.FootReading{Timestamp: ts, Device: device}
	for i, gridIdx := range schema.FootIndices() {
		r.Values[i] = grid[gridIdx]
	}
	r.Derive()
	return r, nil
}

// EncodeFoot is the reference encoder used by parser round-trip tests:
// it reconstructs a 24-slot grid (zeros at excluded indices) and renders
// it back into the wire text format.
func EncodeFoot(r *schema.FootReading) string {
	grid := make([]float64, 24)
	for i, gridIdx := range schema.FootIndices() {
		grid[gridIdx] = r.Values[i]
	}

	prefix := "L_"
	if r.Device == schema.DeviceRightFoot {
		prefix = "R_"
	}

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('[')
	for row := 0; row < 6; row++ {
		if row > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for col := 0; col < 4; col++ {
			if col > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(grid[row*4+col], 'g', -1, 64))
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')
	b.WriteByte('\n')
	return b.String()
}
