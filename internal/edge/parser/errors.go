// Package parser holds the pure, stateless frame parsers: one per sensor
// kind. None of these functions perform I/O; they map raw bytes to a
// schema.Reading or fail with ftlerr.MalformedFrame.
package parser

import "github.com/firecrew/telemetry/internal/ftlerr"

func malformed(op string, err error) error {
	return ftlerr.New(op, ftlerr.MalformedFrame, err)
}
