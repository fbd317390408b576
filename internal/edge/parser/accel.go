package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/firecrew/telemetry/internal/schema"
)

// FrameLen is the fixed length of a valid accelerometer frame.
const FrameLen = 20

var (
	headerByte0 byte = 0x55
	headerByte1 byte = 0x61

	errBadLen    = errors.New("frame is not 20 bytes")
	errBadHeader = errors.New("frame header mismatch")
)

// HasHeader reports whether buf starts with the accelerometer frame
// header. Used by the Sensor Session's resync loop: on mismatch it drops
// one byte and tries again rather than discarding the whole buffer.
func HasHeader(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == headerByte0 && buf[1] == headerByte1
}

// ParseAccel parses one fixed 20-byte accelerometer frame.
//
// Layout: bytes[0:2] header (0x55, 0x61); nine signed little-endian int16
// values follow in the order acc(x,y,z), gyro(x,y,z), angle(roll,pitch,yaw).
// Scaling: acc = raw/32768*16 (rounded to 3 decimals); gyro and angle =
// raw/32768*2000 or *180 respectively (rounded to 2 decimals). Rounding
// happens exactly once, here, so archival and retransmission never
// re-round.
func ParseAccel(buf []byte, ts time.Time) (*schema.AccelReading, error) {
	if len(buf) != FrameLen {
		return nil, malformed("parser.ParseAccel", fmt.Errorf("%w: got %d", errBadLen, len(buf)))
	}
	if !HasHeader(buf) {
		return nil, malformed("parser.ParseAccel", errBadHeader)
	}

	raw := make([]int16, 9)
	for i := 0; i < 9; i++ {
		off := 2 + i*2
		raw[i] = int16(binary.LittleEndian.Uint16(buf[off : off+2]))
	}

	scale := func(v int16, span float64, decimals int) float64 {
		f := float64(v) / 32768.0 * span
		return round(f, decimals)
	}

	return &schema.AccelReading{
		Timestamp: ts,
		Device:    schema.DeviceAccel,
		Acc: schema.Vec3{
			X: scale(raw[0], 16, 3),
			Y: scale(raw[1], 16, 3),
			Z: scale(raw[2], 16, 3),
		},
		Gyro: schema.Vec3{
			X: scale(raw[3], 2000, 2),
			Y: scale(raw[4], 2000, 2),
			Z: scale(raw[5], 2000, 2),
		},
		Angle: schema.Vec3{
			X: scale(raw[6], 180, 2),
			Y: scale(raw[7], 180, 2),
			Z: scale(raw[8], 180, 2),
		},
	}, nil
}

func round(f float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(f*p) / p
}

// EncodeAccel is the reference encoder used by parser round-trip tests.
// It is lossy exactly where ParseAccel is lossy: unscaling and
// re-quantizing to int16 does not guarantee recovering the original raw
// value bit-for-bit, only the rounded physical value.
func EncodeAccel(r *schema.AccelReading) []byte {
	buf := make([]byte, FrameLen)
	buf[0], buf[1] = headerByte0, headerByte1

	unscale := func(v float64, span float64) int16 {
		raw := v / span * 32768.0
		if raw > math.MaxInt16 {
			raw = math.MaxInt16
		}
		if raw < math.MinInt16 {
			raw = math.MinInt16
		}
		return int16(math.Round(raw))
	}

	vals := []int16{
		unscale(r.Acc.X, 16), unscale(r.Acc.Y, 16), unscale(r.Acc.Z, 16),
		unscale(r.Gyro.X, 2000), unscale(r.Gyro.Y, 2000), unscale(r.Gyro.Z, 2000),
		unscale(r.Angle.X, 180), unscale(r.Angle.Y, 180), unscale(r.Angle.Z, 180),
	}
	for i, v := range vals {
		off := 2 + i*2
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(v))
	}
	return buf
}
