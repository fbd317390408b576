package windowing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/firecrew/telemetry/internal/schema"
)

func TestVectorize_SortsByTimestampBeforeTruncation(t *testing.T) {
	base := time.Now()
	mkFoot := func(offset time.Duration, val float64, dev schema.DeviceKind) *schema.FootReading {
		r := &schema.FootReading{Timestamp: base.Add(offset), Device: dev}
		r.Values[0] = val
		return r
	}

	// Out of arrival order; Vectorize must sort before truncating to the
	// first MaxFootReadingsPerWindow.
	left := []*schema.FootReading{
		mkFoot(3*time.Millisecond, 3, schema.DeviceLeftFoot),
		mkFoot(1*time.Millisecond, 1, schema.DeviceLeftFoot),
		mkFoot(2*time.Millisecond, 2, schema.DeviceLeftFoot),
	}

	vec := Vectorize(left, nil)
	assert.Equal(t, 1.0, vec[0])
	assert.Equal(t, 2.0, vec[schema.FootSlots])
	assert.Equal(t, 3.0, vec[2*schema.FootSlots])
}

func TestVectorize_TruncatesToMaxReadingsPerWindow(t *testing.T) {
	base := time.Now()
	var left []*schema.FootReading
	for i := 0; i < schema.MaxFootReadingsPerWindow+3; i++ {
		r := &schema.FootReading{Timestamp: base.Add(time.Duration(i) * time.Millisecond), Device: schema.DeviceLeftFoot}
		r.Values[0] = float64(i)
		left = append(left, r)
	}

	vec := Vectorize(left, nil)
	// Only the first MaxFootReadingsPerWindow readings (0..4) should land.
	for i := 0; i < schema.MaxFootReadingsPerWindow; i++ {
		assert.Equal(t, float64(i), vec[i*schema.FootSlots])
	}
}

func TestVectorize_MissingSlotsStayZero(t *testing.T) {
	vec := Vectorize(nil, nil)
	for _, v := range vec {
		assert.Equal(t, 0.0, v)
	}
}

func TestVectorize_LeftRightFeetOccupySeparateRanges(t *testing.T) {
	base := time.Now()
	left := &schema.FootReading{Timestamp: base, Device: schema.DeviceLeftFoot}
	left.Values[0] = 11
	right := &schema.FootReading{Timestamp: base, Device: schema.DeviceRightFoot}
	right.Values[0] = 22

	vec := Vectorize([]*schema.FootReading{left, right}, nil)
	assert.Equal(t, 11.0, vec[0])
	assert.Equal(t, 22.0, vec[90])
}

func TestVectorize_AccelAxesLandInAccGyroAngleBlocks(t *testing.T) {
	base := time.Now()
	r := &schema.AccelReading{
		Timestamp: base,
		Device:    schema.DeviceAccel,
		Acc:       schema.Vec3{X: 1, Y: 2, Z: 3},
		Gyro:      schema.Vec3{X: 4, Y: 5, Z: 6},
		Angle:     schema.Vec3{X: 7, Y: 8, Z: 9},
	}
	vec := Vectorize(nil, []*schema.AccelReading{r})

	assert.Equal(t, []float64{1, 2, 3}, vec[180:183])
	assert.Equal(t, []float64{4, 5, 6}, vec[210:213])
	assert.Equal(t, []float64{7, 8, 9}, vec[240:243])
}
