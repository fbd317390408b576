package windowing

import (
	"sort"

	"github.com/firecrew/telemetry/internal/schema"
)

// Vectorize materializes the fixed 270-dim layout:
//
//	[0..89]    left foot:  5 readings x 18 values
//	[90..179]  right foot: 5 readings x 18 values
//	[180..209] accel acc:  10 readings x (x,y,z)
//	[210..239] accel gyro: 10 readings x (x,y,z)
//	[240..269] accel angle:10 readings x (roll,pitch,yaw)
//
// Readings are sorted by timestamp before truncation so "first N readings
// within the window" is well-defined regardless of arrival order, since
// no global order is guaranteed across bus deliveries. Missing slots are
// left at zero (Go's zero value for float64), never reordered or
// repeated.
func Vectorize(foot []*schema.FootReading, accel []*schema.AccelReading) [schema.VectorDims]float64 {
	var left, right []*schema.FootReading
	for _, r := range foot {
		if r.Device == schema.DeviceLeftFoot {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	sortFoot(left)
	sortFoot(right)
	sortAccel(accel)

	var vec [schema.VectorDims]float64
	writeFoot(vec[0:90], left)
	writeFoot(vec[90:180], right)
	writeAccel(vec[180:270], accel)
	return vec
}

func sortFoot(rs []*schema.FootReading) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp.Before(rs[j].Timestamp) })
}

func sortAccel(rs []*schema.AccelReading) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp.Before(rs[j].Timestamp) })
}

func writeFoot(dst []float64, rs []*schema.FootReading) {
	n := schema.MaxFootReadingsPerWindow
	if len(rs) < n {
		n = len(rs)
	}
	for i := 0; i < n; i++ {
		copy(dst[i*schema.FootSlots:(i+1)*schema.FootSlots], rs[i].Values[:])
	}
}

func writeAccel(dst []float64, rs []*schema.AccelReading) {
	n := schema.MaxAccelReadingsPerWindow
	if len(rs) < n {
		n = len(rs)
	}
	accOff, gyroOff, angleOff := 0, 30, 60
	for i := 0; i < n; i++ {
		r := rs[i]
		dst[accOff+i*3+0] = r.Acc.X
		dst[accOff+i*3+1] = r.Acc.Y
		dst[accOff+i*3+2] = r.Acc.Z
		dst[gyroOff+i*3+0] = r.Gyro.X
		dst[gyroOff+i*3+1] = r.Gyro.Y
		dst[gyroOff+i*3+2] = r.Gyro.Z
		dst[angleOff+i*3+0] = r.Angle.X
		dst[angleOff+i*3+1] = r.Angle.Y
		dst[angleOff+i*3+2] = r.Angle.Z
	}
}
