package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
)

func TestParseFoot_Zeros(t *testing.T) {
	ts := time.Now()
	r, err := ParseFoot("R_[[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n", ts)
	require.NoError(t, err)
	assert.Equal(t, schema.DeviceRightFoot, r.Device)
	assert.Equal(t, 0.0, r.Max)
	assert.Equal(t, 0.0, r.Avg)
	assert.Equal(t, 0, r.ActiveCount)
	for _, v := range r.Values {
		assert.Equal(t, 0.0, v)
	}
}

func TestParseFoot_ExcludedIndexInvariant(t *testing.T) {
	// Grid 0..23, so Values should equal the complement of the excluded
	// set in ascending order.
	grid := "L_[[0,1,2,3],[4,5,6,7],[8,9,10,11],[12,13,14,15],[16,17,18,19],[20,21,22,23]]\n"
	r, err := ParseFoot(grid, time.Now())
	require.NoError(t, err)

	want := []float64{0, 1, 2, 3, 4, 5, 6, 7, 9, 10, 11, 13, 14, 15, 17, 18, 21, 22}
	require.Len(t, want, schema.FootSlots)
	for i, w := range want {
		assert.Equal(t, w, r.Values[i])
	}
}

func TestParseFoot_BadPrefix(t *testing.T) {
	_, err := ParseFoot("X_[[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n", time.Now())
	require.Error(t, err)
	assert.True(t, ftlerr.Is(err, ftlerr.MalformedFrame))
}

func TestParseFoot_WrongCount(t *testing.T) {
	_, err := ParseFoot("L_[[0,0,0],[0,0,0]]\n", time.Now())
	require.Error(t, err)
	assert.True(t, ftlerr.Is(err, ftlerr.MalformedFrame))
}

func TestParseFoot_NonDecimal(t *testing.T) {
	_, err := ParseFoot("L_[[a,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n", time.Now())
	require.Error(t, err)
}

func TestParseFoot_RoundTrip(t *testing.T) {
	ts := time.Now()
	orig := &schema.FootReading{Device: schema.DeviceLeftFoot, Timestamp: ts}
	for i := range orig.Values {
		orig.Values[i] = float64(i) * 1.5
	}
	orig.Derive()

	encoded := EncodeFoot(orig)
	decoded, err := ParseFoot(encoded, ts)
	require.NoError(t, err)
	assert.Equal(t, orig.Values, decoded.Values)
	assert.Equal(t, orig.Max, decoded.Max)
	assert.InDelta(t, orig.Avg, decoded.Avg, 1e-9)
	assert.Equal(t, orig.ActiveCount, decoded.ActiveCount)
}

func TestParseFoot_Throttle(t *testing.T) {
	// With throttle N, M valid frames emit exactly ceil(M/N), always
	// including the first. This is exercised against the session package
	// directly; here we just confirm every frame parses so the throttle
	// test has valid input to throttle.
	line := "L_[[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]\n"
	for i := 0; i < 10; i++ {
		_, err := ParseFoot(line, time.Now())
		require.NoError(t, err)
	}
}
