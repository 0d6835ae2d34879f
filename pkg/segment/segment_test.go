package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/frame"
)

func buildFrame(t *testing.T) *frame.Frame {
	t.Helper()
	y := frame.NewFloat64("y", []float64{0.5, 1.5, 2.5, 3.5, 4.5})
	y.SetNull(2)
	f, err := frame.New(
		frame.NewTimestamp("ts", []int64{100, 200, 300, 400, 500}),
		frame.NewInt64("x", []int64{1, -2, 3, -4, 5}),
		y,
		frame.NewString("sym", []string{"AAPL", "MSFT", "AAPL", "AAPL", "GOOG"}),
		frame.NewBool("flag", []bool{true, false, true, true, false}),
	)
	require.NoError(t, err)
	return f
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := &Segment{Frame: buildFrame(t), Metadata: []byte(`{"source":"unit"}`)}

	data, err := Encode(seg, DefaultEncodeOptions())
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.True(t, seg.Frame.Equal(decoded.Frame), "decoded frame differs")
	assert.Equal(t, seg.Metadata, decoded.Metadata)
	assert.Equal(t, uint32(EncodingV2), decoded.Header.EncodingVersion)
	assert.Equal(t, 5, decoded.Header.RowCount)
	assert.Equal(t, int64(100), decoded.Header.MinIndex.Num)
	assert.Equal(t, int64(500), decoded.Header.MaxIndex.Num)

	// The y column's null must come back as a null, not a zero.
	y, ok := decoded.Frame.Column("y")
	require.True(t, ok)
	assert.True(t, y.IsNull(2))
	assert.False(t, y.IsNull(3))
}

func TestSegmentRoundTripV1(t *testing.T) {
	opts := DefaultEncodeOptions()
	opts.Version = EncodingV1
	opts.Header = codec.Codec{Kind: codec.Passthrough}

	seg := &Segment{Frame: buildFrame(t)}
	data, err := Encode(seg, opts)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(EncodingV1), decoded.Header.EncodingVersion)
	assert.True(t, seg.Frame.Equal(decoded.Frame))
}

func TestSegmentBodyCorruptionDetected(t *testing.T) {
	seg := &Segment{Frame: buildFrame(t)}
	data, err := Encode(seg, DefaultEncodeOptions())
	require.NoError(t, err)

	// Flip a byte near the end of the body.
	data[len(data)-1] ^= 0x01
	_, err = Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestSegmentTrailingBytesRejected(t *testing.T) {
	seg := &Segment{Frame: buildFrame(t)}
	data, err := Encode(seg, DefaultEncodeOptions())
	require.NoError(t, err)

	_, err = Decode(append(data, 0xAA))
	require.Error(t, err)
}

func TestSegmentBadMagic(t *testing.T) {
	seg := &Segment{Frame: buildFrame(t)}
	data, err := Encode(seg, DefaultEncodeOptions())
	require.NoError(t, err)

	data[0] = 'X'
	_, err = Decode(data)
	require.Error(t, err)
}

func TestEmptySegment(t *testing.T) {
	f, err := frame.New(frame.NewTimestamp("ts", nil), frame.NewInt64("x", nil))
	require.NoError(t, err)

	data, err := Encode(&Segment{Frame: f}, DefaultEncodeOptions())
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Zero(t, decoded.Frame.RowCount())
	assert.False(t, decoded.Header.MinIndex.Set)
}

func TestComputeStats(t *testing.T) {
	c := frame.NewInt64("x", []int64{1, 2, 2, 3})
	stats := ComputeStats(c)
	require.NotNil(t, stats.MinNum)
	assert.Equal(t, float64(1), *stats.MinNum)
	assert.Equal(t, float64(3), *stats.MaxNum)
	assert.Equal(t, uint64(3), stats.UniqueCount)
	assert.True(t, stats.UniqueExact)
	assert.True(t, stats.Sorted)
	assert.False(t, stats.HasNulls)

	unsorted := frame.NewString("s", []string{"b", "a"})
	s := ComputeStats(unsorted)
	assert.False(t, s.Sorted)
	assert.Equal(t, "a", *s.MinStr)
	assert.Equal(t, "b", *s.MaxStr)
}

func TestStatsHLLEstimate(t *testing.T) {
	n := 50_000
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = int64(i)
	}
	stats := ComputeStats(frame.NewInt64("x", vals))
	assert.False(t, stats.UniqueExact)
	// HLL at p=8 has ~6.5% standard error; allow a generous band.
	assert.InEpsilon(t, float64(n), float64(stats.UniqueCount), 0.25)
}
