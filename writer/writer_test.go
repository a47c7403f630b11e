package writer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/corrpipe/calibration"
	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/mock"
	"github.com/dudk/corrpipe/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func band(channels int) writer.BandInfo {
	b := writer.BandInfo{Name: "test"}
	for ch := 0; ch < channels; ch++ {
		b.Channels = append(b.Channels, writer.ChannelInfo{
			Frequency: 100e6 + float64(ch)*10e3,
			Width:     10e3,
		})
	}
	return b
}

func antennas(n int) []writer.AntennaInfo {
	result := make([]writer.AntennaInfo, n)
	for i := range result {
		result[i].Name = string(rune('A' + i))
	}
	return result
}

// row returns a row with all samples set to value.
func row(channels int, time float64, a1, a2 int, value complex64, flagged bool, weight float32) writer.Row {
	r := writer.NewRow(channels)
	r.Time, r.Antenna1, r.Antenna2, r.Interval = time, a1, a2, 2
	for i := range r.Data {
		r.Data[i] = value
		r.Flags[i] = flagged
		r.Weights[i] = weight
	}
	return r
}

func setup(t *testing.T, w writer.Writer, channels, nAntennas int) {
	t.Helper()
	require.NoError(t, w.WriteBandInfo(band(channels)))
	require.NoError(t, w.WriteAntennas(antennas(nAntennas), 0))
}

func TestAveraging(t *testing.T) {
	sink := &mock.Sink{}
	a := writer.NewAveraging(sink, 2, 1, mock.Geometry{W: 1}, nil)
	setup(t, a, 1, 2)

	first := row(1, 100, 0, 1, 4, false, 2)
	first.Data[1], first.Flags[1] = 6, true
	second := row(1, 102, 0, 1, 10, true, 1)
	second.Data[1] = 8

	require.NoError(t, a.WriteRow(first))
	assert.False(t, a.IsTimeAligned(0, 1))
	assert.True(t, a.IsTimeAligned(0, 0))
	assert.Empty(t, sink.Rows())
	require.NoError(t, a.WriteRow(second))
	assert.True(t, a.IsTimeAligned(0, 1))

	rows := sink.Rows()
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, 101.0, r.Time)
	assert.Equal(t, 4.0, r.Interval)
	assert.Equal(t, [3]float64{-1, 1, -1}, [3]float64{r.U, r.V, r.W})
	// unflagged samples averaged with weights.
	assert.Equal(t, complex64(4), r.Data[0])
	assert.False(t, r.Flags[0])
	assert.Equal(t, float32(2), r.Weights[0])
	// all flagged: unweighted average of all samples.
	assert.Equal(t, complex64(7), r.Data[1])
	assert.True(t, r.Flags[1])
	assert.Equal(t, float32(0), r.Weights[1])

	require.NoError(t, a.Close())
	assert.True(t, sink.Closed())
}

func TestAveragingFrequency(t *testing.T) {
	tests := []struct {
		channels   int
		factor     int
		expected   int
		frequency  float64
		width      float64
		firstValue complex64
	}{
		{
			channels:   4,
			factor:     2,
			expected:   2,
			frequency:  100e6 + 5e3,
			width:      20e3,
			firstValue: 0.5,
		},
		{
			channels:   5,
			factor:     2,
			expected:   2,
			frequency:  100e6 + 5e3,
			width:      20e3,
			firstValue: 0.5,
		},
		{
			channels:   3,
			factor:     3,
			expected:   1,
			frequency:  100e6 + 10e3,
			width:      30e3,
			firstValue: 1,
		},
	}
	for _, test := range tests {
		sink := &mock.Sink{}
		a := writer.NewAveraging(sink, 1, test.factor, mock.Geometry{}, log.Discard())
		setup(t, a, test.channels, 1)
		b := sink.Band()
		require.Len(t, b.Channels, test.expected)
		assert.InDelta(t, test.frequency, b.Channels[0].Frequency, 1e-6)
		assert.InDelta(t, test.width, b.Channels[0].Width, 1e-6)

		r := row(test.channels, 0, 0, 0, 0, false, 1)
		// channel value equals its index.
		for ch := 0; ch < test.channels; ch++ {
			for p := 0; p < 4; p++ {
				r.Data[ch*4+p] = complex(float32(ch), 0)
			}
		}
		require.NoError(t, a.WriteRow(r))
		rows := sink.Rows()
		require.Len(t, rows, 1)
		assert.Equal(t, test.expected, rows[0].Channels())
		assert.Equal(t, test.firstValue, rows[0].Data[0])
		assert.Equal(t, float32(test.factor), rows[0].Weights[0])
		require.NoError(t, a.Close())
	}
}

func TestAveragingAddRows(t *testing.T) {
	sink := &mock.Sink{}
	a := writer.NewAveraging(sink, 3, 1, nil, nil)
	for i := 0; i < 7; i++ {
		require.NoError(t, a.AddRows(10+i))
	}
	assert.Equal(t, []int{10, 13, 16}, sink.Added())
}

func TestAveragingErrors(t *testing.T) {
	sink := &mock.Sink{}
	a := writer.NewAveraging(sink, 2, 1, nil, nil)
	assert.ErrorIs(t, a.WriteRow(row(2, 0, 0, 1, 0, false, 1)), writer.ErrNotReady)
	setup(t, a, 2, 2)
	assert.ErrorIs(t, a.WriteRow(row(3, 0, 0, 1, 0, false, 1)), writer.ErrRowShape)
	assert.ErrorIs(t, a.WriteRow(row(2, 0, 1, 0, 0, false, 1)), writer.ErrRowShape)
	assert.ErrorIs(t, a.WriteRow(row(2, 0, 0, 2, 0, false, 1)), writer.ErrRowShape)
}

func TestThreaded(t *testing.T) {
	sink := &mock.Sink{}
	m := &metric.Metric{}
	th := writer.NewThreaded(sink, m.Meter("writer"))
	setup(t, th, 2, 3)

	r := writer.NewRow(2)
	written := 0
	for time := 0; time < 5; time++ {
		require.NoError(t, th.AddRows(3))
		// AddRows waits for the pending row.
		assert.Len(t, sink.Rows(), written)
		for a2 := 0; a2 < 3; a2++ {
			r.Time, r.Antenna2 = float64(time), a2
			for i := range r.Data {
				r.Data[i] = complex(float32(time), float32(a2))
			}
			require.NoError(t, th.WriteRow(r))
			written++
		}
	}
	assert.True(t, th.IsTimeAligned(0, 1))
	require.NoError(t, th.WriteOffsets([]int{1, 0}))
	require.NoError(t, th.Close())
	assert.ErrorIs(t, th.Close(), writer.ErrClosed)
	assert.ErrorIs(t, th.WriteRow(r), writer.ErrClosed)

	rows := sink.Rows()
	require.Len(t, rows, written)
	for i, r := range rows {
		assert.Equal(t, float64(i/3), r.Time)
		assert.Equal(t, i%3, r.Antenna2)
		assert.Equal(t, complex(float32(i/3), float32(i%3)), r.Data[7])
	}
	assert.Equal(t, []int{1, 0}, sink.Offsets())
	assert.True(t, sink.Closed())
	measure := m.Measure()
	assert.Equal(t, int64(written), measure["writer"][metric.MessageCounter])
}

func TestThreadedError(t *testing.T) {
	sink := &mock.Sink{FailAfter: 2}
	th := writer.NewThreaded(sink, nil)
	setup(t, th, 1, 2)
	r := row(1, 0, 0, 1, 1, false, 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, th.WriteRow(r))
	}
	// third row failed in the writer goroutine.
	assert.ErrorIs(t, th.WriteRow(r), mock.ErrSink)
	assert.ErrorIs(t, th.AddRows(1), mock.ErrSink)
	assert.ErrorIs(t, th.Close(), mock.ErrSink)
	assert.True(t, sink.Closed())
	assert.Len(t, sink.Rows(), 2)
}

func TestChain(t *testing.T) {
	sink := &mock.Sink{}
	w := writer.NewThreaded(
		writer.NewAveraging(writer.NewThreaded(sink, nil), 2, 2, mock.Geometry{}, nil),
		nil,
	)
	setup(t, w, 4, 2)
	timesteps := 0
	for !w.IsTimeAligned(0, 0) || timesteps < 3 {
		require.NoError(t, w.AddRows(3))
		for a1 := 0; a1 < 2; a1++ {
			for a2 := a1; a2 < 2; a2++ {
				require.NoError(t, w.WriteRow(row(4, float64(timesteps), a1, a2, 1, false, 1)))
			}
		}
		timesteps++
	}
	require.NoError(t, w.Close())
	assert.Equal(t, 4, timesteps)
	assert.Len(t, sink.Rows(), 2*3)
	assert.Equal(t, []int{3, 3}, sink.Added())
	for _, r := range sink.Rows() {
		assert.Equal(t, 2, r.Channels())
		assert.Equal(t, complex64(1), r.Data[0])
		assert.Equal(t, float32(4), r.Weights[0])
	}
}

func TestApplySolutions(t *testing.T) {
	solutions := calibration.New(2, 2)
	*solutions.At(1, 0) = calibration.Jones{2, 0, 0, 2}
	*solutions.At(1, 1) = calibration.Jones{complex(math.NaN(), 0), 0, 0, 1}
	sink := &mock.Sink{}
	a := writer.NewApplySolutions(sink, solutions)
	setup(t, a, 4, 2)

	r := row(4, 0, 0, 1, 1+1i, false, 1)
	require.NoError(t, a.WriteRow(r))
	assert.Equal(t, complex64(1+1i), r.Data[0], "input row is not modified")

	rows := sink.Rows()
	require.Len(t, rows, 1)
	for i, v := range rows[0].Data {
		// channels 0 and 1 share the first solution channel.
		if i < 2*4 {
			assert.Equal(t, complex64(2+2i), v, "sample %d", i)
			assert.False(t, rows[0].Flags[i])
			continue
		}
		assert.Equal(t, complex64(0), v, "sample %d", i)
		assert.True(t, rows[0].Flags[i])
	}

	require.NoError(t, a.WriteRow(row(4, 0, 0, 0, 3, false, 1)))
	assert.Equal(t, complex64(3), sink.Rows()[1].Data[15])
	require.NoError(t, a.WriteOffsets([]int{2}))
	assert.Equal(t, []int{2}, sink.Offsets())
	require.NoError(t, a.Close())
	assert.True(t, sink.Closed())
}

func TestApplySolutionsErrors(t *testing.T) {
	solutions := calibration.New(2, 2)
	a := writer.NewApplySolutions(&mock.Sink{}, solutions)
	assert.ErrorIs(t, a.WriteRow(row(2, 0, 0, 1, 0, false, 1)), writer.ErrNotReady)
	assert.ErrorIs(t, a.WriteBandInfo(band(3)), writer.ErrSolutions)
	assert.ErrorIs(t, a.WriteBandInfo(band(1)), writer.ErrSolutions)
	require.NoError(t, a.WriteBandInfo(band(2)))
	assert.ErrorIs(t, a.WriteAntennas(antennas(3), 0), writer.ErrSolutions)
	assert.ErrorIs(t, a.WriteRow(row(4, 0, 0, 1, 0, false, 1)), writer.ErrRowShape)
	assert.ErrorIs(t, a.WriteRow(row(2, 0, 0, 2, 0, false, 1)), writer.ErrSolutions)
}

func TestApplySolutionsAfterAveraging(t *testing.T) {
	// solutions of averaged channels.
	solutions := calibration.New(2, 2)
	*solutions.At(0, 1) = calibration.Jones{3, 0, 0, 3}
	sink := &mock.Sink{}
	w := writer.NewAveraging(writer.NewApplySolutions(sink, solutions), 2, 2, mock.Geometry{}, nil)
	setup(t, w, 4, 2)
	require.Len(t, sink.Band().Channels, 2)

	for time := 0; time < 2; time++ {
		require.NoError(t, w.WriteRow(row(4, float64(time), 0, 1, 1, false, 1)))
	}
	assert.True(t, w.IsTimeAligned(0, 1))
	require.NoError(t, w.Close())
	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, complex64(1), rows[0].Data[0])
	assert.Equal(t, complex64(3), rows[0].Data[4])
}
