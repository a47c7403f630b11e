package quality_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
)

func filledBuffer(channels, width int, value complex64) *vis.Buffer {
	b := vis.NewBuffer(channels, width, width)
	for p := 0; p < vis.Polarizations; p++ {
		for ch := 0; ch < channels; ch++ {
			for t := 0; t < width; t++ {
				b.Set(p, ch, t, value)
			}
		}
	}
	return b
}

func TestCollect(t *testing.T) {
	s := quality.New(2)
	flags := vis.NewFlagMask(2, 3, false)
	flags.FlagChannel(1)
	baseline := vis.Baseline{Antenna1: 0, Antenna2: 1}
	s.Collect(baseline, filledBuffer(2, 3, complex(3, 4)), flags)

	a := s.Baseline(baseline)
	require.NotNil(t, a)
	assert.Equal(t, uint64(3), a.Channels[0].Count[2])
	assert.Equal(t, uint64(0), a.Channels[0].Flagged[2])
	assert.Equal(t, uint64(3), a.Channels[1].Flagged[0])
	assert.Equal(t, complex128(complex(9, 12)), a.Channels[0].Sum[1])
	assert.Equal(t, 75.0, a.Channels[0].SumSquares[3])

	r := s.Report()
	assert.Equal(t, 0.5, r.Total.FlaggedRatio)
	assert.Equal(t, []float64{0, 1}, r.FlaggedSpectrum)
	require.Len(t, r.Baselines, 1)
	assert.Equal(t, 5.0, r.Baselines[0].RMS[0])
	assert.Equal(t, 3.0, r.Baselines[0].MeanReal[0])
}

func TestMergeOrder(t *testing.T) {
	baselines := vis.Baselines(3)
	collect := func(order []int) *quality.Statistics {
		total := quality.New(1)
		for _, i := range order {
			partial := quality.New(1)
			b := baselines[i]
			value := complex(float32(i)+0.1, -float32(i)/3)
			partial.Collect(b, filledBuffer(1, 5, value), vis.NewFlagMask(1, 5, false))
			total.Merge(partial)
		}
		return total
	}
	forward := collect([]int{0, 1, 2, 3, 4, 5})
	backward := collect([]int{5, 4, 3, 2, 1, 0})
	assert.Equal(t, forward.Total(), backward.Total())
	assert.Equal(t, forward.Report(), backward.Report())
	assert.Equal(t, 6, forward.Baselines())
}

func TestWriteReport(t *testing.T) {
	s := quality.New(1)
	s.Collect(vis.Baseline{}, filledBuffer(1, 2, complex(1, 0)), vis.NewFlagMask(1, 2, false))
	var buf bytes.Buffer
	require.NoError(t, s.WriteReport(&buf))

	var r quality.Report
	require.NoError(t, sonnet.Unmarshal(buf.Bytes(), &r))
	assert.Equal(t, s.Report(), r)
}
