package passband_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/corrpipe/passband"
)

func TestResample(t *testing.T) {
	tests := []struct {
		values   []float64
		n        int
		expected []float64
	}{
		{
			values:   []float64{1, 2, 3},
			n:        3,
			expected: []float64{1, 2, 3},
		},
		{
			values:   []float64{2},
			n:        4,
			expected: []float64{2, 2, 2, 2},
		},
		{
			// centres of 2 cells are 0.25 and 0.75, edges are clamped.
			values:   []float64{1, 3},
			n:        4,
			expected: []float64{1, 1.5, 2.5, 3},
		},
		{
			values:   []float64{0, 1, 2, 3},
			n:        2,
			expected: []float64{0.5, 2.5},
		},
	}
	for _, c := range tests {
		result, err := passband.Resample(c.values, c.n)
		require.NoError(t, err)
		require.Len(t, result, c.n)
		for i := range result {
			assert.InDelta(t, c.expected[i], result[i], 1e-12)
		}
	}
}

func TestTable(t *testing.T) {
	flat := passband.Flat(3)
	assert.Equal(t, 3, flat.Channels())
	assert.Equal(t, 1.0, flat.Factor(2, 1))

	table, err := passband.FromGains([]float64{0.5, 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, table.Factor(0, 0))
	assert.Equal(t, 0.5, table.Factor(3, 1))

	_, err = passband.FromGains([]float64{1, 0}, 2)
	assert.ErrorIs(t, err, passband.ErrGain)
}
