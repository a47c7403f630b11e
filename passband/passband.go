// Package passband provides correction factors of the subband passband.
package passband

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/dudk/corrpipe/vis"
)

// ErrGain is returned for passband gains that can't be inverted.
var ErrGain = errors.New("passband: invalid gain")

// Table contains correction factors of every channel of a subband for
// all polarizations. Factors are inverse of the passband gain.
type Table struct {
	factors [vis.Polarizations][]float64
}

// Flat returns table without correction.
func Flat(channels int) *Table {
	var t Table
	for p := range t.factors {
		t.factors[p] = make([]float64, channels)
		for ch := range t.factors[p] {
			t.factors[p][ch] = 1
		}
	}
	return &t
}

// FromGains returns table that corrects measured gains of a subband. Gains
// are resampled to the number of channels with linear interpolation over
// channel centres.
func FromGains(gains []float64, channels int) (*Table, error) {
	if len(gains) == 0 {
		return Flat(channels), nil
	}
	for i, g := range gains {
		if g <= 0 {
			return nil, fmt.Errorf("%w: channel %d has gain %v", ErrGain, i, g)
		}
	}
	resampled, err := Resample(gains, channels)
	if err != nil {
		return nil, err
	}
	var t Table
	for p := range t.factors {
		t.factors[p] = make([]float64, channels)
		for ch, g := range resampled {
			t.factors[p][ch] = 1 / g
		}
	}
	return &t, nil
}

// Resample interpolates values to n points. Both grids cover the same
// band, values are placed at centres of their cells.
func Resample(values []float64, n int) ([]float64, error) {
	result := make([]float64, n)
	switch len(values) {
	case n:
		copy(result, values)
		return result, nil
	case 1:
		for i := range result {
			result[i] = values[0]
		}
		return result, nil
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = (float64(i) + 0.5) / float64(len(values))
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, values); err != nil {
		return nil, err
	}
	for i := range result {
		x := (float64(i) + 0.5) / float64(n)
		x = min(max(x, xs[0]), xs[len(xs)-1])
		result[i] = pl.Predict(x)
	}
	return result, nil
}

// Factor returns correction factor of the channel in the subband.
func (t *Table) Factor(p, ch int) float64 {
	return t.factors[p][ch]
}

// Channels returns number of channels in a subband.
func (t *Table) Channels() int {
	return len(t.factors[0])
}
