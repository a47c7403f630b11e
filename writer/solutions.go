package writer

import (
	"errors"
	"fmt"

	"github.com/dudk/corrpipe/calibration"
	"github.com/dudk/corrpipe/vis"
)

// ErrSolutions is returned when calibration solutions don't match the
// band or the array.
var ErrSolutions = errors.New("writer: solutions don't match")

// ApplySolutions multiplies the data of every row by the Jones matrices
// of its antennas. Band channels are split evenly between solution
// channels. Samples without valid solution are flagged.
type ApplySolutions struct {
	Forwarding
	solutions *calibration.Solutions
	// ratio is the number of band channels per solution channel.
	ratio int
	row   Row
}

// NewApplySolutions returns writer that applies solutions before passing
// rows to the next writer.
func NewApplySolutions(next Writer, solutions *calibration.Solutions) *ApplySolutions {
	return &ApplySolutions{
		Forwarding: Forwarding{Writer: next},
		solutions:  solutions,
	}
}

// WriteBandInfo checks that solution channels fit the band.
func (a *ApplySolutions) WriteBandInfo(band BandInfo) error {
	n := len(band.Channels)
	if n < a.solutions.Channels || n%a.solutions.Channels != 0 {
		return fmt.Errorf("%w: %d channels in band, %d in solutions", ErrSolutions, n, a.solutions.Channels)
	}
	a.ratio = n / a.solutions.Channels
	a.row = NewRow(n)
	return a.Writer.WriteBandInfo(band)
}

// WriteAntennas checks that every antenna has solutions.
func (a *ApplySolutions) WriteAntennas(antennas []AntennaInfo, time float64) error {
	if len(antennas) > a.solutions.Antennas {
		return fmt.Errorf("%w: %d antennas in array, %d in solutions", ErrSolutions, len(antennas), a.solutions.Antennas)
	}
	return a.Writer.WriteAntennas(antennas, time)
}

// WriteRow applies solutions to a copy of the row.
func (a *ApplySolutions) WriteRow(row Row) error {
	if a.ratio == 0 {
		return ErrNotReady
	}
	if row.Channels() != a.row.Channels() {
		return fmt.Errorf("%w: %d channels instead of %d", ErrRowShape, row.Channels(), a.row.Channels())
	}
	if row.Antenna1 >= a.solutions.Antennas || row.Antenna2 >= a.solutions.Antennas {
		return fmt.Errorf("%w: baseline %d-%d", ErrSolutions, row.Antenna1, row.Antenna2)
	}
	r := &a.row
	r.CopyFrom(row)
	for ch := 0; ch < r.Channels(); ch++ {
		j1 := a.solutions.At(row.Antenna1, ch/a.ratio)
		j2 := a.solutions.At(row.Antenna2, ch/a.ratio)
		first := ch * vis.Polarizations
		samples := r.Data[first : first+vis.Polarizations]
		if !j1.IsValid() || !j2.IsValid() {
			for p := range samples {
				samples[p] = 0
				r.Flags[first+p] = true
			}
			continue
		}
		calibration.Apply(samples, j1, j2)
	}
	return a.Writer.WriteRow(*r)
}
