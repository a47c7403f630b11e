package writer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dudk/corrpipe/geometry"
	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/vis"
)

// accumulator contains partial sums of a single baseline.
type accumulator struct {
	time      float64
	timesteps int
	interval  float64
	// weighted sum of unflagged samples.
	data []complex64
	// sum of all samples.
	all     []complex64
	weights []float32
	counts  []int
}

func newAccumulator(n int) *accumulator {
	return &accumulator{
		data:    make([]complex64, n),
		all:     make([]complex64, n),
		weights: make([]float32, n),
		counts:  make([]int, n),
	}
}

func (a *accumulator) reset() {
	a.time = 0
	a.timesteps = 0
	a.interval = 0
	clear(a.data)
	clear(a.all)
	clear(a.weights)
	clear(a.counts)
}

// Averaging reduces time and frequency resolution of rows. Every
// timeFactor rows of a baseline are averaged into a single row, every
// freqFactor channels into a single channel. Unflagged samples are
// averaged with their weights. When all samples of an output cell are
// flagged, it's an unweighted average of all samples and stays flagged.
type Averaging struct {
	Forwarding
	timeFactor int
	freqFactor int
	geometry   geometry.Calculator
	logger     logrus.FieldLogger

	antennas    int
	channels    int
	avgChannels int
	rowsAdded   int
	// accumulators are indexed by antenna1*antennas + antenna2.
	accumulators []*accumulator
	out          Row
}

// NewAveraging returns averaging writer in front of next writer. UVW of
// averaged rows are computed with calculator for the mean time.
func NewAveraging(next Writer, timeFactor, freqFactor int, calculator geometry.Calculator, logger logrus.FieldLogger) *Averaging {
	if logger == nil {
		logger = log.Discard()
	}
	if calculator == nil {
		calculator = geometry.Fixed{}
	}
	return &Averaging{
		Forwarding: Forwarding{Writer: next},
		timeFactor: max(timeFactor, 1),
		freqFactor: max(freqFactor, 1),
		geometry:   calculator,
		logger:     logger,
	}
}

// WriteBandInfo writes averaged channels. Trailing channels that don't
// fill a whole output channel are left out.
func (a *Averaging) WriteBandInfo(band BandInfo) error {
	if len(band.Channels)%a.freqFactor != 0 {
		a.logger.WithFields(logrus.Fields{
			"channels": len(band.Channels),
			"freqAvg":  a.freqFactor,
			"leftOut":  len(band.Channels) % a.freqFactor,
		}).Warn("frequency averaging factor doesn't divide number of channels")
	}
	a.channels = len(band.Channels)
	a.avgChannels = a.channels / a.freqFactor
	averaged := band
	averaged.Channels = make([]ChannelInfo, a.avgChannels)
	for ch := range averaged.Channels {
		var c ChannelInfo
		for _, src := range band.Channels[ch*a.freqFactor : (ch+1)*a.freqFactor] {
			c.Frequency += src.Frequency
			c.Width += src.Width
			c.EffectiveBandwidth += src.EffectiveBandwidth
			c.Resolution += src.Resolution
		}
		c.Frequency /= float64(a.freqFactor)
		averaged.Channels[ch] = c
	}
	if err := a.Writer.WriteBandInfo(averaged); err != nil {
		return err
	}
	a.init()
	return nil
}

// WriteAntennas forwards the call and allocates baseline accumulators.
func (a *Averaging) WriteAntennas(antennas []AntennaInfo, time float64) error {
	if err := a.Writer.WriteAntennas(antennas, time); err != nil {
		return err
	}
	a.antennas = len(antennas)
	a.init()
	return nil
}

func (a *Averaging) init() {
	if a.antennas == 0 || a.channels == 0 {
		return
	}
	n := a.avgChannels * vis.Polarizations
	a.accumulators = make([]*accumulator, a.antennas*a.antennas)
	for a1 := 0; a1 < a.antennas; a1++ {
		for a2 := a1; a2 < a.antennas; a2++ {
			a.accumulators[a1*a.antennas+a2] = newAccumulator(n)
		}
	}
	a.out = NewRow(a.avgChannels)
}

func (a *Averaging) accumulator(antenna1, antenna2 int) (*accumulator, error) {
	if a.accumulators == nil {
		return nil, ErrNotReady
	}
	if antenna1 < 0 || antenna2 >= a.antennas || antenna1 > antenna2 {
		return nil, fmt.Errorf("%w: baseline %d-%d", ErrRowShape, antenna1, antenna2)
	}
	return a.accumulators[antenna1*a.antennas+antenna2], nil
}

// AddRows forwards the call once per averaged timestep.
func (a *Averaging) AddRows(count int) error {
	if a.rowsAdded == 0 {
		if err := a.Writer.AddRows(count); err != nil {
			return err
		}
	}
	a.rowsAdded++
	if a.rowsAdded == a.timeFactor {
		a.rowsAdded = 0
	}
	return nil
}

// WriteRow adds the row to the baseline accumulator. Averaged row is
// written when timeFactor rows are accumulated.
func (a *Averaging) WriteRow(row Row) error {
	acc, err := a.accumulator(row.Antenna1, row.Antenna2)
	if err != nil {
		return err
	}
	if row.Channels() != a.channels || len(row.Flags) != len(row.Data) || len(row.Weights) != len(row.Data) {
		return fmt.Errorf("%w: %d channels, expected %d", ErrRowShape, row.Channels(), a.channels)
	}
	src := 0
	for ch := 0; ch < a.avgChannels*a.freqFactor; ch++ {
		dst := (ch / a.freqFactor) * vis.Polarizations
		for p := 0; p < vis.Polarizations; p++ {
			acc.all[dst+p] += row.Data[src]
			if !row.Flags[src] {
				w := row.Weights[src]
				acc.data[dst+p] += row.Data[src] * complex(w, 0)
				acc.weights[dst+p] += w
				acc.counts[dst+p]++
			}
			src++
		}
	}
	acc.time += row.Time
	acc.timesteps++
	acc.interval += row.Interval
	if acc.timesteps == a.timeFactor {
		return a.flush(row.Antenna1, row.Antenna2, acc)
	}
	return nil
}

func (a *Averaging) flush(antenna1, antenna2 int, acc *accumulator) error {
	out := &a.out
	out.Time = acc.time / float64(acc.timesteps)
	out.Antenna1, out.Antenna2 = antenna1, antenna2
	out.U, out.V, out.W = a.geometry.UVW(out.Time, antenna1, antenna2)
	out.Interval = acc.interval
	total := float32(acc.timesteps * a.freqFactor)
	for i := range out.Data {
		if acc.counts[i] == 0 {
			v := acc.all[i]
			out.Data[i] = complex(real(v)/total, imag(v)/total)
			out.Flags[i] = true
		} else {
			v, w := acc.data[i], acc.weights[i]
			out.Data[i] = complex(real(v)/w, imag(v)/w)
			out.Flags[i] = false
		}
		out.Weights[i] = acc.weights[i]
	}
	acc.reset()
	return a.Writer.WriteRow(*out)
}

// IsTimeAligned returns true if no rows of the baseline are accumulated.
func (a *Averaging) IsTimeAligned(antenna1, antenna2 int) bool {
	acc, err := a.accumulator(antenna1, antenna2)
	if err != nil {
		return true
	}
	return acc.timesteps == 0
}

// Close forwards the call. Partially accumulated rows are discarded.
func (a *Averaging) Close() error {
	incomplete := 0
	for _, acc := range a.accumulators {
		if acc != nil && acc.timesteps != 0 {
			incomplete++
		}
	}
	if incomplete > 0 {
		a.logger.WithField("baselines", incomplete).Warn("discarding partially averaged rows")
	}
	return a.Writer.Close()
}
