// Package quality collects statistics of corrected visibilities.
//
// Statistics are kept per baseline. Workers collect partial statistics of
// the baselines they process and merge them once, since no two workers
// touch the same baseline in a window the merged result doesn't depend on
// the order of merges.
package quality

import (
	"io"
	"math"

	"github.com/sugawarayuuta/sonnet"

	"github.com/dudk/corrpipe/vis"
)

// Cell accumulates samples of one channel in all polarizations.
type Cell struct {
	Count      [vis.Polarizations]uint64
	Flagged    [vis.Polarizations]uint64
	Sum        [vis.Polarizations]complex128
	SumSquares [vis.Polarizations]float64
}

func (c *Cell) add(other *Cell) {
	for p := range c.Count {
		c.Count[p] += other.Count[p]
		c.Flagged[p] += other.Flagged[p]
		c.Sum[p] += other.Sum[p]
		c.SumSquares[p] += other.SumSquares[p]
	}
}

// Accumulator contains statistics of a single baseline per channel.
type Accumulator struct {
	Channels []Cell
}

// Total sums all channels.
func (a *Accumulator) Total() Cell {
	var c Cell
	for i := range a.Channels {
		c.add(&a.Channels[i])
	}
	return c
}

// Statistics contains accumulators of all collected baselines.
type Statistics struct {
	channels  int
	baselines map[vis.Baseline]*Accumulator
}

// New returns empty statistics for the number of channels.
func New(channels int) *Statistics {
	return &Statistics{
		channels:  channels,
		baselines: make(map[vis.Baseline]*Accumulator),
	}
}

func (s *Statistics) accumulator(b vis.Baseline) *Accumulator {
	a, ok := s.baselines[b]
	if !ok {
		a = &Accumulator{Channels: make([]Cell, s.channels)}
		s.baselines[b] = a
	}
	return a
}

// Collect adds the samples of the baseline buffer. Flagged samples are
// only counted.
func (s *Statistics) Collect(b vis.Baseline, buf *vis.Buffer, flags *vis.FlagMask) {
	a := s.accumulator(b)
	for ch := 0; ch < buf.Channels(); ch++ {
		cell := &a.Channels[ch]
		mask := flags.Row(ch)
		for p := 0; p < vis.Polarizations; p++ {
			for t, v := range buf.Row(p, ch) {
				if mask[t] {
					cell.Flagged[p]++
					continue
				}
				re, im := float64(real(v)), float64(imag(v))
				cell.Count[p]++
				cell.Sum[p] += complex(re, im)
				cell.SumSquares[p] += re*re + im*im
			}
		}
	}
}

// Merge adds all accumulators of other statistics.
func (s *Statistics) Merge(other *Statistics) {
	for b, src := range other.baselines {
		dst := s.accumulator(b)
		for ch := range dst.Channels {
			dst.Channels[ch].add(&src.Channels[ch])
		}
	}
}

// Baseline returns accumulator of the baseline or nil.
func (s *Statistics) Baseline(b vis.Baseline) *Accumulator {
	return s.baselines[b]
}

// Baselines returns number of collected baselines.
func (s *Statistics) Baselines() int {
	return len(s.baselines)
}

// Total sums all baselines in canonical order.
func (s *Statistics) Total() Cell {
	var c Cell
	for _, b := range s.sorted() {
		total := s.baselines[b].Total()
		c.add(&total)
	}
	return c
}

func (s *Statistics) sorted() []vis.Baseline {
	maxAntenna := -1
	for b := range s.baselines {
		maxAntenna = max(maxAntenna, b.Antenna2)
	}
	result := make([]vis.Baseline, 0, len(s.baselines))
	for _, b := range vis.Baselines(maxAntenna + 1) {
		if _, ok := s.baselines[b]; ok {
			result = append(result, b)
		}
	}
	return result
}

type (
	// Report is a summary of statistics.
	Report struct {
		Total     Summary           `json:"total"`
		Baselines []BaselineSummary `json:"baselines"`
		// FlaggedSpectrum is the flagged ratio of every channel over
		// all baselines and polarizations.
		FlaggedSpectrum []float64 `json:"flaggedSpectrum"`
	}

	// Summary describes samples of all polarizations.
	Summary struct {
		Count        [vis.Polarizations]uint64  `json:"count"`
		Flagged      [vis.Polarizations]uint64  `json:"flagged"`
		FlaggedRatio float64                    `json:"flaggedRatio"`
		MeanReal     [vis.Polarizations]float64 `json:"meanReal"`
		MeanImag     [vis.Polarizations]float64 `json:"meanImag"`
		RMS          [vis.Polarizations]float64 `json:"rms"`
	}

	// BaselineSummary describes samples of a baseline.
	BaselineSummary struct {
		Antenna1 int `json:"antenna1"`
		Antenna2 int `json:"antenna2"`
		Summary
	}
)

func summarize(c Cell) Summary {
	s := Summary{Count: c.Count, Flagged: c.Flagged}
	var count, flagged uint64
	for p := range c.Count {
		count += c.Count[p]
		flagged += c.Flagged[p]
		if c.Count[p] == 0 {
			continue
		}
		n := float64(c.Count[p])
		s.MeanReal[p] = real(c.Sum[p]) / n
		s.MeanImag[p] = imag(c.Sum[p]) / n
		s.RMS[p] = math.Sqrt(c.SumSquares[p] / n)
	}
	if count+flagged > 0 {
		s.FlaggedRatio = float64(flagged) / float64(count+flagged)
	}
	return s
}

// Report summarizes statistics.
func (s *Statistics) Report() Report {
	r := Report{
		Total:           summarize(s.Total()),
		FlaggedSpectrum: make([]float64, s.channels),
	}
	count := make([]uint64, s.channels)
	flagged := make([]uint64, s.channels)
	for _, b := range s.sorted() {
		a := s.baselines[b]
		r.Baselines = append(r.Baselines, BaselineSummary{
			Antenna1: b.Antenna1,
			Antenna2: b.Antenna2,
			Summary:  summarize(a.Total()),
		})
		for ch := range a.Channels {
			for p := 0; p < vis.Polarizations; p++ {
				count[ch] += a.Channels[ch].Count[p]
				flagged[ch] += a.Channels[ch].Flagged[p]
			}
		}
	}
	for ch := range r.FlaggedSpectrum {
		if total := count[ch] + flagged[ch]; total > 0 {
			r.FlaggedSpectrum[ch] = float64(flagged[ch]) / float64(total)
		}
	}
	return r
}

// WriteReport writes JSON report of statistics.
func (s *Statistics) WriteReport(w io.Writer) error {
	data, err := sonnet.MarshalIndent(s.Report(), "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
