package process_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/corrpipe/passband"
	"github.com/dudk/corrpipe/process"
	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type conjugateAll struct{}

func (conjugateAll) IsConjugated(a1, a2, _, _ int) bool {
	return a1 != a2
}

const (
	antennas = 4
	channels = 8
	subbands = 2
	scans    = 6
)

func corrections() *process.Corrections {
	inputs := make([][2]process.Input, antennas)
	for a := range inputs {
		for p := range inputs[a] {
			inputs[a][p] = process.Input{
				CableLengthDelta: float64(a*3 + p),
				Gains:            []float64{1 + float64(a)/10, 2},
			}
		}
	}
	frequencies := make([]float64, channels)
	for ch := range frequencies {
		frequencies[ch] = 150e6 + float64(ch)*40e3
	}
	table, _ := passband.FromGains([]float64{0.5, 1, 1, 0.5}, channels/subbands)
	return &process.Corrections{
		Inputs:       inputs,
		Frequencies:  frequencies,
		Subbands:     subbands,
		Passband:     table,
		CorrectCable: true,
		ApplyGains:   true,
	}
}

// fill sets deterministic samples in all slots.
func fill(t *testing.T, a *window.Arena) {
	t.Helper()
	require.NoError(t, a.Allocate(window.Window{Start: 0, End: scans}))
	for i := 0; i < a.Len(); i++ {
		b := a.Slot(i).Buffer
		for p := 0; p < vis.Polarizations; p++ {
			for ch := 0; ch < channels; ch++ {
				for s := 0; s < scans; s++ {
					b.Set(p, ch, s, complex(float32(i+p+ch), float32(s-ch)/7))
				}
			}
		}
	}
	require.NoError(t, a.TransitionAll(window.Filling, window.Ready))
}

// thresholdFlagger flags samples with amplitude above the threshold.
func thresholdFlagger(threshold float32) process.Flagger {
	return process.FlaggerFunc(func(buf *vis.Buffer, defect *vis.FlagMask) (*vis.FlagMask, error) {
		m := vis.NewFlagMask(buf.Channels(), buf.Width(), false)
		for ch := 0; ch < buf.Channels(); ch++ {
			for s, v := range buf.Row(0, ch) {
				if real(v)*real(v)+imag(v)*imag(v) > threshold*threshold {
					m.Set(ch, s, true)
				}
			}
		}
		return m, nil
	})
}

func defect() *vis.FlagMask {
	return process.DefectMask(process.DefectOptions{
		Channels:           channels,
		ChannelsPerSubband: channels / subbands,
		EdgeChannels:       1,
		FlagDC:             true,
		QuackInit:          1,
		TotalScans:         scans,
	}, 0, scans, scans)
}

func run(t *testing.T, workers int) (*window.Arena, error) {
	a := window.NewArena(antennas, channels, scans)
	fill(t, a)
	p := &process.Pool{
		Workers:           workers,
		Flagger:           thresholdFlagger(10),
		Corrections:       corrections(),
		FlaggedAntennas:   []bool{false, false, true, false},
		RFIDetection:      true,
		FlagAutos:         true,
		CollectStatistics: true,
	}
	stats, err := p.Run(context.Background(), &process.Job{
		Arena:      a,
		Conjugator: conjugateAll{},
		Defect:     defect(),
	})
	if err == nil {
		assert.Equal(t, vis.BaselineCount(antennas), stats.Baselines())
		reports = append(reports, stats.Report())
	}
	return a, err
}

// reports of all successful runs.
var reports []quality.Report

func TestDeterminism(t *testing.T) {
	reports = nil
	single, err := run(t, 1)
	require.NoError(t, err)
	for _, workers := range []int{2, 3, 8} {
		multi, err := run(t, workers)
		require.NoError(t, err)
		for i := 0; i < single.Len(); i++ {
			s, m := single.Slot(i), multi.Slot(i)
			assert.Equal(t, window.Corrected, m.State())
			assert.Equal(t, s.Buffer.Planes, m.Buffer.Planes, "baseline %v", s.Baseline)
			assert.Equal(t, s.Flags, m.Flags, "baseline %v", s.Baseline)
		}
	}
	for _, r := range reports[1:] {
		assert.Equal(t, reports[0], r)
	}
}

func TestFlags(t *testing.T) {
	a, err := run(t, 2)
	require.NoError(t, err)
	for i := 0; i < a.Len(); i++ {
		slot := a.Slot(i)
		b := slot.Baseline
		switch {
		case b.IsAuto(), b.Antenna1 == 2 || b.Antenna2 == 2:
			assert.Equal(t, channels*scans, slot.Flags.Count(), "baseline %v", b)
		default:
			// edges and centre of every subband, first scan.
			for ch := 0; ch < channels; ch++ {
				assert.True(t, slot.Flags.At(ch, 0))
			}
			for _, ch := range []int{0, 2, 3, 4, 6, 7} {
				assert.True(t, slot.Flags.At(ch, 3), "baseline %v channel %d", b, ch)
			}
		}
	}
}

func TestCorrections(t *testing.T) {
	const value = complex64(complex(1, 1))
	a := window.NewArena(2, 2, 1)
	require.NoError(t, a.Allocate(window.Window{Start: 0, End: 1}))
	for i := 0; i < a.Len(); i++ {
		for p := 0; p < vis.Polarizations; p++ {
			for ch := 0; ch < 2; ch++ {
				a.Slot(i).Buffer.Set(p, ch, 0, value)
			}
		}
	}
	require.NoError(t, a.TransitionAll(window.Filling, window.Ready))
	c := &process.Corrections{
		Inputs: [][2]process.Input{
			{{Gains: []float64{2}}, {Gains: []float64{4}}},
			{{CableLengthDelta: 1, Gains: []float64{1}}, {Gains: []float64{1}}},
		},
		Frequencies:  []float64{vis.SpeedOfLight / 4, vis.SpeedOfLight / 2},
		Subbands:     1,
		Passband:     passband.Flat(2),
		CorrectCable: true,
		ApplyGains:   true,
	}
	p := &process.Pool{Workers: 2, Corrections: c}
	_, err := p.Run(context.Background(), &process.Job{
		Arena:      a,
		Conjugator: conjugateAll{},
		Defect:     vis.NewFlagMask(2, 1, false),
	})
	require.NoError(t, err)

	b := a.Slot(vis.BaselineIndex(0, 1, 2)).Buffer
	// XX: conjugated, rotated by -pi/2 at quarter wavelength, divided by gain 2.
	rotated := complex(real(value), -imag(value)) * complex64(vis.Phasor(-math.Pi/2))
	assert.InDelta(t, real(rotated)/2, real(b.At(0, 0, 0)), 1e-6)
	assert.InDelta(t, imag(rotated)/2, imag(b.At(0, 0, 0)), 1e-6)
	// YY: no delay, gain 4.
	assert.InDelta(t, 0.25, real(b.At(3, 1, 0)), 1e-6)
	assert.InDelta(t, -0.25, imag(b.At(3, 1, 0)), 1e-6)

	auto := a.Slot(vis.BaselineIndex(0, 0, 2)).Buffer
	// XY: gain 2*4.
	assert.InDelta(t, 0.125, real(auto.At(1, 0, 0)), 1e-6)
	assert.InDelta(t, 0.125, imag(auto.At(1, 0, 0)), 1e-6)
}

func TestFailures(t *testing.T) {
	failing := errors.New("flagger failed")
	tests := []struct {
		flagger  process.Flagger
		expected error
	}{
		{
			flagger: process.FlaggerFunc(func(*vis.Buffer, *vis.FlagMask) (*vis.FlagMask, error) {
				return nil, failing
			}),
			expected: process.ErrWorker,
		},
		{
			flagger: process.FlaggerFunc(func(buf *vis.Buffer, _ *vis.FlagMask) (*vis.FlagMask, error) {
				return vis.NewFlagMask(buf.Channels(), buf.Width()+1, false), nil
			}),
			expected: process.ErrMaskShape,
		},
		{
			flagger: process.FlaggerFunc(func(*vis.Buffer, *vis.FlagMask) (*vis.FlagMask, error) {
				panic("broken flagger")
			}),
			expected: process.ErrWorker,
		},
	}
	for _, c := range tests {
		a := window.NewArena(antennas, channels, scans)
		fill(t, a)
		p := &process.Pool{
			Workers:      3,
			Flagger:      c.flagger,
			Corrections:  corrections(),
			RFIDetection: true,
		}
		_, err := p.Run(context.Background(), &process.Job{Arena: a, Defect: defect()})
		assert.ErrorIs(t, err, c.expected)
	}
}

func TestCancel(t *testing.T) {
	a := window.NewArena(antennas, channels, scans)
	fill(t, a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &process.Pool{Workers: 2, Flagger: process.Identity{}, Corrections: corrections()}
	_, err := p.Run(ctx, &process.Job{Arena: a, Defect: defect()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefectMask(t *testing.T) {
	opts := process.DefectOptions{
		Channels:           8,
		ChannelsPerSubband: 4,
		FlaggedSubbands:    []int{1},
		QuackInit:          3,
		QuackEnd:           1,
		TotalScans:         10,
	}
	// second window of [5, 10) has only 4 scans of data.
	m := process.DefectMask(opts, 5, 5, 4)
	for ch := 0; ch < 4; ch++ {
		assert.False(t, m.At(ch, 0))
		assert.True(t, m.At(ch, 4))
	}
	for ch := 4; ch < 8; ch++ {
		assert.Equal(t, 5, countRow(m.Row(ch)))
	}

	m = process.DefectMask(opts, 0, 5, 5)
	assert.True(t, m.At(0, 2))
	assert.False(t, m.At(0, 3))
}

func countRow(row []bool) int {
	n := 0
	for _, f := range row {
		if f {
			n++
		}
	}
	return n
}
