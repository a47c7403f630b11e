package corrpipe

import (
	"fmt"
	"math"

	"github.com/dudk/corrpipe/config"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/window"
	"github.com/dudk/corrpipe/writer"
)

// antennaDiameter is the effective diameter of a tile in meters.
const antennaDiameter = 4.0

// emitter turns published windows into rows. Baselines are emitted in
// canonical order, filtered by output options.
type emitter struct {
	p         *Pipeline
	baselines []vis.Baseline
	weights   []float32
	row       writer.Row
	// scan is the next scan index to emit.
	scan int
}

func newEmitter(p *Pipeline) *emitter {
	c := &p.config
	obs := &c.Observation
	e := &emitter{
		p:   p,
		row: writer.NewRow(obs.Channels),
	}
	for _, b := range vis.Baselines(len(obs.Antennas)) {
		if c.RemoveAutos && b.IsAuto() {
			continue
		}
		if c.RemoveFlagged && (c.IsAntennaFlagged(b.Antenna1) || c.IsAntennaFlagged(b.Antenna2)) {
			continue
		}
		e.baselines = append(e.baselines, b)
	}

	// weights don't depend on the baseline or the time.
	chPerSb := c.ChannelsPerSubband()
	base := obs.IntegrationTime * 100 * obs.BandwidthMHz / float64(obs.Channels)
	e.weights = make([]float32, obs.Channels*vis.Polarizations)
	for ch := 0; ch < obs.Channels; ch++ {
		for pol := 0; pol < vis.Polarizations; pol++ {
			e.weights[ch*vis.Polarizations+pol] = float32(base / p.passband.Factor(pol, ch%chPerSb))
		}
	}
	return e
}

// window writes all scans of the arena.
func (e *emitter) window(w writer.Writer, arena *window.Arena) error {
	win := arena.Window()
	antennas := len(e.p.config.Observation.Antennas)
	for t := 0; t < win.Len(); t++ {
		if err := w.AddRows(len(e.baselines)); err != nil {
			return err
		}
		for _, b := range e.baselines {
			slot := arena.Slot(vis.BaselineIndex(b.Antenna1, b.Antenna2, antennas))
			e.fill(slot, win.Start+t, t)
			if err := w.WriteRow(e.row); err != nil {
				return err
			}
		}
	}
	e.scan = win.End
	return nil
}

// fill sets the row to the timestep t of the slot.
func (e *emitter) fill(slot *window.Slot, scan, t int) {
	c := &e.p.config
	r := &e.row
	b := slot.Baseline
	r.Time = e.p.scanTime(scan)
	r.Antenna1, r.Antenna2 = b.Antenna1, b.Antenna2
	r.Interval = c.Observation.IntegrationTime
	r.U, r.V, r.W = e.p.geometry.UVW(r.Time, b.Antenna1, b.Antenna2)
	copy(r.Weights, e.weights)
	for ch := 0; ch < c.Observation.Channels; ch++ {
		flagged := slot.Flags.At(ch, t)
		samples := r.Data[ch*vis.Polarizations : (ch+1)*vis.Polarizations]
		for p := range samples {
			samples[p] = slot.Buffer.At(p, ch, t)
			r.Flags[ch*vis.Polarizations+p] = flagged
		}
		if c.GeometricCorrection {
			f := c.ChannelFrequency(ch)
			vis.Rotate(samples, vis.Phasor(-2*math.Pi*r.W*f/vis.SpeedOfLight))
		}
	}
}

// alignment writes flagged scans after the end of the observation until
// the writer has no partial timestep buffered.
func (e *emitter) alignment(w writer.Writer) error {
	aligner, ok := w.(writer.TimeAligner)
	if !ok || len(e.baselines) == 0 {
		return nil
	}
	first := e.baselines[0]
	// one averaging cycle is the upper bound.
	for i := 0; i < e.p.config.TimeAvgFactor(); i++ {
		if aligner.IsTimeAligned(first.Antenna1, first.Antenna2) {
			return nil
		}
		if err := e.flaggedScan(w); err != nil {
			return err
		}
	}
	return nil
}

// flaggedScan writes a scan of zero rows with zero weight.
func (e *emitter) flaggedScan(w writer.Writer) error {
	if err := w.AddRows(len(e.baselines)); err != nil {
		return err
	}
	r := &e.row
	r.Time = e.p.scanTime(e.scan)
	r.Interval = e.p.config.Observation.IntegrationTime
	for i := range r.Data {
		r.Data[i] = 0
		r.Flags[i] = true
		r.Weights[i] = 0
	}
	for _, b := range e.baselines {
		r.Antenna1, r.Antenna2 = b.Antenna1, b.Antenna2
		r.U, r.V, r.W = e.p.geometry.UVW(r.Time, b.Antenna1, b.Antenna2)
		if err := w.WriteRow(*r); err != nil {
			return err
		}
	}
	e.scan++
	return nil
}

// writeMetadata writes static observation information and the file
// offsets.
func (p *Pipeline) writeMetadata(w writer.Writer) error {
	c := &p.config
	obs := &c.Observation
	width := c.ChannelWidth()
	band := writer.BandInfo{
		Name:           obs.Name,
		Channels:       make([]writer.ChannelInfo, obs.Channels),
		TotalBandwidth: obs.BandwidthMHz * 1e6,
	}
	for ch := range band.Channels {
		f := c.ChannelFrequency(ch)
		band.Channels[ch] = writer.ChannelInfo{
			Frequency:          f,
			Width:              width,
			EffectiveBandwidth: width,
			Resolution:         width,
		}
		band.RefFrequency += f / float64(obs.Channels)
	}
	if err := w.WriteBandInfo(band); err != nil {
		return err
	}

	antennas := make([]writer.AntennaInfo, len(obs.Antennas))
	for i, a := range obs.Antennas {
		antennas[i] = writer.AntennaInfo{
			Name:     a.Name,
			Station:  obs.Telescope,
			Position: a.Position,
			Diameter: antennaDiameter,
			Flagged:  c.IsAntennaFlagged(i),
		}
	}
	if err := w.WriteAntennas(antennas, p.startTime); err != nil {
		return err
	}
	if err := w.WriteLinearPolarizations(allInputsFlagged(obs.Inputs)); err != nil {
		return err
	}

	duration := float64(obs.Scans) * obs.IntegrationTime
	if err := w.WriteSource(writer.SourceInfo{
		Name:     obs.Name,
		Time:     p.startTime + duration/2,
		Interval: duration,
		RA:       obs.PhaseCentreRA * math.Pi / 180,
		Dec:      obs.PhaseCentreDec * math.Pi / 180,
	}); err != nil {
		return err
	}
	if err := w.WriteField(writer.FieldInfo{
		Name: obs.Name,
		Time: p.startTime,
		RA:   obs.PhaseCentreRA * math.Pi / 180,
		Dec:  obs.PhaseCentreDec * math.Pi / 180,
	}); err != nil {
		return err
	}
	if err := w.WriteObservation(writer.ObservationInfo{
		Telescope: obs.Telescope,
		Observer:  obs.Observer,
		Project:   obs.Project,
		StartTime: p.startTime,
		EndTime:   p.startTime + duration,
	}); err != nil {
		return err
	}
	if err := w.WriteHistory(writer.HistoryEntry{
		CommandLine: c.CommandLine,
		Application: Application,
		Params: []string{
			fmt.Sprintf("timeavg=%d,freqavg=%d,windowSize=%d",
				c.TimeAvgFactor(), c.FreqAvgFactor(), window.MaxLen(p.windows)),
		},
	}); err != nil {
		return err
	}
	if aw, ok := w.(writer.AlignmentWriter); ok && p.offsets != nil {
		return aw.WriteOffsets(p.offsets)
	}
	return nil
}

// allInputsFlagged is true if no input carries data.
func allInputsFlagged(inputs []config.Input) bool {
	for _, in := range inputs {
		if !in.Flagged {
			return false
		}
	}
	return true
}
