// Package mock provides collaborators of the pipeline for tests.
package mock

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/writer"
)

// ErrSink is returned by WriteRow after FailAfter rows.
var ErrSink = errors.New("mock: sink failed")

// Sink records all calls. Rows are copied, so writers can reuse them.
type Sink struct {
	// FailAfter is a number of rows written before WriteRow starts to
	// fail with ErrSink. Zero means never.
	FailAfter int

	m           sync.Mutex
	band        writer.BandInfo
	antennas    []writer.AntennaInfo
	polFlagged  []bool
	source      writer.SourceInfo
	field       writer.FieldInfo
	observation writer.ObservationInfo
	history     []writer.HistoryEntry
	added       []int
	rows        []writer.Row
	offsets     []int
	statistics  *quality.Statistics
	closed      bool
}

// WriteBandInfo implements writer.Writer.
func (s *Sink) WriteBandInfo(band writer.BandInfo) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.band = band
	return nil
}

// WriteAntennas implements writer.Writer.
func (s *Sink) WriteAntennas(antennas []writer.AntennaInfo, _ float64) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.antennas = append([]writer.AntennaInfo(nil), antennas...)
	return nil
}

// WriteLinearPolarizations implements writer.Writer.
func (s *Sink) WriteLinearPolarizations(flagged bool) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.polFlagged = append(s.polFlagged, flagged)
	return nil
}

// WriteSource implements writer.Writer.
func (s *Sink) WriteSource(source writer.SourceInfo) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.source = source
	return nil
}

// WriteField implements writer.Writer.
func (s *Sink) WriteField(field writer.FieldInfo) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.field = field
	return nil
}

// WriteObservation implements writer.Writer.
func (s *Sink) WriteObservation(observation writer.ObservationInfo) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.observation = observation
	return nil
}

// WriteHistory implements writer.Writer.
func (s *Sink) WriteHistory(entry writer.HistoryEntry) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// AddRows implements writer.Writer.
func (s *Sink) AddRows(count int) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.added = append(s.added, count)
	return nil
}

// WriteRow implements writer.Writer.
func (s *Sink) WriteRow(row writer.Row) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.FailAfter > 0 && len(s.rows) >= s.FailAfter {
		return fmt.Errorf("%w: row %d", ErrSink, len(s.rows))
	}
	var r writer.Row
	r.CopyFrom(row)
	s.rows = append(s.rows, r)
	return nil
}

// WriteOffsets implements writer.AlignmentWriter.
func (s *Sink) WriteOffsets(offsets []int) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.offsets = append([]int(nil), offsets...)
	return nil
}

// WriteStatistics implements writer.StatisticsWriter.
func (s *Sink) WriteStatistics(statistics *quality.Statistics) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.statistics = statistics
	return nil
}

// Close implements writer.Writer.
func (s *Sink) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	s.closed = true
	return nil
}

// Rows returns all written rows.
func (s *Sink) Rows() []writer.Row {
	s.m.Lock()
	defer s.m.Unlock()
	return s.rows
}

// Added returns counts of all AddRows calls.
func (s *Sink) Added() []int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.added
}

// Band returns written band info.
func (s *Sink) Band() writer.BandInfo {
	s.m.Lock()
	defer s.m.Unlock()
	return s.band
}

// Antennas returns written antennas.
func (s *Sink) Antennas() []writer.AntennaInfo {
	s.m.Lock()
	defer s.m.Unlock()
	return s.antennas
}

// LinearPolarizations returns flagged argument of every
// WriteLinearPolarizations call.
func (s *Sink) LinearPolarizations() []bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.polFlagged
}

// Observation returns written observation info.
func (s *Sink) Observation() writer.ObservationInfo {
	s.m.Lock()
	defer s.m.Unlock()
	return s.observation
}

// History returns written history entries.
func (s *Sink) History() []writer.HistoryEntry {
	s.m.Lock()
	defer s.m.Unlock()
	return s.history
}

// Offsets returns written file offsets.
func (s *Sink) Offsets() []int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.offsets
}

// Statistics returns written statistics.
func (s *Sink) Statistics() *quality.Statistics {
	s.m.Lock()
	defer s.m.Unlock()
	return s.statistics
}

// Closed returns true if sink was closed.
func (s *Sink) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// Dump returns rows as sorted text lines, one line per row. Used to
// compare outputs of different runs.
func (s *Sink) Dump() string {
	rows := s.Rows()
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		var b strings.Builder
		fmt.Fprintf(&b, "%.3f %d-%d uvw=(%.4f %.4f %.4f) dt=%g", r.Time, r.Antenna1, r.Antenna2, r.U, r.V, r.W, r.Interval)
		for i := range r.Data {
			fmt.Fprintf(&b, " %.5g", r.Data[i])
			if r.Flags[i] {
				b.WriteString("!")
			}
			fmt.Fprintf(&b, "/%g", r.Weights[i])
		}
		lines = append(lines, b.String())
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// Flagger flags samples with amplitude above the threshold in any
// polarization. Zero threshold flags nothing.
type Flagger struct {
	Threshold float32
	calls     atomic.Int64
}

// Run implements process.Flagger.
func (f *Flagger) Run(buf *vis.Buffer, _ *vis.FlagMask) (*vis.FlagMask, error) {
	f.calls.Add(1)
	m := vis.NewFlagMask(buf.Channels(), buf.Width(), false)
	if f.Threshold == 0 {
		return m, nil
	}
	limit := f.Threshold * f.Threshold
	for p := 0; p < vis.Polarizations; p++ {
		for ch := 0; ch < buf.Channels(); ch++ {
			for t, v := range buf.Row(p, ch) {
				if real(v)*real(v)+imag(v)*imag(v) > limit {
					m.Set(ch, t, true)
				}
			}
		}
	}
	return m, nil
}

// Calls returns number of Run calls.
func (f *Flagger) Calls() int64 {
	return f.calls.Load()
}

// Geometry returns coordinates that only depend on antenna indices:
// u = a1 - a2, v = a1 + a2, w = W * (a1 - a2).
type Geometry struct {
	W float64
}

// UVW implements geometry.Calculator.
func (g Geometry) UVW(_ float64, antenna1, antenna2 int) (u, v, w float64) {
	d := float64(antenna1 - antenna2)
	return d, float64(antenna1 + antenna2), g.W * d
}
