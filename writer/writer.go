// Package writer defines the output sink interface and the writers that
// are chained in front of a sink: a threaded writer that decouples the
// caller from the sink and an averaging writer that reduces time and
// frequency resolution.
package writer

import (
	"errors"

	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
)

var (
	// ErrClosed is returned when writer is used after Close.
	ErrClosed = errors.New("writer: closed")
	// ErrNotReady is returned when rows are written before band and
	// antenna information.
	ErrNotReady = errors.New("writer: band and antennas are not written")
	// ErrRowShape is returned when row doesn't match the band.
	ErrRowShape = errors.New("writer: row doesn't match band")
)

type (
	// Row is a single timestep of a baseline. Data, Flags and Weights
	// are indexed by channel*4 + polarization.
	Row struct {
		// Time is the centroid of the integration in unix seconds.
		Time     float64
		Antenna1 int
		Antenna2 int
		U        float64
		V        float64
		W        float64
		// Interval is the integration time in seconds.
		Interval float64
		Data     []complex64
		Flags    []bool
		Weights  []float32
	}

	// ChannelInfo describes a single output channel. Values in Hz.
	ChannelInfo struct {
		Frequency          float64
		Width              float64
		EffectiveBandwidth float64
		Resolution         float64
	}

	// BandInfo describes the spectral window.
	BandInfo struct {
		Name           string
		Channels       []ChannelInfo
		RefFrequency   float64
		TotalBandwidth float64
	}

	// AntennaInfo describes a single antenna.
	AntennaInfo struct {
		Name     string
		Station  string
		Position [3]float64
		Diameter float64
		Flagged  bool
	}

	// SourceInfo describes the observed source.
	SourceInfo struct {
		Name     string
		Time     float64
		Interval float64
		RA       float64
		Dec      float64
	}

	// FieldInfo describes the phase centre.
	FieldInfo struct {
		Name string
		Time float64
		RA   float64
		Dec  float64
	}

	// ObservationInfo describes the observation.
	ObservationInfo struct {
		Telescope string
		Observer  string
		Project   string
		StartTime float64
		EndTime   float64
	}

	// HistoryEntry records the processing parameters.
	HistoryEntry struct {
		CommandLine string
		Application string
		Params      []string
	}
)

// MetadataWriter writes static observation information.
type MetadataWriter interface {
	WriteBandInfo(BandInfo) error
	WriteAntennas(antennas []AntennaInfo, time float64) error
	WriteLinearPolarizations(flagged bool) error
	WriteSource(SourceInfo) error
	WriteField(FieldInfo) error
	WriteObservation(ObservationInfo) error
	WriteHistory(HistoryEntry) error
}

// RowWriter writes visibility rows. AddRows is called before every
// timestep with the number of rows that will follow.
type RowWriter interface {
	AddRows(count int) error
	WriteRow(Row) error
}

// Writer is a sink of the pipeline.
type Writer interface {
	MetadataWriter
	RowWriter
	Close() error
}

// TimeAligner is implemented by writers that regrid time. It returns true
// when no partial timestep is buffered for the baseline.
type TimeAligner interface {
	IsTimeAligned(antenna1, antenna2 int) bool
}

// AlignmentWriter is implemented by sinks that record per-subband file
// offsets.
type AlignmentWriter interface {
	WriteOffsets(offsets []int) error
}

// StatisticsWriter is implemented by sinks that store quality statistics.
type StatisticsWriter interface {
	WriteStatistics(*quality.Statistics) error
}

// NewRow allocates a row for the number of channels.
func NewRow(channels int) Row {
	n := channels * vis.Polarizations
	return Row{
		Data:    make([]complex64, n),
		Flags:   make([]bool, n),
		Weights: make([]float32, n),
	}
}

// Channels returns number of channels in the row.
func (r *Row) Channels() int {
	return len(r.Data) / vis.Polarizations
}

// CopyFrom copies source row into r, reusing allocated slices.
func (r *Row) CopyFrom(source Row) {
	data, flags, weights := r.Data, r.Flags, r.Weights
	*r = source
	r.Data = append(data[:0], source.Data...)
	r.Flags = append(flags[:0], source.Flags...)
	r.Weights = append(weights[:0], source.Weights...)
}

// isTimeAligned returns true if w doesn't regrid time.
func isTimeAligned(w Writer, antenna1, antenna2 int) bool {
	if a, ok := w.(TimeAligner); ok {
		return a.IsTimeAligned(antenna1, antenna2)
	}
	return true
}

// writeOffsets is no-op if w doesn't record offsets.
func writeOffsets(w Writer, offsets []int) error {
	if a, ok := w.(AlignmentWriter); ok {
		return a.WriteOffsets(offsets)
	}
	return nil
}

// writeStatistics is no-op if w doesn't store statistics.
func writeStatistics(w Writer, s *quality.Statistics) error {
	if sw, ok := w.(StatisticsWriter); ok {
		return sw.WriteStatistics(s)
	}
	return nil
}
