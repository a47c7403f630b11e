package writer

import (
	"github.com/dudk/corrpipe/quality"
)

// Forwarding passes all calls to the next writer. It's embedded by
// writers that only intercept some of the calls.
type Forwarding struct {
	Writer
}

// IsTimeAligned forwards the call if next writer regrids time.
func (f Forwarding) IsTimeAligned(antenna1, antenna2 int) bool {
	return isTimeAligned(f.Writer, antenna1, antenna2)
}

// WriteOffsets forwards the call if next writer records offsets.
func (f Forwarding) WriteOffsets(offsets []int) error {
	return writeOffsets(f.Writer, offsets)
}

// WriteStatistics forwards the call if next writer stores statistics.
func (f Forwarding) WriteStatistics(s *quality.Statistics) error {
	return writeStatistics(f.Writer, s)
}
