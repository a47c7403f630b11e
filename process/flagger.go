package process

import (
	"github.com/dudk/corrpipe/vis"
)

// Flagger detects interference in the corrected buffer of a baseline. The
// defect mask contains samples already known to be bad. Flagger must not
// modify its inputs and must return a mask of the buffer dimensions.
type Flagger interface {
	Run(buf *vis.Buffer, defect *vis.FlagMask) (*vis.FlagMask, error)
}

// FlaggerFunc is an adapter to use functions as flaggers.
type FlaggerFunc func(buf *vis.Buffer, defect *vis.FlagMask) (*vis.FlagMask, error)

// Run calls fn(buf, defect).
func (fn FlaggerFunc) Run(buf *vis.Buffer, defect *vis.FlagMask) (*vis.FlagMask, error) {
	return fn(buf, defect)
}

// Identity flagger never flags anything.
type Identity struct{}

// Run returns unflagged mask.
func (Identity) Run(buf *vis.Buffer, _ *vis.FlagMask) (*vis.FlagMask, error) {
	return vis.NewFlagMask(buf.Channels(), buf.Width(), false), nil
}

// DefectOptions describe samples that are bad regardless of the data.
type DefectOptions struct {
	Channels           int
	ChannelsPerSubband int
	// EdgeChannels are flagged at both edges of every subband.
	EdgeChannels int
	// FlagDC flags centre channel of every subband.
	FlagDC          bool
	FlaggedSubbands []int
	// QuackInit and QuackEnd are numbers of scans flagged at the start
	// and the end of the observation.
	QuackInit  int
	QuackEnd   int
	TotalScans int
}

// DefectMask returns the mask of the window start..start+width, where
// only the first filled scans contain data.
func DefectMask(opts DefectOptions, start, width, filled int) *vis.FlagMask {
	m := vis.NewFlagMask(opts.Channels, width, false)
	chPerSb := opts.ChannelsPerSubband
	for sb := 0; sb < opts.Channels/chPerSb; sb++ {
		first := sb * chPerSb
		for ch := 0; ch < opts.EdgeChannels; ch++ {
			m.FlagChannel(first + ch)
			m.FlagChannel(first + chPerSb - 1 - ch)
		}
		if opts.FlagDC {
			m.FlagChannel(first + chPerSb/2)
		}
	}
	for _, sb := range opts.FlaggedSubbands {
		if sb < 0 || (sb+1)*chPerSb > opts.Channels {
			continue
		}
		for ch := sb * chPerSb; ch < (sb+1)*chPerSb; ch++ {
			m.FlagChannel(ch)
		}
	}
	if opts.QuackInit > start {
		m.FlagTimesteps(0, opts.QuackInit-start)
	}
	if opts.QuackEnd > 0 {
		m.FlagTimesteps(opts.TotalScans-opts.QuackEnd-start, width)
	}
	m.FlagTimesteps(filled, width)
	return m
}
