// Package process corrects and flags per-baseline buffers of a window in
// parallel.
package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/passband"
	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/window"
)

var (
	// ErrWorker is returned when processing of a baseline fails.
	ErrWorker = errors.New("process: worker failed")
	// ErrMaskShape is returned when flagger returns a mask that doesn't
	// match the buffer.
	ErrMaskShape = errors.New("process: flag mask shape mismatch")
)

// Conjugator tells which stored products must be conjugated.
type Conjugator interface {
	IsConjugated(a1, a2, p1, p2 int) bool
}

// Input describes a single polarization of an antenna.
type Input struct {
	// CableLengthDelta is the electrical length difference in m.
	CableLengthDelta float64
	// Gains are digital gains per subband.
	Gains   []float64
	Flagged bool
}

// Corrections contains run-wide correction tables. It's immutable once
// the pool is started.
type Corrections struct {
	// Inputs are indexed by antenna and polarization.
	Inputs [][2]Input
	// Frequencies of all channels in Hz.
	Frequencies  []float64
	Subbands     int
	Passband     *passband.Table
	CorrectCable bool
	ApplyGains   bool
}

// Job is a single window to process.
type Job struct {
	Arena      *window.Arena
	Conjugator Conjugator
	// Defect mask is shared by all baselines.
	Defect *vis.FlagMask
}

// Pool processes all baselines of a window with a fixed number of workers
// pulling from a shared queue.
type Pool struct {
	Workers     int
	Flagger     Flagger
	Corrections *Corrections
	// FlaggedAntennas are excluded from flagging and fully flagged.
	FlaggedAntennas   []bool
	RFIDetection      bool
	FlagAutos         bool
	CollectStatistics bool
	Logger            logrus.FieldLogger
	Metric            *metric.Metric

	meters []*metric.Meter
}

// queue is a FIFO of baseline indices.
type queue struct {
	m     sync.Mutex
	items []int
	next  int
	err   error
}

func (q *queue) pop() (int, bool) {
	q.m.Lock()
	defer q.m.Unlock()
	if q.err != nil || q.next == len(q.items) {
		return 0, false
	}
	i := q.items[q.next]
	q.next++
	return i, true
}

// fail stops the queue and keeps the first error.
func (q *queue) fail(err error) {
	q.m.Lock()
	defer q.m.Unlock()
	if q.err == nil {
		q.err = err
	}
}

// Run processes all slots of the arena that are Ready. Slots are left
// Corrected with flags set. Statistics of the window are returned.
func (p *Pool) Run(ctx context.Context, job *Job) (*quality.Statistics, error) {
	logger := p.Logger
	if logger == nil {
		logger = log.Discard()
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	q := queue{items: make([]int, job.Arena.Len())}
	for i := range q.items {
		q.items[i] = i
	}
	channels := job.Defect.Channels()
	width := job.Defect.Width()
	w := worker{
		Pool:     p,
		job:      job,
		fullySet: vis.NewFlagMask(channels, width, true),
		logger:   logger,
	}

	var (
		wg    sync.WaitGroup
		m     sync.Mutex
		stats = quality.New(channels)
	)
	for i := len(p.meters); i < workers; i++ {
		p.meters = append(p.meters, p.Metric.Meter(fmt.Sprintf("worker.%d", i)))
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		meter := p.meters[i]
		go func() {
			defer wg.Done()
			partial := quality.New(channels)
			w.run(ctx, &q, partial, meter)
			// merged once per worker.
			m.Lock()
			stats.Merge(partial)
			m.Unlock()
		}()
	}
	wg.Wait()
	if q.err != nil {
		return nil, q.err
	}
	return stats, nil
}

// worker contains state shared by all workers of a run.
type worker struct {
	*Pool
	job      *Job
	fullySet *vis.FlagMask
	logger   logrus.FieldLogger
}

func (w *worker) run(ctx context.Context, q *queue, stats *quality.Statistics, meter *metric.Meter) {
	for {
		if err := ctx.Err(); err != nil {
			q.fail(err)
			return
		}
		i, ok := q.pop()
		if !ok {
			return
		}
		if err := w.baseline(i, stats); err != nil {
			q.fail(err)
			return
		}
		slot := w.job.Arena.Slot(i)
		meter.Message().Sample(int64(slot.Buffer.Channels() * slot.Buffer.Width() * vis.Polarizations))
	}
}

// baseline processes a single slot. Panics are turned into errors.
func (w *worker) baseline(i int, stats *quality.Statistics) (err error) {
	slot := w.job.Arena.Slot(i)
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("baseline", slot.Baseline).Debugf("panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("%w: baseline %v: panic: %v", ErrWorker, slot.Baseline, r)
		}
	}()
	if err := w.job.Arena.Transition(i, window.Ready, window.Corrected); err != nil {
		return fmt.Errorf("%w: %v", ErrWorker, err)
	}
	b := slot.Baseline
	w.correct(b, slot.Buffer)

	var (
		flags       *vis.FlagMask
		statsFlags  *vis.FlagMask
		skipFlagger = w.isFlagged(b.Antenna1) || w.isFlagged(b.Antenna2)
	)
	if skipFlagger {
		flags = w.fullySet.Clone()
		statsFlags = flags
	} else {
		if w.RFIDetection && !b.IsAuto() && w.Flagger != nil {
			if bf, ok := w.Flagger.(BaselineFlagger); ok {
				flags, err = bf.RunBaseline(b, w.job.Arena.Window().Start, slot.Buffer, w.job.Defect)
			} else {
				flags, err = w.Flagger.Run(slot.Buffer, w.job.Defect)
			}
			if err != nil {
				return fmt.Errorf("%w: baseline %v: %v", ErrWorker, b, err)
			}
			if !flags.SameShape(w.job.Defect) {
				return fmt.Errorf("%w: %w: baseline %v", ErrWorker, ErrMaskShape, b)
			}
			if flags == w.job.Defect {
				flags = flags.Clone()
			}
		} else {
			flags = vis.NewFlagMask(slot.Buffer.Channels(), slot.Buffer.Width(), false)
		}
		if err := flags.Or(w.job.Defect); err != nil {
			return fmt.Errorf("%w: baseline %v: %v", ErrWorker, b, err)
		}
		statsFlags = flags
	}
	if w.CollectStatistics {
		stats.Collect(b, slot.Buffer, statsFlags)
	}
	if b.IsAuto() && w.FlagAutos {
		flags.SetAll(true)
	}
	slot.Flags = flags
	return nil
}

func (w *worker) isFlagged(antenna int) bool {
	if antenna < len(w.FlaggedAntennas) && w.FlaggedAntennas[antenna] {
		return true
	}
	in := w.Corrections.Inputs[antenna]
	return in[0].Flagged || in[1].Flagged
}

// correct applies conjugation, cable length and passband corrections in
// place.
func (w *worker) correct(b vis.Baseline, buf *vis.Buffer) {
	c := w.Corrections
	in1, in2 := c.Inputs[b.Antenna1], c.Inputs[b.Antenna2]
	channels := buf.Channels()
	chPerSb := channels / c.Subbands
	for p1 := 0; p1 < 2; p1++ {
		for p2 := 0; p2 < 2; p2++ {
			p := p1*2 + p2
			if w.job.Conjugator != nil && w.job.Conjugator.IsConjugated(b.Antenna1, b.Antenna2, p1, p2) {
				for ch := 0; ch < channels; ch++ {
					vis.Conjugate(buf.Row(p, ch))
				}
			}

			if delay := in2[p2].CableLengthDelta - in1[p1].CableLengthDelta; c.CorrectCable && delay != 0 {
				for ch := 0; ch < channels; ch++ {
					angle := -2 * math.Pi * delay * c.Frequencies[ch] / vis.SpeedOfLight
					vis.Rotate(buf.Row(p, ch), vis.Phasor(angle))
				}
			}

			for sb := 0; sb < c.Subbands; sb++ {
				gain := 1.0
				if c.ApplyGains {
					gain = subbandGain(in1[p1].Gains, sb) * subbandGain(in2[p2].Gains, sb)
				}
				for ch := 0; ch < chPerSb; ch++ {
					factor := 1 / gain
					if c.Passband != nil {
						factor = c.Passband.Factor(p, ch) / gain
					}
					if factor != 1 {
						vis.Scale(buf.Row(p, sb*chPerSb+ch), float32(factor))
					}
				}
			}
		}
	}
}

func subbandGain(gains []float64, sb int) float64 {
	if sb < len(gains) && gains[sb] != 0 {
		return gains[sb]
	}
	return 1
}
