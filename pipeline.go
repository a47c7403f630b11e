package corrpipe

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dudk/corrpipe/calibration"
	"github.com/dudk/corrpipe/config"
	"github.com/dudk/corrpipe/geometry"
	"github.com/dudk/corrpipe/gpubox"
	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/passband"
	"github.com/dudk/corrpipe/process"
	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/window"
	"github.com/dudk/corrpipe/writer"
)

// Application is the name recorded in the history of outputs.
const Application = "corrpipe"

// Pipeline preprocesses an observation: it reads correlator files window
// by window, corrects and flags every baseline and writes the result to
// the sink.
type Pipeline struct {
	uid      string
	config   config.Config
	sink     writer.Writer
	flagger  process.Flagger
	geometry geometry.Calculator
	logger   logrus.FieldLogger
	metric   *metric.Metric
	onStats  func(*quality.Statistics)

	inputMap   *gpubox.InputMap
	windows    []window.Window
	passband   *passband.Table
	threads    int
	startTime  float64
	offsets    []int
	statistics *quality.Statistics
	flagFile   *process.FlagFile
	timing     timing
}

// timing accumulates wall clock time of the run phases.
type timing struct {
	read    time.Duration
	process time.Duration
	write   time.Duration
}

// Option provides a way to set functional parameters to pipeline.
type Option func(p *Pipeline) error

// WithLogger sets logger to pipeline. If this option is not provided,
// the default logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipeline) error {
		p.logger = logger
		return nil
	}
}

// WithMetric adds metrics for the pipeline and all components.
func WithMetric(m *metric.Metric) Option {
	return func(p *Pipeline) error {
		p.metric = m
		return nil
	}
}

// WithFlagger sets interference detection. Without this option no
// interference is detected.
func WithFlagger(f process.Flagger) Option {
	return func(p *Pipeline) error {
		p.flagger = f
		return nil
	}
}

// WithGeometry sets UVW calculator. Without this option a rotating earth
// model of configured antenna positions is used.
func WithGeometry(g geometry.Calculator) Option {
	return func(p *Pipeline) error {
		p.geometry = g
		return nil
	}
}

// WithStatisticsHook sets a function that receives quality statistics of
// the whole observation when processing is done.
func WithStatisticsHook(fn func(*quality.Statistics)) Option {
	return func(p *Pipeline) error {
		p.onStats = fn
		return nil
	}
}

// New validates the configuration and plans the windows. No files are
// opened until Run.
func New(c config.Config, sink writer.Writer, options ...Option) (*Pipeline, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		uid:     xid.New().String(),
		config:  c,
		sink:    sink,
		flagger: process.Identity{},
		logger:  log.GetLogger(),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.WithField("run", p.uid)

	obs := &p.config.Observation
	if p.geometry == nil {
		p.geometry = earth(obs)
	}
	p.threads = c.Threads
	if p.threads == 0 {
		p.threads = runtime.NumCPU()
	}

	budget, err := p.config.Budget()
	if err != nil {
		return nil, err
	}
	baselines := vis.BaselineCount(len(obs.Antennas))
	if p.windows, err = window.Plan(obs.Scans, window.SampleBytes(obs.Channels), baselines, budget); err != nil {
		return nil, err
	}

	inputs := make([]gpubox.AntPol, len(obs.Inputs))
	for i, in := range obs.Inputs {
		inputs[i] = gpubox.AntPol{Antenna: in.Antenna, Polarization: in.Polarization}
	}
	order := gpubox.IdentityOrder(len(inputs))
	if obs.PFBMapping {
		if order, err = gpubox.PFBOrder(len(inputs)); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInputs, err)
		}
	}
	if p.inputMap, err = gpubox.NewInputMap(len(obs.Antennas), order, inputs); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInputs, err)
	}

	chPerSb := p.config.ChannelsPerSubband()
	p.passband = passband.Flat(chPerSb)
	if len(c.Passband) > 0 {
		if p.passband, err = passband.FromGains(c.Passband, chPerSb); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
	}
	return p, nil
}

// earth returns geometry of configured antenna positions. Angles are in
// degrees.
func earth(obs *config.Observation) *geometry.Earth {
	positions := make([][3]float64, len(obs.Antennas))
	for i, a := range obs.Antennas {
		positions[i] = a.Position
	}
	return &geometry.Earth{
		Positions: positions,
		RA:        obs.PhaseCentreRA * math.Pi / 180,
		Dec:       obs.PhaseCentreDec * math.Pi / 180,
		Longitude: obs.Longitude * math.Pi / 180,
	}
}

// Windows returns planned windows.
func (p *Pipeline) Windows() []window.Window {
	return append([]window.Window(nil), p.windows...)
}

// Measure returns metrics of the run.
func (p *Pipeline) Measure() metric.Measure {
	return p.metric.Measure()
}

// Statistics returns quality statistics of the processed windows.
func (p *Pipeline) Statistics() *quality.Statistics {
	return p.statistics
}

// Run processes the whole observation. The sink is closed when Run
// returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Debugf("configuration: %s", spew.Sdump(p.config))
	p.logger.WithFields(logrus.Fields{
		"windows":   len(p.windows),
		"maxLength": window.MaxLen(p.windows),
		"threads":   p.threads,
		"timeAvg":   p.config.TimeAvgFactor(),
		"freqAvg":   p.config.FreqAvgFactor(),
	}).Info("starting")

	w, err := p.newWriter()
	if err != nil {
		return &RunError{ErrProcess: err, ErrClose: p.sink.Close()}
	}
	src := p.newSource()
	errProcess := p.run(ctx, w, src)

	var errs closeErrors
	if err := src.closeReader(); err != nil {
		errs = append(errs, err)
	}
	if p.flagFile != nil {
		if err := p.flagFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.Close(); err != nil {
		errs = append(errs, err)
	}
	errClose := errs.ret()

	p.logger.WithFields(logrus.Fields{
		"read":    p.timing.read,
		"process": p.timing.process,
		"write":   p.timing.write,
	}).Info("finished")
	if m := p.Measure(); m != nil {
		p.logger.Infof("metrics: %v", m)
	}
	if errProcess != nil || errClose != nil {
		return &RunError{ErrProcess: errProcess, ErrClose: errClose}
	}
	return nil
}

// newWriter chains threaded, averaging and calibration writers in front
// of the sink. Solutions are applied after averaging unless configured
// otherwise.
func (p *Pipeline) newWriter() (writer.Writer, error) {
	var solutions *calibration.Solutions
	if p.config.SolutionsFile != "" {
		var err error
		if solutions, err = calibration.Read(p.config.SolutionsFile); err != nil {
			return nil, err
		}
		p.logger.WithFields(logrus.Fields{
			"antennas":        solutions.Antennas,
			"channels":        solutions.Channels,
			"beforeAveraging": p.config.ApplySolutionsBeforeAveraging,
		}).Info("applying calibration solutions")
	}
	before := solutions != nil && p.config.ApplySolutionsBeforeAveraging

	timeAvg, freqAvg := p.config.TimeAvgFactor(), p.config.FreqAvgFactor()
	var w writer.Writer = writer.NewThreaded(p.sink, p.metric.Meter("writer.sink"))
	if solutions != nil && !before {
		w = writer.NewApplySolutions(w, solutions)
	}
	if timeAvg != 1 || freqAvg != 1 {
		averaging := writer.NewAveraging(w, timeAvg, freqAvg, p.geometry, p.logger)
		w = writer.NewThreaded(averaging, p.metric.Meter("writer.averaging"))
	}
	if before {
		w = writer.NewApplySolutions(w, solutions)
	}
	return w, nil
}

func (p *Pipeline) newSource() *source {
	return &source{
		sets:  p.config.Files,
		order: p.config.SubbandOrder(),
		opts: gpubox.ReaderOptions{
			Antennas:     len(p.config.Observation.Antennas),
			Channels:     p.config.Observation.Channels,
			Map:          p.inputMap,
			Align:        p.config.AlignFiles,
			AllowMissing: p.config.AllowMissing,
			Workers:      p.threads,
			OnOffsets:    p.onOffsets,
			Logger:       p.logger,
			Meter:        p.metric.Meter("reader"),
		},
	}
}

// onOffsets keeps offsets of the first time range.
func (p *Pipeline) onOffsets(offsets []int) {
	if p.offsets == nil {
		p.offsets = offsets
		return
	}
	p.logger.WithField("offsets", offsets).Debug("offsets of next time range")
}

func (p *Pipeline) run(ctx context.Context, w writer.Writer, src *source) error {
	if err := src.open(ctx); err != nil {
		return err
	}
	p.startTime = p.config.Observation.StartTime
	if p.startTime == 0 {
		p.startTime = float64(src.reader.StartTime())
	}
	if !p.config.SkipWriting {
		if err := p.writeMetadata(w); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	obs := &p.config.Observation
	flagger := p.flagger
	if p.config.FlagFile != "" {
		ff, err := process.OpenFlagFile(p.config.FlagFile, process.FlagFileHeader{
			Scans:    obs.Scans,
			Antennas: len(obs.Antennas),
			Channels: obs.Channels,
		})
		if err != nil {
			return err
		}
		p.flagFile, flagger = ff, ff
		p.logger.WithField("file", p.config.FlagFile).Info("flags are read from file")
	}
	arena := window.NewArena(len(obs.Antennas), obs.Channels, window.MaxLen(p.windows))
	pool := p.newPool(flagger)
	p.statistics = quality.New(obs.Channels)
	e := newEmitter(p)
	for i, win := range p.windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := p.logger.WithField("window", win)
		logger.Debugf("window %d of %d", i+1, len(p.windows))
		if err := arena.Allocate(win); err != nil {
			return err
		}

		started := time.Now()
		filled, gaps, err := src.fill(ctx, arena)
		if err != nil {
			return fmt.Errorf("read window %v: %w", win, err)
		}
		if filled < win.Len() {
			logger.WithField("samples", win.Len()-filled).Warn("observation is shorter than expected, missing scans are flagged")
		}
		if err := arena.TransitionAll(window.Filling, window.Ready); err != nil {
			return err
		}
		p.timing.read += time.Since(started)

		started = time.Now()
		stats, err := pool.Run(ctx, &process.Job{
			Arena:      arena,
			Conjugator: p.inputMap,
			Defect:     p.defectMask(win, filled, gaps),
		})
		if err != nil {
			return fmt.Errorf("process window %v: %w", win, err)
		}
		p.statistics.Merge(stats)
		if err := arena.TransitionAll(window.Corrected, window.Published); err != nil {
			return err
		}
		p.timing.process += time.Since(started)

		if !p.config.SkipWriting {
			started = time.Now()
			if err := e.window(w, arena); err != nil {
				return fmt.Errorf("write window %v: %w", win, err)
			}
			p.timing.write += time.Since(started)
		}
		arena.Release()
	}

	if !p.config.SkipWriting {
		if err := e.alignment(w); err != nil {
			return fmt.Errorf("write alignment scans: %w", err)
		}
	}
	return p.reportStatistics(w)
}

func (p *Pipeline) newPool(flagger process.Flagger) *process.Pool {
	c := &p.config
	inputs := c.AntennaInputs()
	corrections := &process.Corrections{
		Inputs:       make([][2]process.Input, len(inputs)),
		Frequencies:  c.ChannelFrequencies(),
		Subbands:     c.Observation.Subbands,
		Passband:     p.passband,
		CorrectCable: c.CorrectCableLength,
		ApplyGains:   c.ApplySubbandGains,
	}
	flagged := make([]bool, len(inputs))
	for a, pols := range inputs {
		for pol, in := range pols {
			corrections.Inputs[a][pol] = process.Input{
				CableLengthDelta: in.CableLengthDelta,
				Gains:            in.Gains,
				Flagged:          in.Flagged,
			}
		}
		flagged[a] = c.IsAntennaFlagged(a)
	}
	return &process.Pool{
		Workers:           p.threads,
		Flagger:           flagger,
		Corrections:       corrections,
		FlaggedAntennas:   flagged,
		RFIDetection:      c.RFIDetection || c.FlagFile != "",
		FlagAutos:         c.FlagAutos,
		CollectStatistics: c.CollectStatistics,
		Logger:            p.logger,
		Metric:            p.metric,
	}
}

// defectMask flags samples known to be bad in the window.
func (p *Pipeline) defectMask(win window.Window, filled int, gaps []gap) *vis.FlagMask {
	c := &p.config
	m := process.DefectMask(process.DefectOptions{
		Channels:           c.Observation.Channels,
		ChannelsPerSubband: c.ChannelsPerSubband(),
		EdgeChannels:       c.EdgeChannels(),
		FlagDC:             c.FlagDCChannels,
		FlaggedSubbands:    c.FlaggedSubbandSet(),
		QuackInit:          c.QuackInitScans(),
		QuackEnd:           c.QuackEndScans(),
		TotalScans:         c.Observation.Scans,
	}, win.Start, win.Len(), filled)
	chPerSb := c.ChannelsPerSubband()
	for _, g := range gaps {
		for _, sb := range g.subbands {
			for ch := sb * chPerSb; ch < (sb+1)*chPerSb; ch++ {
				row := m.Row(ch)
				for t := g.from; t < g.to; t++ {
					row[t] = true
				}
			}
		}
	}
	return m
}

// reportStatistics hands statistics to the sink, the hook and the report
// file.
func (p *Pipeline) reportStatistics(w writer.Writer) error {
	if !p.config.CollectStatistics {
		return nil
	}
	if sw, ok := w.(writer.StatisticsWriter); ok && !p.config.SkipWriting {
		if err := sw.WriteStatistics(p.statistics); err != nil {
			return fmt.Errorf("write statistics: %w", err)
		}
	}
	if p.onStats != nil {
		p.onStats(p.statistics)
	}
	if p.config.StatisticsReport == "" {
		return nil
	}
	f, err := os.Create(p.config.StatisticsReport)
	if err != nil {
		return err
	}
	if err := p.statistics.WriteReport(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// scanTime returns the centroid of the scan in unix seconds.
func (p *Pipeline) scanTime(scan int) float64 {
	return p.startTime + (float64(scan)+0.5)*p.config.Observation.IntegrationTime
}
