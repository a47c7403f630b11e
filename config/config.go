// Package config defines the configuration of a preprocessing run. A
// configuration is immutable once the run is started.
package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Configuration errors. They are reported before any file is opened.
var (
	// ErrInvalid is the parent of all configuration errors.
	ErrInvalid = errors.New("invalid configuration")
	// ErrNoAntennas is returned if array has no antennas.
	ErrNoAntennas = fmt.Errorf("%w: no antennas", ErrInvalid)
	// ErrInputs is returned if hardware inputs don't match antennas.
	ErrInputs = fmt.Errorf("%w: inputs", ErrInvalid)
	// ErrChannels is returned if channels can't be split into subbands.
	ErrChannels = fmt.Errorf("%w: channels", ErrInvalid)
	// ErrAveraging is returned for averaging factors incompatible with
	// the band.
	ErrAveraging = fmt.Errorf("%w: averaging", ErrInvalid)
	// ErrBudget is returned if memory budget doesn't fit a single scan.
	ErrBudget = fmt.Errorf("%w: memory budget", ErrInvalid)
	// ErrNoFiles is returned if no input files are provided.
	ErrNoFiles = fmt.Errorf("%w: no input files", ErrInvalid)
	// ErrEdgeFlags is returned if more edge channels are flagged than
	// available in a subband.
	ErrEdgeFlags = fmt.Errorf("%w: edge flags", ErrInvalid)
)

const (
	// X polarization index.
	X = 0
	// Y polarization index.
	Y = 1
)

type (
	// Config is a full configuration of a preprocessing run.
	Config struct {
		Observation Observation `json:"observation"`
		// Files are input paths indexed by [time range][subband]. An
		// empty path marks a missing file.
		Files [][]string `json:"files"`

		Threads       int     `json:"threads"`
		MemoryBudget  int64   `json:"memoryBudget"`
		MemoryPercent float64 `json:"memoryPercent"`

		TimeResolution      float64 `json:"timeResolution"`
		FrequencyResolution float64 `json:"frequencyResolutionKHz"`

		FlaggedAntennas []int   `json:"flaggedAntennas"`
		FlaggedSubbands []int   `json:"flaggedSubbands"`
		EdgeWidthKHz    float64 `json:"edgeWidthKHz"`
		FlagDCChannels  bool    `json:"flagDCChannels"`
		QuackInit       float64 `json:"quackInit"`
		QuackEnd        float64 `json:"quackEnd"`
		FlagAutos       bool    `json:"flagAutos"`

		RFIDetection        bool `json:"rfiDetection"`
		CollectStatistics   bool `json:"collectStatistics"`
		CorrectCableLength  bool `json:"correctCableLength"`
		ApplySubbandGains   bool `json:"applySubbandGains"`
		GeometricCorrection bool `json:"geometricCorrection"`
		RemoveAutos         bool `json:"removeAutos"`
		RemoveFlagged       bool `json:"removeFlaggedAntennas"`
		AlignFiles          bool `json:"alignFiles"`
		AllowMissing        bool `json:"allowMissing"`
		SkipWriting         bool `json:"skipWriting"`

		// Passband is a measured passband of a single subband. It's
		// resampled to the number of channels per subband.
		Passband []float64 `json:"passband"`

		// SolutionsFile contains calibration Jones matrices applied
		// to the output rows.
		SolutionsFile                 string `json:"solutionsFile"`
		ApplySolutionsBeforeAveraging bool   `json:"applySolutionsBeforeAveraging"`
		// FlagFile contains precomputed flags. It replaces interference
		// detection.
		FlagFile string `json:"flagFile"`

		StatisticsReport string `json:"statisticsReport"`
		CommandLine      string `json:"-"`
	}

	// Observation describes the instrument set up and the observed field.
	Observation struct {
		Name            string    `json:"name"`
		Telescope       string    `json:"telescope"`
		Observer        string    `json:"observer"`
		Project         string    `json:"project"`
		Antennas        []Antenna `json:"antennas"`
		Inputs          []Input   `json:"inputs"`
		Channels        int       `json:"channels"`
		Subbands        int       `json:"subbands"`
		SubbandNumbers  []int     `json:"subbandNumbers"`
		Scans           int       `json:"scans"`
		IntegrationTime float64   `json:"integrationTime"`
		// StartTime is the time of the first scan in seconds.
		StartTime float64 `json:"startTime"`
		// LowestFrequency is the centre frequency of the first
		// channel in Hz. It's ignored when SubbandNumbers are set.
		LowestFrequency float64 `json:"lowestFrequency"`
		BandwidthMHz    float64 `json:"bandwidthMHz"`
		PhaseCentreRA   float64 `json:"phaseCentreRA"`
		PhaseCentreDec  float64 `json:"phaseCentreDec"`
		Longitude       float64 `json:"longitude"`
		Latitude        float64 `json:"latitude"`
		// PFBMapping enables filter bank output reordering of
		// the correlator files.
		PFBMapping bool `json:"pfbMapping"`
	}

	// Antenna is a single antenna of the array.
	Antenna struct {
		Name     string     `json:"name"`
		Position [3]float64 `json:"position"`
		Flagged  bool       `json:"flagged"`
	}

	// Input is a single hardware correlator input.
	Input struct {
		Antenna      int  `json:"antenna"`
		Polarization int  `json:"polarization"`
		Flagged      bool `json:"flagged"`
		// CableLengthDelta is the electrical length difference in m.
		CableLengthDelta float64 `json:"cableLengthDelta"`
		// Gains are digital gains per subband.
		Gains []float64 `json:"gains"`
	}

	// Option configures the run.
	Option func(*Config) error
)

// Default returns a configuration with default processing options.
func Default() Config {
	return Config{
		MemoryPercent:      50,
		EdgeWidthKHz:       80,
		FlagDCChannels:     true,
		QuackInit:          4,
		FlagAutos:          true,
		RFIDetection:       true,
		CollectStatistics:  true,
		CorrectCableLength: true,
		ApplySubbandGains:  true,
		AlignFiles:         true,
	}
}

// New returns default configuration with options applied.
func New(obs Observation, options ...Option) (Config, error) {
	c := Default()
	c.Observation = obs
	for _, option := range options {
		if err := option(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// WithFiles sets the input files.
func WithFiles(files [][]string) Option {
	return func(c *Config) error {
		c.Files = files
		return nil
	}
}

// WithThreads sets number of baseline workers.
func WithThreads(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: threads %d", ErrInvalid, n)
		}
		c.Threads = n
		return nil
	}
}

// WithMemoryBudget sets absolute memory budget in bytes.
func WithMemoryBudget(bytes int64) Option {
	return func(c *Config) error {
		c.MemoryBudget = bytes
		return nil
	}
}

// WithResolution sets output time resolution in seconds and frequency
// resolution in kHz.
func WithResolution(seconds, kHz float64) Option {
	return func(c *Config) error {
		c.TimeResolution = seconds
		c.FrequencyResolution = kHz
		return nil
	}
}

// WithFlags sets flagging parameters.
func WithFlags(edgeWidthKHz float64, flagDC bool, quackInit, quackEnd float64) Option {
	return func(c *Config) error {
		c.EdgeWidthKHz = edgeWidthKHz
		c.FlagDCChannels = flagDC
		c.QuackInit = quackInit
		c.QuackEnd = quackEnd
		return nil
	}
}

// WithApply applies arbitrary change to the configuration.
func WithApply(fn func(*Config)) Option {
	return func(c *Config) error {
		fn(c)
		return nil
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	o := &c.Observation
	if len(o.Antennas) == 0 {
		return ErrNoAntennas
	}
	if len(o.Inputs) != 2*len(o.Antennas) {
		return fmt.Errorf("%w: %d inputs for %d antennas", ErrInputs, len(o.Inputs), len(o.Antennas))
	}
	seen := make(map[[2]int]bool, len(o.Inputs))
	for i, in := range o.Inputs {
		if in.Antenna < 0 || in.Antenna >= len(o.Antennas) || (in.Polarization != X && in.Polarization != Y) {
			return fmt.Errorf("%w: input %d maps to antenna %d pol %d", ErrInputs, i, in.Antenna, in.Polarization)
		}
		k := [2]int{in.Antenna, in.Polarization}
		if seen[k] {
			return fmt.Errorf("%w: input %d duplicates antenna %d pol %d", ErrInputs, i, in.Antenna, in.Polarization)
		}
		seen[k] = true
	}
	if o.Subbands <= 0 || o.Channels <= 0 || o.Channels%o.Subbands != 0 {
		return fmt.Errorf("%w: %d channels in %d subbands", ErrChannels, o.Channels, o.Subbands)
	}
	if len(o.SubbandNumbers) != 0 && len(o.SubbandNumbers) != o.Subbands {
		return fmt.Errorf("%w: %d subband numbers for %d subbands", ErrChannels, len(o.SubbandNumbers), o.Subbands)
	}
	for i, n := range o.SubbandNumbers {
		if n < 1 || n != o.SubbandNumbers[0]+i {
			return fmt.Errorf("%w: subband numbers %v are not a contiguous band", ErrChannels, o.SubbandNumbers)
		}
	}
	if o.IntegrationTime <= 0 {
		return fmt.Errorf("%w: integration time %v", ErrInvalid, o.IntegrationTime)
	}
	if o.Scans <= 0 {
		return fmt.Errorf("%w: %d scans", ErrInvalid, o.Scans)
	}
	if c.FreqAvgFactor() > o.Channels {
		return fmt.Errorf("%w: frequency factor %d exceeds %d channels", ErrAveraging, c.FreqAvgFactor(), o.Channels)
	}
	if c.TimeAvgFactor() > o.Scans {
		return fmt.Errorf("%w: time factor %d exceeds %d scans", ErrAveraging, c.TimeAvgFactor(), o.Scans)
	}
	if c.EdgeChannels()*2 > c.ChannelsPerSubband() {
		return fmt.Errorf("%w: %d edge channels with %d channels per subband", ErrEdgeFlags, c.EdgeChannels(), c.ChannelsPerSubband())
	}
	for i, in := range o.Inputs {
		if c.ApplySubbandGains && len(in.Gains) != 0 && len(in.Gains) != o.Subbands {
			return fmt.Errorf("%w: input %d has %d gains for %d subbands", ErrInputs, i, len(in.Gains), o.Subbands)
		}
	}
	for _, a := range c.FlaggedAntennas {
		if a < 0 || a >= len(o.Antennas) {
			return fmt.Errorf("%w: flagged antenna %d out of %d antennas", ErrInvalid, a, len(o.Antennas))
		}
	}
	for _, sb := range c.FlaggedSubbands {
		if sb < 0 || sb >= o.Subbands {
			return fmt.Errorf("%w: flagged subband %d out of %d subbands", ErrInvalid, sb, o.Subbands)
		}
	}
	if len(c.Files) == 0 {
		return ErrNoFiles
	}
	for i, set := range c.Files {
		if len(set) != o.Subbands {
			return fmt.Errorf("%w: time range %d has %d files for %d subbands", ErrNoFiles, i, len(set), o.Subbands)
		}
	}
	if c.MemoryBudget < 0 || c.MemoryPercent < 0 || c.MemoryPercent > 100 {
		return fmt.Errorf("%w: budget %d bytes / %v%%", ErrBudget, c.MemoryBudget, c.MemoryPercent)
	}
	return nil
}

// ChannelsPerSubband returns number of channels in a single subband.
func (c *Config) ChannelsPerSubband() int {
	return c.Observation.Channels / c.Observation.Subbands
}

// ChannelWidth returns width of a channel in Hz.
func (c *Config) ChannelWidth() float64 {
	return c.Observation.BandwidthMHz * 1e6 / float64(c.Observation.Channels)
}

// SubbandWidth returns width of a subband in Hz.
func (c *Config) SubbandWidth() float64 {
	return c.Observation.BandwidthMHz * 1e6 / float64(c.Observation.Subbands)
}

// ChannelFrequency returns the centre frequency of the channel in Hz.
// When subband numbers are set, the subband with number n starts at
// (n-0.5) subband widths.
func (c *Config) ChannelFrequency(ch int) float64 {
	numbers := c.Observation.SubbandNumbers
	if len(numbers) != c.Observation.Subbands {
		return c.Observation.LowestFrequency + float64(ch)*c.ChannelWidth()
	}
	chPerSb := c.ChannelsPerSubband()
	first := (float64(numbers[ch/chPerSb]) - 0.5) * c.SubbandWidth()
	return first + float64(ch%chPerSb)*c.ChannelWidth()
}

// ChannelFrequencies returns centre frequencies of all channels.
func (c *Config) ChannelFrequencies() []float64 {
	f := make([]float64, c.Observation.Channels)
	for ch := range f {
		f[ch] = c.ChannelFrequency(ch)
	}
	return f
}

// TimeAvgFactor returns number of scans averaged into one output row.
func (c *Config) TimeAvgFactor() int {
	return factor(c.TimeResolution, c.Observation.IntegrationTime)
}

// FreqAvgFactor returns number of channels averaged into one output
// channel.
func (c *Config) FreqAvgFactor() int {
	return factor(c.FrequencyResolution*1e3, c.ChannelWidth())
}

// EdgeChannels returns number of channels flagged at each edge of subband.
func (c *Config) EdgeChannels() int {
	return factor0(c.EdgeWidthKHz*1e3, c.ChannelWidth())
}

// QuackInitScans returns number of scans flagged at the start.
func (c *Config) QuackInitScans() int {
	return factor0(c.QuackInit, c.Observation.IntegrationTime)
}

// QuackEndScans returns number of scans flagged at the end.
func (c *Config) QuackEndScans() int {
	return factor0(c.QuackEnd, c.Observation.IntegrationTime)
}

// IsAntennaFlagged checks if the antenna is flagged by configuration or
// observation metadata.
func (c *Config) IsAntennaFlagged(antenna int) bool {
	if c.Observation.Antennas[antenna].Flagged {
		return true
	}
	for _, a := range c.FlaggedAntennas {
		if a == antenna {
			return true
		}
	}
	return false
}

// AntennaInputs returns the X and Y inputs of every antenna.
func (c *Config) AntennaInputs() [][2]*Input {
	result := make([][2]*Input, len(c.Observation.Antennas))
	for i := range c.Observation.Inputs {
		in := &c.Observation.Inputs[i]
		result[in.Antenna][in.Polarization] = in
	}
	return result
}

// SubbandOrder returns for every subband the index of the file in the file
// set. Subbands with coarse channel number above 128 are stored in reverse
// order.
func (c *Config) SubbandOrder() []int {
	n := c.Observation.Subbands
	order := make([]int, n)
	numbers := c.Observation.SubbandNumbers
	sb := 0
	for sb < n {
		if len(numbers) != 0 && numbers[sb] > 128 {
			break
		}
		order[sb] = sb
		sb++
	}
	for right := n - 1; right >= 0 && sb < n; right-- {
		order[right] = sb
		sb++
	}
	return order
}

// FlaggedSubbandSet returns configured flagged subbands, sorted and
// deduplicated.
func (c *Config) FlaggedSubbandSet() []int {
	m := make(map[int]struct{})
	for _, sb := range c.FlaggedSubbands {
		m[sb] = struct{}{}
	}
	result := make([]int, 0, len(m))
	for sb := range m {
		result = append(result, sb)
	}
	sort.Ints(result)
	return result
}

// Budget returns memory budget in bytes. Absolute budget takes precedence
// over percentage of physical memory.
func (c *Config) Budget() (int64, error) {
	if c.MemoryBudget > 0 {
		return c.MemoryBudget, nil
	}
	total, err := TotalMemory()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBudget, err)
	}
	return int64(float64(total) * c.MemoryPercent / 100), nil
}

// factor returns rounded ratio, at least one.
func factor(value, unit float64) int {
	return max(factor0(value, unit), 1)
}

func factor0(value, unit float64) int {
	if unit <= 0 || value <= 0 {
		return 0
	}
	return int(math.Round(value / unit))
}
