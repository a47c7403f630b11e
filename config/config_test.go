package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/corrpipe/config"
)

// valid returns configuration of 2 antennas with 8 channels 10 kHz wide
// in 2 subbands.
func valid() config.Config {
	c := config.Default()
	c.Observation = config.Observation{
		Antennas:        make([]config.Antenna, 2),
		Inputs:          make([]config.Input, 4),
		Channels:        8,
		Subbands:        2,
		Scans:           4,
		IntegrationTime: 2,
		LowestFrequency: 100e6,
		BandwidthMHz:    0.08,
	}
	for i := range c.Observation.Inputs {
		c.Observation.Inputs[i] = config.Input{Antenna: i / 2, Polarization: i % 2}
	}
	c.EdgeWidthKHz = 10
	c.Files = [][]string{{"a", "b"}}
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		apply    func(*config.Config)
		expected error
	}{
		{
			name:  "valid",
			apply: func(*config.Config) {},
		},
		{
			name:     "no antennas",
			apply:    func(c *config.Config) { c.Observation.Antennas = nil },
			expected: config.ErrNoAntennas,
		},
		{
			name:     "inputs count",
			apply:    func(c *config.Config) { c.Observation.Inputs = c.Observation.Inputs[:3] },
			expected: config.ErrInputs,
		},
		{
			name:     "duplicate input",
			apply:    func(c *config.Config) { c.Observation.Inputs[3].Polarization = config.X },
			expected: config.ErrInputs,
		},
		{
			name:     "input antenna",
			apply:    func(c *config.Config) { c.Observation.Inputs[3].Antenna = 2 },
			expected: config.ErrInputs,
		},
		{
			name:     "gains",
			apply:    func(c *config.Config) { c.Observation.Inputs[0].Gains = []float64{1} },
			expected: config.ErrInputs,
		},
		{
			name:     "channels",
			apply:    func(c *config.Config) { c.Observation.Subbands = 3 },
			expected: config.ErrChannels,
		},
		{
			name:     "subband numbers count",
			apply:    func(c *config.Config) { c.Observation.SubbandNumbers = []int{100} },
			expected: config.ErrChannels,
		},
		{
			name:     "subband numbers gap",
			apply:    func(c *config.Config) { c.Observation.SubbandNumbers = []int{100, 150} },
			expected: config.ErrChannels,
		},
		{
			name:     "subband numbers order",
			apply:    func(c *config.Config) { c.Observation.SubbandNumbers = []int{101, 100} },
			expected: config.ErrChannels,
		},
		{
			name:     "subband number zero",
			apply:    func(c *config.Config) { c.Observation.SubbandNumbers = []int{0, 1} },
			expected: config.ErrChannels,
		},
		{
			name:  "contiguous subband numbers",
			apply: func(c *config.Config) { c.Observation.SubbandNumbers = []int{128, 129} },
		},
		{
			name:     "integration time",
			apply:    func(c *config.Config) { c.Observation.IntegrationTime = 0 },
			expected: config.ErrInvalid,
		},
		{
			name:     "frequency averaging",
			apply:    func(c *config.Config) { c.FrequencyResolution = 100 },
			expected: config.ErrAveraging,
		},
		{
			name:     "time averaging",
			apply:    func(c *config.Config) { c.TimeResolution = 10 },
			expected: config.ErrAveraging,
		},
		{
			name:     "edge flags",
			apply:    func(c *config.Config) { c.EdgeWidthKHz = 30 },
			expected: config.ErrEdgeFlags,
		},
		{
			name:     "flagged antenna",
			apply:    func(c *config.Config) { c.FlaggedAntennas = []int{1, 2} },
			expected: config.ErrInvalid,
		},
		{
			name:     "negative flagged antenna",
			apply:    func(c *config.Config) { c.FlaggedAntennas = []int{-1} },
			expected: config.ErrInvalid,
		},
		{
			name:     "flagged subband",
			apply:    func(c *config.Config) { c.FlaggedSubbands = []int{2} },
			expected: config.ErrInvalid,
		},
		{
			name:  "flagged subband in range",
			apply: func(c *config.Config) { c.FlaggedSubbands = []int{1, 1} },
		},
		{
			name:     "no files",
			apply:    func(c *config.Config) { c.Files = nil },
			expected: config.ErrNoFiles,
		},
		{
			name:     "files of time range",
			apply:    func(c *config.Config) { c.Files = append(c.Files, []string{"c"}) },
			expected: config.ErrNoFiles,
		},
		{
			name:     "memory percent",
			apply:    func(c *config.Config) { c.MemoryPercent = 101 },
			expected: config.ErrBudget,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := valid()
			test.apply(&c)
			err := c.Validate()
			if test.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, test.expected)
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestFactors(t *testing.T) {
	tests := []struct {
		timeRes   float64
		freqRes   float64
		edge      float64
		quackInit float64
		quackEnd  float64
		timeAvg   int
		freqAvg   int
		edgeChans int
		initScans int
		endScans  int
	}{
		{
			timeAvg:   1,
			freqAvg:   1,
			edgeChans: 0,
		},
		{
			timeRes:   4,
			freqRes:   40,
			edge:      20,
			quackInit: 4,
			quackEnd:  2,
			timeAvg:   2,
			freqAvg:   4,
			edgeChans: 2,
			initScans: 2,
			endScans:  1,
		},
		{
			// rounded to the nearest.
			timeRes:   5,
			freqRes:   14,
			edge:      4,
			quackInit: 1.2,
			timeAvg:   3,
			freqAvg:   1,
			edgeChans: 0,
			initScans: 1,
		},
	}
	for _, test := range tests {
		c := valid()
		c.TimeResolution = test.timeRes
		c.FrequencyResolution = test.freqRes
		c.EdgeWidthKHz = test.edge
		c.QuackInit = test.quackInit
		c.QuackEnd = test.quackEnd
		assert.Equal(t, test.timeAvg, c.TimeAvgFactor())
		assert.Equal(t, test.freqAvg, c.FreqAvgFactor())
		assert.Equal(t, test.edgeChans, c.EdgeChannels())
		assert.Equal(t, test.initScans, c.QuackInitScans())
		assert.Equal(t, test.endScans, c.QuackEndScans())
	}
}

func TestChannelFrequencies(t *testing.T) {
	c := valid()
	assert.Equal(t, 4, c.ChannelsPerSubband())
	assert.InDelta(t, 1e4, c.ChannelWidth(), 1e-9)
	assert.InDelta(t, 4e4, c.SubbandWidth(), 1e-9)
	f := c.ChannelFrequencies()
	require.Len(t, f, 8)
	for ch := range f {
		assert.InDelta(t, 100e6+float64(ch)*1e4, f[ch], 1e-6)
	}

	// coarse channels of 1.28 MHz.
	c.Observation.Channels = 4
	c.Observation.Subbands = 2
	c.Observation.BandwidthMHz = 2.56
	c.Observation.SubbandNumbers = []int{100, 150}
	f = c.ChannelFrequencies()
	expected := []float64{99.5 * 1.28e6, 99.5*1.28e6 + 0.64e6, 149.5 * 1.28e6, 149.5*1.28e6 + 0.64e6}
	require.Len(t, f, len(expected))
	for ch := range f {
		assert.InDelta(t, expected[ch], f[ch], 1e-3, "channel %d", ch)
	}
	assert.InDelta(t, 6.4e7, f[2]-f[0], 1e-3)
}

func TestSubbandOrder(t *testing.T) {
	tests := []struct {
		numbers  []int
		expected []int
	}{
		{
			numbers:  nil,
			expected: []int{0, 1, 2, 3},
		},
		{
			numbers:  []int{100, 101, 102, 103},
			expected: []int{0, 1, 2, 3},
		},
		{
			numbers:  []int{127, 128, 129, 130},
			expected: []int{0, 1, 3, 2},
		},
		{
			numbers:  []int{129, 130, 131, 132},
			expected: []int{3, 2, 1, 0},
		},
	}
	for _, test := range tests {
		c := valid()
		c.Observation.Channels = 8
		c.Observation.Subbands = 4
		c.Observation.SubbandNumbers = test.numbers
		assert.Equal(t, test.expected, c.SubbandOrder(), "numbers %v", test.numbers)
	}
}

func TestFlagged(t *testing.T) {
	c := valid()
	c.Observation.Antennas = make([]config.Antenna, 3)
	c.Observation.Antennas[0].Flagged = true
	c.FlaggedAntennas = []int{2}
	c.FlaggedSubbands = []int{1, 0, 1}
	assert.True(t, c.IsAntennaFlagged(0))
	assert.False(t, c.IsAntennaFlagged(1))
	assert.True(t, c.IsAntennaFlagged(2))
	assert.Equal(t, []int{0, 1}, c.FlaggedSubbandSet())

	c = valid()
	inputs := c.AntennaInputs()
	require.Len(t, inputs, 2)
	assert.Same(t, &c.Observation.Inputs[3], inputs[1][config.Y])
}

func TestBudget(t *testing.T) {
	c := valid()
	c.MemoryBudget = 1 << 20
	b, err := c.Budget()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), b)

	c.MemoryBudget = 0
	if _, err := config.TotalMemory(); err != nil {
		_, err = c.Budget()
		assert.ErrorIs(t, err, config.ErrBudget)
		return
	}
	b, err = c.Budget()
	require.NoError(t, err)
	assert.Greater(t, b, int64(0))
}

func TestOptions(t *testing.T) {
	c, err := config.New(valid().Observation,
		config.WithFiles([][]string{{"x", "y"}}),
		config.WithThreads(3),
		config.WithMemoryBudget(100),
		config.WithResolution(4, 20),
		config.WithFlags(20, false, 2, 1),
	)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y"}}, c.Files)
	assert.Equal(t, 3, c.Threads)
	assert.Equal(t, int64(100), c.MemoryBudget)
	assert.Equal(t, 2, c.TimeAvgFactor())
	assert.Equal(t, 2, c.FreqAvgFactor())
	assert.Equal(t, 2, c.EdgeChannels())
	assert.False(t, c.FlagDCChannels)
	assert.Equal(t, 1, c.QuackInitScans())
	assert.True(t, c.RFIDetection, "defaults are kept")

	_, err = config.New(valid().Observation, config.WithThreads(-1))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	c := valid()
	c.FlaggedAntennas = []int{1}
	c.SolutionsFile = "solutions.bin"
	c.Observation.SubbandNumbers = []int{10, 11}
	require.NoError(t, config.Save(path, c))

	loaded, err := config.Load(path, config.WithThreads(2))
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Threads)
	assert.Equal(t, c.Observation.Inputs, loaded.Observation.Inputs)
	assert.Equal(t, c.Observation.SubbandNumbers, loaded.Observation.SubbandNumbers)
	assert.Equal(t, c.Observation.BandwidthMHz, loaded.Observation.BandwidthMHz)
	assert.Equal(t, c.Files, loaded.Files)
	assert.Equal(t, c.FlaggedAntennas, loaded.FlaggedAntennas)
	assert.Equal(t, c.SolutionsFile, loaded.SolutionsFile)
	assert.Equal(t, c.EdgeWidthKHz, loaded.EdgeWidthKHz)
	assert.NoError(t, loaded.Validate())

	// missing values keep defaults.
	partial := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"observation": {"name": "partial"}, "quackInit": 0}`), 0o644))
	loaded, err = config.Load(partial)
	require.NoError(t, err)
	assert.Equal(t, "partial", loaded.Observation.Name)
	assert.Equal(t, 0.0, loaded.QuackInit)
	assert.Equal(t, config.Default().EdgeWidthKHz, loaded.EdgeWidthKHz)
	assert.True(t, loaded.FlagDCChannels)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"observation": `), 0o644))
	_, err = config.Load(broken)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = config.Load(filepath.Join(dir, "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
