package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/dudk/corrpipe/config"
	"github.com/dudk/corrpipe/gpubox"
	"github.com/dudk/corrpipe/vis"
)

// subbandWidthMHz is the width of a coarse channel.
const subbandWidthMHz = 1.28

type synthCommand struct {
	dir         string
	antennas    int
	subbands    int
	channels    int
	scans       int
	ranges      int
	integration float64
	start       int64
	seed        int64
}

func (cmd *synthCommand) Name() string {
	return "synth"
}

func (cmd *synthCommand) Help() string {
	return "Write a synthetic observation and its configuration file"
}

func (cmd *synthCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.dir, "dir", "", "output directory (required)")
	fs.IntVar(&cmd.antennas, "antennas", 8, "number of antennas")
	fs.IntVar(&cmd.subbands, "subbands", 4, "number of subbands")
	fs.IntVar(&cmd.channels, "channels", 32, "number of channels in all subbands")
	fs.IntVar(&cmd.scans, "scans", 20, "number of scans")
	fs.IntVar(&cmd.ranges, "ranges", 1, "number of time ranges the scans are split into")
	fs.Float64Var(&cmd.integration, "integration", 0.5, "integration time in seconds")
	fs.Int64Var(&cmd.start, "start", 1_000_000_000, "unix time of the first scan")
	fs.Int64Var(&cmd.seed, "seed", 1, "noise seed")
}

func (cmd *synthCommand) Validate() error {
	switch {
	case cmd.dir == "":
		return errors.New("missing -dir required flag")
	case cmd.ranges <= 0 || cmd.scans < cmd.ranges:
		return fmt.Errorf("%d scans can't be split into %d time ranges", cmd.scans, cmd.ranges)
	case cmd.subbands <= 0 || cmd.channels%cmd.subbands != 0:
		return fmt.Errorf("%d channels can't be split into %d subbands", cmd.channels, cmd.subbands)
	}
	return nil
}

// observation describes the synthetic array. Antennas are placed on the
// east axis 10 m apart.
func (cmd *synthCommand) observation() config.Observation {
	obs := config.Observation{
		Name:            "synthetic",
		Telescope:       "corrpipe",
		Observer:        "synth",
		Antennas:        make([]config.Antenna, cmd.antennas),
		Inputs:          make([]config.Input, 2*cmd.antennas),
		Channels:        cmd.channels,
		Subbands:        cmd.subbands,
		Scans:           cmd.scans,
		IntegrationTime: cmd.integration,
		StartTime:       float64(cmd.start),
		LowestFrequency: 150e6,
		BandwidthMHz:    subbandWidthMHz * float64(cmd.subbands),
		PhaseCentreDec:  -27,
	}
	for a := range obs.Antennas {
		obs.Antennas[a] = config.Antenna{
			Name:     fmt.Sprintf("Tile%03d", a),
			Position: [3]float64{0, 10 * float64(a), 0},
		}
	}
	for i := range obs.Inputs {
		obs.Inputs[i] = config.Input{Antenna: i / 2, Polarization: i % 2}
	}
	return obs
}

func (cmd *synthCommand) Run() error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cmd.dir, 0o755); err != nil {
		return err
	}
	files := make([][]string, cmd.ranges)
	fileChannels := cmd.channels / cmd.subbands
	rnd := rand.New(rand.NewSource(cmd.seed))
	for tr := range files {
		first := cmd.scans * tr / cmd.ranges
		h := gpubox.Header{
			Antennas:     cmd.antennas,
			Channels:     cmd.channels,
			FileChannels: fileChannels,
			Records:      cmd.scans*(tr+1)/cmd.ranges - first,
			StartTime:    cmd.start + int64(math.Round(float64(first)*cmd.integration)),
			Integration:  cmd.integration,
		}
		files[tr] = make([]string, cmd.subbands)
		for sb := range files[tr] {
			path := filepath.Join(cmd.dir, fmt.Sprintf("obs_%02d_%02d.gpub", tr, sb))
			err := gpubox.WriteFile(path, h, func(record, ch, a1, a2, p int) complex64 {
				return cmd.sample(rnd, sb*fileChannels+ch, a1, a2, p)
			})
			if err != nil {
				return err
			}
			files[tr][sb] = path
		}
	}

	c := config.Default()
	c.Observation = cmd.observation()
	c.Files = files
	path := filepath.Join(cmd.dir, "observation.json")
	if err := config.Save(path, c); err != nil {
		return err
	}
	fmt.Printf("%d files, configuration %s\n", cmd.ranges*cmd.subbands, path)
	return nil
}

// sample is a point source at the phase centre with gaussian noise.
// Cross-polarizations carry noise only.
func (cmd *synthCommand) sample(rnd *rand.Rand, ch, a1, a2, p int) complex64 {
	noise := complex(float32(rnd.NormFloat64()), float32(rnd.NormFloat64()))
	if p == 1 || p == 2 {
		return noise
	}
	phase := 2 * math.Pi * float64((a1-a2)*ch) / float64(cmd.channels)
	signal := vis.Phasor(phase) * 10
	if a1 == a2 {
		signal = 100
	}
	return signal + noise
}
