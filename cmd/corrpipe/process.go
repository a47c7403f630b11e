package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dudk/corrpipe"
	"github.com/dudk/corrpipe/config"
	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/sink/digest"
	"github.com/dudk/corrpipe/sink/sqlite"
	"github.com/dudk/corrpipe/writer"
)

type processCommand struct {
	config    string
	out       string
	threads   int
	budget    int64
	timeRes   float64
	freqRes   float64
	report    string
	flagged   intList
	solutions string
	flagFile  string
	skipWrite bool
	noAutos   bool
	verbose   bool
}

func (cmd *processCommand) Name() string {
	return "process"
}

func (cmd *processCommand) Help() string {
	return "Preprocess an observation described by the configuration file"
}

func (cmd *processCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.config, "config", "", "observation configuration file (required)")
	fs.StringVar(&cmd.out, "out", "", "output database, digest of the rows is printed if empty")
	fs.IntVar(&cmd.threads, "threads", 0, "number of workers, all CPUs if zero")
	fs.Int64Var(&cmd.budget, "budget", 0, "memory budget in bytes, configured percentage of memory if zero")
	fs.Float64Var(&cmd.timeRes, "timeres", 0, "output time resolution in seconds")
	fs.Float64Var(&cmd.freqRes, "freqres", 0, "output frequency resolution in kHz")
	fs.StringVar(&cmd.report, "stats", "", "file to write quality statistics report to")
	// Var keeps the current value.
	cmd.flagged = nil
	fs.Var(&cmd.flagged, "flag", "comma separated antennas to flag")
	fs.StringVar(&cmd.solutions, "solutions", "", "calibration solutions file applied after averaging")
	fs.StringVar(&cmd.flagFile, "flagfile", "", "file with precomputed flags used instead of interference detection")
	fs.BoolVar(&cmd.skipWrite, "nowrite", false, "process without writing the output")
	fs.BoolVar(&cmd.noAutos, "noautos", false, "remove auto-correlations from the output")
	fs.BoolVar(&cmd.verbose, "v", false, "debug logging")
}

func (cmd *processCommand) Validate() error {
	if cmd.config == "" {
		return errors.New("missing -config required flag")
	}
	return nil
}

// options returns configuration overrides set by flags.
func (cmd *processCommand) options() []config.Option {
	options := []config.Option{
		config.WithApply(func(c *config.Config) {
			c.FlaggedAntennas = append(c.FlaggedAntennas, cmd.flagged...)
			c.SkipWriting = c.SkipWriting || cmd.skipWrite
			c.RemoveAutos = c.RemoveAutos || cmd.noAutos
			c.CommandLine = strings.Join(os.Args, " ")
			if cmd.report != "" {
				c.StatisticsReport = cmd.report
			}
			if cmd.solutions != "" {
				c.SolutionsFile = cmd.solutions
			}
			if cmd.flagFile != "" {
				c.FlagFile = cmd.flagFile
			}
		}),
	}
	if cmd.threads != 0 {
		options = append(options, config.WithThreads(cmd.threads))
	}
	if cmd.budget != 0 {
		options = append(options, config.WithMemoryBudget(cmd.budget))
	}
	if cmd.timeRes != 0 || cmd.freqRes != 0 {
		options = append(options, config.WithResolution(cmd.timeRes, cmd.freqRes))
	}
	return options
}

func (cmd *processCommand) Run() error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	logger := log.GetLogger()
	if cmd.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	c, err := config.Load(cmd.config, cmd.options()...)
	if err != nil {
		return err
	}
	// nothing is created on configuration errors.
	if err := c.Validate(); err != nil {
		return err
	}

	var (
		sink writer.Writer
		sum  *digest.Sink
		db   *sqlite.Sink
	)
	if cmd.out == "" {
		sum = digest.New()
		sink = sum
	} else {
		if db, err = sqlite.Open(cmd.out); err != nil {
			return err
		}
		sink = db
	}

	m := &metric.Metric{}
	p, err := corrpipe.New(c, sink,
		corrpipe.WithLogger(logger),
		corrpipe.WithMetric(m),
	)
	if err != nil {
		// sink is closed by Run only.
		sink.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := p.Run(ctx); err != nil {
		return err
	}
	if sum != nil {
		fmt.Printf("%d rows, digest %s\n", sum.Rows(), sum.Sum())
	}
	if db != nil {
		fmt.Printf("observation %s written to %s\n", db.ObservationID(), cmd.out)
	}
	return nil
}
