/*
Package corrpipe preprocesses raw correlator output of a radio
interferometer into calibrated, flagged and averaged visibility rows.

Concept

An observation is stored as sets of correlator files. Every set covers a
time range and contains one file per coarse subband. The pipeline reads
the observation window by window, where every window is a range of scans
of all baselines that fits the memory budget:

    Reader - reads all files of a set in lock-step and redistributes
             records into per-baseline buffers;
    Workers - correct and flag baselines in parallel;
    Writer - emits rows scan by scan to the sink.

Stages don't overlap: a window is read, then processed, then written.
Within a stage the work is parallel: files are redistributed by a pool of
goroutines, baselines are processed by a pool of workers and the sink is
fed by a separate goroutine.

Configuration

The run is described by config.Config. Everything that can be checked
before the files are opened is checked by New:

    p, err := corrpipe.New(cfg, sink,
        corrpipe.WithLogger(logger),
        corrpipe.WithFlagger(flagger),
    )

Execution

Run blocks until all windows are written or the context is done. The sink
is always closed:

    err := p.Run(ctx)

If processing or closing fails, the returned error is *RunError and can
be inspected with errors.Is against sentinel errors of the packages.

Output

Rows are written through the writer package. When time or frequency
resolution is reduced, an averaging writer is chained in front of the
sink. Calibration solutions are applied by writer.ApplySolutions and
precomputed flags are read by process.FlagFile. Sinks are provided by sink/sqlite and sink/digest, test doubles by
mock.
*/
package corrpipe
