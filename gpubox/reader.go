package gpubox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/corrpipe/lane"
	"github.com/dudk/corrpipe/log"
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/vis"
)

// FileSet contains paths of all subbands of a single time range. Empty
// path marks a missing subband.
type FileSet []string

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// Antennas and Channels are the expected dimensions of the files.
	Antennas int
	Channels int
	// Map routes stored samples to baselines.
	Map *InputMap
	// Align enables per-file time alignment.
	Align bool
	// AllowMissing turns missing files into flagged subbands.
	AllowMissing bool
	// Workers is the number of redistribution goroutines.
	Workers int
	// TimeRange is the index of the set, used in warnings.
	TimeRange int
	// OnOffsets receives the per-file record offsets once the set is
	// opened.
	OnOffsets func(offsets []int)
	Logger    logrus.FieldLogger
	Meter     *metric.Meter
}

// Reader reads a file set in lock-step and redistributes records into
// per-baseline buffers.
type Reader struct {
	ReaderOptions
	paths     FileSet
	files     []*os.File
	headers   []Header
	records   []int
	offsets   []int
	missing   []int
	header    Header
	startTime int64
	scans     int
	current   int

	buffers []*vis.Buffer
	tasks   *lane.Lane[shuffleTask]
	free    *lane.Lane[[]byte]
}

type shuffleTask struct {
	file   int
	pos    int
	record []byte
}

// Open opens all files of the set and validates them against each other.
func Open(ctx context.Context, set FileSet, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Map == nil || opts.Map.Antennas() != opts.Antennas {
		return nil, fmt.Errorf("%w: input map doesn't match %d antennas", ErrMismatch, opts.Antennas)
	}
	r := Reader{
		ReaderOptions: opts,
		paths:         set,
		files:         make([]*os.File, len(set)),
		headers:       make([]Header, len(set)),
		records:       make([]int, len(set)),
		offsets:       make([]int, len(set)),
	}
	if err := r.open(ctx); err != nil {
		r.Close()
		return nil, err
	}
	if r.OnOffsets != nil {
		r.OnOffsets(r.Offsets())
	}
	return &r, nil
}

func (r *Reader) open(ctx context.Context) error {
	seen := make(map[string]int, len(r.paths))
	for i, path := range r.paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "" {
			if err := r.missingFile(i, path); err != nil {
				return err
			}
			continue
		}
		if prev, ok := seen[path]; ok {
			return fmt.Errorf("%w: %s for subbands %d and %d", ErrDuplicateFile, path, prev, i)
		}
		seen[path] = i

		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			if err := r.missingFile(i, path); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("open subband %d: %w", i, err)
		}
		r.files[i] = f
		if err := r.readHeader(i); err != nil {
			return err
		}
	}
	if len(r.missing) == len(r.paths) {
		return fmt.Errorf("%w: time range %d has no readable files", ErrMissingFile, r.TimeRange)
	}
	r.align()
	return nil
}

func (r *Reader) missingFile(i int, path string) error {
	if !r.AllowMissing {
		return fmt.Errorf("%w: time range %d subband %d %q", ErrMissingFile, r.TimeRange, i, path)
	}
	r.Logger.WithFields(logrus.Fields{
		"timeRange": r.TimeRange,
		"subband":   i,
		"path":      path,
	}).Warn("subband file is missing, subband will be flagged")
	r.missing = append(r.missing, i)
	return nil
}

func (r *Reader) readHeader(i int) error {
	f := r.files[i]
	h, err := ReadHeader(f)
	if err != nil {
		return fmt.Errorf("subband %d %s: %w", i, f.Name(), err)
	}
	switch {
	case h.Antennas != r.Antennas:
		return fmt.Errorf("%w: %s has %d antennas, expected %d", ErrMismatch, f.Name(), h.Antennas, r.Antennas)
	case h.Channels != r.Channels:
		return fmt.Errorf("%w: %s has %d channels in total, expected %d", ErrMismatch, f.Name(), h.Channels, r.Channels)
	case h.FileChannels*len(r.paths) != r.Channels:
		return fmt.Errorf("%w: %d files of %d channels in %s don't cover %d channels", ErrMismatch, len(r.paths), h.FileChannels, f.Name(), r.Channels)
	}
	if r.header.Antennas != 0 && math.Abs(r.header.Integration-h.Integration) > 1e-9 {
		return fmt.Errorf("%w: %s has integration time %v, expected %v", ErrMismatch, f.Name(), h.Integration, r.header.Integration)
	}
	if r.header.Antennas == 0 {
		r.header = h
	}
	r.headers[i] = h

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	available := int((info.Size() - HeaderSize) / int64(h.RecordSize()))
	r.records[i] = h.Records
	if available < h.Records {
		r.Logger.WithFields(logrus.Fields{
			"timeRange": r.TimeRange,
			"subband":   i,
			"samples":   h.Records - available,
		}).Warn("file is shorter than declared, missing samples will be flagged")
		r.records[i] = available
	}
	return nil
}

// align computes per-file offsets and the number of scans available in
// all files.
func (r *Reader) align() {
	first := true
	for i, f := range r.files {
		if f == nil {
			continue
		}
		if first || r.headers[i].StartTime > r.startTime {
			r.startTime = r.headers[i].StartTime
			first = false
		}
	}
	unaligned := false
	for i, f := range r.files {
		if f == nil {
			continue
		}
		offset := int(math.Round(float64(r.startTime-r.headers[i].StartTime) / r.header.Integration))
		if offset != 0 {
			unaligned = true
		}
		if r.Align {
			r.offsets[i] = offset
		}
	}
	if unaligned && !r.Align {
		r.Logger.WithField("timeRange", r.TimeRange).Warn("files are not aligned in time and alignment is disabled")
	}

	r.scans = -1
	unequal := false
	for i, f := range r.files {
		if f == nil {
			continue
		}
		scans := max(r.records[i]-r.offsets[i], 0)
		if r.scans != -1 && scans != r.scans {
			unequal = true
		}
		if r.scans == -1 || scans < r.scans {
			r.scans = scans
		}
	}
	if unequal {
		r.Logger.WithFields(logrus.Fields{
			"timeRange": r.TimeRange,
			"scans":     r.scans,
		}).Warn("files have unequal number of records, reading stops at the shortest")
	}
	r.Logger.WithFields(logrus.Fields{
		"timeRange": r.TimeRange,
		"offsets":   r.offsets,
		"scans":     r.scans,
	}).Debug("file set opened")
}

// SetBuffers binds the per-baseline buffers the reader fills. Buffers are
// indexed by canonical baseline index.
func (r *Reader) SetBuffers(buffers []*vis.Buffer) error {
	if len(buffers) != vis.BaselineCount(r.Antennas) {
		return fmt.Errorf("%w: %d buffers for %d antennas", ErrMismatch, len(buffers), r.Antennas)
	}
	for _, b := range buffers {
		if b.Channels() != r.Channels {
			return fmt.Errorf("%w: buffer of %d channels, expected %d", ErrMismatch, b.Channels(), r.Channels)
		}
	}
	r.buffers = buffers
	if r.tasks == nil {
		r.tasks = lane.New[shuffleTask](r.Workers * 2)
		r.free = lane.New[[]byte](r.Workers * 4)
		for i := 0; i < r.free.Cap(); i++ {
			r.free.WriteOne(make([]byte, r.header.RecordSize()))
		}
	}
	return nil
}

// Read fills the buffers starting at bufferPos until the window of
// windowLength is full or the set is exhausted. The bufferPos is advanced
// by the number of read scans. Returns true if the set has more scans.
func (r *Reader) Read(ctx context.Context, bufferPos *int, windowLength int) (bool, error) {
	if r.buffers == nil {
		return false, errors.New("gpubox: buffers are not set")
	}
	n := min(windowLength-*bufferPos, r.scans-r.current)
	if n <= 0 {
		return r.current < r.scans, nil
	}

	r.tasks.Reset()
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errRun error
	)
	wg.Add(r.Workers)
	for i := 0; i < r.Workers; i++ {
		go func() {
			defer wg.Done()
			if err := r.shuffleWorker(); err != nil {
				errMu.Lock()
				errRun = err
				errMu.Unlock()
			}
		}()
	}
	errRead := r.readRecords(ctx, *bufferPos, n)
	r.tasks.WriteEnd()
	wg.Wait()
	if errRead != nil {
		return false, errRead
	}
	if errRun != nil {
		return false, errRun
	}

	*bufferPos += n
	r.current += n
	return r.current < r.scans, nil
}

func (r *Reader) readRecords(ctx context.Context, bufferPos, n int) error {
	for i, f := range r.files {
		if f == nil {
			continue
		}
		size := int64(r.headers[i].RecordSize())
		for t := 0; t < n; t++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			record := r.current + t + r.offsets[i]
			buf, _ := r.free.ReadOne()
			if _, err := f.ReadAt(buf, HeaderSize+int64(record)*size); err != nil {
				r.free.WriteOne(buf)
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return fmt.Errorf("read %s record %d: %w", f.Name(), record, err)
			}
			r.tasks.WriteOne(shuffleTask{file: i, pos: bufferPos + t, record: buf})
			r.Meter.Message().Sample(int64(r.headers[i].RecordSamples()))
		}
	}
	return nil
}

func (r *Reader) shuffleWorker() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("gpubox: shuffle panic: %v", p)
			// keep draining so the reader is never blocked.
			for {
				task, ok := r.tasks.ReadOne()
				if !ok {
					return
				}
				r.free.WriteOne(task.record)
			}
		}
	}()
	samples := make([]complex64, r.header.RecordSamples())
	for {
		task, ok := r.tasks.ReadOne()
		if !ok {
			return nil
		}
		decodeRecord(samples, task.record)
		r.free.WriteOne(task.record)
		r.shuffle(task.file, task.pos, samples)
	}
}

// shuffle writes every sample of the record into its baseline buffer.
func (r *Reader) shuffle(file, pos int, samples []complex64) {
	pairs := r.header.StoredPairs()
	channels := r.headers[file].FileChannels
	channelStart := file * channels
	for ch := 0; ch < channels; ch++ {
		row := samples[ch*pairs*vis.Polarizations : (ch+1)*pairs*vis.Polarizations]
		for i, v := range row {
			dst := r.Map.routes[i]
			r.buffers[dst.baseline].Set(dst.pol, channelStart+ch, pos, v)
		}
	}
}

// IsConjugated returns true if stored samples of the product must be
// conjugated.
func (r *Reader) IsConjugated(a1, a2, p1, p2 int) bool {
	return r.Map.IsConjugated(a1, a2, p1, p2)
}

// Offsets returns per-file record offsets.
func (r *Reader) Offsets() []int {
	return append([]int(nil), r.offsets...)
}

// MissingSubbands returns subbands without files.
func (r *Reader) MissingSubbands() []int {
	return append([]int(nil), r.missing...)
}

// Scans returns number of scans the set provides.
func (r *Reader) Scans() int {
	return r.scans
}

// StartTime returns unix time of the first aligned scan.
func (r *Reader) StartTime() int64 {
	return r.startTime
}

// Header returns the header of the first available file.
func (r *Reader) Header() Header {
	return r.header
}

// Close closes all files.
func (r *Reader) Close() error {
	var err error
	for i, f := range r.files {
		if f == nil {
			continue
		}
		if errClose := f.Close(); errClose != nil && err == nil {
			err = errClose
		}
		r.files[i] = nil
	}
	return err
}
