package corrpipe

import (
	"context"

	"github.com/dudk/corrpipe/gpubox"
	"github.com/dudk/corrpipe/window"
)

// gap is a range of window scans read from a file set with missing
// subbands.
type gap struct {
	from     int
	to       int
	subbands []int
}

// source reads file sets of consecutive time ranges one after another.
type source struct {
	sets  [][]string
	order []int
	opts  gpubox.ReaderOptions

	next   int
	reader *gpubox.Reader
}

// open opens the next file set. Files are reordered into subband order.
func (s *source) open(ctx context.Context) error {
	files := s.sets[s.next]
	set := make(gpubox.FileSet, len(files))
	for sb, i := range s.order {
		set[sb] = files[i]
	}
	opts := s.opts
	opts.TimeRange = s.next
	r, err := gpubox.Open(ctx, set, opts)
	if err != nil {
		return err
	}
	s.reader = r
	s.next++
	return nil
}

// fill reads scans into the arena window. It returns number of filled
// scans, the rest of the window has no data.
func (s *source) fill(ctx context.Context, arena *window.Arena) (int, []gap, error) {
	var (
		pos    int
		gaps   []gap
		length = arena.Window().Len()
	)
	for pos < length && s.reader != nil {
		if err := s.reader.SetBuffers(arena.Buffers()); err != nil {
			return pos, gaps, err
		}
		start := pos
		more, err := s.reader.Read(ctx, &pos, length)
		if err != nil {
			return pos, gaps, err
		}
		if missing := s.reader.MissingSubbands(); len(missing) > 0 && pos > start {
			gaps = append(gaps, gap{from: start, to: pos, subbands: missing})
		}
		if more {
			continue
		}
		if err := s.closeReader(); err != nil {
			return pos, gaps, err
		}
		if s.next < len(s.sets) {
			if err := s.open(ctx); err != nil {
				return pos, gaps, err
			}
		}
	}
	return pos, gaps, nil
}

func (s *source) closeReader() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
