package writer

import (
	"github.com/dudk/corrpipe/metric"
	"github.com/dudk/corrpipe/quality"
)

// Threaded writes rows to the next writer in a separate goroutine. Exactly
// one row can be in flight: WriteRow copies the row and returns, the next
// call blocks until the previous row is written. All other calls wait
// until the goroutine is idle and are executed by the caller.
//
// The first error of the next writer is returned by all later calls and
// by Close.
type Threaded struct {
	next  Writer
	meter *metric.Meter

	// idle holds a single token. Its owner has exclusive access to next,
	// row, err and closed.
	idle    chan struct{}
	pending chan struct{}
	done    chan struct{}
	row     Row
	err     error
	closed  bool
}

// NewThreaded starts the writing goroutine. It's stopped by Close.
func NewThreaded(next Writer, meter *metric.Meter) *Threaded {
	t := Threaded{
		next:    next,
		meter:   meter,
		idle:    make(chan struct{}, 1),
		pending: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.idle <- struct{}{}
	go t.consume()
	return &t
}

func (t *Threaded) consume() {
	defer close(t.done)
	for range t.pending {
		if err := t.next.WriteRow(t.row); err != nil {
			t.fail(err)
		} else {
			t.meter.Message().Sample(int64(len(t.row.Data)))
		}
		t.idle <- struct{}{}
	}
}

// fail keeps the first error. Must be called by the token owner.
func (t *Threaded) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// acquire takes the token. It's returned immediately if writer is closed
// or failed.
func (t *Threaded) acquire() error {
	<-t.idle
	switch {
	case t.closed:
		t.release()
		return ErrClosed
	case t.err != nil:
		err := t.err
		t.release()
		return err
	}
	return nil
}

func (t *Threaded) release() {
	t.idle <- struct{}{}
}

// call executes fn while the goroutine is idle.
func (t *Threaded) call(fn func() error) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()
	if err := fn(); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

// WriteRow copies the row and hands it over to the goroutine.
func (t *Threaded) WriteRow(row Row) error {
	if err := t.acquire(); err != nil {
		return err
	}
	t.row.CopyFrom(row)
	t.pending <- struct{}{}
	return nil
}

// AddRows waits until the pending row is written.
func (t *Threaded) AddRows(count int) error {
	return t.call(func() error {
		return t.next.AddRows(count)
	})
}

// WriteBandInfo allocates the row buffer.
func (t *Threaded) WriteBandInfo(band BandInfo) error {
	return t.call(func() error {
		t.row = NewRow(len(band.Channels))
		return t.next.WriteBandInfo(band)
	})
}

// WriteAntennas forwards the call.
func (t *Threaded) WriteAntennas(antennas []AntennaInfo, time float64) error {
	return t.call(func() error {
		return t.next.WriteAntennas(antennas, time)
	})
}

// WriteLinearPolarizations forwards the call.
func (t *Threaded) WriteLinearPolarizations(flagged bool) error {
	return t.call(func() error {
		return t.next.WriteLinearPolarizations(flagged)
	})
}

// WriteSource forwards the call.
func (t *Threaded) WriteSource(source SourceInfo) error {
	return t.call(func() error {
		return t.next.WriteSource(source)
	})
}

// WriteField forwards the call.
func (t *Threaded) WriteField(field FieldInfo) error {
	return t.call(func() error {
		return t.next.WriteField(field)
	})
}

// WriteObservation forwards the call.
func (t *Threaded) WriteObservation(observation ObservationInfo) error {
	return t.call(func() error {
		return t.next.WriteObservation(observation)
	})
}

// WriteHistory forwards the call.
func (t *Threaded) WriteHistory(entry HistoryEntry) error {
	return t.call(func() error {
		return t.next.WriteHistory(entry)
	})
}

// WriteOffsets forwards the call if next writer records offsets.
func (t *Threaded) WriteOffsets(offsets []int) error {
	return t.call(func() error {
		return writeOffsets(t.next, offsets)
	})
}

// WriteStatistics forwards the call if next writer stores statistics.
func (t *Threaded) WriteStatistics(s *quality.Statistics) error {
	return t.call(func() error {
		return writeStatistics(t.next, s)
	})
}

// IsTimeAligned waits until the pending row is written.
func (t *Threaded) IsTimeAligned(antenna1, antenna2 int) bool {
	<-t.idle
	defer t.release()
	return isTimeAligned(t.next, antenna1, antenna2)
}

// Close waits for the pending row, stops the goroutine and closes the
// next writer.
func (t *Threaded) Close() error {
	<-t.idle
	defer t.release()
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	close(t.pending)
	<-t.done
	// the goroutine doesn't return the token after pending is closed.
	err := t.next.Close()
	if t.err != nil {
		return t.err
	}
	return err
}
