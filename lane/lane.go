// Package lane provides a bounded, blocking circular buffer that connects
// producers and consumers running in different goroutines.
//
// Writers block while the lane is full, readers block while it is empty.
// After WriteEnd is called, readers drain what is left and then get short
// reads.
package lane

import "sync"

type status int

const (
	normal status = iota
	end
)

// Lane is a fixed-capacity FIFO of T values. The zero value is not usable,
// use New.
type Lane[T any] struct {
	m    sync.Mutex
	work *sync.Cond

	buffer        []T
	writePosition int
	freeSpace     int
	status        status
}

// New returns a lane with provided capacity. Capacity must be positive.
func New[T any](capacity int) *Lane[T] {
	if capacity <= 0 {
		panic("lane: capacity must be positive")
	}
	l := &Lane[T]{
		buffer:    make([]T, capacity),
		freeSpace: capacity,
	}
	l.work = sync.NewCond(&l.m)
	return l
}

// Reset restores the lane to its initial empty state. It must not be called
// while other goroutines use the lane.
func (l *Lane[T]) Reset() {
	l.m.Lock()
	defer l.m.Unlock()
	clear(l.buffer)
	l.writePosition = 0
	l.freeSpace = len(l.buffer)
	l.status = normal
}

// WriteOne writes a single item.
func (l *Lane[T]) WriteOne(item T) {
	l.Write([]T{item})
}

// Write writes all items, blocking while the lane is full. The lock is
// released between partial writes so readers can make progress. Items are
// discarded if the end of stream was signaled.
func (l *Lane[T]) Write(items []T) {
	l.m.Lock()
	defer l.m.Unlock()
	for len(items) > 0 && l.status == normal {
		for l.freeSpace == 0 && l.status == normal {
			l.work.Wait()
		}
		if l.status != normal {
			return
		}
		n := min(l.freeSpace, len(items))
		l.immediateWrite(items[:n])
		items = items[n:]
	}
}

// ReadOne reads a single item. False is returned if the lane is drained and
// the end of stream was signaled.
func (l *Lane[T]) ReadOne() (T, bool) {
	var dst [1]T
	n := l.Read(dst[:])
	return dst[0], n == 1
}

// Read fills dst and returns the number of items read. It blocks until
// len(dst) items are read or the end of stream is reached.
func (l *Lane[T]) Read(dst []T) int {
	l.m.Lock()
	defer l.m.Unlock()
	read := 0
	for read < len(dst) {
		for l.used() == 0 && l.status == normal {
			l.work.Wait()
		}
		n := min(l.used(), len(dst)-read)
		if n == 0 {
			// end of stream and nothing left.
			break
		}
		l.immediateRead(dst[read : read+n])
		read += n
	}
	return read
}

// WriteEnd signals the end of stream and wakes all waiters. Calling it more
// than once has no effect.
func (l *Lane[T]) WriteEnd() {
	l.m.Lock()
	defer l.m.Unlock()
	l.status = end
	l.work.Broadcast()
}

// Cap returns the capacity of the lane.
func (l *Lane[T]) Cap() int {
	return len(l.buffer)
}

// Len returns the number of buffered items.
func (l *Lane[T]) Len() int {
	l.m.Lock()
	defer l.m.Unlock()
	return l.used()
}

func (l *Lane[T]) used() int {
	return len(l.buffer) - l.freeSpace
}

func (l *Lane[T]) readPosition() int {
	return (l.writePosition + l.freeSpace) % len(l.buffer)
}

// immediateWrite copies items in at most two contiguous parts: one up to the
// end of the buffer and one from its start.
func (l *Lane[T]) immediateWrite(items []T) {
	if len(items) == 0 {
		return
	}
	n := copy(l.buffer[l.writePosition:], items)
	copy(l.buffer, items[n:])
	l.writePosition = (l.writePosition + len(items)) % len(l.buffer)
	l.freeSpace -= len(items)
	l.work.Broadcast()
}

func (l *Lane[T]) immediateRead(dst []T) {
	if len(dst) == 0 {
		return
	}
	pos := l.readPosition()
	n := copy(dst, l.buffer[pos:])
	rest := copy(dst[n:], l.buffer)
	// release references held by the buffer.
	clear(l.buffer[pos : pos+n])
	clear(l.buffer[:rest])
	l.freeSpace += len(dst)
	l.work.Broadcast()
}
