// Package window splits an observation into time windows that fit the
// memory budget and owns the per-baseline buffers of the current window.
package window

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dudk/corrpipe/config"
	"github.com/dudk/corrpipe/vis"
)

// Window is a half-open range of scans [Start, End).
type Window struct {
	Start int
	End   int
}

// Len returns number of scans in the window.
func (w Window) Len() int {
	return w.End - w.Start
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d)", w.Start, w.End)
}

// SampleBytes returns memory used by a single sample of one baseline in
// all polarizations, including its flag.
func SampleBytes(channels int) int {
	return channels * (vis.Polarizations*8 + 1)
}

// Plan splits totalScans into windows so that every window of all
// baselines fits the budget. Remainder is spread over the last windows.
func Plan(totalScans, perSampleBytes, baselines int, budget int64) ([]Window, error) {
	if totalScans <= 0 {
		return nil, fmt.Errorf("%w: %d scans", config.ErrInvalid, totalScans)
	}
	scanBytes := int64(perSampleBytes) * int64(baselines)
	maxLen := int64(0)
	if scanBytes > 0 {
		maxLen = budget / scanBytes
	}
	if maxLen < 1 {
		return nil, fmt.Errorf("%w: %d bytes don't fit a scan of %d bytes", config.ErrBudget, budget, scanBytes)
	}
	parts := int((int64(totalScans) + maxLen - 1) / maxLen)
	windows := make([]Window, parts)
	for i := range windows {
		windows[i] = Window{
			Start: totalScans * i / parts,
			End:   totalScans * (i + 1) / parts,
		}
	}
	return windows, nil
}

// MaxLen returns the longest window.
func MaxLen(windows []Window) int {
	n := 0
	for _, w := range windows {
		n = max(n, w.Len())
	}
	return n
}

// State of a baseline slot. Exactly one stage owns the slot in every
// state.
type State int32

const (
	// Filling slot is owned by the reader.
	Filling State = iota
	// Ready slot waits for correction.
	Ready
	// Corrected slot is corrected and flagged.
	Corrected
	// Published slot is handed to the writer.
	Published
)

func (s State) String() string {
	switch s {
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case Corrected:
		return "corrected"
	case Published:
		return "published"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrTransition is returned when a slot is not in the expected state.
var ErrTransition = errors.New("window: invalid slot transition")

// Slot holds the buffer and the flags of a single baseline.
type Slot struct {
	Baseline vis.Baseline
	Buffer   *vis.Buffer
	Flags    *vis.FlagMask
	state    atomic.Int32
}

// State returns current state of the slot.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// Arena contains slots of all baselines in canonical order.
type Arena struct {
	channels int
	capacity int
	window   Window
	slots    []Slot
}

// NewArena creates an empty arena. Capacity is the longest window the
// buffers are allocated for.
func NewArena(antennas, channels, capacity int) *Arena {
	baselines := vis.Baselines(antennas)
	a := Arena{
		channels: channels,
		capacity: capacity,
		slots:    make([]Slot, len(baselines)),
	}
	for i, b := range baselines {
		a.slots[i].Baseline = b
	}
	return &a
}

// Allocate prepares all slots for the window. Buffers are allocated on
// the first call and resized in place afterwards. All slots are zeroed
// and moved into Filling state.
func (a *Arena) Allocate(w Window) error {
	if w.Len() > a.capacity {
		return fmt.Errorf("%w: window %v exceeds capacity %d", vis.ErrShape, w, a.capacity)
	}
	for i := range a.slots {
		s := &a.slots[i]
		if s.Buffer == nil {
			s.Buffer = vis.NewBuffer(a.channels, w.Len(), a.capacity)
		} else {
			if err := s.Buffer.ResizeWithoutReallocation(w.Len()); err != nil {
				return err
			}
			s.Buffer.Zero()
		}
		s.Flags = nil
		s.state.Store(int32(Filling))
	}
	a.window = w
	return nil
}

// Release drops flag masks of the finished window.
func (a *Arena) Release() {
	for i := range a.slots {
		a.slots[i].Flags = nil
	}
}

// Transition moves the slot from one state to another. It fails if the
// slot isn't in the from state.
func (a *Arena) Transition(baseline int, from, to State) error {
	if !a.slots[baseline].state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: baseline %v is %v, expected %v", ErrTransition, a.slots[baseline].Baseline, a.slots[baseline].State(), from)
	}
	return nil
}

// TransitionAll moves all slots from one state to another.
func (a *Arena) TransitionAll(from, to State) error {
	for i := range a.slots {
		if err := a.Transition(i, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Slot returns slot of the baseline index.
func (a *Arena) Slot(baseline int) *Slot {
	return &a.slots[baseline]
}

// Len returns number of slots.
func (a *Arena) Len() int {
	return len(a.slots)
}

// Window returns current window.
func (a *Arena) Window() Window {
	return a.window
}

// Buffers returns buffers of all slots in canonical order.
func (a *Arena) Buffers() []*vis.Buffer {
	buffers := make([]*vis.Buffer, len(a.slots))
	for i := range a.slots {
		buffers[i] = a.slots[i].Buffer
	}
	return buffers
}
