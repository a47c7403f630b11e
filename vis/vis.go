// Package vis provides the data model for visibility processing:
// baselines, per-baseline sample buffers and flag masks.
//
// Sample buffers hold four polarization planes. Every plane is laid out as
// channels rows of stride samples, where only the first width samples of a
// row belong to the current window. The stride is padded to a multiple of
// VectorWidth.
package vis

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Polarizations is the number of polarization products per baseline.
	Polarizations = 4
	// VectorWidth is the alignment of the buffer rows in samples.
	VectorWidth = 4
	// SpeedOfLight in m/s.
	SpeedOfLight = 299792458.0
)

// ErrShape is returned when buffers or masks of different dimensions are
// combined.
var ErrShape = errors.New("vis: shape mismatch")

// Baseline is a pair of antennas with Antenna1 <= Antenna2.
type Baseline struct {
	Antenna1 int
	Antenna2 int
}

// IsAuto returns true for auto-correlations.
func (b Baseline) IsAuto() bool {
	return b.Antenna1 == b.Antenna2
}

func (b Baseline) String() string {
	return fmt.Sprintf("%d-%d", b.Antenna1, b.Antenna2)
}

// BaselineCount returns number of baselines, including auto-correlations.
func BaselineCount(antennas int) int {
	return antennas * (antennas + 1) / 2
}

// Baselines returns all baselines of the array in canonical order.
func Baselines(antennas int) []Baseline {
	result := make([]Baseline, 0, BaselineCount(antennas))
	for a1 := 0; a1 < antennas; a1++ {
		for a2 := a1; a2 < antennas; a2++ {
			result = append(result, Baseline{Antenna1: a1, Antenna2: a2})
		}
	}
	return result
}

// BaselineIndex returns position of the baseline in canonical order.
func BaselineIndex(a1, a2, antennas int) int {
	if a1 > a2 {
		a1, a2 = a2, a1
	}
	return a1*antennas - a1*(a1-1)/2 + (a2 - a1)
}

// Stride returns the padded row length for the width.
func Stride(width int) int {
	return (width + VectorWidth - 1) / VectorWidth * VectorWidth
}

// Buffer is a sample buffer of a single baseline.
type Buffer struct {
	Planes   [Polarizations][]complex64
	channels int
	width    int
	stride   int
}

// NewBuffer allocates a buffer with provided dimensions. The capacity is
// the largest width the buffer can be resized to without reallocation.
func NewBuffer(channels, width, capacity int) *Buffer {
	if capacity < width {
		capacity = width
	}
	stride := Stride(capacity)
	data := make([]complex64, Polarizations*channels*stride)
	b := Buffer{
		channels: channels,
		width:    width,
		stride:   stride,
	}
	size := channels * stride
	for p := range b.Planes {
		b.Planes[p] = data[p*size : (p+1)*size : (p+1)*size]
	}
	return &b
}

// Channels returns number of channels.
func (b *Buffer) Channels() int {
	return b.channels
}

// Width returns number of timesteps in the buffer.
func (b *Buffer) Width() int {
	return b.width
}

// Stride returns the distance between two channel rows.
func (b *Buffer) Stride() int {
	return b.stride
}

// Row returns the samples of a single channel of polarization p.
func (b *Buffer) Row(p, ch int) []complex64 {
	start := ch * b.stride
	return b.Planes[p][start : start+b.width]
}

// At returns a single sample.
func (b *Buffer) At(p, ch, t int) complex64 {
	return b.Planes[p][ch*b.stride+t]
}

// Set sets a single sample.
func (b *Buffer) Set(p, ch, t int, v complex64) {
	b.Planes[p][ch*b.stride+t] = v
}

// ResizeWithoutReallocation changes the width of the buffer. Planes are
// not reallocated, so the width cannot exceed the stride.
func (b *Buffer) ResizeWithoutReallocation(width int) error {
	if width > b.stride {
		return fmt.Errorf("%w: width %d exceeds capacity %d", ErrShape, width, b.stride)
	}
	b.width = width
	return nil
}

// Zero sets all samples to zero.
func (b *Buffer) Zero() {
	for p := range b.Planes {
		clear(b.Planes[p])
	}
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := NewBuffer(b.channels, b.width, b.stride)
	for p := range b.Planes {
		copy(c.Planes[p], b.Planes[p])
	}
	return c
}

// FlagMask is a channels x width boolean matrix.
type FlagMask struct {
	flags    []bool
	channels int
	width    int
	stride   int
}

// NewFlagMask allocates a mask with all values set to initial.
func NewFlagMask(channels, width int, initial bool) *FlagMask {
	m := FlagMask{
		flags:    make([]bool, channels*Stride(width)),
		channels: channels,
		width:    width,
		stride:   Stride(width),
	}
	if initial {
		m.SetAll(true)
	}
	return &m
}

// Channels returns number of channels.
func (m *FlagMask) Channels() int {
	return m.channels
}

// Width returns number of timesteps.
func (m *FlagMask) Width() int {
	return m.width
}

// Row returns the flags of a single channel.
func (m *FlagMask) Row(ch int) []bool {
	start := ch * m.stride
	return m.flags[start : start+m.width]
}

// At returns a single flag.
func (m *FlagMask) At(ch, t int) bool {
	return m.flags[ch*m.stride+t]
}

// Set sets a single flag.
func (m *FlagMask) Set(ch, t int, v bool) {
	m.flags[ch*m.stride+t] = v
}

// SetAll sets all flags of the window to v.
func (m *FlagMask) SetAll(v bool) {
	for ch := 0; ch < m.channels; ch++ {
		row := m.Row(ch)
		for i := range row {
			row[i] = v
		}
	}
}

// FlagChannel flags all timesteps of the channel.
func (m *FlagMask) FlagChannel(ch int) {
	row := m.Row(ch)
	for i := range row {
		row[i] = true
	}
}

// FlagTimesteps flags timesteps [from, to) of all channels.
func (m *FlagMask) FlagTimesteps(from, to int) {
	from = max(from, 0)
	to = min(to, m.width)
	for ch := 0; ch < m.channels; ch++ {
		row := m.Row(ch)
		for t := from; t < to; t++ {
			row[t] = true
		}
	}
}

// Or sets all flags that are set in the source mask.
func (m *FlagMask) Or(source *FlagMask) error {
	if !m.SameShape(source) {
		return fmt.Errorf("%w: mask %dx%d or %dx%d", ErrShape, m.channels, m.width, source.channels, source.width)
	}
	for ch := 0; ch < m.channels; ch++ {
		dst, src := m.Row(ch), source.Row(ch)
		for t := range dst {
			dst[t] = dst[t] || src[t]
		}
	}
	return nil
}

// SameShape checks if masks have equal dimensions.
func (m *FlagMask) SameShape(other *FlagMask) bool {
	return other != nil && m.channels == other.channels && m.width == other.width
}

// Count returns number of set flags.
func (m *FlagMask) Count() int {
	n := 0
	for ch := 0; ch < m.channels; ch++ {
		for _, f := range m.Row(ch) {
			if f {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *FlagMask) Clone() *FlagMask {
	c := NewFlagMask(m.channels, m.width, false)
	for ch := 0; ch < m.channels; ch++ {
		copy(c.Row(ch), m.Row(ch))
	}
	return c
}

// Phasor returns unit-magnitude rotation for the angle in radians.
func Phasor(angle float64) complex64 {
	sin, cos := math.Sincos(angle)
	return complex(float32(cos), float32(sin))
}

// Rotate multiplies every sample by the phasor. The loop is unrolled by
// VectorWidth, leftovers are handled by RotateScalar.
func Rotate(samples []complex64, phasor complex64) {
	n := len(samples) / VectorWidth * VectorWidth
	for i := 0; i < n; i += VectorWidth {
		s := samples[i : i+VectorWidth : i+VectorWidth]
		s[0] *= phasor
		s[1] *= phasor
		s[2] *= phasor
		s[3] *= phasor
	}
	RotateScalar(samples[n:], phasor)
}

// RotateScalar multiplies every sample by the phasor one by one.
func RotateScalar(samples []complex64, phasor complex64) {
	for i := range samples {
		samples[i] *= phasor
	}
}

// Scale multiplies every sample by a real factor.
func Scale(samples []complex64, factor float32) {
	for i, v := range samples {
		samples[i] = complex(real(v)*factor, imag(v)*factor)
	}
}

// Conjugate negates the imaginary part of every sample.
func Conjugate(samples []complex64) {
	for i, v := range samples {
		samples[i] = complex(real(v), -imag(v))
	}
}
