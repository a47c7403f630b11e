// Package calibration reads and writes calibration solutions: a full
// Jones matrix per antenna and channel of a single solution interval.
//
// Solutions file is little-endian. It starts with a header:
//
//	intro          [8]byte  "MWAOCAL\x00"
//	fileType       uint32   always 0
//	structureType  uint32   always 0
//	intervals      uint32   number of intervals, only 1 is supported
//	antennas       uint32
//	channels       uint32
//	polarizations  uint32   always 4
//	startTime      float64
//	endTime        float64
//
// The header is followed by complex128 values ordered by interval,
// antenna, channel and polarization. Missing solutions are NaN.
package calibration

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math/cmplx"
	"os"
)

// ErrFormat is returned when solutions file can't be used.
var ErrFormat = errors.New("calibration: invalid solutions file")

const (
	intro         = "MWAOCAL\x00"
	polarizations = 4
)

// Jones is a 2x2 complex matrix stored row-major: xx, xy, yx, yy.
type Jones [polarizations]complex128

// Identity is the Jones matrix that doesn't change the data.
var Identity = Jones{1, 0, 0, 1}

// IsValid returns false if any element is NaN.
func (j *Jones) IsValid() bool {
	for _, v := range j {
		if cmplx.IsNaN(v) {
			return false
		}
	}
	return true
}

// Apply replaces the 2x2 visibility matrix d of a baseline with
// a·d·bᴴ, where a and b are the solutions of its antennas.
func Apply(d []complex64, a, b *Jones) {
	m := Jones{complex128(d[0]), complex128(d[1]), complex128(d[2]), complex128(d[3])}
	ad := Jones{
		a[0]*m[0] + a[1]*m[2],
		a[0]*m[1] + a[1]*m[3],
		a[2]*m[0] + a[3]*m[2],
		a[2]*m[1] + a[3]*m[3],
	}
	d[0] = complex64(ad[0]*cmplx.Conj(b[0]) + ad[1]*cmplx.Conj(b[1]))
	d[1] = complex64(ad[0]*cmplx.Conj(b[2]) + ad[1]*cmplx.Conj(b[3]))
	d[2] = complex64(ad[2]*cmplx.Conj(b[0]) + ad[3]*cmplx.Conj(b[1]))
	d[3] = complex64(ad[2]*cmplx.Conj(b[2]) + ad[3]*cmplx.Conj(b[3]))
}

// Solutions of a single interval.
type Solutions struct {
	Antennas  int
	Channels  int
	StartTime float64
	EndTime   float64
	// Jones are indexed by antenna*Channels + channel.
	Jones []Jones
}

type header struct {
	Intro         [8]byte
	FileType      uint32
	StructureType uint32
	Intervals     uint32
	Antennas      uint32
	Channels      uint32
	Polarizations uint32
	StartTime     float64
	EndTime       float64
}

// New returns identity solutions.
func New(antennas, channels int) *Solutions {
	s := &Solutions{
		Antennas: antennas,
		Channels: channels,
		Jones:    make([]Jones, antennas*channels),
	}
	for i := range s.Jones {
		s.Jones[i] = Identity
	}
	return s
}

// At returns the solution of antenna in the channel.
func (s *Solutions) At(antenna, channel int) *Jones {
	return &s.Jones[antenna*s.Channels+channel]
}

// Read loads solutions from the file.
func Read(path string) (*Solutions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %v", ErrFormat, path, err)
	}
	switch {
	case string(h.Intro[:]) != intro:
		return nil, fmt.Errorf("%w: %s: intro %q", ErrFormat, path, h.Intro[:])
	case h.FileType != 0 || h.StructureType != 0:
		return nil, fmt.Errorf("%w: %s: type %d structure %d", ErrFormat, path, h.FileType, h.StructureType)
	case h.Intervals != 1:
		return nil, fmt.Errorf("%w: %s: %d intervals, only one is supported", ErrFormat, path, h.Intervals)
	case h.Polarizations != polarizations:
		return nil, fmt.Errorf("%w: %s: %d polarizations", ErrFormat, path, h.Polarizations)
	case h.Antennas == 0 || h.Channels == 0:
		return nil, fmt.Errorf("%w: %s: %d antennas %d channels", ErrFormat, path, h.Antennas, h.Channels)
	}
	s := &Solutions{
		Antennas:  int(h.Antennas),
		Channels:  int(h.Channels),
		StartTime: h.StartTime,
		EndTime:   h.EndTime,
		Jones:     make([]Jones, int(h.Antennas)*int(h.Channels)),
	}
	if err := binary.Read(r, binary.LittleEndian, s.Jones); err != nil {
		return nil, fmt.Errorf("%w: %s: solutions: %v", ErrFormat, path, err)
	}
	return s, nil
}

// Write stores solutions to the file.
func Write(path string, s *Solutions) error {
	if len(s.Jones) != s.Antennas*s.Channels {
		return fmt.Errorf("%w: %d solutions for %d antennas %d channels", ErrFormat, len(s.Jones), s.Antennas, s.Channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	h := header{
		Intervals:     1,
		Antennas:      uint32(s.Antennas),
		Channels:      uint32(s.Channels),
		Polarizations: polarizations,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
	}
	copy(h.Intro[:], intro)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Jones); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
