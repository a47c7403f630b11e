package process

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dudk/corrpipe/vis"
)

// ErrFlagFile is returned when flag file can't be used for the
// observation.
var ErrFlagFile = errors.New("process: invalid flag file")

// BaselineFlagger is implemented by flaggers that depend on the baseline
// and the position of the window in the observation. Pool calls
// RunBaseline instead of Run when it's implemented.
type BaselineFlagger interface {
	Flagger
	RunBaseline(b vis.Baseline, start int, buf *vis.Buffer, defect *vis.FlagMask) (*vis.FlagMask, error)
}

const (
	flagFileMagic   = "CPFLAGS\x00"
	flagFileVersion = 1
)

// FlagFileHeader describes the content of a flag file.
type FlagFileHeader struct {
	Scans    int
	Antennas int
	Channels int
}

type flagFileHeader struct {
	Magic    [8]byte
	Version  uint32
	Scans    uint32
	Antennas uint32
	Channels uint32
}

var flagFileHeaderSize = int64(binary.Size(flagFileHeader{}))

// FlagFile is a flagger that reads precomputed flags instead of
// detecting interference. The file contains one byte per sample ordered
// by scan, baseline and channel. Baselines are in canonical order.
type FlagFile struct {
	f      *os.File
	header FlagFileHeader
}

// OpenFlagFile opens the flag file and checks that it covers the
// observation.
func OpenFlagFile(path string, expected FlagFileHeader) (*FlagFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var h flagFileHeader
	if err := binary.Read(io.NewSectionReader(f, 0, flagFileHeaderSize), binary.LittleEndian, &h); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: header: %v", ErrFlagFile, path, err)
	}
	header := FlagFileHeader{
		Scans:    int(h.Scans),
		Antennas: int(h.Antennas),
		Channels: int(h.Channels),
	}
	switch {
	case string(h.Magic[:]) != flagFileMagic || h.Version != flagFileVersion:
		err = fmt.Errorf("%w: %s: magic %q version %d", ErrFlagFile, path, h.Magic[:], h.Version)
	case header.Antennas != expected.Antennas || header.Channels != expected.Channels:
		err = fmt.Errorf("%w: %s: %d antennas %d channels, expected %d antennas %d channels",
			ErrFlagFile, path, header.Antennas, header.Channels, expected.Antennas, expected.Channels)
	case header.Scans < expected.Scans:
		err = fmt.Errorf("%w: %s: %d scans, expected %d", ErrFlagFile, path, header.Scans, expected.Scans)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FlagFile{f: f, header: header}, nil
}

// Header returns the content description.
func (ff *FlagFile) Header() FlagFileHeader {
	return ff.header
}

// Run fails because flags can't be found without the baseline.
func (ff *FlagFile) Run(*vis.Buffer, *vis.FlagMask) (*vis.FlagMask, error) {
	return nil, fmt.Errorf("%w: baseline is unknown", ErrFlagFile)
}

// RunBaseline reads flags of the baseline for scans start..start+width.
// Scans past the end of the file are flagged. It's safe for concurrent
// use.
func (ff *FlagFile) RunBaseline(b vis.Baseline, start int, buf *vis.Buffer, _ *vis.FlagMask) (*vis.FlagMask, error) {
	channels, width := buf.Channels(), buf.Width()
	if channels != ff.header.Channels {
		return nil, fmt.Errorf("%w: %d channels in buffer, %d in file", ErrFlagFile, channels, ff.header.Channels)
	}
	m := vis.NewFlagMask(channels, width, false)
	baselines := vis.BaselineCount(ff.header.Antennas)
	index := vis.BaselineIndex(b.Antenna1, b.Antenna2, ff.header.Antennas)
	row := make([]byte, channels)
	for t := 0; t < width; t++ {
		scan := start + t
		if scan >= ff.header.Scans {
			m.FlagTimesteps(t, width)
			break
		}
		offset := flagFileHeaderSize + (int64(scan)*int64(baselines)+int64(index))*int64(channels)
		if _, err := ff.f.ReadAt(row, offset); err != nil {
			return nil, fmt.Errorf("%w: scan %d baseline %v: %v", ErrFlagFile, scan, b, err)
		}
		for ch, v := range row {
			if v != 0 {
				m.Set(ch, t, true)
			}
		}
	}
	return m, nil
}

// Close closes the file.
func (ff *FlagFile) Close() error {
	return ff.f.Close()
}

// WriteFlagFile writes a flag file with flags returned by fn.
func WriteFlagFile(path string, h FlagFileHeader, fn func(scan int, b vis.Baseline, ch int) bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	header := flagFileHeader{
		Version:  flagFileVersion,
		Scans:    uint32(h.Scans),
		Antennas: uint32(h.Antennas),
		Channels: uint32(h.Channels),
	}
	copy(header.Magic[:], flagFileMagic)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		f.Close()
		return err
	}
	baselines := vis.Baselines(h.Antennas)
	for scan := 0; scan < h.Scans; scan++ {
		for _, b := range baselines {
			for ch := 0; ch < h.Channels; ch++ {
				var v byte
				if fn(scan, b, ch) {
					v = 1
				}
				if err := w.WriteByte(v); err != nil {
					f.Close()
					return err
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
