// Package digest provides a sink that computes an order-sensitive hash of
// all written rows. Two runs with equal output have equal digests.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/dudk/corrpipe/writer"
)

// Sink hashes band info and rows. Other metadata is ignored.
type Sink struct {
	h    hash.Hash
	rows int
	sum  []byte
	b    [8]byte
}

// New returns empty digest sink.
func New() *Sink {
	// error is only returned for invalid keys.
	h, _ := blake2b.New256(nil)
	return &Sink{h: h}
}

func (s *Sink) putFloat64(v float64) {
	binary.LittleEndian.PutUint64(s.b[:], math.Float64bits(v))
	s.h.Write(s.b[:])
}

func (s *Sink) putFloat32(v float32) {
	binary.LittleEndian.PutUint32(s.b[:4], math.Float32bits(v))
	s.h.Write(s.b[:4])
}

func (s *Sink) putInt(v int) {
	binary.LittleEndian.PutUint64(s.b[:], uint64(v))
	s.h.Write(s.b[:])
}

// WriteBandInfo hashes channel frequencies and widths.
func (s *Sink) WriteBandInfo(band writer.BandInfo) error {
	s.putInt(len(band.Channels))
	for _, c := range band.Channels {
		s.putFloat64(c.Frequency)
		s.putFloat64(c.Width)
	}
	return nil
}

// WriteAntennas implements writer.Writer.
func (s *Sink) WriteAntennas([]writer.AntennaInfo, float64) error { return nil }

// WriteLinearPolarizations implements writer.Writer.
func (s *Sink) WriteLinearPolarizations(bool) error { return nil }

// WriteSource implements writer.Writer.
func (s *Sink) WriteSource(writer.SourceInfo) error { return nil }

// WriteField implements writer.Writer.
func (s *Sink) WriteField(writer.FieldInfo) error { return nil }

// WriteObservation implements writer.Writer.
func (s *Sink) WriteObservation(writer.ObservationInfo) error { return nil }

// WriteHistory implements writer.Writer.
func (s *Sink) WriteHistory(writer.HistoryEntry) error { return nil }

// AddRows hashes the number of rows.
func (s *Sink) AddRows(count int) error {
	s.putInt(count)
	return nil
}

// WriteRow hashes all values of the row.
func (s *Sink) WriteRow(row writer.Row) error {
	s.putFloat64(row.Time)
	s.putInt(row.Antenna1)
	s.putInt(row.Antenna2)
	s.putFloat64(row.U)
	s.putFloat64(row.V)
	s.putFloat64(row.W)
	s.putFloat64(row.Interval)
	for i, v := range row.Data {
		s.putFloat32(real(v))
		s.putFloat32(imag(v))
		if row.Flags[i] {
			s.h.Write([]byte{1})
		} else {
			s.h.Write([]byte{0})
		}
		s.putFloat32(row.Weights[i])
	}
	s.rows++
	return nil
}

// Close finalizes the digest.
func (s *Sink) Close() error {
	s.sum = s.h.Sum(nil)
	return nil
}

// Rows returns number of written rows.
func (s *Sink) Rows() int {
	return s.rows
}

// Sum returns hex-encoded digest. It's empty until Close is called.
func (s *Sink) Sum() string {
	return hex.EncodeToString(s.sum)
}
