// Package gpubox reads and writes raw correlator files. Every file holds
// one subband of one time range: a fixed header followed by a record per
// timestep. A record contains the full correlation matrix of the file's
// channels.
package gpubox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dudk/corrpipe/vis"
)

// HeaderSize is the size of the encoded header in bytes.
const HeaderSize = 40

// Version of the file format.
const Version = 1

var magic = [4]byte{'G', 'P', 'U', 'B'}

var (
	// ErrFormat is returned when file isn't a correlator file.
	ErrFormat = errors.New("gpubox: bad file format")
	// ErrMismatch is returned when files of one set don't match each
	// other or the configuration.
	ErrMismatch = errors.New("gpubox: files mismatch")
	// ErrDuplicateFile is returned when the same file is used for two
	// subbands.
	ErrDuplicateFile = errors.New("gpubox: duplicate file")
	// ErrMissingFile is returned when a subband file is missing and
	// missing files are not allowed.
	ErrMissingFile = errors.New("gpubox: missing file")
)

// Header describes the content of a file.
type Header struct {
	Antennas     int
	Channels     int
	FileChannels int
	Records      int
	// StartTime is unix time of the first record in seconds.
	StartTime int64
	// Integration is the duration of a record in seconds.
	Integration float64
}

// header is the on-disk layout.
type header struct {
	Magic        [4]byte
	Version      uint32
	Antennas     uint32
	Channels     uint32
	FileChannels uint32
	Records      uint32
	StartTime    int64
	Integration  float64
}

// StoredPairs returns number of antenna pairs stored in a record.
func (h Header) StoredPairs() int {
	return vis.BaselineCount(h.Antennas)
}

// RecordSamples returns number of complex samples in a record.
func (h Header) RecordSamples() int {
	return h.FileChannels * h.StoredPairs() * vis.Polarizations
}

// RecordSize returns size of a record in bytes.
func (h Header) RecordSize() int {
	return h.RecordSamples() * 8
}

// ReadHeader decodes the header.
func ReadHeader(r io.Reader) (Header, error) {
	var raw header
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, fmt.Errorf("%w: read header: %v", ErrFormat, err)
	}
	if raw.Magic != magic {
		return Header{}, fmt.Errorf("%w: magic %q", ErrFormat, raw.Magic[:])
	}
	if raw.Version != Version {
		return Header{}, fmt.Errorf("%w: version %d", ErrFormat, raw.Version)
	}
	h := Header{
		Antennas:     int(raw.Antennas),
		Channels:     int(raw.Channels),
		FileChannels: int(raw.FileChannels),
		Records:      int(raw.Records),
		StartTime:    raw.StartTime,
		Integration:  raw.Integration,
	}
	if h.Antennas == 0 || h.FileChannels == 0 || h.Integration <= 0 {
		return Header{}, fmt.Errorf("%w: header %+v", ErrFormat, h)
	}
	return h, nil
}

// WriteHeader encodes the header.
func WriteHeader(w io.Writer, h Header) error {
	raw := header{
		Magic:        magic,
		Version:      Version,
		Antennas:     uint32(h.Antennas),
		Channels:     uint32(h.Channels),
		FileChannels: uint32(h.FileChannels),
		Records:      uint32(h.Records),
		StartTime:    h.StartTime,
		Integration:  h.Integration,
	}
	return binary.Write(w, binary.LittleEndian, &raw)
}

// decodeRecord converts raw record into complex samples.
func decodeRecord(dst []complex64, src []byte) {
	for i := range dst {
		re := math.Float32frombits(binary.LittleEndian.Uint32(src[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(src[i*8+4:]))
		dst[i] = complex(re, im)
	}
}

// encodeRecord converts complex samples into raw record.
func encodeRecord(dst []byte, src []complex64) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*8:], math.Float32bits(real(v)))
		binary.LittleEndian.PutUint32(dst[i*8+4:], math.Float32bits(imag(v)))
	}
}

// StoredPairIndex returns position of the stored pair in a record. Pairs
// are stored with antenna2 <= antenna1.
func StoredPairIndex(antenna1, antenna2 int) int {
	if antenna2 > antenna1 {
		antenna1, antenna2 = antenna2, antenna1
	}
	return antenna1*(antenna1+1)/2 + antenna2
}

// SampleIndex returns position of the sample in a record.
func SampleIndex(h Header, ch, antenna1, antenna2, product int) int {
	return (ch*h.StoredPairs()+StoredPairIndex(antenna1, antenna2))*vis.Polarizations + product
}
