package gpubox

import (
	"bufio"
	"fmt"
	"os"
)

// FileWriter writes a correlator file record by record.
type FileWriter struct {
	f       *os.File
	w       *bufio.Writer
	header  Header
	record  []byte
	written int
}

// Create creates the file and writes the header. The header declares the
// number of records, writing fewer records produces a truncated file.
func Create(path string, h Header) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if err := WriteHeader(w, h); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	return &FileWriter{
		f:      f,
		w:      w,
		header: h,
		record: make([]byte, h.RecordSize()),
	}, nil
}

// WriteRecord writes the next record. Samples are ordered as in the file,
// use SampleIndex to address them.
func (fw *FileWriter) WriteRecord(samples []complex64) error {
	if len(samples) != fw.header.RecordSamples() {
		return fmt.Errorf("%w: record of %d samples, expected %d", ErrMismatch, len(samples), fw.header.RecordSamples())
	}
	encodeRecord(fw.record, samples)
	if _, err := fw.w.Write(fw.record); err != nil {
		return err
	}
	fw.written++
	return nil
}

// Written returns number of written records.
func (fw *FileWriter) Written() int {
	return fw.written
}

// Close flushes buffered records and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.w.Flush(); err != nil {
		fw.f.Close()
		return err
	}
	return fw.f.Close()
}
