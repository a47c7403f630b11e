// Package sqlite provides a sink that stores visibilities in a sqlite
// database. Every run is stored as a separate observation.
package sqlite

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dudk/corrpipe/quality"
	"github.com/dudk/corrpipe/vis"
	"github.com/dudk/corrpipe/writer"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	telescope TEXT, observer TEXT, project TEXT,
	start_time REAL, end_time REAL
);
CREATE TABLE IF NOT EXISTS bands (
	observation_id TEXT, name TEXT, ref_frequency REAL, total_bandwidth REAL
);
CREATE TABLE IF NOT EXISTS channels (
	observation_id TEXT, channel INTEGER,
	frequency REAL, width REAL, effective_bandwidth REAL, resolution REAL
);
CREATE TABLE IF NOT EXISTS antennas (
	observation_id TEXT, antenna INTEGER, name TEXT, station TEXT,
	x REAL, y REAL, z REAL, diameter REAL, flagged INTEGER
);
CREATE TABLE IF NOT EXISTS polarizations (
	observation_id TEXT, product INTEGER, name TEXT, flagged INTEGER
);
CREATE TABLE IF NOT EXISTS sources (
	observation_id TEXT, name TEXT, time REAL, interval REAL, ra REAL, dec REAL
);
CREATE TABLE IF NOT EXISTS fields (
	observation_id TEXT, name TEXT, time REAL, ra REAL, dec REAL
);
CREATE TABLE IF NOT EXISTS history (
	observation_id TEXT, command_line TEXT, application TEXT, params TEXT
);
CREATE TABLE IF NOT EXISTS offsets (
	observation_id TEXT, subband INTEGER, record_offset INTEGER
);
CREATE TABLE IF NOT EXISTS statistics (
	observation_id TEXT, report TEXT
);`

// visibilities table is created on the first AddRows call.
const rowsSchema = `
CREATE TABLE IF NOT EXISTS visibilities (
	observation_id TEXT, row_index INTEGER,
	time REAL, antenna1 INTEGER, antenna2 INTEGER,
	u REAL, v REAL, w REAL, interval REAL,
	data BLOB, flags BLOB, weights BLOB
);
CREATE INDEX IF NOT EXISTS visibilities_observation ON visibilities (observation_id, row_index);`

const insertRow = `INSERT INTO visibilities
	(observation_id, row_index, time, antenna1, antenna2, u, v, w, interval, data, flags, weights)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Sink stores metadata and rows of a single observation. It's not safe
// for concurrent use.
type Sink struct {
	db            *sql.DB
	observationID string

	created bool
	tx      *sql.Tx
	insert  *sql.Stmt
	rows    int64
	buf     bytes.Buffer
}

// Open opens or creates the database and registers a new observation.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// single connection keeps in-memory databases consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(metadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	s := Sink{
		db:            db,
		observationID: uuid.New().String(),
	}
	if _, err := db.Exec(`INSERT INTO observations (id) VALUES (?)`, s.observationID); err != nil {
		db.Close()
		return nil, err
	}
	return &s, nil
}

// ObservationID returns the key of the observation.
func (s *Sink) ObservationID() string {
	return s.observationID
}

// WriteBandInfo implements writer.Writer.
func (s *Sink) WriteBandInfo(band writer.BandInfo) error {
	if _, err := s.db.Exec(`INSERT INTO bands VALUES (?, ?, ?, ?)`,
		s.observationID, band.Name, band.RefFrequency, band.TotalBandwidth); err != nil {
		return err
	}
	for i, c := range band.Channels {
		if _, err := s.db.Exec(`INSERT INTO channels VALUES (?, ?, ?, ?, ?, ?)`,
			s.observationID, i, c.Frequency, c.Width, c.EffectiveBandwidth, c.Resolution); err != nil {
			return err
		}
	}
	return nil
}

// WriteAntennas implements writer.Writer.
func (s *Sink) WriteAntennas(antennas []writer.AntennaInfo, _ float64) error {
	for i, a := range antennas {
		if _, err := s.db.Exec(`INSERT INTO antennas VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.observationID, i, a.Name, a.Station,
			a.Position[0], a.Position[1], a.Position[2], a.Diameter, a.Flagged); err != nil {
			return err
		}
	}
	return nil
}

// WriteLinearPolarizations implements writer.Writer.
func (s *Sink) WriteLinearPolarizations(flagged bool) error {
	for i, name := range []string{"XX", "XY", "YX", "YY"} {
		if _, err := s.db.Exec(`INSERT INTO polarizations VALUES (?, ?, ?, ?)`,
			s.observationID, i, name, flagged); err != nil {
			return err
		}
	}
	return nil
}

// WriteSource implements writer.Writer.
func (s *Sink) WriteSource(source writer.SourceInfo) error {
	_, err := s.db.Exec(`INSERT INTO sources VALUES (?, ?, ?, ?, ?, ?)`,
		s.observationID, source.Name, source.Time, source.Interval, source.RA, source.Dec)
	return err
}

// WriteField implements writer.Writer.
func (s *Sink) WriteField(field writer.FieldInfo) error {
	_, err := s.db.Exec(`INSERT INTO fields VALUES (?, ?, ?, ?, ?)`,
		s.observationID, field.Name, field.Time, field.RA, field.Dec)
	return err
}

// WriteObservation implements writer.Writer.
func (s *Sink) WriteObservation(o writer.ObservationInfo) error {
	_, err := s.db.Exec(`UPDATE observations
		SET telescope = ?, observer = ?, project = ?, start_time = ?, end_time = ?
		WHERE id = ?`,
		o.Telescope, o.Observer, o.Project, o.StartTime, o.EndTime, s.observationID)
	return err
}

// WriteHistory implements writer.Writer.
func (s *Sink) WriteHistory(entry writer.HistoryEntry) error {
	_, err := s.db.Exec(`INSERT INTO history VALUES (?, ?, ?, ?)`,
		s.observationID, entry.CommandLine, entry.Application, strings.Join(entry.Params, ","))
	return err
}

// WriteOffsets implements writer.AlignmentWriter.
func (s *Sink) WriteOffsets(offsets []int) error {
	for sb, offset := range offsets {
		if _, err := s.db.Exec(`INSERT INTO offsets VALUES (?, ?, ?)`,
			s.observationID, sb, offset); err != nil {
			return err
		}
	}
	return nil
}

// WriteStatistics implements writer.StatisticsWriter.
func (s *Sink) WriteStatistics(statistics *quality.Statistics) error {
	var report strings.Builder
	if err := statistics.WriteReport(&report); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO statistics VALUES (?, ?)`, s.observationID, report.String())
	return err
}

// AddRows commits rows of the previous timestep and starts a new
// transaction. The visibilities table is created on the first call.
func (s *Sink) AddRows(int) error {
	if !s.created {
		if _, err := s.db.Exec(rowsSchema); err != nil {
			return fmt.Errorf("sqlite: create visibilities: %w", err)
		}
		s.created = true
	}
	if err := s.commit(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	insert, err := tx.Prepare(insertRow)
	if err != nil {
		tx.Rollback()
		return err
	}
	s.tx, s.insert = tx, insert
	return nil
}

func (s *Sink) commit() error {
	if s.tx == nil {
		return nil
	}
	tx, insert := s.tx, s.insert
	s.tx, s.insert = nil, nil
	if err := insert.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: close insert: %w", err)
	}
	return tx.Commit()
}

// WriteRow implements writer.Writer.
func (s *Sink) WriteRow(row writer.Row) error {
	if s.tx == nil {
		return fmt.Errorf("sqlite: %w", writer.ErrNotReady)
	}
	data, flags, weights := encodeRow(&s.buf, row)
	if _, err := s.insert.Exec(s.observationID, s.rows,
		row.Time, row.Antenna1, row.Antenna2, row.U, row.V, row.W, row.Interval,
		data, flags, weights); err != nil {
		return err
	}
	s.rows++
	return nil
}

// Close commits pending rows and closes the database.
func (s *Sink) Close() error {
	err := s.commit()
	if closeErr := s.db.Close(); err == nil {
		err = closeErr
	}
	return err
}

// encodeRow returns little-endian encoded row slices. All three are
// backed by buf and valid until the next call.
func encodeRow(buf *bytes.Buffer, row writer.Row) (data, flags, weights []byte) {
	buf.Reset()
	n := len(row.Data)
	buf.Grow(n*8 + n + n*4)
	var b [4]byte
	for _, v := range row.Data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(real(v)))
		buf.Write(b[:])
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(imag(v)))
		buf.Write(b[:])
	}
	for _, f := range row.Flags {
		if f {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, w := range row.Weights {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(w))
		buf.Write(b[:])
	}
	all := buf.Bytes()
	return all[:n*8], all[n*8 : n*9], all[n*9:]
}

func decodeRow(row *writer.Row, data, flags, weights []byte) error {
	n := len(flags)
	if len(data) != n*8 || len(weights) != n*4 || n%vis.Polarizations != 0 {
		return fmt.Errorf("sqlite: %w: corrupted row", writer.ErrRowShape)
	}
	*row = writer.NewRow(n / vis.Polarizations)
	for i := 0; i < n; i++ {
		re := math.Float32frombits(binary.LittleEndian.Uint32(data[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(data[i*8+4:]))
		row.Data[i] = complex(re, im)
		row.Flags[i] = flags[i] != 0
		row.Weights[i] = math.Float32frombits(binary.LittleEndian.Uint32(weights[i*4:]))
	}
	return nil
}

// ReadRows returns all rows of the observation stored in the database
// in the written order.
func ReadRows(path, observationID string) ([]writer.Row, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rs, err := db.Query(`SELECT time, antenna1, antenna2, u, v, w, interval, data, flags, weights
		FROM visibilities WHERE observation_id = ? ORDER BY row_index`, observationID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var result []writer.Row
	for rs.Next() {
		var (
			r                       writer.Row
			time, u, v, w, interval float64
			a1, a2                  int
			data, flags, weights    []byte
		)
		if err := rs.Scan(&time, &a1, &a2, &u, &v, &w, &interval, &data, &flags, &weights); err != nil {
			return nil, err
		}
		if err := decodeRow(&r, data, flags, weights); err != nil {
			return nil, err
		}
		r.Time, r.Antenna1, r.Antenna2 = time, a1, a2
		r.U, r.V, r.W, r.Interval = u, v, w, interval
		result = append(result, r)
	}
	return result, rs.Err()
}
