// Package store persists phonon modes and check reports between runs.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/fumin/phonorot/exactdiag"
)

var log = logging.MustGetLogger("store")

const (
	tableModes = "modes"
)

var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("corrupt record")
)

// Cache stores the phonon modes of interpolation grids in sqlite,
// one row per grid vertex, with zstd compressed payloads.
type Cache struct {
	Path string

	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func Open(dbPath string) (*Cache, error) {
	c := &Cache{Path: dbPath}
	var err error
	c.db, err = newDB(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		c.db.Close()
		return nil, errors.Wrap(err, "")
	}
	c.dec, err = zstd.NewReader(nil)
	if err != nil {
		c.enc.Close()
		c.db.Close()
		return nil, errors.Wrap(err, "")
	}
	return c, nil
}

func MustOpen(dbPath string) *Cache {
	c, err := Open(dbPath)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return c
}

func (c *Cache) Close() error {
	var err error
	if err1 := c.enc.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	c.dec.Close()
	if err1 := c.db.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

// Put replaces the modes stored under key.
func (c *Cache) Put(key string, modes *exactdiag.Modes) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer tx.Rollback()

	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE key=?`, tableModes)
	if _, err := tx.ExecContext(ctx, sqlStr, key); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %s", sqlStr, key))
	}
	sqlStr = fmt.Sprintf(`INSERT INTO %s (key, i, q0, q1, q2, basis, natoms, freqs, vecs) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableModes)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer stmt.Close()
	for i, q := range modes.Q {
		var natoms int
		if len(modes.Eigenvectors[i]) > 0 {
			natoms = len(modes.Eigenvectors[i][0])
		}
		freqs := c.enc.EncodeAll(encodeFloats(modes.Frequencies[i]), nil)
		vecs := c.enc.EncodeAll(encodeVectors(modes.Eigenvectors[i]), nil)
		args := []any{key, i, q[0], q[1], q[2], int(modes.Basis), natoms, freqs, vecs}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%s %d", key, i))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	log.Debugf("cached %d points under %s", len(modes.Q), key)
	return nil
}

// Get returns the modes stored under key, or ErrNotFound.
func (c *Cache) Get(key string) (*exactdiag.Modes, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT i, q0, q1, q2, basis, natoms, freqs, vecs FROM %s WHERE key=? ORDER BY i`, tableModes)
	rows, err := c.db.QueryContext(ctx, sqlStr, key)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	modes := &exactdiag.Modes{}
	for rows.Next() {
		var i, basis, natoms int
		var q [3]float64
		var freqB, vecB []byte
		if err := rows.Scan(&i, &q[0], &q[1], &q[2], &basis, &natoms, &freqB, &vecB); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if i != len(modes.Q) {
			return nil, errors.Wrap(ErrCorrupt, fmt.Sprintf("%s: index %d, expected %d", key, i, len(modes.Q)))
		}
		freqs, err := c.decodeFloats(freqB)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%s %d", key, i))
		}
		vecs, err := c.decodeVectors(vecB, len(freqs), natoms)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%s %d", key, i))
		}
		modes.Q = append(modes.Q, q)
		modes.Basis = exactdiag.Basis(basis)
		modes.Frequencies = append(modes.Frequencies, freqs)
		modes.Eigenvectors = append(modes.Eigenvectors, vecs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(modes.Q) == 0 {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return modes, nil
}

// Count returns the number of points stored under key.
func (c *Cache) Count(key string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf("SELECT count(1) FROM %s WHERE key=?", tableModes)
	var n int
	if err := c.db.QueryRowContext(ctx, sqlStr, key).Scan(&n); err != nil {
		return -1, errors.Wrap(err, "")
	}
	return n, nil
}

func (c *Cache) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE key=?`, tableModes)
	if _, err := c.db.ExecContext(ctx, sqlStr, key); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func (c *Cache) decodeFloats(b []byte) ([]float64, error) {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(raw)%8 != 0 {
		return nil, errors.Wrap(ErrCorrupt, fmt.Sprintf("%d bytes", len(raw)))
	}
	fs := make([]float64, 0, len(raw)/8)
	for i := 0; i < len(raw); i += 8 {
		fs = append(fs, math.Float64frombits(binary.LittleEndian.Uint64(raw[i:])))
	}
	return fs, nil
}

func (c *Cache) decodeVectors(b []byte, nmodes, natoms int) ([][][3]complex128, error) {
	fs, err := c.decodeFloats(b)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(fs) != nmodes*natoms*6 {
		return nil, errors.Wrap(ErrCorrupt, fmt.Sprintf("%d floats for %d modes of %d atoms", len(fs), nmodes, natoms))
	}
	vecs := make([][][3]complex128, nmodes)
	var n int
	for m := range nmodes {
		vecs[m] = make([][3]complex128, natoms)
		for k := range natoms {
			for a := range 3 {
				vecs[m][k][a] = complex(fs[n], fs[n+1])
				n += 2
			}
		}
	}
	return vecs, nil
}

func encodeFloats(fs []float64) []byte {
	b := make([]byte, 0, 8*len(fs))
	for _, f := range fs {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
	}
	return b
}

func encodeVectors(vecs [][][3]complex128) []byte {
	fs := make([]float64, 0)
	for _, vec := range vecs {
		for _, v := range vec {
			for _, x := range v {
				fs = append(fs, real(x), imag(x))
			}
		}
	}
	return encodeFloats(fs)
}

func newDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}

	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT, i INTEGER, q0 REAL, q1 REAL, q2 REAL, basis INTEGER, natoms INTEGER, freqs BLOB, vecs BLOB, PRIMARY KEY (key, i)) STRICT`, tableModes)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
