// Package sink holds the append-only CSV outputs of a run.
//
// Rows are written as "<field>, <field>" with no header, which is what downstream
// spreadsheets of the tower-cell study expect. encoding/csv cannot emit a two-byte
// separator or leave ids unquoted, so rows are formatted directly and read back by
// splitting from the right.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/celltower/polygon-pipeline/internal/polygon"
)

const (
	PolygonsFile    = "parsed_polygons.csv"
	PopulationsFile = "polygon_populations.csv"

	separator = ", "
)

// Sink is a single append-only row destination. It is not safe for concurrent use.
type Sink struct {
	name   string
	w      *bufio.Writer
	closer io.Closer
	echo   io.Writer
	rows   int
}

// Create truncates (or creates) the file at path, including missing parent directories.
func Create(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &Sink{name: path, w: bufio.NewWriter(f), closer: f}, nil
}

// New wraps w. Closing the sink flushes but does not close w.
func New(name string, w io.Writer) *Sink {
	return &Sink{name: name, w: bufio.NewWriter(w)}
}

// Name returns the path or label the sink was created with.
func (s *Sink) Name() string { return s.name }

// Rows returns the number of rows written so far.
func (s *Sink) Rows() int { return s.rows }

// SetEcho mirrors every row to w (usually stdout). A nil w disables echoing.
func (s *Sink) SetEcho(w io.Writer) { s.echo = w }

// WriteRow appends one row.
func (s *Sink) WriteRow(fields ...string) error {
	line := strings.Join(fields, separator) + "\n"
	if _, err := s.w.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	s.rows++
	if s.echo != nil {
		_, _ = io.WriteString(s.echo, line)
	}
	return nil
}

// Flush pushes buffered rows to the underlying writer.
func (s *Sink) Flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}
	return nil
}

// Close flushes and releases the file. It is safe to call more than once.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	err := s.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}

// WriteVertices appends one "<id>, <x>, <y>" row per vertex and flushes, so the rows
// survive regardless of what happens to the population job afterwards.
func (s *Sink) WriteVertices(p polygon.Polygon) error {
	for _, v := range p.Vertices {
		if err := s.WriteRow(p.ID, v.RawX, v.RawY); err != nil {
			return err
		}
	}
	return s.Flush()
}

// WritePopulation appends one "<id>, <population>" row and flushes.
func (s *Sink) WritePopulation(polygonID, population string) error {
	if err := s.WriteRow(polygonID, population); err != nil {
		return err
	}
	return s.Flush()
}
