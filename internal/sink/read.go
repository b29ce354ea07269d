package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// VertexRow is one row of parsed_polygons.csv.
type VertexRow struct {
	PolygonID string
	X, Y      float64
}

// PopulationRow is one row of polygon_populations.csv.
type PopulationRow struct {
	PolygonID  string
	Population string
}

// splitRow undoes WriteRow for a row of n fields. Fields are split off from the right
// because only the leading polygon id may contain separators or quotes.
func splitRow(line string, n int) ([]string, bool) {
	fields := make([]string, n)
	for i := n - 1; i > 0; i-- {
		idx := strings.LastIndex(line, separator)
		if idx < 0 {
			return nil, false
		}
		fields[i] = line[idx+len(separator):]
		line = line[:idx]
	}
	fields[0] = line
	return fields, true
}

// scanRows calls fn for every non-blank line of r with its 1-based line number.
func scanRows(r io.Reader, n int, fn func(lineNo int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, ok := splitRow(line, n)
		if !ok {
			return fmt.Errorf("row %d: want %d fields separated by %q: %q", lineNo, n, separator, line)
		}
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadVertexRows reads rows previously written by WriteVertices.
func ReadVertexRows(r io.Reader) ([]VertexRow, error) {
	var rows []VertexRow
	err := scanRows(r, 3, func(lineNo int, f []string) error {
		x, err := strconv.ParseFloat(strings.TrimSpace(f[1]), 64)
		if err != nil {
			return fmt.Errorf("vertex row %d: x: %w", lineNo, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(f[2]), 64)
		if err != nil {
			return fmt.Errorf("vertex row %d: y: %w", lineNo, err)
		}
		rows = append(rows, VertexRow{PolygonID: f[0], X: x, Y: y})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read vertex rows: %w", err)
	}
	return rows, nil
}

// ReadPopulationRows reads rows previously written by WritePopulation.
func ReadPopulationRows(r io.Reader) ([]PopulationRow, error) {
	var rows []PopulationRow
	err := scanRows(r, 2, func(_ int, f []string) error {
		rows = append(rows, PopulationRow{PolygonID: f[0], Population: strings.TrimSpace(f[1])})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read population rows: %w", err)
	}
	return rows, nil
}

// ReadPopulationFile loads a populations file keyed by polygon id. A missing file
// yields an empty map. When an id repeats, the last row wins.
func ReadPopulationFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	rows, err := ReadPopulationRows(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.PolygonID] = row.Population
	}
	return out, nil
}
