package polygon

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-spatial/geom"
)

var pointRe = regexp.MustCompile(`POINT\((-?\d+\.\d+) (-?\d+\.\d+)\)`)

var (
	// ErrMalformedLine is matched by every ParseError.
	ErrMalformedLine = errors.New("malformed polygon line")
	// ErrNoFields means the line has no whitespace separating the id from the geometry.
	ErrNoFields = fmt.Errorf("%w: expected <id> <geometry>", ErrMalformedLine)
	// ErrNoVertices is only returned when Options.RequireVertices is set.
	ErrNoVertices = fmt.Errorf("%w: no POINT(x y) tokens", ErrMalformedLine)
)

// ParseError reports a line that could not be turned into a polygon.
type ParseError struct {
	Line  int
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "parse error"
	}
	return fmt.Sprintf("line %d: %v (input=%q)", e.Line, e.Err, truncate(e.Input, 80))
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Options tunes how strict Parse is.
type Options struct {
	// RequireVertices turns a line without POINT tokens into a ParseError.
	RequireVertices bool
}

// IsBlank reports whether the line holds only whitespace.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// Parse is ParseWithOptions with default options.
func Parse(lineNo int, line string) (Polygon, error) {
	return ParseWithOptions(lineNo, line, Options{})
}

// ParseWithOptions splits line into the polygon id and the remainder on the first
// whitespace run, then collects every POINT(x y) token of the remainder in scan order.
func ParseWithOptions(lineNo int, line string, opts Options) (Polygon, error) {
	trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
	sep := strings.IndexFunc(trimmed, unicode.IsSpace)
	if sep < 0 {
		return Polygon{}, &ParseError{Line: lineNo, Input: line, Err: ErrNoFields}
	}
	id := trimmed[:sep]
	rest := trimmed[sep:]

	matches := pointRe.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 && opts.RequireVertices {
		return Polygon{}, &ParseError{Line: lineNo, Input: line, Err: ErrNoVertices}
	}

	vertices := make([]Vertex, 0, len(matches))
	for _, m := range matches {
		x, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Polygon{}, &ParseError{Line: lineNo, Input: line, Err: fmt.Errorf("%w: x=%q: %v", ErrMalformedLine, m[1], err)}
		}
		y, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Polygon{}, &ParseError{Line: lineNo, Input: line, Err: fmt.Errorf("%w: y=%q: %v", ErrMalformedLine, m[2], err)}
		}
		vertices = append(vertices, Vertex{
			Point: geom.Point{x, y},
			RawX:  m[1],
			RawY:  m[2],
		})
	}
	return Polygon{ID: id, Vertices: vertices}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
