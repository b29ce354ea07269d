// Package polygon turns one line of the tower-cell export into a polygon id and its
// ordered ring of vertices.
package polygon

import (
	"github.com/go-spatial/geom"
)

// Vertex is one ring coordinate. X is longitude and Y is latitude.
//
// RawX and RawY hold the decimal text exactly as it appeared in the input so that
// emitted rows reproduce the source digits.
type Vertex struct {
	Point geom.Point
	RawX  string
	RawY  string
}

// X returns the longitude.
func (v Vertex) X() float64 { return v.Point.X() }

// Y returns the latitude.
func (v Vertex) Y() float64 { return v.Point.Y() }

// Polygon is an identifier plus the vertices in ring order.
type Polygon struct {
	ID       string
	Vertices []Vertex
}

// Len returns the number of vertices.
func (p Polygon) Len() int { return len(p.Vertices) }

// Ring returns the vertex coordinates as a line string. Closure is not enforced.
func (p Polygon) Ring() geom.LineString {
	ring := make(geom.LineString, 0, len(p.Vertices))
	for _, v := range p.Vertices {
		ring = append(ring, [2]float64(v.Point))
	}
	return ring
}
