package geoprocessing

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/celltower/polygon-pipeline/internal/polygon"
)

// Payload is the serialized feature set submitted for one polygon.
type Payload struct {
	JSON []byte
}

// Escaped returns the payload query-escaped for use in a URL.
func (p Payload) Escaped() string {
	return url.QueryEscape(string(p.JSON))
}

type featureSet struct {
	GeometryType     string           `json:"geometryType"`
	SpatialReference spatialReference `json:"spatialReference"`
	Features         []feature        `json:"features"`
}

type spatialReference struct {
	WKID int `json:"wkid"`
}

type feature struct {
	Geometry   ringGeometry      `json:"geometry"`
	Attributes featureAttributes `json:"attributes"`
}

type ringGeometry struct {
	Rings [][][2]float64 `json:"rings"`
}

type featureAttributes struct {
	ID   int    `json:"Id"`
	Name string `json:"Name"`
}

// BuildPayload encodes p as an Esri polygon feature set with a single ring holding
// the parsed vertices in order. The ring is passed through as parsed; closure is the
// input's responsibility.
func BuildPayload(p polygon.Polygon, wkid int) (Payload, error) {
	ring := p.Ring()
	fs := featureSet{
		GeometryType:     "esriGeometryPolygon",
		SpatialReference: spatialReference{WKID: wkid},
		Features: []feature{{
			Geometry:   ringGeometry{Rings: [][][2]float64{ring}},
			Attributes: featureAttributes{ID: 1, Name: p.ID},
		}},
	}
	b, err := json.Marshal(fs)
	if err != nil {
		return Payload{}, fmt.Errorf("encode feature set for polygon %s: %w", p.ID, err)
	}
	return Payload{JSON: b}, nil
}
