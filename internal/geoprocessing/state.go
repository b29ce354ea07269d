package geoprocessing

import "time"

// State is the position of a Job in its lifecycle.
//
//	Building -> Submitted -> Polling -> {Succeeded, Stuck}
//	Succeeded -> Fetching -> {Extracted, Failed}
//
// Failed is also used for jobs that never got a results location or whose status
// requests broke.
type State int

const (
	StateBuilding State = iota
	StateSubmitted
	StatePolling
	StateSucceeded
	StateStuck
	StateFetching
	StateExtracted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateStuck:
		return "stuck"
	case StateFetching:
		return "fetching"
	case StateExtracted:
		return "extracted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExtracted || s == StateStuck || s == StateFailed
}

// Job is one outstanding remote computation for a polygon.
type Job struct {
	PolygonID string
	Payload   Payload
	// ResultURL is the results location handed back by the submit endpoint.
	ResultURL string
	State     State
	// Polls counts status requests that did not report success.
	Polls      int
	LastStatus string
	Submitted  time.Time
}

// Estimate is the population extracted for one polygon.
type Estimate struct {
	PolygonID string
	Value     float64
	// Raw is the number as it appeared in the results body.
	Raw string
}
