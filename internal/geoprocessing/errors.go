package geoprocessing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLocation means the submit response carried no results location.
	ErrNoLocation = errors.New("submit response has no Location header")
	// ErrInvalidState is returned when an operation is applied to a job in the wrong state.
	ErrInvalidState = errors.New("invalid job state")
)

// SubmissionError means the remote service did not accept the job.
type SubmissionError struct {
	PolygonID string
	Err       error
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return "submission error"
	}
	return fmt.Sprintf("submit job for polygon %s: %v", e.PolygonID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExtractionError means a status or results body did not contain the expected pattern.
type ExtractionError struct {
	PolygonID string
	// What names the missing piece, e.g. "job status" or "POPULATION05".
	What string
	URL  string
	// Snippet is a redacted, truncated hint of the body that failed to match.
	Snippet string
}

func (e *ExtractionError) Error() string {
	if e == nil {
		return "extraction error"
	}
	msg := fmt.Sprintf("polygon %s: %s not found in response from %s", e.PolygonID, e.What, e.URL)
	if e.Snippet != "" {
		msg += " body=" + e.Snippet
	}
	return msg
}

// StuckJobError is the soft failure for a job that never reported success within the
// poll budget (or its optional timeout). No population row is produced for it.
type StuckJobError struct {
	PolygonID  string
	Polls      int
	LastStatus string
	// Err is context.DeadlineExceeded when the per-job timeout fired.
	Err error
}

func (e *StuckJobError) Error() string {
	if e == nil {
		return "stuck job"
	}
	msg := fmt.Sprintf("job for polygon %s stuck after %d polls (last status %q)", e.PolygonID, e.Polls, e.LastStatus)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StuckJobError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// JobFailedError means the remote job reported one of the configured failure statuses.
type JobFailedError struct {
	PolygonID string
	Status    string
}

func (e *JobFailedError) Error() string {
	if e == nil {
		return "job failed"
	}
	return fmt.Sprintf("job for polygon %s reported %s", e.PolygonID, e.Status)
}
