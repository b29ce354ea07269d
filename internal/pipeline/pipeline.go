// Package pipeline runs the per-line flow of a polygon run: parse, write vertex
// rows, then optionally estimate the population and write its row, strictly one
// polygon at a time in input order.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
	"github.com/celltower/polygon-pipeline/internal/logging"
	"github.com/celltower/polygon-pipeline/internal/polygon"
	"github.com/celltower/polygon-pipeline/internal/sink"
	"github.com/celltower/polygon-pipeline/internal/util"
)

// Line results passed to Observer.ObserveLine.
const (
	LineParsed     = "parsed"
	LineParseError = "parse_error"
	LineBlank      = "blank"
)

// Estimator produces the population of one polygon. *geoprocessing.Driver implements it.
type Estimator interface {
	Estimate(ctx context.Context, p polygon.Polygon) (geoprocessing.Estimate, error)
}

// Observer receives per-line counters. observability.Collector implements it.
type Observer interface {
	ObserveLine(result string)
	AddVertices(n int)
}

// Sinks are the outputs of a run. Populations may be nil when no Estimator is used.
type Sinks struct {
	Polygons    *sink.Sink
	Populations *sink.Sink
}

type Options struct {
	// FailFast aborts the run on the first parse error or stuck job.
	FailFast        bool
	RequireVertices bool
	// Cached maps polygon id to a population from a previous run. Those polygons are
	// not resubmitted; the cached value is written instead.
	Cached   map[string]string
	Logger   logging.Logger
	Observer Observer
}

// Summary counts what happened to each input line.
type Summary struct {
	Lines       int
	Blank       int
	Parsed      int
	ParseErrors int
	Vertices    int
	// Empty counts parsed polygons without vertices; they are never submitted.
	Empty     int
	Estimated int
	Cached    int
	Stuck     int
	Failed    int
}

// Run reads r line by line until EOF. Parse errors and stuck jobs are logged and
// skipped unless opts.FailFast is set; submission, extraction and job failures only
// skip the polygon. Sink and input I/O errors and context cancellation end the run.
//
// Vertex rows are flushed before the polygon's job starts and are kept whatever its
// outcome. est may be nil, in which case only vertex rows are produced.
func Run(ctx context.Context, r io.Reader, sinks Sinks, est Estimator, opts Options) (Summary, error) {
	var sum Summary
	if sinks.Polygons == nil {
		return sum, errors.New("polygon sink is required")
	}
	if est != nil && sinks.Populations == nil {
		return sum, errors.New("population sink is required when estimating")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	obs := opts.Observer
	if obs == nil {
		obs = noopObserver{}
	}

	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		line, readErr := br.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return sum, fmt.Errorf("read input line %d: %w", lineNo, readErr)
		}
		if line == "" && readErr != nil {
			return sum, nil
		}
		line = strings.TrimRight(line, "\r\n")
		sum.Lines++

		if polygon.IsBlank(line) {
			sum.Blank++
			obs.ObserveLine(LineBlank)
		} else if err := processLine(ctx, lineNo, line, sinks, est, opts, log, obs, &sum); err != nil {
			return sum, err
		}

		if readErr != nil {
			return sum, nil
		}
	}
}

func processLine(
	ctx context.Context,
	lineNo int,
	line string,
	sinks Sinks,
	est Estimator,
	opts Options,
	log logging.Logger,
	obs Observer,
	sum *Summary,
) error {
	p, err := polygon.ParseWithOptions(lineNo, line, polygon.Options{RequireVertices: opts.RequireVertices})
	if err != nil {
		sum.ParseErrors++
		obs.ObserveLine(LineParseError)
		if opts.FailFast {
			return err
		}
		log.Warn(ctx, "skipping malformed line", logging.Int("line", lineNo), logging.Err(err))
		return nil
	}
	sum.Parsed++
	obs.ObserveLine(LineParsed)

	if err := sinks.Polygons.WriteVertices(p); err != nil {
		return err
	}
	sum.Vertices += p.Len()
	obs.AddVertices(p.Len())

	if est == nil {
		return nil
	}
	if p.Len() == 0 {
		sum.Empty++
		log.Debug(ctx, "polygon has no vertices, not submitting", logging.String("polygon", p.ID), logging.Int("line", lineNo))
		return nil
	}
	if pop, ok := opts.Cached[p.ID]; ok {
		sum.Cached++
		log.Debug(ctx, "reusing population from previous run", logging.String("polygon", p.ID))
		return sinks.Populations.WritePopulation(p.ID, pop)
	}

	e, err := est.Estimate(ctx, p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var stuck *geoprocessing.StuckJobError
		if errors.As(err, &stuck) {
			sum.Stuck++
			if opts.FailFast {
				return err
			}
			log.Warn(ctx, "job stuck, skipping population",
				logging.String("polygon", p.ID),
				logging.Int("line", lineNo),
				logging.Int("polls", stuck.Polls),
				logging.String("last_status", stuck.LastStatus),
			)
			return nil
		}
		sum.Failed++
		log.Error(ctx, "population job failed, skipping polygon",
			logging.String("polygon", p.ID),
			logging.Int("line", lineNo),
			logging.String("error", util.RedactSecrets(err.Error())),
		)
		return nil
	}

	sum.Estimated++
	return sinks.Populations.WritePopulation(p.ID, e.Raw)
}

type noopObserver struct{}

func (noopObserver) ObserveLine(string) {}
func (noopObserver) AddVertices(int)    {}
