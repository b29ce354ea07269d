// Package app wires one polygon run together: it opens the input file and the
// output sinks under the output directory, then hands both to the pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/celltower/polygon-pipeline/internal/logging"
	"github.com/celltower/polygon-pipeline/internal/pipeline"
	"github.com/celltower/polygon-pipeline/internal/sink"
)

// DefaultOutputDir is where sinks are created when Options.OutputDir is empty.
const DefaultOutputDir = "OUTPUT"

type Options struct {
	OutputDir string
	// Resume reuses populations from an existing populations file in OutputDir.
	Resume bool
	// Echo receives a copy of every row written. Nil disables echoing.
	Echo     io.Writer
	Pipeline pipeline.Options
}

// Result reports where the rows went and what happened to each line.
type Result struct {
	RunID           string
	PolygonsPath    string
	PopulationsPath string
	// PolygonRows and PopulationRows count the rows written to each file.
	PolygonRows    int
	PopulationRows int
	Summary        pipeline.Summary
}

// Run processes inputPath. With a nil est only parsed_polygons.csv is produced;
// otherwise polygon_populations.csv is written alongside it.
//
// Output files are truncated at the start of every run. Rows written before a
// fatal error stay on disk.
func Run(ctx context.Context, inputPath string, opts Options, est pipeline.Estimator) (Result, error) {
	runID := uuid.NewString()
	log := opts.Pipeline.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("run", runID))
	opts.Pipeline.Logger = log
	runStart := time.Now()

	outDir := strings.TrimSpace(opts.OutputDir)
	if outDir == "" {
		outDir = DefaultOutputDir
	}
	res := Result{
		RunID:        runID,
		PolygonsPath: filepath.Join(outDir, sink.PolygonsFile),
	}
	if est != nil {
		res.PopulationsPath = filepath.Join(outDir, sink.PopulationsFile)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return res, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	if opts.Resume && est != nil {
		cached, err := loadResumeCache(ctx, res.PopulationsPath, log)
		if err != nil {
			return res, err
		}
		opts.Pipeline.Cached = mergeCached(opts.Pipeline.Cached, cached)
	}

	log.Info(ctx, "run start",
		logging.String("input", inputPath),
		logging.String("output_dir", outDir),
		logging.Any("populations", est != nil),
		logging.Any("resume", opts.Resume),
		logging.Any("fail_fast", opts.Pipeline.FailFast),
	)

	polys, err := sink.Create(res.PolygonsPath)
	if err != nil {
		return res, err
	}
	defer func() {
		_ = polys.Close()
	}()
	polys.SetEcho(opts.Echo)
	sinks := pipeline.Sinks{Polygons: polys}

	if est != nil {
		pops, err := sink.Create(res.PopulationsPath)
		if err != nil {
			return res, err
		}
		defer func() {
			_ = pops.Close()
		}()
		pops.SetEcho(opts.Echo)
		sinks.Populations = pops
	}

	sum, runErr := pipeline.Run(ctx, in, sinks, est, opts.Pipeline)
	res.Summary = sum

	closeErr := closeSink(ctx, log, polys, &res.PolygonRows)
	if sinks.Populations != nil {
		closeErr = errors.Join(closeErr, closeSink(ctx, log, sinks.Populations, &res.PopulationRows))
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		log.Error(ctx, "run aborted",
			logging.Int("lines", sum.Lines),
			logging.Duration("duration", time.Since(runStart).Round(time.Millisecond)),
			logging.Err(err),
		)
		return res, err
	}

	log.Info(ctx, "run complete",
		logging.Int("lines", sum.Lines),
		logging.Int("parsed", sum.Parsed),
		logging.Int("parse_errors", sum.ParseErrors),
		logging.Int("vertices", sum.Vertices),
		logging.Int("estimated", sum.Estimated),
		logging.Int("cached", sum.Cached),
		logging.Int("stuck", sum.Stuck),
		logging.Int("failed", sum.Failed),
		logging.Duration("duration", time.Since(runStart).Round(time.Millisecond)),
	)
	return res, nil
}

func closeSink(ctx context.Context, log logging.Logger, s *sink.Sink, rows *int) error {
	*rows = s.Rows()
	if err := s.Close(); err != nil {
		return err
	}
	log.Debug(ctx, "output closed", logging.String("path", s.Name()), logging.Int("rows", s.Rows()))
	return nil
}
