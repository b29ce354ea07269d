// Package geoprocessing drives remote population jobs: it submits a polygon ring to
// an ArcGIS-style geoprocessing service, polls the job at a fixed interval until it
// succeeds or the poll budget runs out, and extracts the population from the result.
package geoprocessing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celltower/polygon-pipeline/internal/logging"
	"github.com/celltower/polygon-pipeline/internal/polygon"
	"github.com/celltower/polygon-pipeline/internal/util"
)

const tracerName = "github.com/celltower/polygon-pipeline/internal/geoprocessing"

// Recorder receives job metrics. observability.Collector implements it.
type Recorder interface {
	ObservePoll(status string)
	ObserveJob(outcome string, polls int, elapsed time.Duration)
}

// Driver runs jobs one at a time. It is not safe for concurrent use.
type Driver struct {
	cfg       Config
	transport Transport
	clock     Clock
	log       logging.Logger
	tracer    trace.Tracer
	recorder  Recorder

	submitURL *url.URL
	statusRe  *regexp.Regexp
	valueRe   *regexp.Regexp
}

// Option customizes a Driver.
type Option func(*Driver)

// WithClock replaces the wall clock used between polls.
func WithClock(c Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// New validates cfg and returns a driver using transport for every request.
func New(cfg Config, transport Transport, opts ...Option) (*Driver, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSpace(cfg.SubmitURL))
	if err != nil {
		return nil, fmt.Errorf("submit url: %w", err)
	}
	statusRe, err := compileStatusPattern(cfg.StatusPattern)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:       cfg,
		transport: transport,
		clock:     realClock{},
		log:       logging.Noop(),
		submitURL: u,
		statusRe:  statusRe,
		valueRe:   compileValuePattern(cfg.ResultLabel),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// Build encodes the polygon ring for submission.
func (d *Driver) Build(p polygon.Polygon) (Payload, error) {
	return BuildPayload(p, d.cfg.WKID)
}

// submitRequestURL appends the escaped payload as the last query parameter, after any
// parameters of the configured URL and ExtraParams.
func (d *Driver) submitRequestURL(payload Payload) string {
	u := *d.submitURL
	q := u.Query()
	for k, v := range d.cfg.ExtraParams {
		q.Set(k, v)
	}
	q.Del(d.cfg.InputParam)

	input := url.QueryEscape(d.cfg.InputParam) + "=" + payload.Escaped()
	if rest := q.Encode(); rest != "" {
		u.RawQuery = rest + "&" + input
	} else {
		u.RawQuery = input
	}
	return u.String()
}

// Submit sends the payload and records the results location on the returned job.
// On failure the job is returned in StateFailed together with a *SubmissionError.
func (d *Driver) Submit(ctx context.Context, polygonID string, payload Payload) (*Job, error) {
	job := &Job{PolygonID: polygonID, Payload: payload, State: StateBuilding}

	resp, err := d.transport.Get(ctx, d.submitRequestURL(payload))
	if err != nil {
		job.State = StateFailed
		return job, &SubmissionError{PolygonID: polygonID, Err: err}
	}
	if resp.StatusCode >= 400 {
		job.State = StateFailed
		return job, &SubmissionError{PolygonID: polygonID, Err: newHTTPError("submitJob", resp)}
	}

	loc := strings.TrimSpace(resp.Header.Get("Location"))
	if loc == "" {
		job.State = StateFailed
		return job, &SubmissionError{PolygonID: polygonID, Err: ErrNoLocation}
	}
	ref, err := url.Parse(loc)
	if err != nil {
		job.State = StateFailed
		return job, &SubmissionError{PolygonID: polygonID, Err: fmt.Errorf("parse Location %q: %w", util.RedactSecrets(loc), err)}
	}

	job.ResultURL = d.submitURL.ResolveReference(ref).String()
	job.State = StateSubmitted
	job.Submitted = time.Now()
	return job, nil
}

// Poll issues one status request and advances the job:
//   - success status -> StateSucceeded
//   - configured failure status -> StateFailed with *JobFailedError
//   - anything else -> Polls++ and StatePolling, or StateStuck with *StuckJobError
//     once Polls reaches MaxPolls.
func (d *Driver) Poll(ctx context.Context, job *Job) error {
	if job == nil || (job.State != StateSubmitted && job.State != StatePolling) {
		return fmt.Errorf("poll: %w", ErrInvalidState)
	}
	job.State = StatePolling

	resp, err := d.transport.Get(ctx, job.ResultURL)
	if err != nil {
		job.State = StateFailed
		return fmt.Errorf("poll job for polygon %s: %w", job.PolygonID, err)
	}
	if resp.StatusCode/100 != 2 {
		job.State = StateFailed
		return fmt.Errorf("poll job for polygon %s: %w", job.PolygonID, newHTTPError("jobStatus", resp))
	}

	status, ok := ExtractStatus(d.statusRe, resp.Body)
	if !ok {
		job.State = StateFailed
		return &ExtractionError{
			PolygonID: job.PolygonID,
			What:      "job status",
			URL:       util.RedactSecrets(job.ResultURL),
			Snippet:   redactAndTruncate(resp.Body),
		}
	}
	job.LastStatus = status
	if d.recorder != nil {
		d.recorder.ObservePoll(status)
	}
	d.log.Debug(ctx, "job status",
		logging.String("polygon", job.PolygonID),
		logging.String("status", status),
		logging.Int("polls", job.Polls),
	)

	if status == d.cfg.SuccessStatus {
		job.State = StateSucceeded
		return nil
	}
	if slices.Contains(d.cfg.FailureStatuses, status) {
		job.State = StateFailed
		return &JobFailedError{PolygonID: job.PolygonID, Status: status}
	}

	job.Polls++
	if job.Polls >= d.cfg.MaxPolls {
		job.State = StateStuck
		return &StuckJobError{PolygonID: job.PolygonID, Polls: job.Polls, LastStatus: status}
	}
	return nil
}

// Await polls until the job leaves StatePolling, sleeping PollInterval between
// unsuccessful polls. There is no sleep after success or after the final poll.
func (d *Driver) Await(ctx context.Context, job *Job) error {
	jobCtx := ctx
	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	for {
		err := d.Poll(jobCtx, job)
		if err == nil && job.State == StateSucceeded {
			return nil
		}
		if err == nil {
			err = d.clock.Sleep(jobCtx, d.cfg.PollInterval)
		}
		if err == nil {
			continue
		}
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// The per-job timeout fired, not the run.
			job.State = StateStuck
			return &StuckJobError{PolygonID: job.PolygonID, Polls: job.Polls, LastStatus: job.LastStatus, Err: context.DeadlineExceeded}
		}
		if ctx.Err() != nil && !job.State.Terminal() {
			job.State = StateFailed
		}
		return err
	}
}

// FetchResult reads the population table of a succeeded job.
func (d *Driver) FetchResult(ctx context.Context, job *Job) (Estimate, error) {
	if job == nil || job.State != StateSucceeded {
		return Estimate{}, fmt.Errorf("fetch result: %w", ErrInvalidState)
	}
	job.State = StateFetching

	u := strings.TrimRight(job.ResultURL, "/") + "/" + strings.TrimLeft(d.cfg.ResultPath, "/")
	resp, err := d.transport.Get(ctx, u)
	if err != nil {
		job.State = StateFailed
		return Estimate{}, fmt.Errorf("fetch result for polygon %s: %w", job.PolygonID, err)
	}
	if resp.StatusCode/100 != 2 {
		job.State = StateFailed
		return Estimate{}, fmt.Errorf("fetch result for polygon %s: %w", job.PolygonID, newHTTPError("jobResult", resp))
	}

	raw, ok := ExtractValue(d.valueRe, resp.Body)
	if !ok {
		job.State = StateFailed
		return Estimate{}, &ExtractionError{
			PolygonID: job.PolygonID,
			What:      d.cfg.ResultLabel,
			URL:       util.RedactSecrets(u),
			Snippet:   redactAndTruncate(resp.Body),
		}
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		job.State = StateFailed
		return Estimate{}, fmt.Errorf("fetch result for polygon %s: parse %q: %w", job.PolygonID, raw, err)
	}

	job.State = StateExtracted
	return Estimate{PolygonID: job.PolygonID, Value: value, Raw: raw}, nil
}

// Estimate runs a whole job for p: build, submit, await and fetch.
func (d *Driver) Estimate(ctx context.Context, p polygon.Polygon) (Estimate, error) {
	ctx, span := d.tracer.Start(ctx, "geoprocessing.Estimate", trace.WithAttributes(
		attribute.String("polygon.id", p.ID),
		attribute.Int("polygon.vertices", p.Len()),
	))
	defer span.End()

	start := time.Now()
	job, est, err := d.run(ctx, p)

	outcome := StateFailed
	polls := 0
	if job != nil {
		outcome = job.State
		polls = job.Polls
	}
	if d.recorder != nil {
		d.recorder.ObserveJob(outcome.String(), polls, time.Since(start))
	}
	span.SetAttributes(
		attribute.String("job.state", outcome.String()),
		attribute.Int("job.polls", polls),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, util.RedactSecrets(err.Error()))
		return Estimate{}, err
	}
	d.log.Info(ctx, "population extracted",
		logging.String("polygon", p.ID),
		logging.String("population", est.Raw),
		logging.Int("polls", polls),
		logging.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
	)
	return est, nil
}

func (d *Driver) run(ctx context.Context, p polygon.Polygon) (*Job, Estimate, error) {
	payload, err := d.Build(p)
	if err != nil {
		return nil, Estimate{}, err
	}

	subCtx, span := d.tracer.Start(ctx, "geoprocessing.Submit")
	job, err := d.Submit(subCtx, p.ID, payload)
	endSpan(span, err)
	if err != nil {
		return job, Estimate{}, err
	}
	d.log.Info(ctx, "job submitted",
		logging.String("polygon", p.ID),
		logging.String("results", util.RedactSecrets(job.ResultURL)),
	)

	awaitCtx, span := d.tracer.Start(ctx, "geoprocessing.Await")
	err = d.Await(awaitCtx, job)
	span.SetAttributes(attribute.Int("job.polls", job.Polls), attribute.String("job.last_status", job.LastStatus))
	endSpan(span, err)
	if err != nil {
		return job, Estimate{}, err
	}

	fetchCtx, span := d.tracer.Start(ctx, "geoprocessing.FetchResult")
	est, err := d.FetchResult(fetchCtx, job)
	endSpan(span, err)
	return job, est, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, util.RedactSecrets(err.Error()))
	}
	span.End()
}
