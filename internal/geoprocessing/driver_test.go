package geoprocessing_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
	"github.com/celltower/polygon-pipeline/internal/polygon"
)

const testSubmitURL = "http://gp.test/arcgis/rest/services/GPW/GPServer/PopStatsFeatures/submitJob"

// fakeService scripts the three endpoints of the geoprocessing service.
type fakeService struct {
	mu sync.Mutex

	location   string
	submitCode int
	// statuses are returned in order; the last one repeats.
	statuses   []string
	statusBody func(status string) string
	resultBody string

	submits     []string
	statusCalls int
	resultCalls int
}

func newFakeService() *fakeService {
	return &fakeService{
		location:   "http://gp.test/arcgis/rest/services/GPW/GPServer/PopStatsFeatures/jobs/j1",
		submitCode: http.StatusFound,
		statuses:   []string{"esriJobSucceeded"},
		resultBody: "<html>\n<b>Value:</b>\n<li> POPULATION05: 1234.5 <br/>\n</html>",
	}
}

func (f *fakeService) Get(_ context.Context, raw string) (geoprocessing.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(raw, "/submitJob"):
		f.submits = append(f.submits, raw)
		h := http.Header{}
		if f.location != "" {
			h.Set("Location", f.location)
		}
		return geoprocessing.Response{StatusCode: f.submitCode, Header: h}, nil
	case strings.HasSuffix(raw, "/results/pop_stats_features_2"):
		f.resultCalls++
		return geoprocessing.Response{StatusCode: http.StatusOK, Body: []byte(f.resultBody)}, nil
	default:
		idx := f.statusCalls
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		f.statusCalls++
		status := f.statuses[idx]
		body := fmt.Sprintf("<html><body><b>Job ID:</b> j1<br/><b>Job Status:</b> %s<br/><br/></body></html>", status)
		if f.statusBody != nil {
			body = f.statusBody(status)
		}
		return geoprocessing.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
}

type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

type fakeRecorder struct {
	polls    []string
	outcomes []string
}

func (r *fakeRecorder) ObservePoll(status string) { r.polls = append(r.polls, status) }
func (r *fakeRecorder) ObserveJob(outcome string, _ int, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func testPolygon(t *testing.T) polygon.Polygon {
	t.Helper()
	p, err := polygon.Parse(1, "42 MULTIPOLYGON(((POINT(-73.5 40.7) POINT(-73.6 40.8) POINT(-73.5 40.7))))")
	require.NoError(t, err)
	return p
}

func newDriver(t *testing.T, svc geoprocessing.Transport, clock geoprocessing.Clock, mutate func(*geoprocessing.Config), opts ...geoprocessing.Option) *geoprocessing.Driver {
	t.Helper()
	cfg := geoprocessing.DefaultConfig()
	cfg.SubmitURL = testSubmitURL
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]geoprocessing.Option{geoprocessing.WithClock(clock)}, opts...)
	d, err := geoprocessing.New(cfg, svc, opts...)
	require.NoError(t, err)
	return d
}

func TestEstimate_StuckAfterFiftyPolls(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []string{"esriJobExecuting"}
	clock := &fakeClock{}
	rec := &fakeRecorder{}
	d := newDriver(t, svc, clock, nil, geoprocessing.WithRecorder(rec))

	_, err := d.Estimate(context.Background(), testPolygon(t))
	require.Error(t, err)

	var stuck *geoprocessing.StuckJobError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, "42", stuck.PolygonID)
	assert.Equal(t, 50, stuck.Polls)
	assert.Equal(t, "esriJobExecuting", stuck.LastStatus)

	assert.Equal(t, 50, svc.statusCalls)
	assert.Zero(t, svc.resultCalls)
	assert.Len(t, clock.sleeps, 49)
	for _, s := range clock.sleeps {
		assert.Equal(t, 10*time.Second, s)
	}
	assert.Equal(t, []string{"stuck"}, rec.outcomes)
	assert.Len(t, rec.polls, 50)
}

func TestEstimate_SucceedsOnThirdPoll(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []string{"esriJobSubmitted", "esriJobExecuting", "esriJobSucceeded"}
	clock := &fakeClock{}
	d := newDriver(t, svc, clock, nil)

	est, err := d.Estimate(context.Background(), testPolygon(t))
	require.NoError(t, err)

	assert.Equal(t, "42", est.PolygonID)
	assert.Equal(t, "1234.5", est.Raw)
	assert.Equal(t, 1234.5, est.Value)
	assert.Equal(t, 3, svc.statusCalls)
	assert.Equal(t, 1, svc.resultCalls)
	// No sleep after the successful poll.
	assert.Len(t, clock.sleeps, 2)
}

func TestSubmit_EmbedsEscapedFeatureSet(t *testing.T) {
	svc := newFakeService()
	d := newDriver(t, svc, &fakeClock{}, func(c *geoprocessing.Config) {
		c.ExtraParams = map[string]string{"f": "html"}
	})
	p := testPolygon(t)

	payload, err := d.Build(p)
	require.NoError(t, err)
	job, err := d.Submit(context.Background(), p.ID, payload)
	require.NoError(t, err)

	assert.Equal(t, geoprocessing.StateSubmitted, job.State)
	assert.Equal(t, svc.location, job.ResultURL)
	require.Len(t, svc.submits, 1)

	u, err := url.Parse(svc.submits[0])
	require.NoError(t, err)
	assert.Equal(t, "html", u.Query().Get("f"))
	assert.JSONEq(t, string(payload.JSON), u.Query().Get("Input_Feature_Set"))
	assert.NotContains(t, u.RawQuery, "{", "payload must be escaped")
	assert.True(t, strings.HasSuffix(u.RawQuery, "&Input_Feature_Set="+payload.Escaped()), "raw query %q", u.RawQuery)
}

func TestSubmit_InputParamReplacesURLValue(t *testing.T) {
	svc := newFakeService()
	d := newDriver(t, svc, &fakeClock{}, func(c *geoprocessing.Config) {
		c.SubmitURL = testSubmitURL + "?Input_Feature_Set=stale"
	})
	p := testPolygon(t)

	payload, err := d.Build(p)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), p.ID, payload)
	require.NoError(t, err)

	require.Len(t, svc.submits, 1)
	u, err := url.Parse(svc.submits[0])
	require.NoError(t, err)
	assert.Equal(t, "Input_Feature_Set="+payload.Escaped(), u.RawQuery)
}

func TestSubmit_ResolvesRelativeLocation(t *testing.T) {
	svc := newFakeService()
	svc.location = "jobs/abc123"
	d := newDriver(t, svc, &fakeClock{}, nil)

	job, err := d.Submit(context.Background(), "1", geoprocessing.Payload{JSON: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "http://gp.test/arcgis/rest/services/GPW/GPServer/PopStatsFeatures/jobs/abc123", job.ResultURL)
}

func TestSubmit_MissingLocationIsSubmissionError(t *testing.T) {
	svc := newFakeService()
	svc.location = ""
	svc.submitCode = http.StatusOK
	d := newDriver(t, svc, &fakeClock{}, nil)

	job, err := d.Submit(context.Background(), "7", geoprocessing.Payload{JSON: []byte(`{}`)})
	var se *geoprocessing.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "7", se.PolygonID)
	assert.ErrorIs(t, err, geoprocessing.ErrNoLocation)
	assert.Equal(t, geoprocessing.StateFailed, job.State)
}

func TestSubmit_ServerErrorIsSubmissionError(t *testing.T) {
	svc := geoprocessing.TransportFunc(func(context.Context, string) (geoprocessing.Response, error) {
		return geoprocessing.Response{
			StatusCode: http.StatusBadRequest,
			Status:     "400 Bad Request",
			Body:       []byte(`{"error":{"code":400,"message":"Invalid value for parameter Input_Feature_Set","details":[]}}`),
		}, nil
	})
	d := newDriver(t, svc, &fakeClock{}, nil)

	_, err := d.Submit(context.Background(), "7", geoprocessing.Payload{JSON: []byte(`{}`)})
	var se *geoprocessing.SubmissionError
	require.ErrorAs(t, err, &se)
	var he *geoprocessing.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.StatusCode)
	assert.Contains(t, err.Error(), "Invalid value for parameter")
}

func TestSubmit_TransportErrorIsSubmissionError(t *testing.T) {
	boom := errors.New("connection refused")
	svc := geoprocessing.TransportFunc(func(context.Context, string) (geoprocessing.Response, error) {
		return geoprocessing.Response{}, boom
	})
	d := newDriver(t, svc, &fakeClock{}, nil)

	_, err := d.Submit(context.Background(), "7", geoprocessing.Payload{JSON: []byte(`{}`)})
	var se *geoprocessing.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
}

func TestPoll_MissingStatusIsExtractionError(t *testing.T) {
	svc := newFakeService()
	svc.statusBody = func(string) string { return "<html>maintenance</html>" }
	d := newDriver(t, svc, &fakeClock{}, nil)

	job, err := d.Submit(context.Background(), "5", geoprocessing.Payload{JSON: []byte(`{}`)})
	require.NoError(t, err)

	err = d.Poll(context.Background(), job)
	var ee *geoprocessing.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "job status", ee.What)
	assert.Equal(t, geoprocessing.StateFailed, job.State)
}

func TestPoll_RejectsTerminalJob(t *testing.T) {
	d := newDriver(t, newFakeService(), &fakeClock{}, nil)
	err := d.Poll(context.Background(), &geoprocessing.Job{State: geoprocessing.StateExtracted})
	assert.ErrorIs(t, err, geoprocessing.ErrInvalidState)
}

func TestAwait_ConfiguredFailureStatusStopsEarly(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []string{"esriJobExecuting", "esriJobFailed"}
	clock := &fakeClock{}
	d := newDriver(t, svc, clock, func(c *geoprocessing.Config) {
		c.FailureStatuses = []string{"esriJobFailed", "esriJobCancelled"}
	})

	job, err := d.Submit(context.Background(), "5", geoprocessing.Payload{JSON: []byte(`{}`)})
	require.NoError(t, err)

	err = d.Await(context.Background(), job)
	var fe *geoprocessing.JobFailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "esriJobFailed", fe.Status)
	assert.Equal(t, geoprocessing.StateFailed, job.State)
	assert.Equal(t, 2, svc.statusCalls)
	assert.Len(t, clock.sleeps, 1)
}

type blockingClock struct{}

func (blockingClock) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAwait_JobTimeoutMarksStuck(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []string{"esriJobExecuting"}
	d := newDriver(t, svc, blockingClock{}, func(c *geoprocessing.Config) {
		c.JobTimeout = 20 * time.Millisecond
	})

	job, err := d.Submit(context.Background(), "5", geoprocessing.Payload{JSON: []byte(`{}`)})
	require.NoError(t, err)

	err = d.Await(context.Background(), job)
	var stuck *geoprocessing.StuckJobError
	require.ErrorAs(t, err, &stuck)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, geoprocessing.StateStuck, job.State)
}

func TestAwait_RunCancellationFailsJob(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []string{"esriJobExecuting"}
	d := newDriver(t, svc, blockingClock{}, nil)

	job, err := d.Submit(context.Background(), "5", geoprocessing.Payload{JSON: []byte(`{}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Await(ctx, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var stuck *geoprocessing.StuckJobError
	assert.False(t, errors.As(err, &stuck))
	assert.Equal(t, geoprocessing.StateFailed, job.State)
}

func TestFetchResult_MissingLabelIsExtractionError(t *testing.T) {
	svc := newFakeService()
	svc.resultBody = "<html>POPULATION00: 12<br/></html>"
	d := newDriver(t, svc, &fakeClock{}, nil)

	_, err := d.Estimate(context.Background(), testPolygon(t))
	var ee *geoprocessing.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "POPULATION05", ee.What)
	assert.Contains(t, ee.URL, "/results/pop_stats_features_2")
}

func TestFetchResult_RequiresSucceededJob(t *testing.T) {
	d := newDriver(t, newFakeService(), &fakeClock{}, nil)
	_, err := d.FetchResult(context.Background(), &geoprocessing.Job{State: geoprocessing.StatePolling})
	assert.ErrorIs(t, err, geoprocessing.ErrInvalidState)
}

func TestEstimate_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	d := newDriver(t, newFakeService(), &fakeClock{}, nil, geoprocessing.WithTracer(tp.Tracer("test")))
	_, err := d.Estimate(context.Background(), testPolygon(t))
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{
		"geoprocessing.Submit",
		"geoprocessing.Await",
		"geoprocessing.FetchResult",
		"geoprocessing.Estimate",
	}, names)
}

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := geoprocessing.DefaultConfig()
	cfg.SubmitURL = "not a url"
	_, err := geoprocessing.New(cfg, newFakeService())
	assert.Error(t, err)

	cfg = geoprocessing.DefaultConfig()
	cfg.StatusPattern = "Job Status: .*"
	_, err = geoprocessing.New(cfg, newFakeService())
	assert.ErrorContains(t, err, "capture group")

	_, err = geoprocessing.New(geoprocessing.DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []geoprocessing.State{geoprocessing.StateExtracted, geoprocessing.StateStuck, geoprocessing.StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []geoprocessing.State{geoprocessing.StateBuilding, geoprocessing.StateSubmitted, geoprocessing.StatePolling, geoprocessing.StateSucceeded, geoprocessing.StateFetching} {
		assert.False(t, s.Terminal(), s.String())
	}
}
