// Package mockgp is an in-process fake of an ArcGIS geoprocessing service that
// answers submitJob, job status and job result requests the way the SEDAC
// PopStatsFeatures service does.
package mockgp

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	StatusExecuting = "esriJobExecuting"
	StatusSucceeded = "esriJobSucceeded"
	StatusFailed    = "esriJobFailed"

	// ResultName is the result parameter holding the population table.
	ResultName = "pop_stats_features_2"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Query  string
}

// Job is a snapshot of one submitted job.
type Job struct {
	ID       string
	Polygon  string
	Vertices int
	Polls    int
}

type behavior int

const (
	behaviorNormal behavior = iota
	behaviorStuck
	behaviorFailed
)

type job struct {
	id       string
	name     string
	ring     [][2]float64
	polls    int
	behavior behavior
}

// Server implements the submitJob / jobs/{id} / jobs/{id}/results/{name} surface.
type Server struct {
	inputParam string

	mu     sync.Mutex
	calls  []Call
	jobs   map[string]*job
	order  []string
	token  string
	polls  int
	pops   map[string]string
	modes  map[string]behavior
	nextID func() string
}

// New constructs a mock that reports success on the second status request.
func New() *Server {
	return &Server{
		inputParam: "Input_Feature_Set",
		jobs:       make(map[string]*job),
		polls:      1,
		pops:       make(map[string]string),
		modes:      make(map[string]behavior),
		nextID:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// SetPollsUntilSuccess sets how many status requests report esriJobExecuting
// before a job succeeds.
func (s *Server) SetPollsUntilSuccess(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.polls = n
}

// SetPopulation fixes the population reported for the polygon with the given name.
// The value is written verbatim, so it may contain whitespace.
func (s *Server) SetPopulation(polygon, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pops[polygon] = value
}

// SetStuck makes jobs for polygon execute forever.
func (s *Server) SetStuck(polygon string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[polygon] = behaviorStuck
}

// SetFailed makes jobs for polygon report esriJobFailed.
func (s *Server) SetFailed(polygon string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[polygon] = behaviorFailed
}

// RequireToken enforces a token query parameter on submitJob requests.
// If token is empty, it is not enforced.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}

// Handler returns an http.Handler that serves the mock API under any path prefix:
//
//	{prefix}/submitJob
//	{prefix}/jobs/{id}
//	{prefix}/jobs/{id}/results/{name}
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/{prefix:.+}/submitJob", s.handleSubmit).Methods(http.MethodGet)
	r.HandleFunc("/{prefix:.+}/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/{prefix:.+}/jobs/{id}/results/{name}", s.handleResult).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Requested resource not found.")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.recordCall(req)
		r.ServeHTTP(w, req)
	})
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Jobs returns a snapshot of submitted jobs in submission order.
func (s *Server) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		out = append(out, Job{ID: j.id, Polygon: j.name, Vertices: len(j.ring), Polls: j.polls})
	}
	return out
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.token
	s.mu.Unlock()

	if expected == "" || r.URL.Query().Get("token") == expected {
		return true
	}
	writeError(w, http.StatusForbidden, "Invalid token.")
	return false
}

type featureSet struct {
	Features []struct {
		Geometry struct {
			Rings [][][2]float64 `json:"rings"`
		} `json:"geometry"`
		Attributes struct {
			Name string `json:"Name"`
		} `json:"attributes"`
	} `json:"features"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	raw := r.URL.Query().Get(s.inputParam)
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "Invalid or missing input parameters.")
		return
	}
	var fs featureSet
	if err := json.Unmarshal([]byte(raw), &fs); err != nil {
		writeError(w, http.StatusBadRequest, "Unable to parse "+s.inputParam+".")
		return
	}
	if len(fs.Features) == 0 || len(fs.Features[0].Geometry.Rings) == 0 {
		writeError(w, http.StatusBadRequest, "Feature set has no polygon.")
		return
	}

	f := fs.Features[0]
	s.mu.Lock()
	j := &job{
		id:       s.nextID(),
		name:     f.Attributes.Name,
		ring:     f.Geometry.Rings[0],
		behavior: s.modes[f.Attributes.Name],
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.mu.Unlock()

	// Relative to .../submitJob, this resolves to .../jobs/{id}.
	w.Header().Set("Location", "jobs/"+j.id)
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	j, ok := s.jobs[id]
	var status string
	if ok {
		switch {
		case j.behavior == behaviorFailed:
			status = StatusFailed
		case j.behavior == behaviorStuck || j.polls < s.polls:
			status = StatusExecuting
		default:
			status = StatusSucceeded
		}
		j.polls++
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Job "+id+" not found.")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<html><head><title>Job: %s</title></head><body>\n"+
		"<b>Job ID:</b> %s<br/><br/>\n"+
		"<b>Job Status:</b> %s<br/><br/>\n"+
		"</body></html>\n", id, id, status)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]
	s.mu.Lock()
	j, ok := s.jobs[id]
	done := ok && j.behavior == behaviorNormal && j.polls > s.polls
	var polygon, value string
	if ok {
		polygon = j.name
		value = s.pops[j.name]
		if value == "" {
			value = strconv.FormatFloat(estimate(j.ring), 'f', 0, 64)
		}
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "Job "+id+" not found.")
		return
	case name != ResultName:
		writeError(w, http.StatusNotFound, "Result parameter "+name+" not found.")
		return
	case !done:
		writeError(w, http.StatusBadRequest, "Job "+id+" has not succeeded.")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<html><body>\n<b>Parameter:</b> %s<br/>\n<pre>\nName: %s\nPOPULATION05: %s\n</pre>\n</body></html>\n",
		name, html.EscapeString(polygon), html.EscapeString(value))
}

// estimate is a stand-in population: planar ring area in square degrees times 1e4.
func estimate(ring [][2]float64) float64 {
	if len(ring) < 3 {
		return 0
	}
	var sum float64
	for i := range ring {
		a, b := ring[i], ring[(i+1)%len(ring)]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return math.Round(math.Abs(sum) / 2 * 1e4)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
