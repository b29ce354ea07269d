package geoprocessing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Defaults reproduce the SEDAC Gridded Population of the World PopStatsFeatures service.
const (
	DefaultSubmitURL     = "http://sedac.ciesin.columbia.edu/mapservices/arcgis/rest/services/sedac/GPW/GPServer/PopStatsFeatures/submitJob"
	DefaultInputParam    = "Input_Feature_Set"
	DefaultResultPath    = "results/pop_stats_features_2"
	DefaultStatusPattern = `<b>Job Status:</b> (.*)<br/><br/>`
	DefaultSuccessStatus = "esriJobSucceeded"
	DefaultResultLabel   = "POPULATION05"
	DefaultWKID          = 4326
	DefaultPollInterval  = 10 * time.Second
	DefaultMaxPolls      = 50
)

// Config describes the remote service contract and the poll budget.
type Config struct {
	SubmitURL string
	// InputParam is the query parameter carrying the escaped feature set.
	InputParam string
	// ExtraParams are added to every submit request (e.g. f=html, token=...).
	ExtraParams map[string]string
	// ResultPath is appended to the results location to fetch the population table.
	ResultPath string
	// StatusPattern must capture the job status token in its first group.
	StatusPattern string
	SuccessStatus string
	// FailureStatuses end polling early. Empty means only the poll budget stops a job.
	FailureStatuses []string
	// ResultLabel precedes the population value in the (whitespace-stripped) results body.
	ResultLabel string
	WKID        int

	PollInterval time.Duration
	MaxPolls     int
	// JobTimeout caps one job end to end. Zero disables it.
	JobTimeout time.Duration
}

// DefaultConfig returns the legacy service contract: 50 polls, 10s apart.
func DefaultConfig() Config {
	return Config{
		SubmitURL:     DefaultSubmitURL,
		InputParam:    DefaultInputParam,
		ResultPath:    DefaultResultPath,
		StatusPattern: DefaultStatusPattern,
		SuccessStatus: DefaultSuccessStatus,
		ResultLabel:   DefaultResultLabel,
		WKID:          DefaultWKID,
		PollInterval:  DefaultPollInterval,
		MaxPolls:      DefaultMaxPolls,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.SubmitURL) == "" {
		c.SubmitURL = d.SubmitURL
	}
	if strings.TrimSpace(c.InputParam) == "" {
		c.InputParam = d.InputParam
	}
	if strings.TrimSpace(c.ResultPath) == "" {
		c.ResultPath = d.ResultPath
	}
	if strings.TrimSpace(c.StatusPattern) == "" {
		c.StatusPattern = d.StatusPattern
	}
	if strings.TrimSpace(c.SuccessStatus) == "" {
		c.SuccessStatus = d.SuccessStatus
	}
	if strings.TrimSpace(c.ResultLabel) == "" {
		c.ResultLabel = d.ResultLabel
	}
	if c.WKID == 0 {
		c.WKID = d.WKID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.JobTimeout < 0 {
		c.JobTimeout = 0
	}
	return c
}

// Validate checks that the contract can drive a job.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.SubmitURL))
	if err != nil {
		return fmt.Errorf("submit url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("submit url must include scheme and host (got %q)", c.SubmitURL)
	}
	if _, err := compileStatusPattern(c.StatusPattern); err != nil {
		return err
	}
	if c.MaxPolls <= 0 {
		return fmt.Errorf("max polls must be positive (got %d)", c.MaxPolls)
	}
	return nil
}

func compileStatusPattern(p string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("status pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("status pattern %q must have a capture group", p)
	}
	return re, nil
}

func compileValuePattern(label string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(stripSpace(label)) + `:(\d+(?:\.\d+)?)`)
}
