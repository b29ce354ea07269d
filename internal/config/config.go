// Package config loads the geoprocessing service description from YAML.
//
// Example (YAML):
//
//	service:
//	  submit_url: https://gis.example.org/arcgis/rest/services/GPW/GPServer/PopStatsFeatures/submitJob
//	  input_param: Input_Feature_Set
//	  extra_params:
//	    f: html
//	  token_file: /run/secrets/arcgis-token
//	  result_path: results/pop_stats_features_2
//	  status_pattern: '<b>Job Status:</b> (.*)<br/><br/>'
//	  success_status: esriJobSucceeded
//	  failure_statuses: [esriJobFailed, esriJobCancelled]
//	  result_label: POPULATION05
//	  wkid: 4326
//	polling:
//	  interval: 10s
//	  max_polls: 50
//	  job_timeout: 0s
//	http:
//	  request_timeout: 60s
//	  rate_limit_rps: 0
//	  ca_path: /etc/ssl/certs/internal.pem
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
)

type fileV1 struct {
	Service struct {
		SubmitURL       string            `yaml:"submit_url"`
		InputParam      string            `yaml:"input_param"`
		ExtraParams     map[string]string `yaml:"extra_params"`
		TokenFile       string            `yaml:"token_file"`
		ResultPath      string            `yaml:"result_path"`
		StatusPattern   string            `yaml:"status_pattern"`
		SuccessStatus   string            `yaml:"success_status"`
		FailureStatuses []string          `yaml:"failure_statuses"`
		ResultLabel     string            `yaml:"result_label"`
		WKID            int               `yaml:"wkid"`
	} `yaml:"service"`
	Polling struct {
		Interval   time.Duration `yaml:"interval"`
		MaxPolls   int           `yaml:"max_polls"`
		JobTimeout time.Duration `yaml:"job_timeout"`
	} `yaml:"polling"`
	HTTP struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		RateLimitRPS   float64       `yaml:"rate_limit_rps"`
		CAPath         string        `yaml:"ca_path"`
	} `yaml:"http"`
}

// Config is everything needed to build a geoprocessing driver and its transport.
type Config struct {
	Service geoprocessing.Config
	HTTP    geoprocessing.HTTPTransportOptions
}

// Default returns the built-in SEDAC service description.
func Default() Config {
	return Config{Service: geoprocessing.DefaultConfig()}
}

// Load reads the YAML file at path. An empty path yields Default().
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML service description. Unknown keys are rejected and omitted
// values take the built-in defaults.
func Parse(b []byte) (Config, error) {
	var raw fileV1
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config YAML: %w", err)
	}

	extra := make(map[string]string, len(raw.Service.ExtraParams)+1)
	for k, v := range raw.Service.ExtraParams {
		extra[k] = v
	}
	if p := strings.TrimSpace(raw.Service.TokenFile); p != "" {
		tok, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("read token_file: %w", err)
		}
		extra["token"] = strings.TrimSpace(string(tok))
	}
	if len(extra) == 0 {
		extra = nil
	}

	cfg := Config{
		Service: geoprocessing.Config{
			SubmitURL:       strings.TrimSpace(raw.Service.SubmitURL),
			InputParam:      strings.TrimSpace(raw.Service.InputParam),
			ExtraParams:     extra,
			ResultPath:      strings.TrimSpace(raw.Service.ResultPath),
			StatusPattern:   raw.Service.StatusPattern,
			SuccessStatus:   strings.TrimSpace(raw.Service.SuccessStatus),
			FailureStatuses: raw.Service.FailureStatuses,
			ResultLabel:     strings.TrimSpace(raw.Service.ResultLabel),
			WKID:            raw.Service.WKID,
			PollInterval:    raw.Polling.Interval,
			MaxPolls:        raw.Polling.MaxPolls,
			JobTimeout:      raw.Polling.JobTimeout,
		}.WithDefaults(),
		HTTP: geoprocessing.HTTPTransportOptions{
			RequestTimeout: raw.HTTP.RequestTimeout,
			RateLimitRPS:   raw.HTTP.RateLimitRPS,
			CAPath:         strings.TrimSpace(raw.HTTP.CAPath),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Overrides are CLI/env values layered over the file. Zero values keep the file's setting.
type Overrides struct {
	SubmitURL    string
	PollInterval time.Duration
	MaxPolls     int
	JobTimeout   time.Duration
	RateLimitRPS float64
}

// Apply returns c with non-zero overrides applied.
func (c Config) Apply(o Overrides) Config {
	if s := strings.TrimSpace(o.SubmitURL); s != "" {
		c.Service.SubmitURL = s
	}
	if o.PollInterval > 0 {
		c.Service.PollInterval = o.PollInterval
	}
	if o.MaxPolls > 0 {
		c.Service.MaxPolls = o.MaxPolls
	}
	if o.JobTimeout > 0 {
		c.Service.JobTimeout = o.JobTimeout
	}
	if o.RateLimitRPS > 0 {
		c.HTTP.RateLimitRPS = o.RateLimitRPS
	}
	return c
}

// Validate checks the service contract and transport settings.
func (c Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if c.HTTP.RequestTimeout < 0 {
		return fmt.Errorf("http.request_timeout must not be negative (got %s)", c.HTTP.RequestTimeout)
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must not be negative (got %v)", c.HTTP.RateLimitRPS)
	}
	return nil
}
