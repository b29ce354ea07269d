package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
)

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, geoprocessing.DefaultSubmitURL, cfg.Service.SubmitURL)
	assert.Equal(t, geoprocessing.DefaultMaxPolls, cfg.Service.MaxPolls)
	assert.Equal(t, 10*time.Second, cfg.Service.PollInterval)
}

func TestParseFullFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("s3cret\n"), 0o600))

	cfg, err := Parse([]byte(`
service:
  submit_url: https://gis.example.org/GPServer/PopStats/submitJob
  input_param: Polys
  extra_params:
    f: html
  token_file: ` + tokenPath + `
  result_path: results/out
  status_pattern: 'Status: (\w+)'
  success_status: done
  failure_statuses: [failed]
  result_label: POP
  wkid: 3857
polling:
  interval: 2s
  max_polls: 7
  job_timeout: 1m
http:
  request_timeout: 15s
  rate_limit_rps: 2.5
`))
	require.NoError(t, err)

	svc := cfg.Service
	assert.Equal(t, "https://gis.example.org/GPServer/PopStats/submitJob", svc.SubmitURL)
	assert.Equal(t, "Polys", svc.InputParam)
	assert.Equal(t, map[string]string{"f": "html", "token": "s3cret"}, svc.ExtraParams)
	assert.Equal(t, "results/out", svc.ResultPath)
	assert.Equal(t, "done", svc.SuccessStatus)
	assert.Equal(t, []string{"failed"}, svc.FailureStatuses)
	assert.Equal(t, "POP", svc.ResultLabel)
	assert.Equal(t, 3857, svc.WKID)
	assert.Equal(t, 2*time.Second, svc.PollInterval)
	assert.Equal(t, 7, svc.MaxPolls)
	assert.Equal(t, time.Minute, svc.JobTimeout)
	assert.Equal(t, 15*time.Second, cfg.HTTP.RequestTimeout)
	assert.InDelta(t, 2.5, cfg.HTTP.RateLimitRPS, 1e-9)
}

func TestParsePartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("polling:\n  max_polls: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Service.MaxPolls)
	assert.Equal(t, geoprocessing.DefaultStatusPattern, cfg.Service.StatusPattern)
	assert.Equal(t, geoprocessing.DefaultResultLabel, cfg.Service.ResultLabel)
	assert.Nil(t, cfg.Service.ExtraParams)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":        "service:\n  submit_ur1: http://x\n",
		"no capture group":   "service:\n  status_pattern: 'Job Status'\n",
		"relative url":       "service:\n  submit_url: /submitJob\n",
		"negative rate":      "http:\n  rate_limit_rps: -1\n",
		"bad duration":       "polling:\n  interval: soon\n",
		"missing token file": "service:\n  token_file: /nonexistent/token\n",
	}
	for name, doc := range cases {
		doc := doc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	cfg := Default().Apply(Overrides{
		SubmitURL:    "http://127.0.0.1:8080/submitJob",
		PollInterval: time.Second,
		MaxPolls:     5,
		RateLimitRPS: 1,
	})
	assert.Equal(t, "http://127.0.0.1:8080/submitJob", cfg.Service.SubmitURL)
	assert.Equal(t, time.Second, cfg.Service.PollInterval)
	assert.Equal(t, 5, cfg.Service.MaxPolls)
	assert.Equal(t, time.Duration(0), cfg.Service.JobTimeout)
	assert.InDelta(t, 1.0, cfg.HTTP.RateLimitRPS, 1e-9)

	same := Default().Apply(Overrides{})
	assert.Equal(t, Default().Service.PollInterval, same.Service.PollInterval)
	require.NoError(t, same.Validate())
}
