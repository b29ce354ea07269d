package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envDefaults are flag defaults taken from the environment.
type envDefaults struct {
	OutputDir       string
	Populations     bool
	ConfigPath      string
	SubmitURL       string
	PollInterval    time.Duration
	MaxPolls        int
	JobTimeout      time.Duration
	RateLimitRPS    float64
	FailFast        bool
	RequireVertices bool
	Resume          bool
	Echo            bool
	MetricsAddr     string
}

func loadEnvDefaults() (envDefaults, error) {
	var d envDefaults
	var err error

	d.OutputDir = envString("OUTPUT_DIR", "OUTPUT")
	d.ConfigPath = envString("POLYGONS_CONFIG", "")
	d.SubmitURL = envString("SUBMIT_URL", "")
	d.MetricsAddr = envString("METRICS_ADDR", "")

	if d.Populations, err = envBool("POPULATIONS", false); err != nil {
		return d, err
	}
	if d.PollInterval, err = envDuration("POLL_INTERVAL", 0); err != nil {
		return d, err
	}
	if d.MaxPolls, err = envInt("MAX_POLLS", 0); err != nil {
		return d, err
	}
	if d.JobTimeout, err = envDuration("JOB_TIMEOUT", 0); err != nil {
		return d, err
	}
	if d.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 0); err != nil {
		return d, err
	}
	if d.FailFast, err = envBool("FAIL_FAST", false); err != nil {
		return d, err
	}
	if d.RequireVertices, err = envBool("REQUIRE_VERTICES", false); err != nil {
		return d, err
	}
	if d.Resume, err = envBool("RESUME", false); err != nil {
		return d, err
	}
	if d.Echo, err = envBool("ECHO", true); err != nil {
		return d, err
	}
	return d, nil
}

func envString(varName, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
