package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/celltower/polygon-pipeline/internal/app"
	"github.com/celltower/polygon-pipeline/internal/config"
	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
	"github.com/celltower/polygon-pipeline/internal/logging"
	"github.com/celltower/polygon-pipeline/internal/observability"
	"github.com/celltower/polygon-pipeline/internal/pipeline"
	"github.com/celltower/polygon-pipeline/internal/util"
	"github.com/celltower/polygon-pipeline/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 success, 1 usage or run failure, 2 configuration error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env, err := loadEnvDefaults()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("polygons", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stdout, fs) }

	outputDir := fs.String("output-dir", env.OutputDir, "Directory for parsed_polygons.csv and polygon_populations.csv (env: OUTPUT_DIR)")
	populations := fs.Bool("populations", env.Populations, "Estimate each polygon's population via the geoprocessing service (env: POPULATIONS)")
	configPath := fs.String("config", env.ConfigPath, "YAML geoprocessing service config (env: POLYGONS_CONFIG)")
	submitURL := fs.String("submit-url", env.SubmitURL, "Override the service submitJob URL (env: SUBMIT_URL)")
	pollInterval := fs.Duration("poll-interval", env.PollInterval, "Wait between job status polls, 0 keeps config (env: POLL_INTERVAL)")
	maxPolls := fs.Int("max-polls", env.MaxPolls, "Status polls before a job counts as stuck, 0 keeps config (env: MAX_POLLS)")
	jobTimeout := fs.Duration("job-timeout", env.JobTimeout, "Per-job time limit, 0 keeps config (env: JOB_TIMEOUT)")
	rateLimitRPS := fs.Float64("rate-limit-rps", env.RateLimitRPS, "Global request rate limit (RPS), 0 keeps config (env: RATE_LIMIT_RPS)")
	failFast := fs.Bool("fail-fast", env.FailFast, "Abort on the first malformed line or stuck job (env: FAIL_FAST)")
	requireVertices := fs.Bool("require-vertices", env.RequireVertices, "Treat lines without POINT tokens as malformed (env: REQUIRE_VERTICES)")
	resume := fs.Bool("resume", env.Resume, "Reuse populations already in the output directory (env: RESUME)")
	echo := fs.Bool("echo", env.Echo, "Echo written rows to stdout (env: ECHO)")
	metricsAddr := fs.String("metrics-addr", env.MetricsAddr, "Serve Prometheus metrics on this address, empty disables (env: METRICS_ADDR)")
	showVersion := fs.Bool("version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *showVersion {
		_, _ = fmt.Fprintf(stdout, "polygons %s\n", version.Current)
		return 0
	}
	if fs.NArg() != 1 {
		usage(stdout, fs)
		return 1
	}
	inputPath := fs.Arg(0)

	logger := logging.NewFromEnv(stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}
	cfg = cfg.Apply(config.Overrides{
		SubmitURL:    *submitURL,
		PollInterval: *pollInterval,
		MaxPolls:     *maxPolls,
		JobTimeout:   *jobTimeout,
		RateLimitRPS: *rateLimitRPS,
	})
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "metrics error: %s\n", err)
		return 2
	}
	if *metricsAddr != "" {
		stopMetrics := serveMetrics(ctx, *metricsAddr, collector.Handler(), logger)
		defer stopMetrics()
	}

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Writer = stderr
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tracing error: %s\n", err)
		return 2
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	var est pipeline.Estimator
	if *populations {
		transport, err := geoprocessing.NewHTTPTransport(cfg.HTTP)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
			return 2
		}
		driver, err := geoprocessing.New(cfg.Service, transport,
			geoprocessing.WithLogger(logger),
			geoprocessing.WithRecorder(collector),
		)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
			return 2
		}
		est = driver
	}

	opts := app.Options{
		OutputDir: *outputDir,
		Resume:    *resume,
		Pipeline: pipeline.Options{
			FailFast:        *failFast,
			RequireVertices: *requireVertices,
			Logger:          logger,
			Observer:        collector,
		},
	}
	if *echo {
		opts.Echo = stdout
	}

	if _, err := app.Run(ctx, inputPath, opts, est); err != nil {
		_, _ = fmt.Fprintf(stderr, "run failed: %s\n", util.RedactSecrets(err.Error()))
		return 1
	}
	return 0
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info(ctx, "metrics listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "metrics server failed", logging.Err(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `polygons: extract polygon vertices to CSV and estimate polygon populations

Usage:
  polygons [flags] <input file>

Each input line is "<polygon id> <text with POINT(x y) tokens>". Rows are written to
<output-dir>/parsed_polygons.csv as "<id>, <x>, <y>" and, with --populations, to
<output-dir>/polygon_populations.csv as "<id>, <population>".

Examples:
  polygons towers.txt
  polygons --populations --config gp.yaml towers.txt

Environment:
  LOG_LEVEL                  debug, info, warn or error (default info)
  LOG_FORMAT                 text or json (default text)
  POLYGONS_TRACING_ENABLED   If true, print job spans to stderr

Flags:
`)
	prev := fs.Output()
	fs.SetOutput(w)
	fs.PrintDefaults()
	fs.SetOutput(prev)
}
