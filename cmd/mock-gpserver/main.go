package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/celltower/polygon-pipeline/internal/mockgp"
)

func main() {
	addr := defaultString("MOCK_GP_ADDR", ":8080")
	polls := defaultString("MOCK_GP_POLLS", "1")
	token := defaultString("MOCK_GP_TOKEN", "")
	stuck := defaultString("MOCK_GP_STUCK", "")
	failed := defaultString("MOCK_GP_FAILED", "")

	fs := flag.NewFlagSet("mock-gpserver", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&polls, "polls", polls, "Status requests answered with esriJobExecuting before success")
	fs.StringVar(&token, "token", token, "Require this token query parameter on submitJob")
	fs.StringVar(&stuck, "stuck", stuck, "Comma-separated polygon ids whose jobs never finish (also supports env: MOCK_GP_STUCK)")
	fs.StringVar(&failed, "failed", failed, "Comma-separated polygon ids whose jobs report esriJobFailed (also supports env: MOCK_GP_FAILED)")
	_ = fs.Parse(os.Args[1:])

	n, err := strconv.Atoi(strings.TrimSpace(polls))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid polls %q: %v\n", polls, err)
		os.Exit(2)
	}

	srv := mockgp.New()
	srv.SetPollsUntilSuccess(n)
	srv.RequireToken(token)
	for _, id := range splitCSV(stuck) {
		srv.SetStuck(id)
	}
	for _, id := range splitCSV(failed) {
		srv.SetFailed(id)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-gpserver listening on %s (submit=/arcgis/rest/services/GPW/GPServer/PopStatsFeatures/submitJob polls=%d)\n", addr, n)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
