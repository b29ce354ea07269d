package app

import (
	"context"
	"fmt"

	"github.com/celltower/polygon-pipeline/internal/logging"
	"github.com/celltower/polygon-pipeline/internal/sink"
)

// loadResumeCache reads populations left by a previous run. It must run before the
// populations sink truncates the file.
func loadResumeCache(ctx context.Context, path string, log logging.Logger) (map[string]string, error) {
	cached, err := sink.ReadPopulationFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prior populations: %w", err)
	}
	if len(cached) == 0 {
		log.Info(ctx, "resume: no prior populations found", logging.String("path", path))
		return cached, nil
	}
	log.Info(ctx, "resume: loaded prior populations",
		logging.String("path", path),
		logging.Int("polygons", len(cached)),
	)
	return cached, nil
}

// mergeCached layers prior onto explicit; explicit entries win.
func mergeCached(explicit, prior map[string]string) map[string]string {
	if len(explicit) == 0 {
		return prior
	}
	out := make(map[string]string, len(explicit)+len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}
