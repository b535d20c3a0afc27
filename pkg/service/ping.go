package service

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/marmos91/gridrpc/pkg/outcome"
)

// Version is the release reported by ping. It is set at link time.
var Version = "dev"

func (h *Handler) ping(_ context.Context, _ *Call) (outcome.Outcome, error) {
	host, _ := os.Hostname()
	load1, load5, load15 := loadAverage()

	return outcome.Ok(map[string]any{
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":  h.Uptime().Seconds(),
		"load":    []float64{load1, load5, load15},
		"name":    h.descriptor.Name,
		"version": h.version,
		"cpus":    runtime.NumCPU(),
		"host":    host,
	}), nil
}
