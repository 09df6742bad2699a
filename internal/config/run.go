package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/comalice/statecore/internal/telemetry"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// RunWithTelemetry configures tracing for service and executes run.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	shutdown, err := telemetry.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultOTelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown failed", "service", service, "err", err)
		}
	}()
	return run(ctx)
}

// ParseLevel maps a level name to a slog level. Unknown names are errors.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", name, err)
	}
	return level, nil
}
