// Command governor runs the Memory Governor HTTP service.
//
// Configuration comes from the environment (and an optional .env file); see
// core.LoadConfigFromEnv for the variable list. A JSON config file can be
// supplied with -config instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/governor"
	"github.com/hippolabs/governor-go/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (default: environment)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("governor exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	var (
		cfg *core.Config
		err error
	)
	if configPath != "" {
		cfg, err = core.LoadConfigFromJSON(configPath)
	} else {
		cfg, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return err
	}

	gov, err := governor.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := gov.Close(); cerr != nil {
			logger.Warn("close", "error", cerr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gov.Start(ctx)
	logger.Info("governor started",
		"state_dir", cfg.StateDir,
		"backend", cfg.Backend.Provider,
		"pending_writes", gov.PendingWrites(),
	)

	if len(cfg.ConsolidateScopes) > 0 {
		go consolidateLoop(ctx, gov, cfg, logger)
	}

	srv := server.New(gov, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// consolidateLoop runs timer-driven consolidation for the configured
// scopes until the context is canceled.
func consolidateLoop(ctx context.Context, gov *governor.Governor, cfg *core.Config, logger *slog.Logger) {
	interval := cfg.ConsolidateInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, key := range cfg.ConsolidateScopes {
			scope, ok := parseScopeKey(key)
			if !ok {
				logger.Warn("skipping malformed consolidate scope", "scope", key)
				continue
			}
			result, err := gov.Consolidate(ctx, scope, core.ConsolidateSinceLast)
			if err != nil {
				logger.Warn("scheduled consolidation failed", "scope", key, "error", err)
				continue
			}
			if len(result.Written) > 0 || result.Discarded > 0 {
				logger.Info("scheduled consolidation",
					"scope", key,
					"written", len(result.Written),
					"discarded", result.Discarded,
				)
			}
		}
	}
}

// parseScopeKey parses the "kind:id" form used in configuration.
func parseScopeKey(key string) (core.Scope, bool) {
	kind, id, found := strings.Cut(key, ":")
	if !found || id == "" {
		return core.Scope{}, false
	}
	scope := core.Scope{Kind: core.ScopeKind(kind), ID: id}
	return scope, scope.Valid()
}
