package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/taskrunner/internal/adminapi"
	"github.com/maumercado/taskrunner/internal/config"
	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/launcher"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/projectfilter"
	"github.com/maumercado/taskrunner/internal/runner"
	"github.com/maumercado/taskrunner/internal/session"
	"github.com/maumercado/taskrunner/internal/signalsupervisor"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

func main() {
	var (
		projectsFlag = flag.String("projects", os.Getenv("RUNNER_PROJECTS"), "comma-separated project-id patterns to run (supports * wildcards); defaults to all projects known to the task service")
		excludeFlag  = flag.String("exclude-projects", os.Getenv("RUNNER_EXCLUDE_PROJECTS"), "comma-separated project-id patterns to exclude (supports * wildcards), applied after -projects")
		workerBin    = flag.String("worker-bin", envOr("RUNNER_WORKER_BIN", "worker"), "executable invoked for each spawned task")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting runner")

	client := taskservice.New(cfg.TaskService.BaseURL, taskservice.WithTimeout(cfg.TaskService.APITimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	known, err := client.ListProjects(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list known projects from task service")
	}

	projects := resolveProjects(*projectsFlag, *excludeFlag, known)
	if len(projects) == 0 {
		log.Fatal().Strs("known", known).Msg("no projects matched; refusing to start with an empty project set")
	}
	log.Info().Strs("projects", projects).Msg("runner scoped to projects")

	store, err := state.New(cfg.Runner.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}

	procMgr := process.New(
		process.WithTaskTimeout(cfg.Runner.TaskTimeout),
	)

	l := launcher.New(cfg.Runner.StateDir, cfg.Runner.LogDir, cfg.Runner.WorkDir, *workerBin)

	prober, err := session.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session prober")
	}

	var mirror eventbus.Mirror
	if cfg.EventBus.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.EventBus.RedisAddr,
			Password: cfg.EventBus.RedisPassword,
			DB:       cfg.EventBus.RedisDB,
		})
		mirror = eventbus.NewRedisMirror(rdb)
	}
	bus := eventbus.New(mirror)

	rn := runner.New(cfg.Runner, projects, client, store, procMgr, l, prober, bus)

	admin := adminapi.NewServer(cfg.Admin, rn, bus)

	var httpServer *http.Server
	if cfg.Admin.Enabled {
		admin.Start(ctx)
		httpServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
			Handler:      admin,
			ReadTimeout:  cfg.Admin.ReadTimeout,
			WriteTimeout: cfg.Admin.WriteTimeout,
		}
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("admin HTTP server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin HTTP server error")
			}
		}()
	}

	go func() {
		if err := rn.Start(ctx, cfg.Runner.StartPaused); err != nil {
			log.Error().Err(err).Msg("runner loop exited with an error")
		}
	}()

	supervisor := signalsupervisor.New(runner.NewShutdownCapability(rn), rn.GracefulStop, rn.PersistFinal, cfg.Runner.GracefulTimeout, cfg.Runner.ForceKillTimeout)

	exitCode := supervisor.Start(ctx)
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin HTTP server shutdown error")
		}
		shutdownCancel()
		admin.Stop()
	}

	log.Info().Int("exit_code", exitCode).Msg("runner stopped")
	os.Exit(exitCode)
}

// resolveProjects applies include and exclude patterns against known,
// falling back to every known project when no include pattern was given.
func resolveProjects(includePatterns, excludePatterns string, known []string) []string {
	return projectfilter.FilterProjects(known, splitPatterns(includePatterns), splitPatterns(excludePatterns))
}

func splitPatterns(patterns string) []string {
	if strings.TrimSpace(patterns) == "" {
		return nil
	}
	var list []string
	for _, p := range strings.Split(patterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
