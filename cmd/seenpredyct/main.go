// SeenPredyct - Recidivism risk analytics for the CriminalytiX console.
// Copyright (c) 2025 CriminalytiX
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/criminalytix/seenpredyct/internal/api"
	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/auth"
	"github.com/criminalytix/seenpredyct/internal/bus"
	"github.com/criminalytix/seenpredyct/internal/cache"
	"github.com/criminalytix/seenpredyct/internal/config"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/prediction"
	"github.com/criminalytix/seenpredyct/internal/repository"
	"github.com/criminalytix/seenpredyct/internal/rules"
	"github.com/criminalytix/seenpredyct/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

type command struct {
	summary string
	run     func(ctx context.Context, app *app, args []string) error
}

var commands = map[string]command{
	"serve":          {"run the operator console API", runServe},
	"login":          {"sign in and store the session", runLogin},
	"logout":         {"sign out and forget the session", runLogout},
	"whoami":         {"show the signed-in operator", runWhoami},
	"register":       {"create an operator account", runRegister},
	"reset-password": {"send a password recovery email", runResetPassword},
	"create-admin":   {"provision an account with the bootstrap token", runCreateAdmin},
	"predict":        {"score one profile", runPredict},
	"batch":          {"score a YAML or JSON file of profiles", runBatch},
	"validate":       {"check a profile without scoring it", runValidate},
	"options":        {"list the accepted labels per field", runOptions},
	"history":        {"list recorded predictions", runHistory},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, logLevel string
	var showVersion bool

	flags := pflag.NewFlagSet("seenpredyct", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("seenpredyct %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(flags)
		return errors.New("missing command")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		printUsage(flags)
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		if _, err := config.ParseLevel(logLevel); err != nil {
			return err
		}
		cfg.Logging.Level = logLevel
	}

	// The server logs JSON to stdout; other commands keep stdout for results.
	var logOut io.Writer = os.Stderr
	if rest[0] == "serve" {
		logOut = os.Stdout
	} else {
		cfg.Logging.Format = "text"
		if logLevel == "" && os.Getenv(config.EnvPrefix+"LOG_LEVEL") == "" && cfg.Logging.Level == "info" {
			cfg.Logging.Level = "warn"
		}
	}
	slog.SetDefault(config.NewLogger(cfg.Logging, logOut))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return cmd.run(ctx, a, rest[1:])
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "SeenPredyct %s - recidivism risk analytics\n\n", Version)
	fmt.Fprintf(os.Stderr, "Usage: seenpredyct [global flags] <command> [flags]\n\nCommands:\n")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-15s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nGlobal flags:\n%s", flags.FlagUsages())
}

// app holds the wired services shared by every command.
type app struct {
	cfg         *domain.Config
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      *rules.Engine
	ml          *apiclient.Client
	predictions *prediction.Service
	gotrue      *auth.GoTrue
	auth        *auth.Service
	recorder    *worker.Worker
}

func newApp(ctx context.Context, cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.repo = repo
	slog.Debug("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = cacheImpl
	slog.Debug("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.bus = busImpl
	slog.Debug("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(4)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize constraint engine: %w", err)
	}
	if err := engine.LoadRules(rules.DefaultConstraints()); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load profile constraints: %w", err)
	}
	a.engine = engine

	a.ml = apiclient.New(clientConfig(cfg.API, cfg.API.BaseURL))
	a.predictions = prediction.NewService(a.ml, prediction.Config{
		PredictionTimeout: cfg.API.MLPredictionTimeout,
		BatchItemTimeout:  cfg.API.BatchItemTimeout,
	}, prediction.WithRules(engine), prediction.WithEventBus(busImpl))

	// GoTrue sets the apikey header on the shared provider client.
	providerClient := apiclient.New(clientConfig(cfg.API, cfg.Provider.URL))
	a.gotrue = auth.NewGoTrue(providerClient, cfg.Provider.AnonKey)

	var profiles auth.ProfileStore = auth.NewRESTProfileStore(providerClient, a.gotrue)
	if cfg.Provider.ProfileStore == "sql" {
		profiles = auth.NewSQLProfileStore(repo)
	}
	a.auth = auth.NewService(a.gotrue, profiles, a.ml,
		auth.WithSessionStore(repo, auth.DefaultSessionKey),
		auth.WithEventBus(busImpl),
		auth.WithRedirectURL(cfg.Provider.RedirectURL),
	)

	// Channel buses are in-process, so this process records its own predictions.
	if cfg.EventBus.Type == "channel" {
		a.recorder = worker.NewWorker(busImpl, repo, cacheImpl)
		if err := a.recorder.Start(worker.Config{CacheTTL: cfg.Cache.LocalTTL}); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start history recorder: %w", err)
		}
	}

	if cfg.Provider.URL != "" {
		if err := a.auth.Restore(ctx); err != nil {
			slog.Warn("failed to restore session", "error", err)
		}
	}
	return a, nil
}

func clientConfig(cfg domain.APIConfig, baseURL string) apiclient.Config {
	return apiclient.Config{
		BaseURL:       baseURL,
		Timeout:       cfg.DefaultTimeout,
		UploadTimeout: cfg.UploadTimeout,
		MaxAttempts:   cfg.RetryAttempts,
		BaseDelay:     cfg.RetryDelay,
		Multiplier:    cfg.BackoffMultiplier,
	}
}

// awaitRecorded waits until the in-process recorder has handled n more
// predictions than before, or the timeout passes.
func (a *app) awaitRecorded(before int64, n int, timeout time.Duration) {
	if a.recorder == nil {
		return
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		stats := a.recorder.GetStats()
		if stats.Recorded+stats.Failed-before >= int64(n) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	slog.Warn("history recorder did not finish in time", "pending", n)
}

func (a *app) handled() int64 {
	if a.recorder == nil {
		return 0
	}
	stats := a.recorder.GetStats()
	return stats.Recorded + stats.Failed
}

func (a *app) close() {
	if a.recorder != nil {
		if err := a.recorder.Stop(); err != nil {
			slog.Warn("failed to stop history recorder", "error", err)
		}
	}
	if a.auth != nil {
		a.auth.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func runServe(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	host := flags.String("host", a.cfg.Server.Host, "listen host")
	port := flags.Int("port", a.cfg.Server.Port, "listen port")
	if err := flags.Parse(args); err != nil {
		return err
	}
	a.cfg.Server.Host = *host
	a.cfg.Server.Port = *port

	slog.Info("starting seenpredyct",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", a.cfg.Tier,
		"repository", a.cfg.Repository.Driver,
		"cache", a.cfg.Cache.Type,
		"eventbus", a.cfg.EventBus.Type,
	)

	// On a shared bus the server records predictions for every process.
	if a.recorder == nil {
		a.recorder = worker.NewWorker(a.bus, a.repo, a.cache)
		if err := a.recorder.Start(worker.Config{CacheTTL: a.cfg.Cache.LocalTTL}); err != nil {
			return fmt.Errorf("failed to start history recorder: %w", err)
		}
	}

	a.predictions.Initialize(ctx)
	slog.Info("prediction service initialized",
		"state", a.predictions.State(),
		"demo_mode", a.predictions.DemoMode(),
		"constraints", a.engine.RulesCount(),
	)

	generatedToken := a.cfg.Server.ConsoleToken == ""
	srv := api.NewServer(a.cfg.Server, api.Dependencies{
		Predictions: a.predictions,
		Auth:        a.auth,
		Repo:        a.repo,
		Cache:       a.cache,
		RateLimit:   a.cfg.RateLimit,
		HistoryTTL:  a.cfg.Cache.LocalTTL,
		Version:     Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("seenpredyct is ready", "addr", srv.Addr())
	token := "(from configuration)"
	if generatedToken {
		token = srv.ConsoleToken()
	}
	printBanner(a.cfg, Version, token)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("seenpredyct shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version, token string) {
	fmt.Println()
	fmt.Println("  SeenPredyct console")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Model:    %s\n", cfg.API.BaseURL)
	fmt.Printf("  Token:    %s\n", token)
	fmt.Println()
	fmt.Println("  Send \"Authorization: Bearer <token>\" on /auth and /predictions.")
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /auth/login           - Sign in")
	fmt.Println("    GET  /auth/me              - Current operator")
	fmt.Println("    POST /predictions          - Score a profile")
	fmt.Println("    POST /predictions/batch    - Score many profiles")
	fmt.Println("    POST /predictions/validate - Validate a profile")
	fmt.Println("    GET  /predictions/options  - Accepted labels")
	fmt.Println("    GET  /predictions          - Prediction history")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
