// Package main is the entry point for the hooktable server.
//
// hooktable stores webhook payloads in append-only tables whose cells are
// encrypted to a per-table OpenPGP key. Only the holder of the table password
// can read them back. Configuration is read from config.yaml and .env in the
// data directory, then from CLI flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hooktable/hooktable/internal/captcha"
	"github.com/hooktable/hooktable/internal/config"
	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/queue"
	"github.com/hooktable/hooktable/internal/server"
	"github.com/hooktable/hooktable/internal/server/ipgeo"
	"github.com/hooktable/hooktable/internal/server/ratelimit"
	"github.com/hooktable/hooktable/internal/storage"
	"github.com/hooktable/hooktable/internal/tablecrypt"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "hooktable: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configSchema := flag.Bool("config-schema", false, "Print the JSON schema of config.yaml and exit")
	httpAddr := flag.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	storeBackend := flag.String("store", "jsonl", "Table store (jsonl, bolt)")
	queueBackend := flag.String("queue", "sqlite", "Ingest queue (memory, sqlite)")
	workers := flag.Int("workers", 2, "Number of ingest workers")
	geoDB := flag.String("geo-db", "", "Path to MaxMind MMDB file for IP geolocation (optional)")
	noCaptcha := flag.Bool("no-captcha", false, "Accept every captcha token. Development only.")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}
	if *configSchema {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	// Flags explicitly set on the command line win over the files.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "store":
			cfg.Store.Backend = *storeBackend
		case "queue":
			cfg.Queue.Backend = *queueBackend
		case "workers":
			cfg.Queue.Workers = *workers
		case "geo-db":
			cfg.Geo.DB = *geoDB
		case "no-captcha":
			cfg.Captcha.Disabled = *noCaptcha
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := newLogger(os.Stderr, ll)
	slog.SetDefault(logger)

	store, err := openStore(cfg, *dataDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	q, err := openQueue(cfg, *dataDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	var verifier captcha.Verifier
	if cfg.Captcha.Disabled {
		slog.WarnContext(ctx, "Captcha verification is DISABLED, every token is accepted")
		verifier = captcha.Static{OK: true}
	} else {
		var opts []captcha.HCaptchaOption
		if cfg.Captcha.Endpoint != "" {
			opts = append(opts, captcha.WithEndpoint(cfg.Captcha.Endpoint))
		}
		verifier = captcha.NewHCaptcha(cfg.Captcha.Secret, logger, opts...)
	}

	// Open IP geolocation database if configured
	var geo server.GeoChecker
	if cfg.Geo.DB != "" {
		checker, err := ipgeo.Open(cfg.Geo.DB, cfg.Geo.BlockedCountries)
		if err != nil {
			return fmt.Errorf("failed to open geo database: %w", err)
		}
		defer func() { _ = checker.Close() }()
		geo = checker
		slog.InfoContext(ctx, "IP geolocation enabled", "db", cfg.Geo.DB, "blocked", cfg.Geo.BlockedCountries)
	}

	eng := engine.New(store, &tablecrypt.OpenPGP{EmailDomain: cfg.Crypto.EmailDomain},
		engine.WithLogger(logger),
		engine.WithConcurrency(cfg.Crypto.Concurrency),
	)

	// Watch own executable for modifications (for development restarts)
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	// Workers outlive the HTTP server so that items accepted during shutdown
	// are still leased and appended, or redelivered on the next start.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		w := queue.NewWorker(q, eng, cfg.Queue.BatchSize, logger)
		workerDone <- w.Run(workerCtx, cfg.Queue.Workers)
	}()

	buildVersion, _, _, _ := getBuildInfo()
	srv := server.New(&server.Config{
		Engine:              eng,
		Queue:               q,
		Captcha:             verifier,
		Geo:                 geo,
		AllowOrigin:         cfg.CORS.AllowOrigin,
		MaxRequestBodyBytes: cfg.Limits.MaxRequestBodyBytes,
		RateLimits: ratelimit.Limits{
			CreatePerMin:   cfg.RateLimits.CreatePerMin,
			RetrievePerMin: cfg.RateLimits.RetrievePerMin,
			IngestPerMin:   cfg.RateLimits.IngestPerMin,
		},
		Version: buildVersion,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTP,
		Handler:           srv,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", cfg.HTTP, "version", buildVersion, "store", cfg.Store.Backend, "queue", cfg.Queue.Backend)
		serverErr <- httpServer.ListenAndServe()
	}()

	// Wait for either context cancellation or server error
	var result error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		// Graceful shutdown
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			result = fmt.Errorf("shutdown error: %w", err)
		}
	}
	stopWorkers()
	if err := <-workerDone; err != nil && result == nil {
		result = fmt.Errorf("worker error: %w", err)
	}
	slog.Info("Server stopped")
	return result
}

// newLogger returns the tint logger writing to w.
func newLogger(w *os.File, ll *slog.LevelVar) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) {
		out = colorable.NewColorable(w)
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(w.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop time when running under systemd.
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			// Drop localhost IPs (not useful in logs).
			if a.Key == "ip" {
				if v := a.Value.String(); v == "127.0.0.1" || v == "::1" {
					return slog.Attr{}
				}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func openStore(cfg *config.Config, dataDir string, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store.Backend {
	case "bolt":
		s, err := storage.OpenBolt(filepath.Join(dataDir, "tables.db"), storage.WithLogger(logger), storage.WithNoSync(cfg.Store.NoSync))
		if err != nil {
			return nil, fmt.Errorf("failed to open table store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFileStore(filepath.Join(dataDir, "tables"), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open table store: %w", err)
		}
		return s, nil
	}
}

func openQueue(cfg *config.Config, dataDir string, logger *slog.Logger) (queue.Queue, error) {
	opts := []queue.Option{
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithLease(time.Duration(cfg.Queue.Lease)),
		queue.WithLogger(logger),
	}
	if cfg.Queue.Backend == "memory" {
		slog.Warn("Ingest queue is in memory, queued items are lost on exit")
		return queue.NewMemory(opts...), nil
	}
	q, err := queue.OpenSQLite(filepath.Join(dataDir, "queue.db"), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("hooktable %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
