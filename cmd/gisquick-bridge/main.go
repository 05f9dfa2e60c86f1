// Command gisquick-bridge connects a project directory to a Gisquick server
// through the native client and answers the server's project commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bridge "github.com/aperturerobotics/go-gisquick-bridge"
	"github.com/aperturerobotics/go-gisquick-bridge/config"
	"github.com/aperturerobotics/go-gisquick-bridge/dispatch"
	"github.com/aperturerobotics/go-gisquick-bridge/hostloop"
	"github.com/aperturerobotics/go-gisquick-bridge/internal/logging"
	"github.com/aperturerobotics/go-gisquick-bridge/project"
	"github.com/aperturerobotics/go-gisquick-bridge/projectwatch"
)

// version is set at link time.
var version = "dev"

// The host loop runs on the main goroutine, pinned to the main thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a gisquick.yaml or gisquick.toml file")
	projectFile := flag.String("project", "", "project file to serve (overrides project.file)")
	libraryDir := flag.String("library-dir", "", "directory holding the native client (overrides library.dir)")
	runtimeName := flag.String("runtime", "", "native or wasm (overrides library.runtime)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides log.level)")
	showVersion := flag.Bool("version", false, "print the version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gisquick-bridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Credentials come from the config file or GISQUICK_USERNAME / GISQUICK_PASSWORD.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(bridge.ClientInfo(version, runtime.Version()))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	for dst, v := range map[*string]string{
		&cfg.Project.File:    *projectFile,
		&cfg.Library.Dir:     *libraryDir,
		&cfg.Library.Runtime: *runtimeName,
		&cfg.Log.Level:       *logLevel,
	} {
		if v != "" {
			*dst = v
		}
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	logger, err := logging.New(os.Stderr, level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "path", cfg.Path, "error", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	worker := hostloop.NewWorker(0)
	src := project.NewFileSource(cfg.Project.File)
	svc := project.NewService(src, version, project.WithHostVersion(runtime.Version()))
	table := dispatch.NewTable(svc.Handlers())

	mws := []dispatch.Middleware{
		dispatch.Logging(logger),
		dispatch.NewMetrics(reg).Middleware(table),
	}
	if cfg.Dispatch.RateLimit > 0 {
		mws = append(mws, dispatch.RateLimit(cfg.Dispatch.RateLimit, cfg.Dispatch.Burst))
	}
	if cfg.Dispatch.Timeout > 0 {
		mws = append(mws, dispatch.Timeout(cfg.Dispatch.Timeout))
	}
	d := dispatch.New(table,
		dispatch.WithMiddleware(mws...),
		dispatch.WithExecutor(worker),
		dispatch.WithLogger(logger),
	)

	var loader bridge.Loader
	switch cfg.Library.Runtime {
	case config.RuntimeWASM:
		loader = &bridge.WASMLoader{Stderr: os.Stderr, Logger: logger}
	default:
		loader = bridge.NewSharedLoader(logger)
	}
	b := bridge.New(&bridge.Config{
		LibraryDir:  cfg.Library.Dir,
		LibraryName: cfg.Library.Name,
		Loader:      loader,
		Logger:      logger,
	})
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			logger.Warn("closing native client", "error", err)
		}
	}()

	if cfg.Project.Watch && cfg.Project.File != "" {
		w := projectwatch.New(cfg.Project.File, b,
			projectwatch.WithDebounce(cfg.Project.Debounce),
			projectwatch.WithLogger(logger),
		)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Warn("project watcher stopped", "error", err)
			}
		}()
	}

	clientInfo := cfg.ClientInfo
	if clientInfo == "" {
		clientInfo = bridge.ClientInfo(version, "gisquick-bridge "+runtime.Version())
	}

	type outcome struct {
		code int
		err  error
	}
	result := make(chan outcome, 1)
	sessionDone := make(chan struct{})
	go func() {
		defer worker.Stop()
		defer close(sessionDone)
		code, err := b.Start(ctx, bridge.StartOptions{
			URL:        cfg.Server.URL,
			Username:   cfg.Server.Username,
			Password:   cfg.Server.Password,
			ClientInfo: clientInfo,
		}, d, func() {
			_ = worker.Post(func() {
				logger.Info("successfully connected to server", "url", cfg.Server.URL)
			})
		})
		result <- outcome{code, err}
	}()

	go func() {
		select {
		case <-sessionDone:
			return
		case <-ctx.Done():
		}
		logger.Info("shutting down")
		b.Stop()
		if cfg.ShutdownTimeout <= 0 {
			return
		}
		t := time.NewTimer(cfg.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-sessionDone:
		case <-t.C:
			logger.Error("native client did not stop in time", "timeout", cfg.ShutdownTimeout)
			worker.Stop()
		}
	}()

	_ = worker.Run(context.Background())

	var res outcome
	select {
	case res = <-result:
	default:
		return 1
	}
	switch {
	case res.err != nil:
		logger.Error("Failed to connect", "url", cfg.Server.URL, "error", res.err)
		var loadErr *bridge.LoadError
		if errors.As(res.err, &loadErr) {
			return 3
		}
		return 1
	case res.code != 0:
		logger.Error("Failed to connect", "url", cfg.Server.URL, "code", res.code)
		return res.code
	}
	return 0
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
