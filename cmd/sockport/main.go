// Command sockport runs one test port.
//
// In server mode every framed message is echoed back to its sender. In client
// mode a prompt reads lines, frames them with the configured header and sends
// them; received messages are printed.
//
// Usage:
//
//	sockport -config port.yaml [-p name=value]... [flags]
//
// Flags:
//
//	-config string     Configuration file (.yaml, .yml or .toml)
//	-p name=value      Parameter override, repeatable (e.g. -p server_mode=yes)
//	-trace string      Append protocol trace events to this file
//	-metrics string    Serve Prometheus metrics on this address
//	-advertise string  Advertise the listener via mDNS under this instance name
//	-log-level string  debug, info, warn or error (default "info")
//
// Examples:
//
//	# Length-prefixed echo server on port 7001
//	sockport -p server_mode=yes -p local_port=7001 -p header.size=4
//
//	# Client that finds the server via mDNS
//	sockport -p remote_host=bench._sockport._tcp.local -p remote_port=7001
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sockport/sockport/internal/config"
	"github.com/sockport/sockport/pkg/discovery"
	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/tlslayer"
	"github.com/sockport/sockport/pkg/trace"
)

// turnTimeout bounds one reactor turn so shutdown is noticed promptly.
const turnTimeout = 250 * time.Millisecond

type flags struct {
	configFile string
	overrides  config.Overrides
	traceFile  string
	metrics    string
	advertise  string
	logLevel   string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("sockport", flag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", "", "Configuration file (.yaml, .yml or .toml)")
	fs.Var(&f.overrides, "p", "Parameter override name=value (repeatable)")
	fs.StringVar(&f.traceFile, "trace", "", "Append protocol trace events to this file")
	fs.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&f.advertise, "advertise", "", "Advertise the listener via mDNS under this instance name")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// load builds the effective configuration: defaults, then the file, then -p
// overrides, then the dedicated flags.
func (f *flags) load() (config.File, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return config.File{}, err
		}
	}
	if err := cfg.Apply(f.overrides); err != nil {
		return config.File{}, err
	}
	if f.traceFile != "" {
		cfg.Trace.File = f.traceFile
	}
	if f.metrics != "" {
		cfg.Metrics.Listen = f.metrics
	}
	if f.advertise != "" {
		cfg.Discovery.Instance = f.advertise
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sockport:", err)
		os.Exit(1)
	}
}

func run(args []string) (err error) {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := f.load()
	if err != nil {
		return err
	}

	var tty *prompt
	logOut := io.Writer(os.Stderr)
	if !cfg.Engine.ServerMode {
		if tty, err = newPrompt(); err != nil {
			return err
		}
		defer tty.Close()
		logOut = tty.Stderr()
	}
	logger, err := newLogger(f.logLevel, logOut)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Fatal engine errors end the run; the failing call returns afterwards.
	var fatal *engine.FatalError
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithFatalFunc(func(fe *engine.FatalError) {
			if fatal == nil {
				fatal = fe
			}
			logger.Error("fatal engine error", "kind", fe.Kind.String(), "error", fe.Err)
			cancel()
		}),
		engine.WithResolver(discovery.NewResolver(discovery.ResolverConfig{
			BrowseTimeout: cfg.Discovery.BrowseTimeout,
			Interface:     cfg.Discovery.Interface,
			Logger:        logger,
		})),
	}

	var tracers []trace.Logger
	if cfg.Engine.Debug {
		tracers = append(tracers, trace.NewSlogAdapter(logger))
	}
	if cfg.Trace.File != "" {
		fl, ferr := trace.NewFileLogger(cfg.Trace.File)
		if ferr != nil {
			return fmt.Errorf("open trace file: %w", ferr)
		}
		defer func() { err = multierr.Append(err, fl.Close()) }()
		tracers = append(tracers, fl)
	}
	if len(tracers) > 0 {
		opts = append(opts, engine.WithTrace(trace.Combine(tracers...)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, engine.WithMetrics(engine.NewMetrics(reg, "sockport")))

	if cfg.TLS.Enabled {
		opts = append(opts, engine.WithExtension(tlslayer.New(cfg.TLS, logger)))
	}

	out := io.Writer(os.Stdout)
	if tty != nil {
		out = tty.Stdout()
	}
	h := &port{server: cfg.Engine.ServerMode, out: out, logger: logger}
	e, err := engine.New(cfg.Engine, h, opts...)
	if err != nil {
		return err
	}
	h.e = e
	defer func() { err = multierr.Append(err, e.Close()) }()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, reg, logger) })
	}

	if err := e.Map(); err != nil {
		cancel()
		return multierr.Append(err, g.Wait())
	}

	if cfg.Engine.ServerMode && cfg.Discovery.Instance != "" {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{Interface: cfg.Discovery.Interface, Logger: logger})
		if _, err := adv.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, e.ListenPort(), cfg.Discovery.TXT); err != nil {
			logger.Warn("mDNS advertising failed", "error", err)
		}
		defer adv.Shutdown()
	}

	if tty != nil {
		tty.header = cfg.Engine.Header
		tty.post = e.Poller().Post
		tty.send = h.send
		g.Go(func() error {
			defer cancel()
			return tty.run(gctx)
		})
	} else {
		logger.Info("listening", "port", e.ListenPort())
	}

	loopErr := reactorLoop(gctx, e)
	cancel()
	if tty != nil {
		tty.Close()
	}
	err = multierr.Combine(loopErr, g.Wait())
	if fatal != nil {
		err = multierr.Append(err, fatal)
	}
	return err
}

// reactorLoop drives the engine on the calling goroutine until ctx ends.
func reactorLoop(ctx context.Context, e *engine.Engine) error {
	stop := context.AfterFunc(ctx, e.Poller().Wakeup)
	defer stop()
	for ctx.Err() == nil {
		if err := e.Turn(turnTimeout); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
