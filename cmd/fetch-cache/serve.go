package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/units"
	"github.com/oklog/run"
	"github.com/wolfeidau/fetch-cache/expiry"
	"github.com/wolfeidau/fetch-cache/loader"
	"github.com/wolfeidau/fetch-cache/pressure"
	"github.com/wolfeidau/fetch-cache/server"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address             string        `help:"Address to listen on." default:":8080"`
	AdminToken          string        `help:"Bearer token required on /admin/ routes."`
	ResolveTimeout      time.Duration `help:"How long a /fetch request waits for its result." default:"90s"`
	ExpiryCheckInterval time.Duration `help:"How often to expire persisted responses." default:"1h"`
	PressureHeapLimit   string        `help:"Raise memory pressure when live heap objects exceed this size (e.g. 512MiB). Empty disables."`
	PressureInterval    time.Duration `help:"How often the heap limit is checked." default:"5s"`
	OTLPEndpoint        string        `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." name:"otlp-endpoint"`
	Prometheus          bool          `help:"Expose Prometheus metrics on /metrics."`
	ShutdownTimeout     time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s"`
}

// Run wires the store, loader, pressure sources and server into one run group.
func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "fetch-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	st, listable, err := g.Cache.openStore(logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	manual := pressure.NewManual()
	opts := []loader.Option{loader.WithPressureSource(manual)}

	var heap *pressure.HeapMonitor
	if c.PressureHeapLimit != "" {
		limit, err := units.ParseStrictBytes(c.PressureHeapLimit)
		if err != nil {
			return fmt.Errorf("invalid pressure heap limit %q: %w", c.PressureHeapLimit, err)
		}
		heap = pressure.NewHeapMonitor(uint64(limit), pressure.WithInterval(c.PressureInterval), pressure.WithLogger(logger))
		opts = append(opts, loader.WithPressureSource(heap))
	}

	var sig *pressure.Signal
	if signals := pressureSignals(); len(signals) > 0 {
		sig = pressure.NewSignal(logger, signals...)
		opts = append(opts, loader.WithPressureSource(sig))
	}

	mgr, err := g.Cache.newManager(st, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating loader: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	srvOpts := []server.Option{server.WithPressure(manual)}

	var exp *expiry.Manager
	if listable {
		capacity := mgr.Config().DiskCapacity
		exp = expiry.NewManager(st.(expiry.Store), expiry.Config{
			TTL:           g.Cache.CacheMaxAge,
			MaxSize:       capacity,
			CheckInterval: c.ExpiryCheckInterval,
			Sweep:         mgr.HandleMemoryPressure,
			Logger:        logger,
		})
		srvOpts = append(srvOpts, server.WithExpiry(exp))
	}

	srv, err := server.New(server.Config{
		Address:        c.Address,
		ResolveTimeout: c.ResolveTimeout,
		AdminToken:     c.AdminToken,
		Logger:         logger,
	}, mgr, srvOpts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	var group run.Group

	group.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	group.Add(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
	})

	if exp != nil {
		addContext(&group, exp.Run)
	}
	if heap != nil {
		addContext(&group, heap.Run)
	}
	if sig != nil {
		addContext(&group, sig.Run)
	}

	logger.Info("fetch cache ready",
		"address", srv.Address(),
		"store", g.Cache.Store,
		"cache_policy", g.Cache.CachePolicy.String(),
		"fetch_url", fmt.Sprintf("http://localhost%s/fetch?url=", srv.Address()),
	)

	err = group.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("received signal, shutting down", "signal", sigErr.Signal.String())
		return nil
	}
	return err
}

// addContext adds an actor that runs fn until the group is interrupted.
func addContext(group *run.Group, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	group.Add(func() error {
		if err := fn(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, func(error) {
		cancel()
	})
}
