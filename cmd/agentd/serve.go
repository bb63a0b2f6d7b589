package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentd/internal/httpapi"
	"agentd/pkg/config"
	"agentd/pkg/eventlog"
	"agentd/pkg/events/natsfwd"
	"agentd/pkg/metrics"
	"agentd/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cfg.Server.Addr, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, opts *globalOptions, addr string, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	rt, err := newRuntime(ctx, cfg, opts.projectDir)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(sctx)
	}()

	hub := httpapi.NewHub()
	api := httpapi.NewServer(rt.registry, hub, metrics.Handler(rt.prom),
		httpapi.WithSkills(rt.skills),
		httpapi.WithEventLogDir(cfg.Events.LogDir),
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(cfg.Server.MetricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sinks are connected before anything starts so a bad NATS URL fails fast.
	var fwd *natsfwd.Forwarder
	if cfg.Events.NATSURL != "" {
		f, closeNATS, err := natsfwd.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		defer closeNATS()
		fwd = f
	}
	var writer *eventlog.Writer
	if cfg.Events.LogDir != "" {
		w, err := eventlog.NewWriter(cfg.Events.LogDir)
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		writer = w
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.logger.Info("🚀 agentd %s listening on %s", version, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("🛑 shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error { return rt.registry.RunReaper(gctx) })
	g.Go(func() error { return hub.Run(gctx, rt.bus.Subscribe()) })
	if fwd != nil {
		g.Go(func() error { return fwd.Run(gctx, rt.bus.Subscribe()) })
	}
	if writer != nil {
		g.Go(func() error { return writer.Run(gctx, rt.bus.Subscribe()) })
	}

	return g.Wait()
}
