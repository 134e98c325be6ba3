package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jrepp/prism-embed/pkg/embederr"
	"github.com/jrepp/prism-embed/pkg/launcher"
	"github.com/jrepp/prism-embed/pkg/lifecycle"
	"github.com/jrepp/prism-embed/pkg/observability"
)

var errServerEnded = errors.New("embedded server is no longer running")

var startCmd = &cobra.Command{
	Use:   "start <manifest>",
	Short: "Start an embedded server and run it until interrupted",
	Long: `Start the server described by a launch manifest and keep it running
until SIGINT or SIGTERM, then stop it.

<manifest> is a manifest file, a directory containing manifest.yaml, or the
name of a launch under the manifests directory. --artifact adds or replaces
artifacts as group:artifact=path.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var startArtifacts []string

func init() {
	startCmd.Flags().StringArrayVar(&startArtifacts, "artifact", nil, "extra artifact as group:artifact=path (repeatable)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	manifest, err := findManifest(args[0])
	if err != nil {
		uiInstance.Error(err.Error())
		return err
	}
	if err := addArtifacts(manifest, startArtifacts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := lifecycle.NewPrometheusMetricsCollector(cfg.Metrics.Namespace)
	bridge := observability.NewHealthBridge(manifest.Name)

	obs := observability.NewManager(&observability.Config{
		ServiceName:    "embedctl",
		ServiceVersion: rootCmd.Version,
		MetricsAddress: cfg.Metrics.Address,
		EnableTracing:  cfg.Tracing.Enabled,
		TraceExporter:  cfg.Tracing.Exporter,
		TraceWriter:    cmd.ErrOrStderr(),
		Gatherer:       collector.Registry(),
		Health:         bridge,
		Logger:         logger,
	})
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Stop.Timeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	// Stop is only called after the run loop exits, so any terminal state
	// reached before that means the server ended on its own.
	ended := make(chan struct{})
	var endOnce sync.Once

	service, err := launcher.NewBuilder().
		WithManifest(manifest).
		WithMetricsCollector(collector).
		WithEventPublisher(&lifecycle.SlogEventPublisher{Logger: logger}).
		WithLogger(logger).
		WithTracer(obs.Tracer("github.com/jrepp/prism-embed/cmd/embedctl")).
		WithStopTimeout(cfg.Stop.Timeout).
		WithStateObserver(bridge.Observe).
		WithStateObserver(func(_, to lifecycle.State) {
			if to.Terminal() {
				endOnce.Do(func() { close(ended) })
			}
		}).
		Build()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Health.Address != "" {
		lis, err := net.Listen("tcp", cfg.Health.Address)
		if err != nil {
			return fmt.Errorf("health listener: %w", err)
		}
		grpcServer := grpc.NewServer()
		bridge.Register(grpcServer)

		g.Go(func() error {
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
		logger.Info("health service listening", "address", lis.Addr().String())
	}

	server, err := service.Start(ctx)
	if err != nil {
		uiInstance.Error(fmt.Sprintf("Failed to start %s: %v", manifest.Name, err))
		if embederr.HasCode(err, embederr.CodeStartTimeout) {
			// The server may still be running
			_ = stopService(service)
		}
		cancel()
		_ = g.Wait()
		return err
	}

	if server == nil {
		uiInstance.Info(fmt.Sprintf("Launch %s is marked skip; nothing started", manifest.Name))
		cancel()
		return g.Wait()
	}

	uiInstance.Success(fmt.Sprintf("Started %s", manifest.Name))
	uiInstance.KeyValue("Implementation", manifest.Implementation)
	uiInstance.KeyValue("Port", strconv.Itoa(manifest.Port))
	uiInstance.KeyValue("SSL port", strconv.Itoa(manifest.SSLPort))
	uiInstance.KeyValue("State", uiInstance.State(service.State()))
	if addr := obs.Addr(); addr != nil {
		uiInstance.KeyValue("Metrics", "http://"+addr.String()+"/metrics")
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ended:
			return errServerEnded
		case err, ok := <-obs.Done():
			if ok {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}
	})

	waitErr := g.Wait()
	if errors.Is(waitErr, errServerEnded) {
		uiInstance.Error(fmt.Sprintf("%s ended while running (%s)", manifest.Name, service.State()))
	}

	stopErr := stopService(service)
	if stopErr == nil {
		uiInstance.Success(fmt.Sprintf("Stopped %s", manifest.Name))
	}

	return errors.Join(waitErr, stopErr)
}

func stopService(service *launcher.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Stop.Timeout)
	defer cancel()

	if err := service.Stop(ctx); err != nil {
		uiInstance.Error(fmt.Sprintf("Stop failed: %v", err))
		return err
	}
	return nil
}
