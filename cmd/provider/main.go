package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ruteri/tee-sealing-key-provider/cmd/flags"
	"github.com/ruteri/tee-sealing-key-provider/common"
	"github.com/ruteri/tee-sealing-key-provider/config"
	"github.com/ruteri/tee-sealing-key-provider/metrics"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/transport"
	"github.com/urfave/cli/v2"
)

const (
	exitConfig      = 2
	exitAttestation = 3
	exitDerivation  = 4
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "stream listener address, overrides server.listen_addr",
}

var flagHTTPAddr = &cli.StringFlag{
	Name:  "http-addr",
	Usage: "HTTP listener address, overrides http.listen_addr",
}

var flagMetricsAddr = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to listen on for Prometheus metrics, overrides metrics.listen_addr",
}

func main() {
	app := &cli.App{
		Name:  "provider",
		Usage: "Release sealing keys to attested enclaves",
		Flags: append([]cli.Flag{
			flags.ConfigFileFlag,
			flags.EnvFileFlag,
			flagListenAddr,
			flagHTTPAddr,
			flagMetricsAddr,
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	if err := godotenv.Load(cCtx.String(flags.EnvFileFlag.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("Failed to load env file", "err", err)
		return cli.Exit(err, exitConfig)
	}

	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return cli.Exit(err, exitConfig)
	}
	if addr := cCtx.String(flagListenAddr.Name); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if addr := cCtx.String(flagHTTPAddr.Name); addr != "" {
		cfg.HTTP.ListenAddr = addr
	}
	if addr := cCtx.String(flagMetricsAddr.Name); addr != "" {
		cfg.Metrics.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(common.PackageName)

	p, err := bootstrap(ctx, cfg, m, logger)
	if err != nil {
		var be *bootstrapError
		if errors.As(err, &be) {
			logger.Error("Startup failed", "err", be.err)
			return cli.Exit(be.err, be.code)
		}
		return err
	}
	defer p.close()

	if cfg.Metrics.ListenAddr != "" {
		metricsSrv := metrics.New(m, cfg.Metrics.ListenAddr)
		go func() {
			logger.With("metricsAddress", cfg.Metrics.ListenAddr).Info("Starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
		defer shutdownWithTimeout(logger, "metrics server", metricsSrv.Shutdown)
	}

	streamSrv := transport.NewServer(transport.Config{
		Pool:         p.pool,
		IdleTimeout:  cfg.Server.IdleTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, p.protocol, logger)

	ln, err := transport.Listen(cfg.Server.Network, cfg.Server.ListenAddr, p.tlsConfig)
	if err != nil {
		logger.Error("Failed to listen", "err", err, "network", cfg.Server.Network, "address", cfg.Server.ListenAddr)
		return cli.Exit(err, exitConfig)
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	go func() {
		logger.Info("Serving key release requests", "network", cfg.Server.Network, "address", ln.Addr().String(), "workers", cfg.Server.Workers)
		if err := streamSrv.Serve(serveCtx, ln); err != nil {
			logger.Error("Stream server failed", "err", err)
		}
	}()
	defer shutdownWithTimeout(logger, "stream server", streamSrv.Shutdown)

	logger.Info("Provider is running",
		"measurement", p.protocol.Identity().Measurement.String(),
		"derivation_version", cfg.Release.DerivationVersion)

	return waitForExit(ctx, logger, p.protocol)
}

// waitForExit blocks until a termination signal or a fatal protocol error.
func waitForExit(ctx context.Context, logger *slog.Logger, protocol *release.Protocol) error {
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		return nil
	case err := <-protocol.Fatal():
		logger.Error("Hardware root unusable, stopping", "err", err)
		return cli.Exit(err, exitDerivation)
	}
}

func shutdownWithTimeout(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", "component", name, "err", err)
	}
}
