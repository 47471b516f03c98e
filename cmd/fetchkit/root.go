package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MustafaHasria/fetchkit"
	"github.com/MustafaHasria/fetchkit/config"
	"github.com/MustafaHasria/fetchkit/fakestore"
)

// app holds everything a command needs once flags and config are resolved.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	debug   bool

	cfg       *config.Config
	logger    *logrus.Logger
	registry  *prometheus.Registry
	client    *fakestore.Client
	metrics   *http.Server
	metricsAt string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:          "fetchkit",
		Short:        "Fetch, cache and watch JSON APIs",
		Long:         `fetchkit talks to a JSON API (the Fake Store API by default) through a caching, deduplicating and retrying repository.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.start()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.stop()
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load instead of ./.env")
	flags.BoolVarP(&a.debug, "debug", "d", false, "log requests, cache activity and retries")
	flags.String("base-url", fakestore.DefaultBaseURL, "API base URL | example: --base-url=http://localhost:8080")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address | example: --metrics-addr=:9100")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.Int("max-retries", 3, "retries for transient failures")

	for key, flag := range map[string]string{
		config.KeyBaseURL:     "base-url",
		config.KeyMetricsAddr: "metrics-addr",
		config.KeyLogLevel:    "log-level",
		config.KeyLogFormat:   "log-format",
		config.KeyMaxRetries:  "max-retries",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		newGetCmd(a),
		newProductsCmd(a),
		newProductCmd(a),
		newLoginCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) start() error {
	options := []config.LoadOption{config.WithViper(a.v)}
	if a.cfgFile != "" {
		options = append(options, config.WithFile(a.cfgFile))
	}
	if a.envFile != "" {
		options = append(options, config.WithEnvFile(a.envFile))
	}
	cfg, err := config.Load(options...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger()
	if a.debug {
		a.logger.SetLevel(logrus.DebugLevel)
	}

	a.registry = prometheus.NewRegistry()
	collector := fetchkit.NewMetricsCollectorWithRegistry(a.registry)
	logger := fetchkit.NewLogrusLogger(a.logger)

	repoOptions := append(cfg.RepositoryOptions(),
		fetchkit.WithMetricsCollector(collector),
		fetchkit.WithHTTPCacheHeaders(),
	)
	if a.debug {
		repoOptions = append(repoOptions, fetchkit.WithDebug())
	}
	transportOptions := append(cfg.TransportOptions(),
		fetchkit.WithTransportMetrics(collector),
		fetchkit.WithCircuitBreaker(fetchkit.CircuitBreakerConfig{}),
	)

	client, err := fakestore.New(
		fakestore.WithTransportConfig(cfg.TransportConfig()),
		fakestore.WithTransportOptions(transportOptions...),
		fakestore.WithRepositoryOptions(repoOptions...),
		fakestore.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	a.client = client

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen for metrics on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAt = listener.Addr().String()

	go func() {
		if err := a.metrics.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	a.logger.WithField("addr", a.metricsAt).Info("Serving metrics")
	return nil
}

func (a *app) stop() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	if a.client != nil {
		a.client.Close()
	}
}
