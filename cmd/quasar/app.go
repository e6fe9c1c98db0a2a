package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/internal/pipeline"
	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/extension"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/storage/backends"
)

// settings binds the global flags and QUASAR_* environment variables
func settings(root *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUASAR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the YAML configuration file")
	flags.String("catalog", "", "Path to the YAML table catalog (overrides catalog.path)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides logging.level)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	flags.String("trace", "", "Trace exporter: none or stdout")
	_ = v.BindPFlags(flags)
	return v
}

// loadConfig reads the configuration file, if any, and applies flag and
// environment overrides
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.New()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if s := v.GetString("catalog"); s != "" {
		cfg.Catalog.Path = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("metrics-addr"); s != "" {
		cfg.Observability.MetricsAddr = s
	}
	if s := v.GetString("trace"); s != "" {
		cfg.Observability.Tracing.Exporter = s
	}
	cfg.Observability.Tracing.ServiceVersion = version
	return cfg, nil
}

// app holds what the commands share for one invocation
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	dispatcher *storage.Dispatcher
	loader     *extension.Loader

	shutdownTracing observability.ShutdownFunc
	metricsServer   *http.Server
}

func newApp(v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	shutdown, err := observability.InitTracing(cfg.Observability.Tracing)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:             cfg,
		log:             logger.Get().With(zap.String("component", "quasar-cli")),
		dispatcher:      backends.NewDispatcher(cfg.Storage),
		loader:          extension.NewLoader(extension.OptionsFromConfig(cfg.Extensions)...),
		shutdownTracing: shutdown,
	}
	if cfg.Observability.MetricsAddr != "" {
		a.serveMetrics(cfg.Observability.MetricsAddr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
}

func (a *app) catalog() (*catalog.Catalog, error) {
	if a.cfg.Catalog.Path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "no catalog configured: set catalog.path or --catalog")
	}
	return catalog.Load(a.cfg.Catalog.Path)
}

func (a *app) pipeline() (*pipeline.Pipeline, error) {
	cat, err := a.catalog()
	if err != nil {
		return nil, err
	}
	allowGPU := a.cfg.Extensions.AllowGPU
	return pipeline.New(cat, a.dispatcher, a.loader,
		pipeline.WithGPUCheck(func() bool { return allowGPU })), nil
}

// budget returns the configured per-batch memory budget
func (a *app) budget() (int64, error) {
	if a.cfg.Reader.AutoBudget {
		return reader.AutoBudget(a.cfg.Reader.AutoBudgetFraction)
	}
	return a.cfg.Reader.BudgetBytes, nil
}

// readerOptions turns the reader section into reader options
func (a *app) readerOptions() []reader.Option {
	rc := a.cfg.Reader
	opts := []reader.Option{
		reader.WithPrefetch(rc.Prefetch),
		reader.WithNullToken(rc.NullToken),
		reader.WithSampleEvery(rc.SampleEvery),
	}
	if r := []rune(rc.Delimiter); len(r) == 1 {
		opts = append(opts, reader.WithDelimiter(r[0]))
	}
	return opts
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.dispatcher.Shutdown(ctx); err != nil {
		a.log.Warn("failed to close storage", zap.Error(err))
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Warn("failed to flush traces", zap.Error(err))
	}
	_ = a.log.Sync()
}
