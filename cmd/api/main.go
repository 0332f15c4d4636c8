package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/config"
	"github.com/hamed0406/canarywatch/internal/engine"
	"github.com/hamed0406/canarywatch/internal/httpapi"
	apimw "github.com/hamed0406/canarywatch/internal/httpapi/middleware"
	"github.com/hamed0406/canarywatch/internal/logging"
	"github.com/hamed0406/canarywatch/internal/notify"
	"github.com/hamed0406/canarywatch/internal/probe"
	"github.com/hamed0406/canarywatch/internal/repo"
	"github.com/hamed0406/canarywatch/internal/repo/memory"
	"github.com/hamed0406/canarywatch/internal/repo/postgres"
	"github.com/hamed0406/canarywatch/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Stdout: cfg.LogStdout})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTELEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := openArtifacts(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defs, err := loadDefinitions(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Logger:    logger,
		Store:     store,
		Artifacts: sink,
		SMTP: notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		},
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	if err := eng.Apply(defs); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	api := httpapi.NewServer(logger, eng)
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.PublicRPM, cfg.PublicBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("store_memory")
		return memory.New(), nil
	}
	pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// openArtifacts returns nil when neither a bucket nor a directory is set;
// visual probes then skip snapshots.
func openArtifacts(ctx context.Context, cfg config.Config, logger *zap.Logger) (probe.ArtifactSink, error) {
	a := cfg.Artifacts
	switch {
	case a.Endpoint != "":
		sink, err := probe.NewMinioSink(ctx, probe.MinioConfig{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Bucket:    a.Bucket,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("artifacts_bucket", zap.String("endpoint", a.Endpoint), zap.String("bucket", a.Bucket))
		return sink, nil
	case a.Dir != "":
		logger.Info("artifacts_dir", zap.String("dir", a.Dir))
		return probe.DirSink{Dir: a.Dir}, nil
	}
	logger.Warn("artifacts_disabled")
	return nil, nil
}

func loadDefinitions(cfg config.Config, logger *zap.Logger) (config.Definitions, error) {
	if cfg.DefinitionsFile != "" {
		logger.Info("definitions_file", zap.String("path", cfg.DefinitionsFile))
		return config.LoadDefinitions(cfg.DefinitionsFile)
	}
	if missing := cfg.Missing(); len(missing) > 0 {
		return config.Definitions{}, &config.MissingError{Vars: missing}
	}
	defs := config.DefaultDefinitions(cfg)
	if err := defs.Validate(); err != nil {
		return config.Definitions{}, err
	}
	logger.Info("definitions_default", zap.String("api_url", cfg.APIEndpoint()), zap.String("website_url", cfg.WebsiteURL))
	return defs, nil
}
