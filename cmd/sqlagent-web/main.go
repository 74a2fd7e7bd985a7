package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/api"
	"github.com/duckmesh/sqlagent/internal/api/uistatic"
	"github.com/duckmesh/sqlagent/internal/config"
	"github.com/duckmesh/sqlagent/internal/credential"
	"github.com/duckmesh/sqlagent/internal/dataset"
	"github.com/duckmesh/sqlagent/internal/history"
	historypostgres "github.com/duckmesh/sqlagent/internal/history/postgres"
	"github.com/duckmesh/sqlagent/internal/migrations"
	"github.com/duckmesh/sqlagent/internal/observability"
	duckdbengine "github.com/duckmesh/sqlagent/internal/query/duckdb"
	s3store "github.com/duckmesh/sqlagent/internal/storage/s3"
	"github.com/duckmesh/sqlagent/internal/web"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to read .env file", slog.Any("error", err))
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv("sqlagent-web")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	readiness := []api.ReadinessCheck{}

	importer := &dataset.Importer{Logger: logger}
	if cfg.ObjectStoreEnabled() {
		objectStore, err := s3store.New(s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          cfg.ObjectStore.Bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
			Prefix:          cfg.ObjectStore.Prefix,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		importer.Objects = objectStore
		readiness = append(readiness, api.CheckHealth("object store", objectStore.HealthCheck))
	}

	source := dataset.Source{
		Path:      cfg.Dataset.Path,
		DBPath:    cfg.Dataset.DBPath,
		Table:     cfg.Dataset.Table,
		ObjectKey: cfg.Dataset.ObjectKey,
	}
	loader := dataset.NewLoader(importer, logger)
	datasetStatus := func() dataset.Status {
		status, _ := loader.Status(source)
		return status
	}
	if status := loader.Load(context.Background(), source); !status.OK {
		logger.Warn("dataset unavailable, queries stay disabled", slog.String("message", status.Message))
	}

	queryEngine := duckdbengine.NewEngine(cfg.Dataset.DBPath)
	credentials := credential.NewStore(cfg.AI.APIKey)
	provider := agent.NewProvider(cfg.AI, credentials, func() bool {
		return datasetStatus().OK
	}, queryEngine, logger)

	var recorder history.Recorder = history.Noop{}
	if cfg.History.DSN != "" {
		historyDB, err := historypostgres.Open(context.Background(), historypostgres.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		schema, err := migrations.QuestionLog()
		if err != nil {
			logger.Error("failed to load question log schema", slog.Any("error", err))
			os.Exit(1)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		applied, err := schema.Upgrade(migrateCtx, historyDB, 0)
		cancel()
		if err != nil {
			logger.Error("failed to upgrade question log schema", slog.Any("error", err))
			os.Exit(1)
		}
		if applied > 0 {
			logger.Info("upgraded question log schema", slog.Int("steps", applied), slog.Int64("version", schema.Latest()))
		}

		repo := historypostgres.NewRepository(historyDB)
		recorder = repo
		readiness = append(readiness,
			api.CheckHealth("history", repo.HealthCheck),
			api.CheckHealth("history schema", func(ctx context.Context) error {
				return schema.Verify(ctx, historyDB)
			}),
		)
	}

	ui, err := web.New(web.Options{
		Model:         cfg.AI.Model,
		Table:         cfg.Dataset.Table,
		DatasetPath:   cfg.Dataset.Path,
		PreviewRows:   cfg.UI.PreviewRows,
		SessionTTL:    cfg.UI.SessionTTL,
		RecentLimit:   cfg.History.RecentLimit,
		AnswerTimeout: cfg.AI.RunTimeout,
	}, web.Dependencies{
		Logger:      logger,
		Credentials: credentials,
		Dataset:     datasetStatus,
		Agents: func(ctx context.Context) (web.Asker, error) {
			a, err := provider.Get(ctx)
			if err != nil {
				return nil, err
			}
			return a, nil
		},
		Preview: queryEngine,
		History: recorder,
		Static:  uistatic.Handler(),
	})
	if err != nil {
		logger.Error("failed to initialize ui", slog.Any("error", err))
		os.Exit(1)
	}

	readiness = append(readiness,
		api.CheckDatasetLoaded(datasetStatus),
		api.CheckCredential(credentials.APIKey),
		api.CheckHealth("query engine", queryEngine.HealthCheck),
	)
	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Dataset:           datasetStatus,
		History:           recorder,
		SessionID:         ui.SessionID,
		UI:                ui.Handler(),
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting web server", slog.String("addr", cfg.HTTP.Address), slog.String("model", cfg.AI.Model))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down web server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
