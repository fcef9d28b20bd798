package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/config"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/logging"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/repositories"
	"github.com/urekai/urekai-engine/pkg/retry"
	"github.com/urekai/urekai-engine/pkg/services"
	"github.com/urekai/urekai-engine/pkg/services/workqueue"
)

// app holds the process-wide dependencies shared by serve and worker.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	scopes *database.PoolScopeProvider

	queueRepo    repositories.JobQueueRepository
	metadataRepo repositories.AnalysisMetadataRepository
	gateway      llm.Gateway
	materializer services.TableMaterializer
	retryCfg     *retry.Config
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(appVersion)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("typed_columns", cfg.Ingestion.TypedColumns),
	)

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, err
	}

	gateway, err := llm.NewGateway(&llm.Config{
		Provider:    cfg.LLM.Provider,
		Endpoint:    config.ResolveEndpointForDocker(cfg.LLM.Endpoint),
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, llm.CircuitBreakerConfig{
		Threshold:  cfg.LLM.BreakerThreshold,
		ResetAfter: cfg.LLM.BreakerReset,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create LLM gateway: %w", err)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		scopes:       database.NewScopeProvider(db),
		queueRepo:    repositories.NewJobQueueRepository(),
		metadataRepo: repositories.NewAnalysisMetadataRepository(),
		gateway:      gateway,
		materializer: services.NewTableMaterializer(cfg.Ingestion.TypedColumns, cfg.Ingestion.MaxLoadAttempts, logger),
		retryCfg: &retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			MaxJitter:    cfg.Retry.MaxJitter,
			Multiplier:   2.0,
		},
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	_ = a.logger.Sync()
}

// workers builds the listener and dispatcher that drain the ingestion queues.
func (a *app) workers() (*workqueue.Listener, *workqueue.Dispatcher) {
	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: a.cfg.LLM.MaxConcurrent}, a.logger)
	inferrer := services.NewSchemaInferenceService(a.gateway, pool, a.retryCfg, a.cfg.Ingestion.SchemaBatchSize, a.logger)

	ingestion := services.NewIngestionService(
		a.queueRepo,
		a.metadataRepo,
		services.NewSampleReader(a.cfg.Ingestion.SampleRowLimit),
		inferrer,
		a.materializer,
		a.logger,
		services.WithMaxUploadRetries(a.cfg.Ingestion.MaxUploadRetries),
	)

	dispatcher := workqueue.NewDispatcher(workqueue.Config{
		Workers:          a.cfg.Ingestion.Workers,
		ConcurrencyLimit: a.cfg.Ingestion.ConcurrencyLimit,
		QueueSize:        a.cfg.Ingestion.QueueSize,
	}, a.scopes, a.queueRepo, ingestion, a.logger)

	listener := workqueue.NewListener(workqueue.ListenerConfig{
		Kinds:          models.AllFileKinds,
		IdlePing:       a.cfg.Ingestion.IdlePing,
		ReconnectDelay: a.cfg.Ingestion.ReconnectDelay,
		PollInterval:   a.cfg.Ingestion.PollInterval,
	}, workqueue.PgxConnectFunc(a.cfg.Database.ConnectionString()), dispatcher, a.scopes, a.queueRepo, a.logger)

	return listener, dispatcher
}
