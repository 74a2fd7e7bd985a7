package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/duckmesh/sqlagent/internal/config"
	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/query"
)

type CredentialSource interface {
	APIKey() (string, bool)
}

// Provider builds the process-wide agent the first time both the credential
// and the dataset are available. Until then Get reports ErrNotConfigured and
// nothing is remembered.
type Provider struct {
	cfg         config.AIConfig
	credentials CredentialSource
	dataReady   func() bool
	engine      query.Engine
	newClient   func(llm.Config) (completer, error)
	logger      *slog.Logger

	mu    sync.Mutex
	agent *Agent
}

func NewProvider(cfg config.AIConfig, credentials CredentialSource, dataReady func() bool, engine query.Engine, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:         cfg,
		credentials: credentials,
		dataReady:   dataReady,
		engine:      engine,
		newClient: func(c llm.Config) (completer, error) {
			return llm.New(c)
		},
		logger: logger,
	}
}

func (p *Provider) Get(ctx context.Context) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.agent != nil {
		return p.agent, nil
	}

	apiKey, ok := p.credentials.APIKey()
	if !ok {
		return nil, fmt.Errorf("%w: credential is missing", ErrNotConfigured)
	}
	if p.dataReady == nil || !p.dataReady() {
		return nil, fmt.Errorf("%w: dataset is not loaded", ErrNotConfigured)
	}

	client, err := p.newClient(llm.Config{
		BaseURL:     p.cfg.BaseURL,
		APIKey:      apiKey,
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		Timeout:     p.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build completion client: %w", err)
	}

	policy := Policy{EnforceReadOnly: p.cfg.EnforceReadOnly, EnforceRowLimit: p.cfg.EnforceRowLimit}
	toolkit := NewToolkit(p.engine, client, p.cfg.Dialect, p.cfg.TopK, policy)
	built, err := New(client, toolkit, Settings{
		Model:    p.cfg.Model,
		Dialect:  p.cfg.Dialect,
		TopK:     p.cfg.TopK,
		MaxSteps: p.cfg.MaxSteps,
		Policy:   policy,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	p.agent = built
	p.logger.InfoContext(ctx, "agent built",
		slog.String("model", p.cfg.Model),
		slog.String("dialect", p.cfg.Dialect),
		slog.Int("top_k", p.cfg.TopK),
		slog.Int("max_steps", p.cfg.MaxSteps),
		slog.Bool("enforce_read_only", policy.EnforceReadOnly),
		slog.Bool("enforce_row_limit", policy.EnforceRowLimit),
	)
	return built, nil
}
