package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/evalq/internal/config"
	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/events"
	"github.com/scarson/evalq/internal/health"
	"github.com/scarson/evalq/internal/memstore"
	"github.com/scarson/evalq/internal/metrics"
	"github.com/scarson/evalq/internal/scoring"
	"github.com/scarson/evalq/internal/store"
	"github.com/scarson/evalq/internal/worker"
)

// pipeline holds the components shared by every subcommand.
type pipeline struct {
	queue     evaluation.Queue
	entities  evaluation.EntityStore
	producer  *evaluation.Producer
	metrics   *metrics.Metrics
	publisher events.Publisher
	closers   []func()
}

func newPipeline(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*pipeline, error) {
	p := &pipeline{metrics: metrics.New(reg)}

	switch cfg.Store {
	case config.StoreMemory:
		ms := memstore.New()
		seedDemo(ms)
		p.queue, p.entities = ms, ms
	default:
		db, err := newPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		p.closers = append(p.closers, db.Close)
		st := store.New(db)
		p.queue, p.entities = st, st
	}

	p.producer = evaluation.NewProducer(p.queue, p.entities, evaluation.ProducerConfig{
		MaxContentBytes: cfg.MaxContentBytes,
		MaxAttempts:     cfg.MaxAttempts,
	})
	p.producer.SetMetrics(p.metrics)

	p.publisher = p.newPublisher(cfg)
	return p, nil
}

// newPublisher fans terminal events out to every configured sink. Events are
// best effort: a sink that cannot be set up is logged and skipped.
func (p *pipeline) newPublisher(cfg *config.Config) events.Publisher {
	var sinks events.Multi
	if cfg.AMQPURL != "" {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			slog.Warn("amqp event publishing disabled", "error", err)
		} else {
			sinks = append(sinks, pub)
			p.closers = append(p.closers, func() {
				if err := pub.Close(); err != nil {
					slog.Warn("close amqp publisher", "error", err)
				}
			})
		}
	}
	if cfg.WebhookURL != "" {
		pub, err := events.NewWebhookPublisher(events.BuildSafeClient(), events.WebhookConfig{
			URL:                    cfg.WebhookURL,
			SigningSecret:          cfg.WebhookSigningSecret,
			SigningSecretSecondary: cfg.WebhookSigningSecretSecondary,
		})
		if err != nil {
			slog.Warn("webhook event publishing disabled", "error", err)
		} else {
			sinks = append(sinks, pub)
		}
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return sinks
}

// Close releases resources in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// workerPool builds the pool, or returns nil when workers are disabled. A
// scorer construction failure is returned so serve can continue without
// workers.
func (p *pipeline) workerPool(ctx context.Context, cfg *config.Config) (*worker.Pool, error) {
	if !cfg.WorkersEnabled {
		return nil, nil
	}
	scorer, closeScorer, err := newScorer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeScorer != nil {
		p.closers = append(p.closers, closeScorer)
	}

	pool := worker.New(p.queue, p.entities, scorer, worker.Config{
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		LeaseTimeout:       cfg.WorkerLeaseTimeout,
		StaleCheckInterval: cfg.WorkerStaleCheckInterval,
		ScoreTimeout:       cfg.ScoreTimeout,
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
	})
	pool.SetMetrics(p.metrics)
	if p.publisher != nil {
		pool.SetPublisher(p.publisher)
	}
	p.producer.OnEnqueue(pool.Wake)
	return pool, nil
}

// monitor builds the health monitor. pool may be nil.
func (p *pipeline) monitor(cfg *config.Config, pool *worker.Pool) *health.Monitor {
	var local health.LocalWorkers
	if pool != nil {
		local = pool
	}
	m := health.NewMonitor(p.queue, local, health.Config{
		WorkersEnabled:    cfg.WorkersEnabled,
		LivenessThreshold: cfg.EffectiveLivenessThreshold(),
	})
	m.SetMetrics(p.metrics)
	return m
}

func (p *pipeline) backfiller(cfg *config.Config) *evaluation.Backfiller {
	return evaluation.NewBackfiller(p.producer, p.entities, cfg.BackfillMaxLimit)
}

// newScorer builds the configured scoring client. The returned close func
// may be nil.
func newScorer(ctx context.Context, cfg *config.Config) (evaluation.Scorer, func(), error) {
	switch cfg.ScoringProvider {
	case config.ProviderGemini:
		g, err := scoring.NewGemini(ctx, scoring.GeminiConfig{
			Project:     cfg.GeminiProject,
			Location:    cfg.GeminiLocation,
			Models:      cfg.GeminiModels,
			Temperature: cfg.ScoringTemperature,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				slog.Warn("close gemini client", "error", err)
			}
		}, nil
	case config.ProviderOpenAI:
		o, err := scoring.NewOpenAI(scoring.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Temperature: cfg.ScoringTemperature,
		})
		if err != nil {
			return nil, nil, err
		}
		return o, nil, nil
	case config.ProviderStub:
		return scoring.Static{
			Result: evaluation.Result{OverallScore: 7, BloomsLevel: "understand", Model: "stub"},
			Delay:  50 * time.Millisecond,
		}, nil, nil
	}
	return nil, nil, errors.New("unknown scoring provider " + cfg.ScoringProvider)
}

// seedDemo populates the in-memory store with one AI-enabled activity so the
// API has something to evaluate in development.
func seedDemo(ms *memstore.Store) {
	act := ms.AddActivity(memstore.Activity{
		Name:                "Demo activity",
		Subject:             "Biology",
		AIEvaluationEnabled: true,
	})
	q := ms.AddQuestion(act, "Explain how photosynthesis converts light into chemical energy.")
	r := ms.AddResponse(q, "Chlorophyll absorbs light, which drives the production of glucose from CO2 and water.")
	slog.Info("memory store seeded", "activity_id", act, "question_id", q, "response_id", r)
}
