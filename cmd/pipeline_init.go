package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/artifact"
	"github.com/sells-group/expense-extractor/internal/backend"
	"github.com/sells-group/expense-extractor/internal/compare"
	"github.com/sells-group/expense-extractor/internal/config"
	"github.com/sells-group/expense-extractor/internal/contextbuild"
	"github.com/sells-group/expense-extractor/internal/decompose"
	"github.com/sells-group/expense-extractor/internal/events"
	"github.com/sells-group/expense-extractor/internal/merge"
	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/ocr"
	"github.com/sells-group/expense-extractor/internal/pipeline"
	"github.com/sells-group/expense-extractor/internal/store"
	"github.com/sells-group/expense-extractor/internal/tracker"
	anthropicpkg "github.com/sells-group/expense-extractor/pkg/anthropic"
	"github.com/sells-group/expense-extractor/pkg/docai"
	"github.com/sells-group/expense-extractor/pkg/erp"
)

// pipelineEnv holds the initialized store, clients and shared components
// the run/resume/serve commands build pipelines from.
type pipelineEnv struct {
	Store      store.Store
	Artifacts  artifact.Store
	Bus        *events.Bus
	Tracker    *tracker.Tracker
	ERP        erp.Client
	Schema     *model.Schema
	Decomposer *decompose.Decomposer
	Builder    *contextbuild.Builder
	Anthropic  anthropicpkg.Client
	DocAI      docai.Client
	Presets    map[string]config.BackendPreset
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Bus != nil {
		pe.Bus.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initEnv sets up the store, artifact store, ERP and backend clients, and
// the shared pipeline components. Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	artifacts, err := initArtifacts(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := ocr.NewEngine(cfg.OCR)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	presets, err := config.LoadPresets(cfg.Pipeline.PresetPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := events.NewBus(cfg.Events.BufferSize)

	env := &pipelineEnv{
		Store:      st,
		Artifacts:  artifacts,
		Bus:        bus,
		Tracker:    tracker.New(st, bus),
		ERP:        erp.NewClient(cfg.ERP.BaseURL, cfg.ERP.Email, cfg.ERP.Password, erp.WithRateLimit(cfg.ERP.RatePerSec)),
		Schema:     model.DefaultExpenseSchema(),
		Decomposer: decompose.New(cfg.Decompose, engine),
		Builder:    contextbuild.New(cfg.Context),
		Anthropic:  anthropicpkg.NewClient(cfg.Anthropic.Key),
		Presets:    presets,
	}

	if cfg.DocAI.Enabled {
		if cfg.DocAI.BaseURL == "" {
			zap.L().Warn("docai enabled but base_url not set, backend disabled")
		} else {
			env.DocAI = docai.NewClient(cfg.DocAI.BaseURL, cfg.DocAI.Key, cfg.DocAI.Model)
		}
	}

	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initArtifacts(ctx context.Context) (artifact.Store, error) {
	switch cfg.Artifact.Backend {
	case "fs", "":
		return artifact.NewFS(cfg.Artifact.Root), nil
	case "gcs":
		if cfg.Artifact.Bucket == "" {
			return nil, eris.New("artifact backend gcs requires a bucket")
		}
		return artifact.NewGCS(ctx, cfg.Artifact.Bucket)
	default:
		return nil, eris.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
}

// newPipeline assembles a Pipeline honoring the run's options: backend
// preset, priority override and concurrency cap.
func (pe *pipelineEnv) newPipeline(opts model.RunOptions) (*pipeline.Pipeline, error) {
	priority := cfg.Merge.Priority
	enabled := map[string]bool{"llm": true, "docai": pe.DocAI != nil}

	if opts.BackendPreset != "" {
		preset, ok := pe.Presets[opts.BackendPreset]
		if !ok {
			return nil, eris.Errorf("unknown backend preset %q", opts.BackendPreset)
		}
		enabled = map[string]bool{}
		for _, name := range preset.Backends {
			enabled[name] = true
		}
		if len(preset.Priority) > 0 {
			priority = preset.Priority
		}
	}

	var backends []backend.Backend
	if enabled["llm"] {
		backends = append(backends, backend.NewLLM("llm", pe.Anthropic, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens))
	}
	if enabled["docai"] {
		if pe.DocAI == nil {
			return nil, eris.New("docai backend requested but not configured")
		}
		backends = append(backends, backend.NewDocAI("docai", pe.DocAI))
	}
	if len(backends) == 0 {
		return nil, eris.New("no extraction backends enabled")
	}

	concurrency := cfg.Pipeline.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}

	dispatcher := backend.NewDispatcher(
		backends,
		int64(concurrency),
		cfg.Pipeline.BackendRPS,
		time.Duration(cfg.Pipeline.BackendTimeoutSecs)*time.Second,
	)

	return pipeline.New(
		pipeline.Config{
			ItemConcurrency:      cfg.Pipeline.ItemConcurrency,
			AutoApproveThreshold: cfg.Pipeline.AutoApproveThreshold,
		},
		pe.Tracker,
		pe.ERP,
		pe.Decomposer,
		pe.Builder,
		dispatcher,
		pe.Artifacts,
		pe.Schema,
		merge.Config{
			DivergenceTolerance: cfg.Merge.DivergenceTolerance,
			RelativeTolerance:   cfg.Merge.RelativeTolerance,
			Priority:            priority,
		},
		compare.Config{
			AbsoluteTolerance: compareTolerance(),
			RelativeTolerance: cfg.Merge.RelativeTolerance,
		},
	), nil
}

func compareTolerance() float64 {
	if cfg.Compare.Tolerance > 0 {
		return cfg.Compare.Tolerance
	}
	return cfg.Merge.DivergenceTolerance
}
