package main

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/agent"
	"github.com/sells-group/webcheck/internal/browser"
	"github.com/sells-group/webcheck/internal/evidence"
	"github.com/sells-group/webcheck/internal/extract"
	"github.com/sells-group/webcheck/internal/fusion"
	"github.com/sells-group/webcheck/internal/judge"
	"github.com/sells-group/webcheck/internal/limiter"
	"github.com/sells-group/webcheck/internal/metrics"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/ocr"
	"github.com/sells-group/webcheck/internal/orchestrator"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/resource"
	"github.com/sells-group/webcheck/internal/store"
	anthropicpkg "github.com/sells-group/webcheck/pkg/anthropic"
	"github.com/sells-group/webcheck/pkg/jina"
)

const (
	clientMemEstimate    = 4 << 20
	ocrWorkerMemEstimate = 128 << 20
)

// offlineLatency keeps offline runs from finishing every row in the same
// instant so parallelism and ordering still show up in the logs.
const offlineLatency = 5 * time.Millisecond

// envOptions selects how the validation environment is wired.
type envOptions struct {
	// Offline replaces the browser, extractor and judge with local stubs
	// built from the input rows.
	Offline bool
	// DeadLetter queues failed rows for replay.
	DeadLetter bool
	// Plan and Rows feed the offline page loader. Ignored online.
	Plan *model.Plan
	Rows []model.Row
}

// validatorEnv holds everything the validate, retry and serve commands
// need to drive rows through the orchestrator.
type validatorEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Breakers     *resilience.RoleBreakers
	Metrics      *metrics.Collector
	Registry     *prometheus.Registry
	Retry        resilience.RetryConfig
}

// Close shuts the orchestrator down and closes the store.
func (e *validatorEnv) Close(ctx context.Context) {
	if e.Orchestrator != nil {
		if err := e.Orchestrator.Shutdown(ctx); err != nil {
			zap.L().Warn("orchestrator shutdown incomplete", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store and runs its migration.
func initStore(ctx context.Context) (store.Store, error) {
	dsn := cfg.Store.Path
	if cfg.Store.Driver == "postgres" {
		dsn = cfg.Store.DatabaseURL
	}
	st, err := store.Open(ctx, cfg.Store.Driver, dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	return st, nil
}

// initEnv opens the store and builds the orchestrator with all of its
// collaborators. Callers should defer env.Close().
func initEnv(ctx context.Context, opts envOptions) (*validatorEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(st, opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the orchestrator on top of an open store.
func buildEnv(st store.Store, opts envOptions) (*validatorEnv, error) {
	log := zap.L()
	oc := cfg.Orchestrator

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg, log)

	perRole := make(map[model.Role]int, len(oc.PerRoleLimits))
	for name, n := range oc.PerRoleLimits {
		role, err := model.ParseRole(name)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator.per_role_limits")
		}
		perRole[role] = n
	}

	lim := limiter.New(limiter.Config{
		Global:           oc.MaxConcurrentTasks,
		PerRole:          perRole,
		TaskTimeout:      oc.TaskTimeout(),
		AdmissionTimeout: oc.AdmissionTimeout(),
	}, log)
	resources := resource.NewRegistry(lim, log)

	breakers := resilience.NewRoleBreakers(
		resilience.FromCircuitConfig(oc.CircuitBreakerThreshold, oc.CircuitBreakerWindowSecs, oc.CircuitBreakerCooldownMs, oc.CircuitBreakerMaxCooldownMs),
		m.RecordCircuit,
	)
	retry := resilience.FromRetryConfig(oc.RetryAttempts, oc.RetryBaseDelayMs, oc.RetryMaxDelayMs, 2.0, oc.RetryJitter)

	agents, err := buildAgents(st, resources, opts)
	if err != nil {
		return nil, err
	}

	instances := make(map[model.Role]int, len(model.AllRoles()))
	for _, role := range model.AllRoles() {
		n, ok := perRole[role]
		if !ok || n > oc.MaxConcurrentTasks {
			n = oc.MaxConcurrentTasks
		}
		instances[role] = n
	}
	pool, err := agent.NewPool(agents, agent.PoolConfig{
		Instances:        instances,
		AdmissionTimeout: oc.AdmissionTimeout(),
	}, log)
	if err != nil {
		return nil, err
	}

	o, err := orchestrator.New(orchestrator.Config{
		OCRThreshold:    cfg.Validation.OCRThreshold,
		ParallelWorkers: oc.ParallelWorkers,
		ShutdownTimeout: oc.ShutdownTimeout(),
		DeadLetter:      opts.DeadLetter,
	}, orchestrator.Deps{
		Pool:     pool,
		Limiter:  lim,
		Breakers: breakers,
		Policy:   resilience.NewPolicy(retry),
		Fusion: fusion.New(fusion.Config{
			MinimumField:   cfg.Validation.MinimumFieldConfidence,
			MinimumOverall: cfg.Validation.MinimumOverallConfidence,
		}),
		Resources: resources,
		Metrics:   m,
		Heuristic: judge.Heuristic{NumericTolerance: cfg.Validation.NumericTolerance},
	}, log)
	if err != nil {
		return nil, err
	}

	return &validatorEnv{
		Store:        st,
		Orchestrator: o,
		Breakers:     breakers,
		Metrics:      m,
		Registry:     reg,
		Retry:        retry,
	}, nil
}

// buildAgents returns one agent per role. OCR is left out when the
// provider is "none" or the run is offline.
func buildAgents(st store.Store, resources *resource.Registry, opts envOptions) ([]agent.Agent, error) {
	log := zap.L()
	heuristic := judge.Heuristic{NumericTolerance: cfg.Validation.NumericTolerance}
	judgeTimeout := time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second

	var sink evidence.Sink = evidence.Discard{}
	if cfg.Evidence.Enabled {
		sink = evidence.NewOSSink(cfg.Evidence.Dir)
	}

	agents := []agent.Agent{
		agent.NewEvidenceAgent(sink),
		agent.NewCoordinatorAgent(st, cfg.Store.DLQMaxRetry),
	}

	if opts.Offline {
		loader := browser.NewStaticLoader(opts.Plan, opts.Rows, offlineLatency)
		agents = append(agents,
			agent.NewNavigatorAgent(browser.NewNavigator(loader, false, log)),
			agent.NewExtractorAgent(extract.NewStaticExtractor()),
			agent.NewValidatorAgent(heuristic, judgeTimeout),
		)
		log.Info("offline mode: using static pages and heuristic judge")
		return agents, nil
	}

	loader, err := buildLoader(resources)
	if err != nil {
		return nil, err
	}
	validator, err := buildJudge(resources, heuristic, judgeTimeout)
	if err != nil {
		return nil, err
	}
	agents = append(agents,
		agent.NewNavigatorAgent(browser.NewNavigator(loader, cfg.Browser.Screenshot, log)),
		agent.NewExtractorAgent(extract.NewDOMExtractor()),
		agent.NewValidatorAgent(validator, judgeTimeout),
	)

	reader, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, err
	}
	if reader == nil {
		zap.L().Debug("ocr disabled")
		return agents, nil
	}
	if err := registerClient(resources, model.RoleOCRSpecialist, resource.KindOCRWorker, "ocr:"+cfg.OCR.Provider, ocrWorkerMemEstimate, reader); err != nil {
		return nil, err
	}
	return append(agents, agent.NewOCRAgent(ocr.NewFieldReader(reader))), nil
}

// registerClient tracks a long-lived collaborator so shutdown releases it.
// Clients that implement io.Closer are closed on release.
func registerClient(resources *resource.Registry, role model.Role, kind resource.Kind, name string, memEstimate int64, client any) error {
	var release func() error
	if c, ok := client.(io.Closer); ok {
		release = c.Close
	}
	if _, err := resources.Register(role, kind, name, memEstimate, release); err != nil {
		return eris.Wrapf(err, "register %s", name)
	}
	return nil
}

// buildLoader returns the page loader for browser.engine.
func buildLoader(resources *resource.Registry) (browser.Loader, error) {
	log := zap.L()
	bc := cfg.Browser
	timeout := time.Duration(bc.TimeoutSecs) * time.Second

	httpLoader := browser.NewHTTPLoader(browser.HTTPOptions{
		Timeout:    timeout,
		UserAgent:  bc.UserAgent,
		RatePerSec: bc.RatePerSec,
		MaxBody:    bc.MaxBodyBytes,
	})
	chrome := browser.NewChromeLoader(browser.ChromeOptions{
		ExecPath:  bc.ChromePath,
		Headless:  bc.Headless,
		UserAgent: bc.UserAgent,
		Width:     bc.ViewportW,
		Height:    bc.ViewportH,
		Timeout:   timeout,
	}, resources, log)

	if err := registerClient(resources, model.RoleNavigator, resource.KindHTTPClient, "http", clientMemEstimate, httpLoader); err != nil {
		return nil, err
	}

	var reader browser.Loader
	if cfg.Jina.Key != "" {
		client := jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
		if err := registerClient(resources, model.RoleNavigator, resource.KindHTTPClient, "jina", clientMemEstimate, client); err != nil {
			return nil, err
		}
		reader = browser.NewJinaLoader(client, timeout)
	}

	switch bc.Engine {
	case "http":
		return httpLoader, nil
	case "chromedp":
		return chrome, nil
	case "jina":
		if reader == nil {
			return nil, resilience.NewConfigurationError("browser.engine jina requires jina.key")
		}
		return reader, nil
	case "chain", "":
		loaders := []browser.Loader{chrome, httpLoader}
		if reader != nil {
			loaders = append(loaders, reader)
		}
		return browser.NewChain(log, loaders...), nil
	default:
		return nil, resilience.NewConfigurationError("unknown browser.engine %q", bc.Engine)
	}
}

// buildJudge returns the LLM judge with heuristic fallback, or the
// heuristic alone when no Anthropic key is configured.
func buildJudge(resources *resource.Registry, h judge.Heuristic, timeout time.Duration) (judge.Judge, error) {
	if cfg.Anthropic.Key == "" {
		zap.L().Debug("WEBCHECK_ANTHROPIC_KEY not set, using heuristic judge")
		return h, nil
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
	if err := registerClient(resources, model.RoleValidator, resource.KindModelConnection, "anthropic", clientMemEstimate, client); err != nil {
		return nil, err
	}
	llm := judge.NewLLMJudge(client, judge.LLMConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: int64(cfg.Anthropic.MaxTokens),
		Timeout:   timeout,
	}, zap.L())
	return judge.NewFallback(llm, h, zap.L()), nil
}
