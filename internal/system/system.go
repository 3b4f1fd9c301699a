// Package system is the composition root: it builds the event bus, the agent
// registry, the four agents and the orchestrator from configuration, and
// exposes the runtime's public API.
package system

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/config"
	"github.com/normanking/halalcert/internal/data"
	"github.com/normanking/halalcert/internal/llm"
	"github.com/normanking/halalcert/internal/logging"
	"github.com/normanking/halalcert/internal/metrics"
	"github.com/normanking/halalcert/internal/orchestrator"
	"github.com/normanking/halalcert/internal/registrar"
)

//go:embed workflows.yaml
var builtinWorkflows []byte

// Version is set at build time with -ldflags.
var Version = "dev"

// ErrNotStarted is returned by Start-dependent calls before Start.
var ErrNotStarted = errors.New("system not started")

// Option customizes collaborators that would otherwise be built from config.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	classifier classification.Classifier
	source     extraction.Source
	profiles   stages.ProfileSource
	store      certificate.Store
	artifacts  certificate.ArtifactStore
	signer     *certificate.Signer
	now        func() time.Time
}

// WithLogger sets the root logger. The default discards output.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClassifier replaces the configured external classifier.
func WithClassifier(c classification.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithExtractionSource replaces the configured document sources.
func WithExtractionSource(s extraction.Source) Option {
	return func(o *options) { o.source = s }
}

// WithProfileSource replaces the configured organization profiles.
func WithProfileSource(p stages.ProfileSource) Option {
	return func(o *options) { o.profiles = p }
}

// WithCertificateStore replaces the configured certificate store.
func WithCertificateStore(s certificate.Store) Option {
	return func(o *options) { o.store = s }
}

// WithArtifacts replaces the configured artifact store.
func WithArtifacts(a certificate.ArtifactStore) Option {
	return func(o *options) { o.artifacts = a }
}

// WithSigner replaces the configured signing key.
func WithSigner(s *certificate.Signer) Option { return func(o *options) { o.signer = s } }

// WithClock sets the time source for certificates and execution pruning.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Status is the runtime summary returned by GetSystemStatus.
type Status struct {
	AgentCount       int                      `json:"agent_count"`
	Agents           []registrar.AgentInfo    `json:"agents"`
	Capabilities     []string                 `json:"capabilities"`
	Workflows        []string                 `json:"workflows"`
	ActiveExecutions int                      `json:"active_executions"`
	BusStats         bus.Stats                `json:"bus_stats"`
	Health           []registrar.HealthReport `json:"health,omitempty"`
	Metrics          metrics.Snapshot         `json:"metrics"`
	SigningKeyID     string                   `json:"signing_key_id,omitempty"`
	StartedAt        time.Time                `json:"started_at,omitzero"`
	Uptime           time.Duration            `json:"uptime"`
}

// System owns every runtime component.
type System struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	bus          *bus.Bus
	registry     *registrar.Registry
	orchestrator *orchestrator.Orchestrator
	collector    *metrics.Collector
	signer       *certificate.Signer

	extraction     *extraction.Agent
	classification *classification.Agent
	stages         *stages.Agent
	certificates   *certificate.Agent

	closers []io.Closer

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	health    []registrar.HealthReport
	stopTick  context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the system from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &System{cfg: cfg, logger: o.logger, now: o.now}
	s.bus = bus.NewBusWithConfig(cfg.Bus.HistorySize, logging.Component(o.logger, "bus"))
	s.registry = registrar.New(s.bus, logging.Component(o.logger, "registry"), cfg.Registry.HealthTimeout)
	s.collector = metrics.NewCollector(s.bus)

	if err := s.buildAgents(o); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	if err := s.buildOrchestrator(); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *System) buildAgents(o options) error {
	cfg := s.cfg

	source := o.source
	if source == nil {
		sources := extraction.DefaultSources(cfg.Extraction.FileRoot)
		if cfg.Extraction.ServiceURL != "" {
			svc := extraction.NewServiceSource(cfg.Extraction.ServiceURL, cfg.Extraction.Timeout)
			for _, kind := range extraction.ServiceKinds {
				sources[kind] = svc
			}
		}
		source = sources
	}
	s.extraction = extraction.NewAgent(source, s.bus, logging.Component(s.logger, extraction.AgentID))

	classifier := o.classifier
	if classifier == nil {
		var err error
		if classifier, err = buildClassifier(cfg); err != nil {
			return err
		}
	}
	kb, err := loadKnowledgeBase(cfg.Classification.KnowledgeBase)
	if err != nil {
		return err
	}
	engine := classification.NewEngine(kb, classifier, logging.Component(s.logger, "classification-engine"))
	s.classification = classification.NewAgent(engine, s.bus, logging.Component(s.logger, classification.AgentID))

	profiles := o.profiles
	if profiles == nil {
		if cfg.Stages.ProfilesFile != "" {
			fp, err := stages.NewFileProfileSource(cfg.Stages.ProfilesFile)
			if err != nil {
				return err
			}
			profiles = fp
		} else {
			profiles = stages.StaticProfiles{}
		}
	}
	s.stages = stages.NewAgent(profiles, s.bus, logging.Component(s.logger, stages.AgentID))

	store := o.store
	if store == nil {
		switch cfg.Certificate.Store {
		case config.StoreSQLite:
			db, err := data.OpenCertificateStore(cfg.Certificate.DBPath)
			if err != nil {
				return err
			}
			s.closers = append(s.closers, db)
			store = db
		default:
			store = certificate.NewMemoryStore()
		}
	}

	artifacts := o.artifacts
	if artifacts == nil {
		if cfg.Certificate.ArtifactDir != "" {
			dir, err := certificate.NewDirArtifacts(cfg.Certificate.ArtifactDir)
			if err != nil {
				return err
			}
			artifacts = dir
		} else {
			artifacts = certificate.NewMemoryArtifacts()
		}
	}

	renderer, err := certificate.NewRenderer(cfg.Certificate.TemplateDir)
	if err != nil {
		return err
	}

	signer := o.signer
	if signer == nil {
		var warnings []string
		signer, warnings, err = certificate.LoadSigner(cfg.Certificate.Signing)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			s.logger.Warn().Str("component", "signing").Msg(w)
		}
	}
	s.signer = signer

	s.certificates, err = certificate.NewAgent(certificate.Options{
		Store:     store,
		Artifacts: artifacts,
		Renderer:  renderer,
		Signer:    signer,
		Validity:  time.Duration(cfg.Certificate.ValidityDays) * 24 * time.Hour,
		Issuer:    cfg.Certificate.Issuer,
		Now:       s.now,
	}, s.bus, logging.Component(s.logger, certificate.AgentID))
	return err
}

func buildClassifier(cfg *config.Config) (classification.Classifier, error) {
	c := cfg.Classification
	switch c.Classifier {
	case config.ClassifierService:
		return classification.NewServiceClassifier(c.ServiceURL, c.APIKey, c.Timeout), nil
	case config.ClassifierLLM:
		pc, ok := cfg.LLM.Provider("")
		if !ok {
			return nil, fmt.Errorf("llm provider %q is not configured", cfg.LLM.DefaultProvider)
		}
		provider, err := llm.NewProvider(pc)
		if err != nil {
			return nil, err
		}
		return classification.NewLLMClassifier(provider, pc.Model), nil
	default:
		return classification.OfflineClassifier{}, nil
	}
}

func loadKnowledgeBase(path string) (*classification.KnowledgeBase, error) {
	if path == "" {
		return classification.DefaultKnowledgeBase()
	}
	return classification.LoadKnowledgeBase(path)
}

func (s *System) buildOrchestrator() error {
	s.orchestrator = orchestrator.New(s.registry, s.bus, logging.Component(s.logger, "orchestrator"),
		orchestrator.WithRetention(s.cfg.Orchestrator.Retention),
		orchestrator.WithClock(s.now),
	)
	for name, fn := range transforms() {
		if err := s.orchestrator.RegisterTransform(name, fn); err != nil {
			return err
		}
	}
	defs, err := orchestrator.ParseDefinitions(builtinWorkflows)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := s.orchestrator.RegisterDefinition(def); err != nil {
			return err
		}
	}
	if path := s.cfg.Orchestrator.WorkflowsFile; path != "" {
		if err := s.orchestrator.LoadDefinitions(path); err != nil {
			return err
		}
	}
	return nil
}

// Start registers the agents, starts the metrics collector and the
// health/pruning ticker.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return bus.ErrClosed
	}

	if err := s.collector.Start(); err != nil {
		s.abortStart(ctx)
		return fmt.Errorf("start metrics: %w", err)
	}
	for _, a := range []agent.Agent{s.extraction, s.classification, s.stages, s.certificates} {
		if err := s.registry.Register(ctx, a); err != nil {
			s.abortStart(ctx)
			return fmt.Errorf("register %s: %w", a.Identity().ID, err)
		}
	}

	s.startedAt = s.now()
	s.started = true

	tickCtx, cancel := context.WithCancel(logging.DetachContext(ctx))
	s.stopTick = cancel
	if interval := s.cfg.System.HealthInterval; interval > 0 {
		s.wg.Add(1)
		go s.maintain(tickCtx, interval)
	}

	s.logger.Info().
		Int("agents", s.registry.Count()).
		Int("workflows", len(s.orchestrator.Definitions())).
		Str("signing_key", s.signingKeyID()).
		Msg("system started")
	return nil
}

// abortStart undoes a partial Start: agents already registered are shut
// down, their subscriptions dropped, and the store and bus released. The
// System cannot be started again. Called with mu held.
func (s *System) abortStart(ctx context.Context) {
	if err := s.registry.ShutdownAll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("shutdown after failed start")
	}
	s.collector.Stop()
	if err := s.closeResources(); err != nil {
		s.logger.Warn().Err(err).Msg("close after failed start")
	}
	_ = s.bus.Close()
	s.stopped = true
}

func (s *System) maintain(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
			if n := s.orchestrator.Prune(s.now()); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("pruned finished executions")
			}
		}
	}
}

// CheckHealth probes every agent and caches the reports for GetSystemStatus.
func (s *System) CheckHealth(ctx context.Context) []registrar.HealthReport {
	reports := s.registry.HealthCheck(ctx)
	s.mu.Lock()
	s.health = reports
	s.mu.Unlock()
	return reports
}

// Shutdown stops the ticker, shuts the agents down and releases the store
// and the bus. It is safe to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	if s.stopTick != nil {
		s.stopTick()
	}
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	if started {
		if err := s.registry.ShutdownAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.collector.Stop()
	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}
	if err := s.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
		errs = append(errs, err)
	}
	s.logger.Info().Msg("system stopped")
	return errors.Join(errs...)
}

func (s *System) closeResources() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *System) signingKeyID() string {
	if s.signer == nil {
		return ""
	}
	return s.signer.KeyID()
}

// Bus exposes the event bus to transports.
func (s *System) Bus() *bus.Bus { return s.bus }

// Registry exposes the agent registry to transports.
func (s *System) Registry() *registrar.Registry { return s.registry }

// Config returns the configuration the system was built from.
func (s *System) Config() *config.Config { return s.cfg }

// Metrics returns the collector's current counters.
func (s *System) Metrics() metrics.Snapshot { return s.collector.Snapshot() }

// GetSystemStatus summarizes the runtime. Health holds the most recent
// CheckHealth reports.
func (s *System) GetSystemStatus() Status {
	defs := s.orchestrator.Definitions()
	workflows := make([]string, 0, len(defs))
	for _, d := range defs {
		workflows = append(workflows, d.ID)
	}

	s.mu.Lock()
	startedAt := s.startedAt
	health := append([]registrar.HealthReport(nil), s.health...)
	s.mu.Unlock()

	st := Status{
		AgentCount:       s.registry.Count(),
		Agents:           s.registry.Agents(),
		Capabilities:     s.registry.Capabilities(),
		Workflows:        workflows,
		ActiveExecutions: s.orchestrator.ActiveExecutions(),
		BusStats:         s.bus.Stats(),
		Health:           health,
		Metrics:          s.collector.Snapshot(),
		SigningKeyID:     s.signingKeyID(),
		StartedAt:        startedAt,
	}
	if !startedAt.IsZero() {
		st.Uptime = s.now().Sub(startedAt)
	}
	return st
}
