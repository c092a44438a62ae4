// Package registry collects the pluggable pieces of the pipeline: parsers,
// hydrators, filters, routers, escalators, config providers and inputs.
// The scheduler only processes source types that have a parser registered.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/logging"
)

// sourceTypeFuncs holds per-source-type ordered function lists plus a
// global bucket that applies to every source type.
type sourceTypeFuncs[T any] struct {
	specific map[string][]T
	global   []T
}

func (s *sourceTypeFuncs[T]) add(fn T, sourceTypes []string) {
	if len(sourceTypes) == 0 {
		s.global = append(s.global, fn)
		return
	}
	if s.specific == nil {
		s.specific = make(map[string][]T)
	}
	for _, st := range sourceTypes {
		s.specific[st] = append(s.specific[st], fn)
	}
}

// forSourceType returns the source type specific functions followed by the
// global ones, in registration order.
func (s *sourceTypeFuncs[T]) forSourceType(sourceType string) []T {
	funcs := make([]T, 0, len(s.specific[sourceType])+len(s.global))
	funcs = append(funcs, s.specific[sourceType]...)
	return append(funcs, s.global...)
}

func (s *sourceTypeFuncs[T]) hasAny(sourceType string) bool {
	return len(s.global) > 0 || len(s.specific[sourceType]) > 0
}

// Registry is the wiring surface an embedding application uses to describe
// its sources. Registration happens at startup, reads happen on every
// scheduling pass.
type Registry struct {
	mu sync.RWMutex

	parsers         map[string]Parser
	hydrators       sourceTypeFuncs[Hydrator]
	filters         sourceTypeFuncs[Filter]
	routers         sourceTypeFuncs[Router]
	escalators      sourceTypeFuncs[Escalator]
	configProviders map[string]ConfigProvider
	realTime        map[string]struct{}
	overrides       map[string]config.BatchOverrides

	factories []InputFactory
	inputs    []Input
}

func New() *Registry {
	return &Registry{
		parsers:         make(map[string]Parser),
		configProviders: make(map[string]ConfigProvider),
		realTime:        make(map[string]struct{}),
		overrides:       make(map[string]config.BatchOverrides),
	}
}

// RegisterParser binds the parser of a source type. A second registration
// for the same source type replaces the first.
func (r *Registry) RegisterParser(sourceType string, parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[sourceType] = parser
}

// RegisterHydrator adds a hydrator, global when no source types are given.
func (r *Registry) RegisterHydrator(hydrator Hydrator, sourceTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrators.add(hydrator, sourceTypes)
}

// RegisterFilter adds a filter, global when no source types are given.
func (r *Registry) RegisterFilter(filter Filter, sourceTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters.add(filter, sourceTypes)
}

// RegisterRouter adds a router, global when no source types are given.
func (r *Registry) RegisterRouter(router Router, sourceTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers.add(router, sourceTypes)
}

// RegisterEscalator adds an escalator, global when no source types are
// given.
func (r *Registry) RegisterEscalator(escalator Escalator, sourceTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalators.add(escalator, sourceTypes)
}

// RegisterConfigProvider binds the per-event config provider of a
// real-time source type.
func (r *Registry) RegisterConfigProvider(sourceType string, provider ConfigProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configProviders[sourceType] = provider
}

// SetRealTime marks source types as real-time: their events are routed
// unconditionally and escalation is driven by the non-addressed sweep.
func (r *Registry) SetRealTime(sourceTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range sourceTypes {
		r.realTime[st] = struct{}{}
	}
}

// SetConfig records processing overrides for a source type, applied on top
// of the configured defaults on every pass.
func (r *Registry) SetConfig(sourceType string, overrides config.BatchOverrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[sourceType] = overrides
}

// RegisterInput adds an input factory, started with the ingestion callback
// when the scheduler starts.
func (r *Registry) RegisterInput(factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, factory)
}

// ParserSourceTypes returns the source types with a parser, sorted so
// passes walk them in a stable order.
func (r *Registry) ParserSourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.parsers))
	for st := range r.parsers {
		types = append(types, st)
	}
	sort.Strings(types)
	return types
}

// Parser returns the parser of a source type.
func (r *Registry) Parser(sourceType string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[sourceType]
	return p, ok
}

// Hydrators returns the hydrators that apply to a source type.
func (r *Registry) Hydrators(sourceType string) []Hydrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hydrators.forSourceType(sourceType)
}

// Filters returns the filters that apply to a source type.
func (r *Registry) Filters(sourceType string) []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filters.forSourceType(sourceType)
}

// Routers returns the routers that apply to a source type.
func (r *Registry) Routers(sourceType string) []Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routers.forSourceType(sourceType)
}

// Escalators returns the escalators that apply to a source type.
func (r *Registry) Escalators(sourceType string) []Escalator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.escalators.forSourceType(sourceType)
}

// ConfigProvider returns the per-event config provider of a source type.
func (r *Registry) ConfigProvider(sourceType string) (ConfigProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.configProviders[sourceType]
	return p, ok
}

// IsRealTime reports whether a source type was marked real-time.
func (r *Registry) IsRealTime(sourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.realTime[sourceType]
	return ok
}

// RealTimeSourceTypes returns the real-time source types, sorted.
func (r *Registry) RealTimeSourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.realTime))
	for st := range r.realTime {
		types = append(types, st)
	}
	sort.Strings(types)
	return types
}

// BatchConfig resolves the effective processing config of a source type:
// configured defaults, then the config file source section, then the
// registry overrides. The result is a fresh copy on every call.
func (r *Registry) BatchConfig(conf *config.SchedulerConfig, sourceType string) config.BatchConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := conf.Batch
	if fileOverrides, ok := conf.Sources[sourceType]; ok {
		merged = fileOverrides.Apply(merged)
	}
	if o, ok := r.overrides[sourceType]; ok {
		merged = o.Apply(merged)
	}
	return merged
}

// ValidateConfig checks the registration for dead ends. A parser whose
// events could never reach a router is deregistered with a warning, its
// events would only pile up unprocessed.
func (r *Registry) ValidateConfig(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := logging.FromContext(ctx)
	for sourceType := range r.parsers {
		if !r.routers.hasAny(sourceType) {
			logger.Warn("registry.parser_without_router",
				zap.String("source_type", sourceType))
			delete(r.parsers, sourceType)
		}
	}
}

// StartInputs instantiates every registered input with the ingestion
// callback. Inputs that fail to start stop the whole startup.
func (r *Registry) StartInputs(ctx context.Context, callback MessageCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, factory := range r.factories {
		input, err := factory(ctx, callback)
		if err != nil {
			return err
		}
		r.inputs = append(r.inputs, input)
	}
	return nil
}

// StopInputs stops every started input.
func (r *Registry) StopInputs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, input := range r.inputs {
		input.Stop()
	}
	r.inputs = nil
}
