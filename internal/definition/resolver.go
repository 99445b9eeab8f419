package definition

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// Resolver serves active procedure configs from a cache in front of the
// Store. Only found configs are cached; a miss always reaches the store.
type Resolver struct {
	store     Store
	validator *Validator
	fallback  []string
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]model.ProcedureConfig
	gen   uint64 // bumped on every invalidation
}

// NewResolver creates a Resolver. fallbackFinals are the final states used
// for procedure types without an active config.
func NewResolver(store Store, fallbackFinals []string, metrics *observability.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		validator: NewValidator(),
		fallback:  append([]string(nil), fallbackFinals...),
		metrics:   metrics,
		logger:    logger,
		cache:     make(map[string]model.ProcedureConfig),
	}
}

// GetActiveConfig returns the active config of procedureType, or
// CONFIG_NOT_FOUND.
func (r *Resolver) GetActiveConfig(ctx context.Context, procedureType string) (*model.ProcedureConfig, error) {
	r.mu.RLock()
	cfg, ok := r.cache[procedureType]
	gen := r.gen
	r.mu.RUnlock()
	observability.Event(ctx, "procedure_config",
		observability.AttrProcedureType.String(procedureType), observability.AttrCacheHit.Bool(ok))
	if ok {
		r.metrics.RecordConfigCacheHit()
		return &cfg, nil
	}
	r.metrics.RecordConfigCacheMiss()

	cfg, err := r.store.ActiveConfig(ctx, procedureType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.gen == gen {
		r.cache[procedureType] = cfg
	}
	r.mu.Unlock()
	r.logger.Debug("procedure config cached",
		zap.String("procedure_type", procedureType),
		zap.Int("version", cfg.Version),
	)
	return &cfg, nil
}

// GetFinalStates returns the final states of procedureType, falling back to
// the configured defaults when no config is active or the store fails.
func (r *Resolver) GetFinalStates(ctx context.Context, procedureType string) map[string]bool {
	states := r.fallback
	cfg, err := r.GetActiveConfig(ctx, procedureType)
	switch {
	case err == nil:
		states = cfg.Config.Finals()
	case !model.IsCode(err, model.ErrConfigNotFound):
		r.logger.Warn("final states lookup failed, using fallback",
			zap.String("procedure_type", procedureType),
			zap.Error(err),
		)
	}

	set := make(map[string]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

// IsFinalState reports whether state is final for procedureType.
func (r *Resolver) IsFinalState(ctx context.Context, procedureType, state string) bool {
	return r.GetFinalStates(ctx, procedureType)[state]
}

// Label returns the display label of a procedure type.
func (r *Resolver) Label(ctx context.Context, procedureType string) string {
	if cfg, err := r.GetActiveConfig(ctx, procedureType); err == nil && cfg.Config.Label != "" {
		return cfg.Config.Label
	}
	return model.Humanize(procedureType)
}

// ClearCache drops every cached config.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]model.ProcedureConfig)
	r.gen++
	r.mu.Unlock()
	r.logger.Info("procedure config cache cleared")
}

// Invalidate drops the cached config of one procedure type.
func (r *Resolver) Invalidate(procedureType string) {
	r.mu.Lock()
	delete(r.cache, procedureType)
	r.gen++
	r.mu.Unlock()
}

// Activate validates def, stores it as the next active version of
// procedureType, and invalidates the cache before returning.
func (r *Resolver) Activate(ctx context.Context, procedureType string, def model.ProcedureDefinition, actor string) (*model.ProcedureConfig, error) {
	ctx, span := observability.StartSpan(ctx, "definition.activate_config",
		observability.AttrProcedureType.String(procedureType),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if err = AsError(r.validator.ValidateProcedure("config", procedureType, &def)); err != nil {
		return nil, err
	}

	var stored model.ProcedureConfig
	stored, err = r.store.ActivateConfig(ctx, model.ProcedureConfig{
		ID:            uuid.New().String(),
		ProcedureType: procedureType,
		Config:        def,
		CreatedBy:     actor,
	})
	if err != nil {
		return nil, err
	}
	r.Invalidate(procedureType)
	r.metrics.RecordConfigActivation(procedureType)

	r.logger.Info("procedure config activated",
		zap.String("procedure_type", procedureType),
		zap.Int("version", stored.Version),
		zap.String("actor", actor),
	)
	return &stored, nil
}

// History returns every stored version of procedureType, newest first.
func (r *Resolver) History(ctx context.Context, procedureType string) ([]model.ProcedureConfig, error) {
	return r.store.ListConfigs(ctx, procedureType)
}

// Active returns the active config of every procedure type.
func (r *Resolver) Active(ctx context.Context) ([]model.ProcedureConfig, error) {
	return r.store.ListActiveConfigs(ctx)
}
