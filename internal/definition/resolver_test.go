package definition

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// countingStore counts ActiveConfig calls reaching the store.
type countingStore struct {
	*MemoryStore
	mu    sync.Mutex
	reads int
}

func (c *countingStore) ActiveConfig(ctx context.Context, pt string) (model.ProcedureConfig, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MemoryStore.ActiveConfig(ctx, pt)
}

func newTestResolver(t *testing.T) (*Resolver, *countingStore, *observability.Metrics) {
	t.Helper()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewResolver(store, []string{"completed", "resolved"}, metrics, nil), store, metrics
}

func TestResolver_config_not_found(t *testing.T) {
	r, _, _ := newTestResolver(t)
	_, err := r.GetActiveConfig(context.Background(), "loans_out")
	if !model.IsCode(err, model.ErrConfigNotFound) {
		t.Fatalf("GetActiveConfig() error = %v, want CONFIG_NOT_FOUND", err)
	}
}

func TestResolver_caches_hits(t *testing.T) {
	r, store, metrics := newTestResolver(t)
	ctx := context.Background()
	if _, err := r.Activate(ctx, "loans_out", validProcedure(), "u-admin"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.GetActiveConfig(ctx, "loans_out"); err != nil {
			t.Fatalf("GetActiveConfig() error = %v", err)
		}
	}
	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1", store.reads)
	}
	if hits := testutil.ToFloat64(metrics.ConfigCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}

	r.ClearCache()
	if _, err := r.GetActiveConfig(ctx, "loans_out"); err != nil {
		t.Fatalf("GetActiveConfig() error = %v", err)
	}
	if store.reads != 2 {
		t.Errorf("store reads after ClearCache = %d, want 2", store.reads)
	}
}

func TestResolver_Activate_invalidates(t *testing.T) {
	r, _, metrics := newTestResolver(t)
	ctx := context.Background()

	if _, err := r.Activate(ctx, "loans_out", validProcedure(), "u-admin"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	first, _ := r.GetActiveConfig(ctx, "loans_out")

	next := validProcedure()
	next.Label = "Outgoing loans"
	stored, err := r.Activate(ctx, "loans_out", next, "u-admin")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if stored.Version != first.Version+1 {
		t.Errorf("Version = %d, want %d", stored.Version, first.Version+1)
	}

	got, _ := r.GetActiveConfig(ctx, "loans_out")
	if got.Version != stored.Version || got.Config.Label != "Outgoing loans" {
		t.Errorf("GetActiveConfig() after Activate = v%d %q, want fresh config", got.Version, got.Config.Label)
	}
	if r.Label(ctx, "loans_out") != "Outgoing loans" {
		t.Errorf("Label() = %q", r.Label(ctx, "loans_out"))
	}
	if n := testutil.ToFloat64(metrics.ConfigActivationsTotal.WithLabelValues("loans_out")); n != 2 {
		t.Errorf("activations = %v, want 2", n)
	}

	history, err := r.History(ctx, "loans_out")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || !history[0].IsActive || history[1].IsActive {
		t.Errorf("History() = %+v", history)
	}
}

func TestResolver_Activate_rejects_invalid_graph(t *testing.T) {
	r, store, _ := newTestResolver(t)
	def := validProcedure()
	def.FinalStates = []string{"approved"}

	_, err := r.Activate(context.Background(), "loans_out", def, "u-admin")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Activate() error = %v, want VALIDATION_ERROR", err)
	}
	if cfgs, _ := store.ListConfigs(context.Background(), "loans_out"); len(cfgs) != 0 {
		t.Error("invalid config should not be stored")
	}
}

func TestResolver_final_states(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	if !r.IsFinalState(ctx, "condition_check", "completed") || !r.IsFinalState(ctx, "condition_check", "resolved") {
		t.Error("fallback finals should apply without a config")
	}
	if r.IsFinalState(ctx, "condition_check", "returned") {
		t.Error("returned is not a fallback final")
	}

	if _, err := r.Activate(ctx, "loans_out", validProcedure(), "u-admin"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	finals := r.GetFinalStates(ctx, "loans_out")
	if len(finals) != 1 || !finals["returned"] {
		t.Errorf("GetFinalStates() = %v, want {returned}", finals)
	}
	if r.IsFinalState(ctx, "loans_out", "completed") {
		t.Error("configured procedure must not use fallback finals")
	}
}

func TestResolver_Label_fallback(t *testing.T) {
	r, _, _ := newTestResolver(t)
	if got := r.Label(context.Background(), "loans_in"); got != "Loans In" {
		t.Errorf("Label() = %q, want Loans In", got)
	}
}

func TestResolver_concurrent_reads(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()
	if _, err := r.Activate(ctx, "loans_out", validProcedure(), "u-admin"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				r.Invalidate("loans_out")
			}
			if _, err := r.GetActiveConfig(ctx, "loans_out"); err != nil {
				t.Errorf("GetActiveConfig() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
}
