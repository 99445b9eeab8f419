package capability

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// RolePolicy maps roles to the capabilities they grant.
type RolePolicy interface {
	Capabilities(roles []string) model.CapabilitySet
}

type cacheEntry struct {
	principal *model.Principal
	expires   time.Time
}

// Resolver is a model.Directory that caches principal lookups for a TTL and
// builds the request principal from the authenticated RequestContext.
type Resolver struct {
	dir        model.Directory
	policy     RolePolicy
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver over dir. policy may be nil when roles
// grant no capabilities.
func NewResolver(dir model.Directory, policy RolePolicy, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		dir:        dir,
		policy:     policy,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		cache:      make(map[string]cacheEntry),
	}
}

// Lookup returns the principal for userID, served from cache while fresh.
func (r *Resolver) Lookup(ctx context.Context, userID string) (*model.Principal, error) {
	r.mu.RLock()
	entry, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		r.metrics.RecordCapabilityCacheHit()
		return entry.principal, nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	p, err := r.dir.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictExpiredLocked()
	}
	if r.maxEntries <= 0 || len(r.cache) < r.maxEntries {
		r.cache[userID] = cacheEntry{principal: p, expires: time.Now().Add(r.ttl)}
	}
	r.mu.Unlock()
	return p, nil
}

// UsersWithRole is not cached; it is used for fan-out and auto-assignment.
func (r *Resolver) UsersWithRole(ctx context.Context, role string) ([]*model.Principal, error) {
	return r.dir.UsersWithRole(ctx, role)
}

// Invalidate drops the cached principal for userID.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Resolver) evictExpiredLocked() {
	now := time.Now()
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
		}
	}
}

// Principal builds the caller's principal. Identity and roles come from the
// request; the directory record, when present, contributes roles, name, the
// active flag, and clearance when the request carries none.
func (r *Resolver) Principal(ctx context.Context, rctx *model.RequestContext) (*model.Principal, error) {
	if rctx == nil || rctx.SubjectID == "" {
		return nil, model.NewUnauthorizedError("missing caller identity")
	}

	p := &model.Principal{
		ID:     rctx.SubjectID,
		Email:  rctx.Email,
		Roles:  append([]string(nil), rctx.Roles...),
		Active: true,
	}
	if rctx.ClearanceLevel != nil {
		p.ClearanceLevel = *rctx.ClearanceLevel
	}

	known, err := r.Lookup(ctx, rctx.SubjectID)
	switch {
	case err == nil:
		if !known.Active {
			return nil, model.NewForbiddenError("user account is inactive")
		}
		p.Name = known.Name
		if p.Email == "" {
			p.Email = known.Email
		}
		if rctx.ClearanceLevel == nil {
			p.ClearanceLevel = known.ClearanceLevel
		}
		for _, role := range known.Roles {
			if !p.HasRole(role) {
				p.Roles = append(p.Roles, role)
			}
		}
	case !model.IsCode(err, model.ErrNotFound):
		return nil, err
	}

	if r.policy != nil {
		p.Capabilities = r.policy.Capabilities(p.Roles)
	} else {
		p.Capabilities = make(model.CapabilitySet)
	}
	return p, nil
}
