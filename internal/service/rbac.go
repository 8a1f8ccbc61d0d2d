package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/metrics"
	"github.com/dtroode/academysync/internal/model"
	"github.com/dtroode/academysync/internal/policy"
)

// GrantCache caches resolved grants per user.
type GrantCache interface {
	Get(ctx context.Context, userID string) (policy.Grants, bool, error)
	Set(ctx context.Context, userID string, grants policy.Grants) error
	Invalidate(ctx context.Context) error
}

// PolicySource loads the current RBAC documents.
type PolicySource interface {
	Load(ctx context.Context) (policy.Set, error)
}

// StorePolicySource reads roles, permissions and assignments from the local
// store, laid over a static seed.
type StorePolicySource struct {
	store model.LocalStore
	seed  policy.Set
}

func NewStorePolicySource(store model.LocalStore, seed policy.Set) *StorePolicySource {
	return &StorePolicySource{store: store, seed: seed}
}

func (s *StorePolicySource) Load(ctx context.Context) (policy.Set, error) {
	var (
		roles       []model.Role
		permissions []model.Permission
		assignments []model.RoleAssignment
	)

	for _, c := range []model.Collection{model.CollectionRoles, model.CollectionPermissions, model.CollectionRoleAssignments} {
		recs, err := s.store.List(ctx, c)
		if err != nil {
			return policy.Set{}, fmt.Errorf("failed to list %s: %w", c, err)
		}
		for _, rec := range recs {
			doc, err := rec.Decode()
			if err != nil {
				return policy.Set{}, err
			}
			switch d := doc.(type) {
			case *model.Role:
				roles = append(roles, *d)
			case *model.Permission:
				permissions = append(permissions, *d)
			case *model.RoleAssignment:
				assignments = append(assignments, *d)
			}
		}
	}

	return policy.Merge(s.seed, policy.NewSet(roles, permissions, assignments)), nil
}

// Resolver answers permission checks. Any failure denies.
type Resolver struct {
	source  PolicySource
	cache   GrantCache
	group   singleflight.Group
	logger  *logger.Logger
	metrics *metrics.Metrics

	// invalidateMu orders cache writes against invalidations.
	invalidateMu sync.RWMutex
	epoch        atomic.Uint64
}

// NewResolver creates a Resolver; cache may be nil.
func NewResolver(source PolicySource, cache GrantCache, m *metrics.Metrics, logger *logger.Logger) *Resolver {
	return &Resolver{
		source:  source,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

func (r *Resolver) grants(ctx context.Context, userID string) (policy.Grants, error) {
	if userID == "" {
		return policy.Grants{}, errors.New("empty user id")
	}

	if r.cache != nil {
		g, ok, err := r.cache.Get(ctx, userID)
		if err != nil {
			r.logger.Warn("grant cache read failed", "user_id", userID, "error", err)
		} else if ok {
			r.metrics.GrantCacheHitsTotal.Inc()
			return g, nil
		}
		r.metrics.GrantCacheMissesTotal.Inc()
	}

	// Keyed by epoch so a check issued after an invalidation never joins an older load.
	epoch := r.epoch.Load()
	v, err, _ := r.group.Do(fmt.Sprintf("%s#%d", userID, epoch), func() (any, error) {
		set, err := r.source.Load(ctx)
		if err != nil {
			return policy.Grants{}, err
		}
		g := policy.Resolve(set, userID)

		if r.cache != nil {
			r.storeGrants(ctx, epoch, g)
		}
		return g, nil
	})
	if err != nil {
		return policy.Grants{}, err
	}
	return v.(policy.Grants), nil
}

// storeGrants caches g unless an invalidation happened since epoch was read.
func (r *Resolver) storeGrants(ctx context.Context, epoch uint64, g policy.Grants) {
	r.invalidateMu.RLock()
	defer r.invalidateMu.RUnlock()

	if r.epoch.Load() != epoch {
		return
	}
	if err := r.cache.Set(ctx, g.UserID, g); err != nil {
		r.logger.Warn("grant cache write failed", "user_id", g.UserID, "error", err)
	}
}

func (r *Resolver) HasPermission(ctx context.Context, userID, resource, action string) bool {
	g, err := r.grants(ctx, userID)
	if err != nil {
		r.logger.Error("failed to resolve grants", "user_id", userID, "error", err)
		r.metrics.PermissionChecksTotal.WithLabelValues("error").Inc()
		return false
	}

	allowed := g.Allows(resource, action)
	result := "denied"
	if allowed {
		result = "allowed"
	}
	r.metrics.PermissionChecksTotal.WithLabelValues(result).Inc()
	return allowed
}

// EffectiveRoles returns the roles directly assigned to userID, nil on failure.
func (r *Resolver) EffectiveRoles(ctx context.Context, userID string) []model.Role {
	g, err := r.grants(ctx, userID)
	if err != nil {
		r.logger.Error("failed to resolve roles", "user_id", userID, "error", err)
		return nil
	}
	return g.Roles
}

// Authorize is HasPermission returning ErrPermissionDenied on denial.
func (r *Resolver) Authorize(ctx context.Context, userID, resource, action string) error {
	if !r.HasPermission(ctx, userID, resource, action) {
		return fmt.Errorf("%w: %s may not %s %s", model.ErrPermissionDenied, userID, action, resource)
	}
	return nil
}

// Invalidate drops cached grants so the next check re-reads the policy.
func (r *Resolver) Invalidate(ctx context.Context) error {
	r.invalidateMu.Lock()
	defer r.invalidateMu.Unlock()

	r.epoch.Add(1)
	r.metrics.PolicyInvalidations.Inc()
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Invalidate(ctx); err != nil {
		return fmt.Errorf("failed to invalidate grant cache: %w", err)
	}
	return nil
}
