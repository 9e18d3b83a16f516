package perm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crewgate.org/internal/identity"
)

const defaultCacheTTL = 5 * time.Minute

// Builtin permission codes the core itself depends on.
const (
	PermUsersCreate       = "users.create"
	PermUsersDeactivate   = "users.deactivate"
	PermPositionsManage   = "positions.manage"
	PermRolesManage       = "roles.manage"
	PermPermissionsManage = "permissions.manage"
)

// BuiltinPermissions is the catalog ensured at boot.
var BuiltinPermissions = []identity.Permission{
	{Code: PermUsersCreate, Module: "users", Description: "Create subordinate users"},
	{Code: PermUsersDeactivate, Module: "users", Description: "Deactivate users and revoke their sessions"},
	{Code: PermPositionsManage, Module: "positions", Description: "Create and re-parent positions"},
	{Code: PermRolesManage, Module: "roles", Description: "Manage role definitions"},
	{Code: PermPermissionsManage, Module: "permissions", Description: "Manage the permission grant table"},
}

type cacheEntry struct {
	grants  map[string]bool
	expires time.Time
}

// Resolver answers "who may perform which operation". Absence of a grant row
// is a deny; the unrestricted role is the single hardcoded bypass, reading the
// same Role flag as the hierarchy validator.
type Resolver struct {
	store identity.Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures Resolver behavior.
type Option func(*Resolver)

// WithCacheTTL overrides the grant cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(store identity.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		ttl:   defaultCacheTTL,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureBuiltins makes sure the builtin permission catalog exists.
func (r *Resolver) EnsureBuiltins(ctx context.Context) error {
	return r.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// HasPermission reports whether the user may perform the operation identified
// by the permission code.
func (r *Resolver) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	user, err := r.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return false, err
	}
	role, err := r.store.Roles(ctx).Find(ctx, user.RoleID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if role.Unrestricted {
		return true, nil
	}
	grants, err := r.grantsFor(ctx, role.ID)
	if err != nil {
		return false, err
	}
	return grants[code], nil
}

// PermissionsFor resolves the full allowed permission list for the user,
// sorted by code. The unrestricted role resolves to the entire catalog.
func (r *Resolver) PermissionsFor(ctx context.Context, userID string) ([]string, error) {
	user, err := r.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	role, err := r.store.Roles(ctx).Find(ctx, user.RoleID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if role.Unrestricted {
		catalog, err := r.store.Permissions(ctx).List(ctx)
		if err != nil {
			return nil, err
		}
		codes := make([]string, 0, len(catalog))
		for _, p := range catalog {
			codes = append(codes, p.Code)
		}
		sort.Strings(codes)
		return codes, nil
	}

	grants, err := r.grantsFor(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	var codes []string
	for code, allowed := range grants {
		if allowed {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// SetForRole replaces the role's grants and eagerly invalidates its cache
// entry.
func (r *Resolver) SetForRole(ctx context.Context, roleID string, grants map[string]bool) error {
	if err := r.store.Permissions(ctx).SetForRole(ctx, roleID, grants); err != nil {
		return err
	}
	r.Invalidate(roleID)
	return nil
}

// Invalidate drops the cached grants for a role.
func (r *Resolver) Invalidate(roleID string) {
	r.mu.Lock()
	delete(r.cache, roleID)
	r.mu.Unlock()
}

func (r *Resolver) grantsFor(ctx context.Context, roleID string) (map[string]bool, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[roleID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.grants, nil
	}

	grants, err := r.store.Permissions(ctx).GrantsForRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[roleID] = cacheEntry{grants: grants, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return grants, nil
}
