package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/roles"
)

type fakeMemberships struct {
	// keyed by resourceID + "/" + principalID
	active map[string]*membership.Membership
	err    error
	calls  int
}

func pairKey(resourceID, principalID string) string {
	return resourceID + "/" + principalID
}

func (f *fakeMemberships) ActiveForPair(ctx context.Context, resourceID, principalID string) (*membership.Membership, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.active[pairKey(resourceID, principalID)], nil
}

func (f *fakeMemberships) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*membership.Membership, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*membership.Membership
	for _, m := range f.active {
		if m.PrincipalID == principalID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeDirectory struct {
	// resourceID to legacy owner; empty string means known with no owner
	owners map[string]string
	err    error
	calls  int
}

func (f *fakeDirectory) LegacyOwner(ctx context.Context, resourceID string) (string, bool, error) {
	f.calls++
	if f.err != nil {
		return "", false, f.err
	}
	owner, known := f.owners[resourceID]
	if !known {
		return "", false, ErrUnknownResource
	}
	return owner, owner != "", nil
}

func (f *fakeDirectory) ResourcesOwnedBy(ctx context.Context, principalID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for id, owner := range f.owners {
		if owner == principalID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mapCache struct {
	decisions map[string]*Decision
	hits      int
	sets      int
}

func newMapCache() *mapCache {
	return &mapCache{decisions: make(map[string]*Decision)}
}

func (c *mapCache) GetDecision(ctx context.Context, principalID, resourceID string) (*Decision, bool) {
	d, ok := c.decisions[principalID+"/"+resourceID]
	if ok {
		c.hits++
	}
	return d, ok
}

func (c *mapCache) SetDecision(ctx context.Context, principalID, resourceID string, d *Decision) {
	c.sets++
	c.decisions[principalID+"/"+resourceID] = d
}

func (c *mapCache) InvalidateResolution(ctx context.Context, principalID, resourceID string) {
	delete(c.decisions, principalID+"/"+resourceID)
}

func active(resourceID, principalID string, role roles.Role) *membership.Membership {
	return &membership.Membership{
		ResourceID:  resourceID,
		PrincipalID: principalID,
		Role:        role,
		Status:      membership.StatusActive,
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("active membership maps to role capabilities", func(t *testing.T) {
		mems := &fakeMemberships{active: map[string]*membership.Membership{
			pairKey("P1", "userB"): active("P1", "userB", roles.RoleLeasingAgent),
		}}
		dir := &fakeDirectory{owners: map[string]string{"P1": ""}}
		r := NewResolver(mems, dir, ResolverConfig{})

		res, err := r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, roles.RoleLeasingAgent, res.Role)
		assert.False(t, res.Legacy)
		assert.True(t, res.Capabilities.Has(roles.CapManageTenants))
		assert.False(t, res.Capabilities.Has(roles.CapManageUsers))
	})

	t.Run("legacy owner resolves without membership lookup", func(t *testing.T) {
		mems := &fakeMemberships{}
		dir := &fakeDirectory{owners: map[string]string{"P2": "userB"}}
		r := NewResolver(mems, dir, ResolverConfig{})

		res, err := r.Resolve(ctx, "userB", "P2")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, roles.RoleOwner, res.Role)
		assert.True(t, res.Legacy)
		assert.True(t, res.Capabilities.Has(roles.CapManageUsers))

		// the shortcut must bypass the membership store entirely
		assert.Zero(t, mems.calls)
	})

	t.Run("no membership and no legacy owner is not a member", func(t *testing.T) {
		mems := &fakeMemberships{}
		dir := &fakeDirectory{owners: map[string]string{"P2": "userB"}}
		r := NewResolver(mems, dir, ResolverConfig{})

		res, err := r.Resolve(ctx, "userC", "P2")
		require.NoError(t, err)
		assert.Nil(t, res, "no access is a normal outcome, not an error")
	})

	t.Run("unknown resource is an error, not no access", func(t *testing.T) {
		r := NewResolver(&fakeMemberships{}, &fakeDirectory{owners: map[string]string{}}, ResolverConfig{})

		_, err := r.Resolve(ctx, "userB", "ghost")
		assert.ErrorIs(t, err, ErrUnknownResource)
	})

	t.Run("empty ids rejected", func(t *testing.T) {
		r := NewResolver(&fakeMemberships{}, &fakeDirectory{}, ResolverConfig{})

		_, err := r.Resolve(ctx, "", "P1")
		assert.Error(t, err)
		_, err = r.Resolve(ctx, "userB", "")
		assert.Error(t, err)
	})

	t.Run("revoked membership resolves to not a member", func(t *testing.T) {
		// the store only surfaces ACTIVE rows, so a revoked pair is simply
		// absent here
		mems := &fakeMemberships{active: map[string]*membership.Membership{}}
		dir := &fakeDirectory{owners: map[string]string{"P1": ""}}
		r := NewResolver(mems, dir, ResolverConfig{})

		res, err := r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestResolve_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("positive decision served from cache", func(t *testing.T) {
		cache := newMapCache()
		mems := &fakeMemberships{active: map[string]*membership.Membership{
			pairKey("P1", "userB"): active("P1", "userB", roles.RoleViewer),
		}}
		dir := &fakeDirectory{owners: map[string]string{"P1": ""}}
		r := NewResolver(mems, dir, ResolverConfig{Cache: cache})

		first, err := r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, 1, mems.calls)

		second, err := r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, first.Role, second.Role)
		assert.Equal(t, 1, mems.calls, "second resolve must not hit the store")
		assert.Equal(t, 1, cache.hits)
	})

	t.Run("negative decision is cached too", func(t *testing.T) {
		cache := newMapCache()
		mems := &fakeMemberships{}
		dir := &fakeDirectory{owners: map[string]string{"P1": ""}}
		r := NewResolver(mems, dir, ResolverConfig{Cache: cache})

		res, err := r.Resolve(ctx, "userC", "P1")
		require.NoError(t, err)
		assert.Nil(t, res)

		res, err = r.Resolve(ctx, "userC", "P1")
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, 1, mems.calls)
	})

	t.Run("invalidated entry falls through to store", func(t *testing.T) {
		cache := newMapCache()
		mems := &fakeMemberships{active: map[string]*membership.Membership{}}
		dir := &fakeDirectory{owners: map[string]string{"P1": ""}}
		r := NewResolver(mems, dir, ResolverConfig{Cache: cache})

		res, err := r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		assert.Nil(t, res)

		// a grant lands and the writer invalidates
		mems.active[pairKey("P1", "userB")] = active("P1", "userB", roles.RoleViewer)
		cache.InvalidateResolution(ctx, "userB", "P1")

		res, err = r.Resolve(ctx, "userB", "P1")
		require.NoError(t, err)
		require.NotNil(t, res, "read after invalidation observes the write")
		assert.Equal(t, roles.RoleViewer, res.Role)
	})
}

func TestHasCapability(t *testing.T) {
	ctx := context.Background()

	mems := &fakeMemberships{active: map[string]*membership.Membership{
		pairKey("P1", "userB"): active("P1", "userB", roles.RoleLeasingAgent),
	}}
	dir := &fakeDirectory{owners: map[string]string{"P1": "", "P2": "userB"}}
	r := NewResolver(mems, dir, ResolverConfig{})

	t.Run("granted capability", func(t *testing.T) {
		ok, err := r.HasCapability(ctx, "userB", "P1", roles.CapManageTenants)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("capability outside the role", func(t *testing.T) {
		ok, err := r.HasCapability(ctx, "userB", "P1", roles.CapManageUsers)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-member is false without error", func(t *testing.T) {
		ok, err := r.HasCapability(ctx, "userZ", "P1", roles.CapViewResource)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("legacy owner has full capabilities", func(t *testing.T) {
		for _, c := range roles.AllCapabilities() {
			ok, err := r.HasCapability(ctx, "userB", "P2", c)
			require.NoError(t, err)
			assert.True(t, ok, "legacy owner should hold %s", c)
		}
	})

	t.Run("unknown resource propagates the error", func(t *testing.T) {
		_, err := r.HasCapability(ctx, "userB", "ghost", roles.CapViewResource)
		assert.ErrorIs(t, err, ErrUnknownResource)
	})
}

func TestAccessibleResources(t *testing.T) {
	ctx := context.Background()

	t.Run("union of memberships and legacy ownership", func(t *testing.T) {
		mems := &fakeMemberships{active: map[string]*membership.Membership{
			pairKey("P1", "userB"): active("P1", "userB", roles.RoleViewer),
		}}
		dir := &fakeDirectory{owners: map[string]string{"P2": "userB", "P3": "userC"}}
		r := NewResolver(mems, dir, ResolverConfig{})

		out, err := r.AccessibleResources(ctx, "userB")
		require.NoError(t, err)
		require.Len(t, out, 2)

		assert.Equal(t, "P1", out[0].ResourceID)
		assert.Equal(t, roles.RoleViewer, out[0].Role)
		assert.False(t, out[0].Legacy)

		assert.Equal(t, "P2", out[1].ResourceID)
		assert.Equal(t, roles.RoleOwner, out[1].Role)
		assert.True(t, out[1].Legacy)
	})

	t.Run("membership role wins when both sources apply", func(t *testing.T) {
		mems := &fakeMemberships{active: map[string]*membership.Membership{
			pairKey("P1", "userB"): active("P1", "userB", roles.RoleViewer),
		}}
		dir := &fakeDirectory{owners: map[string]string{"P1": "userB"}}
		r := NewResolver(mems, dir, ResolverConfig{})

		out, err := r.AccessibleResources(ctx, "userB")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, roles.RoleViewer, out[0].Role)
		assert.False(t, out[0].Legacy)
	})

	t.Run("no access at all is an empty list", func(t *testing.T) {
		r := NewResolver(&fakeMemberships{}, &fakeDirectory{owners: map[string]string{}}, ResolverConfig{})

		out, err := r.AccessibleResources(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
