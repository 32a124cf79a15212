package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/observability"
	"github.com/propwise/accessd/pkg/roles"
)

var resolverTracer = otel.Tracer("accessd/access")

// ErrUnknownResource indicates the resource id references nothing. Unknown ids
// are an error, never coerced into "no access".
var ErrUnknownResource = errors.New("unknown resource")

// MembershipReader is the read-only slice of the membership store the
// resolver needs.
type MembershipReader interface {
	ActiveForPair(ctx context.Context, resourceID, principalID string) (*membership.Membership, error)
	ListActiveForPrincipal(ctx context.Context, principalID string) ([]*membership.Membership, error)
}

// ResourceDirectory supplies the engine's reference view of properties,
// including the legacy single-owner field predating the membership model.
type ResourceDirectory interface {
	// LegacyOwner returns the resource's legacy owner, the second result
	// reporting whether one is set. Unknown resources return
	// ErrUnknownResource.
	LegacyOwner(ctx context.Context, resourceID string) (string, bool, error)
	// ResourcesOwnedBy returns ids of resources whose legacy_owner is the
	// principal.
	ResourcesOwnedBy(ctx context.Context, principalID string) ([]string, error)
}

// Decision is a cacheable resolution outcome, including the negative one.
type Decision struct {
	Member bool       `json:"member"`
	Role   roles.Role `json:"role,omitempty"`
	Legacy bool       `json:"legacy,omitempty"`
}

// ResolutionCache caches decisions per (principal, resource) pair. Writers
// invalidate through the same interface so the mutating principal's next read
// observes the write.
type ResolutionCache interface {
	GetDecision(ctx context.Context, principalID, resourceID string) (*Decision, bool)
	SetDecision(ctx context.Context, principalID, resourceID string, d *Decision)
	InvalidateResolution(ctx context.Context, principalID, resourceID string)
}

// Resolution is the effective role and capability set of a principal on a
// resource.
type Resolution struct {
	ResourceID   string              `json:"resource_id"`
	PrincipalID  string              `json:"principal_id"`
	Role         roles.Role          `json:"role"`
	Capabilities roles.CapabilitySet `json:"capabilities"`
	Legacy       bool                `json:"legacy"`
}

// ResourceSummary is one entry of a principal's accessible-resources listing.
type ResourceSummary struct {
	ResourceID   string              `json:"resource_id"`
	Role         roles.Role          `json:"role"`
	Capabilities []roles.Capability  `json:"capabilities"`
	Legacy       bool                `json:"legacy"`
}

// ResolverConfig carries the resolver's optional collaborators.
type ResolverConfig struct {
	Cache   ResolutionCache
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Resolver computes effective access. It is safe for concurrent use and holds
// no mutable state beyond its cache.
type Resolver struct {
	memberships MembershipReader
	dir         ResourceDirectory
	cache       ResolutionCache
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewResolver creates a resolver over the membership reader and resource
// directory. The reader must be an unauthorized store handle: binding an
// authorized one back to this resolver would close the evaluation loop the
// design forbids.
func NewResolver(memberships MembershipReader, dir ResourceDirectory, cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Resolver{
		memberships: memberships,
		dir:         dir,
		cache:       cfg.Cache,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Resolve returns the principal's effective role and capabilities on a
// resource, or (nil, nil) when the principal is not a member. No access is a
// normal outcome, not an error; only malformed input or store failure errors.
func (r *Resolver) Resolve(ctx context.Context, principalID, resourceID string) (*Resolution, error) {
	if principalID == "" || resourceID == "" {
		return nil, fmt.Errorf("principal and resource ids are required")
	}

	ctx, span := resolverTracer.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("principal_id", principalID),
			attribute.String("resource_id", resourceID),
		),
	)
	defer span.End()

	if r.cache != nil {
		if d, ok := r.cache.GetDecision(ctx, principalID, resourceID); ok {
			r.metrics.IncCacheHit()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return r.fromDecision(principalID, resourceID, d)
		}
		r.metrics.IncCacheMiss()
	}

	// Legacy shortcut: a matching legacy owner is OWNER without ever
	// consulting the membership store.
	owner, hasOwner, err := r.dir.LegacyOwner(ctx, resourceID)
	if err != nil {
		r.metrics.IncResolve("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "resource lookup failed")
		return nil, fmt.Errorf("failed to look up resource %s: %w", resourceID, err)
	}
	if hasOwner && owner == principalID {
		r.cacheDecision(ctx, principalID, resourceID, &Decision{Member: true, Role: roles.RoleOwner, Legacy: true})
		r.metrics.IncResolve("legacy_owner")
		span.SetAttributes(attribute.String("outcome", "legacy_owner"))
		return r.build(principalID, resourceID, roles.RoleOwner, true)
	}

	m, err := r.memberships.ActiveForPair(ctx, resourceID, principalID)
	if err != nil {
		r.metrics.IncResolve("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "membership lookup failed")
		return nil, fmt.Errorf("failed to load membership for %s on %s: %w", principalID, resourceID, err)
	}
	if m == nil {
		r.cacheDecision(ctx, principalID, resourceID, &Decision{Member: false})
		r.metrics.IncResolve("not_a_member")
		span.SetAttributes(attribute.String("outcome", "not_a_member"))
		return nil, nil
	}

	r.cacheDecision(ctx, principalID, resourceID, &Decision{Member: true, Role: m.Role})
	r.metrics.IncResolve("member")
	span.SetAttributes(attribute.String("outcome", "member"), attribute.String("role", string(m.Role)))
	return r.build(principalID, resourceID, m.Role, false)
}

// HasCapability reports whether the principal may perform the capability on
// the resource. This is the single choke point dependent features call; it is
// side-effect-free apart from cache fills.
func (r *Resolver) HasCapability(ctx context.Context, principalID, resourceID string, capability roles.Capability) (bool, error) {
	res, err := r.Resolve(ctx, principalID, resourceID)
	if err != nil {
		return false, err
	}
	if res == nil {
		r.metrics.IncCapabilityCheck(capability, false)
		return false, nil
	}
	allowed := res.Capabilities.Has(capability)
	r.metrics.IncCapabilityCheck(capability, allowed)
	return allowed, nil
}

// AccessibleResources returns every resource the principal can reach: the
// union of active memberships and legacy-owned resources, de-duplicated by
// resource id with the membership role taking precedence when both apply.
func (r *Resolver) AccessibleResources(ctx context.Context, principalID string) ([]ResourceSummary, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	memberships, err := r.memberships.ListActiveForPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships for %s: %w", principalID, err)
	}

	byResource := make(map[string]ResourceSummary, len(memberships))
	for _, m := range memberships {
		caps, err := roles.Capabilities(m.Role)
		if err != nil {
			return nil, fmt.Errorf("membership %d has invalid role: %w", m.ID, err)
		}
		byResource[m.ResourceID] = ResourceSummary{
			ResourceID:   m.ResourceID,
			Role:         m.Role,
			Capabilities: caps.List(),
		}
	}

	legacyIDs, err := r.dir.ResourcesOwnedBy(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy resources for %s: %w", principalID, err)
	}
	ownerCaps, err := roles.Capabilities(roles.RoleOwner)
	if err != nil {
		return nil, err
	}
	for _, id := range legacyIDs {
		if _, exists := byResource[id]; exists {
			continue
		}
		byResource[id] = ResourceSummary{
			ResourceID:   id,
			Role:         roles.RoleOwner,
			Capabilities: ownerCaps.List(),
			Legacy:       true,
		}
	}

	summaries := make([]ResourceSummary, 0, len(byResource))
	for _, s := range byResource {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ResourceID < summaries[j].ResourceID
	})
	return summaries, nil
}

func (r *Resolver) build(principalID, resourceID string, role roles.Role, legacy bool) (*Resolution, error) {
	caps, err := roles.Capabilities(role)
	if err != nil {
		// A stored role outside the catalog is a configuration error,
		// never a silent downgrade.
		return nil, err
	}
	return &Resolution{
		ResourceID:   resourceID,
		PrincipalID:  principalID,
		Role:         role,
		Capabilities: caps,
		Legacy:       legacy,
	}, nil
}

func (r *Resolver) fromDecision(principalID, resourceID string, d *Decision) (*Resolution, error) {
	if !d.Member {
		r.metrics.IncResolve("not_a_member")
		return nil, nil
	}
	r.metrics.IncResolve("member")
	return r.build(principalID, resourceID, d.Role, d.Legacy)
}

func (r *Resolver) cacheDecision(ctx context.Context, principalID, resourceID string, d *Decision) {
	if r.cache != nil {
		r.cache.SetDecision(ctx, principalID, resourceID, d)
	}
}
