package roles

import (
	"errors"
	"fmt"
)

// Role identifies a fixed access role on a property, ordered by capability
// breadth from Owner down to Viewer.
type Role string

const (
	RoleOwner                  Role = "owner"
	RolePropertyManager        Role = "property_manager"
	RoleLeasingAgent           Role = "leasing_agent"
	RoleMaintenanceCoordinator Role = "maintenance_coordinator"
	RoleViewer                 Role = "viewer"
)

// Capability is a single permitted action on a property.
type Capability string

const (
	CapManageUsers       Capability = "manage_users"
	CapEditResource      Capability = "edit_resource"
	CapManageTenants     Capability = "manage_tenants"
	CapManageMaintenance Capability = "manage_maintenance"
	CapViewResource      Capability = "view_resource"
)

// ErrInvalidRole indicates a role value outside the fixed catalog. This is a
// configuration or programmer error, never user input to be downgraded.
var ErrInvalidRole = errors.New("invalid role")

// CapabilitySet is the set of capabilities a role grants.
type CapabilitySet map[Capability]bool

// Has reports whether the set includes the capability.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// List returns the capabilities in catalog order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for _, c := range allCapabilities {
		if s[c] {
			out = append(out, c)
		}
	}
	return out
}

var allRoles = []Role{
	RoleOwner,
	RolePropertyManager,
	RoleLeasingAgent,
	RoleMaintenanceCoordinator,
	RoleViewer,
}

var allCapabilities = []Capability{
	CapManageUsers,
	CapEditResource,
	CapManageTenants,
	CapManageMaintenance,
	CapViewResource,
}

var catalog = map[Role]CapabilitySet{
	RoleOwner: {
		CapManageUsers:       true,
		CapEditResource:      true,
		CapManageTenants:     true,
		CapManageMaintenance: true,
		CapViewResource:      true,
	},
	RolePropertyManager: {
		CapEditResource:      true,
		CapManageTenants:     true,
		CapManageMaintenance: true,
		CapViewResource:      true,
	},
	RoleLeasingAgent: {
		CapManageTenants: true,
		CapViewResource:  true,
	},
	RoleMaintenanceCoordinator: {
		CapManageMaintenance: true,
		CapViewResource:      true,
	},
	RoleViewer: {
		CapViewResource: true,
	},
}

// Capabilities returns the capability set for a role. An unknown role returns
// ErrInvalidRole.
func Capabilities(r Role) (CapabilitySet, error) {
	set, ok := catalog[r]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, r)
	}
	// Copy so callers cannot mutate the catalog.
	out := make(CapabilitySet, len(set))
	for c := range set {
		out[c] = true
	}
	return out, nil
}

// Parse validates a raw role string against the catalog.
func Parse(raw string) (Role, error) {
	r := Role(raw)
	if _, ok := catalog[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
	return r, nil
}

// ParseCapability validates a raw capability string.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(raw)
	for _, known := range allCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability: %q", raw)
}

// All returns every role in the catalog, broadest first.
func All() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// AllCapabilities returns every capability in the catalog.
func AllCapabilities() []Capability {
	out := make([]Capability, len(allCapabilities))
	copy(out, allCapabilities)
	return out
}
