// Package roles defines the fixed role catalog for property access control.
//
// The catalog maps each role to its capability set. The mapping is static and
// changes only through a versioned code change, never through runtime data.
package roles
