// Package access resolves what a principal may do on a property.
//
// Resolution is a one-directional evaluation: resolver -> membership store ->
// role catalog. The legacy-owner shortcut answers without touching the
// membership store at all, and the store never calls back into the resolver,
// so an access check can never recurse into itself.
package access
