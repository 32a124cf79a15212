// Package membership persists role grants linking principals to properties.
//
// A membership is the durable source of truth for access: at most one ACTIVE
// membership exists per (resource, principal) pair, enforced by a database
// uniqueness constraint on the pair. Status transitions update the single row;
// every mutation appends the prior (role, status) to membership_history so the
// trail is never lost.
//
// The store never calls back into the access resolver. Authorization for
// mutations that require it arrives through the Authorizer interface, bound
// after construction, so evaluation stays a one-directional DAG
// (resolver -> store -> catalog).
package membership
