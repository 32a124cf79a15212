package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/backfill"
	"github.com/propwise/accessd/pkg/invitations"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/middleware"
	"github.com/propwise/accessd/pkg/observability"
)

// recordingInvalidator captures the (principal, resource) pairs the server
// drops from the resolution cache.
type recordingInvalidator struct {
	pairs [][2]string
}

func (r *recordingInvalidator) InvalidateResolution(_ context.Context, principalID, resourceID string) {
	r.pairs = append(r.pairs, [2]string{principalID, resourceID})
}

// newTestServer wires a full server over a single mocked database, the same
// shape main uses: the resolver reads through the unbound store, mutations go
// through the authorized one.
func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, *sql.DB) {
	srv, mock, db, _ := newTestServerWithInvalidator(t)
	return srv, mock, db
}

func newTestServerWithInvalidator(t *testing.T) (*Server, sqlmock.Sqlmock, *sql.DB, *recordingInvalidator) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	inv := &recordingInvalidator{}
	base := membership.NewStore(db)
	directory := access.NewPostgresDirectory(db)
	resolver := access.NewResolver(base, directory, access.ResolverConfig{Logger: logger})
	store := base.WithAuthorizer(resolver)
	invMgr := invitations.NewManager(db, invitations.ManagerConfig{Authorizer: resolver})
	reconciler := backfill.NewReconciler(db, store, backfill.ReconcilerConfig{Logger: logger})

	srv := NewServer(ServerConfig{
		Store:       store,
		Resolver:    resolver,
		Invitations: invMgr,
		Reconciler:  reconciler,
		Directory:   directory,
		Invalidator: inv,
		Logger:      logger,
	})
	return srv, mock, db, inv
}

func doJSON(t *testing.T, srv *Server, method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(middleware.DefaultPrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_RequiresPrincipal(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	rec := doJSON(t, srv, "GET", "/v1/me/resources", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_CheckCapability_LegacyOwner(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P2").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow("userB"))

	rec := doJSON(t, srv, "GET", "/v1/resources/P2/check/manage_users", "userB", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Allowed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_ResolveAccess_NonMember(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P2").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow("userB"))
	mock.ExpectQuery(`SELECT id, resource_id, principal_id, role, status`).
		WithArgs("P2", "userC").
		WillReturnError(sql.ErrNoRows)

	rec := doJSON(t, srv, "GET", "/v1/resources/P2/access", "userC", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Member bool `json:"member"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Member)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_ResolveAccess_UnknownResource(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	rec := doJSON(t, srv, "GET", "/v1/resources/ghost/access", "userB", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_GrantMembership_Forbidden(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	// the actor resolves to non-member, so the surface rejects the grant
	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow(nil))
	mock.ExpectQuery(`SELECT id, resource_id, principal_id, role, status`).
		WithArgs("P1", "userC").
		WillReturnError(sql.ErrNoRows)

	rec := doJSON(t, srv, "POST", "/v1/resources/P1/memberships", "userC",
		grantRequest{PrincipalID: "userD", Role: "viewer"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_GrantMembership_InvalidRole(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	rec := doJSON(t, srv, "POST", "/v1/resources/P1/memberships", "userB",
		grantRequest{PrincipalID: "userD", Role: "superadmin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_AcceptInvitation(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, resource_id, role, invited_by, status, expires_at, accepted_by`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_id", "role", "invited_by", "status", "expires_at", "accepted_by"}).
			AddRow(7, "P1", "viewer", "owner1", "pending", now.Add(time.Hour), nil))
	mock.ExpectQuery(`SELECT id, role, status\s+FROM memberships`).
		WithArgs("P1", "userB").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO memberships`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "granted_at", "updated_at"}).AddRow(9, now, now))
	mock.ExpectExec(`INSERT INTO membership_history`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE invitations SET status = 'accepted'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doJSON(t, srv, "POST", "/v1/invitations/accept", "userB",
		acceptInvitationRequest{Token: "tok-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var m membership.Membership
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "P1", m.ResourceID)
	assert.Equal(t, "userB", m.PrincipalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_AcceptInvitation_Expired(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, resource_id, role, invited_by, status, expires_at, accepted_by`).
		WithArgs("tok-old").
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_id", "role", "invited_by", "status", "expires_at", "accepted_by"}).
			AddRow(7, "P1", "viewer", "owner1", "pending", time.Now().Add(-time.Second), nil))
	mock.ExpectExec(`UPDATE invitations SET status = 'expired'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doJSON(t, srv, "POST", "/v1/invitations/accept", "userB",
		acceptInvitationRequest{Token: "tok-old"})
	assert.Equal(t, http.StatusGone, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_RevokeInvitation_NotFound(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT resource_id, status FROM invitations WHERE id = \$1`).
		WithArgs(int64(999)).
		WillReturnError(sql.ErrNoRows)

	rec := doJSON(t, srv, "DELETE", "/v1/invitations/999", "owner1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_DeleteResource_Cascade(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow(nil))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT principal_id FROM memberships`).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).
			AddRow("userA").AddRow("userB").AddRow("userC"))
	mock.ExpectExec(`INSERT INTO membership_history`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE memberships\s+SET status = 'removed'`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectExec(`DELETE FROM invitations WHERE resource_id = \$1`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM resources WHERE id = \$1`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, srv, "DELETE", "/v1/resources/P1", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		PurgedMemberships int64 `json:"purged_memberships"`
		PurgedInvitations int64 `json:"purged_invitations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(3), out.PurgedMemberships)
	assert.Equal(t, int64(2), out.PurgedInvitations)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_DeleteResource_InvalidatesLegacyOwner(t *testing.T) {
	srv, mock, db, inv := newTestServerWithInvalidator(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow("userL"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT principal_id FROM memberships`).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}))
	mock.ExpectExec(`INSERT INTO membership_history`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE memberships\s+SET status = 'removed'`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`DELETE FROM invitations WHERE resource_id = \$1`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM resources WHERE id = \$1`).
		WithArgs("P1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, srv, "DELETE", "/v1/resources/P1", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// the former owner's cached OWNER decision must not outlive the resource
	assert.Contains(t, inv.pairs, [2]string{"userL", "P1"})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_UpsertResource_OwnerChangeInvalidates(t *testing.T) {
	srv, mock, db, inv := newTestServerWithInvalidator(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT legacy_owner FROM resources WHERE id = \$1`).
		WithArgs("P9").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_owner"}).AddRow("userOld"))
	mock.ExpectExec(`INSERT INTO resources`).
		WithArgs("P9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	newOwner := "userNew"
	rec := doJSON(t, srv, "PUT", "/v1/resources/P9", "admin",
		upsertResourceRequest{LegacyOwner: &newOwner})
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Contains(t, inv.pairs, [2]string{"userOld", "P9"})
	assert.Contains(t, inv.pairs, [2]string{"userNew", "P9"})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_Reconcile(t *testing.T) {
	srv, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT r.id, r.legacy_owner, m.role`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "legacy_owner", "role"}).
			AddRow("P1", "userA", "owner"))

	rec := doJSON(t, srv, "POST", "/v1/admin/reconcile", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result backfill.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Consistent)
	assert.Zero(t, result.Backfilled)
	require.NoError(t, mock.ExpectationsWereMet())
}
