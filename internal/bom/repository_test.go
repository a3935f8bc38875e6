package bom

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/fault"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres")), mock
}

func bomColumns() []string {
	return []string{"id", "organization_id", "project_id", "name", "source", "status",
		"total_items", "uploaded_by", "parsed_s3_key", "metadata", "created_at", "updated_at"}
}

func bomRow(id, orgID string) *sqlmock.Rows {
	return sqlmock.NewRows(bomColumns()).AddRow(
		id, orgID, nil, "mainboard-r2", "customer", "parsed",
		40, "uploader@acme.test", "parsed/acme/main.json", []byte(`{}`), time.Now(), time.Now())
}

func TestGetBOMScopedToTenant(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{OrgID: "org-1", Role: auth.RoleEngineer}

	mock.ExpectQuery(`SELECT \* FROM boms`).
		WithArgs("bom-1", "org-1").
		WillReturnRows(bomRow("bom-1", "org-1"))

	b, err := repo.GetBOM(context.Background(), ac, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, "bom-1", b.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBOMCrossTenantReadsAsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{OrgID: "org-2", Role: auth.RoleEngineer}

	mock.ExpectQuery(`SELECT \* FROM boms`).
		WithArgs("bom-1", "org-2").
		WillReturnRows(sqlmock.NewRows(bomColumns()))

	_, err := repo.GetBOM(context.Background(), ac, "bom-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err), "cross-tenant must read as missing, not forbidden")
}

func TestGetBOMSuperAdminUnscoped(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{UserID: "root", IsSuperAdmin: true, Role: auth.RoleSuperAdmin}

	mock.ExpectQuery(`SELECT \* FROM boms`).
		WithArgs("bom-1", "").
		WillReturnRows(bomRow("bom-1", "org-1"))

	b, err := repo.GetBOM(context.Background(), ac, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", b.OrganizationID)
}

func TestCreateBOMFillsDefaults(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO boms`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := &BOM{OrganizationID: "org-1", Name: "test"}
	require.NoError(t, repo.CreateBOM(context.Background(), b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, StatusParsed, b.Status)
	assert.Equal(t, SourceCustomer, b.Source)
}

func TestDeleteBOMWritesAuditFirst(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{UserID: "admin-7", OrgID: "org-1", Role: auth.RoleAdmin}

	mock.ExpectQuery(`SELECT \* FROM boms`).
		WithArgs("bom-1", "org-1").
		WillReturnRows(bomRow("bom-1", "org-1"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO admin_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM boms`).
		WithArgs("bom-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteBOM(context.Background(), ac, "bom-1", "customer requested purge"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBOMAbortsWhenAuditFails(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{UserID: "admin-7", OrgID: "org-1", Role: auth.RoleAdmin}

	mock.ExpectQuery(`SELECT \* FROM boms`).
		WithArgs("bom-1", "org-1").
		WillReturnRows(bomRow("bom-1", "org-1"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO admin_audit_log`).
		WillReturnError(assertableErr{})
	mock.ExpectRollback()

	err := repo.DeleteBOM(context.Background(), ac, "bom-1", "because")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "delete must not run after audit failure")
}

type assertableErr struct{}

func (assertableErr) Error() string { return "audit store down" }

func TestBOMProgress(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`FROM bom_line_items WHERE bom_id`).
		WithArgs("bom-1").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "enriched", "failed", "skipped", "total"}).
			AddRow(4, 30, 4, 2, 40))

	p, err := repo.BOMProgress(context.Background(), "bom-1")
	require.NoError(t, err)
	assert.False(t, p.Done())
	assert.InDelta(t, 90.0, p.Percent(), 0.01)
}

func TestProgressDone(t *testing.T) {
	p := Progress{Enriched: 38, Failed: 1, Skipped: 1, Total: 40}
	assert.True(t, p.Done())
	assert.InDelta(t, 100.0, p.Percent(), 0.01)

	assert.False(t, Progress{}.Done(), "empty BOM is never done")
}

func TestLatestEnrichmentEventNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{OrgID: "org-1", Role: auth.RoleAnalyst}

	mock.ExpectQuery(`SELECT \* FROM enrichment_events`).
		WithArgs("bom-9", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.LatestEnrichmentEvent(context.Background(), ac, "bom-9")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
