package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/enrich"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres"), 0), mock
}

func catalogColumns() []string {
	return []string{"id", "mpn", "manufacturer", "category", "description",
		"quality_score", "lifecycle_status", "datasheet_url", "image_url",
		"parameters", "rohs_compliant", "reach_compliant", "last_verified_at", "created_at"}
}

func catalogRow(id, mpn string, quality float64, verifiedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(catalogColumns()).AddRow(
		id, mpn, "Texas Instruments", "Amplifiers", "dual op-amp",
		quality, "active", "https://ti.com/ds/lm358.pdf", "",
		[]byte(`{}`), true, nil, verifiedAt, verifiedAt)
}

func testComponent(mpn string, quality float64) *enrich.Component {
	return &enrich.Component{
		MPN:             mpn,
		Manufacturer:    "Texas Instruments",
		Category:        "Amplifiers",
		Description:     "dual op-amp",
		QualityScore:    quality,
		LifecycleStatus: "active",
		DatasheetURL:    "https://ti.com/ds/lm358.pdf",
		Source:          "mouser",
		EnrichedAt:      time.Now().UTC(),
	}
}

func TestUpsertInsertsNewComponent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WithArgs("LM358N", "Texas Instruments").
		WillReturnRows(sqlmock.NewRows(catalogColumns()))
	mock.ExpectExec(`INSERT INTO catalog_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bom_line_items SET component_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), testComponent("LM358N", 92), "line-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ComponentID)
	assert.False(t, res.Overwrote)
	assert.False(t, res.Kept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOverwritesLowerQualityRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WillReturnRows(catalogRow("comp-1", "LM358N", 81, time.Now()))
	mock.ExpectExec(`UPDATE catalog_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bom_line_items SET component_id`).
		WithArgs("line-1", "comp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), testComponent("LM358N", 95), "line-1")
	require.NoError(t, err)
	assert.Equal(t, "comp-1", res.ComponentID)
	assert.True(t, res.Overwrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertKeepsBetterFreshRow(t *testing.T) {
	store, mock := newMockStore(t)

	// Existing row scores higher and was verified recently: no UPDATE on the
	// catalog, only the line annotation.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WillReturnRows(catalogRow("comp-1", "LM358N", 97, time.Now()))
	mock.ExpectExec(`UPDATE bom_line_items SET component_id`).
		WithArgs("line-1", "comp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), testComponent("LM358N", 85), "line-1")
	require.NoError(t, err)
	assert.Equal(t, "comp-1", res.ComponentID)
	assert.True(t, res.Kept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOverwritesStaleRowDespiteHigherScore(t *testing.T) {
	store, mock := newMockStore(t)
	staleAt := time.Now().Add(-40 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WillReturnRows(catalogRow("comp-1", "LM358N", 97, staleAt))
	mock.ExpectExec(`UPDATE catalog_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bom_line_items SET component_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), testComponent("LM358N", 85), "line-1")
	require.NoError(t, err)
	assert.True(t, res.Overwrote, "stale rows lose even to lower scores")
}

func TestUpsertWithoutLineSkipsAnnotation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WillReturnRows(sqlmock.NewRows(catalogColumns()))
	mock.ExpectExec(`INSERT INTO catalog_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.Upsert(context.Background(), testComponent("LM358N", 90), "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkLookupReturnsOnlyMatchedPairs(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(catalogColumns()).AddRow(
		"comp-1", "LM358N", "Texas Instruments", "Amplifiers", "",
		91.0, "active", "", "", []byte(`{}`), nil, nil, time.Now(), time.Now())
	mock.ExpectQuery(`\(mpn, manufacturer\) IN`).
		WillReturnRows(rows)

	keys := []Key{
		{MPN: "LM358N", Manufacturer: "Texas Instruments"},
		{MPN: "GRM188R71C104KA01D", Manufacturer: "Murata"},
	}
	hits, err := store.BulkLookup(context.Background(), keys, 80)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hit, ok := hits[Key{MPN: "LM358N", Manufacturer: "Texas Instruments"}]
	require.True(t, ok)
	assert.Equal(t, "comp-1", hit.ID)
	_, miss := hits[Key{MPN: "GRM188R71C104KA01D", Manufacturer: "Murata"}]
	assert.False(t, miss, "unmatched pair must be absent so it re-enriches")
}

func TestBulkLookupEmptyKeys(t *testing.T) {
	store, _ := newMockStore(t)
	hits, err := store.BulkLookup(context.Background(), nil, 80)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
