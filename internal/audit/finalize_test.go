package audit

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	sink := NewSink(store)
	sink.retry = fastRetry
	ctx := context.Background()

	require.NoError(t, sink.WriteLineObjects(ctx, testRecord("bom-1", "line-1", "LM358N")))
	require.NoError(t, sink.WriteLineObjects(ctx, testRecord("bom-1", "line-2", "GRM188R71C104KA01D")))
	return store
}

func TestFinalizeBuildsCSVPerKind(t *testing.T) {
	store := seededStore(t)
	fin := NewFinalizer(store)
	fin.retry = fastRetry
	ctx := context.Background()

	files, err := fin.Finalize(ctx, "bom-1", "20260301")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Contains(t, files, FinalCSVKey("bom-1", KindVendorResponses, "20260301"))
	assert.Contains(t, files, FinalCSVKey("bom-1", KindNormalizedData, "20260301"))
	assert.Contains(t, files, FinalCSVKey("bom-1", KindComparisonSummary, "20260301"))

	raw, err := store.Get(ctx, FinalCSVKey("bom-1", KindNormalizedData, "20260301"))
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus one row per line")
	assert.Equal(t, normalizedHeaders, rows[0])

	byLine := map[string][]string{rows[1][0]: rows[1], rows[2][0]: rows[2]}
	row, ok := byLine["line-1"]
	require.True(t, ok)
	assert.Equal(t, "LM358N", row[1])
	assert.Equal(t, "91", row[5], "quality_score column")
	assert.Equal(t, "mouser", row[14], "enrichment_source column")
}

func TestFinalizeComparisonCarriesRouting(t *testing.T) {
	store := seededStore(t)
	fin := NewFinalizer(store)
	fin.retry = fastRetry
	ctx := context.Background()

	_, err := fin.Finalize(ctx, "bom-1", "20260301")
	require.NoError(t, err)

	raw, err := store.Get(ctx, FinalCSVKey("bom-1", KindComparisonSummary, "20260301"))
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, comparisonHeaders, rows[0])
	assert.Equal(t, "catalog", rows[1][6], "route column carries the decision")
	assert.Equal(t, "93", rows[1][11], "quality_total column")
}

func TestFinalizeSkipsUndecodableObjects(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, ObjectKey("bom-1", KindNormalizedData, "line-3"), []byte("not json"), "application/json"))

	fin := NewFinalizer(store)
	fin.retry = fastRetry
	_, err := fin.Finalize(ctx, "bom-1", "20260301")
	require.NoError(t, err)

	raw, err := store.Get(ctx, FinalCSVKey("bom-1", KindNormalizedData, "20260301"))
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3, "poison object degrades its line, not the artifact")
}

func TestFinalizeEmptyBOMStillUploadsHeaders(t *testing.T) {
	store := NewMemoryStore()
	fin := NewFinalizer(store)
	fin.retry = fastRetry
	ctx := context.Background()

	files, err := fin.Finalize(ctx, "bom-empty", "20260301")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	raw, err := store.Get(ctx, FinalCSVKey("bom-empty", KindVendorResponses, "20260301"))
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1, "headers only")
}
