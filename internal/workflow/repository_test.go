package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
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

func instanceColumns() []string {
	return []string{"id", "kind", "bom_id", "organization_id", "state",
		"pause_requested", "cancel_requested", "next_batch",
		"enriched", "failed", "skipped", "total",
		"settings", "input", "last_error",
		"started_at", "deadline_at", "heartbeat_at", "finished_at"}
}

func instanceRow(id, state string, pause, cancel bool) *sqlmock.Rows {
	bomID := "bom-1"
	return sqlmock.NewRows(instanceColumns()).AddRow(
		id, KindEnrichment, &bomID, "org-1", state,
		pause, cancel, 2,
		12, 1, 0, 40,
		[]byte(`{"batch_size":10}`), []byte(`{"bom_id":"bom-1"}`), "",
		time.Now(), nil, time.Now(), nil)
}

func TestCreateFillsDefaults(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO workflow_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	in := &Instance{ID: EnrichmentID("bom-1"), Kind: KindEnrichment, OrganizationID: "org-1"}
	require.NoError(t, repo.Create(context.Background(), in))
	assert.Equal(t, StateRunning, in.State)
	assert.JSONEq(t, `{}`, string(in.Settings))
	assert.False(t, in.StartedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateReadsAsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO workflow_instances`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uniq_active_workflow_per_bom"})

	err := repo.Create(context.Background(), &Instance{ID: EnrichmentID("bom-1"), Kind: KindEnrichment})
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestGetScopedCrossTenantReadsAsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{OrgID: "org-2", Role: auth.RoleEngineer}

	mock.ExpectQuery(`SELECT \* FROM workflow_instances`).
		WithArgs("bom-enrichment-bom-1", "org-2").
		WillReturnRows(sqlmock.NewRows(instanceColumns()))

	_, err := repo.GetScoped(context.Background(), ac, "bom-enrichment-bom-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err),
		"foreign workflow must be indistinguishable from a missing one")
}

func TestActiveForBOMReturnsLiveInstance(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`state IN \('running', 'paused'\)`).
		WithArgs("bom-1").
		WillReturnRows(instanceRow(EnrichmentID("bom-1"), StatePaused, true, false))

	in, err := repo.ActiveForBOM(context.Background(), "bom-1")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, in.State)
	assert.True(t, in.PauseRequested)
	assert.False(t, in.Terminal())
}

func TestMarkPauseUnknownWorkflowNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE workflow_instances SET pause_requested`).
		WithArgs("wf-missing", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkPauseRequested(context.Background(), "wf-missing", true)
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestFinishGuardsTerminalRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	// Zero rows touched means the instance already finished; the first
	// verdict must stand.
	mock.ExpectExec(`WHERE id = \$1 AND state IN \('running', 'paused'\)`).
		WithArgs("wf-1", StateFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Finish(context.Background(), "wf-1", StateFailed, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventAllocatesNextSeq(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO workflow_events \(workflow_id, seq, event_type, payload\)\s+SELECT \$1, COALESCE\(MAX\(seq\), 0\) \+ 1`).
		WithArgs("wf-1", EventCheckpoint, []byte(`{"next_batch":3}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendEvent(context.Background(), "wf-1", EventCheckpoint, map[string]int{"next_batch": 3})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventNilPayload(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO workflow_events`).
		WithArgs("wf-1", EventFinished, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendEvent(context.Background(), "wf-1", EventFinished, nil))
}

func TestHistoryScopedThroughInstance(t *testing.T) {
	repo, mock := newMockRepo(t)
	ac := auth.Context{OrgID: "org-1", Role: auth.RoleEngineer}

	mock.ExpectQuery(`SELECT \* FROM workflow_instances`).
		WithArgs("wf-1", "org-1").
		WillReturnRows(instanceRow("wf-1", StateRunning, false, false))
	mock.ExpectQuery(`SELECT \* FROM workflow_events`).
		WithArgs("wf-1", 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workflow_id", "seq", "event_type", "payload", "recorded_at"}).
			AddRow(1, "wf-1", 1, EventStarted, []byte(`{}`), time.Now()).
			AddRow(2, "wf-1", 2, EventCheckpoint, []byte(`{"next_batch":1}`), time.Now()))

	events, err := repo.History(context.Background(), ac, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].EventType)
	assert.Equal(t, 2, events[1].Seq)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, "bom-enrichment-bom-42", EnrichmentID("bom-42"))
	assert.Equal(t, "single-component-LM358N-1700000000", SingleComponentID("LM358N", 1700000000))
}

func TestParseSignalRejectsUnknown(t *testing.T) {
	sig, err := ParseSignal("pause")
	require.NoError(t, err)
	assert.Equal(t, SignalPause, sig)

	_, err = ParseSignal("hibernate")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
