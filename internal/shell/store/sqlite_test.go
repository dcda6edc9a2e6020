package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/deployagent/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestDeployment(t *testing.T, store Store, repository string) *domain.Deployment {
	t.Helper()
	deployment, err := domain.NewDeployment(domain.DeploymentRequest{DeploymentType: "Production", Repository: repository})
	require.NoError(t, err)
	err = store.CreateDeployment(context.Background(), deployment)
	require.NoError(t, err)
	return deployment
}

func sampleOutcomes() []domain.TargetOutcome {
	start := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	return []domain.TargetOutcome{
		{
			Target:     domain.ProjectTarget{Name: "App1", SourcePath: "/repo/App1/App1.csproj", PublishPath: `C:\site\app1`},
			Status:     domain.TargetSucceeded,
			ExitCode:   0,
			StartedAt:  start,
			FinishedAt: start.Add(42 * time.Second),
		},
		{
			Target:   domain.ProjectTarget{Name: "Api", SourcePath: "/repo/Api/Api.csproj", PublishPath: "/srv/api"},
			Status:   domain.TargetStartFailed,
			ExitCode: -1,
			Error:    "start \"dotnet\": executable file not found",
		},
	}
}

// =============================================================================
// Deployment CRUD Tests
// =============================================================================

func TestCreateDeployment_AndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "Production", got.DeploymentType)
	assert.Equal(t, "website", got.Repository)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Targets)
}

func TestCreateDeployment_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store, "website")

	err := store.CreateDeployment(context.Background(), d)
	assert.ErrorIs(t, err, ErrDuplicateID)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "CreateDeployment", se.Op)
}

func TestCreateDeployment_MissingID(t *testing.T) {
	store := setupTestStore(t)
	err := store.CreateDeployment(context.Background(), &domain.Deployment{})
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestGetDeployment_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetDeployment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	require.NoError(t, d.Transition(domain.StatusSyncing))
	d.Commit = "0a1b2c3d"
	d.Summary = "0a1b2c3 Fix header\n 1 file changed"
	require.NoError(t, d.Transition(domain.StatusDiscovering))
	require.NoError(t, d.Transition(domain.StatusBuilding))
	require.NoError(t, d.Finish(sampleOutcomes()))
	require.NoError(t, store.UpdateDeployment(ctx, d))

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFailed, got.Status)
	assert.Equal(t, "0a1b2c3d", got.Commit)
	assert.Equal(t, d.Summary, got.Summary)
	assert.Equal(t, 2, got.TargetCount)
	assert.Equal(t, d.ErrorMessage, got.ErrorMessage)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, d.FinishedAt.Equal(*got.FinishedAt))
}

func TestUpdateDeployment_NotFound(t *testing.T) {
	store := setupTestStore(t)
	d, err := domain.NewDeployment(domain.DeploymentRequest{DeploymentType: "P", Repository: "r"})
	require.NoError(t, err)

	err = store.UpdateDeployment(context.Background(), d)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// List Tests
// =============================================================================

func TestListDeployments_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		d, err := domain.NewDeployment(domain.DeploymentRequest{DeploymentType: "P", Repository: "site"})
		require.NoError(t, err)
		d.CreatedAt = time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
		require.NoError(t, store.CreateDeployment(ctx, d))
		ids = append(ids, d.ID)
	}

	list, err := store.ListDeployments(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestListDeployments_Pagination(t *testing.T) {
	store := setupTestStore(t)
	for i := 0; i < 5; i++ {
		createTestDeployment(t, store, fmt.Sprintf("repo%d", i))
	}

	page, err := store.ListDeployments(context.Background(), ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := store.ListDeployments(context.Background(), ListOptions{Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestListDeployments_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, store, "website")
	createTestDeployment(t, store, "website")
	other := createTestDeployment(t, store, "intranet")

	require.NoError(t, other.Transition(domain.StatusSyncing))
	require.NoError(t, other.Fail("fetch failed"))
	require.NoError(t, store.UpdateDeployment(ctx, other))

	byRepo, err := store.ListDeployments(ctx, ListOptions{Repository: "website"})
	require.NoError(t, err)
	assert.Len(t, byRepo, 2)

	failed, err := store.ListDeployments(ctx, ListOptions{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, other.ID, failed[0].ID)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, 100, ListOptions{}.Normalize().Limit)
	assert.Equal(t, 1000, ListOptions{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 0, ListOptions{Offset: -3}.Normalize().Offset)
}

// =============================================================================
// Target Outcome Tests
// =============================================================================

func TestSaveTargetOutcomes_RoundTripInOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	outcomes := sampleOutcomes()
	require.NoError(t, store.SaveTargetOutcomes(ctx, d.ID, outcomes))

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.Targets, 2)

	assert.Equal(t, outcomes[0].Target, got.Targets[0].Target)
	assert.Equal(t, domain.TargetSucceeded, got.Targets[0].Status)
	assert.True(t, outcomes[0].StartedAt.Equal(got.Targets[0].StartedAt))
	assert.Equal(t, 42*time.Second, got.Targets[0].Duration())

	assert.Equal(t, domain.TargetStartFailed, got.Targets[1].Status)
	assert.Equal(t, -1, got.Targets[1].ExitCode)
	assert.Equal(t, outcomes[1].Error, got.Targets[1].Error)
	assert.True(t, got.Targets[1].StartedAt.IsZero())
}

func TestSaveTargetOutcomes_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	require.NoError(t, store.SaveTargetOutcomes(ctx, d.ID, sampleOutcomes()))
	require.NoError(t, store.SaveTargetOutcomes(ctx, d.ID, sampleOutcomes()[:1]))

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.Targets, 1)
}

func TestSaveTargetOutcomes_UnknownDeployment(t *testing.T) {
	store := setupTestStore(t)
	err := store.SaveTargetOutcomes(context.Background(), "missing", sampleOutcomes())
	assert.ErrorIs(t, err, ErrForeignKey)
}

// =============================================================================
// Log Tests
// =============================================================================

func TestSaveLog_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	now := time.Now().UTC()
	entries := []domain.LogEntry{
		{Anchor: 1, Text: "Got deployment request for 'Production' to website", Severity: domain.SeverityHighlight, Time: now},
		{Anchor: 5, Text: "Building App1 to /srv/app1", Severity: domain.SeverityHighlight, Time: now},
		{Anchor: 6, Parent: 5, Text: "Out> ok", Severity: domain.SeverityStdout, Time: now},
		{Anchor: 7, Text: "done", Severity: domain.SeveritySuccess, Time: now},
	}
	require.NoError(t, store.SaveLog(ctx, d.ID, entries))

	got, err := store.GetLog(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range entries {
		assert.Equal(t, entries[i].Anchor, got[i].Anchor)
		assert.Equal(t, entries[i].Parent, got[i].Parent)
		assert.Equal(t, entries[i].Text, got[i].Text)
		assert.Equal(t, entries[i].Severity, got[i].Severity)
		assert.True(t, entries[i].Time.Equal(got[i].Time))
	}
}

func TestGetLog_EmptyAndMissing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	entries, err := store.GetLog(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = store.GetLog(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLog_UnknownDeployment(t *testing.T) {
	store := setupTestStore(t)
	err := store.SaveLog(context.Background(), "missing", []domain.LogEntry{{Anchor: 1, Text: "x", Severity: domain.SeverityInfo}})
	assert.ErrorIs(t, err, ErrForeignKey)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")

	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, d.Transition(domain.StatusSyncing))
		if err := tx.UpdateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.SaveTargetOutcomes(ctx, d.ID, sampleOutcomes())
	})
	require.NoError(t, err)

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSyncing, got.Status)
	assert.Len(t, got.Targets, 2)
}

func TestWithTx_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "website")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveTargetOutcomes(ctx, d.ID, sampleOutcomes()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Targets)
}

func TestWithTx_BeginFailureKeepsCause(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())

	called := false
	err := store.WithTx(context.Background(), func(Store) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.Contains(t, err.Error(), "database is closed")

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "WithTx", se.Op)
}

func TestWithTx_Nested(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		return tx.WithTx(ctx, func(inner Store) error {
			d, err := domain.NewDeployment(domain.DeploymentRequest{DeploymentType: "P", Repository: "r"})
			if err != nil {
				return err
			}
			return inner.CreateDeployment(ctx, d)
		})
	})
	require.NoError(t, err)

	list, err := store.ListDeployments(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// =============================================================================
// File Database Tests
// =============================================================================

func TestNewSQLiteStore_FilePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployagent.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	d := createTestDeployment(t, first, "website")
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "website", got.Repository)
}
