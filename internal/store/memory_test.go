package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/models"
)

func TestCreateProject_DuplicateCodeConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p1 := &models.Project{ID: "a", Code: "AUDIT-01", StartDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, m.CreateProject(ctx, p1))

	p2 := &models.Project{ID: "b", Code: "AUDIT-01", StartDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	err := m.CreateProject(ctx, p2)
	require.True(t, apperr.IsConflict(err))
}

func TestListTransactions_Filters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now().UTC()
	mk := func(id, receiver string, risk float64, status models.TransactionStatus, age time.Duration) {
		tx := &models.Transaction{
			ID: id, ProjectID: "p1", Receiver: receiver, RiskScore: risk,
			Status: status, Timestamp: now.Add(-age), CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, m.CreateTransaction(ctx, tx))
	}
	mk("t1", "A", 0.9, models.StatusFlagged, time.Hour)
	mk("t2", "A", 0.2, models.StatusPending, 2*time.Hour)
	mk("t3", "B", 0.95, models.StatusFlagged, 48*time.Hour)

	byReceiver, err := m.ListTransactions(ctx, TransactionFilter{ProjectID: "p1", Receiver: "A"})
	require.NoError(t, err)
	require.Len(t, byReceiver, 2)

	minRisk := 0.5
	byRisk, err := m.ListTransactions(ctx, TransactionFilter{ProjectID: "p1", MinRisk: &minRisk})
	require.NoError(t, err)
	require.Len(t, byRisk, 2)

	since := now.Add(-3 * time.Hour).Unix()
	recent, err := m.ListTransactions(ctx, TransactionFilter{ProjectID: "p1", Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	byStatus, err := m.ListTransactions(ctx, TransactionFilter{ProjectID: "p1", Status: models.StatusPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
}

func TestSealedCase_RejectsExhibitWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now().UTC()
	c := &models.Case{ID: "c1", ProjectID: "p1", Title: "x", Status: models.CaseSealed, SealedAt: &now, CreatedAt: now}
	require.NoError(t, m.CreateCase(ctx, c))

	err := m.CreateExhibit(ctx, &models.CaseExhibit{ID: "e1", CaseID: "c1", Title: "late", CreatedAt: now})
	require.True(t, apperr.IsPermanent(err))
}

func TestAuditLog_AppendOnlyOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, action := range []string{"CREATE", "FORENSIC_FLAG", "CONFIRM_MATCH"} {
		entry := &models.AuditLog{
			ID: string(rune('a' + i)), EntityType: "transaction", EntityID: "t1",
			Action: action, HashSignature: action, Timestamp: time.Now().UTC(),
		}
		require.NoError(t, m.AppendAuditLog(ctx, entry))
	}

	last, err := m.LastAuditLog(ctx, "transaction", "t1")
	require.NoError(t, err)
	require.Equal(t, "CONFIRM_MATCH", last.Action)

	all, err := m.ListAuditLog(ctx, "transaction", "t1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "CREATE", all[0].Action)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx := &models.Transaction{ID: "t1", ProjectID: "p1", Description: "original", Status: models.StatusPending, Timestamp: time.Now().UTC()}
	require.NoError(t, m.CreateTransaction(ctx, tx))

	got, err := m.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	got.Description = "mutated"

	again, err := m.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "original", again.Description)
}

func TestErrorOnNextCall_SurfacesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.ErrorOnNextCall = apperr.NewTransient("disk full", nil)

	err := m.CreateProject(ctx, &models.Project{ID: "a", Code: "X"})
	require.True(t, apperr.IsTransient(err))

	require.NoError(t, m.CreateProject(ctx, &models.Project{ID: "a", Code: "X", CreatedAt: time.Now().UTC()}))
}
