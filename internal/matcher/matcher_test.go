package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/currency"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/semantic"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

func newTestMatcher(t *testing.T) (*Matcher, store.Store) {
	t.Helper()
	s := store.NewMemory()
	bus := eventbus.New(nil)
	m := New(s, currency.NewFallback(), semantic.NewFallback(), bus, DefaultConfig())
	return m, s
}

func TestDirectMatch_TierOnePerfect(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMatcher(t)

	proj := &models.Project{ID: "p1", Code: "P1"}
	require.NoError(t, s.CreateProject(ctx, proj))

	date := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	tx := &models.Transaction{
		ID: "tx1", ProjectID: "p1", ActualAmount: 3_125_000_000, Currency: "IDR",
		Sender: "PT. SEMEN INDONESIA", Description: "Payment INV-2024-001234",
		Category: models.CategoryVendor, Status: models.StatusPending,
		Timestamp: date,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))

	bankDate := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	bank := &models.BankTransaction{
		ID: "bk1", ProjectID: "p1", Amount: 3_125_000_000, Currency: "IDR",
		Description: "TRF PT SEMEN INDONESIA INVOICE INV-2024-001234", Timestamp: bankDate,
	}
	require.NoError(t, s.CreateBankTransaction(ctx, bank))

	matches, skipped, err := m.Suggest(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.NotEmpty(t, matches)

	var direct *models.ReconciliationMatch
	for _, mm := range matches {
		if mm.MatchType == models.MatchDirect {
			direct = mm
		}
	}
	require.NotNil(t, direct)
	require.GreaterOrEqual(t, direct.ConfidenceScore, 0.95)
	require.Contains(t, direct.AIReasoning, "TIER_1_PERFECT")
	require.Contains(t, direct.AIReasoning, "AUTO_OK")
}

func TestAggregateMatch_ThreeContributors(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMatcher(t)
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))

	d := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	amounts := []float64{3_000_000, 1_500_000, 500_000}
	cats := []models.Category{models.CategoryVendor, models.CategoryPersonnel, models.CategoryFixed}
	for i, amt := range amounts {
		tx := &models.Transaction{
			ID: "tx" + string(rune('a'+i)), ProjectID: "p1", ActualAmount: amt, Currency: "IDR",
			Category: cats[i], Status: models.StatusPending, Timestamp: d,
		}
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}
	require.NoError(t, s.CreateBankTransaction(ctx, &models.BankTransaction{
		ID: "bk1", ProjectID: "p1", Amount: 5_000_000, Currency: "IDR", Timestamp: d,
	}))

	matches, _, err := m.Suggest(ctx, "p1")
	require.NoError(t, err)

	var agg []*models.ReconciliationMatch
	for _, mm := range matches {
		if mm.MatchType == models.MatchAggregate {
			agg = append(agg, mm)
		}
	}
	require.Len(t, agg, 3)
	for _, mm := range agg {
		require.Equal(t, "bk1", mm.BankTxID)
		require.InDelta(t, 0.9, mm.ConfidenceScore, 1e-9)
	}
}

func TestConfirm_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMatcher(t)
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))
	require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
		ID: "tx1", ProjectID: "p1", ActualAmount: 100, Status: models.StatusPending,
	}))
	require.NoError(t, s.CreateBankTransaction(ctx, &models.BankTransaction{
		ID: "bk1", ProjectID: "p1", Amount: 100,
	}))
	require.NoError(t, s.CreateMatch(ctx, &models.ReconciliationMatch{
		ID: "m1", InternalTxID: "tx1", BankTxID: "bk1", MatchType: models.MatchDirect,
		AIReasoning: "TIER_1_PERFECT | AUTO_OK",
	}))

	require.NoError(t, m.Confirm(ctx, "m1", "tester"))
	require.NoError(t, m.Confirm(ctx, "m1", "tester"))

	logs, err := s.ListAuditLog(ctx, "Transaction", "tx1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "CONFIRM_MATCH", logs[0].Action)

	tx, err := s.GetTransaction(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, models.StatusMatched, tx.Status)
}

func TestAutoConfirm_ConfirmsOnlyAutoOK(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMatcher(t)
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))
	require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{ID: "tx1", ProjectID: "p1", Status: models.StatusPending}))
	require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{ID: "tx2", ProjectID: "p1", Status: models.StatusPending}))
	require.NoError(t, s.CreateBankTransaction(ctx, &models.BankTransaction{ID: "bk1", ProjectID: "p1"}))
	require.NoError(t, s.CreateBankTransaction(ctx, &models.BankTransaction{ID: "bk2", ProjectID: "p1"}))
	require.NoError(t, s.CreateMatch(ctx, &models.ReconciliationMatch{
		ID: "m1", InternalTxID: "tx1", BankTxID: "bk1", AIReasoning: "TIER_1_PERFECT | AUTO_OK",
	}))
	require.NoError(t, s.CreateMatch(ctx, &models.ReconciliationMatch{
		ID: "m2", InternalTxID: "tx2", BankTxID: "bk2", AIReasoning: "TIER_3_PROBABLE | REVIEW",
	}))

	result, err := m.AutoConfirm(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, result.Confirmed, 1)
	require.Len(t, result.Review, 1)

	result2, err := m.AutoConfirm(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, result2.Confirmed)
}
