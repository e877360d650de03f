package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

func floatPtr(v float64) *float64 { return &v }

func baseTx(id string) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID: id, ProjectID: "p1", Currency: "IDR",
		Category: models.CategoryVendor, Status: models.StatusPending,
		Timestamp: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	}
}

func newEngine(t *testing.T) (*Engine, *store.Memory, *models.Project) {
	t.Helper()
	s := store.NewMemory()
	p := &models.Project{ID: "p1", Code: "P1", StartDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return New(s), s, p
}

func TestInflationRule(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ProposedAmount = 7_550_000
	tx.ActualAmount = 5_250_000
	tx.Description = "Bapa Banda"

	res := e.Evaluate(context.Background(), tx, p)

	require.Equal(t, 2_300_000.0, tx.DeltaInflation)
	require.Equal(t, models.StatusFlagged, tx.Status)
	require.Equal(t, models.AMLPlacement, tx.AMLStage)
	require.Contains(t, res.Triggers, "Penggelembungan")
	require.Contains(t, tx.MensReaDescription, "Penggelembungan")
}

func TestDeltaInflationNeverNegative(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ProposedAmount = 1_000_000
	tx.ActualAmount = 2_000_000

	e.Evaluate(context.Background(), tx, p)
	require.Zero(t, tx.DeltaInflation)
}

func TestEvidenceGapLocksTransaction(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ActualAmount = 1_200_000
	tx.ProposedAmount = 1_200_000
	tx.AuditComment = "BUTUH BUKTI - No receipt found"

	e.Evaluate(context.Background(), tx, p)

	require.Equal(t, models.StatusLocked, tx.Status)
	require.True(t, tx.Flags.NeedsProof)
	require.Equal(t, models.AMLPlacement, tx.AMLStage)
}

func TestPersonalLeakageRecategorizes(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ActualAmount = 500_000
	tx.ProposedAmount = 500_000
	tx.Description = "Transfer REK SENDIRI bulanan"

	e.Evaluate(context.Background(), tx, p)

	require.Equal(t, models.CategoryExpense, tx.Category)
	require.True(t, tx.Flags.PotentialMisappropriation)
	require.Equal(t, models.AMLPlacement, tx.AMLStage)
}

func TestFabricationSetsLayering(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ActualAmount = 500_000
	tx.ProposedAmount = 500_000
	tx.AuditComment = "nilai NGARANG saja"

	e.Evaluate(context.Background(), tx, p)

	require.Equal(t, models.StatusFlagged, tx.Status)
	require.Equal(t, models.AMLLayering, tx.AMLStage)
}

func TestStructuringHalfOpenWindow(t *testing.T) {
	e, _, p := newEngine(t)

	at := func(amount float64) []string {
		tx := baseTx(fmt.Sprintf("t-%.0f", amount))
		tx.ActualAmount = amount
		tx.ProposedAmount = amount
		return e.Evaluate(context.Background(), tx, p).Triggers
	}

	require.Contains(t, at(90_000_000), "Structuring")
	require.Contains(t, at(99_999_999), "Structuring")
	require.NotContains(t, at(100_000_000), "Structuring")
	require.NotContains(t, at(89_999_999), "Structuring")
}

func TestChannelRiskRequiresCashOverThreshold(t *testing.T) {
	e, _, p := newEngine(t)

	tx := baseTx("t1")
	tx.ActualAmount = 150_000_000
	tx.ProposedAmount = 150_000_000
	tx.Description = "Pembayaran TUNAI material"
	e.Evaluate(context.Background(), tx, p)
	require.Equal(t, models.StatusFlagged, tx.Status)
	require.Equal(t, models.AMLPlacement, tx.AMLStage)

	small := baseTx("t2")
	small.ActualAmount = 50_000_000
	small.ProposedAmount = 50_000_000
	small.Description = "Pembayaran TUNAI kecil"
	e.Evaluate(context.Background(), small, p)
	require.Equal(t, models.StatusPending, small.Status)
}

func TestGeographicBoundary(t *testing.T) {
	e, _, _ := newEngine(t)
	p := &models.Project{ID: "p1", Code: "PG", SiteLat: floatPtr(-6.2), SiteLon: floatPtr(106.8)}

	// ~0.44° latitude ≈ 49 km: inside the 50 km radius.
	near := baseTx("near")
	near.ActualAmount = 1_000_000
	near.ProposedAmount = 1_000_000
	near.Lat, near.Lon = floatPtr(-6.64), floatPtr(106.8)
	e.Evaluate(context.Background(), near, p)
	require.Equal(t, models.StatusPending, near.Status)

	// ~0.6° ≈ 67 km: outside.
	far := baseTx("far")
	far.ActualAmount = 1_000_000
	far.ProposedAmount = 1_000_000
	far.Lat, far.Lon = floatPtr(-6.8), floatPtr(106.8)
	e.Evaluate(context.Background(), far, p)
	require.Equal(t, models.StatusFlagged, far.Status)
	require.Equal(t, models.AMLIntegration, far.AMLStage)
}

func TestVelocityRule(t *testing.T) {
	ctx := context.Background()
	e, s, p := newEngine(t)

	base := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		other := baseTx(fmt.Sprintf("prior-%d", i))
		other.Receiver = "CV Cepat Kaya"
		other.ActualAmount = 1_000_000
		other.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateTransaction(ctx, other))
	}

	tx := baseTx("t1")
	tx.Receiver = "CV Cepat Kaya"
	tx.ActualAmount = 1_000_000
	tx.ProposedAmount = 1_000_000
	tx.Timestamp = base.Add(time.Hour)

	res := e.Evaluate(ctx, tx, p)
	require.Contains(t, res.Triggers, "Velocity")
	require.Equal(t, models.AMLLayering, tx.AMLStage)
}

func TestFuzzyDuplicateRule(t *testing.T) {
	ctx := context.Background()
	e, s, p := newEngine(t)

	prior := baseTx("prior")
	prior.Description = "Pembelian semen 50 sak proyek jembatan"
	prior.ActualAmount = 10_000_000
	prior.Timestamp = time.Now().UTC().Add(-6 * time.Hour)
	require.NoError(t, s.CreateTransaction(ctx, prior))

	tx := baseTx("t1")
	tx.Description = "Pembelian semen 50 sak proyek jembatan"
	tx.ActualAmount = 10_100_000
	tx.ProposedAmount = 10_100_000

	res := e.Evaluate(ctx, tx, p)
	require.Contains(t, res.Triggers, "Fuzzy Duplicate")
	require.True(t, tx.Flags.IsCircular)
}

func TestRiskHeuristicFlagsAtThreshold(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ActualAmount = 100_000
	tx.ProposedAmount = 100_000
	tx.Description = "Kirim untuk KELUARGA di kampung"

	e.Evaluate(context.Background(), tx, p)

	// base 0.05 + keyword 0.3 + family 0.5 = 0.85
	require.InDelta(t, 0.85, tx.RiskScore, 0.001)
	require.Equal(t, models.StatusFlagged, tx.Status)
}

func TestLockedImpliesNeedsProof(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ActualAmount = 100_000
	tx.ProposedAmount = 100_000
	tx.AuditComment = "cek penggunaan dana"

	e.Evaluate(context.Background(), tx, p)
	require.Equal(t, models.StatusLocked, tx.Status)
	require.True(t, tx.Flags.NeedsProof)
}

func TestTriggersDeduplicatedInMensRea(t *testing.T) {
	e, _, p := newEngine(t)
	tx := baseTx("t1")
	tx.ProposedAmount = 2_000_000
	tx.ActualAmount = 1_000_000

	e.Evaluate(context.Background(), tx, p)
	first := tx.MensReaDescription
	e.Evaluate(context.Background(), tx, p)
	require.Equal(t, first, tx.MensReaDescription)
}
