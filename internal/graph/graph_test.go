package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

func TestDetectCycles_ABCCircularFlow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		sender, receiver string
		amount           float64
	}{
		{"A", "B", 50_000_000},
		{"B", "C", 48_000_000},
		{"C", "A", 45_000_000},
	}
	for i, r := range rows {
		require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
			ID: "tx" + string(rune('0'+i)), ProjectID: "p1", Sender: r.sender, Receiver: r.receiver,
			ActualAmount: r.amount, Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	a := New(s, eventbus.New(nil))
	cycles, err := a.DetectCycles(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, 3, cycles[0].Depth)
	require.InDelta(t, 45_000_000, cycles[0].MinFlow, 1e-9)
	require.GreaterOrEqual(t, cycles[0].RiskScore, 0.90)
}

func TestDetectCycles_DepthTwoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
		ID: "tx0", ProjectID: "p1", Sender: "A", Receiver: "B",
		ActualAmount: 10_000_000, Timestamp: base,
	}))
	require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
		ID: "tx1", ProjectID: "p1", Sender: "B", Receiver: "A",
		ActualAmount: 9_000_000, Timestamp: base.Add(time.Hour),
	}))

	a := New(s, eventbus.New(nil))
	cycles, err := a.DetectCycles(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, 2, cycles[0].Depth)
	require.InDelta(t, 9_000_000, cycles[0].MinFlow, 1e-9)
	require.InDelta(t, 0.75, cycles[0].RiskScore, 1e-9)
}

func TestDetectCycles_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	forward := store.NewMemory()
	reversed := store.NewMemory()
	require.NoError(t, forward.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))
	require.NoError(t, reversed.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		id, sender, receiver string
		amount               float64
	}{
		{"tx0", "A", "B", 50_000_000},
		{"tx1", "B", "C", 48_000_000},
		{"tx2", "C", "A", 45_000_000},
	}
	for i, r := range rows {
		tx := &models.Transaction{ID: r.id, ProjectID: "p1", Sender: r.sender, Receiver: r.receiver, ActualAmount: r.amount, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, forward.CreateTransaction(ctx, tx))
	}
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		tx := &models.Transaction{ID: r.id, ProjectID: "p1", Sender: r.sender, Receiver: r.receiver, ActualAmount: r.amount, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, reversed.CreateTransaction(ctx, tx))
	}

	af := New(forward, eventbus.New(nil))
	ar := New(reversed, eventbus.New(nil))
	cf, err := af.DetectCycles(ctx, "p1", 0)
	require.NoError(t, err)
	cr, err := ar.DetectCycles(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, cf, 1)
	require.Len(t, cr, 1)
	require.Equal(t, cf[0].MinFlow, cr[0].MinFlow)
}

func TestResolveUBO_CompanyChainMultipliesStake(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateEntity(ctx, &models.Entity{ID: "target", Type: models.EntityCompany}))
	require.NoError(t, s.CreateEntity(ctx, &models.Entity{ID: "holdco", Type: models.EntityCompany}))
	require.NoError(t, s.CreateEntity(ctx, &models.Entity{ID: "person", Type: models.EntityPerson}))

	require.NoError(t, s.CreateOwnership(ctx, &models.Ownership{
		ID: "o1", ParentEntityID: "holdco", ChildEntityID: "target",
		RelationshipType: models.RelShareholder, StakePercentage: 100,
	}))
	require.NoError(t, s.CreateOwnership(ctx, &models.Ownership{
		ID: "o2", ParentEntityID: "person", ChildEntityID: "holdco",
		RelationshipType: models.RelShareholder, StakePercentage: 40,
	}))

	a := New(s, eventbus.New(nil))
	candidates, err := a.ResolveUBO(ctx, "target")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "person", candidates[0].EntityID)
	require.InDelta(t, 40.0, candidates[0].EffectiveStake, 1e-9)
	require.True(t, candidates[0].IsUBOCandidate)
	require.True(t, candidates[0].IntermediateCompany)
}

func TestRunBenford_FlagsDeviation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))
	for i := 0; i < 20; i++ {
		require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
			ID: "tx" + string(rune('a'+i)), ProjectID: "p1", ActualAmount: 9_000_000 + float64(i),
		}))
	}
	a := New(s, eventbus.New(nil))
	result, err := a.RunBenford(ctx, "p1")
	require.NoError(t, err)
	require.Greater(t, result.Deviation, 0.5)
}

func TestDetectStructuringBursts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Code: "P1"}))
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTransaction(ctx, &models.Transaction{
			ID: "tx" + string(rune('a'+i)), ProjectID: "p1", Receiver: "Bob",
			ActualAmount: 20_000_000, Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	a := New(s, eventbus.New(nil))
	insights, err := a.DetectStructuringBursts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	require.Equal(t, models.InsightSmurfing, insights[0].Kind)
}
