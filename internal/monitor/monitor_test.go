package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/config"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{IntervalSeconds: 300, DebounceSeconds: 300}
}

func floatPtr(v float64) *float64 { return &v }

func seedProject(t *testing.T, s store.Store, id string, lat, lon *float64) *models.Project {
	t.Helper()
	p := &models.Project{ID: id, Name: id, Code: id, Status: models.ProjectActive, SiteLat: lat, SiteLon: lon, StartDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func TestHighRiskCheck_SummarizesRecentTransactions(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedProject(t, s, "p1", nil, nil)

	for i, risk := range []float64{0.95, 0.92, 0.3} {
		tx := &models.Transaction{
			ID: string(rune('a' + i)), ProjectID: "p1", ActualAmount: 1_000_000,
			RiskScore: risk, Status: models.StatusFlagged,
			Timestamp: time.Now().UTC().Add(-10 * time.Minute),
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	m := New(s, eventbus.New(nil), nil, testConfig())
	pid := "p1"
	alerts, err := m.Run(ctx, &pid)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "high_risk", alerts[0].AlertType)
	require.Equal(t, models.SeverityHigh, alerts[0].Severity)
	require.Contains(t, alerts[0].Description, "2 high-risk transactions")
}

func TestHighRiskCheck_DebouncesRepeatRuns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedProject(t, s, "p1", nil, nil)
	tx := &models.Transaction{
		ID: "t1", ProjectID: "p1", ActualAmount: 5_000_000, RiskScore: 0.95,
		Status: models.StatusFlagged, Timestamp: time.Now().UTC(),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))

	m := New(s, nil, nil, testConfig())
	pid := "p1"
	first, err := m.Run(ctx, &pid)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := m.Run(ctx, &pid)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestGPSCheck_SeverityByDistance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	// ~0.6° latitude ≈ 67 km; ~2.5° ≈ 278 km
	seedProject(t, s, "near", floatPtr(-6.2), floatPtr(106.8))
	seedProject(t, s, "far", floatPtr(-6.2), floatPtr(106.8))

	high := &models.Transaction{
		ID: "t-high", ProjectID: "near", ActualAmount: 1, Status: models.StatusPending,
		Lat: floatPtr(-6.8), Lon: floatPtr(106.8),
		Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTransaction(ctx, high))

	critical := &models.Transaction{
		ID: "t-crit", ProjectID: "far", ActualAmount: 1, Status: models.StatusPending,
		Lat: floatPtr(-8.7), Lon: floatPtr(106.8),
		Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTransaction(ctx, critical))

	m := New(s, nil, nil, testConfig())
	alerts, err := m.Run(ctx, nil)
	require.NoError(t, err)

	bySeverity := map[models.AlertSeverity]int{}
	for _, a := range alerts {
		if a.AlertType == "gps_anomaly" {
			bySeverity[a.Severity]++
		}
	}
	require.Equal(t, 1, bySeverity[models.SeverityHigh])
	require.Equal(t, 1, bySeverity[models.SeverityCritical])
}

func TestReactive_BatchFailureProducesAlert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := store.NewMemory()
	bus := eventbus.New(nil)
	seedProject(t, s, "p1", nil, nil)

	m := New(s, bus, nil, testConfig())
	go m.reactiveLoop(ctx)
	defer m.Stop()

	bus.Publish(eventbus.BatchJobFailed, map[string]any{"error": "retries exhausted"}, "", "p1")

	require.Eventually(t, func() bool {
		alerts, err := s.ListRecentAlerts(ctx, "p1", 0)
		return err == nil && len(alerts) == 1 && alerts[0].AlertType == "batch_failure"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReactive_PatternSeverityThresholds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedProject(t, s, "p1", nil, nil)
	m := New(s, nil, nil, testConfig())

	m.checkPattern(ctx, eventbus.Event{
		Type:    eventbus.PatternIdentified,
		Project: "p1",
		Data:    map[string]any{"risk_level": 0.9, "pattern": "layering chain"},
	})
	alerts, err := s.ListRecentAlerts(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, models.SeverityCritical, alerts[0].Severity)

	// Below the warning floor: nothing emitted.
	m.checkPattern(ctx, eventbus.Event{
		Type:    eventbus.PatternIdentified,
		Project: "p2",
		Data:    map[string]any{"risk_level": 0.5},
	})
	alerts, err = s.ListRecentAlerts(ctx, "p2", 0)
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestReconciliationGap_WarnsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedProject(t, s, "p1", nil, nil)

	for i := 0; i < 10; i++ {
		status := models.StatusPending
		if i < 2 {
			status = models.StatusMatched
		}
		tx := &models.Transaction{
			ID: string(rune('a' + i)), ProjectID: "p1", ActualAmount: 1,
			Status: status, Timestamp: time.Now().UTC(),
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	m := New(s, nil, nil, testConfig())
	m.checkReconciliationGap(ctx, "p1")

	alerts, err := s.ListRecentAlerts(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "reconciliation_gap", alerts[0].AlertType)
}

func TestProactiveAlertPublishedOnBus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	bus := eventbus.New(nil)
	seedProject(t, s, "p1", nil, nil)
	tx := &models.Transaction{
		ID: "t1", ProjectID: "p1", ActualAmount: 1, RiskScore: 0.95,
		Status: models.StatusFlagged, Timestamp: time.Now().UTC(),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))

	var published []eventbus.Event
	bus.Subscribe(eventbus.ProactiveAlert, func(ev eventbus.Event) { published = append(published, ev) })

	m := New(s, bus, nil, testConfig())
	pid := "p1"
	_, err := m.Run(ctx, &pid)
	require.NoError(t, err)
	require.Len(t, published, 1)
	require.Equal(t, "high_risk", published[0].Data["alert_type"])
}
