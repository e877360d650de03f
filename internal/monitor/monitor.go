// Package monitor implements ProactiveMonitor (§4.9): a periodic check
// battery plus reactive EventBus subscriptions, producing deduplicated
// FraudAlert records and proactive.alert events. The periodic cadence
// rides robfig/cron the way the teacher's automation scheduler drives
// its polling loop; reactive checks run on a dedicated worker goroutine
// so bus publishers are never blocked (§5).
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/r3e-audit/forensic-engine/internal/config"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/geo"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

const (
	highRiskThreshold    = 0.9
	gpsHighKm            = 50.0
	gpsCriticalKm        = 200.0
	unmatchedGapPct      = 15.0
	patternCriticalLevel = 0.85
	patternWarningLevel  = 0.7
	bucketCap            = 50
)

// alertBucket keeps the debounce ring for one (scope, alert_type,
// project) key.
type alertBucket struct {
	lastEmitted time.Time
	recent      []time.Time
}

// Monitor runs the proactive check battery.
type Monitor struct {
	store store.Store
	bus   *eventbus.Bus
	log   *logging.Logger
	cfg   config.MonitorConfig

	cron   *cron.Cron
	events chan eventbus.Event

	mu      sync.Mutex
	buckets map[string]*alertBucket

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Monitor and registers its reactive subscriptions on bus.
// Call Start to begin the periodic cadence and the reactive worker.
func New(s store.Store, bus *eventbus.Bus, log *logging.Logger, cfg config.MonitorConfig) *Monitor {
	if log == nil {
		log = logging.NewDefault()
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 300
	}
	if cfg.DebounceSeconds <= 0 {
		cfg.DebounceSeconds = 300
	}
	m := &Monitor{
		store:   s,
		bus:     bus,
		log:     log,
		cfg:     cfg,
		events:  make(chan eventbus.Event, 256),
		buckets: make(map[string]*alertBucket),
		done:    make(chan struct{}),
	}
	if bus != nil {
		for _, typ := range []eventbus.EventType{
			eventbus.ReconciliationCompleted,
			eventbus.PatternIdentified,
			eventbus.BatchJobFailed,
		} {
			bus.Subscribe(typ, m.enqueue)
		}
	}
	return m
}

// enqueue hands the event to the reactive worker without blocking the
// publisher; a full queue drops the event (checks are best-effort).
func (m *Monitor) enqueue(ev eventbus.Event) {
	select {
	case m.events <- ev:
	default:
		m.log.WithField("event", ev.Type).Warn("monitor: reactive queue full, dropping event")
	}
}

// Start launches the reactive worker and the periodic cadence.
func (m *Monitor) Start(ctx context.Context) {
	go m.reactiveLoop(ctx)

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", m.cfg.IntervalSeconds)
	_, err := m.cron.AddFunc(spec, func() {
		if _, err := m.Run(context.Background(), nil); err != nil {
			m.log.Warnf("monitor: periodic run: %v", err)
		}
	})
	if err != nil {
		m.log.Errorf("monitor: schedule periodic run: %v", err)
		return
	}
	m.cron.Start()
}

// Stop halts the periodic cadence and the reactive worker.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cron != nil {
			m.cron.Stop()
		}
		close(m.done)
	})
}

func (m *Monitor) reactiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ReconciliationCompleted:
		m.checkReconciliationGap(ctx, ev.Project)
	case eventbus.PatternIdentified:
		m.checkPattern(ctx, ev)
	case eventbus.BatchJobFailed:
		m.emit(ctx, ev.Project, "", "batch_failure", models.SeverityMedium, 0,
			fmt.Sprintf("Batch job failed: %v. Actions: retry job, inspect logs.", ev.Data["error"]))
	}
}

// Run executes the periodic check battery. A nil projectID runs every
// project; otherwise only the named one.
func (m *Monitor) Run(ctx context.Context, projectID *string) ([]*models.FraudAlert, error) {
	var projects []*models.Project
	if projectID != nil {
		p, err := m.store.GetProject(ctx, *projectID)
		if err != nil {
			return nil, err
		}
		projects = []*models.Project{p}
	} else {
		var err error
		projects, err = m.store.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
	}

	var out []*models.FraudAlert
	for _, p := range projects {
		out = append(out, m.checkHighRisk(ctx, p)...)
		out = append(out, m.checkGPS(ctx, p)...)
	}
	return out, nil
}

// checkHighRisk emits one summary alert for transactions with
// risk_score > 0.9 in the last hour.
func (m *Monitor) checkHighRisk(ctx context.Context, p *models.Project) []*models.FraudAlert {
	since := time.Now().UTC().Add(-time.Hour).Unix()
	minRisk := highRiskThreshold
	txs, err := m.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: p.ID,
		MinRisk:   &minRisk,
		Since:     &since,
	})
	if err != nil {
		return nil
	}
	var (
		count int
		sum   float64
	)
	for _, tx := range txs {
		if tx.RiskScore > highRiskThreshold {
			count++
			sum += tx.ActualAmount
		}
	}
	if count == 0 {
		return nil
	}
	desc := fmt.Sprintf("%d high-risk transactions in the last hour totalling %.2f", count, sum)
	if a := m.emit(ctx, p.ID, "", "high_risk", models.SeverityHigh, highRiskThreshold, desc); a != nil {
		return []*models.FraudAlert{a}
	}
	return nil
}

// checkGPS flags transactions far from the project site: >50 km high,
// >200 km critical.
func (m *Monitor) checkGPS(ctx context.Context, p *models.Project) []*models.FraudAlert {
	if !p.HasCoords() {
		return nil
	}
	txs, err := m.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: p.ID})
	if err != nil {
		return nil
	}
	var out []*models.FraudAlert
	for _, tx := range txs {
		if tx.Lat == nil || tx.Lon == nil {
			continue
		}
		dist := geo.HaversineKm(*p.SiteLat, *p.SiteLon, *tx.Lat, *tx.Lon)
		if dist <= gpsHighKm {
			continue
		}
		sev := models.SeverityHigh
		if dist > gpsCriticalKm {
			sev = models.SeverityCritical
		}
		desc := fmt.Sprintf("Transaction %s is %.1f km from the project site", tx.ID, dist)
		if a := m.emit(ctx, p.ID, tx.ID, "gps_anomaly", sev, tx.RiskScore, desc); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// checkReconciliationGap warns when the unmatched share exceeds 15%
// after a reconciliation pass.
func (m *Monitor) checkReconciliationGap(ctx context.Context, projectID string) {
	txs, err := m.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil || len(txs) == 0 {
		return
	}
	unmatched := 0
	for _, tx := range txs {
		if tx.Status != models.StatusMatched {
			unmatched++
		}
	}
	pct := float64(unmatched) / float64(len(txs)) * 100
	if pct <= unmatchedGapPct {
		return
	}
	desc := fmt.Sprintf("%.1f%% of ledger rows remain unmatched after reconciliation", pct)
	m.emit(ctx, projectID, "", "reconciliation_gap", models.SeverityMedium, 0, desc)
}

func (m *Monitor) checkPattern(ctx context.Context, ev eventbus.Event) {
	level, _ := ev.Data["risk_level"].(float64)
	var sev models.AlertSeverity
	switch {
	case level > patternCriticalLevel:
		sev = models.SeverityCritical
	case level > patternWarningLevel:
		sev = models.SeverityMedium
	default:
		return
	}
	desc := fmt.Sprintf("Pattern identified with risk level %.2f: %v", level, ev.Data["pattern"])
	m.emit(ctx, ev.Project, "", "pattern", sev, level, desc)
}

// emit applies debounce/dedup per (scope, alert_type, project) and, if
// the alert survives, persists it and publishes proactive.alert. Returns
// nil when debounced.
func (m *Monitor) emit(ctx context.Context, projectID, txID, alertType string, sev models.AlertSeverity, risk float64, desc string) *models.FraudAlert {
	key := "global|" + alertType + "|" + projectID
	now := time.Now().UTC()
	debounce := time.Duration(m.cfg.DebounceSeconds) * time.Second

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &alertBucket{}
		m.buckets[key] = b
	}
	if !b.lastEmitted.IsZero() && now.Sub(b.lastEmitted) < debounce {
		m.mu.Unlock()
		return nil
	}
	b.lastEmitted = now
	b.recent = append(b.recent, now)
	if len(b.recent) > bucketCap {
		b.recent = b.recent[len(b.recent)-bucketCap:]
	}
	m.mu.Unlock()

	alert := &models.FraudAlert{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		TransactionID: txID,
		AlertType:     alertType,
		Severity:      sev,
		RiskScore:     risk,
		Description:   desc,
		CreatedAt:     now,
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		m.log.Warnf("monitor: persist alert: %v", err)
		return nil
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.ProactiveAlert, map[string]any{
			"alert_id":   alert.ID,
			"alert_type": alert.AlertType,
			"severity":   string(alert.Severity),
			"risk_score": alert.RiskScore,
			"message":    alert.Description,
		}, "", projectID)
	}
	return alert
}
