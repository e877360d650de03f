package cases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/registry"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, *eventbus.Bus) {
	t.Helper()
	s := store.NewMemory()
	bus := eventbus.New(nil)
	reg := registry.New(s, nil, nil)
	svc := New(s, bus, reg, nil)

	p := &models.Project{ID: "p1", Name: "Bridge Audit", Code: "BR-01", Status: models.ProjectAuditMode, StartDate: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return svc, s, bus
}

func TestCreate_PublishesCaseCreated(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTestService(t)

	var events []eventbus.Event
	bus.Subscribe(eventbus.CaseCreated, func(ev eventbus.Event) { events = append(events, ev) })

	c, err := svc.Create(ctx, "p1", "Vendor inflation probe", "investigator-1")
	require.NoError(t, err)
	require.Equal(t, models.CaseNew, c.Status)
	require.Len(t, events, 1)
	require.Equal(t, c.ID, events[0].Data["case_id"])
}

func TestCreate_UnknownProject(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "missing", "x", "")
	require.True(t, apperr.IsNotFound(err))
}

func TestAddExhibit_MovesCaseToInvestigating(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)

	c, err := svc.Create(ctx, "p1", "case", "")
	require.NoError(t, err)

	ex, err := svc.AddExhibit(ctx, c.ID, "Bank slip", "", "investigator-1")
	require.NoError(t, err)
	require.Equal(t, models.VerdictPending, ex.Verdict)

	updated, err := s.GetCase(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CaseInvestigating, updated.Status)
}

func TestAdjudicate_AdmissionPropagatesEntityRisk(t *testing.T) {
	ctx := context.Background()
	svc, s, bus := newTestService(t)

	ent := &models.Entity{ID: "e1", CanonicalName: "PT Fiktif Jaya", Type: models.EntityCompany, RiskScore: 0.2, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateEntity(ctx, ent))

	var riskEvents []eventbus.Event
	bus.Subscribe(eventbus.RiskUpdated, func(ev eventbus.Event) { riskEvents = append(riskEvents, ev) })

	c, err := svc.Create(ctx, "p1", "case", "")
	require.NoError(t, err)
	ex, err := svc.AddExhibit(ctx, c.ID, "Shell company registration", "e1", "")
	require.NoError(t, err)

	adjudicated, err := svc.Adjudicate(ctx, ex.ID, models.VerdictAdmitted, "judge-1", "")
	require.NoError(t, err)
	require.Equal(t, models.VerdictAdmitted, adjudicated.Verdict)
	require.NotEmpty(t, adjudicated.HashSignature)

	after, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, 0.75, after.RiskScore)
	require.Len(t, riskEvents, 1)
}

func TestAdjudicate_RejectionSkipsPropagation(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)

	ent := &models.Entity{ID: "e1", CanonicalName: "PT Bersih", Type: models.EntityCompany, RiskScore: 0.2, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateEntity(ctx, ent))

	c, _ := svc.Create(ctx, "p1", "case", "")
	ex, _ := svc.AddExhibit(ctx, c.ID, "Receipt", "e1", "")

	_, err := svc.Adjudicate(ctx, ex.ID, models.VerdictRejected, "judge-1", "contradicts ledger")
	require.NoError(t, err)

	after, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, 0.2, after.RiskScore)
}

func TestSeal_FreezesCase(t *testing.T) {
	ctx := context.Background()
	svc, s, bus := newTestService(t)

	var closed []eventbus.Event
	bus.Subscribe(eventbus.CaseClosed, func(ev eventbus.Event) { closed = append(closed, ev) })

	c, err := svc.Create(ctx, "p1", "case", "")
	require.NoError(t, err)
	ex, err := svc.AddExhibit(ctx, c.ID, "exhibit", "", "")
	require.NoError(t, err)

	report := []byte("final forensic report")
	sealed, err := svc.Seal(ctx, c.ID, report, "lead-auditor")
	require.NoError(t, err)
	require.Equal(t, models.CaseSealed, sealed.Status)
	require.Equal(t, audit.FileHash(report), sealed.FinalReportHash)
	require.NotNil(t, sealed.SealedAt)
	require.Len(t, closed, 1)

	// The registry holds the dossier hash.
	entry, err := s.FindRegistryEntryByHash(ctx, sealed.FinalReportHash)
	require.NoError(t, err)
	require.Equal(t, models.RegistryDossier, entry.EntityType)
	require.Equal(t, c.ID, entry.EntityID)

	// Every further mutation is Permanent.
	_, err = svc.AddExhibit(ctx, c.ID, "late evidence", "", "")
	require.True(t, apperr.IsPermanent(err))

	_, err = svc.Adjudicate(ctx, ex.ID, models.VerdictAdmitted, "", "")
	require.True(t, apperr.IsPermanent(err))

	_, err = svc.Seal(ctx, c.ID, []byte("second report"), "")
	require.True(t, apperr.IsPermanent(err))
}
