// Package cases manages investigation containers and their evidence
// exhibits (§3 Case/CaseExhibit): creation, exhibit admission with risk
// propagation, and sealing through IntegrityRegistry. Once a case is
// SEALED every mutation of it or its exhibits is a Permanent error.
package cases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/registry"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

// Risk floor applied to an entity whose exhibit is admitted.
const admittedEntityRiskFloor = 0.75

// Service is the case/exhibit workflow.
type Service struct {
	store    store.Store
	bus      *eventbus.Bus
	registry *registry.Registry
	log      *logging.Logger
}

// New creates a Service.
func New(s store.Store, bus *eventbus.Bus, reg *registry.Registry, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Service{store: s, bus: bus, registry: reg, log: log}
}

// Create opens a new investigation case for a project.
func (s *Service) Create(ctx context.Context, projectID, title, actor string) (*models.Case, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	c := &models.Case{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		Status:    models.CaseNew,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCase(ctx, c); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.CaseCreated, map[string]any{
			"case_id": c.ID,
			"title":   c.Title,
		}, actor, projectID)
	}
	return c, nil
}

// AddExhibit attaches evidence to an open case.
func (s *Service) AddExhibit(ctx context.Context, caseID, title, entityRefID, actor string) (*models.CaseExhibit, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Sealed() {
		return nil, apperr.NewPermanent("case is sealed; exhibits are immutable")
	}
	ex := &models.CaseExhibit{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		Title:       title,
		EntityRefID: entityRefID,
		Verdict:     models.VerdictPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateExhibit(ctx, ex); err != nil {
		return nil, err
	}
	if c.Status == models.CaseNew {
		c.Status = models.CaseInvestigating
		if err := s.store.UpdateCase(ctx, c); err != nil {
			return nil, err
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.EvidenceAdded, map[string]any{
			"case_id":    caseID,
			"exhibit_id": ex.ID,
			"title":      title,
		}, actor, c.ProjectID)
	}
	return ex, nil
}

// Adjudicate records a verdict on an exhibit. Admission seals the
// exhibit's content hash and, for entity-typed exhibits, propagates risk
// to the referenced entity.
func (s *Service) Adjudicate(ctx context.Context, exhibitID string, verdict models.ExhibitVerdict, actor, note string) (*models.CaseExhibit, error) {
	ex, err := s.getExhibit(ctx, exhibitID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCase(ctx, ex.CaseID)
	if err != nil {
		return nil, err
	}
	if c.Sealed() {
		return nil, apperr.NewPermanent("case is sealed; exhibits are immutable")
	}

	now := time.Now().UTC()
	ex.Verdict = verdict
	ex.AdjudicatedBy = actor
	ex.AdjudicatedAt = &now
	ex.AIContradictionNote = note
	if verdict == models.VerdictAdmitted {
		ex.HashSignature = audit.FileHash([]byte(ex.CaseID + "|" + ex.ID + "|" + ex.Title))
	}
	if err := s.store.UpdateExhibit(ctx, ex); err != nil {
		return nil, err
	}

	if verdict == models.VerdictAdmitted {
		s.propagateRisk(ctx, c.ProjectID, ex, actor)
		if s.bus != nil {
			s.bus.Publish(eventbus.EvidenceVerified, map[string]any{
				"case_id":    ex.CaseID,
				"exhibit_id": ex.ID,
				"verdict":    string(verdict),
			}, actor, c.ProjectID)
		}
	}
	return ex, nil
}

// propagateRisk lifts the referenced entity's risk score to the admitted
// floor and announces the change.
func (s *Service) propagateRisk(ctx context.Context, projectID string, ex *models.CaseExhibit, actor string) {
	if ex.EntityRefID == "" {
		return
	}
	ent, err := s.store.GetEntity(ctx, ex.EntityRefID)
	if err != nil {
		return
	}
	if ent.RiskScore >= admittedEntityRiskFloor {
		return
	}
	old := ent.RiskScore
	ent.RiskScore = admittedEntityRiskFloor
	ent.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEntity(ctx, ent); err != nil {
		s.log.Warnf("cases: risk propagation for entity %s: %v", ent.ID, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.RiskUpdated, map[string]any{
			"entity_id": ent.ID,
			"old_risk":  old,
			"new_risk":  ent.RiskScore,
			"reason":    fmt.Sprintf("exhibit %s admitted", ex.ID),
		}, actor, projectID)
	}
}

// Seal freezes the case: the final report is hashed and registered
// through IntegrityRegistry, status becomes SEALED, and any later
// mutation fails with a Permanent error.
func (s *Service) Seal(ctx context.Context, caseID string, finalReport []byte, sealer string) (*models.Case, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Sealed() {
		return nil, apperr.NewPermanent("case already sealed")
	}

	entry, err := s.registry.Seal(ctx, finalReport, registry.SealRequest{
		ProjectID:  c.ProjectID,
		EntityType: models.RegistryDossier,
		EntityID:   c.ID,
		SealedBy:   sealer,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.Status = models.CaseSealed
	c.FinalReportHash = entry.FileHash
	c.SealedAt = &now
	c.SealedBy = sealer
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.CaseClosed, map[string]any{
			"case_id":           c.ID,
			"final_report_hash": c.FinalReportHash,
		}, sealer, c.ProjectID)
	}
	return c, nil
}

func (s *Service) getExhibit(ctx context.Context, id string) (*models.CaseExhibit, error) {
	return s.store.GetExhibit(ctx, id)
}
