package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/models"
)

// Memory is an in-memory Store, grounded on the teacher's
// infrastructure/database MockRepository shape (RWMutex-guarded maps,
// an injectable error for failure-path tests). It backs unit tests and
// any deployment that does not need cross-process durability.
type Memory struct {
	mu sync.RWMutex

	projects   map[string]*models.Project
	entities   map[string]*models.Entity
	txs        map[string]*models.Transaction
	bankTxs    map[string]*models.BankTransaction
	matches    map[string]*models.ReconciliationMatch
	auditLog   map[string][]*models.AuditLog // key: entityType/entityID
	cases      map[string]*models.Case
	exhibits   map[string]*models.CaseExhibit
	jobs       map[string]*models.ProcessingJob
	alerts     map[string]*models.FraudAlert
	registry   map[string][]*models.RegistryEntry // key: projectID
	ownership  map[string]*models.Ownership
	insights   map[string]*models.CopilotInsight

	// ErrorOnNextCall, if set, is returned (and cleared) by the next call
	// to CreateProject, CreateEntity, CreateTransaction,
	// CreateBankTransaction, CreateMatch, AppendAuditLog or HealthCheck;
	// other methods ignore it. Used to exercise Transient/Conflict error
	// paths.
	ErrorOnNextCall error
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		projects:  make(map[string]*models.Project),
		entities:  make(map[string]*models.Entity),
		txs:       make(map[string]*models.Transaction),
		bankTxs:   make(map[string]*models.BankTransaction),
		matches:   make(map[string]*models.ReconciliationMatch),
		auditLog:  make(map[string][]*models.AuditLog),
		cases:     make(map[string]*models.Case),
		exhibits:  make(map[string]*models.CaseExhibit),
		jobs:      make(map[string]*models.ProcessingJob),
		alerts:    make(map[string]*models.FraudAlert),
		registry:  make(map[string][]*models.RegistryEntry),
		ownership: make(map[string]*models.Ownership),
		insights:  make(map[string]*models.CopilotInsight),
	}
}

func (m *Memory) checkError() error {
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

func auditKey(entityType, entityID string) string { return entityType + "/" + entityID }

// --- Projects ---

func (m *Memory) CreateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	for _, existing := range m.projects {
		if existing.Code == p.Code {
			return apperr.NewConflict("Project", "code already in use")
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperr.NewNotFound("Project", id)
}

func (m *Memory) GetProjectByCode(_ context.Context, code string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NewNotFound("Project", code)
}

func (m *Memory) ListProjects(_ context.Context) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Entities ---

func (m *Memory) CreateEntity(_ context.Context, e *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	cp := *e
	m.entities[e.ID] = &cp
	return nil
}

func (m *Memory) UpdateEntity(_ context.Context, e *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; !ok {
		return apperr.NewNotFound("Entity", e.ID)
	}
	cp := *e
	m.entities[e.ID] = &cp
	return nil
}

func (m *Memory) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entities[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, apperr.NewNotFound("Entity", id)
}

// FindEntitiesByNameLike narrows candidates via a substring match on the
// longest token, capped at limit rows — the in-memory analogue of the
// SQL LIKE narrowing step in §4.3.
func (m *Memory) FindEntitiesByNameLike(_ context.Context, projectID, token string, limit int) ([]*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token = strings.ToLower(token)
	var out []*models.Entity
	for _, e := range m.entities {
		if projectID != "" && (e.ProjectID == nil || *e.ProjectID != projectID) {
			continue
		}
		if token == "" || strings.Contains(strings.ToLower(e.CanonicalName), token) {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

func (m *Memory) FindEntityExact(_ context.Context, projectID, name string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entities {
		if projectID != "" && (e.ProjectID == nil || *e.ProjectID != projectID) {
			continue
		}
		if e.CanonicalName == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperr.NewNotFound("Entity", name)
}

func (m *Memory) ListEntitiesByRiskAcrossProjects(_ context.Context, name string, minRisk float64) ([]*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Entity
	for _, e := range m.entities {
		if strings.EqualFold(e.CanonicalName, name) && e.RiskScore > minRisk {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Transactions ---

func (m *Memory) CreateTransaction(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.ID]; !ok {
		return apperr.NewNotFound("Transaction", t.ID)
	}
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.txs[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, apperr.NewNotFound("Transaction", id)
}

func (m *Memory) ListTransactions(_ context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Transaction
	for _, t := range m.txs {
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Sender != "" && t.Sender != filter.Sender {
			continue
		}
		if filter.Receiver != "" && t.Receiver != filter.Receiver {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.MinRisk != nil && t.RiskScore < *filter.MinRisk {
			continue
		}
		if filter.Since != nil && t.Timestamp.Unix() < *filter.Since {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Bank transactions ---

func (m *Memory) CreateBankTransaction(_ context.Context, b *models.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	cp := *b
	m.bankTxs[b.ID] = &cp
	return nil
}

func (m *Memory) ListBankTransactions(_ context.Context, projectID string) ([]*models.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.BankTransaction
	for _, b := range m.bankTxs {
		if b.ProjectID == projectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Reconciliation ---

func (m *Memory) CreateMatch(_ context.Context, match *models.ReconciliationMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	cp := *match
	m.matches[match.ID] = &cp
	return nil
}

func (m *Memory) GetMatch(_ context.Context, id string) (*models.ReconciliationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mm, ok := m.matches[id]; ok {
		cp := *mm
		return &cp, nil
	}
	return nil, apperr.NewNotFound("ReconciliationMatch", id)
}

func (m *Memory) UpdateMatch(_ context.Context, match *models.ReconciliationMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[match.ID]; !ok {
		return apperr.NewNotFound("ReconciliationMatch", match.ID)
	}
	cp := *match
	m.matches[match.ID] = &cp
	return nil
}

func (m *Memory) FindMatch(_ context.Context, internalTxID, bankTxID string) (*models.ReconciliationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mm := range m.matches {
		if mm.InternalTxID == internalTxID && mm.BankTxID == bankTxID {
			cp := *mm
			return &cp, nil
		}
	}
	return nil, apperr.NewNotFound("ReconciliationMatch", internalTxID+"/"+bankTxID)
}

func (m *Memory) ListMatchesByProject(_ context.Context, projectID string) ([]*models.ReconciliationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ReconciliationMatch
	for _, mm := range m.matches {
		tx, ok := m.txs[mm.InternalTxID]
		if !ok || tx.ProjectID != projectID {
			continue
		}
		cp := *mm
		out = append(out, &cp)
	}
	return out, nil
}

// --- Audit log ---

func (m *Memory) AppendAuditLog(_ context.Context, a *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	key := auditKey(a.EntityType, a.EntityID)
	cp := *a
	m.auditLog[key] = append(m.auditLog[key], &cp)
	return nil
}

func (m *Memory) LastAuditLog(_ context.Context, entityType, entityID string) (*models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.auditLog[auditKey(entityType, entityID)]
	if len(entries) == 0 {
		return nil, nil
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (m *Memory) ListAuditLog(_ context.Context, entityType, entityID string) ([]*models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.auditLog[auditKey(entityType, entityID)]
	out := make([]*models.AuditLog, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// --- Cases & exhibits ---

func (m *Memory) CreateCase(_ context.Context, c *models.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *Memory) GetCase(_ context.Context, id string) (*models.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cases[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, apperr.NewNotFound("Case", id)
}

func (m *Memory) UpdateCase(_ context.Context, c *models.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return apperr.NewNotFound("Case", c.ID)
	}
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *Memory) CreateExhibit(_ context.Context, e *models.CaseExhibit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.cases[e.CaseID]
	if ok && cs.Sealed() {
		return apperr.NewPermanent("cannot add exhibit to sealed case")
	}
	cp := *e
	m.exhibits[e.ID] = &cp
	return nil
}

func (m *Memory) GetExhibit(_ context.Context, id string) (*models.CaseExhibit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.exhibits[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, apperr.NewNotFound("CaseExhibit", id)
}

func (m *Memory) UpdateExhibit(_ context.Context, e *models.CaseExhibit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.exhibits[e.ID]
	if !ok {
		return apperr.NewNotFound("CaseExhibit", e.ID)
	}
	if cs, ok := m.cases[existing.CaseID]; ok && cs.Sealed() {
		return apperr.NewPermanent("cannot mutate exhibit on sealed case")
	}
	cp := *e
	m.exhibits[e.ID] = &cp
	return nil
}

func (m *Memory) ListExhibits(_ context.Context, caseID string) ([]*models.CaseExhibit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CaseExhibit
	for _, e := range m.exhibits {
		if e.CaseID == caseID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Batch jobs ---

func (m *Memory) CreateJob(_ context.Context, j *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, j *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return apperr.NewNotFound("ProcessingJob", j.ID)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, apperr.NewNotFound("ProcessingJob", id)
}

// --- Alerts ---

func (m *Memory) CreateAlert(_ context.Context, a *models.FraudAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) ListRecentAlerts(_ context.Context, projectID string, sinceUnix int64) ([]*models.FraudAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.FraudAlert
	for _, a := range m.alerts {
		if a.ProjectID == projectID && a.CreatedAt.Unix() >= sinceUnix {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Integrity registry ---

func (m *Memory) AppendRegistryEntry(_ context.Context, r *models.RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.registry[r.ProjectID] = append(m.registry[r.ProjectID], &cp)
	return nil
}

func (m *Memory) LastRegistryEntry(_ context.Context, projectID string) (*models.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.registry[projectID]
	if len(entries) == 0 {
		return nil, nil
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (m *Memory) FindRegistryEntryByHash(_ context.Context, hash string) (*models.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entries := range m.registry {
		for _, e := range entries {
			if e.FileHash == hash {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, apperr.NewNotFound("RegistryEntry", hash)
}

// --- Ownership ---

func (m *Memory) CreateOwnership(_ context.Context, o *models.Ownership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.ownership[o.ID] = &cp
	return nil
}

func (m *Memory) ListOwnershipParents(_ context.Context, childEntityID string) ([]*models.Ownership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ownership
	for _, o := range m.ownership {
		if o.ChildEntityID == childEntityID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListOwnershipChildren(_ context.Context, parentEntityID string) ([]*models.Ownership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ownership
	for _, o := range m.ownership {
		if o.ParentEntityID == parentEntityID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Insights ---

func (m *Memory) CreateInsight(_ context.Context, i *models.CopilotInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *i
	m.insights[i.ID] = &cp
	return nil
}

// --- Health ---

func (m *Memory) HealthCheck(_ context.Context) error {
	return m.checkError()
}

var _ Store = (*Memory)(nil)
