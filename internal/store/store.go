// Package store defines the Store contract (§4.1): typed CRUD plus
// filtered range queries over every entity in §3, with read-your-writes
// within a session. Each write method commits one row on its own; the
// contract has no multi-row transaction, so an ingestion pass is not
// committed atomically across rows. Two
// implementations satisfy Store: an in-memory store used by tests and
// the rest of this package's in-process components, and a PostgreSQL
// store (postgres.go) grounded on the teacher's
// internal/app/storage/postgres package (sqlx/lib-pq, hand-written SQL,
// JSON columns for metadata bags).
package store

import (
	"context"

	"github.com/r3e-audit/forensic-engine/internal/models"
)

// TransactionFilter narrows Store.ListTransactions.
type TransactionFilter struct {
	ProjectID string
	Sender    string
	Receiver  string
	Status    models.TransactionStatus
	MinRisk   *float64
	Since     *int64 // unix seconds, inclusive
	Limit     int
}

// Store is the durable persistence contract used by every component.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByCode(ctx context.Context, code string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Entities
	CreateEntity(ctx context.Context, e *models.Entity) error
	UpdateEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	FindEntitiesByNameLike(ctx context.Context, projectID, token string, limit int) ([]*models.Entity, error)
	FindEntityExact(ctx context.Context, projectID, name string) (*models.Entity, error)
	ListEntitiesByRiskAcrossProjects(ctx context.Context, name string, minRisk float64) ([]*models.Entity, error)

	// Transactions
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)

	// Bank transactions
	CreateBankTransaction(ctx context.Context, b *models.BankTransaction) error
	ListBankTransactions(ctx context.Context, projectID string) ([]*models.BankTransaction, error)

	// Reconciliation
	CreateMatch(ctx context.Context, m *models.ReconciliationMatch) error
	GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error)
	UpdateMatch(ctx context.Context, m *models.ReconciliationMatch) error
	FindMatch(ctx context.Context, internalTxID, bankTxID string) (*models.ReconciliationMatch, error)
	ListMatchesByProject(ctx context.Context, projectID string) ([]*models.ReconciliationMatch, error)

	// Audit log (append-only)
	AppendAuditLog(ctx context.Context, a *models.AuditLog) error
	LastAuditLog(ctx context.Context, entityType, entityID string) (*models.AuditLog, error)
	ListAuditLog(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error)

	// Cases & exhibits
	CreateCase(ctx context.Context, c *models.Case) error
	GetCase(ctx context.Context, id string) (*models.Case, error)
	UpdateCase(ctx context.Context, c *models.Case) error
	CreateExhibit(ctx context.Context, e *models.CaseExhibit) error
	GetExhibit(ctx context.Context, id string) (*models.CaseExhibit, error)
	UpdateExhibit(ctx context.Context, e *models.CaseExhibit) error
	ListExhibits(ctx context.Context, caseID string) ([]*models.CaseExhibit, error)

	// Batch jobs
	CreateJob(ctx context.Context, j *models.ProcessingJob) error
	UpdateJob(ctx context.Context, j *models.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)

	// Alerts
	CreateAlert(ctx context.Context, a *models.FraudAlert) error
	ListRecentAlerts(ctx context.Context, projectID string, sinceUnix int64) ([]*models.FraudAlert, error)

	// Integrity registry
	AppendRegistryEntry(ctx context.Context, r *models.RegistryEntry) error
	LastRegistryEntry(ctx context.Context, projectID string) (*models.RegistryEntry, error)
	FindRegistryEntryByHash(ctx context.Context, hash string) (*models.RegistryEntry, error)

	// Ownership graph
	CreateOwnership(ctx context.Context, o *models.Ownership) error
	ListOwnershipParents(ctx context.Context, childEntityID string) ([]*models.Ownership, error)
	ListOwnershipChildren(ctx context.Context, parentEntityID string) ([]*models.Ownership, error)

	// Insights
	CreateInsight(ctx context.Context, i *models.CopilotInsight) error

	// Health
	HealthCheck(ctx context.Context) error
}
