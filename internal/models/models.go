// Package models defines the canonical entities of the forensic audit
// engine: projects, entities, ledger rows, bank rows, reconciliation
// matches, audit log entries, cases, exhibits, processing jobs, fraud
// alerts and the integrity registry chain.
package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle state of an audit engagement.
type ProjectStatus string

const (
	ProjectAuditMode ProjectStatus = "audit_mode"
	ProjectActive    ProjectStatus = "active"
	ProjectStalled   ProjectStatus = "stalled"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is an audit engagement.
type Project struct {
	ID             string        `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	Code           string        `json:"code" db:"code"`
	ContractValue  float64       `json:"contract_value" db:"contract_value"`
	StartDate      time.Time     `json:"start_date" db:"start_date"`
	EndDate        *time.Time    `json:"end_date,omitempty" db:"end_date"`
	ContractorName string        `json:"contractor_name" db:"contractor_name"`
	Status         ProjectStatus `json:"status" db:"status"`
	SiteLat        *float64      `json:"site_lat,omitempty" db:"site_lat"`
	SiteLon        *float64      `json:"site_lon,omitempty" db:"site_lon"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// HasCoords reports whether the project carries a site location.
func (p *Project) HasCoords() bool {
	return p != nil && p.SiteLat != nil && p.SiteLon != nil
}

// EntityType classifies an Entity.
type EntityType string

const (
	EntityPerson      EntityType = "person"
	EntityCompany     EntityType = "company"
	EntityBankAccount EntityType = "bank_account"
	EntityUnknown     EntityType = "unknown"
)

// EntityMetadata is the typed portion of Entity's dynamic metadata bag.
// Unknown keys supplied by callers are preserved in Extensions.
type EntityMetadata struct {
	Aliases       []string        `json:"aliases,omitempty"`
	AccountNumber string          `json:"account_number,omitempty"`
	Extensions    json.RawMessage `json:"-"`
}

// AddAlias appends name to Aliases if not already present (case-insensitive dedup
// is the caller's responsibility via EntityResolver).
func (m *EntityMetadata) AddAlias(name string) {
	for _, a := range m.Aliases {
		if a == name {
			return
		}
	}
	m.Aliases = append(m.Aliases, name)
}

// Entity is a party: person, company, bank account, or unknown.
type Entity struct {
	ID            string         `json:"id" db:"id"`
	ProjectID     *string        `json:"project_id,omitempty" db:"project_id"`
	CanonicalName string         `json:"canonical_name" db:"canonical_name"`
	Type          EntityType     `json:"type" db:"type"`
	RiskScore     float64        `json:"risk_score" db:"risk_score"`
	Watchlist     bool           `json:"watchlist" db:"watchlist"`
	Metadata      EntityMetadata `json:"metadata" db:"-"`
	Embedding     []float32      `json:"embedding,omitempty" db:"-"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Category is a transaction category code. MAT is kept distinct from P
// (see DESIGN.md Open Question resolution): it is not merged with P.
type Category string

const (
	CategoryExpense   Category = "XP"
	CategoryVendor    Category = "V"
	CategoryPersonnel Category = "P"
	CategoryFixed     Category = "F"
	CategoryUnknown   Category = "U"
	CategoryMaterial  Category = "MAT"
)

// TransactionStatus is the lifecycle status of a ledger row.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusComplete TransactionStatus = "completed"
	StatusFlagged  TransactionStatus = "flagged"
	StatusMatched  TransactionStatus = "matched"
	StatusLocked   TransactionStatus = "locked"
)

// VerificationStatus tracks manual investigator sign-off.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationExcluded   VerificationStatus = "EXCLUDED"
)

// AMLStage is the inferred money-laundering phase.
type AMLStage string

const (
	AMLPlacement  AMLStage = "PLACEMENT"
	AMLLayering   AMLStage = "LAYERING"
	AMLIntegration AMLStage = "INTEGRATION"
)

// stageRank gives the precedence order used by TriggerEngine tie-breaks:
// a later rule overrides aml_stage only when the existing stage is absent
// or strictly less specific.
var stageRank = map[AMLStage]int{
	"":             0,
	AMLPlacement:   1,
	AMLLayering:    2,
	AMLIntegration: 3,
}

// PromoteStage returns the more specific of cur and next, per the
// PLACEMENT < LAYERING < INTEGRATION precedence rule.
func PromoteStage(cur AMLStage, next AMLStage) AMLStage {
	if stageRank[next] > stageRank[cur] {
		return next
	}
	return cur
}

// TransactionFlags holds the boolean annotations TriggerEngine and
// reconciliation may set on a Transaction.
type TransactionFlags struct {
	IsRedacted              bool `json:"is_redacted"`
	PotentialMisappropriation bool `json:"potential_misappropriation"`
	IsCircular              bool `json:"is_circular"`
	NeedsProof              bool `json:"needs_proof"`
	IsInferred              bool `json:"is_inferred"`
}

// Transaction is a ledger row.
type Transaction struct {
	ID                   string             `json:"id" db:"id"`
	ProjectID            string             `json:"project_id" db:"project_id"`
	ProposedAmount       float64            `json:"proposed_amount" db:"proposed_amount"`
	ActualAmount         float64            `json:"actual_amount" db:"actual_amount"`
	Currency             string             `json:"currency" db:"currency"`
	Sender               string             `json:"sender" db:"sender"`
	Receiver             string             `json:"receiver" db:"receiver"`
	SenderEntityID       *string            `json:"sender_entity_id,omitempty" db:"sender_entity_id"`
	ReceiverEntityID     *string            `json:"receiver_entity_id,omitempty" db:"receiver_entity_id"`
	Description          string             `json:"description" db:"description"`
	Category             Category           `json:"category" db:"category"`
	AccountLabel         string             `json:"account_label" db:"account_label"`
	Timestamp            time.Time          `json:"timestamp" db:"timestamp"`
	TransactionDate      *time.Time         `json:"transaction_date,omitempty" db:"transaction_date"`
	RiskScore            float64            `json:"risk_score" db:"risk_score"`
	Status               TransactionStatus  `json:"status" db:"status"`
	VerificationStatus   VerificationStatus `json:"verification_status" db:"verification_status"`
	AMLStage             AMLStage           `json:"aml_stage,omitempty" db:"aml_stage"`
	BatchReference       string             `json:"batch_reference,omitempty" db:"batch_reference"`
	AuditComment         string             `json:"audit_comment,omitempty" db:"audit_comment"`
	InvestigatorNoteEnc  []byte             `json:"-" db:"investigator_note_enc"`
	Flags                TransactionFlags   `json:"flags" db:"-"`
	DeltaInflation       float64            `json:"delta_inflation" db:"delta_inflation"`
	Lat                  *float64           `json:"lat,omitempty" db:"lat"`
	Lon                  *float64           `json:"lon,omitempty" db:"lon"`
	MensReaDescription   string             `json:"mens_rea_description,omitempty" db:"mens_rea_description"`
	Embedding            []float32          `json:"embedding,omitempty" db:"-"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// EffectiveDate returns TransactionDate if set, else Timestamp.
func (t *Transaction) EffectiveDate() time.Time {
	if t.TransactionDate != nil {
		return *t.TransactionDate
	}
	return t.Timestamp
}

// RecomputeDeltaInflation enforces the invariant
// delta_inflation == max(0, proposed_amount - actual_amount).
func (t *Transaction) RecomputeDeltaInflation() {
	d := t.ProposedAmount - t.ActualAmount
	if d < 0 {
		d = 0
	}
	t.DeltaInflation = d
}

// BankTransaction is a statement row.
type BankTransaction struct {
	ID             string     `json:"id" db:"id"`
	ProjectID      string     `json:"project_id" db:"project_id"`
	Amount         float64    `json:"amount" db:"amount"`
	Currency       string     `json:"currency" db:"currency"`
	BankName       string     `json:"bank_name" db:"bank_name"`
	Description    string     `json:"description" db:"description"`
	Timestamp      time.Time  `json:"timestamp" db:"timestamp"`
	BookingDate    *time.Time `json:"booking_date,omitempty" db:"booking_date"`
	BatchReference string     `json:"batch_reference,omitempty" db:"batch_reference"`
	Embedding      []float32  `json:"embedding,omitempty" db:"-"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// MatchType identifies which matcher produced a ReconciliationMatch.
type MatchType string

const (
	MatchDirect        MatchType = "direct"
	MatchAggregate      MatchType = "aggregate"
	MatchFuzzyVector    MatchType = "fuzzy_vector"
	MatchProportional   MatchType = "proportional"
	MatchSemantic       MatchType = "semantic"
)

// ReconciliationMatch is a proposed or confirmed pairing of a ledger row
// to a bank row.
type ReconciliationMatch struct {
	ID               string     `json:"id" db:"id"`
	InternalTxID     string     `json:"internal_tx_id" db:"internal_tx_id"`
	BankTxID         string     `json:"bank_tx_id" db:"bank_tx_id"`
	ConfidenceScore  float64    `json:"confidence_score" db:"confidence_score"`
	Confirmed        bool       `json:"confirmed" db:"confirmed"`
	MatchedAt        *time.Time `json:"matched_at,omitempty" db:"matched_at"`
	MatchType        MatchType  `json:"match_type" db:"match_type"`
	AIReasoning      string     `json:"ai_reasoning" db:"ai_reasoning"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// AuditLog is an append-only change record.
type AuditLog struct {
	ID             string    `json:"id" db:"id"`
	EntityType     string    `json:"entity_type" db:"entity_type"`
	EntityID       string    `json:"entity_id" db:"entity_id"`
	Action         string    `json:"action" db:"action"`
	FieldName      string    `json:"field_name,omitempty" db:"field_name"`
	OldValue       string    `json:"old_value,omitempty" db:"old_value"`
	NewValue       string    `json:"new_value,omitempty" db:"new_value"`
	ActorID        string    `json:"actor_id,omitempty" db:"actor_id"`
	Reason         string    `json:"reason,omitempty" db:"reason"`
	PreviousHash   string    `json:"previous_hash" db:"previous_hash"`
	HashSignature  string    `json:"hash_signature" db:"hash_signature"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// CaseStatus is the lifecycle status of an investigation.
type CaseStatus string

const (
	CaseNew          CaseStatus = "NEW"
	CaseInvestigating CaseStatus = "INVESTIGATING"
	CaseResolved     CaseStatus = "RESOLVED"
	CaseClosed       CaseStatus = "CLOSED"
	CaseSealed       CaseStatus = "SEALED"
)

// Case is an investigation container.
type Case struct {
	ID              string     `json:"id" db:"id"`
	ProjectID       string     `json:"project_id" db:"project_id"`
	Title           string     `json:"title" db:"title"`
	Status          CaseStatus `json:"status" db:"status"`
	FinalReportHash string     `json:"final_report_hash,omitempty" db:"final_report_hash"`
	SealedAt        *time.Time `json:"sealed_at,omitempty" db:"sealed_at"`
	SealedBy        string     `json:"sealed_by,omitempty" db:"sealed_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Sealed reports whether the case is frozen (exhibits and report immutable).
func (c *Case) Sealed() bool {
	return c != nil && c.Status == CaseSealed
}

// ExhibitVerdict is the adjudication state of a CaseExhibit.
type ExhibitVerdict string

const (
	VerdictPending  ExhibitVerdict = "PENDING"
	VerdictAdmitted ExhibitVerdict = "ADMITTED"
	VerdictRejected ExhibitVerdict = "REJECTED"
)

// CaseExhibit is admitted evidence attached to a Case.
type CaseExhibit struct {
	ID                   string         `json:"id" db:"id"`
	CaseID               string         `json:"case_id" db:"case_id"`
	Title                string         `json:"title" db:"title"`
	EntityRefID          string         `json:"entity_ref_id,omitempty" db:"entity_ref_id"`
	Verdict              ExhibitVerdict `json:"verdict" db:"verdict"`
	HashSignature        string         `json:"hash_signature,omitempty" db:"hash_signature"`
	AdjudicatedBy        string         `json:"adjudicated_by,omitempty" db:"adjudicated_by"`
	AdjudicatedAt        *time.Time     `json:"adjudicated_at,omitempty" db:"adjudicated_at"`
	AIContradictionNote  string         `json:"ai_contradiction_note,omitempty" db:"ai_contradiction_note"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
}

// JobStatus is the lifecycle status of a ProcessingJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// BatchConfig is the per-job batch sizing and pacing configuration.
type BatchConfig struct {
	Size               int `json:"size"`
	Concurrency        int `json:"concurrency"`
	InterBatchDelayMs  int `json:"inter_batch_delay_ms"`
}

// ProcessingJob is a batch run over a large input.
type ProcessingJob struct {
	ID               string           `json:"id" db:"id"`
	ProjectID        string           `json:"project_id" db:"project_id"`
	DataType         string           `json:"data_type" db:"data_type"`
	Status           JobStatus        `json:"status" db:"status"`
	TotalItems       int              `json:"total_items" db:"total_items"`
	TotalBatches     int              `json:"total_batches" db:"total_batches"`
	BatchesCompleted int              `json:"batches_completed" db:"batches_completed"`
	ItemsProcessed   int              `json:"items_processed" db:"items_processed"`
	ItemsFailed      int              `json:"items_failed" db:"items_failed"`
	BatchConfig      BatchConfig      `json:"batch_config" db:"-"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage     string           `json:"error_message,omitempty" db:"error_message"`
	RetryCount       int              `json:"retry_count" db:"retry_count"`
	WorkerTaskIDs    map[int]string   `json:"worker_task_ids,omitempty" db:"-"`
}

// ProgressPercent is items_processed / total_items * 100, derived, never stored.
func (j *ProcessingJob) ProgressPercent() float64 {
	if j.TotalItems == 0 {
		return 0
	}
	return float64(j.ItemsProcessed) / float64(j.TotalItems) * 100
}

// SuccessRate is the share of attempted items that succeeded, derived.
func (j *ProcessingJob) SuccessRate() float64 {
	attempted := j.ItemsProcessed + j.ItemsFailed
	if attempted == 0 {
		return 0
	}
	return float64(j.ItemsProcessed) / float64(attempted) * 100
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *ProcessingJob) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// AlertSeverity ranks a FraudAlert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "Low"
	SeverityMedium   AlertSeverity = "Medium"
	SeverityHigh     AlertSeverity = "High"
	SeverityCritical AlertSeverity = "Critical"
)

// FraudAlert is a persisted alert derived from trigger evaluation or
// proactive monitoring.
type FraudAlert struct {
	ID            string        `json:"id" db:"id"`
	ProjectID     string        `json:"project_id" db:"project_id"`
	TransactionID string        `json:"transaction_id,omitempty" db:"transaction_id"`
	AlertType     string        `json:"alert_type" db:"alert_type"`
	Severity      AlertSeverity `json:"severity" db:"severity"`
	RiskScore     float64       `json:"risk_score" db:"risk_score"`
	Description   string        `json:"description" db:"description"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// RegistryEntityType classifies a sealed artifact.
type RegistryEntityType string

const (
	RegistryDossier        RegistryEntityType = "DOSSIER"
	RegistryExhibit        RegistryEntityType = "EXHIBIT"
	RegistryTransactionSet RegistryEntityType = "TRANSACTION_SET"
)

// RegistryEntry is a row in the append-only integrity registry chain.
type RegistryEntry struct {
	ID            string             `json:"id" db:"id"`
	ProjectID     string             `json:"project_id" db:"project_id"`
	EntityType    RegistryEntityType `json:"entity_type" db:"entity_type"`
	EntityID      string             `json:"entity_id" db:"entity_id"`
	FileHash      string             `json:"file_hash" db:"file_hash"`
	PreviousHash  string             `json:"previous_hash" db:"previous_hash"`
	AnchorID      string             `json:"anchor_id,omitempty" db:"anchor_id"`
	SealedAt      time.Time          `json:"sealed_at" db:"sealed_at"`
	SealedBy      string             `json:"sealed_by" db:"sealed_by"`
}

// RelationshipType classifies a CorporateRelationship edge.
type RelationshipType string

const (
	RelShareholder      RelationshipType = "SHAREHOLDER"
	RelDirector         RelationshipType = "DIRECTOR"
	RelBeneficialOwner  RelationshipType = "BENEFICIAL_OWNER"
)

// Ownership is a CorporateRelationship graph edge for UBO resolution.
type Ownership struct {
	ID               string           `json:"id" db:"id"`
	ParentEntityID   string           `json:"parent_entity_id" db:"parent_entity_id"`
	ChildEntityID    string           `json:"child_entity_id" db:"child_entity_id"`
	RelationshipType RelationshipType `json:"relationship_type" db:"relationship_type"`
	StakePercentage  float64          `json:"stake_percentage" db:"stake_percentage"`
}

// UserQueryPattern is operator query telemetry used for personalized
// suggestions (consumed only by the out-of-scope AI layer; stored here
// so Store satisfies the index requirement in §4.1).
type UserQueryPattern struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Frequency int       `json:"frequency" db:"frequency"`
	Context   string    `json:"context,omitempty" db:"context"`
	Success   bool      `json:"success" db:"success"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InsightKind classifies a CopilotInsight.
type InsightKind string

const (
	InsightBenford    InsightKind = "BENFORD_DEVIATION"
	InsightSmurfing   InsightKind = "SMURFING"
	InsightAssetNexus InsightKind = "ASSET_TEMPORAL_NEXUS"
)

// CopilotInsight is a derived analytical finding persisted for investigator
// review (Benford deviation, structuring burst, asset-temporal nexus).
type CopilotInsight struct {
	ID          string      `json:"id" db:"id"`
	ProjectID   string      `json:"project_id" db:"project_id"`
	Kind        InsightKind `json:"kind" db:"kind"`
	EntityRefID string      `json:"entity_ref_id,omitempty" db:"entity_ref_id"`
	Severity    float64     `json:"severity" db:"severity"`
	Narrative   string      `json:"narrative" db:"narrative"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// HealthStatus is a derived (never persisted) system-load snapshot used by
// BatchOrchestrator sizing and operator health checks.
type HealthStatus struct {
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemAvailableGB    float64 `json:"memory_available_gb"`
	DiskIOWait        float64 `json:"disk_io_wait"`
}

// UserProjectAccess models the single access-grant concept that appears
// twice in the source under two different package names (see DESIGN.md
// Open Question resolution: treated as one model here).
type UserProjectAccess struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Role      string    `json:"role" db:"role"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
}
