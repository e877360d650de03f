package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/models"
)

// Postgres is the durable Store backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store using an existing handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to PostgreSQL and applies pool settings.
func Open(dsn string, maxOpen, maxIdle, connMaxLifetimeSec int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.NewTransient("open database", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetimeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifetimeSec) * time.Second)
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema applies the DDL of Schema. Statements are idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperr.NewTransient("apply schema", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

const pqUniqueViolation = "23505"

// mapError translates driver errors into the §7 taxonomy: unique
// violations become Conflict, everything else Transient (retryable by
// the caller). ErrNoRows is handled at call sites where the missing
// entity's name is known.
func mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return apperr.NewConflict(op, pqErr.Detail)
	}
	return apperr.NewTransient(op, err)
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func unmarshalEmbedding(raw []byte) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vec []float32
	_ = json.Unmarshal(raw, &vec)
	return vec
}

// --- Projects ---------------------------------------------------------------

func (s *Postgres) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, code, contract_value, start_date, end_date, contractor_name, status, site_lat, site_lon, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.Name, p.Code, p.ContractValue, p.StartDate, toNullTime(p.EndDate), p.ContractorName, p.Status, toNullFloat(p.SiteLat), toNullFloat(p.SiteLon), p.CreatedAt)
	if err != nil {
		return mapError("create project", err)
	}
	return nil
}

const projectColumns = `id, name, code, contract_value, start_date, end_date, contractor_name, status, site_lat, site_lon, created_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var (
		p        models.Project
		endDate  sql.NullTime
		lat, lon sql.NullFloat64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &p.ContractValue, &p.StartDate, &endDate, &p.ContractorName, &p.Status, &lat, &lon, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.EndDate = fromNullTime(endDate)
	p.SiteLat = fromNullFloat(lat)
	p.SiteLon = fromNullFloat(lon)
	return &p, nil
}

func (s *Postgres) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Project", id)
	}
	if err != nil {
		return nil, mapError("get project", err)
	}
	return p, nil
}

func (s *Postgres) GetProjectByCode(ctx context.Context, code string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE code = $1`, code)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Project", code)
	}
	if err != nil {
		return nil, mapError("get project by code", err)
	}
	return p, nil
}

func (s *Postgres) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, mapError("list projects", err)
	}
	defer rows.Close()
	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, mapError("list projects", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Entities ---------------------------------------------------------------

const entityColumns = `id, project_id, canonical_name, type, risk_score, watchlist, metadata, embedding, created_at, updated_at`

func (s *Postgres) CreateEntity(ctx context.Context, e *models.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, toNullString(e.ProjectID), e.CanonicalName, e.Type, e.RiskScore, e.Watchlist,
		marshalJSON(e.Metadata), marshalJSON(e.Embedding), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return mapError("create entity", err)
	}
	return nil
}

func (s *Postgres) UpdateEntity(ctx context.Context, e *models.Entity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET canonical_name = $2, type = $3, risk_score = $4, watchlist = $5, metadata = $6, embedding = $7, updated_at = $8
		WHERE id = $1
	`, e.ID, e.CanonicalName, e.Type, e.RiskScore, e.Watchlist, marshalJSON(e.Metadata), marshalJSON(e.Embedding), time.Now().UTC())
	if err != nil {
		return mapError("update entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFound("Entity", e.ID)
	}
	return nil
}

func scanEntity(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var (
		e            models.Entity
		projectID    sql.NullString
		metadataRaw  []byte
		embeddingRaw []byte
	)
	if err := row.Scan(&e.ID, &projectID, &e.CanonicalName, &e.Type, &e.RiskScore, &e.Watchlist, &metadataRaw, &embeddingRaw, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ProjectID = fromNullString(projectID)
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &e.Metadata)
	}
	e.Embedding = unmarshalEmbedding(embeddingRaw)
	return &e, nil
}

func (s *Postgres) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Entity", id)
	}
	if err != nil {
		return nil, mapError("get entity", err)
	}
	return e, nil
}

// FindEntitiesByNameLike narrows resolver candidates with SQL LIKE on
// the supplied token (§4.3), scoped to the project, bounded by limit.
func (s *Postgres) FindEntitiesByNameLike(ctx context.Context, projectID, token string, limit int) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE (project_id = $1 OR project_id IS NULL)`
	args := []any{projectID}
	if token != "" {
		query += ` AND canonical_name ILIKE $2`
		args = append(args, "%"+token+"%")
	}
	query += fmt.Sprintf(` ORDER BY canonical_name LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("find entities by name", err)
	}
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, mapError("find entities by name", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) FindEntityExact(ctx context.Context, projectID, name string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE (project_id = $1 OR project_id IS NULL) AND canonical_name = $2
		LIMIT 1
	`, projectID, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Entity", name)
	}
	if err != nil {
		return nil, mapError("find entity exact", err)
	}
	return e, nil
}

func (s *Postgres) ListEntitiesByRiskAcrossProjects(ctx context.Context, name string, minRisk float64) ([]*models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE lower(canonical_name) = lower($1) AND risk_score > $2
	`, name, minRisk)
	if err != nil {
		return nil, mapError("list entities by risk", err)
	}
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, mapError("list entities by risk", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Transactions -----------------------------------------------------------

const txColumns = `id, project_id, proposed_amount, actual_amount, currency, sender, receiver,
	sender_entity_id, receiver_entity_id, description, category, account_label, ts, transaction_date,
	risk_score, status, verification_status, aml_stage, batch_reference, audit_comment,
	investigator_note_enc, flags, delta_inflation, lat, lon, mens_rea_description, embedding,
	created_at, updated_at`

func (s *Postgres) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`, t.ID, t.ProjectID, t.ProposedAmount, t.ActualAmount, t.Currency, t.Sender, t.Receiver,
		toNullString(t.SenderEntityID), toNullString(t.ReceiverEntityID), t.Description, t.Category, t.AccountLabel,
		t.Timestamp, toNullTime(t.TransactionDate), t.RiskScore, t.Status, t.VerificationStatus,
		sql.NullString{String: string(t.AMLStage), Valid: t.AMLStage != ""}, t.BatchReference, t.AuditComment,
		t.InvestigatorNoteEnc, marshalJSON(t.Flags), t.DeltaInflation, toNullFloat(t.Lat), toNullFloat(t.Lon),
		t.MensReaDescription, marshalJSON(t.Embedding), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mapError("create transaction", err)
	}
	return nil
}

func (s *Postgres) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET proposed_amount = $2, actual_amount = $3, currency = $4, sender = $5, receiver = $6,
		    sender_entity_id = $7, receiver_entity_id = $8, description = $9, category = $10,
		    account_label = $11, ts = $12, transaction_date = $13, risk_score = $14, status = $15,
		    verification_status = $16, aml_stage = $17, batch_reference = $18, audit_comment = $19,
		    investigator_note_enc = $20, flags = $21, delta_inflation = $22, lat = $23, lon = $24,
		    mens_rea_description = $25, embedding = $26, updated_at = $27
		WHERE id = $1
	`, t.ID, t.ProposedAmount, t.ActualAmount, t.Currency, t.Sender, t.Receiver,
		toNullString(t.SenderEntityID), toNullString(t.ReceiverEntityID), t.Description, t.Category,
		t.AccountLabel, t.Timestamp, toNullTime(t.TransactionDate), t.RiskScore, t.Status,
		t.VerificationStatus, sql.NullString{String: string(t.AMLStage), Valid: t.AMLStage != ""},
		t.BatchReference, t.AuditComment, t.InvestigatorNoteEnc, marshalJSON(t.Flags), t.DeltaInflation,
		toNullFloat(t.Lat), toNullFloat(t.Lon), t.MensReaDescription, marshalJSON(t.Embedding), time.Now().UTC())
	if err != nil {
		return mapError("update transaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFound("Transaction", t.ID)
	}
	return nil
}

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var (
		t                        models.Transaction
		senderEntity, recvEntity sql.NullString
		txDate                   sql.NullTime
		amlStage                 sql.NullString
		flagsRaw, embeddingRaw   []byte
		lat, lon                 sql.NullFloat64
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.ProposedAmount, &t.ActualAmount, &t.Currency, &t.Sender, &t.Receiver,
		&senderEntity, &recvEntity, &t.Description, &t.Category, &t.AccountLabel, &t.Timestamp, &txDate,
		&t.RiskScore, &t.Status, &t.VerificationStatus, &amlStage, &t.BatchReference, &t.AuditComment,
		&t.InvestigatorNoteEnc, &flagsRaw, &t.DeltaInflation, &lat, &lon, &t.MensReaDescription, &embeddingRaw,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.SenderEntityID = fromNullString(senderEntity)
	t.ReceiverEntityID = fromNullString(recvEntity)
	t.TransactionDate = fromNullTime(txDate)
	if amlStage.Valid {
		t.AMLStage = models.AMLStage(amlStage.String)
	}
	if len(flagsRaw) > 0 {
		_ = json.Unmarshal(flagsRaw, &t.Flags)
	}
	t.Embedding = unmarshalEmbedding(embeddingRaw)
	t.Lat = fromNullFloat(lat)
	t.Lon = fromNullFloat(lon)
	return &t, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Transaction", id)
	}
	if err != nil {
		return nil, mapError("get transaction", err)
	}
	return t, nil
}

func (s *Postgres) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ` + arg(filter.ProjectID)
	}
	if filter.Sender != "" {
		query += ` AND sender = ` + arg(filter.Sender)
	}
	if filter.Receiver != "" {
		query += ` AND receiver = ` + arg(filter.Receiver)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.MinRisk != nil {
		query += ` AND risk_score >= ` + arg(*filter.MinRisk)
	}
	if filter.Since != nil {
		query += ` AND ts >= ` + arg(time.Unix(*filter.Since, 0).UTC())
	}
	query += ` ORDER BY ts`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list transactions", err)
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError("list transactions", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Bank transactions ------------------------------------------------------

func (s *Postgres) CreateBankTransaction(ctx context.Context, b *models.BankTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_transactions (id, project_id, amount, currency, bank_name, description, ts, booking_date, batch_reference, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.ProjectID, b.Amount, b.Currency, b.BankName, b.Description, b.Timestamp,
		toNullTime(b.BookingDate), b.BatchReference, marshalJSON(b.Embedding), b.CreatedAt)
	if err != nil {
		return mapError("create bank transaction", err)
	}
	return nil
}

func (s *Postgres) ListBankTransactions(ctx context.Context, projectID string) ([]*models.BankTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, amount, currency, bank_name, description, ts, booking_date, batch_reference, embedding, created_at
		FROM bank_transactions WHERE project_id = $1 ORDER BY ts
	`, projectID)
	if err != nil {
		return nil, mapError("list bank transactions", err)
	}
	defer rows.Close()
	var out []*models.BankTransaction
	for rows.Next() {
		var (
			b            models.BankTransaction
			bookingDate  sql.NullTime
			embeddingRaw []byte
		)
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Amount, &b.Currency, &b.BankName, &b.Description, &b.Timestamp, &bookingDate, &b.BatchReference, &embeddingRaw, &b.CreatedAt); err != nil {
			return nil, mapError("list bank transactions", err)
		}
		b.BookingDate = fromNullTime(bookingDate)
		b.Embedding = unmarshalEmbedding(embeddingRaw)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// --- Reconciliation matches -------------------------------------------------

const matchColumns = `id, internal_tx_id, bank_tx_id, confidence_score, confirmed, matched_at, match_type, ai_reasoning, created_at`

func (s *Postgres) CreateMatch(ctx context.Context, m *models.ReconciliationMatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_matches (`+matchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.InternalTxID, m.BankTxID, m.ConfidenceScore, m.Confirmed, toNullTime(m.MatchedAt), m.MatchType, m.AIReasoning, m.CreatedAt)
	if err != nil {
		return mapError("create match", err)
	}
	return nil
}

func scanMatch(row interface{ Scan(...any) error }) (*models.ReconciliationMatch, error) {
	var (
		m         models.ReconciliationMatch
		matchedAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.InternalTxID, &m.BankTxID, &m.ConfidenceScore, &m.Confirmed, &matchedAt, &m.MatchType, &m.AIReasoning, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.MatchedAt = fromNullTime(matchedAt)
	return &m, nil
}

func (s *Postgres) GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM reconciliation_matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("ReconciliationMatch", id)
	}
	if err != nil {
		return nil, mapError("get match", err)
	}
	return m, nil
}

func (s *Postgres) UpdateMatch(ctx context.Context, m *models.ReconciliationMatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_matches
		SET confidence_score = $2, confirmed = $3, matched_at = $4, match_type = $5, ai_reasoning = $6
		WHERE id = $1
	`, m.ID, m.ConfidenceScore, m.Confirmed, toNullTime(m.MatchedAt), m.MatchType, m.AIReasoning)
	if err != nil {
		return mapError("update match", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFound("ReconciliationMatch", m.ID)
	}
	return nil
}

func (s *Postgres) FindMatch(ctx context.Context, internalTxID, bankTxID string) (*models.ReconciliationMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM reconciliation_matches
		WHERE internal_tx_id = $1 AND bank_tx_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, internalTxID, bankTxID)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("ReconciliationMatch", internalTxID+"/"+bankTxID)
	}
	if err != nil {
		return nil, mapError("find match", err)
	}
	return m, nil
}

func (s *Postgres) ListMatchesByProject(ctx context.Context, projectID string) ([]*models.ReconciliationMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.internal_tx_id, m.bank_tx_id, m.confidence_score, m.confirmed, m.matched_at, m.match_type, m.ai_reasoning, m.created_at
		FROM reconciliation_matches m
		JOIN transactions t ON t.id = m.internal_tx_id
		WHERE t.project_id = $1
		ORDER BY m.created_at
	`, projectID)
	if err != nil {
		return nil, mapError("list matches", err)
	}
	defer rows.Close()
	var out []*models.ReconciliationMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, mapError("list matches", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Audit log --------------------------------------------------------------

func (s *Postgres) AppendAuditLog(ctx context.Context, a *models.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, field_name, old_value, new_value, actor_id, reason, previous_hash, hash_signature, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.EntityType, a.EntityID, a.Action, a.FieldName, a.OldValue, a.NewValue, a.ActorID, a.Reason, a.PreviousHash, a.HashSignature, a.Timestamp)
	if err != nil {
		return mapError("append audit log", err)
	}
	return nil
}

const auditColumns = `id, entity_type, entity_id, action, field_name, old_value, new_value, actor_id, reason, previous_hash, hash_signature, ts`

func scanAuditLog(row interface{ Scan(...any) error }) (*models.AuditLog, error) {
	var a models.AuditLog
	if err := row.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.FieldName, &a.OldValue, &a.NewValue, &a.ActorID, &a.Reason, &a.PreviousHash, &a.HashSignature, &a.Timestamp); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) LastAuditLog(ctx context.Context, entityType, entityID string) (*models.AuditLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY ts DESC LIMIT 1
	`, entityType, entityID)
	a, err := scanAuditLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("last audit log", err)
	}
	return a, nil
}

func (s *Postgres) ListAuditLog(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY ts
	`, entityType, entityID)
	if err != nil {
		return nil, mapError("list audit log", err)
	}
	defer rows.Close()
	var out []*models.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, mapError("list audit log", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Cases & exhibits -------------------------------------------------------

const caseColumns = `id, project_id, title, status, final_report_hash, sealed_at, sealed_by, created_at`

func (s *Postgres) CreateCase(ctx context.Context, c *models.Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.ProjectID, c.Title, c.Status, c.FinalReportHash, toNullTime(c.SealedAt), c.SealedBy, c.CreatedAt)
	if err != nil {
		return mapError("create case", err)
	}
	return nil
}

func scanCase(row interface{ Scan(...any) error }) (*models.Case, error) {
	var (
		c        models.Case
		sealedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Status, &c.FinalReportHash, &sealedAt, &c.SealedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SealedAt = fromNullTime(sealedAt)
	return &c, nil
}

func (s *Postgres) GetCase(ctx context.Context, id string) (*models.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("Case", id)
	}
	if err != nil {
		return nil, mapError("get case", err)
	}
	return c, nil
}

// UpdateCase enforces seal immutability at the store layer (§4.10): a
// case already SEALED in the database rejects every further write.
func (s *Postgres) UpdateCase(ctx context.Context, c *models.Case) error {
	existing, err := s.GetCase(ctx, c.ID)
	if err != nil {
		return err
	}
	if existing.Sealed() {
		return apperr.NewPermanent("cannot mutate sealed case")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE cases
		SET title = $2, status = $3, final_report_hash = $4, sealed_at = $5, sealed_by = $6
		WHERE id = $1
	`, c.ID, c.Title, c.Status, c.FinalReportHash, toNullTime(c.SealedAt), c.SealedBy)
	if err != nil {
		return mapError("update case", err)
	}
	return nil
}

const exhibitColumns = `id, case_id, title, entity_ref_id, verdict, hash_signature, adjudicated_by, adjudicated_at, ai_contradiction_note, created_at`

func (s *Postgres) CreateExhibit(ctx context.Context, e *models.CaseExhibit) error {
	c, err := s.GetCase(ctx, e.CaseID)
	if err != nil {
		return err
	}
	if c.Sealed() {
		return apperr.NewPermanent("cannot add exhibit to sealed case")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO case_exhibits (`+exhibitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.CaseID, e.Title, e.EntityRefID, e.Verdict, e.HashSignature, e.AdjudicatedBy, toNullTime(e.AdjudicatedAt), e.AIContradictionNote, e.CreatedAt)
	if err != nil {
		return mapError("create exhibit", err)
	}
	return nil
}

func scanExhibit(row interface{ Scan(...any) error }) (*models.CaseExhibit, error) {
	var (
		e             models.CaseExhibit
		adjudicatedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.CaseID, &e.Title, &e.EntityRefID, &e.Verdict, &e.HashSignature, &e.AdjudicatedBy, &adjudicatedAt, &e.AIContradictionNote, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.AdjudicatedAt = fromNullTime(adjudicatedAt)
	return &e, nil
}

func (s *Postgres) GetExhibit(ctx context.Context, id string) (*models.CaseExhibit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exhibitColumns+` FROM case_exhibits WHERE id = $1`, id)
	e, err := scanExhibit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("CaseExhibit", id)
	}
	if err != nil {
		return nil, mapError("get exhibit", err)
	}
	return e, nil
}

func (s *Postgres) UpdateExhibit(ctx context.Context, e *models.CaseExhibit) error {
	existing, err := s.GetExhibit(ctx, e.ID)
	if err != nil {
		return err
	}
	c, err := s.GetCase(ctx, existing.CaseID)
	if err != nil {
		return err
	}
	if c.Sealed() {
		return apperr.NewPermanent("cannot mutate exhibit on sealed case")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE case_exhibits
		SET title = $2, entity_ref_id = $3, verdict = $4, hash_signature = $5, adjudicated_by = $6, adjudicated_at = $7, ai_contradiction_note = $8
		WHERE id = $1
	`, e.ID, e.Title, e.EntityRefID, e.Verdict, e.HashSignature, e.AdjudicatedBy, toNullTime(e.AdjudicatedAt), e.AIContradictionNote)
	if err != nil {
		return mapError("update exhibit", err)
	}
	return nil
}

func (s *Postgres) ListExhibits(ctx context.Context, caseID string) ([]*models.CaseExhibit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+exhibitColumns+` FROM case_exhibits WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, mapError("list exhibits", err)
	}
	defer rows.Close()
	var out []*models.CaseExhibit
	for rows.Next() {
		e, err := scanExhibit(rows)
		if err != nil {
			return nil, mapError("list exhibits", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Batch jobs -------------------------------------------------------------

const jobColumns = `id, project_id, data_type, status, total_items, total_batches, batches_completed,
	items_processed, items_failed, batch_config, worker_task_ids, created_at, started_at, completed_at,
	error_message, retry_count`

func (s *Postgres) CreateJob(ctx context.Context, j *models.ProcessingJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, j.ID, j.ProjectID, j.DataType, j.Status, j.TotalItems, j.TotalBatches, j.BatchesCompleted,
		j.ItemsProcessed, j.ItemsFailed, marshalJSON(j.BatchConfig), marshalJSON(j.WorkerTaskIDs),
		j.CreatedAt, toNullTime(j.StartedAt), toNullTime(j.CompletedAt), j.ErrorMessage, j.RetryCount)
	if err != nil {
		return mapError("create job", err)
	}
	return nil
}

func (s *Postgres) UpdateJob(ctx context.Context, j *models.ProcessingJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = $2, batches_completed = $3, items_processed = $4, items_failed = $5,
		    batch_config = $6, worker_task_ids = $7, started_at = $8, completed_at = $9,
		    error_message = $10, retry_count = $11
		WHERE id = $1
	`, j.ID, j.Status, j.BatchesCompleted, j.ItemsProcessed, j.ItemsFailed,
		marshalJSON(j.BatchConfig), marshalJSON(j.WorkerTaskIDs), toNullTime(j.StartedAt),
		toNullTime(j.CompletedAt), j.ErrorMessage, j.RetryCount)
	if err != nil {
		return mapError("update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFound("ProcessingJob", j.ID)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	var (
		j                        models.ProcessingJob
		configRaw, workerIDsRaw  []byte
		startedAt, completedAt   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.DataType, &j.Status, &j.TotalItems, &j.TotalBatches,
		&j.BatchesCompleted, &j.ItemsProcessed, &j.ItemsFailed, &configRaw, &workerIDsRaw,
		&j.CreatedAt, &startedAt, &completedAt, &j.ErrorMessage, &j.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("ProcessingJob", id)
	}
	if err != nil {
		return nil, mapError("get job", err)
	}
	if len(configRaw) > 0 {
		_ = json.Unmarshal(configRaw, &j.BatchConfig)
	}
	if len(workerIDsRaw) > 0 {
		_ = json.Unmarshal(workerIDsRaw, &j.WorkerTaskIDs)
	}
	j.StartedAt = fromNullTime(startedAt)
	j.CompletedAt = fromNullTime(completedAt)
	return &j, nil
}

// --- Alerts -----------------------------------------------------------------

func (s *Postgres) CreateAlert(ctx context.Context, a *models.FraudAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, project_id, transaction_id, alert_type, severity, risk_score, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.ProjectID, a.TransactionID, a.AlertType, a.Severity, a.RiskScore, a.Description, a.CreatedAt)
	if err != nil {
		return mapError("create alert", err)
	}
	return nil
}

func (s *Postgres) ListRecentAlerts(ctx context.Context, projectID string, sinceUnix int64) ([]*models.FraudAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, transaction_id, alert_type, severity, risk_score, description, created_at
		FROM fraud_alerts
		WHERE project_id = $1 AND created_at >= $2
		ORDER BY created_at
	`, projectID, time.Unix(sinceUnix, 0).UTC())
	if err != nil {
		return nil, mapError("list alerts", err)
	}
	defer rows.Close()
	var out []*models.FraudAlert
	for rows.Next() {
		var a models.FraudAlert
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.TransactionID, &a.AlertType, &a.Severity, &a.RiskScore, &a.Description, &a.CreatedAt); err != nil {
			return nil, mapError("list alerts", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Integrity registry -----------------------------------------------------

const registryColumns = `id, project_id, entity_type, entity_id, file_hash, previous_hash, anchor_id, sealed_at, sealed_by`

func (s *Postgres) AppendRegistryEntry(ctx context.Context, r *models.RegistryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrity_registry (`+registryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.ProjectID, r.EntityType, r.EntityID, r.FileHash, r.PreviousHash, r.AnchorID, r.SealedAt, r.SealedBy)
	if err != nil {
		return mapError("append registry entry", err)
	}
	return nil
}

func scanRegistryEntry(row interface{ Scan(...any) error }) (*models.RegistryEntry, error) {
	var r models.RegistryEntry
	if err := row.Scan(&r.ID, &r.ProjectID, &r.EntityType, &r.EntityID, &r.FileHash, &r.PreviousHash, &r.AnchorID, &r.SealedAt, &r.SealedBy); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) LastRegistryEntry(ctx context.Context, projectID string) (*models.RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+registryColumns+` FROM integrity_registry
		WHERE project_id = $1 ORDER BY sealed_at DESC LIMIT 1
	`, projectID)
	r, err := scanRegistryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("last registry entry", err)
	}
	return r, nil
}

func (s *Postgres) FindRegistryEntryByHash(ctx context.Context, hash string) (*models.RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM integrity_registry WHERE file_hash = $1 LIMIT 1`, hash)
	r, err := scanRegistryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("RegistryEntry", hash)
	}
	if err != nil {
		return nil, mapError("find registry entry", err)
	}
	return r, nil
}

// --- Ownership --------------------------------------------------------------

func (s *Postgres) CreateOwnership(ctx context.Context, o *models.Ownership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO corporate_relationships (id, parent_entity_id, child_entity_id, relationship_type, stake_percentage)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.ParentEntityID, o.ChildEntityID, o.RelationshipType, o.StakePercentage)
	if err != nil {
		return mapError("create ownership", err)
	}
	return nil
}

func (s *Postgres) listOwnership(ctx context.Context, column, id string) ([]*models.Ownership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_entity_id, child_entity_id, relationship_type, stake_percentage
		FROM corporate_relationships WHERE `+column+` = $1
	`, id)
	if err != nil {
		return nil, mapError("list ownership", err)
	}
	defer rows.Close()
	var out []*models.Ownership
	for rows.Next() {
		var o models.Ownership
		if err := rows.Scan(&o.ID, &o.ParentEntityID, &o.ChildEntityID, &o.RelationshipType, &o.StakePercentage); err != nil {
			return nil, mapError("list ownership", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *Postgres) ListOwnershipParents(ctx context.Context, childEntityID string) ([]*models.Ownership, error) {
	return s.listOwnership(ctx, "child_entity_id", childEntityID)
}

func (s *Postgres) ListOwnershipChildren(ctx context.Context, parentEntityID string) ([]*models.Ownership, error) {
	return s.listOwnership(ctx, "parent_entity_id", parentEntityID)
}

// --- Insights ---------------------------------------------------------------

func (s *Postgres) CreateInsight(ctx context.Context, i *models.CopilotInsight) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO copilot_insights (id, project_id, kind, entity_ref_id, severity, narrative, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, i.ID, i.ProjectID, i.Kind, i.EntityRefID, i.Severity, i.Narrative, i.CreatedAt)
	if err != nil {
		return mapError("create insight", err)
	}
	return nil
}

// --- Health -----------------------------------------------------------------

func (s *Postgres) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.NewTransient("database ping", err)
	}
	return nil
}
