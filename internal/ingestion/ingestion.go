// Package ingestion implements IngestionPipeline (§4.7): normalizing
// heterogeneous ledger/statement rows into the canonical Transaction/
// BankTransaction model, reconstructing balance gaps as ghost
// transactions, upserting entities, invoking TriggerEngine, and
// persisting the result. Within one Ingest call rows are processed
// sequentially (§5) to preserve the per-account running balance state
// gap reconstruction needs; independent Ingest calls may run in
// parallel across goroutines.
package ingestion

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/config"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/geo"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/resolver"
	"github.com/r3e-audit/forensic-engine/internal/semantic"
	"github.com/r3e-audit/forensic-engine/internal/store"
	"github.com/r3e-audit/forensic-engine/internal/trigger"
)

// Kind distinguishes ledger rows from bank-statement rows (§4.7).
type Kind string

const (
	KindLedger    Kind = "ledger"
	KindStatement Kind = "statement"
)

// RawRow is one unparsed input row keyed by the caller's original
// column headers.
type RawRow map[string]string

// Mapping maps canonical field names to the caller's column header for
// that field. Fields omitted here fall back to DefaultAliases.
type Mapping map[string]string

// DefaultAliases lists known header aliases per canonical field (§4.7
// step 1), used when Mapping does not name a column explicitly.
var DefaultAliases = map[string][]string{
	"date":           {"date", "tanggal", "transaction_date", "tgl"},
	"description":    {"description", "keterangan", "desc", "narrative"},
	"amount":         {"amount", "jumlah", "nominal", "nilai"},
	"proposed_amount": {"proposed_amount", "rab", "anggaran"},
	"balance":        {"balance", "saldo"},
	"credit":         {"credit", "kredit", "cr"},
	"debit":          {"debit", "db"},
	"sender":         {"sender", "pengirim", "dari"},
	"receiver":       {"receiver", "penerima", "kepada", "vendor"},
	"account_number": {"account_number", "no_rekening", "account"},
	"city":           {"city", "kota"},
	"sub_group":      {"sub_group", "kategori", "category"},
	"timeline":       {"timeline", "periode"},
	"geolocation":    {"geolocation", "lokasi", "gps", "coordinates"},
	"audit_comment":  {"audit_comment", "komentar", "catatan"},
	"batch_reference": {"batch_reference", "batch", "no_batch"},
	"currency":       {"currency", "mata_uang"},
	"bank_name":      {"bank_name", "bank"},
}

// Result summarizes one Ingest call.
type Result struct {
	RowsProcessed     int
	RowsSkipped       int
	GhostTransactions int
	Warnings          []string
}

// Pipeline implements IngestionPipeline.
type Pipeline struct {
	store    store.Store
	resolver *resolver.Resolver
	trigger  *trigger.Engine
	semantic semantic.Service
	bus      *eventbus.Bus
	cfg      config.IngestionConfig
}

// New creates a Pipeline. cfg comes from config.Config.Ingestion; a
// zero BalanceGapThreshold falls back to the spec default of 1000.
func New(s store.Store, res *resolver.Resolver, trig *trigger.Engine, sem semantic.Service, bus *eventbus.Bus, cfg config.IngestionConfig) *Pipeline {
	return &Pipeline{store: s, resolver: res, trigger: trig, semantic: sem, bus: bus, cfg: cfg}
}

// accountState tracks the running balance for one bank account within
// a single Ingest call, used for ghost-transaction gap reconstruction.
type accountState struct {
	priorBalance float64
	seen         bool
}

// Ingest normalizes rows (ledger or statement), upserts entities,
// reconstructs statement balance gaps, runs TriggerEngine, computes
// embeddings, and persists. Per-row validation failures are recorded
// as warnings and the row is skipped; ingestion continues (§7).
func (p *Pipeline) Ingest(ctx context.Context, project *models.Project, mapping Mapping, rows []RawRow, kind Kind) (*Result, error) {
	result := &Result{}
	accounts := make(map[string]*accountState)
	anomalies := 0

	for _, row := range rows {
		switch kind {
		case KindLedger:
			if err := p.ingestLedgerRow(ctx, project, mapping, row); err != nil {
				result.RowsSkipped++
				result.Warnings = append(result.Warnings, err.Error())
				continue
			}
			result.RowsProcessed++
		case KindStatement:
			ghost, err := p.ingestStatementRow(ctx, project, mapping, row, accounts)
			if err != nil {
				result.RowsSkipped++
				result.Warnings = append(result.Warnings, err.Error())
				continue
			}
			result.RowsProcessed++
			if ghost {
				result.GhostTransactions++
				anomalies++
			}
		default:
			result.RowsSkipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown ingestion kind %q", kind))
		}
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.DataIngested, map[string]any{
			"project_id":      project.ID,
			"rows_processed":  result.RowsProcessed,
			"rows_skipped":    result.RowsSkipped,
			"ghost_txs":       result.GhostTransactions,
		}, "", project.ID)

		if result.RowsProcessed > 0 && float64(anomalies)/float64(result.RowsProcessed) > 0.2 {
			p.bus.Publish(eventbus.VarianceDetected, map[string]any{
				"project_id": project.ID,
				"anomaly_rate": float64(anomalies) / float64(result.RowsProcessed),
			}, "", project.ID)
		}
	}

	return result, nil
}

func (p *Pipeline) ingestLedgerRow(ctx context.Context, project *models.Project, mapping Mapping, row RawRow) error {
	ts, err := resolveDate(row, mapping)
	if err != nil {
		return fmt.Errorf("ledger row: %w", err)
	}
	if ts.After(time.Now().UTC().Add(24 * time.Hour)) {
		return fmt.Errorf("ledger row: transaction_date %s is in the future", ts)
	}

	actual, err := resolveAmount(row, mapping, "amount")
	if err != nil {
		return fmt.Errorf("ledger row: %w", err)
	}
	if actual < 0 {
		return fmt.Errorf("ledger row: actual_amount %f is negative", actual)
	}
	proposed := actual
	if v, err := resolveAmount(row, mapping, "proposed_amount"); err == nil {
		proposed = v
	}

	desc := field(row, mapping, "description")
	senderName := field(row, mapping, "sender")
	receiverName := field(row, mapping, "receiver")
	currency := field(row, mapping, "currency")
	if currency == "" {
		currency = "IDR"
	}

	tx := &models.Transaction{
		ID:              uuid.NewString(),
		ProjectID:       project.ID,
		ProposedAmount:  proposed,
		ActualAmount:    actual,
		Currency:        strings.ToUpper(currency),
		Sender:          senderName,
		Receiver:        receiverName,
		Description:     desc,
		Category:        resolveCategory(field(row, mapping, "sub_group")),
		AccountLabel:    field(row, mapping, "account_number"),
		Timestamp:       ts,
		Status:          models.StatusPending,
		AuditComment:    field(row, mapping, "audit_comment"),
		BatchReference:  extractBatchReference(desc),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	if lat, lon, ok := geo.ParseCoordinates(field(row, mapping, "geolocation")); ok {
		tx.Lat, tx.Lon = &lat, &lon
	}

	if senderName != "" {
		if ent, err := p.resolver.Upsert(ctx, project.ID, senderName, ""); err == nil {
			tx.SenderEntityID = &ent.ID
		}
	}
	if receiverName != "" {
		if ent, err := p.resolver.Upsert(ctx, project.ID, receiverName, field(row, mapping, "account_number")); err == nil {
			tx.ReceiverEntityID = &ent.ID
			if personalLeakageHint(desc, tx.Category) {
				if ent.RiskScore < 0.75 {
					ent.RiskScore = 0.75
					_ = p.store.UpdateEntity(ctx, ent)
				}
			}
		}
	}

	var triggered []string
	if p.trigger != nil {
		triggered = p.trigger.Evaluate(ctx, tx, project).Triggers
	} else {
		tx.RecomputeDeltaInflation()
	}

	if p.semantic != nil {
		if vec, err := p.semantic.Embed(ctx, desc+" | "+receiverName); err == nil {
			tx.Embedding = vec
		}
	}

	if err := p.store.CreateTransaction(ctx, tx); err != nil {
		return err
	}
	if tx.Status == models.StatusLocked || tx.Status == models.StatusFlagged {
		p.appendForensicFlag(ctx, tx, triggered)
	}
	return nil
}

// appendForensicFlag records the pending→locked/flagged transition in
// the hash-chained audit log.
func (p *Pipeline) appendForensicFlag(ctx context.Context, tx *models.Transaction, triggers []string) {
	prev := ""
	if last, err := p.store.LastAuditLog(ctx, "Transaction", tx.ID); err == nil && last != nil {
		prev = last.HashSignature
	}
	entry := &models.AuditLog{
		ID:           uuid.NewString(),
		EntityType:   "Transaction",
		EntityID:     tx.ID,
		Action:       "FORENSIC_FLAG",
		FieldName:    "status",
		OldValue:     string(models.StatusPending),
		NewValue:     string(tx.Status),
		ActorID:      "ingestion-pipeline",
		Reason:       strings.Join(triggers, "; "),
		PreviousHash: prev,
		Timestamp:    time.Now().UTC(),
	}
	canonical := strings.Join([]string{entry.EntityType, entry.EntityID, entry.Action, entry.FieldName, entry.OldValue, entry.NewValue, entry.ActorID}, "|")
	entry.HashSignature = audit.ChainHash(entry.PreviousHash, canonical)
	_ = p.store.AppendAuditLog(ctx, entry)
}

func (p *Pipeline) ingestStatementRow(ctx context.Context, project *models.Project, mapping Mapping, row RawRow, accounts map[string]*accountState) (bool, error) {
	ts, err := resolveDate(row, mapping)
	if err != nil {
		return false, fmt.Errorf("statement row: %w", err)
	}

	amount, err := resolveAmount(row, mapping, "amount")
	if err != nil {
		// Some statements carry only balance/credit/debit, no bare amount.
		amount = 0
	}

	desc := field(row, mapping, "description")
	currency := field(row, mapping, "currency")
	if currency == "" {
		currency = "IDR"
	}
	acctNo := field(row, mapping, "account_number")

	bank := &models.BankTransaction{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		Amount:         amount,
		Currency:       strings.ToUpper(currency),
		BankName:       field(row, mapping, "bank_name"),
		Description:    desc,
		Timestamp:      ts,
		BatchReference: extractBatchReference(desc),
		CreatedAt:      time.Now().UTC(),
	}
	if p.semantic != nil {
		if vec, err := p.semantic.Embed(ctx, desc+" | "+bank.BankName); err == nil {
			bank.Embedding = vec
		}
	}
	if err := p.store.CreateBankTransaction(ctx, bank); err != nil {
		return false, err
	}

	balance, balErr := resolveAmount(row, mapping, "balance")
	credit, _ := resolveAmount(row, mapping, "credit")
	debit, _ := resolveAmount(row, mapping, "debit")
	if balErr != nil || acctNo == "" {
		return false, nil
	}

	state, ok := accounts[acctNo]
	if !ok {
		state = &accountState{}
		accounts[acctNo] = state
	}
	if !state.seen {
		state.seen = true
		state.priorBalance = balance
		return false, nil
	}

	expected := state.priorBalance + credit - debit
	threshold := p.cfg.BalanceGapThreshold
	if threshold <= 0 {
		threshold = 1000
	}
	delta := balance - expected
	state.priorBalance = balance

	if math.Abs(delta) <= threshold {
		return false, nil
	}

	ghost := &models.Transaction{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		ProposedAmount: math.Abs(delta),
		ActualAmount:   math.Abs(delta),
		Currency:       strings.ToUpper(currency),
		Sender:         "Unknown-Gap-" + acctNo,
		Receiver:       "Unknown-Gap-" + acctNo,
		Description:    fmt.Sprintf("Inferred balance gap on account %s", acctNo),
		Category:       models.CategoryUnknown,
		AccountLabel:   acctNo,
		Timestamp:      ts,
		Status:         models.StatusPending,
		Flags:          models.TransactionFlags{IsInferred: true},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if p.trigger != nil {
		p.trigger.Evaluate(ctx, ghost, project)
	} else {
		ghost.RecomputeDeltaInflation()
	}
	if err := p.store.CreateTransaction(ctx, ghost); err != nil {
		return false, err
	}
	return true, nil
}

func field(row RawRow, mapping Mapping, canonical string) string {
	if col, ok := mapping[canonical]; ok {
		if v, ok := row[col]; ok {
			return strings.TrimSpace(v)
		}
	}
	for key, v := range row {
		for _, alias := range DefaultAliases[canonical] {
			if strings.EqualFold(key, alias) {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

var currencyPrefixRe = regexp.MustCompile(`(?i)^\s*(rp\.?|\$|usd|idr)\s*`)

// stripThousandSeparators removes any '.' or ',' that is immediately
// followed by exactly 3 digits and then a non-digit or end of string,
// i.e. a thousands grouping separator rather than a decimal point. Go's
// RE2-based regexp engine has no lookahead support, so this replicates
// what `[.,](?=\d{3}(\D|$))` would do with a manual scan instead.
func stripThousandSeparators(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == ',' {
			if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) &&
				(i+4 == len(s) || !isDigit(s[i+4])) {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// resolveAmount parses a monetary cell allowing thousand separators and
// currency prefixes (§6: "Rp", "$").
func resolveAmount(row RawRow, mapping Mapping, canonical string) (float64, error) {
	raw := field(row, mapping, canonical)
	if raw == "" {
		return 0, fmt.Errorf("missing field %q", canonical)
	}
	cleaned := currencyPrefixRe.ReplaceAllString(raw, "")
	cleaned = stripThousandSeparators(cleaned)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	cleaned = strings.TrimSpace(cleaned)
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: cannot parse amount %q", canonical, raw)
	}
	return v, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"02/01/2006",
	"02-01-2006",
	"2/1/2006",
}

// resolveDate parses a date cell, accepting ISO-8601 and day-first
// local formats (§6).
func resolveDate(row RawRow, mapping Mapping) (time.Time, error) {
	raw := field(row, mapping, "date")
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing date field")
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", raw)
}

func resolveCategory(raw string) models.Category {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "XP", "EXPENSE":
		return models.CategoryExpense
	case "V", "VENDOR":
		return models.CategoryVendor
	case "P", "PERSONNEL":
		return models.CategoryPersonnel
	case "F", "FIXED":
		return models.CategoryFixed
	case "MAT", "MATERIAL":
		return models.CategoryMaterial
	default:
		return models.CategoryUnknown
	}
}

var batchRefRe = regexp.MustCompile(`(?i)\b(BATCH|PAYROLL|PAYMENT\s+GROUP|GIRO|CEK)[.\-\s#]*([A-Z0-9\-]{2,})\b`)

func extractBatchReference(description string) string {
	m := batchRefRe.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1]) + "-" + m[2]
}

var personalLeakageKeywords = []string{"keluarga", "pribadi", "lorlun", "saudara", "rek sendiri"}

func personalLeakageHint(description string, category models.Category) bool {
	if category == models.CategoryExpense {
		return true
	}
	desc := strings.ToLower(description)
	for _, kw := range personalLeakageKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}
