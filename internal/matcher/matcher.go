// Package matcher implements ReconciliationMatcher (§4.5): direct
// (with semantic description similarity as one scoring factor),
// aggregate, proportional and fuzzy-vector pairing of ledger rows to
// bank rows, confidence tiering, and the auto-confirm gate.
// Grounded on the teacher's rule-battery style (services/automation
// trigger checks) generalized from a single condition per trigger to a
// scored, multi-factor confidence computation, and on
// internal/similarity for the fuzzy-string factors.
package matcher

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/currency"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/semantic"
	"github.com/r3e-audit/forensic-engine/internal/similarity"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

// Tier is a confidence bucket (§4.5, GLOSSARY).
type Tier string

const (
	Tier1Perfect  Tier = "TIER_1_PERFECT"
	Tier2Strong   Tier = "TIER_2_STRONG"
	Tier3Probable Tier = "TIER_3_PROBABLE"
	Tier4Weak     Tier = "TIER_4_WEAK"
)

// Gate is an auto-confirmation decision (§4.5, GLOSSARY).
type Gate string

const (
	GateAutoOK      Gate = "AUTO_OK"
	GateReview      Gate = "REVIEW"
	GateInvestigate Gate = "INVESTIGATE"
)

// Config carries the tunables §4.5 names as settings rather than
// constants (default clearing window, batch window, amount tolerance).
type Config struct {
	AmountTolerancePct  float64 // relative variance tolerance, e.g. 0.005 for 0.5%
	DefaultClearingDays int
	BatchWindowDays     int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{AmountTolerancePct: 0.005, DefaultClearingDays: 7, BatchWindowDays: 3}
}

// proportionalRatios are the VAT/withholding combinations §4.5's
// proportional matcher tests against l.amount ≈ b.amount · r.
var proportionalRatios = []float64{1.0, 1.11, 0.98, 1.09, 1.02}

const proportionalTolerancePct = 0.001

// AuditActor is used for audit-log entries written by the matcher when
// no caller-supplied actor is available (system-driven confirmations).
const AuditActor = "reconciliation-matcher"

// Matcher runs the matching algorithms of §4.5 over a project's pending
// ledger and bank rows.
type Matcher struct {
	store    store.Store
	currency currency.Service
	semantic semantic.Service
	bus      *eventbus.Bus
	cfg      Config
}

// New creates a Matcher.
func New(s store.Store, cur currency.Service, sem semantic.Service, bus *eventbus.Bus, cfg Config) *Matcher {
	return &Matcher{store: s, currency: cur, semantic: sem, bus: bus, cfg: cfg}
}

// Suggest runs every matcher algorithm over project's pending/flagged
// ledger rows and all of the project's bank rows (bank rows matched
// earlier are not excluded), persists each proposal, and
// returns the full set. Per-pair errors are swallowed and counted
// (§7): a failing semantic lookup degrades that pair's score rather
// than aborting the run.
func (m *Matcher) Suggest(ctx context.Context, projectID string) ([]*models.ReconciliationMatch, int, error) {
	ledger, err := m.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID, Limit: 0})
	if err != nil {
		return nil, 0, err
	}
	bankRows, err := m.store.ListBankTransactions(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}

	var candidateLedger []*models.Transaction
	for _, l := range ledger {
		if l.Status == models.StatusPending || l.Status == models.StatusFlagged {
			candidateLedger = append(candidateLedger, l)
		}
	}

	var out []*models.ReconciliationMatch
	skipped := 0

	for _, b := range bankRows {
		for _, l := range candidateLedger {
			match, ok := m.tryDirect(ctx, l, b)
			if !ok {
				skipped++
				continue
			}
			if err := m.persist(ctx, match); err != nil {
				skipped++
				continue
			}
			out = append(out, match)
		}
	}

	aggMatches, aggSkipped := m.suggestAggregate(ctx, candidateLedger, bankRows)
	out = append(out, aggMatches...)
	skipped += aggSkipped

	propMatches, propSkipped := m.suggestProportional(ctx, candidateLedger, bankRows)
	out = append(out, propMatches...)
	skipped += propSkipped

	vecMatches, vecSkipped := m.suggestFuzzyVector(ctx, candidateLedger, bankRows)
	out = append(out, vecMatches...)
	skipped += vecSkipped

	return out, skipped, nil
}

func (m *Matcher) persist(ctx context.Context, match *models.ReconciliationMatch) error {
	return m.store.CreateMatch(ctx, match)
}

// tryDirect implements the direct matcher: amount/time/reference/vendor/
// semantic factors combined into one confidence score (§4.5).
func (m *Matcher) tryDirect(ctx context.Context, l *models.Transaction, b *models.BankTransaction) (*models.ReconciliationMatch, bool) {
	rate, err := m.currency.Rate(ctx, b.Currency, l.Currency, b.Timestamp)
	if err != nil {
		rate = 1.0
	}
	convertedAmount := b.Amount * rate

	diff := math.Abs(l.ActualAmount - convertedAmount)
	var relVariance float64
	if l.ActualAmount != 0 {
		relVariance = diff / l.ActualAmount
	}
	tol := m.cfg.AmountTolerancePct
	if tol <= 0 {
		tol = DefaultConfig().AmountTolerancePct
	}
	if diff >= 0.01 && relVariance >= tol {
		return nil, false
	}
	amountSim := 1 - math.Min(1, relVariance/math.Max(tol, 1e-9))

	channel := classifyChannel(b.Description)
	window := clearingWindow(channel, m.cfg.DefaultClearingDays)

	bDate := b.Timestamp
	if b.BookingDate != nil {
		bDate = *b.BookingDate
	}
	deltaDays := math.Abs(l.EffectiveDate().Sub(bDate).Hours() / 24)
	if int(deltaDays) > window {
		return nil, false
	}

	invoiceRef, hasInvoice := extractReference(l.Description + " " + b.Description)
	batchRef, hasBatch := extractBatchReference(l.Description + " " + b.Description)

	vendorScore := vendorSimilarity(l.Sender, b.Description)
	if vendorScore < vendorSimilarity(l.Receiver, b.Description) {
		vendorScore = vendorSimilarity(l.Receiver, b.Description)
	}

	semanticScore := m.semanticScore(ctx, l.Description, b.Description)

	temporal := temporalScore(deltaDays)

	score := 0.40*amountSim + 0.20*temporal + 0.10*(vendorScore/100) + 0.05*(semanticScore/100)
	if hasInvoice {
		score += 0.10
	}
	if hasBatch {
		score += 0.15
	}
	score += 0.05 // direct-matcher bonus
	score -= math.Min(0.10, 0.10*l.RiskScore)
	score = clamp01(score)

	tier := tierFor(score)
	gate := gateFor(tier, l.RiskScore)

	reasoning := buildReasoning(diff, int(deltaDays), window, channel, invoiceRef, batchRef, vendorScore, semanticScore, tier, gate)

	match := &models.ReconciliationMatch{
		ID:              uuid.NewString(),
		InternalTxID:    l.ID,
		BankTxID:        b.ID,
		ConfidenceScore: score,
		MatchType:       models.MatchDirect,
		AIReasoning:     reasoning,
		CreatedAt:       time.Now().UTC(),
	}
	return match, true
}

func (m *Matcher) semanticScore(ctx context.Context, a, b string) float64 {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if la == lb {
		return 100
	}
	if similarity.TokenSortRatio(a, b) >= 0.85 {
		return 100 * similarity.TokenSortRatio(a, b)
	}
	sim, err := m.semantic.Similarity(ctx, a, b)
	if err != nil {
		return 100 * similarity.TokenSortRatio(a, b)
	}
	return 100 * sim
}

// suggestAggregate implements the "Minimal Arus Uang" matcher: for each
// bank row, greedily accumulate V/P/F ledger rows within the batch
// window, largest-first, until the sum matches the bank amount.
func (m *Matcher) suggestAggregate(ctx context.Context, ledger []*models.Transaction, bankRows []*models.BankTransaction) ([]*models.ReconciliationMatch, int) {
	var out []*models.ReconciliationMatch
	skipped := 0
	windowDays := m.cfg.BatchWindowDays
	if windowDays <= 0 {
		windowDays = DefaultConfig().BatchWindowDays
	}

	for _, b := range bankRows {
		var pool []*models.Transaction
		for _, l := range ledger {
			if l.Category != models.CategoryVendor && l.Category != models.CategoryPersonnel && l.Category != models.CategoryFixed {
				continue
			}
			bDate := b.Timestamp
			if b.BookingDate != nil {
				bDate = *b.BookingDate
			}
			if math.Abs(l.EffectiveDate().Sub(bDate).Hours()/24) > float64(windowDays) {
				continue
			}
			pool = append(pool, l)
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].ActualAmount > pool[j].ActualAmount })

		var contributing []*models.Transaction
		var sum float64
		for _, l := range pool {
			if sum+l.ActualAmount > b.Amount+1.0 {
				continue
			}
			contributing = append(contributing, l)
			sum += l.ActualAmount
			if math.Abs(sum-b.Amount) <= 1.0 {
				break
			}
		}
		if math.Abs(sum-b.Amount) > 1.0 || len(contributing) == 0 {
			continue
		}
		for _, l := range contributing {
			match := &models.ReconciliationMatch{
				ID:              uuid.NewString(),
				InternalTxID:    l.ID,
				BankTxID:        b.ID,
				ConfidenceScore: 0.9,
				MatchType:       models.MatchAggregate,
				AIReasoning:     fmt.Sprintf("AGGREGATE | sum=%.2f | TIER_2_STRONG | REVIEW", sum),
				CreatedAt:       time.Now().UTC(),
			}
			if err := m.persist(ctx, match); err != nil {
				skipped++
				continue
			}
			out = append(out, match)
		}
	}
	return out, skipped
}

// suggestProportional implements the VAT/withholding proportional
// matcher: l.amount ≈ b.amount·r for r in the known ratio set.
func (m *Matcher) suggestProportional(ctx context.Context, ledger []*models.Transaction, bankRows []*models.BankTransaction) ([]*models.ReconciliationMatch, int) {
	var out []*models.ReconciliationMatch
	skipped := 0
	for _, l := range ledger {
		if l.Status == models.StatusMatched {
			continue
		}
		for _, b := range bankRows {
			for _, r := range proportionalRatios {
				expected := b.Amount * r
				if expected == 0 {
					continue
				}
				if math.Abs(l.ActualAmount-expected)/expected > proportionalTolerancePct {
					continue
				}
				match := &models.ReconciliationMatch{
					ID:              uuid.NewString(),
					InternalTxID:    l.ID,
					BankTxID:        b.ID,
					ConfidenceScore: 0.9,
					MatchType:       models.MatchProportional,
					AIReasoning:     fmt.Sprintf("PROPORTIONAL | ratio=%.2f | TIER_2_STRONG | REVIEW", r),
					CreatedAt:       time.Now().UTC(),
				}
				if err := m.persist(ctx, match); err != nil {
					skipped++
					continue
				}
				out = append(out, match)
			}
		}
	}
	return out, skipped
}

// suggestFuzzyVector pairs rows whose stored embeddings have cosine
// similarity ≥0.85 and persists each pair; a pair that fails to persist
// is counted as skipped.
func (m *Matcher) suggestFuzzyVector(ctx context.Context, ledger []*models.Transaction, bankRows []*models.BankTransaction) ([]*models.ReconciliationMatch, int) {
	var out []*models.ReconciliationMatch
	skipped := 0
	for _, l := range ledger {
		if len(l.Embedding) == 0 {
			continue
		}
		for _, b := range bankRows {
			if len(b.Embedding) == 0 {
				continue
			}
			sim := semantic.CosineSimilarity(l.Embedding, b.Embedding)
			if sim < 0.85 {
				continue
			}
			match := &models.ReconciliationMatch{
				ID:              uuid.NewString(),
				InternalTxID:    l.ID,
				BankTxID:        b.ID,
				ConfidenceScore: sim,
				MatchType:       models.MatchFuzzyVector,
				AIReasoning:     fmt.Sprintf("FUZZY_VECTOR | cosine=%.3f | %s", sim, tierFor(sim)),
				CreatedAt:       time.Now().UTC(),
			}
			if err := m.persist(ctx, match); err != nil {
				skipped++
				continue
			}
			out = append(out, match)
		}
	}
	return out, skipped
}

// AutoConfirmResult buckets Suggest's output by gate.
type AutoConfirmResult struct {
	Confirmed  []*models.ReconciliationMatch
	Review     []*models.ReconciliationMatch
	Investigate []*models.ReconciliationMatch
}

// AutoConfirm confirms every proposed match whose ai_reasoning carries
// AUTO_OK, buckets the rest by gate, and publishes
// RECONCILIATION_COMPLETED (plus VARIANCE_DETECTED when the investigate
// bucket exceeds 5). Idempotent: re-running over already-confirmed
// matches confirms nothing twice (§8).
func (m *Matcher) AutoConfirm(ctx context.Context, projectID string) (AutoConfirmResult, error) {
	matches, err := m.store.ListMatchesByProject(ctx, projectID)
	if err != nil {
		return AutoConfirmResult{}, err
	}

	var result AutoConfirmResult
	for _, mm := range matches {
		if mm.Confirmed {
			continue
		}
		switch {
		case strings.Contains(mm.AIReasoning, string(GateAutoOK)):
			if err := m.Confirm(ctx, mm.ID, AuditActor); err == nil {
				result.Confirmed = append(result.Confirmed, mm)
			}
		case strings.Contains(mm.AIReasoning, string(GateReview)):
			result.Review = append(result.Review, mm)
		default:
			result.Investigate = append(result.Investigate, mm)
		}
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.ReconciliationCompleted, map[string]any{
			"project":     projectID,
			"confirmed":   len(result.Confirmed),
			"review":      len(result.Review),
			"investigate": len(result.Investigate),
		}, "", projectID)
		if len(result.Investigate) > 5 {
			m.bus.Publish(eventbus.VarianceDetected, map[string]any{
				"project": projectID,
				"count":   len(result.Investigate),
			}, "", projectID)
		}
	}

	return result, nil
}

// Confirm confirms matchID: idempotent (a second call on an
// already-confirmed match is a no-op), sets the linked Transaction's
// status to matched, writes one CONFIRM_MATCH AuditLog entry, and
// publishes TRANSACTION_MATCHED.
func (m *Matcher) Confirm(ctx context.Context, matchID, actor string) error {
	match, err := m.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if match.Confirmed {
		return nil
	}

	tx, err := m.store.GetTransaction(ctx, match.InternalTxID)
	if err != nil {
		return err
	}
	oldStatus := string(tx.Status)
	tx.Status = models.StatusMatched
	if err := m.store.UpdateTransaction(ctx, tx); err != nil {
		return err
	}

	now := time.Now().UTC()
	match.Confirmed = true
	match.MatchedAt = &now
	if err := m.store.UpdateMatch(ctx, match); err != nil {
		return err
	}

	prev, _ := m.store.LastAuditLog(ctx, "Transaction", tx.ID)
	prevHash := ""
	if prev != nil {
		prevHash = prev.HashSignature
	}
	entry := &models.AuditLog{
		ID:           uuid.NewString(),
		EntityType:   "Transaction",
		EntityID:     tx.ID,
		Action:       "CONFIRM_MATCH",
		FieldName:    "status",
		OldValue:     oldStatus,
		NewValue:     string(models.StatusMatched),
		ActorID:      actor,
		PreviousHash: prevHash,
		Timestamp:    now,
	}
	entry.HashSignature = hashAuditEntry(entry)
	if err := m.store.AppendAuditLog(ctx, entry); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.TransactionMatched, map[string]any{
			"match_id":         match.ID,
			"internal_tx_id":   match.InternalTxID,
			"bank_tx_id":       match.BankTxID,
			"confidence_score": match.ConfidenceScore,
			"match_type":       string(match.MatchType),
		}, "", tx.ProjectID)
	}

	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func tierFor(score float64) Tier {
	switch {
	case score >= 0.95:
		return Tier1Perfect
	case score >= 0.85:
		return Tier2Strong
	case score >= 0.70:
		return Tier3Probable
	default:
		return Tier4Weak
	}
}

func gateFor(tier Tier, riskScore float64) Gate {
	switch tier {
	case Tier1Perfect:
		return GateAutoOK
	case Tier2Strong:
		if riskScore < 0.3 {
			return GateAutoOK
		}
		return GateInvestigate
	case Tier3Probable:
		return GateReview
	default:
		return GateInvestigate
	}
}

func temporalScore(deltaDays float64) float64 {
	switch {
	case deltaDays <= 1:
		return 1.0
	case deltaDays <= 3:
		return 0.9
	case deltaDays <= 7:
		return 0.7
	case deltaDays <= 14:
		return 0.4
	default:
		return 0.2
	}
}

var channelPatterns = []struct {
	label string
	re    *regexp.Regexp
	days  int
}{
	{"BI_FAST", regexp.MustCompile(`(?i)bi[\s_-]?fast`), 1},
	{"RTGS", regexp.MustCompile(`(?i)rtgs`), 1},
	{"ATM", regexp.MustCompile(`(?i)\batm\b`), 2},
	{"CHECK", regexp.MustCompile(`(?i)\b(check|cheque|giro|cek)\b`), 7},
	{"INT", regexp.MustCompile(`(?i)\bint(ernational)?\b`), 14},
}

func classifyChannel(description string) string {
	for _, p := range channelPatterns {
		if p.re.MatchString(description) {
			return p.label
		}
	}
	return "UNKNOWN"
}

func clearingWindow(channel string, defaultDays int) int {
	for _, p := range channelPatterns {
		if p.label == channel {
			return p.days
		}
	}
	if defaultDays <= 0 {
		return DefaultConfig().DefaultClearingDays
	}
	return defaultDays
}

var referencePatterns = regexp.MustCompile(`(?i)\b(?:INV(?:OICE)?|NO|REF|TRF|KWITANSI|SPK|PO)[.\-\s#]*0*(\d{3,})\b`)

// extractReference pulls an invoice/reference number and canonicalizes
// it to REF000123 form.
func extractReference(text string) (string, bool) {
	m := referencePatterns.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("REF%06s", m[1]), true
}

var batchRefPatterns = regexp.MustCompile(`(?i)\b(BATCH|PAYROLL|PAYMENT\s+GROUP|GIRO|CEK)[.\-\s#]*([A-Z0-9\-]{2,})\b`)

func extractBatchReference(text string) (string, bool) {
	m := batchRefPatterns.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + "-" + m[2], true
}

var legalSuffixes = []string{"pt", "cv", "ud", "tbk", "ltd", "inc", "corp"}

var punctuationRe = regexp.MustCompile(`[^\w\s]`)

func normalizeVendor(name string) string {
	name = strings.ToLower(name)
	name = punctuationRe.ReplaceAllString(name, " ")
	tokens := strings.Fields(name)
	out := tokens[:0]
	for _, tok := range tokens {
		skip := false
		for _, suf := range legalSuffixes {
			if tok == suf {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, tok)
		}
	}
	return strings.Join(out, " ")
}

// vendorSimilarity is the max of simple-ratio, partial-ratio and
// token-sort-ratio over normalized vendor strings, scaled to [0,100].
func vendorSimilarity(vendor, description string) float64 {
	if strings.TrimSpace(vendor) == "" {
		return 0
	}
	a := normalizeVendor(vendor)
	b := normalizeVendor(description)
	best := similarity.Ratio(a, b)
	if r := similarity.PartialRatio(a, b); r > best {
		best = r
	}
	if r := similarity.TokenSortRatio(a, b); r > best {
		best = r
	}
	return best * 100
}

func buildReasoning(diff float64, deltaDays, window int, channel, invoiceRef, batchRef string, vendorScore, semanticScore float64, tier Tier, gate Gate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "AmtΔ%.2f | %dd (Window:%dd) | Channel:%s", diff, deltaDays, window, channel)
	if invoiceRef != "" {
		fmt.Fprintf(&b, " | INV:%s", invoiceRef)
	}
	if batchRef != "" {
		fmt.Fprintf(&b, " | BATCH:%s", batchRef)
	}
	if vendorScore > 0 {
		fmt.Fprintf(&b, " | Vendor:%.0f%%", vendorScore)
	}
	if semanticScore > 0 {
		fmt.Fprintf(&b, " | Semantic:%.0f%%", semanticScore)
	}
	fmt.Fprintf(&b, " | %s | %s", tier, gate)
	return b.String()
}

// hashAuditEntry computes the deterministic chain hash for entry: a
// function of previous_hash and the canonical record fields (§4 AuditLog
// invariant, §8 chain-reproducibility property).
func hashAuditEntry(entry *models.AuditLog) string {
	return audit.ChainHash(entry.PreviousHash, canonicalAuditRecord(entry))
}

func canonicalAuditRecord(entry *models.AuditLog) string {
	return strings.Join([]string{
		entry.EntityType, entry.EntityID, entry.Action, entry.FieldName,
		entry.OldValue, entry.NewValue, entry.ActorID, entry.Reason,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
}
