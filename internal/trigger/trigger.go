// Package trigger implements TriggerEngine (§4.4): the ordered rule
// battery that inspects one Transaction (plus same-session lookups for
// duplicate/velocity rules) and mutates its risk score, status, AML
// stage, and flags. Grounded on the teacher's automation trigger-table
// shape (services/automation/automation_triggers.go): a short ordered
// list of rule checks, each contributing to a shared result, rather
// than a class hierarchy per rule.
package trigger

import (
	"context"
	"math"
	"strings"

	"github.com/r3e-audit/forensic-engine/internal/geo"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/similarity"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

const (
	structuringLow  = 90_000_000.0
	structuringHigh = 100_000_000.0
	cashChannelMin  = 100_000_000.0
	geoDistanceKmMax = 50.0
	fuzzyDupWindow   = 48 * 3600 // seconds
	velocityWindow   = 24 * 3600 // seconds
	velocityCount    = 3
	fuzzyDupSimilarity = 0.85
	fuzzyDupAmountPct  = 0.05
)

var evidenceGapPhrases = []string{"butuh bukti", "tidak ada kwitansi", "cek penggunaan"}

var personalLeakageKeywords = []string{"keluarga", "pribadi", "lorlun", "saudara", "rek sendiri"}

const fabricationKeyword = "ngarang"

var cashKeywords = []string{"cash", "tunai"}

// Result is what one Evaluate call reports, mirroring §4.4's contract.
type Result struct {
	Triggers   []string
	RiskScore  float64
	Status     models.TransactionStatus
	AMLStage   models.AMLStage
	MutatedTx  *models.Transaction
}

// Engine runs the ordered rule battery against a Transaction.
type Engine struct {
	store store.Store
}

// New creates an Engine backed by s, used for same-session lookups
// (duplicate/velocity/recidivism rules).
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Evaluate runs every rule in §4.4's order against tx, mutating it in
// place, and returns the accumulated Result. Evaluate never returns an
// error: a rule that cannot complete a same-session lookup degrades
// (logs are the caller's responsibility) and is simply skipped, per
// §7's propagation policy for TriggerEngine.
func (e *Engine) Evaluate(ctx context.Context, tx *models.Transaction, project *models.Project) Result {
	var triggers []string
	add := func(label string) { triggers = appendDedup(triggers, label) }

	// 1. Inflation
	if tx.ProposedAmount > tx.ActualAmount {
		tx.RecomputeDeltaInflation()
		tx.Status = models.StatusFlagged
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLPlacement)
		add("Penggelembungan")
	} else {
		tx.RecomputeDeltaInflation()
	}

	// 2. Evidence gap
	comment := strings.ToLower(tx.AuditComment)
	for _, phrase := range evidenceGapPhrases {
		if strings.Contains(comment, phrase) {
			tx.Flags.NeedsProof = true
			tx.Status = models.StatusLocked
			tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLPlacement)
			add("Evidence Gap")
			break
		}
	}

	// 3. Personal leakage
	desc := strings.ToLower(tx.Description + " " + tx.AuditComment)
	leaked := tx.Category == models.CategoryExpense
	if !leaked {
		for _, kw := range personalLeakageKeywords {
			if strings.Contains(desc, kw) {
				leaked = true
				break
			}
		}
	}
	if leaked {
		tx.Category = models.CategoryExpense
		tx.Flags.PotentialMisappropriation = true
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLPlacement)
		add("Personal Leakage")
	}

	// 4. Fabrication
	if strings.Contains(comment, fabricationKeyword) {
		tx.Status = models.StatusFlagged
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLLayering)
		add("Fabrication")
	}

	// 5. Fuzzy duplicate
	if e.hasFuzzyDuplicate(ctx, tx) {
		tx.Status = models.StatusFlagged
		tx.Flags.IsCircular = true
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLLayering)
		add("Fuzzy Duplicate")
	}

	// 6. Velocity
	if e.hasVelocity(ctx, tx) {
		tx.Status = models.StatusFlagged
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLLayering)
		add("Velocity")
	}

	// 7. Channel risk
	hasCashKeyword := false
	for _, kw := range cashKeywords {
		if strings.Contains(desc, kw) {
			hasCashKeyword = true
			break
		}
	}
	if hasCashKeyword && tx.ActualAmount > cashChannelMin {
		tx.Status = models.StatusFlagged
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLPlacement)
		add("Channel Risk")
	}

	// 8. Structuring (half-open window, annotate only)
	if tx.ActualAmount >= structuringLow && tx.ActualAmount < structuringHigh {
		add("Structuring")
	}

	// 9. Geographic
	if project.HasCoords() && tx.Lat != nil && tx.Lon != nil {
		dist := geo.HaversineKm(*project.SiteLat, *project.SiteLon, *tx.Lat, *tx.Lon)
		if dist >= geoDistanceKmMax {
			tx.Status = models.StatusFlagged
			tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLIntegration)
			add("Geographic Anomaly")
		}
	}

	// 10. Global recidivism
	if e.hasGlobalRecidivism(ctx, tx) {
		tx.Status = models.StatusFlagged
		tx.AMLStage = models.PromoteStage(tx.AMLStage, models.AMLIntegration)
		add("Global Recidivism")
	}

	risk := computeRisk(tx)
	tx.RiskScore = risk
	if risk >= 0.5 {
		tx.Status = models.StatusFlagged
	}
	if tx.Status == models.StatusLocked {
		tx.Flags.NeedsProof = true
	}

	if len(triggers) > 0 {
		if tx.MensReaDescription == "" {
			tx.MensReaDescription = strings.Join(triggers, "; ")
		} else {
			tx.MensReaDescription = strings.Join(appendDedup(strings.Split(tx.MensReaDescription, "; "), triggers...), "; ")
		}
	}

	return Result{
		Triggers:  triggers,
		RiskScore: tx.RiskScore,
		Status:    tx.Status,
		AMLStage:  tx.AMLStage,
		MutatedTx: tx,
	}
}

// computeRisk is the parallel fraud heuristic of §4.4: base plus
// weighted contributions, clamped to 1.0.
func computeRisk(tx *models.Transaction) float64 {
	risk := 0.05
	if tx.Flags.IsRedacted {
		risk += 0.4
	}
	desc := strings.ToLower(tx.Description + " " + tx.AuditComment)
	for _, kw := range personalLeakageKeywords {
		if strings.Contains(desc, kw) {
			risk += 0.3
			break
		}
	}
	if strings.Contains(desc, "keluarga") || strings.Contains(desc, "saudara") {
		risk += 0.5
	}
	if tx.Flags.PotentialMisappropriation && tx.Category != models.CategoryExpense {
		risk += 0.2
	}
	return math.Min(risk, 1.0)
}

func (e *Engine) hasFuzzyDuplicate(ctx context.Context, tx *models.Transaction) bool {
	since := tx.EffectiveDate().Unix() - int64(fuzzyDupWindow)
	candidates, err := e.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: tx.ProjectID,
		Since:     &since,
		Limit:     500,
	})
	if err != nil {
		return false
	}
	for _, other := range candidates {
		if other.ID == tx.ID {
			continue
		}
		if math.Abs(other.EffectiveDate().Sub(tx.EffectiveDate()).Seconds()) > float64(fuzzyDupWindow) {
			continue
		}
		if similarity.TokenSortRatio(tx.Description, other.Description) < fuzzyDupSimilarity {
			continue
		}
		if tx.ActualAmount == 0 {
			continue
		}
		if math.Abs(tx.ActualAmount-other.ActualAmount)/tx.ActualAmount < fuzzyDupAmountPct {
			return true
		}
	}
	return false
}

func (e *Engine) hasVelocity(ctx context.Context, tx *models.Transaction) bool {
	since := tx.EffectiveDate().Unix() - int64(velocityWindow)
	candidates, err := e.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: tx.ProjectID,
		Receiver:  tx.Receiver,
		Since:     &since,
		Limit:     500,
	})
	if err != nil {
		return false
	}
	count := 0
	for _, other := range candidates {
		if other.ID == tx.ID {
			continue
		}
		if math.Abs(other.EffectiveDate().Sub(tx.EffectiveDate()).Seconds()) > float64(velocityWindow) {
			continue
		}
		count++
	}
	return count >= velocityCount
}

func (e *Engine) hasGlobalRecidivism(ctx context.Context, tx *models.Transaction) bool {
	entities, err := e.store.ListEntitiesByRiskAcrossProjects(ctx, tx.Receiver, 0.5)
	if err != nil {
		return false
	}
	for _, ent := range entities {
		if ent.ProjectID == nil || *ent.ProjectID != tx.ProjectID {
			return true
		}
	}
	return false
}

func appendDedup(existing []string, items ...string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	out := append([]string{}, existing...)
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
