// Package graph implements GraphAnalytics (§4.6): circular-flow cycle
// detection, UBO resolution, Benford's-law analysis, structuring-burst
// detection, and the asset-temporal nexus. Grounded on §9's guidance
// that a bounded in-memory DFS is an acceptable substitute for the
// source's recursive-SQL cycle search, and on the teacher's
// domain/automation condition-evaluation style for the Benford/
// structuring heuristics (a short ordered scan producing an insight).
package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

const (
	defaultMinAmount = 1_000_000.0
	maxCycleDepth    = 4
	maxCyclesEmitted = 50
)

// Cycle is a detected circular money-flow path.
type Cycle struct {
	Path      []string // entity names, path[0] == path[len-1]
	Depth     int
	MinFlow   float64
	RiskScore float64
}

// Analytics runs the graph algorithms of §4.6 against a project's
// transaction and ownership data.
type Analytics struct {
	store store.Store
	bus   *eventbus.Bus
}

// New creates an Analytics instance.
func New(s store.Store, bus *eventbus.Bus) *Analytics {
	return &Analytics{store: s, bus: bus}
}

type edge struct {
	to     string
	txID   string
	amount float64
}

// DetectCycles searches for circular money-laundering flows:
// sender→receiver paths of depth 2..4 where every edge amount is ≥
// minAmount and the path returns to its origin. Order-independent in
// input (§8): cycles are deduplicated by their rotation-normalized node
// sequence regardless of scan order.
func (a *Analytics) DetectCycles(ctx context.Context, projectID string, minAmount float64) ([]Cycle, error) {
	if minAmount <= 0 {
		minAmount = defaultMinAmount
	}
	txs, err := a.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]edge)
	for _, tx := range txs {
		if tx.ActualAmount < minAmount || tx.Sender == "" || tx.Receiver == "" {
			continue
		}
		adj[tx.Sender] = append(adj[tx.Sender], edge{to: tx.Receiver, txID: tx.ID, amount: tx.ActualAmount})
	}

	seen := make(map[string]bool)
	var cycles []Cycle

	var nodes []string
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, start := range nodes {
		a.searchCycles(adj, start, []string{start}, map[string]bool{start: true}, nil, &cycles, seen)
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].MinFlow > cycles[j].MinFlow })
	if len(cycles) > maxCyclesEmitted {
		cycles = cycles[:maxCyclesEmitted]
	}

	if a.bus != nil {
		for _, c := range cycles {
			a.bus.Publish(eventbus.CorrelationFound, map[string]any{
				"kind":       "circular_flow",
				"path":       c.Path,
				"min_flow":   c.MinFlow,
				"risk_score": c.RiskScore,
			}, "", projectID)
			a.bus.Publish(eventbus.CircularFlowDetected, map[string]any{
				"path": c.Path, "min_flow": c.MinFlow,
			}, "", projectID)
		}
	}

	return cycles, nil
}

func (a *Analytics) searchCycles(adj map[string][]edge, start string, path []string, onPath map[string]bool, flows []float64, out *[]Cycle, seen map[string]bool) {
	if len(path)-1 >= maxCycleDepth {
		return
	}
	current := path[len(path)-1]
	for _, e := range adj[current] {
		if e.to == start && len(path) >= 2 {
			minFlow := minOf(append(append([]float64{}, flows...), e.amount))
			// depth counts edges, closing edge included: A→B→C→A is 3.
			depth := len(path)
			risk := 0.75
			if depth > 2 {
				risk = math.Min(0.99, 0.8+0.05*float64(depth))
			}
			key := canonicalCycleKey(append(append([]string{}, path...), e.to))
			if !seen[key] {
				seen[key] = true
				*out = append(*out, Cycle{
					Path:      append(append([]string{}, path...), e.to),
					Depth:     depth,
					MinFlow:   minFlow,
					RiskScore: risk,
				})
			}
			continue
		}
		if onPath[e.to] {
			continue // pruning: never extend onto an already-visited node
		}
		onPath[e.to] = true
		a.searchCycles(adj, start, append(path, e.to), onPath, append(flows, e.amount), out, seen)
		delete(onPath, e.to)
	}
}

// canonicalCycleKey normalizes a cycle's node sequence (minus the
// repeated closing node) by rotation, so the same cycle found from a
// different starting point dedupes to one entry (§8 order-independence).
func canonicalCycleKey(path []string) string {
	ring := path[:len(path)-1]
	best := ring
	for i := 1; i < len(ring); i++ {
		rotated := append(append([]string{}, ring[i:]...), ring[:i]...)
		if lessStrings(rotated, best) {
			best = rotated
		}
	}
	key := ""
	for _, n := range best {
		key += n + ">"
	}
	return key
}

func lessStrings(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// UBOCandidate is a person found during upward ownership traversal.
type UBOCandidate struct {
	EntityID             string
	EffectiveStake        float64
	IsUBOCandidate        bool
	Depth                 int
	IntermediateCompany   bool
}

const maxUBODepth = 10

// ResolveUBO performs upward DFS over CorporateRelationship edges from
// targetEntityID, multiplying stakes through intermediate companies,
// with a visited-set cycle guard and max depth 10 (§4.6).
func (a *Analytics) ResolveUBO(ctx context.Context, targetEntityID string) ([]UBOCandidate, error) {
	visited := map[string]bool{targetEntityID: true}
	var out []UBOCandidate
	if err := a.resolveUBO(ctx, targetEntityID, 100.0, 1, false, visited, &out); err != nil {
		return nil, err
	}
	if a.bus != nil {
		for _, c := range out {
			if c.IsUBOCandidate {
				a.bus.Publish(eventbus.CorrelationFound, map[string]any{
					"kind": "ubo", "entity_id": c.EntityID, "effective_stake": c.EffectiveStake, "depth": c.Depth,
				}, "", "")
			}
		}
	}
	return out, nil
}

func (a *Analytics) resolveUBO(ctx context.Context, entityID string, stakeSoFar float64, depth int, intermediate bool, visited map[string]bool, out *[]UBOCandidate) error {
	if depth > maxUBODepth {
		return nil
	}
	parents, err := a.store.ListOwnershipParents(ctx, entityID)
	if err != nil {
		return err
	}
	for _, p := range parents {
		if visited[p.ParentEntityID] {
			continue
		}
		parentEntity, err := a.store.GetEntity(ctx, p.ParentEntityID)
		if err != nil {
			continue
		}
		effective := stakeSoFar * p.StakePercentage / 100
		if p.StakePercentage == 0 {
			effective = 0
		}

		if parentEntity.Type == models.EntityCompany {
			visited[p.ParentEntityID] = true
			if err := a.resolveUBO(ctx, p.ParentEntityID, effective, depth+1, true, visited, out); err != nil {
				return err
			}
			delete(visited, p.ParentEntityID)
			continue
		}

		isCandidate := p.StakePercentage >= 25 || p.RelationshipType != models.RelShareholder
		*out = append(*out, UBOCandidate{
			EntityID:            p.ParentEntityID,
			EffectiveStake:      effective,
			IsUBOCandidate:      isCandidate,
			Depth:               depth,
			IntermediateCompany: intermediate,
		})
	}
	return nil
}

// BenfordResult is the first-digit frequency analysis of §4.6.
type BenfordResult struct {
	Observed   map[int]float64
	Expected   map[int]float64
	Deviation  float64 // L1 distance
}

// RunBenford tabulates first-digit frequencies over |amount|>0 ledger
// amounts and compares them to the Benford distribution P(d)=log10(1+1/d).
// A deviation above 0.5 persists a CopilotInsight and emits
// ANOMALY_DETECTED.
func (a *Analytics) RunBenford(ctx context.Context, projectID string) (*BenfordResult, error) {
	txs, err := a.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	counts := make(map[int]int)
	total := 0
	for _, tx := range txs {
		amt := math.Abs(tx.ActualAmount)
		if amt <= 0 {
			continue
		}
		d := firstDigit(amt)
		counts[d]++
		total++
	}
	if total == 0 {
		return &BenfordResult{Observed: map[int]float64{}, Expected: benfordExpected()}, nil
	}

	observed := make(map[int]float64, 9)
	expected := benfordExpected()
	deviation := 0.0
	for d := 1; d <= 9; d++ {
		obs := float64(counts[d]) / float64(total)
		observed[d] = obs
		deviation += math.Abs(obs - expected[d])
	}

	result := &BenfordResult{Observed: observed, Expected: expected, Deviation: deviation}

	if deviation > 0.5 {
		insight := &models.CopilotInsight{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Kind:      models.InsightBenford,
			Severity:  deviation,
			Narrative: fmt.Sprintf("Benford first-digit deviation of %.3f across %d transactions", deviation, total),
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.CreateInsight(ctx, insight); err != nil {
			return result, err
		}
		if a.bus != nil {
			a.bus.Publish(eventbus.AnomalyDetected, map[string]any{
				"project_id": projectID, "deviation": deviation, "kind": "benford",
			}, "", projectID)
		}
	}

	return result, nil
}

func benfordExpected() map[int]float64 {
	out := make(map[int]float64, 9)
	for d := 1; d <= 9; d++ {
		out[d] = math.Log10(1 + 1/float64(d))
	}
	return out
}

func firstDigit(amount float64) int {
	for amount >= 10 {
		amount /= 10
	}
	for amount < 1 {
		amount *= 10
	}
	return int(amount)
}

const (
	structuringBurstWindow   = 24 * time.Hour
	structuringBurstMinSum   = 50_000_000.0
	structuringBurstMinCount = 3
)

// DetectStructuringBursts scans per-receiver sliding 24h windows for a
// cumulative sum ≥50,000,000 IDR across ≥3 transactions, persisting a
// SMURFING insight for the first burst found per receiver; later bursts
// of the same receiver are not reported.
func (a *Analytics) DetectStructuringBursts(ctx context.Context, projectID string) ([]*models.CopilotInsight, error) {
	txs, err := a.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	byReceiver := make(map[string][]*models.Transaction)
	for _, tx := range txs {
		if tx.Receiver == "" {
			continue
		}
		byReceiver[tx.Receiver] = append(byReceiver[tx.Receiver], tx)
	}

	var insights []*models.CopilotInsight
	for receiver, rows := range byReceiver {
		sort.Slice(rows, func(i, j int) bool { return rows[i].EffectiveDate().Before(rows[j].EffectiveDate()) })
		for i := range rows {
			windowEnd := rows[i].EffectiveDate().Add(structuringBurstWindow)
			sum := 0.0
			count := 0
			for j := i; j < len(rows) && !rows[j].EffectiveDate().After(windowEnd); j++ {
				sum += rows[j].ActualAmount
				count++
			}
			if sum >= structuringBurstMinSum && count >= structuringBurstMinCount {
				insight := &models.CopilotInsight{
					ID:        uuid.NewString(),
					ProjectID: projectID,
					Kind:      models.InsightSmurfing,
					Severity:  sum / structuringBurstMinSum,
					Narrative: fmt.Sprintf("%d transactions totalling %.2f to %s within 24h", count, sum, receiver),
					CreatedAt: time.Now().UTC(),
				}
				if err := a.store.CreateInsight(ctx, insight); err == nil {
					insights = append(insights, insight)
				}
				break // one burst per receiver is enough signal
			}
		}
	}
	return insights, nil
}

// AssetTemporalNexus compares every project transaction with
// risk_score ≥0.7 against each asset-purchase date in
// assetPurchaseDates (keyed by entity ID): proximity is 0.9 if ≤30 days,
// 0.5 if ≤90 days, else 0; only proximity>0.5 is published. Ownership
// is not expanded, and a transaction is compared with every supplied
// date whatever entity it involves.
func (a *Analytics) AssetTemporalNexus(ctx context.Context, projectID string, assetPurchaseDates map[string]time.Time) error {
	txs, err := a.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID, MinRisk: floatPtr(0.7)})
	if err != nil {
		return err
	}
	for entityID, purchaseDate := range assetPurchaseDates {
		for _, tx := range txs {
			delta := math.Abs(tx.EffectiveDate().Sub(purchaseDate).Hours() / 24)
			proximity := 0.0
			switch {
			case delta <= 30:
				proximity = 0.9
			case delta <= 90:
				proximity = 0.5
			}
			if proximity > 0.5 && a.bus != nil {
				a.bus.Publish(eventbus.CorrelationFound, map[string]any{
					"kind": "asset_temporal_nexus", "entity_id": entityID, "transaction_id": tx.ID, "proximity": proximity,
				}, "", projectID)
			}
		}
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }
