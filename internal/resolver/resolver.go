// Package resolver implements EntityResolver (§4.3): canonicalizing raw
// sender/receiver strings into Entity identities, accumulating aliases on
// near-miss spelling, and upserting new entities on outright miss.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/similarity"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

// DefaultThreshold is the similarity floor used by Resolve when the
// caller does not supply one.
const DefaultThreshold = 0.85

const (
	likeLimit         = 100
	likeFallbackLimit = 200
	minTokenLen       = 4
)

// Resolver canonicalizes names into Entity rows. Writes are serialized
// per canonical name via a striped lock set, so concurrent resolution
// of the same name never races to create duplicate entities (§5 shared
// resource policy).
type Resolver struct {
	store store.Store

	stripes [256]sync.Mutex
}

// New creates a Resolver backed by s.
func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

func (r *Resolver) stripeFor(name string) *sync.Mutex {
	h := 0
	for _, c := range name {
		h = (h*31 + int(c)) & 0xff
	}
	return &r.stripes[h]
}

// Resolve looks up name without creating anything. It returns nil, nil
// on a clean miss (no candidate reached threshold).
func (r *Resolver) Resolve(ctx context.Context, projectID, name string, threshold float64) (*models.Entity, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return r.bestMatch(ctx, projectID, name, threshold)
}

// Upsert resolves name to an existing Entity (recording name as an
// alias if the match was inexact) or creates a new Entity with empty
// aliases on a clean miss. accountNumber, if non-empty, seeds
// metadata.account_number on creation.
func (r *Resolver) Upsert(ctx context.Context, projectID, name, accountNumber string) (*models.Entity, error) {
	mu := r.stripeFor(strings.ToLower(strings.TrimSpace(name)))
	mu.Lock()
	defer mu.Unlock()

	match, err := r.bestMatch(ctx, projectID, name, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	if match != nil {
		if match.CanonicalName != name {
			match.Metadata.AddAlias(name)
			match.UpdatedAt = time.Now().UTC()
			if err := r.store.UpdateEntity(ctx, match); err != nil {
				return nil, err
			}
		}
		return match, nil
	}

	e := &models.Entity{
		ID:            uuid.NewString(),
		CanonicalName: name,
		Type:          models.EntityUnknown,
		Metadata:      models.EntityMetadata{AccountNumber: accountNumber},
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if projectID != "" {
		pid := projectID
		e.ProjectID = &pid
	}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// bestMatch runs the four-stage algorithm of §4.3: exact, case
// insensitive, LIKE-narrowed candidate scoring.
func (r *Resolver) bestMatch(ctx context.Context, projectID, name string, threshold float64) (*models.Entity, error) {
	if e, err := r.store.FindEntityExact(ctx, projectID, name); err == nil {
		return e, nil
	}

	candidates, err := r.store.FindEntitiesByNameLike(ctx, projectID, longestToken(name), likeLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.store.FindEntitiesByNameLike(ctx, projectID, "", likeFallbackLimit)
		if err != nil {
			return nil, err
		}
	}

	var best *models.Entity
	bestScore := 0.0
	lowerName := strings.ToLower(name)
	for _, c := range candidates {
		if strings.ToLower(c.CanonicalName) == lowerName {
			return c, nil
		}
		score := similarity.Ratio(name, c.CanonicalName)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best != nil && bestScore >= threshold {
		return best, nil
	}
	return nil, nil
}

// longestToken returns the longest whitespace-delimited token of name
// that is at least minTokenLen characters, used to narrow the LIKE
// candidate scan (§4.3).
func longestToken(name string) string {
	longest := ""
	for _, tok := range strings.Fields(name) {
		if len(tok) >= minTokenLen && len(tok) > len(longest) {
			longest = tok
		}
	}
	return longest
}
