// Package registry implements IntegrityRegistry (§4.10): content
// hashing of sealed artifacts into an append-only, previous-hash-linked
// chain, with an optional external anchor. The chain primitive is shared
// with the audit log (internal/audit); anchoring is best-effort — a
// failed or absent anchor leaves the entry registry-only.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/resilience"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

// Anchor is the optional external registry anchor of §6. Anchor must be
// idempotent; an empty anchor id means "registry-only".
type Anchor interface {
	Anchor(ctx context.Context, hash string) (string, error)
}

// SealRequest names the artifact being sealed.
type SealRequest struct {
	ProjectID  string
	EntityType models.RegistryEntityType
	EntityID   string
	SealedBy   string
}

// Registry seals artifacts into the integrity chain.
type Registry struct {
	store   store.Store
	anchor  Anchor
	breaker *resilience.CircuitBreaker
	log     *logging.Logger
}

// New creates a Registry. anchor may be nil for registry-only operation;
// when set, anchor calls run behind a circuit breaker so a dead anchor
// endpoint stops being dialed on every seal.
func New(s store.Store, anchor Anchor, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Registry{
		store:   s,
		anchor:  anchor,
		breaker: resilience.New(resilience.DefaultConfig()),
		log:     log,
	}
}

// Seal hashes artifact, appends a chained registry entry for the
// project, writes the matching audit-log chain entry, and (best-effort)
// anchors the hash externally.
func (r *Registry) Seal(ctx context.Context, artifact []byte, req SealRequest) (*models.RegistryEntry, error) {
	if len(artifact) == 0 {
		return nil, apperr.NewValidation("artifact", "empty artifact")
	}

	prevHash := ""
	if prev, err := r.store.LastRegistryEntry(ctx, req.ProjectID); err == nil && prev != nil {
		prevHash = prev.FileHash
	}

	entry := &models.RegistryEntry{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		FileHash:     audit.FileHash(artifact),
		PreviousHash: prevHash,
		SealedAt:     time.Now().UTC(),
		SealedBy:     req.SealedBy,
	}

	if r.anchor != nil {
		err := r.breaker.Execute(ctx, func() error {
			id, err := r.anchor.Anchor(ctx, entry.FileHash)
			if err != nil {
				return err
			}
			entry.AnchorID = id
			return nil
		})
		if err != nil {
			r.log.Warnf("registry: external anchor failed, keeping entry registry-only: %v", err)
		}
	}

	if err := r.store.AppendRegistryEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := r.appendAuditEntry(ctx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// Verify looks up a registry entry by artifact hash; a miss returns a
// NotFound error.
func (r *Registry) Verify(ctx context.Context, hash string) (*models.RegistryEntry, error) {
	return r.store.FindRegistryEntryByHash(ctx, hash)
}

// VerifyArtifact recomputes the hash of artifact and looks it up in the
// chain; an unknown hash surfaces as NotFound.
func (r *Registry) VerifyArtifact(ctx context.Context, artifact []byte) (*models.RegistryEntry, error) {
	return r.store.FindRegistryEntryByHash(ctx, audit.FileHash(artifact))
}

func (r *Registry) appendAuditEntry(ctx context.Context, entry *models.RegistryEntry) error {
	prevSig := ""
	if last, err := r.store.LastAuditLog(ctx, "registry", entry.ProjectID); err == nil && last != nil {
		prevSig = last.HashSignature
	}
	rec := &models.AuditLog{
		ID:           uuid.NewString(),
		EntityType:   "registry",
		EntityID:     entry.ProjectID,
		Action:       "SEAL_ARTIFACT",
		FieldName:    "file_hash",
		NewValue:     entry.FileHash,
		ActorID:      entry.SealedBy,
		Reason:       fmt.Sprintf("sealed %s %s", entry.EntityType, entry.EntityID),
		PreviousHash: prevSig,
		Timestamp:    time.Now().UTC(),
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		rec.EntityType, rec.EntityID, rec.Action, rec.FieldName, rec.NewValue, rec.ActorID)
	rec.HashSignature = audit.ChainHash(rec.PreviousHash, canonical)
	return r.store.AppendAuditLog(ctx, rec)
}
