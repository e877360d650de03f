package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/audit"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

type stubAnchor struct {
	id  string
	err error
}

func (a stubAnchor) Anchor(context.Context, string) (string, error) { return a.id, a.err }

func TestSeal_ChainsEntriesPerProject(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s, nil, nil)

	first, err := r.Seal(ctx, []byte("dossier one"), SealRequest{
		ProjectID: "p1", EntityType: models.RegistryDossier, EntityID: "case-1", SealedBy: "auditor",
	})
	require.NoError(t, err)
	require.Equal(t, audit.FileHash([]byte("dossier one")), first.FileHash)
	require.Empty(t, first.PreviousHash)

	second, err := r.Seal(ctx, []byte("dossier two"), SealRequest{
		ProjectID: "p1", EntityType: models.RegistryExhibit, EntityID: "ex-1", SealedBy: "auditor",
	})
	require.NoError(t, err)
	require.Equal(t, first.FileHash, second.PreviousHash)

	// A different project starts its own chain.
	other, err := r.Seal(ctx, []byte("dossier three"), SealRequest{
		ProjectID: "p2", EntityType: models.RegistryDossier, EntityID: "case-9", SealedBy: "auditor",
	})
	require.NoError(t, err)
	require.Empty(t, other.PreviousHash)
}

func TestSeal_WritesAuditChainEntry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s, nil, nil)

	_, err := r.Seal(ctx, []byte("artifact"), SealRequest{
		ProjectID: "p1", EntityType: models.RegistryDossier, EntityID: "c1", SealedBy: "auditor",
	})
	require.NoError(t, err)
	_, err = r.Seal(ctx, []byte("artifact two"), SealRequest{
		ProjectID: "p1", EntityType: models.RegistryDossier, EntityID: "c2", SealedBy: "auditor",
	})
	require.NoError(t, err)

	entries, err := s.ListAuditLog(ctx, "registry", "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "SEAL_ARTIFACT", entries[0].Action)
	require.Empty(t, entries[0].PreviousHash)
	require.Equal(t, entries[0].HashSignature, entries[1].PreviousHash)

	// Recomputing the chain reproduces every signature.
	for _, e := range entries {
		canonical := e.EntityType + "|" + e.EntityID + "|" + e.Action + "|" + e.FieldName + "|" + e.NewValue + "|" + e.ActorID
		require.Equal(t, audit.ChainHash(e.PreviousHash, canonical), e.HashSignature)
	}
}

func TestVerify_FindsSealedArtifact(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s, nil, nil)

	artifact := []byte("exhibit photo bytes")
	entry, err := r.Seal(ctx, artifact, SealRequest{
		ProjectID: "p1", EntityType: models.RegistryExhibit, EntityID: "ex-1", SealedBy: "auditor",
	})
	require.NoError(t, err)

	found, err := r.Verify(ctx, entry.FileHash)
	require.NoError(t, err)
	require.Equal(t, entry.ID, found.ID)

	byBytes, err := r.VerifyArtifact(ctx, artifact)
	require.NoError(t, err)
	require.Equal(t, entry.ID, byBytes.ID)

	_, err = r.Verify(ctx, "deadbeef")
	require.True(t, apperr.IsNotFound(err))
}

func TestSeal_AnchorRecorded(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory(), stubAnchor{id: "anchor-42"}, nil)
	entry, err := r.Seal(ctx, []byte("x"), SealRequest{ProjectID: "p1", EntityType: models.RegistryDossier, EntityID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "anchor-42", entry.AnchorID)
}

func TestSeal_AnchorFailureDegradesToRegistryOnly(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory(), stubAnchor{err: errors.New("chain unreachable")}, nil)
	entry, err := r.Seal(ctx, []byte("x"), SealRequest{ProjectID: "p1", EntityType: models.RegistryDossier, EntityID: "c1"})
	require.NoError(t, err)
	require.Empty(t, entry.AnchorID)
}

func TestSeal_RejectsEmptyArtifact(t *testing.T) {
	r := New(store.NewMemory(), nil, nil)
	_, err := r.Seal(context.Background(), nil, SealRequest{ProjectID: "p1"})
	require.True(t, apperr.IsValidation(err))
}
