package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/store"
)

func TestUpsert_IdempotentOnExactName(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	first, err := r.Upsert(ctx, "p1", "PT Semen Indonesia", "")
	require.NoError(t, err)
	second, err := r.Upsert(ctx, "p1", "PT Semen Indonesia", "")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Empty(t, second.Metadata.Aliases)
}

func TestUpsert_NearMissAccumulatesAlias(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s)

	canonical, err := r.Upsert(ctx, "p1", "PT Semen Indonesia", "")
	require.NoError(t, err)

	variant, err := r.Upsert(ctx, "p1", "PT Semen Indonesa", "")
	require.NoError(t, err)
	require.Equal(t, canonical.ID, variant.ID)

	stored, err := s.GetEntity(ctx, canonical.ID)
	require.NoError(t, err)
	require.Contains(t, stored.Metadata.Aliases, "PT Semen Indonesa")

	// Re-upserting the same variant does not duplicate the alias.
	_, err = r.Upsert(ctx, "p1", "PT Semen Indonesa", "")
	require.NoError(t, err)
	stored, _ = s.GetEntity(ctx, canonical.ID)
	require.Len(t, stored.Metadata.Aliases, 1)
}

func TestUpsert_CaseInsensitiveMatch(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	first, err := r.Upsert(ctx, "p1", "CV Maju Jaya", "")
	require.NoError(t, err)
	second, err := r.Upsert(ctx, "p1", "cv maju jaya", "")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestUpsert_DistinctNamesCreateDistinctEntities(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	a, err := r.Upsert(ctx, "p1", "PT Semen Indonesia", "")
	require.NoError(t, err)
	b, err := r.Upsert(ctx, "p1", "CV Berkah Abadi", "")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestUpsert_SeedsAccountNumber(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	e, err := r.Upsert(ctx, "p1", "Budi Santoso", "1234567890")
	require.NoError(t, err)
	require.Equal(t, "1234567890", e.Metadata.AccountNumber)
}

func TestResolve_ReturnsNilOnMiss(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	e, err := r.Resolve(ctx, "p1", "Nobody Known", 0)
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestResolve_ThresholdGatesFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	_, err := r.Upsert(ctx, "p1", "PT Semen Indonesia", "")
	require.NoError(t, err)

	loose, err := r.Resolve(ctx, "p1", "PT Semen Indonesya", 0.8)
	require.NoError(t, err)
	require.NotNil(t, loose)

	strict, err := r.Resolve(ctx, "p1", "PT Semen Indonesya", 0.999)
	require.NoError(t, err)
	require.Nil(t, strict)
}

func TestUpsert_ConcurrentSameNameNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := New(s)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Upsert(ctx, "p1", "PT Satu Nama", "")
			if err == nil {
				ids[i] = e.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}
