package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
)

func TestRewriteReadStatementQualifiesDatasetSlug(t *testing.T) {
	store := metadata.NewMemoryStore()
	ctx := context.Background()
	ds, err := dataset.GetOrCreate(ctx, store, "demo", "columnar", "")
	require.NoError(t, err)

	catalog := NewSQLCatalog(store)
	out, err := RewriteReadStatement(ctx, catalog, []string{"demo"}, "SELECT count(*) FROM demo")
	require.NoError(t, err)
	require.Equal(t, "SELECT count(*) FROM timeseries."+ds.ID, out)
}

func TestRewriteReadStatementRejectsMultipleStatements(t *testing.T) {
	catalog := NewSQLCatalog(metadata.NewMemoryStore())
	_, err := RewriteReadStatement(context.Background(), catalog, nil,
		"SELECT 1; DROP TABLE datasets")
	require.Equal(t, apherr.KindValidation, apherr.KindOf(err))
}

func TestRewriteReadStatementToleratesTrailingSemicolon(t *testing.T) {
	catalog := NewSQLCatalog(metadata.NewMemoryStore())
	out, err := RewriteReadStatement(context.Background(), catalog, nil, "SELECT 1;")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1;", out)
}

func TestRewriteReadStatementRequiresSelectOrWith(t *testing.T) {
	catalog := NewSQLCatalog(metadata.NewMemoryStore())
	for _, stmt := range []string{"DELETE FROM demo", "UPDATE demo SET v = 1", "INSERT INTO demo VALUES (1)"} {
		_, err := RewriteReadStatement(context.Background(), catalog, nil, stmt)
		require.Equal(t, apherr.KindValidation, apherr.KindOf(err), stmt)
	}

	_, err := RewriteReadStatement(context.Background(), catalog, nil,
		"WITH t AS (SELECT 1) SELECT * FROM t")
	require.NoError(t, err)
}

func TestSQLCatalogInvalidationDropsCachedEntry(t *testing.T) {
	store := metadata.NewMemoryStore()
	ctx := context.Background()
	ds, err := dataset.GetOrCreate(ctx, store, "demo", "columnar", "")
	require.NoError(t, err)

	catalog := NewSQLCatalog(store)
	first, err := catalog.Resolve(ctx, "demo")
	require.NoError(t, err)

	catalog.Invalidate(ds.ID, "default")

	// Cache repopulates from the store on the next resolve.
	second, err := catalog.Resolve(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRewriteLeavesUnrelatedIdentifiersAlone(t *testing.T) {
	store := metadata.NewMemoryStore()
	ctx := context.Background()
	_, err := dataset.GetOrCreate(ctx, store, "demo", "columnar", "")
	require.NoError(t, err)

	catalog := NewSQLCatalog(store)
	out, err := RewriteReadStatement(ctx, catalog, []string{"demo"},
		"SELECT demo.v, other.v FROM demo JOIN other ON demo.id = other.id")
	require.NoError(t, err)
	require.Contains(t, out, "other")
	require.NotContains(t, out, "timeseries.other")
}
