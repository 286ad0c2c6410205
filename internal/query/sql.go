package query

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

// statementSeparator matches the semicolon statement separators the read endpoint
// forbids, ignoring a single trailing semicolon (a common client habit this endpoint tolerates).
var statementSeparator = regexp.MustCompile(`;\s*\S`)

// readStatementPrefix allows only SELECT/WITH for the read endpoint.
var readStatementPrefix = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)

// identifierPattern matches bare SQL identifiers (dataset slugs or column/table names) so
// RewriteReadStatement can selectively rewrite the ones that match a known slug.
var identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)

type SQLCatalog struct {
	Store metadata.Store

	mu     sync.RWMutex
	cache  map[string]string // slug -> qualified table identifier
	slugBy map[string]string // datasetID -> slug, for bus-keyed invalidation
}

// NewSQLCatalog wires a SQLCatalog. Subscribe it to a dataset.InvalidationBus via Invalidate to
// drop stale entries on manifest publish.
func NewSQLCatalog(store metadata.Store) *SQLCatalog {
	return &SQLCatalog{Store: store, cache: map[string]string{}, slugBy: map[string]string{}}
}

// Invalidate drops the cached identifier for datasetID, matching dataset.InvalidationBus's
// Subscribe callback signature (datasetID, shard string).
func (c *SQLCatalog) Invalidate(datasetID, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slug, ok := c.slugBy[datasetID]; ok {
		delete(c.cache, slug)
		delete(c.slugBy, datasetID)
	}
}

// Resolve returns the backend-qualified table identifier for slug, querying the metadata store
// on a cache miss.
func (c *SQLCatalog) Resolve(ctx context.Context, slug string) (string, error) {
	c.mu.RLock()
	if id, ok := c.cache[slug]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	ds, err := c.Store.Datasets().GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	qualified := "timeseries." + ds.ID

	c.mu.Lock()
	c.cache[slug] = qualified
	c.slugBy[ds.ID] = slug
	c.mu.Unlock()
	return qualified, nil
}

// RewriteReadStatement implements the read endpoint: reject multi-statement input,
// require a SELECT/WITH prefix, and rewrite bare dataset-slug identifiers into backend-qualified
// table identifiers via catalog.
func RewriteReadStatement(ctx context.Context, catalog *SQLCatalog, slugs []string, stmt string) (string, error) {
	trimmed := strings.TrimSpace(stmt)
	if statementSeparator.MatchString(trimmed) {
		return "", apherr.New(apherr.KindValidation, "read endpoint forbids multiple statements")
	}
	if !readStatementPrefix.MatchString(trimmed) {
		return "", apherr.New(apherr.KindValidation, "read endpoint accepts only a single SELECT/WITH statement")
	}

	slugSet := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		slugSet[s] = true
	}

	resolved := map[string]string{}
	var rewriteErr error
	out := identifierPattern.ReplaceAllStringFunc(trimmed, func(ident string) string {
		if rewriteErr != nil || !slugSet[ident] {
			return ident
		}
		if qualified, ok := resolved[ident]; ok {
			return qualified
		}
		qualified, err := catalog.Resolve(ctx, ident)
		if err != nil {
			rewriteErr = err
			return ident
		}
		resolved[ident] = qualified
		return qualified
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}
	return out, nil
}
