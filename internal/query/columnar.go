package query

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub-core/platform/internal/apherr"
)

// ColumnarClient is the narrow driver over the columnar SQL engine. The engine speaks the postgres wire protocol, so the client is a
// pgx pool pointed at APPHUB_COLUMNAR_DSN, kept as a shared singleton that is bounded and
// reused across requests.
type ColumnarClient struct {
	pool *pgxpool.Pool
}

// NewColumnarClient dials dsn and verifies connectivity.
func NewColumnarClient(ctx context.Context, dsn string) (*ColumnarClient, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apherr.Wrap(apherr.KindUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apherr.Wrap(apherr.KindUnavailable, err)
	}
	return &ColumnarClient{pool: pool}, nil
}

// Read executes one read statement, bounding rows at limit and wall time at timeout (zero means
// no statement timeout). Returns the rows, the column names from the result's field
// descriptions (present even when no row is returned), and whether the result was truncated
// at limit.
func (c *ColumnarClient) Read(ctx context.Context, stmt string, limit int, timeout time.Duration) ([]map[string]any, []string, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, err := c.pool.Query(ctx, stmt)
	if err != nil {
		return nil, nil, false, apherr.Wrap(apherr.KindExecution, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []map[string]any
	truncated := false
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, nil, false, apherr.Wrap(apherr.KindExecution, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, cols, truncated, nil
}

// Close releases the pool.
func (c *ColumnarClient) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}
