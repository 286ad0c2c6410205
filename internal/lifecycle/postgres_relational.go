package lifecycle

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// timeColumnCandidates lists the columns postgres_migration recognizes as a table's aging
// column, in preference order.
var timeColumnCandidates = []string{"created_at", "updated_at", "started_at"}

type PostgresRelationalSource struct {
	DB *gorm.DB
}

func (s *PostgresRelationalSource) DiscoverTables(ctx context.Context) ([]TableDescriptor, error) {
	var columns []struct {
		TableName  string `gorm:"column:table_name"`
		ColumnName string `gorm:"column:column_name"`
	}
	if err := s.DB.WithContext(ctx).Raw(`
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND column_name = 'dataset_id'
	`).Scan(&columns).Error; err != nil {
		return nil, fmt.Errorf("discover dataset_id tables: %w", err)
	}

	var out []TableDescriptor
	for _, c := range columns {
		timeCol, err := s.preferredTimeColumn(ctx, c.TableName)
		if err != nil {
			return nil, err
		}
		if timeCol == "" {
			continue
		}
		out = append(out, TableDescriptor{Name: c.TableName, TimeColumn: timeCol})
	}
	return out, nil
}

func (s *PostgresRelationalSource) preferredTimeColumn(ctx context.Context, table string) (string, error) {
	var present []string
	if err := s.DB.WithContext(ctx).Raw(`
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ? AND column_name = ANY(?)
	`, table, timeColumnCandidates).Scan(&present).Error; err != nil {
		return "", fmt.Errorf("inspect time columns for %s: %w", table, err)
	}
	set := make(map[string]bool, len(present))
	for _, c := range present {
		set[c] = true
	}
	for _, candidate := range timeColumnCandidates {
		if set[candidate] {
			return candidate, nil
		}
	}
	return "", nil
}

func (s *PostgresRelationalSource) ReadAged(ctx context.Context, table TableDescriptor, datasetID string, since, cutoff time.Time, limit int) ([]map[string]any, time.Time, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE dataset_id = ? AND %s >= ? AND %s < ? ORDER BY %s ASC LIMIT ?",
		table.Name, table.TimeColumn, table.TimeColumn, table.TimeColumn,
	)
	rows, err := s.DB.WithContext(ctx).Raw(query, datasetID, since, cutoff, limit).Rows()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read aged rows from %s: %w", table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, time.Time{}, err
	}

	var out []map[string]any
	var watermark time.Time
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, time.Time{}, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
			if col == table.TimeColumn {
				if ts, ok := values[i].(time.Time); ok {
					watermark = ts
				}
			}
		}
		out = append(out, row)
	}
	return out, watermark, rows.Err()
}
