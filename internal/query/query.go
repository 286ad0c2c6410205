// Package query implements the query planner and executor: partition pruning over the
// latest published manifests of a dataset, an optional downsample rewrite, and execution against
// the object store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
)

// Op enumerates the comparison operators names for partition-key/column
// predicates.
type Op string

const (
	OpEq  Op = "eq"
	OpIn  Op = "in"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// Filter is one predicate over a partition-key field or a data column.
type Filter struct {
	Column string   `json:"column"`
	Op     Op       `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// AggFunc enumerates the downsample aggregation functions.
type AggFunc string

const (
	AggAvg           AggFunc = "avg"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggSum           AggFunc = "sum"
	AggMedian        AggFunc = "median"
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
	AggPercentile    AggFunc = "percentile"
)

// Aggregation is one SELECT-list entry of a downsample rewrite.
type Aggregation struct {
	Fn         AggFunc `json:"fn"`
	Column     string  `json:"column"`
	Percentile float64 `json:"percentile,omitempty"` // used only when Fn == AggPercentile, in [0,1]
	Alias      string  `json:"alias,omitempty"`
}

// Downsample requests a bucketed-aggregation rewrite of the query.
type Downsample struct {
	Bucket       time.Duration `json:"bucket"`
	Aggregations []Aggregation `json:"aggregations"`
}

// Request mirrors the query(datasetSlug, {...}) call shape.
type Request struct {
	DatasetSlug     string
	TimeRange       ingest.TimeRange
	TimestampColumn string
	Columns         []string
	Filters         []Filter
	Downsample      *Downsample
	Limit           int
}

// DefaultLimit is the upstream-enforced row cap applied when Request.Limit is unset.
const DefaultLimit = 10_000

// Mode distinguishes a raw row result from a downsampled aggregate result.
type Mode string

const (
	ModeRaw         Mode = "raw"
	ModeDownsampled Mode = "downsampled"
)

// Result carries the query response: rows, columns, mode, and any warnings.
type Result struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Mode     Mode     `json:"mode"`
	Warnings []string `json:"warnings,omitempty"`
}

// Engine resolves manifests, prunes partitions, and executes queries for one dataset store.
type Engine struct {
	Store   metadata.Store
	Dataset *dataset.Engine
	Objects objectstore.Store
}

// NewEngine wires a query.Engine.
func NewEngine(store metadata.Store, ds *dataset.Engine, objects objectstore.Store) *Engine {
	return &Engine{Store: store, Dataset: ds, Objects: objects}
}

// Query plans and executes one dataset query. Authorization happens at the HTTP layer,
// which holds the caller's IAM scopes.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	ds, err := e.Store.Datasets().GetBySlug(ctx, req.DatasetSlug)
	if err != nil {
		return Result{}, err
	}

	// Manifest rows are listed only to discover the dataset's shards; the published manifest
	// per shard is then resolved through the dataset engine so its remote cache serves repeat
	// queries.
	manifests, err := e.Store.Manifests().ListByDataset(ctx, ds.ID)
	if err != nil {
		return Result{}, err
	}
	shards := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		shards[m.ManifestShard] = true
	}

	var partitions []metadata.DatasetPartition
	for shard := range shards {
		m, ok, err := e.Dataset.GetLatestPublished(ctx, ds.ID, shard)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		ps, err := e.Store.Partitions().ListByManifest(ctx, m.ID)
		if err != nil {
			return Result{}, err
		}
		partitions = append(partitions, ps...)
	}

	plan := Prune(partitions, req)

	limit := req.Limit
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}

	rows, columns, warnings, err := e.readRows(ctx, plan, req, limit)
	if err != nil {
		return Result{}, err
	}

	if req.Downsample != nil {
		return downsample(rows, columns, req, *req.Downsample, warnings)
	}

	return Result{Columns: columns, Rows: rows, Mode: ModeRaw, Warnings: warnings}, nil
}

// readRows loads the surviving partitions' row files (written as JSON arrays by
// internal/ingest.Ingest) and flattens the requested columns, stopping once limit rows have been
// collected.
func (e *Engine) readRows(ctx context.Context, plan []metadata.DatasetPartition, req Request, limit int) ([][]any, []string, []string, error) {
	var warnings []string
	columnSet := map[string]bool{}
	for _, c := range req.Columns {
		columnSet[c] = true
	}

	var rawRows []map[string]any
	for _, p := range plan {
		if len(rawRows) >= limit {
			warnings = append(warnings, fmt.Sprintf("result truncated at %d rows", limit))
			break
		}
		r, err := e.Objects.Get(ctx, p.FilePath)
		if err != nil {
			return nil, nil, nil, apherr.Wrap(apherr.KindUnavailable, fmt.Errorf("read partition %s: %w", p.ID, err))
		}
		var batch []map[string]any
		decodeErr := json.NewDecoder(r).Decode(&batch)
		r.Close()
		if decodeErr != nil {
			return nil, nil, nil, apherr.Wrap(apherr.KindUnavailable, fmt.Errorf("decode partition %s: %w", p.ID, decodeErr))
		}
		for _, row := range batch {
			if !withinTimeRange(row, req.TimestampColumn, req.TimeRange) {
				continue
			}
			if !matchesFilters(row, req.Filters) {
				continue
			}
			rawRows = append(rawRows, row)
			if len(rawRows) >= limit {
				break
			}
		}
	}

	columns := req.Columns
	if len(columns) == 0 {
		columns = inferColumns(rawRows)
	}

	out := make([][]any, 0, len(rawRows))
	for _, row := range rawRows {
		vals := make([]any, len(columns))
		for i, c := range columns {
			vals[i] = row[c]
		}
		out = append(out, vals)
	}
	return out, columns, warnings, nil
}

func inferColumns(rows []map[string]any) []string {
	set := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !set[k] {
				set[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func withinTimeRange(row map[string]any, tsColumn string, tr ingest.TimeRange) bool {
	if tsColumn == "" || (tr.Start.IsZero() && tr.End.IsZero()) {
		return true
	}
	v, ok := row[tsColumn]
	if !ok {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return true
	}
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

func matchesFilters(row map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok {
			return false
		}
		if !matchesFilter(fmt.Sprintf("%v", v), f) {
			return false
		}
	}
	return true
}

func matchesFilter(value string, f Filter) bool {
	switch f.Op {
	case OpEq:
		return value == f.Value
	case OpIn:
		for _, v := range f.Values {
			if value == v {
				return true
			}
		}
		return false
	case OpLt:
		return value < f.Value
	case OpLte:
		return value <= f.Value
	case OpGt:
		return value > f.Value
	case OpGte:
		return value >= f.Value
	default:
		return true
	}
}
