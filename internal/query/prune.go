package query

import (
	"strconv"

	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
)

// Prune implements drop partitions whose time range cannot overlap the
// request, whose partition key fails an equality/inclusion/comparison predicate, or whose
// recorded columnStatistics/columnBloomFilters prove a column predicate cannot match.
func Prune(partitions []metadata.DatasetPartition, req Request) []metadata.DatasetPartition {
	var out []metadata.DatasetPartition
	for _, p := range partitions {
		if !overlapsTimeRange(p, req.TimeRange) {
			continue
		}
		if !matchesPartitionKey(p.PartitionKey, req.Filters) {
			continue
		}
		if !mightMatchColumns(p, req.Filters) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func overlapsTimeRange(p metadata.DatasetPartition, tr ingest.TimeRange) bool {
	if tr.Start.IsZero() && tr.End.IsZero() {
		return true
	}
	if !tr.End.IsZero() && p.StartTime.After(tr.End) {
		return false
	}
	if !tr.Start.IsZero() && p.EndTime.Before(tr.Start) {
		return false
	}
	return true
}

// matchesPartitionKey evaluates filters whose column names a partition-key field; filters that
// name a data column instead are left to the column-statistics/bloom check and the row-level
// scan, since partition keys only carry a handful of well-known dimensions (the
// PartitionKey is an ordered (name, value) list, typically a date/tenant/shard dimension).
func matchesPartitionKey(key metadata.PartitionKey, filters []Filter) bool {
	for _, f := range filters {
		v, ok := key.Get(f.Column)
		if !ok {
			continue
		}
		if !matchesFilter(v, f) {
			return false
		}
	}
	return true
}

// mightMatchColumns applies predicate pushdown using the partition's recorded min/max/null-count
// and bloom filter: a partition is dropped only when the statistics or filter PROVE the predicate
// cannot match, never on an inconclusive result.
func mightMatchColumns(p metadata.DatasetPartition, filters []Filter) bool {
	for _, f := range filters {
		stats, hasStats := p.ColumnStatistics[f.Column]
		filter, hasFilter := p.ColumnBloomFilters[f.Column]

		switch f.Op {
		case OpEq:
			if hasFilter && !ingest.MightContain(filter, f.Value) {
				return false
			}
			if hasStats && !withinRange(stats, f.Value) {
				return false
			}
		case OpIn:
			if !hasFilter && !hasStats {
				continue
			}
			anyPossible := false
			for _, v := range f.Values {
				if hasFilter && !ingest.MightContain(filter, v) {
					continue
				}
				if hasStats && !withinRange(stats, v) {
					continue
				}
				anyPossible = true
				break
			}
			if !anyPossible {
				return false
			}
		case OpLt, OpLte, OpGt, OpGte:
			if hasStats && !rangeOverlapsComparison(stats, f) {
				return false
			}
		}
	}
	return true
}

func withinRange(stats metadata.ColumnStatistics, value string) bool {
	if stats.Min != nil && lessNumericOrString(value, *stats.Min) {
		return false
	}
	if stats.Max != nil && lessNumericOrString(*stats.Max, value) {
		return false
	}
	return true
}

func rangeOverlapsComparison(stats metadata.ColumnStatistics, f Filter) bool {
	switch f.Op {
	case OpLt:
		return stats.Min == nil || lessNumericOrString(*stats.Min, f.Value)
	case OpLte:
		return stats.Min == nil || !lessNumericOrString(f.Value, *stats.Min)
	case OpGt:
		return stats.Max == nil || lessNumericOrString(f.Value, *stats.Max)
	case OpGte:
		return stats.Max == nil || !lessNumericOrString(*stats.Max, f.Value)
	default:
		return true
	}
}

// lessNumericOrString compares a < b numerically when both parse as float64, falling back to a
// lexicographic comparison otherwise (column statistics store min/max as strings regardless of
// the underlying field type).
func lessNumericOrString(a, b string) bool {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		return af < bf
	}
	return a < b
}
