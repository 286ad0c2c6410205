package query

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
)

// downsample rewrites a raw query into `SELECT bucket, aggregations... WHERE time in
// range GROUP BY bucket`. rows/columns are the already-pruned, already-filtered raw rows; bucket
// assignment reads req.TimestampColumn from each row.
func downsample(rows [][]any, columns []string, req Request, ds Downsample, warnings []string) (Result, error) {
	if req.TimestampColumn == "" {
		return Result{}, apherr.New(apherr.KindValidation, "downsample requires timestampColumn")
	}
	tsIdx := indexOf(columns, req.TimestampColumn)
	if tsIdx < 0 {
		return Result{}, apherr.Newf(apherr.KindValidation, "timestampColumn %q not in result columns", req.TimestampColumn)
	}
	if ds.Bucket <= 0 {
		return Result{}, apherr.New(apherr.KindValidation, "downsample requires a positive bucket interval")
	}

	type bucketKey = int64
	buckets := map[bucketKey][][]any{}
	for _, row := range rows {
		ts, ok := parseRowTime(row[tsIdx])
		if !ok {
			continue
		}
		key := ts.Truncate(ds.Bucket).Unix()
		buckets[key] = append(buckets[key], row)
	}

	var keys []bucketKey
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	outColumns := []string{"bucket"}
	for _, agg := range ds.Aggregations {
		outColumns = append(outColumns, aggAlias(agg))
	}

	outRows := make([][]any, 0, len(keys))
	for _, k := range keys {
		bucketRows := buckets[k]
		row := make([]any, 0, len(outColumns))
		row = append(row, time.Unix(k, 0).UTC().Format(time.RFC3339))
		for _, agg := range ds.Aggregations {
			colIdx := indexOf(columns, agg.Column)
			values := numericColumn(bucketRows, colIdx)
			v, err := applyAggregation(agg, bucketRows, colIdx, values)
			if err != nil {
				return Result{}, err
			}
			row = append(row, v)
		}
		outRows = append(outRows, row)
	}

	return Result{Columns: outColumns, Rows: outRows, Mode: ModeDownsampled, Warnings: warnings}, nil
}

func aggAlias(a Aggregation) string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Fn == AggPercentile {
		return fmt.Sprintf("percentile_%g_%s", a.Percentile, a.Column)
	}
	return fmt.Sprintf("%s_%s", a.Fn, a.Column)
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func parseRowTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func numericColumn(rows [][]any, colIdx int) []float64 {
	if colIdx < 0 {
		return nil
	}
	out := make([]float64, 0, len(rows))
	for _, row := range rows {
		if f, ok := toFloat(row[colIdx]); ok {
			out = append(out, f)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func applyAggregation(agg Aggregation, rows [][]any, colIdx int, values []float64) (any, error) {
	switch agg.Fn {
	case AggCount:
		return int64(len(rows)), nil
	case AggCountDistinct:
		if colIdx < 0 {
			return int64(0), nil
		}
		seen := map[string]bool{}
		for _, row := range rows {
			seen[fmt.Sprintf("%v", row[colIdx])] = true
		}
		return int64(len(seen)), nil
	case AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case AggAvg:
		if len(values) == 0 {
			return nil, nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case AggMin:
		return minMax(values, true), nil
	case AggMax:
		return minMax(values, false), nil
	case AggMedian:
		return percentile(values, 0.5), nil
	case AggPercentile:
		if agg.Percentile < 0 || agg.Percentile > 1 {
			return nil, apherr.Newf(apherr.KindValidation, "percentile must be in [0,1], got %g", agg.Percentile)
		}
		return percentile(values, agg.Percentile), nil
	default:
		return nil, apherr.Newf(apherr.KindValidation, "unknown aggregation function %q", agg.Fn)
	}
}

func minMax(values []float64, wantMin bool) any {
	if len(values) == 0 {
		return nil
	}
	best := values[0]
	for _, v := range values[1:] {
		if (wantMin && v < best) || (!wantMin && v > best) {
			best = v
		}
	}
	return best
}

func percentile(values []float64, p float64) any {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
