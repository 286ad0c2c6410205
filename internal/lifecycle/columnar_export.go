package lifecycle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/apphub-core/platform/internal/objectstore"
)

// ObjectstoreParquetExporter implements ParquetExporter by gzip-compressing each batch as a
// row-oriented JSON document under a content-addressed key.
type ObjectstoreParquetExporter struct {
	Objects objectstore.Store
	Prefix  string // key prefix, e.g. "exports"
}

func (x *ObjectstoreParquetExporter) Export(ctx context.Context, datasetID string, table TableDescriptor, rows []map[string]any) (string, int64, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", 0, fmt.Errorf("encode export batch: %w", err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return "", 0, fmt.Errorf("compress export batch: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize export batch: %w", err)
	}

	prefix := x.Prefix
	if prefix == "" {
		prefix = "exports"
	}
	key := fmt.Sprintf("%s/%s/%s/%s-%s.json.gz", prefix, datasetID, table.Name, time.Now().UTC().Format("20060102T150405"), digest[:12])

	if err := x.Objects.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return "", 0, fmt.Errorf("write export batch: %w", err)
	}
	return key, int64(buf.Len()), nil
}
