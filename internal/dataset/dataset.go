package dataset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

// GetOrCreate resolves a dataset by slug, creating it transactionally on first ingestion.
// defaultWriteFormat and defaultStorageTarget seed new rows only.
func GetOrCreate(ctx context.Context, store metadata.Store, slug, defaultWriteFormat, defaultStorageTarget string) (metadata.Dataset, error) {
	ds, err := store.Datasets().GetBySlug(ctx, slug)
	if err == nil {
		return ds, nil
	}
	if apherr.KindOf(err) != apherr.KindNotFound {
		return metadata.Dataset{}, err
	}

	now := time.Now().UTC()
	var target *string
	if defaultStorageTarget != "" {
		target = &defaultStorageTarget
	}
	return store.Datasets().Create(ctx, metadata.Dataset{
		ID:                     uuid.NewString(),
		Slug:                   slug,
		Name:                   slug,
		Status:                 metadata.DatasetActive,
		WriteFormat:            defaultWriteFormat,
		DefaultStorageTargetID: target,
		Metadata:               json.RawMessage(`{}`),
		CreatedAt:              now,
		UpdatedAt:              now,
	})
}

// IAMScopesOf parses ds.Metadata["iam"], returning the zero value when absent.
func IAMScopesOf(ds metadata.Dataset) metadata.IAMScopes {
	var wrapper struct {
		IAM metadata.IAMScopes `json:"iam"`
	}
	if len(ds.Metadata) > 0 {
		_ = json.Unmarshal(ds.Metadata, &wrapper)
	}
	return wrapper.IAM
}

// AuthorizeScope reports whether any of callerScopes satisfies required, falling back to
// defaultScope when required is empty.
func AuthorizeScope(callerScopes, required []string, defaultScope string) bool {
	effective := required
	if len(effective) == 0 {
		effective = []string{defaultScope}
	}
	have := make(map[string]bool, len(callerScopes))
	for _, s := range callerScopes {
		have[s] = true
	}
	for _, need := range effective {
		if have[need] {
			return true
		}
	}
	return false
}

// Archive transitions the dataset to inactive while preserving its manifests and partitions.
func Archive(ctx context.Context, store metadata.Store, id string, ifMatch time.Time) (metadata.Dataset, error) {
	return store.Datasets().Update(ctx, id, ifMatch, func(d *metadata.Dataset) {
		d.Status = metadata.DatasetInactive
	})
}
