package dataset

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

// CompatibilityMode records whether a dataset accepts only additive schema changes or has been
// explicitly opted into a new incompatible SchemaVersion.
type CompatibilityMode string

const (
	CompatibilityAdditive     CompatibilityMode = "additive"
	CompatibilityExplicitOnly CompatibilityMode = "explicit-only"
)

// EvolutionResult reports how an incoming field list compares to the current schema.
type EvolutionResult struct {
	Compatible  bool
	Additive    bool
	NewFields   []metadata.Field
	WidenedType map[string]metadata.FieldType
}

// widensTo reports whether from may be widened to to (integer -> double only).
func widensTo(from, to metadata.FieldType) bool {
	return from == metadata.FieldInteger && to == metadata.FieldDouble
}

// Evolve compares an incoming field list against current, classifying the change:
// adding a nullable field or widening integer->double is additive and auto-upgrades; anything
// else requires an explicit new SchemaVersion and fails ingestion with schema-incompatible when
// the dataset's compatibility mode is additive-only.
func Evolve(current []metadata.Field, incoming []metadata.Field) EvolutionResult {
	byName := make(map[string]metadata.Field, len(current))
	for _, f := range current {
		byName[f.Name] = f
	}

	result := EvolutionResult{Compatible: true, Additive: true, WidenedType: map[string]metadata.FieldType{}}
	incomingNames := make(map[string]bool, len(incoming))
	for _, f := range incoming {
		incomingNames[f.Name] = true
		existing, ok := byName[f.Name]
		switch {
		case !ok:
			if !f.Nullable {
				result.Compatible = false
				result.Additive = false
				continue
			}
			result.NewFields = append(result.NewFields, f)
		case existing.Type != f.Type:
			if widensTo(existing.Type, f.Type) {
				result.WidenedType[f.Name] = f.Type
			} else {
				result.Compatible = false
				result.Additive = false
			}
		}
	}
	for _, f := range current {
		if !incomingNames[f.Name] {
			// Dropping a field outright is never additive.
			result.Compatible = false
			result.Additive = false
		}
	}
	return result
}

// EnsureSchema resolves datasetID's latest schema version, creating the first version on a
// dataset's first ingestion, and validates requested against it under the evolution rules,
// auto-upgrading on an additive difference and failing with schema-incompatible otherwise.
func EnsureSchema(ctx context.Context, store metadata.Store, datasetID string, requested []metadata.Field, mode CompatibilityMode) (metadata.SchemaVersion, error) {
	current, err := store.Schemas().Latest(ctx, datasetID)
	if err != nil {
		if apherr.KindOf(err) != apherr.KindNotFound {
			return metadata.SchemaVersion{}, err
		}
		return store.Schemas().Create(ctx, metadata.SchemaVersion{
			ID:        uuid.NewString(),
			DatasetID: datasetID,
			Version:   1,
			Fields:    requested,
			CreatedAt: time.Now().UTC(),
		})
	}

	evolution := Evolve(current.Fields, requested)
	if evolution.Compatible && len(evolution.NewFields) == 0 && len(evolution.WidenedType) == 0 {
		return current, nil
	}
	if !evolution.Additive && mode != CompatibilityExplicitOnly {
		return metadata.SchemaVersion{}, apherr.New(apherr.KindSchemaIncompat, "ingest schema differs from current version in a non-additive way")
	}
	if !evolution.Additive {
		return metadata.SchemaVersion{}, apherr.New(apherr.KindSchemaIncompat, "explicit SchemaVersion required for non-additive change")
	}

	merged := mergeFields(current.Fields, evolution)
	return store.Schemas().Create(ctx, metadata.SchemaVersion{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Version:   current.Version + 1,
		Fields:    merged,
		CreatedAt: time.Now().UTC(),
	})
}

func mergeFields(current []metadata.Field, evolution EvolutionResult) []metadata.Field {
	out := make([]metadata.Field, 0, len(current)+len(evolution.NewFields))
	for _, f := range current {
		if widened, ok := evolution.WidenedType[f.Name]; ok {
			f.Type = widened
		}
		out = append(out, f)
	}
	out = append(out, evolution.NewFields...)
	return out
}
