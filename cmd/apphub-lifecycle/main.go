// Command apphub-lifecycle triggers one lifecycle job for a single dataset and exits: 0 when the
// job succeeded, 1 otherwise. It is the operational escape hatch for running compaction,
// retention, or migration outside the in-process scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/lifecycle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformlog"
	"github.com/apphub-core/platform/internal/platformmetrics"
)

var (
	datasetSlug string
	operations  []string
)

var rootCmd = &cobra.Command{
	Use:   "apphub-lifecycle",
	Short: "run one lifecycle job for a dataset",
	RunE:  runOnce,
}

func init() {
	rootCmd.Flags().StringVar(&datasetSlug, "dataset", "", "dataset slug to process (required)")
	rootCmd.Flags().StringSliceVar(&operations, "operations", []string{"compaction", "retention"},
		"operations to run, in order (compaction, retention, postgres_migration, parquet_export)")
	_ = rootCmd.MarkFlagRequired("dataset")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := platformlog.New(platformlog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "apphub-lifecycle",
		Version: cfg.ServiceVersion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store metadata.Store
	var db *gorm.DB
	if cfg.Timestore.PostgresURL == "memory" {
		store = metadata.NewMemoryStore()
	} else {
		var err error
		db, err = gorm.Open(gormpostgres.Open(cfg.Timestore.PostgresURL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		store = metadata.NewPostgresStore(db)
	}

	objects, err := objectstore.New(ctx, cfg.Timestore.DefaultStorageTarget, cfg)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	ds, err := store.Datasets().GetBySlug(ctx, datasetSlug)
	if err != nil {
		return fmt.Errorf("resolve dataset %q: %w", datasetSlug, err)
	}

	metrics := platformmetrics.New("apphub")
	dsEngine := dataset.NewEngine(store, nil, nil)
	pipeline := ingest.NewPipeline(store, objects, dsEngine, metrics)

	var relational lifecycle.RelationalSource
	if db != nil {
		relational = &lifecycle.PostgresRelationalSource{DB: db}
	}
	engine := lifecycle.NewEngine(store, dsEngine, objects, log, metrics, relational, pipeline,
		&lifecycle.ObjectstoreParquetExporter{Objects: objects, Prefix: "exports"})

	ops := make([]metadata.LifecycleOperation, 0, len(operations))
	for _, name := range operations {
		ops = append(ops, metadata.LifecycleOperation{Kind: metadata.LifecycleOperationKind(name), Status: metadata.RunPending})
	}

	run, err := store.Lifecycle().Create(ctx, metadata.LifecycleJobRun{
		ID:            uuid.NewString(),
		JobKind:       "manual",
		DatasetID:     &ds.ID,
		Operations:    ops,
		TriggerSource: metadata.TriggerManual,
		Status:        metadata.RunPending,
	})
	if err != nil {
		return fmt.Errorf("create lifecycle run: %w", err)
	}

	start := time.Now()
	result, err := engine.Run(ctx, run)
	if err != nil {
		if e, ok := apherr.As(err); ok {
			log.WithField("kind", e.Kind).WithError(err).Error("lifecycle job failed")
		} else {
			log.WithError(err).Error("lifecycle job failed")
		}
		return err
	}
	log.WithField("status", result.Status).
		WithField("durationMs", time.Since(start).Milliseconds()).
		Info("lifecycle job finished")
	return nil
}
