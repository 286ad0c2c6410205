// Command apphubd is the apphub-core service process: it hosts the HTTP surface, the queue
// worker pools, the lifecycle scheduler, and the filestore activity consumer in a single
// process with cooperative shutdown.
//
// Configuration comes from environment variables (see internal/config); a YAML config file may
// additionally be supplied with --config, whose keys are exported into the environment before
// loading. A variable already set in the process environment wins over the same key in the
// config file, and the config file wins over the built-in defaults.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/apphub-core/platform/internal/api"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/filestore"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/jobruntime"
	"github.com/apphub-core/platform/internal/lifecycle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformlog"
	"github.com/apphub-core/platform/internal/platformmetrics"
	"github.com/apphub-core/platform/internal/query"
	"github.com/apphub-core/platform/internal/queue"
	"github.com/apphub-core/platform/internal/sandbox"
	containersandbox "github.com/apphub-core/platform/internal/sandbox/container"
	"github.com/apphub-core/platform/internal/sandbox/interpreter"
	"github.com/apphub-core/platform/internal/sandbox/subprocess"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "apphubd",
	Short: "apphub-core platform service",
	Long: `apphubd runs the time-partitioned dataset platform: the HTTP API, the durable
queue worker pools, the job runtime with its sandbox executors, the dataset
manifest engine, and the background lifecycle scheduler.`,
	RunE: runService,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.apphub.yaml)")
}

// initConfig reads an optional YAML config file and exports its flat keys into the process
// environment so config.Load sees one consistent source. Keys map by uppercasing and replacing
// dots with underscores ("timestore.postgres_url" -> "TIMESTORE_POSTGRES_URL" style keys are not
// used; config files carry the environment variable names directly).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".apphub")
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		for _, key := range viper.AllKeys() {
			envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if os.Getenv(envKey) == "" {
				_ = os.Setenv(envKey, viper.GetString(key))
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := platformlog.New(platformlog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
		Version: cfg.ServiceVersion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := platformmetrics.New("apphub")

	store, rawDB, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	objects, err := objectstore.New(ctx, cfg.Timestore.DefaultStorageTarget, cfg)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	q, err := queue.New(ctx, cfg.Queue, log)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	bundles := bundle.NewRegistry(store.Bundles(), objects)
	cache, err := bundle.NewCache(objects,
		cfg.Bundles.StorageDir+"/cache-ledger.db",
		cfg.Bundles.StorageDir+"/cache",
		time.Hour)
	if err != nil {
		return fmt.Errorf("open bundle cache: %w", err)
	}
	defer cache.Close()

	bus := dataset.NewInvalidationBus()
	var manifestCache dataset.ManifestCache
	if cfg.Timestore.ManifestCacheURL != "" {
		opts, err := redis.ParseURL(cfg.Timestore.ManifestCacheURL)
		if err != nil {
			return fmt.Errorf("parse manifest cache url: %w", err)
		}
		manifestCache = dataset.NewRedisManifestCache(redis.NewClient(opts), 10*time.Minute)
	}
	dsEngine := dataset.NewEngine(store, manifestCache, bus)

	pipeline := ingest.NewPipeline(store, objects, dsEngine, metrics)
	queryEngine := query.NewEngine(store, dsEngine, objects)
	sqlCatalog := query.NewSQLCatalog(store)
	bus.Subscribe(sqlCatalog.Invalidate)

	var columnar *query.ColumnarClient
	if cfg.Timestore.ColumnarDSN != "" {
		columnar, err = query.NewColumnarClient(ctx, cfg.Timestore.ColumnarDSN)
		if err != nil {
			return fmt.Errorf("connect columnar backend: %w", err)
		}
		defer columnar.Close()
	}

	sandboxes := sandbox.NewRegistry()
	sandboxes.Register(interpreter.New())
	sandboxes.Register(subprocess.New())
	if cfg.Docker.Enabled {
		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("connect docker daemon: %w", err)
		}
		sandboxes.Register(containersandbox.New(docker, cfg.Docker))
	}

	runtime := &jobruntime.Runtime{
		Store:           store,
		Queue:           q,
		Bundles:         bundles,
		BundleCache:     cache,
		Sandboxes:       sandboxes,
		Logger:          log,
		Metrics:         metrics,
		FallbackAllowed: cfg.Bundles.FallbackAllowed,
	}

	lcEngine := lifecycle.NewEngine(store, dsEngine, objects, log, metrics,
		relationalSource(rawDB), pipeline,
		&lifecycle.ObjectstoreParquetExporter{Objects: objects, Prefix: "exports"})

	schedCfg := &lifecycle.SchedulerConfig{
		Interval:    cfg.Timestore.LifecycleInterval,
		Jitter:      cfg.Timestore.LifecycleJitter,
		Concurrency: cfg.Timestore.LifecycleConcurrency,
	}
	scheduler := lifecycle.NewScheduler(lcEngine, store, log, schedCfg)
	go scheduler.Run(ctx)

	if err := q.RegisterWorker(api.JobRunQueueName, 4, runtimeWorker(runtime)); err != nil {
		return fmt.Errorf("register job-run worker: %w", err)
	}
	if err := q.RegisterWorker(ingest.IngestQueueName, 2, pipeline.Worker()); err != nil {
		return fmt.Errorf("register ingest worker: %w", err)
	}

	events := make(filestore.ChanSource, 256)
	consumer := filestore.NewConsumer(pipeline, log)
	go func() {
		if err := consumer.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("filestore consumer stopped")
		}
	}()

	server := &api.Server{
		Config:    cfg,
		Logger:    log,
		Store:     store,
		Queue:     q,
		Bundles:   bundles,
		Cache:     cache,
		Runtime:   runtime,
		Dataset:   dsEngine,
		Ingest:    pipeline,
		Lifecycle: lcEngine,
		Query:     queryEngine,
		SQL:       sqlCatalog,
		Metrics:   metrics,
		RawDB:     rawDBSQL(rawDB),
		Columnar:  columnar,
		Scheduler: schedCfg,
	}
	e := api.NewServer(server)

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}

// openStore selects the metadata store backend: "memory" runs the in-process store (inline/dev
// deployments), anything else is a Postgres DSN opened through gorm over tables the migration
// runner owns.
func openStore(cfg config.Config) (metadata.Store, *gorm.DB, error) {
	if cfg.Timestore.PostgresURL == "memory" {
		return metadata.NewMemoryStore(), nil, nil
	}
	db, err := gorm.Open(gormpostgres.Open(cfg.Timestore.PostgresURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, err
	}
	return metadata.NewPostgresStore(db), db, nil
}

func relationalSource(db *gorm.DB) lifecycle.RelationalSource {
	if db == nil {
		return nil
	}
	return &lifecycle.PostgresRelationalSource{DB: db}
}

func rawDBSQL(db *gorm.DB) *sql.DB {
	if db == nil {
		return nil
	}
	raw, err := db.DB()
	if err != nil {
		return nil
	}
	return raw
}

// runtimeWorker adapts Runtime.Dispatch to the queue.Handler contract: the payload carries the
// run id the HTTP layer enqueued.
func runtimeWorker(rt *jobruntime.Runtime) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var body struct {
			RunID string `json:"runId"`
		}
		if err := json.Unmarshal(job.Payload, &body); err != nil {
			return err
		}
		return rt.Dispatch(ctx, body.RunID)
	}
}
