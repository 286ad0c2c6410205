// Command apphub-migrate applies the metadata store's pending schema migrations and exits:
// 0 on success (including "nothing to apply"), 1 on failure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/metadata/migrations"
	"github.com/apphub-core/platform/internal/platformlog"
)

var down bool

var rootCmd = &cobra.Command{
	Use:   "apphub-migrate",
	Short: "apply apphub-core metadata schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := platformlog.New(platformlog.Config{
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Service: "apphub-migrate",
			Version: cfg.ServiceVersion,
		})

		runner, err := migrations.NewRunner(cfg.Timestore.PostgresURL, "schema_migrations")
		if err != nil {
			return fmt.Errorf("open migration runner: %w", err)
		}
		defer runner.Close()

		if down {
			if err := runner.Down(); err != nil {
				return err
			}
			log.Info("rolled back one migration")
			return nil
		}
		if err := runner.Up(); err != nil {
			return err
		}
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		log.WithField("version", version).WithField("dirty", dirty).Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration instead of applying")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
