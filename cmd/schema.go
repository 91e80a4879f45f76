package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"procodus.dev/chipline-gateway/internal/store"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the station tables",
	Long: `Create the wide telemetry table, its key index and (on PostgreSQL) the
current and next monthly partitions for every configured device, then exit.
Uses the same db.* settings as serve.`,
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	devices, err := GetDevices()
	if err != nil {
		logger.Error("invalid device configuration", "error", err)
		return err
	}
	if len(devices) == 0 {
		return errors.New("no devices configured")
	}

	db, err := store.NewDB(GetDBConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	engine, err := store.NewEngine(&store.EngineConfig{DB: db, Logger: logger})
	if err != nil {
		_ = store.CloseDB(db, logger)
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for _, d := range devices {
		if err := engine.EnsureSchema(ctx, d.TableIdentity); err != nil {
			logger.Error("failed to create table", "device_id", d.ID, "table", d.TableIdentity, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("table ready", "device_id", d.ID, "table", d.TableIdentity)
	}

	if err := engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
