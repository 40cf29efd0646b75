package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/config"
	"github.com/tuannm99/blinkdb/internal/engine"
	"github.com/tuannm99/blinkdb/pkg/logger"
)

type rootFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "blinkdb",
		Short:        "Inspect and modify blinkdb indexes",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVarP(&f.dataDir, "data-dir", "d", "", "data directory (overrides storage.data_dir)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (overrides log.level)")

	cmd.AddCommand(
		newPutCmd(f),
		newGetCmd(f),
		newDelCmd(f),
		newScanCmd(f),
		newCheckCmd(f),
		newListCmd(f),
		newDropCmd(f),
		newDestroyCmd(f),
		newStatsCmd(f),
		newBenchCmd(f),
	)
	return cmd
}

func (f *rootFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.dataDir != "" {
		cfg.Storage.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withDB opens the database for the duration of fn and closes it after,
// also on SIGINT / SIGTERM.
func (f *rootFlags) withDB(cmd *cobra.Command, fn func(ctx context.Context, db *engine.DB) error) (err error) {
	cfg, log, err := f.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := engine.Open(engine.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		// close with a fresh context so an interrupt still flushes
		if cerr := db.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(ctx, db)
}
