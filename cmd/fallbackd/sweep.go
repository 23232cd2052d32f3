package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"model-fallback/internal/fallback"
	"model-fallback/internal/opencode"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one restore sweep against the OpenCode server and exit",
	Long: `Run one restore sweep against the OpenCode server and exit.

The state store has a single owner. Stop a running "fallbackd run" first:
the daemon keeps its own copy of the state and its next flush overwrites
whatever this command records.`,
	RunE: runSweep,
}

var sweepForce bool

func init() {
	sweepCmd.Flags().BoolVarP(&sweepForce, "force", "f", false, "Ignore the time since the last sweep")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	client := opencode.NewClient(cfg.OpenCode.URL, cfg.OpenCode.Timeout)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runtime, err := fallback.NewRuntime(cfg, client, store,
		fallback.WithLogger(logger),
		fallback.WithNotifier(client),
	)
	if err != nil {
		return err
	}

	report := runtime.Sweep(cmd.Context(), fallback.SweepOptions{Force: sweepForce})
	if err := runtime.Close(); err != nil {
		return err
	}

	fmt.Println(report)
	return nil
}
