package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/sweeper"
)

var cleanupLoop bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired pipeline checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		s := sweeper.New(st, cfg.Cleanup)

		result, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}

		if cleanupLoop {
			zap.L().Info("cleanup loop started", zap.Duration("interval", cfg.Cleanup.Interval))
			s.Run(ctx)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupLoop, "loop", false, "keep sweeping on the configured interval")
	rootCmd.AddCommand(cleanupCmd)
}
