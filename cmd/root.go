package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahales-hash/locations/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "locations",
	Short: "Batch geocoding for the locations workbook",
	Long:  "Submits workbook addresses to the Azure Maps async batch geocoding API, polls until results are ready, and writes coordinates back into the workbook.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
