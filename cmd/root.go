package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "webcheck",
	Short: "Validate spreadsheet rows against live web pages",
	Long:  "Visits the target page of every input row, extracts the mapped fields with DOM, OCR and semantic agents, and reports fused match confidence per field and row.",
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
