package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "expense-extractor",
	Short: "Expense document extraction and reconciliation pipeline",
	Long:  "Decomposes expense documents into units, extracts fields through LLM and document-AI backends, reconciles the candidates and tracks run state.",
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
