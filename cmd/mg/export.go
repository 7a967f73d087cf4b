package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/maintgate/internal/config"
	"github.com/alfredjeanlab/maintgate/internal/store/postgres"
	mgsync "github.com/alfredjeanlab/maintgate/internal/sync"
)

var exportCmd = &cobra.Command{
	Use:               "export",
	Short:             "Write the state and its history as JSONL from the database",
	GroupID:           "system",
	Args:              cobra.NoArgs,
	PersistentPreRunE: skipClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load(true)
		if err != nil {
			return err
		}
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if output == "" || output == "-" {
			return mgsync.ExportJSONL(context.Background(), store, cmd.OutOrStdout(), limit)
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		if err := mgsync.ExportJSONL(context.Background(), store, f, limit); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	},
}

func init() {
	exportCmd.Flags().Int("limit", 0, "maximum number of revisions (0 = all)")
	exportCmd.Flags().StringP("output", "o", "", "file to write (default stdout)")
}
