package main

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/fetcher"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/normalize"
)

const factBatchSize = 500

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Manage enrichment facts",
}

var factsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import enrichment observations from a CSV, XLSX or JSON file",
	Long:  "Each row needs entity_id, source and observed_at plus one or more contact field columns (phone, email, website, practice_name, address). Imported facts feed the next cycle's golden records.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		format, _ := cmd.Flags().GetString("format")
		sheet, _ := cmd.Flags().GetString("sheet")

		var batch []model.EnrichmentFact
		imported, skipped, malformed := 0, 0, 0
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := env.Store.InsertFacts(ctx, batch); err != nil {
				return eris.Wrap(err, "facts import: insert")
			}
			imported += len(batch)
			batch = batch[:0]
			return nil
		}

		_, err = fetcher.ReadFile(ctx, args[0], fetcher.Format(format), sheet, func(row int, rec fetcher.Record) error {
			f, err := normalize.Fact(rec)
			switch {
			case errors.Is(err, normalize.ErrSkip):
				skipped++
				return nil
			case err != nil:
				malformed++
				zap.L().Warn("facts import: malformed row", zap.Int("row", row), zap.Error(err))
				return nil
			}
			batch = append(batch, f)
			if len(batch) >= factBatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}

		fmt.Printf("Imported %d facts (%d skipped, %d malformed)\n", imported, skipped, malformed)
		return nil
	},
}

func init() {
	factsImportCmd.Flags().String("format", "csv", "file format (csv, xlsx, json)")
	factsImportCmd.Flags().String("sheet", "", "xlsx sheet name (default first)")

	factsCmd.AddCommand(factsImportCmd)
	rootCmd.AddCommand(factsCmd)
}
