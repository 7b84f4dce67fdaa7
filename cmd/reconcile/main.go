/*
main.go - Bank reconciliation CLI

PURPOSE:
  Processes a bank transaction feed (CSV) against the charge ledger from
  the command line, for back-office staff who receive the feed as a file
  rather than through the API.

USAGE:
  reconcile process --db ledger.db --file movements.csv
  reconcile process --db ledger.db --file movements.csv --pattern 'COL-\d{8}-\d{4}'

EXIT CODES:
  0  feed processed (row errors are reported, not fatal)
  1  feed unreadable or store unavailable
*/
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/recon"
	"github.com/cedro/school-ledger/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Match bank transaction feeds against the charge ledger",
	}
	root.AddCommand(newProcessCmd())
	return root
}

func newProcessCmd() *cobra.Command {
	var (
		dbPath       string
		feedPath     string
		pattern      string
		chargePrefix string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process a CSV transaction feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			log.SetLevel(logrus.WarnLevel)

			store, err := sqlite.New(dbPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			ledger := finance.NewLedger(store, finance.LedgerConfig{
				ChargeFolioPrefix: chargePrefix,
			}, store, log)
			matcher, err := recon.NewMatcher(pattern, store, ledger, log)
			if err != nil {
				return err
			}

			f, err := os.Open(feedPath)
			if err != nil {
				return fmt.Errorf("opening feed: %w", err)
			}
			defer f.Close()

			rows, parseErrs, err := recon.ParseFeed(f, recon.DefaultFeedConfig())
			if err != nil {
				return err
			}
			result, err := matcher.Process(cmd.Context(), rows)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rows:    %d\n", result.Total+len(parseErrs))
			fmt.Fprintf(out, "matched: %d\n", result.Matched)
			fmt.Fprintf(out, "errors:  %d\n", len(result.Errors)+len(parseErrs))
			for _, e := range parseErrs {
				fmt.Fprintf(out, "  line %d [%s]: %s\n", e.Line, e.Reason, e.Err)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  line %d [%s]: %s\n", e.Line, e.Reason, e.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "ledger.db", "SQLite database path")
	cmd.Flags().StringVar(&feedPath, "file", "", "CSV transaction feed path")
	cmd.Flags().StringVar(&pattern, "pattern", "", "reference extraction pattern (default built-in)")
	cmd.Flags().StringVar(&chargePrefix, "charge-prefix", "CHG", "charge folio prefix")
	cmd.MarkFlagRequired("file")
	return cmd
}
