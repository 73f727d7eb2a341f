// Command dqe profiles, analyzes and seeds sqlite tables from the
// terminal. The server in cmd/dqe-server exposes the same engine over
// HTTP.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/veridata/dqe/pkg/analyzer"
	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/profiler"
)

func main() {
	root := &cobra.Command{
		Use:          "dqe",
		Short:        "Data quality engine for sqlite tables",
		SilenceUsage: true,
	}
	root.AddCommand(newProfileCmd(), newAnalyzeCmd(), newSeedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dqe:", err)
		os.Exit(1)
	}
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newProfileCmd() *cobra.Command {
	var (
		dbPath  string
		table   string
		columns []string
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Profile the columns of a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ds, err := dataset.NewSQL(db, table)
			if err != nil {
				return err
			}

			p := profiler.New(profiler.DefaultOptions())
			var prof *profiler.TableProfile
			if len(columns) > 0 {
				prof, err = p.ProfileColumns(cmd.Context(), ds, columns)
			} else {
				prof, err = p.ProfileTable(cmd.Context(), ds)
			}
			if err != nil {
				return err
			}
			for _, ce := range prof.Errors {
				fmt.Fprintln(os.Stderr, "dqe:", ce)
			}
			return printJSON(prof)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "dqe.sqlite", "sqlite database file")
	cmd.Flags().StringVar(&table, "table", "", "table to profile")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to profile (default: all)")
	cmd.MarkFlagRequired("table")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var (
		dbPath string
		table  string
		specs  []string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run analyzers against a table",
		Long: `Run analyzers against a table. Analyzers are given as type:column,
for example --analyzer mean:amount --analyzer completeness:email.
The size analyzer takes no column.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzers, err := parseAnalyzerSpecs(specs)
			if err != nil {
				return err
			}
			runner, err := analyzer.NewRunner(analyzers)
			if err != nil {
				return err
			}

			db, err := openDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ds, err := dataset.NewSQL(db, table)
			if err != nil {
				return err
			}
			return printJSON(runner.Run(cmd.Context(), ds))
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "dqe.sqlite", "sqlite database file")
	cmd.Flags().StringVar(&table, "table", "", "table to analyze")
	cmd.Flags().StringArrayVar(&specs, "analyzer", nil, "analyzer as type:column (repeatable)")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("analyzer")
	return cmd
}

func parseAnalyzerSpecs(specs []string) ([]analyzer.Analyzer, error) {
	out := make([]analyzer.Analyzer, 0, len(specs))
	for _, spec := range specs {
		name, column, _ := strings.Cut(spec, ":")
		a, err := analyzer.FromSpec(name, column, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
