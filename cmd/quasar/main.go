package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/quasar/internal/pipeline"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/extension"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/storage/structured"

	// Register the built-in operators
	_ "github.com/ajitpratap0/quasar/pkg/operators"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - batch ingestion for structured rows and media frames",
		Long: `Quasar reads delimited text, JSON lines and decoded media frames into
memory-bounded batches, optionally passes them through operators, and stores
them in SQL or blob-backed columnar tables.`,
		SilenceUsage: true,
	}
	v := settings(root)

	root.AddCommand(
		versionCommand(),
		listCommand(v),
		loadCommand(v),
		insertCommand(v),
		resolveCommand(v),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Quasar v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func listCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reader formats, operators, storage kinds and catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			section := func(title string, items []string) {
				fmt.Fprintf(out, "%s:\n", title)
				for _, item := range items {
					fmt.Fprintf(out, "  - %s\n", item)
				}
			}

			section("Reader formats", reader.Formats())
			section("Operators", extension.Names())
			section("Storage kinds", []string{string(storage.KindStructured), string(storage.KindMedia)})
			section("Structured drivers", structured.Drivers())
			algs := make([]string, len(compression.Algorithms))
			for i, a := range compression.Algorithms {
				algs[i] = string(a)
			}
			section("Segment compression", algs)

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Catalog.Path == "" {
				return nil
			}
			a := &app{cfg: cfg}
			cat, err := a.catalog()
			if err != nil {
				return err
			}
			var tables []string
			for _, d := range cat.Tables() {
				tables = append(tables, fmt.Sprintf("%s (%s) %s", d.QualifiedName(), d.Kind, d.Schema))
			}
			section("Tables", tables)
			return nil
		},
	}
}

func loadCommand(v *viper.Viper) *cobra.Command {
	var (
		database, table  string
		operator, opFile string
		symbol, columns  string
		skipMalformed    bool
		budget           int64
		prefetch         bool
		format           string
	)
	cmd := &cobra.Command{
		Use:   "load RESOURCE",
		Short: "Load a resource into a table",
		Long: `Load reads RESOURCE with the reader registered for its extension and stores
every batch in the catalog table. Structured tables receive row inserts,
media tables bulk appends. A RESOURCE of "-" reads stdin, which is staged
below reader.datasets_dir first and needs --format.

Example:
  quasar load users.csv --db crm --table users
  cat users.jsonl | quasar load - --format jsonl --db crm --table users
  quasar load clip.qfv --table frame_sizes --columns id:int,data:bytes --operator builtin.frame_stats`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.pipeline()
			if err != nil {
				return err
			}
			req := pipeline.LoadRequest{
				Resource:       args[0],
				Database:       database,
				Table:          table,
				Operator:       operator,
				OperatorFile:   opFile,
				OperatorSymbol: symbol,
				SkipMalformed:  skipMalformed,
				Budget:         budget,
				ReaderOptions:  a.readerOptions(),
			}
			if req.Budget == 0 {
				if req.Budget, err = a.budget(); err != nil {
					return err
				}
			}
			if format != "" {
				req.ReaderOptions = append(req.ReaderOptions, reader.WithFormat(format))
			}
			if req.Resource == "-" {
				if format == "" {
					return errors.New(errors.ErrorTypeValidation, "reading stdin needs --format")
				}
				staged, err := reader.Stage(cmd.Context(), a.cfg.Reader.DatasetsDir, "stdin", cmd.InOrStdin())
				if err != nil {
					return err
				}
				defer os.Remove(staged)
				req.Resource = staged
			}
			if cmd.Flags().Changed("prefetch") {
				req.ReaderOptions = append(req.ReaderOptions, reader.WithPrefetch(prefetch))
			}
			if columns != "" {
				if req.ReadSchema, err = parseColumns(columns); err != nil {
					return err
				}
			}

			res, err := p.Load(cmd.Context(), req)
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rows in %d batches (%d skipped) in %s\n",
				res.Rows, res.Batches, res.Skipped, res.Duration)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&database, "db", "", "Database of the target table")
	f.StringVarP(&table, "table", "t", "", "Target table (required)")
	f.StringVar(&operator, "operator", "", "Registered operator applied to every batch")
	f.StringVar(&opFile, "operator-file", "", "Operator unit file applied to every batch")
	f.StringVar(&symbol, "symbol", "", "Operator to select in --operator-file")
	f.StringVar(&columns, "columns", "", "Read schema as name:kind pairs, e.g. id:int,data:bytes (defaults to the table schema)")
	f.BoolVar(&skipMalformed, "skip-malformed", false, "Skip records that fail to parse")
	f.Int64Var(&budget, "budget", 0, "Per-batch memory budget in bytes (overrides reader.budget_bytes)")
	f.BoolVar(&prefetch, "prefetch", false, "Read one batch ahead in the background")
	f.StringVar(&format, "format", "", "Reader format such as csv or jsonl (inferred from the extension by default)")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func insertCommand(v *viper.Viper) *cobra.Command {
	var database, table, null string
	cmd := &cobra.Command{
		Use:   "insert COLUMN=VALUE...",
		Short: "Insert one row into a structured table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.InsertRequest{Database: database, Table: table}
			for _, arg := range args {
				col, val, ok := strings.Cut(arg, "=")
				if !ok {
					return errors.Newf(errors.ErrorTypeValidation, "expected COLUMN=VALUE, got %q", arg)
				}
				req.Columns = append(req.Columns, col)
				if val == null {
					req.Values = append(req.Values, nil)
				} else {
					req.Values = append(req.Values, val)
				}
			}

			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.close()
			p, err := a.pipeline()
			if err != nil {
				return err
			}

			n, err := p.Insert(cmd.Context(), req)
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d row(s)\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&database, "db", "", "Database of the target table")
	cmd.Flags().StringVarP(&table, "table", "t", "", "Target table (required)")
	cmd.Flags().StringVar(&null, "null", "NULL", "Value text read as null")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func resolveCommand(v *viper.Viper) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "resolve NAME|FILE",
		Short: "Resolve and validate an operator",
		Long: `Resolve looks up a registered operator by name, or evaluates an operator
unit file and selects its operator, then prints what was found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.close()

			var def extension.Definition
			target := args[0]
			if _, statErr := os.Stat(target); statErr == nil || strings.ContainsAny(target, `/\`) || strings.HasSuffix(target, ".star") {
				def, err = a.loader.ResolveByLocation(cmd.Context(), target, symbol)
			} else {
				def, err = a.loader.ResolveByName(cmd.Context(), target)
			}
			if err != nil {
				return err
			}

			spec := def.Spec()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:     %s\n", def.Identity())
			fmt.Fprintf(out, "name:         %s\n", spec.Name)
			if spec.Outputs.Len() > 0 {
				fmt.Fprintf(out, "outputs:      %s\n", spec.Outputs)
			} else {
				fmt.Fprintf(out, "outputs:      inferred\n")
			}
			fmt.Fprintf(out, "requires_gpu: %t\n", spec.RequiresGPU)
			if spec.Doc != "" {
				fmt.Fprintf(out, "doc:          %s\n", spec.Doc)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Operator to select when the file defines several")
	return cmd
}

// parseColumns reads a schema from name:kind pairs
func parseColumns(s string) (schema.Schema, error) {
	var cols []schema.Column
	for _, part := range strings.Split(s, ",") {
		name, kind, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return schema.Schema{}, errors.Newf(errors.ErrorTypeValidation, "column %q: expected name:kind", part)
		}
		k, err := schema.ParseKind(kind)
		if err != nil {
			return schema.Schema{}, err
		}
		cols = append(cols, schema.Column{Name: strings.TrimSpace(name), Kind: k})
	}
	return schema.New(cols...)
}
