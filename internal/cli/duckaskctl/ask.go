package duckaskctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/duckask/duckask/internal/export"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/pipeline"
	"github.com/duckask/duckask/internal/prompt"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/query/duckdb"
	"github.com/duckask/duckask/internal/sqlguard"
)

type askFlags struct {
	csvPath     string
	table       string
	provider    string
	model       string
	apiKey      string
	providerURL string
	rowLimit    int
	parquetOut  string
}

func newAskCommand(opts *Options) *cobra.Command {
	flags := askFlags{}
	cmd := &cobra.Command{
		Use:   "ask --csv FILE QUESTION",
		Short: "Load a CSV file locally and answer a question about it",
		Long: `ask loads FILE into an in-memory DuckDB database, asks the configured model
to translate QUESTION into SQL, checks the statement is a single read-only
SELECT, bounds it with a row limit and prints the result.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{errors.New("a question is required")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(flags.csvPath) == "" {
				return usageError{errors.New("--csv is required")}
			}
			return runAsk(cmd.Context(), opts, flags, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.csvPath, "csv", "", "CSV file to query")
	cmd.Flags().StringVar(&flags.table, "table", duckdb.DefaultTableName, "table name for the loaded file")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "translation backend: openai or ollama (default from DUCKASK_AI_PROVIDER)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model name override")
	cmd.Flags().StringVar(&flags.apiKey, "openai-api-key", "", "OpenAI API key override")
	cmd.Flags().StringVar(&flags.providerURL, "provider-url", "", "backend base URL override")
	cmd.Flags().IntVar(&flags.rowLimit, "limit", 0, "row limit for unbounded queries (default from DUCKASK_QUERY_ROW_LIMIT)")
	cmd.Flags().StringVar(&flags.parquetOut, "parquet", "", "also write the result to this Parquet file")
	return cmd
}

func runAsk(ctx context.Context, opts *Options, flags askFlags, question string, out io.Writer) error {
	cfg := opts.Config
	providerCfg, err := nl2sql.ProviderConfigFromAI(cfg.AI, nl2sql.Overrides{
		Provider: flags.provider,
		Model:    flags.model,
		APIKey:   flags.apiKey,
		BaseURL:  flags.providerURL,
	})
	if err != nil {
		return err
	}

	file, err := os.Open(flags.csvPath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	store, err := duckdb.Open(ctx, duckdb.Options{UploadMaxBytes: cfg.Query.UploadMaxBytes})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	info, err := store.LoadCSV(ctx, flags.table, file)
	if err != nil {
		return err
	}
	var sample query.Result
	if cfg.Query.SchemaSampleRows > 0 {
		sample, err = store.SampleRows(ctx, info.Name, cfg.Query.SchemaSampleRows)
		if err != nil {
			return err
		}
	}
	schemaText := prompt.DescribeSchema(info.Name, info.Columns, sample)

	gatewayOpts := []nl2sql.Option{nl2sql.WithLogger(observability.DiscardLogger())}
	if cfg.AI.BreakerEnabled {
		gatewayOpts = append(gatewayOpts, nl2sql.WithCircuitBreaker(nl2sql.DefaultBreakerSettings))
	}
	gatewayOpts = append(gatewayOpts, opts.GatewayOptions...)
	gateway, err := nl2sql.NewGateway(prompt.BuildSystemPrompt(schemaText, prompt.DefaultDialect), providerCfg, gatewayOpts...)
	if err != nil {
		return err
	}

	rowLimit := flags.rowLimit
	if rowLimit <= 0 {
		rowLimit = cfg.Query.RowLimit
	}
	runner := pipeline.New(pipeline.Config{RowLimit: rowLimit, QueryTimeout: cfg.Query.Timeout})

	label := pterm.NewStyle(pterm.FgLightCyan)
	_, _ = fmt.Fprintln(out, label.Sprint("→ Dataset: ")+fmt.Sprintf("%s (%d rows, %d columns)", info.Name, info.RowCount, len(info.Columns)))
	_, _ = fmt.Fprintln(out, label.Sprint("→ Model:   ")+gateway.Describe())

	outcome, err := runner.Run(ctx, gateway, store, question)
	if err != nil {
		return describeFailure(outcome, err)
	}

	_, _ = fmt.Fprintln(out, label.Sprint("→ SQL:     ")+outcome.SQL)
	_, _ = fmt.Fprintln(out)
	rendered, err := renderTable(outcome.Result)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, rendered)
	_, _ = fmt.Fprintf(out, "%d row(s)\n", len(outcome.Result.Rows))

	if flags.parquetOut != "" {
		encoded, err := export.EncodeResultToParquet(outcome.Result)
		if err != nil {
			return err
		}
		if err := os.WriteFile(flags.parquetOut, encoded.Data, 0o644); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
		_, _ = fmt.Fprintln(out, label.Sprint("→ Parquet: ")+flags.parquetOut)
	}
	return nil
}

// describeFailure adds the statement that failed to the error when the
// pipeline got far enough to have one.
func describeFailure(outcome pipeline.Outcome, err error) error {
	var rejection *sqlguard.RejectionError
	switch pipeline.Classify(err) {
	case pipeline.KindInput:
		return usageError{err}
	case pipeline.KindRejection:
		if errors.As(err, &rejection) {
			return fmt.Errorf("%w\n  candidate SQL: %s", err, outcome.CandidateSQL)
		}
	case pipeline.KindExecution:
		return fmt.Errorf("%w\n  SQL: %s", err, outcome.SQL)
	}
	return err
}

func renderTable(result query.Result) (string, error) {
	data := make(pterm.TableData, 0, len(result.Rows)+1)
	data = append(data, append([]string(nil), result.Columns...))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(value)
		}
		data = append(data, cells)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}
