package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sortia/spendclass/internal/cache"
	"github.com/sortia/spendclass/internal/config"
	"github.com/sortia/spendclass/internal/engine"
	"github.com/sortia/spendclass/internal/llm"
	"github.com/sortia/spendclass/internal/retrieval"
	"github.com/sortia/spendclass/internal/storage"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <transactions.csv>",
		Short: "Classify invoice line items against a taxonomy",
		Long: `Classify reads a CSV of invoice line items, groups rows into invoices,
and assigns a taxonomy path to every row.

Rows sharing the grouping columns form one invoice and are classified
together. Supplier rules and previously cached results short-circuit the
oracle; only genuinely new work reaches the LLM.

Examples:
  spendclass classify invoices.csv --taxonomy taxonomy.txt
  spendclass classify invoices.csv --taxonomy taxonomy.txt --workers 8 -o classified.csv
  spendclass classify invoices.csv --taxonomy taxonomy.txt --run-scope 2024-q3`,
		Args: cobra.ExactArgs(1),
		RunE: runClassify,
	}

	cmd.Flags().StringP("taxonomy", "t", "", "taxonomy file, one path per line (required)")
	cmd.Flags().StringP("output", "o", "", "output CSV path (default: <input>.classified.csv)")
	cmd.Flags().StringP("run-scope", "s", "", "cache scope identifier (default: new UUID per run)")
	cmd.Flags().IntP("workers", "w", 4, "concurrent invoice workers")
	cmd.Flags().StringSlice("group-by", nil, "grouping columns (default: invoice_date,company,supplier_name,creation_date)")
	cmd.Flags().String("dataset", "", "dataset name for rule scoping (default: input filename)")

	_ = viper.BindPFlag("classification.taxonomy", cmd.Flags().Lookup("taxonomy"))
	_ = viper.BindPFlag("classification.output", cmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("classification.run_scope", cmd.Flags().Lookup("run-scope"))
	_ = viper.BindPFlag("classification.workers", cmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("classification.group_by", cmd.Flags().Lookup("group-by"))
	_ = viper.BindPFlag("classification.dataset", cmd.Flags().Lookup("dataset"))

	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inputPath := args[0]

	taxonomyPath := viper.GetString("classification.taxonomy")
	if taxonomyPath == "" {
		return fmt.Errorf("--taxonomy is required")
	}

	outputPath := viper.GetString("classification.output")
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, ".csv") + ".classified.csv"
	}

	runScope := viper.GetString("classification.run_scope")
	if runScope == "" {
		runScope = uuid.New().String()
	}

	slog.Info("Starting classification run",
		"input", inputPath,
		"taxonomy", taxonomyPath,
		"run_scope", runScope)

	ds, err := loadDataset(inputPath, viper.GetString("classification.dataset"))
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}

	taxonomy, err := loadTaxonomy(taxonomyPath)
	if err != nil {
		return fmt.Errorf("failed to load taxonomy: %w", err)
	}

	db, err := storage.NewSQLiteStore(databasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("failed to run migrations: %w", migrateErr)
	}

	llmCfg := llmConfig()
	oracle, err := llm.NewOracle(llmCfg)
	if err != nil {
		return fmt.Errorf("failed to create oracle: %w", err)
	}
	defer oracle.Close()

	embedder, err := llm.NewEmbedder(llmCfg)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	retriever := retrieval.New(embedder, retrieval.DefaultConfig())
	classCache := cache.New(db, runScope)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Classifying invoices"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	engCfg := engine.DefaultConfig()
	engCfg.Workers = viper.GetInt("classification.workers")
	if groupBy := viper.GetStringSlice("classification.group_by"); len(groupBy) > 0 {
		engCfg.GroupingFields = groupBy
	}
	engCfg.Progress = func(done, total int) {
		bar.ChangeMax(total)
		_ = bar.Set(done)
	}

	eng := engine.New(classCache, retriever, oracle, db, engCfg)

	start := time.Now()
	run, err := eng.ClassifyDataset(ctx, ds, engine.Taxonomy{
		Paths:        taxonomy.Paths,
		Descriptions: taxonomy.Descriptions,
	})
	if err != nil {
		return err
	}
	_ = bar.Finish()
	fmt.Fprintln(cmd.ErrOrStderr())

	if err := writeClassified(outputPath, ds, run); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	classified := 0
	for _, r := range run.Results {
		if r != nil {
			classified++
		}
	}

	slog.Info("Classification run finished",
		"rows", len(ds.Rows),
		"classified", classified,
		"row_errors", len(run.Errors),
		"invoices", run.Invoices,
		"output", outputPath,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return nil
}

func databasePath() string {
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		dbPath = "spendclass.db"
	}
	return config.ExpandPath(dbPath)
}

func llmConfig() llm.Config {
	return llm.Config{
		Provider:       viper.GetString("llm.provider"),
		APIKey:         viper.GetString("llm.api_key"),
		Model:          viper.GetString("llm.model"),
		EmbeddingModel: viper.GetString("llm.embedding_model"),
		BaseURL:        viper.GetString("llm.base_url"),
		MaxRetries:     viper.GetInt("llm.max_retries"),
		RateLimit:      viper.GetInt("llm.rate_limit"),
		Temperature:    viper.GetFloat64("llm.temperature"),
		MaxTokens:      viper.GetInt("llm.max_tokens"),
	}
}

func init() {
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.rate_limit", 60)
}
