package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/events"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/logging"
	"github.com/vericase/deepresearch/internal/output"
	"github.com/vericase/deepresearch/internal/research"
	"github.com/vericase/deepresearch/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize or
// lazily by the get* helpers.
var (
	ui         *output.UI
	dataStore  store.Store
	corpusDB   *store.SQLiteStore // separate corpus database when sessions live elsewhere
	dataCorpus corpusWriter
	provider   llm.Provider
	manager    *research.Manager
	eventBus   *events.Bus
	logger     *zap.Logger

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "deepresearch",
	Short: "Deep Analysis - plan, approve, and run evidence research sessions",
	Long: `deepresearch runs human-in-the-loop research sessions over a case or
project's evidence corpus. A model drafts a research plan, a human approves
or revises it, the approved steps run in parallel against the corpus, and
the findings are synthesized into a cited report.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/deepresearch/config.yaml)")
}

func initConfig() {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "deepresearch")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEEPRESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "deepresearch"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	d := research.DefaultConfig()

	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "deepresearch.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.redis_url", "redis://localhost:6379/0")
	viper.SetDefault("store.postgres_dsn", "")
	viper.SetDefault("corpus.driver", "sqlite")
	viper.SetDefault("corpus.fixture", "")
	viper.SetDefault("corpus.summary_ttl", "5m")
	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("llm.max_tokens", d.MaxTokens)
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("research.max_concurrency", d.MaxConcurrency)
	viper.SetDefault("research.max_attempts", d.MaxAttempts)
	viper.SetDefault("research.initial_backoff", d.InitialBackoff.String())
	viper.SetDefault("research.max_backoff", d.MaxBackoff.String())
	viper.SetDefault("research.sources_per_step", d.SourcesPerStep)
	viper.SetDefault("review.ttl", "0s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.json", false)
	viper.SetDefault("tracing.endpoint", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store, corpus, and provider are initialized lazily so config/version
	// commands run without a database or API key.
}

// getLogger returns the shared zap logger, building it on first call.
func getLogger() *zap.Logger {
	if logger != nil {
		return logger
	}
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	l, err := logging.New(logging.Config{
		Level: level,
		File:  viper.GetString("log.file"),
		JSON:  viper.GetBool("log.json"),
	})
	if err != nil {
		ui.Warning("Falling back to no-op logger: %v", err)
		l = zap.NewNop()
	}
	logger = l
	return logger
}

// getStore returns the shared session store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	s, err := store.Open(store.Config{
		Driver:      viper.GetString("store.driver"),
		SQLitePath:  viper.GetString("db_path"),
		RedisURL:    viper.GetString("store.redis_url"),
		PostgresDSN: viper.GetString("store.postgres_dsn"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := s.Migrate(commandContext()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// corpusWriter is a corpus that also accepts imports.
type corpusWriter interface {
	corpus.Adapter
	corpus.Writer
}

// getCorpus returns the shared evidence corpus, initializing it on first call.
func getCorpus() (corpusWriter, error) {
	if dataCorpus != nil {
		return dataCorpus, nil
	}

	var base corpusWriter
	switch strings.ToLower(viper.GetString("corpus.driver")) {
	case "", "sqlite":
		db, err := corpusDatabase()
		if err != nil {
			return nil, err
		}
		base = corpus.NewSQLite(db.DB())
	case "fixture":
		path := viper.GetString("corpus.fixture")
		if path == "" {
			return nil, errors.New("corpus.driver is fixture but corpus.fixture is not set")
		}
		f, err := corpus.LoadFixtureFile(path)
		if err != nil {
			return nil, err
		}
		mem := corpus.NewMemory()
		if _, err := f.Apply(commandContext(), mem); err != nil {
			return nil, err
		}
		base = mem
	default:
		return nil, fmt.Errorf("unknown corpus driver %q (expected sqlite or fixture)", viper.GetString("corpus.driver"))
	}

	ttl := viper.GetDuration("corpus.summary_ttl")
	if ttl > 0 {
		base = corpus.NewCached(base, ttl)
	}
	dataCorpus = base
	return dataCorpus, nil
}

// corpusDatabase returns the SQLite database holding evidence tables. It is
// the session database when sessions are stored in SQLite.
func corpusDatabase() (*store.SQLiteStore, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	if sq, ok := s.(*store.SQLiteStore); ok {
		return sq, nil
	}
	if corpusDB != nil {
		return corpusDB, nil
	}
	db, err := store.NewSQLiteStore(viper.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("open corpus database: %w", err)
	}
	if err := db.Migrate(commandContext()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate corpus database: %w", err)
	}
	corpusDB = db
	return corpusDB, nil
}

// getProvider returns the configured model provider.
func getProvider() (llm.Provider, error) {
	if provider != nil {
		return provider, nil
	}
	p, err := llm.New(llm.Config{
		Provider:        viper.GetString("llm.provider"),
		MaxTokens:       viper.GetInt("llm.max_tokens"),
		Temperature:     viper.GetFloat64("llm.temperature"),
		AnthropicAPIKey: viper.GetString("anthropic.api_key"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		GeminiAPIKey:    viper.GetString("gemini.api_key"),
		GeminiModel:     viper.GetString("gemini.model"),
		Logger:          getLogger().Named("llm"),
	})
	if err != nil {
		return nil, fmt.Errorf("configure model provider: %w", err)
	}
	provider = p
	return provider, nil
}

// getBus returns the shared transition bus.
func getBus() *events.Bus {
	if eventBus == nil {
		eventBus = events.NewBus(getLogger())
	}
	return eventBus
}

// researchConfig reads the research.* keys.
func researchConfig() research.Config {
	return research.Config{
		MaxConcurrency: viper.GetInt("research.max_concurrency"),
		MaxAttempts:    viper.GetInt("research.max_attempts"),
		InitialBackoff: viper.GetDuration("research.initial_backoff"),
		MaxBackoff:     viper.GetDuration("research.max_backoff"),
		SourcesPerStep: viper.GetInt("research.sources_per_step"),
		MaxTokens:      viper.GetInt("llm.max_tokens"),
	}
}

// getManager wires the session manager from the shared dependencies.
func getManager() (*research.Manager, error) {
	if manager != nil {
		return manager, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	c, err := getCorpus()
	if err != nil {
		return nil, err
	}
	p, err := getProvider()
	if err != nil {
		return nil, err
	}
	manager = research.NewManager(s, c, p, researchConfig(),
		research.WithLogger(getLogger()),
		research.WithEvents(getBus()),
	)
	return manager, nil
}

// closeDeps releases whatever the command opened.
func closeDeps() {
	if manager != nil {
		manager.Close()
		manager = nil
	}
	if eventBus != nil {
		_ = eventBus.Close()
		eventBus = nil
	}
	if corpusDB != nil {
		_ = corpusDB.Close()
		corpusDB = nil
	}
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
	dataCorpus = nil
	provider = nil
	if logger != nil {
		_ = logger.Sync()
		logger = nil
	}
}

func commandContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
