package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "deepresearch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage deepresearch configuration.

Running bare 'deepresearch config' is the same as 'deepresearch config show'.
Every key can also be set from the environment with the DEEPRESEARCH_ prefix,
dots replaced by underscores (e.g. DEEPRESEARCH_ANTHROPIC_API_KEY).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# deepresearch configuration
# See: deepresearch config show (for effective values and sources)

# State/data directory (default: ~/.config/deepresearch)
# state_dir: {{ .StateDir }}

# SQLite database path for sessions and the evidence corpus
# db_path: {{ .DBPath }}

# HTTP API port for 'deepresearch serve'
port: {{ .Port }}

# Session store: sqlite, redis, or postgres
store:
  driver: "{{ .StoreDriver }}"
  # redis_url: "redis://localhost:6379/0"
  # postgres_dsn: "host=localhost user=deepresearch dbname=deepresearch sslmode=disable"

# Evidence corpus: sqlite (import with 'deepresearch corpus import') or fixture
corpus:
  driver: "{{ .CorpusDriver }}"
  # fixture: /path/to/corpus.yaml
  summary_ttl: "{{ .SummaryTTL }}"

# Model provider: anthropic, gemini, or fallback (every provider with a key, in that order)
llm:
  provider: "{{ .LLMProvider }}"
  max_tokens: {{ .MaxTokens }}
  temperature: {{ .Temperature }}

anthropic:
  # api_key: set DEEPRESEARCH_ANTHROPIC_API_KEY instead of storing it here
  model: "{{ .AnthropicModel }}"

gemini:
  # api_key: set DEEPRESEARCH_GEMINI_API_KEY instead of storing it here
  model: "{{ .GeminiModel }}"

# Research execution
research:
  max_concurrency: {{ .MaxConcurrency }}
  max_attempts: {{ .MaxAttempts }}
  initial_backoff: "{{ .InitialBackoff }}"
  max_backoff: "{{ .MaxBackoff }}"
  sources_per_step: {{ .SourcesPerStep }}

# Cancel sessions left in plan_review longer than this (0s disables)
review:
  ttl: "{{ .ReviewTTL }}"

log:
  level: "{{ .LogLevel }}"
  # file: {{ .StateDir }}/deepresearch.log
  json: {{ .LogJSON }}

# OTLP/HTTP collector (host:port); empty disables tracing
tracing:
  endpoint: "{{ .TracingEndpoint }}"
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	Port            int
	StoreDriver     string
	CorpusDriver    string
	SummaryTTL      string
	LLMProvider     string
	MaxTokens       int
	Temperature     float64
	AnthropicModel  string
	GeminiModel     string
	MaxConcurrency  int
	MaxAttempts     int
	InitialBackoff  string
	MaxBackoff      string
	SourcesPerStep  int
	ReviewTTL       string
	LogLevel        string
	LogJSON         bool
	TracingEndpoint string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		Port:            viper.GetInt("port"),
		StoreDriver:     viper.GetString("store.driver"),
		CorpusDriver:    viper.GetString("corpus.driver"),
		SummaryTTL:      viper.GetDuration("corpus.summary_ttl").String(),
		LLMProvider:     viper.GetString("llm.provider"),
		MaxTokens:       viper.GetInt("llm.max_tokens"),
		Temperature:     viper.GetFloat64("llm.temperature"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		GeminiModel:     viper.GetString("gemini.model"),
		MaxConcurrency:  viper.GetInt("research.max_concurrency"),
		MaxAttempts:     viper.GetInt("research.max_attempts"),
		InitialBackoff:  viper.GetDuration("research.initial_backoff").String(),
		MaxBackoff:      viper.GetDuration("research.max_backoff").String(),
		SourcesPerStep:  viper.GetInt("research.sources_per_step"),
		ReviewTTL:       viper.GetDuration("review.ttl").String(),
		LogLevel:        viper.GetString("log.level"),
		LogJSON:         viper.GetBool("log.json"),
		TracingEndpoint: viper.GetString("tracing.endpoint"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: envVarFor("state_dir")},
	{Key: "db_path", EnvVar: envVarFor("db_path")},
	{Key: "port", EnvVar: envVarFor("port")},
	{Key: "store.driver", EnvVar: envVarFor("store.driver")},
	{Key: "store.redis_url", EnvVar: envVarFor("store.redis_url")},
	{Key: "store.postgres_dsn", EnvVar: envVarFor("store.postgres_dsn")},
	{Key: "corpus.driver", EnvVar: envVarFor("corpus.driver")},
	{Key: "corpus.fixture", EnvVar: envVarFor("corpus.fixture")},
	{Key: "corpus.summary_ttl", EnvVar: envVarFor("corpus.summary_ttl")},
	{Key: "llm.provider", EnvVar: envVarFor("llm.provider")},
	{Key: "llm.max_tokens", EnvVar: envVarFor("llm.max_tokens")},
	{Key: "llm.temperature", EnvVar: envVarFor("llm.temperature")},
	{Key: "anthropic.api_key", EnvVar: envVarFor("anthropic.api_key")},
	{Key: "anthropic.model", EnvVar: envVarFor("anthropic.model")},
	{Key: "gemini.api_key", EnvVar: envVarFor("gemini.api_key")},
	{Key: "gemini.model", EnvVar: envVarFor("gemini.model")},
	{Key: "research.max_concurrency", EnvVar: envVarFor("research.max_concurrency")},
	{Key: "research.max_attempts", EnvVar: envVarFor("research.max_attempts")},
	{Key: "research.initial_backoff", EnvVar: envVarFor("research.initial_backoff")},
	{Key: "research.max_backoff", EnvVar: envVarFor("research.max_backoff")},
	{Key: "research.sources_per_step", EnvVar: envVarFor("research.sources_per_step")},
	{Key: "review.ttl", EnvVar: envVarFor("review.ttl")},
	{Key: "log.level", EnvVar: envVarFor("log.level")},
	{Key: "log.file", EnvVar: envVarFor("log.file")},
	{Key: "log.json", EnvVar: envVarFor("log.json")},
	{Key: "tracing.endpoint", EnvVar: envVarFor("tracing.endpoint")},
}

// envVarFor returns the environment variable viper reads for key.
func envVarFor(key string) string {
	return "DEEPRESEARCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// secretKeys are masked by config show.
var secretKeys = map[string]bool{
	"anthropic.api_key":  true,
	"gemini.api_key":     true,
	"store.postgres_dsn": true,
	"store.redis_url":    true,
}

func displayValue(key string, val any) any {
	if !secretKeys[key] {
		return val
	}
	s := fmt.Sprint(val)
	if s == "" {
		return "(unset)"
	}
	return "****"
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := displayValue(k.Key, viper.Get(k.Key))
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'deepresearch config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
