package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Cascade    CascadeConfig    `yaml:"cascade" mapstructure:"cascade"`
	Outcome    OutcomeConfig    `yaml:"outcome" mapstructure:"outcome"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Telegram   TelegramConfig   `yaml:"telegram" mapstructure:"telegram"`
	NATS       NATSConfig       `yaml:"nats" mapstructure:"nats"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AnthropicConfig holds Anthropic API settings for the completion gateway.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds embedding gateway settings.
type OpenAIConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	EmbeddingModel string  `yaml:"embedding_model" mapstructure:"embedding_model"`
	Dimensions     int     `yaml:"dimensions" mapstructure:"dimensions"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds the paid fallback scraper settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// DiscoveryConfig configures the optional search-based discovery stage.
type DiscoveryConfig struct {
	Enabled            bool     `yaml:"enabled" mapstructure:"enabled"`
	ResultsPerTarget   int      `yaml:"results_per_target" mapstructure:"results_per_target"`
	RequestsPerSec     float64  `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	SiteFilters        []string `yaml:"site_filters" mapstructure:"site_filters"`
	DirectoryBlocklist []string `yaml:"directory_blocklist" mapstructure:"directory_blocklist"`
	MaxResultAgeDays   int      `yaml:"max_result_age_days" mapstructure:"max_result_age_days"`
}

// FetchConfig configures the fetch collaborator chain.
type FetchConfig struct {
	TimeoutSecs     int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PerHostRPS      float64  `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	UserAgent       string   `yaml:"user_agent" mapstructure:"user_agent"`
	MinContentChars int      `yaml:"min_content_chars" mapstructure:"min_content_chars"`
	Providers       []string `yaml:"providers" mapstructure:"providers"`
}

// WorkerConfig configures the scrape worker loop and the stuck sweep.
type WorkerConfig struct {
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	Parallelism       int `yaml:"parallelism" mapstructure:"parallelism"`
	MaxAttempts       int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchDelayMs      int `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	StuckThresholdMin int `yaml:"stuck_threshold_min" mapstructure:"stuck_threshold_min"`
}

// EnrichConfig configures the metadata and embedding batchers.
type EnrichConfig struct {
	RecencyDays          int `yaml:"recency_days" mapstructure:"recency_days"`
	MetadataBatchSize    int `yaml:"metadata_batch_size" mapstructure:"metadata_batch_size"`
	MetadataParallelism  int `yaml:"metadata_parallelism" mapstructure:"metadata_parallelism"`
	MetadataMaxChars     int `yaml:"metadata_max_chars" mapstructure:"metadata_max_chars"`
	MetadataMaxBatches   int `yaml:"metadata_max_batches" mapstructure:"metadata_max_batches"`
	EmbeddingBatchSize   int `yaml:"embedding_batch_size" mapstructure:"embedding_batch_size"`
	EmbeddingMaxBatches  int `yaml:"embedding_max_batches" mapstructure:"embedding_max_batches"`
	EmbeddingMaxChars    int `yaml:"embedding_max_chars" mapstructure:"embedding_max_chars"`
	RateLimitBackoffSecs int `yaml:"rate_limit_backoff_secs" mapstructure:"rate_limit_backoff_secs"`
	RateLimitMaxRetries  int `yaml:"rate_limit_max_retries" mapstructure:"rate_limit_max_retries"`
}

// MatcherConfig configures signal scoring.
type MatcherConfig struct {
	Threshold       float64 `yaml:"threshold" mapstructure:"threshold"`
	NameWeight      float64 `yaml:"name_weight" mapstructure:"name_weight"`
	KeywordWeight   float64 `yaml:"keyword_weight" mapstructure:"keyword_weight"`
	KeywordCap      float64 `yaml:"keyword_cap" mapstructure:"keyword_cap"`
	CosineWeight    float64 `yaml:"cosine_weight" mapstructure:"cosine_weight"`
	RecencyWeight   float64 `yaml:"recency_weight" mapstructure:"recency_weight"`
	RecencyHalfLife float64 `yaml:"recency_half_life_days" mapstructure:"recency_half_life_days"`
	EventBonus      float64 `yaml:"event_bonus" mapstructure:"event_bonus"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	OrganizationID  string  `yaml:"organization_id" mapstructure:"organization_id"`
}

// CascadeConfig configures cascade detection.
type CascadeConfig struct {
	LookbackHours           int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MinPatternConfidence    float64 `yaml:"min_pattern_confidence" mapstructure:"min_pattern_confidence"`
	ProgressionMinOverlap   int     `yaml:"progression_min_overlap" mapstructure:"progression_min_overlap"`
	ProgressionMinRatio     float64 `yaml:"progression_min_ratio" mapstructure:"progression_min_ratio"`
	ProgressionLookbackDays int     `yaml:"progression_lookback_days" mapstructure:"progression_lookback_days"`
}

// OutcomeConfig configures prediction validation.
type OutcomeConfig struct {
	MaturationDays int     `yaml:"maturation_days" mapstructure:"maturation_days"`
	GraceDays      int     `yaml:"grace_days" mapstructure:"grace_days"`
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
	EvidenceLimit  int     `yaml:"evidence_limit" mapstructure:"evidence_limit"`
	MinSimilarity  float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
	AccurateMatch  float64 `yaml:"accurate_match" mapstructure:"accurate_match"`
	PartialMatch   float64 `yaml:"partial_match" mapstructure:"partial_match"`
	SnippetChars   int     `yaml:"snippet_chars" mapstructure:"snippet_chars"`
}

// PipelineConfig configures the orchestrator stage budgets.
type PipelineConfig struct {
	DiscoveryBudgetSecs int  `yaml:"discovery_budget_secs" mapstructure:"discovery_budget_secs"`
	WorkerBudgetSecs    int  `yaml:"worker_budget_secs" mapstructure:"worker_budget_secs"`
	MetadataBudgetSecs  int  `yaml:"metadata_budget_secs" mapstructure:"metadata_budget_secs"`
	EmbeddingBudgetSecs int  `yaml:"embedding_budget_secs" mapstructure:"embedding_budget_secs"`
	MatcherBudgetSecs   int  `yaml:"matcher_budget_secs" mapstructure:"matcher_budget_secs"`
	CascadeBudgetSecs   int  `yaml:"cascade_budget_secs" mapstructure:"cascade_budget_secs"`
	OutcomeBudgetSecs   int  `yaml:"outcome_budget_secs" mapstructure:"outcome_budget_secs"`
	RunCascade          bool `yaml:"run_cascade" mapstructure:"run_cascade"`
	RefreshTargets      bool `yaml:"refresh_targets" mapstructure:"refresh_targets"`
}

// ServerConfig configures the HTTP run-now server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token" mapstructure:"auth_token"`
	// AllowAnonymous serves the run endpoints without a token. Local use only.
	AllowAnonymous bool `yaml:"allow_anonymous" mapstructure:"allow_anonymous"`
}

// MonitoringConfig configures run health checks and alerting.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours           int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PendingBacklogThreshold int     `yaml:"pending_backlog_threshold" mapstructure:"pending_backlog_threshold"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// TelegramConfig configures Telegram alert delivery.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" mapstructure:"bot_token"`
	ChatID      int64  `yaml:"chat_id" mapstructure:"chat_id"`
	APIEndpoint string `yaml:"api_endpoint" mapstructure:"api_endpoint"`
	// MinUrgency is the lowest cascade alert urgency forwarded to the chat.
	MinUrgency  string `yaml:"min_urgency" mapstructure:"min_urgency"`
}

// NATSConfig configures event publication.
type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// Budget converts a seconds setting into a duration.
func Budget(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.dimensions", 1536)
	v.SetDefault("openai.requests_per_sec", 5.0)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.results_per_target", 10)
	v.SetDefault("discovery.requests_per_sec", 2.0)
	v.SetDefault("discovery.max_result_age_days", 7)
	v.SetDefault("discovery.directory_blocklist", []string{"linkedin.com", "facebook.com", "twitter.com", "x.com", "wikipedia.org"})

	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.per_host_rps", 2.0)
	v.SetDefault("fetch.user_agent", "signal-cli/1.0 (+https://sellsadvisors.com)")
	v.SetDefault("fetch.min_content_chars", 200)
	v.SetDefault("fetch.providers", []string{"jina", "local", "firecrawl"})

	v.SetDefault("worker.batch_size", 5)
	v.SetDefault("worker.parallelism", 5)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.batch_delay_ms", 1000)
	v.SetDefault("worker.stuck_threshold_min", 10)

	v.SetDefault("enrich.recency_days", 7)
	v.SetDefault("enrich.metadata_batch_size", 10)
	v.SetDefault("enrich.metadata_parallelism", 3)
	v.SetDefault("enrich.metadata_max_chars", 6000)
	v.SetDefault("enrich.metadata_max_batches", 5)
	v.SetDefault("enrich.embedding_batch_size", 20)
	v.SetDefault("enrich.embedding_max_batches", 10)
	v.SetDefault("enrich.embedding_max_chars", 8000)
	v.SetDefault("enrich.rate_limit_backoff_secs", 5)
	v.SetDefault("enrich.rate_limit_max_retries", 3)

	v.SetDefault("matcher.threshold", 0.5)
	v.SetDefault("matcher.name_weight", 0.35)
	v.SetDefault("matcher.keyword_weight", 0.1)
	v.SetDefault("matcher.keyword_cap", 0.3)
	v.SetDefault("matcher.cosine_weight", 0.5)
	v.SetDefault("matcher.recency_weight", 0.15)
	v.SetDefault("matcher.recency_half_life_days", 3.0)
	v.SetDefault("matcher.event_bonus", 0.15)
	v.SetDefault("matcher.batch_size", 100)

	v.SetDefault("cascade.lookback_hours", 24)
	v.SetDefault("cascade.min_pattern_confidence", 0.3)
	v.SetDefault("cascade.progression_min_overlap", 1)
	v.SetDefault("cascade.progression_min_ratio", 0.0)
	v.SetDefault("cascade.progression_lookback_days", 90)

	v.SetDefault("outcome.maturation_days", 3)
	v.SetDefault("outcome.grace_days", 7)
	v.SetDefault("outcome.batch_size", 20)
	v.SetDefault("outcome.evidence_limit", 5)
	v.SetDefault("outcome.min_similarity", 0.3)
	v.SetDefault("outcome.accurate_match", 0.6)
	v.SetDefault("outcome.partial_match", 0.5)
	v.SetDefault("outcome.snippet_chars", 600)

	v.SetDefault("pipeline.discovery_budget_secs", 120)
	v.SetDefault("pipeline.worker_budget_secs", 300)
	v.SetDefault("pipeline.metadata_budget_secs", 120)
	v.SetDefault("pipeline.embedding_budget_secs", 120)
	v.SetDefault("pipeline.matcher_budget_secs", 120)
	v.SetDefault("pipeline.cascade_budget_secs", 120)
	v.SetDefault("pipeline.outcome_budget_secs", 180)
	v.SetDefault("pipeline.run_cascade", true)
	v.SetDefault("pipeline.refresh_targets", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.allow_anonymous", false)

	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.pending_backlog_threshold", 500)
	v.SetDefault("monitoring.check_interval_secs", 900)

	v.SetDefault("telegram.min_urgency", "high")

	v.SetDefault("nats.subject_prefix", "")
}

// Validate checks that the keys required by the given command mode are set.
// Modes: "pipeline", "cascade", "outcome", "targets", "serve", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	needDB := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch mode {
	case "migrate":
		needDB()
	case "pipeline":
		needDB()
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.OpenAI.Key == "" {
			errs = append(errs, "openai.key is required")
		}
		if c.Discovery.Enabled && c.Jina.Key == "" {
			errs = append(errs, "jina.key is required when discovery is enabled")
		}
	case "cascade":
		needDB()
	case "outcome":
		needDB()
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "targets":
		needDB()
		if c.OpenAI.Key == "" {
			errs = append(errs, "openai.key is required")
		}
	case "serve":
		needDB()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.AuthToken == "" && !c.Server.AllowAnonymous {
			errs = append(errs, "server.auth_token is required (set server.allow_anonymous for local use)")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 100 {
		errs = append(errs, "worker.batch_size must be between 1 and 100")
	}
	if c.Worker.Parallelism < 1 || c.Worker.Parallelism > 50 {
		errs = append(errs, "worker.parallelism must be between 1 and 50")
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "worker.max_attempts must be >= 1")
	}
	if c.Matcher.Threshold < 0 || c.Matcher.Threshold > 1 {
		errs = append(errs, "matcher.threshold must be between 0 and 1")
	}
	if c.Cascade.MinPatternConfidence < 0 || c.Cascade.MinPatternConfidence > 1 {
		errs = append(errs, "cascade.min_pattern_confidence must be between 0 and 1")
	}
	if c.Cascade.ProgressionMinRatio < 0 || c.Cascade.ProgressionMinRatio > 1 {
		errs = append(errs, "cascade.progression_min_ratio must be between 0 and 1")
	}
	if c.Outcome.AccurateMatch < 0 || c.Outcome.AccurateMatch > 1 ||
		c.Outcome.PartialMatch < 0 || c.Outcome.PartialMatch > 1 {
		errs = append(errs, "outcome.accurate_match and outcome.partial_match must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
