package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"

	"github.com/xxxsen/ragguard/internal/model"
)

type Config struct {
	Port                      int               `json:"port"`
	LogConfig                 logger.LogConfig  `json:"log_config"`
	Database                  DatabaseConfig    `json:"database"`
	Pool                      PoolConfig        `json:"pool"`
	VectorStore               VectorStoreConfig `json:"vector_store"`
	Embedding                 EmbeddingConfig   `json:"embedding"`
	Generation                GenerationConfig  `json:"generation"`
	Retrieval                 RetrievalConfig   `json:"retrieval"`
	Validation                ValidationConfig  `json:"validation"`
	Admin                     AdminConfig       `json:"admin"`
	Audit                     AuditConfig       `json:"audit"`
	EmbeddingCacheCleanupCron string            `json:"embedding_cache_cleanup_cron"`
	// UsageFlushCron persists per-route request counters. Defaults to every
	// minute; counters are flushed on shutdown as well.
	UsageFlushCron string   `json:"usage_flush_cron"`
	CORSOrigins    []string `json:"cors_origins"`
}

type DatabaseConfig struct {
	DSN                 string `json:"dsn"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	User                string `json:"user"`
	Password            string `json:"password"`
	DBName              string `json:"dbname"`
	SSLMode             string `json:"sslmode"`
	MaxOpenConns        int    `json:"max_open_conns"`
	MaxIdleConns        int    `json:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `json:"conn_max_lifetime_secs"`
	Timeout             int    `json:"timeout"`
}

// PoolConfig bounds concurrent use of the record and vector stores.
type PoolConfig struct {
	RecordStoreSize int  `json:"record_store_size"`
	VectorStoreSize int  `json:"vector_store_size"`
	FailFast        bool `json:"fail_fast"`
}

type VectorStoreConfig struct {
	Type       string      `json:"type"`
	Dimension  int         `json:"dimension"`
	Metric     string      `json:"metric"`
	Timeout    int         `json:"timeout"`
	MaxRetries int         `json:"max_retries"`
	Data       interface{} `json:"data"`
}

type EmbeddingConfig struct {
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	Timeout      int         `json:"timeout"`
	MaxRetries   int         `json:"max_retries"`
	Normalize    bool        `json:"normalize"`
	CacheSize    int         `json:"cache_size"`
	CacheTTLSecs int         `json:"cache_ttl_secs"`
	DBCache      bool        `json:"db_cache"`
	Data         interface{} `json:"data"`
}

type GeneratorConfig struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type GenerationConfig struct {
	Providers     []GeneratorConfig `json:"providers"`
	Timeout       int               `json:"timeout"`
	MaxRetries    int               `json:"max_retries"`
	MaxInputChars int               `json:"max_input_chars"`
	NoContext     string            `json:"no_context"`
}

type RetrievalConfig struct {
	TopK          int `json:"top_k"`
	ContextBudget int `json:"context_budget"`
}

type ValidationConfig struct {
	RulesFile       string                 `json:"rules_file"`
	Rules           []model.ValidationRule `json:"rules"`
	FlaggedOutbound string                 `json:"flagged_outbound"`
	MaxBodyBytes    int                    `json:"max_body_bytes"`
	RateKeyCapacity int                    `json:"rate_key_capacity"`
	// TrustClientKey keys rate rules on the X-Client-Key header, or the
	// forwarded client ip, instead of the peer address. Enable only behind a
	// proxy that sets those headers itself.
	TrustClientKey bool `json:"trust_client_key"`
}

type AdminConfig struct {
	JWTSecret   string `json:"jwt_secret"`
	JWTTTLHours int    `json:"jwt_ttl_hours"`
	KeyHash     string `json:"key_hash"`
}

type AuditConfig struct {
	WriteTimeout int             `json:"write_timeout"`
	VerifyCron   string          `json:"verify_cron"`
	ArchiveCron  string          `json:"archive_cron"`
	ArchiveBatch int             `json:"archive_batch"`
	Archive      FileStoreConfig `json:"archive"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	NoContextDecline = "decline"
	NoContextAnswer  = "answer"

	FlaggedOutboundDeliver  = "deliver"
	FlaggedOutboundWithhold = "withhold"

	MetricCosine       = "cosine"
	MetricInnerProduct = "inner_product"
)

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Validation.RulesFile != "" {
		rules, err := LoadRules(cfg.Validation.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Validation.Rules = append(cfg.Validation.Rules, rules...)
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns / 2
	}
	if cfg.Database.Timeout <= 0 {
		cfg.Database.Timeout = 5
	}
	if cfg.Pool.RecordStoreSize <= 0 {
		cfg.Pool.RecordStoreSize = cfg.Database.MaxOpenConns
	}
	if cfg.Pool.VectorStoreSize <= 0 {
		cfg.Pool.VectorStoreSize = 16
	}

	vs := &cfg.VectorStore
	vs.Type = strings.ToLower(strings.TrimSpace(vs.Type))
	if vs.Type == "" {
		vs.Type = "pgvector"
	}
	if vs.Dimension <= 0 {
		return fmt.Errorf("vector_store.dimension is required")
	}
	switch vs.Metric {
	case "":
		vs.Metric = MetricCosine
	case MetricCosine, MetricInnerProduct:
	default:
		return fmt.Errorf("vector_store.metric must be cosine or inner_product")
	}
	if vs.Timeout <= 0 {
		vs.Timeout = 5
	}

	emb := &cfg.Embedding
	if strings.TrimSpace(emb.Provider) == "" {
		return fmt.Errorf("embedding.provider is required")
	}
	if emb.Timeout <= 0 {
		emb.Timeout = 10
	}
	if emb.CacheTTLSecs <= 0 {
		emb.CacheTTLSecs = 3600
	}

	gen := &cfg.Generation
	if len(gen.Providers) == 0 {
		return fmt.Errorf("generation.providers is required")
	}
	if gen.Timeout <= 0 {
		gen.Timeout = 60
	}
	if gen.MaxInputChars <= 0 {
		gen.MaxInputChars = 32000
	}
	switch gen.NoContext {
	case "":
		gen.NoContext = NoContextDecline
	case NoContextDecline, NoContextAnswer:
	default:
		return fmt.Errorf("generation.no_context must be decline or answer")
	}

	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ContextBudget <= 0 {
		cfg.Retrieval.ContextBudget = 6000
	}
	if cfg.Retrieval.ContextBudget > gen.MaxInputChars {
		return fmt.Errorf("retrieval.context_budget exceeds generation.max_input_chars")
	}

	switch cfg.Validation.FlaggedOutbound {
	case "":
		cfg.Validation.FlaggedOutbound = FlaggedOutboundDeliver
	case FlaggedOutboundDeliver, FlaggedOutboundWithhold:
	default:
		return fmt.Errorf("validation.flagged_outbound must be deliver or withhold")
	}
	if cfg.Validation.MaxBodyBytes <= 0 {
		cfg.Validation.MaxBodyBytes = 1 << 20
	}
	if cfg.Validation.RateKeyCapacity <= 0 {
		cfg.Validation.RateKeyCapacity = 10000
	}

	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is required")
	}
	if cfg.Admin.JWTTTLHours <= 0 {
		cfg.Admin.JWTTTLHours = 12
	}
	if cfg.Audit.WriteTimeout <= 0 {
		cfg.Audit.WriteTimeout = 5
	}
	if cfg.Audit.ArchiveBatch <= 0 {
		cfg.Audit.ArchiveBatch = 500
	}
	if cfg.UsageFlushCron == "" {
		cfg.UsageFlushCron = "* * * * *"
	}
	return nil
}

type rulesFile struct {
	Rules []model.ValidationRule `yaml:"rules"`
}

// LoadRules reads a yaml rule set.
func LoadRules(path string) ([]model.ValidationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	return rf.Rules, nil
}
