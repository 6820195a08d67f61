package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr      string `env:"BRIDGE_ADDR" envDefault:":8071"`
	NodeEnv   string `env:"NODE_ENV" envDefault:"development"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	TLSCertFile       string `env:"BRIDGE_TLS_CERT_FILE"`
	TLSKeyFile        string `env:"BRIDGE_TLS_KEY_FILE"`
	TLSClientCAFile   string `env:"BRIDGE_TLS_CLIENT_CA_FILE"`
	RequireClientCert bool   `env:"BRIDGE_REQUIRE_MTLS" envDefault:"false"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"BRIDGE_DATABASE_URL"`

	SignerKeyB64 string `env:"BRIDGE_SIGNER_KEY_B64"`
	SignerID     string `env:"BRIDGE_SIGNER_ID" envDefault:"asset-bridge-dev"`
	KMSEndpoint  string `env:"BRIDGE_KMS_ENDPOINT"`

	JWTSecret        string `env:"BRIDGE_JWT_HS256_SECRET"`
	JWTPublicKeyFile string `env:"BRIDGE_JWT_PUBLIC_KEY_FILE"`
	JWTIssuer        string `env:"BRIDGE_JWT_ISSUER"`
	JWTAudience      string `env:"BRIDGE_JWT_AUDIENCE" envDefault:"asset-bridge"`
	AllowDebugToken  bool   `env:"BRIDGE_ALLOW_DEBUG_TOKEN" envDefault:"false"`
	DebugToken       string `env:"BRIDGE_DEBUG_TOKEN"`

	OracleURL           string        `env:"ORACLE_URL"`
	OracleAPIKey        string        `env:"ORACLE_API_KEY"`
	OracleTimeout       time.Duration `env:"ORACLE_TIMEOUT" envDefault:"5s"`
	OracleRetries       int           `env:"ORACLE_RETRIES" envDefault:"1"`
	OracleRateLimit     float64       `env:"ORACLE_RATE_LIMIT" envDefault:"20"`
	OracleBurst         int           `env:"ORACLE_BURST" envDefault:"5"`
	OracleStaleAfter    time.Duration `env:"ORACLE_STALE_AFTER" envDefault:"6h"`
	OracleUnknownPolicy string        `env:"ORACLE_UNKNOWN_STATUS_POLICY" envDefault:"default"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RunPoller       bool          `env:"BRIDGE_RUN_POLLER" envDefault:"false"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1m"`
	PollConcurrency int           `env:"POLL_CONCURRENCY" envDefault:"8"`
	PollBatch       int           `env:"POLL_BATCH" envDefault:"100"`

	LedgerURL            string        `env:"LEDGER_URL"`
	LedgerAPIKey         string        `env:"LEDGER_API_KEY"`
	LedgerConfirmTimeout time.Duration `env:"LEDGER_CONFIRM_TIMEOUT" envDefault:"2m"`
	LedgerConfirmPoll    time.Duration `env:"LEDGER_CONFIRM_POLL" envDefault:"2s"`
	OutboxBatch          int           `env:"OUTBOX_BATCH" envDefault:"20"`
	OutboxConcurrency    int           `env:"OUTBOX_CONCURRENCY" envDefault:"4"`
	OutboxPollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"3s"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`

	MetadataBucket string `env:"METADATA_S3_BUCKET"`
	MetadataPrefix string `env:"METADATA_S3_PREFIX"`

	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic        string   `env:"AUDIT_KAFKA_TOPIC" envDefault:"asset-bridge.audit"`
	LedgerEventsTopic string   `env:"LEDGER_EVENTS_TOPIC" envDefault:"ledger.events"`
	LedgerEventsGroup string   `env:"LEDGER_EVENTS_GROUP" envDefault:"asset-bridge"`

	AuditDir          string        `env:"AUDIT_DIR" envDefault:"./data/audit"`
	AuditS3Bucket     string        `env:"AUDIT_S3_BUCKET"`
	AuditS3Prefix     string        `env:"AUDIT_S3_PREFIX"`
	StreamBatchSize   int           `env:"STREAM_BATCH_SIZE" envDefault:"10"`
	StreamConcurrency int           `env:"STREAM_CONCURRENCY" envDefault:"5"`
	StreamPoll        time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"3s"`

	RabbitURL        string `env:"RABBITMQ_URL"`
	FrozenFundsQueue string `env:"FROZEN_FUNDS_QUEUE" envDefault:"frozen_funds"`

	SignerPolicy string `env:"DELIVERY_SIGNER_POLICY" envDefault:"signer.active && signer.role in ['notary', 'carrier']"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"asset-bridge"`
}

func (c Config) Production() bool {
	return c.NodeEnv == "production"
}

func (c Config) MemoryStore() bool {
	return strings.EqualFold(c.StoreDriver, "memory")
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = firstNonEmpty(cfg.DatabaseURL, os.Getenv("DATABASE_URL"))

	if !cfg.MemoryStore() && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or BRIDGE_DATABASE_URL required")
	}
	if cfg.KMSEndpoint == "" && cfg.SignerKeyB64 == "" && cfg.Production() {
		return Config{}, fmt.Errorf("BRIDGE_SIGNER_KEY_B64 required when BRIDGE_KMS_ENDPOINT unset")
	}
	if cfg.Production() && cfg.KMSEndpoint == "" {
		return Config{}, fmt.Errorf("BRIDGE_KMS_ENDPOINT required in production")
	}
	if cfg.Production() && cfg.MemoryStore() {
		return Config{}, fmt.Errorf("STORE_DRIVER=memory is forbidden in production")
	}
	if cfg.Production() && cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("BRIDGE_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	if cfg.JWTSecret == "" && cfg.JWTPublicKeyFile == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("BRIDGE_JWT_HS256_SECRET or BRIDGE_JWT_PUBLIC_KEY_FILE required")
	}
	if cfg.RequireClientCert && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("BRIDGE_REQUIRE_MTLS needs BRIDGE_TLS_CERT_FILE and BRIDGE_TLS_KEY_FILE")
	}
	switch cfg.OracleUnknownPolicy {
	case "default", "quarantine":
	default:
		return Config{}, fmt.Errorf("ORACLE_UNKNOWN_STATUS_POLICY must be default or quarantine, got %q", cfg.OracleUnknownPolicy)
	}
	if cfg.OracleTimeout <= 0 {
		return Config{}, fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if cfg.LedgerConfirmTimeout <= 0 {
		return Config{}, fmt.Errorf("LEDGER_CONFIRM_TIMEOUT must be positive")
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
