package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/auth"
	"github.com/ILLUVRSE/AssetBridge/internal/config"
	"github.com/ILLUVRSE/AssetBridge/internal/httpserver"
	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/locks"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/poller"
	"github.com/ILLUVRSE/AssetBridge/internal/revocation"
	"github.com/ILLUVRSE/AssetBridge/internal/settlement"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
	"github.com/ILLUVRSE/AssetBridge/internal/tlsutil"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
	"github.com/ILLUVRSE/AssetBridge/internal/verifier"
)

// bridgeSignerRole marks the engine's own audit key in the signer registry.
// The default delivery policy does not accept it.
const bridgeSignerRole = "bridge"

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

// enforceProdGuardrails refuses in-memory stand-ins for external systems in
// production.
func enforceProdGuardrails(cfg config.Config, logger *slog.Logger) {
	if !cfg.Production() {
		return
	}
	required := map[string]string{
		"LEDGER_URL":         cfg.LedgerURL,
		"ORACLE_URL":         cfg.OracleURL,
		"RABBITMQ_URL":       cfg.RabbitURL,
		"METADATA_S3_BUCKET": cfg.MetadataBucket,
	}
	for name, v := range required {
		if v == "" {
			fatal(logger, "startup guardrail", errors.New(name+" is required in production"))
		}
	}
	if len(cfg.KafkaBrokers) == 0 {
		fatal(logger, "startup guardrail", errors.New("KAFKA_BROKERS is required in production"))
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "config load", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	enforceProdGuardrails(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mp, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: cfg.OTLPEndpoint, Insecure: cfg.OTLPInsecure, ServiceName: cfg.ServiceName})
	if err != nil {
		fatal(logger, "telemetry setup", err)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		fatal(logger, "metrics", err)
	}

	var (
		st         store.Store
		keyStore   keys.Store
		auditStore audit.Store
		db         *sql.DB
	)
	if cfg.MemoryStore() {
		logger.Warn("using in-memory store; state is lost on restart")
		st = store.NewMemoryStore()
		keyStore = keys.NewMemoryStore()
		fileStore, err := audit.NewFileStore(cfg.AuditDir)
		if err != nil {
			fatal(logger, "audit file store", err)
		}
		auditStore = fileStore
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "db open", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			fatal(logger, "db ping", err)
		}
		if err := store.EnsureSchema(ctx, db); err != nil {
			fatal(logger, "db schema", err)
		}
		st = store.NewPGStore(db)
		if keyStore, err = keys.NewPGStore(ctx, db); err != nil {
			fatal(logger, "signer table", err)
		}
		pgAudit := audit.NewPGStore(db)
		if err := pgAudit.EnsureTable(ctx); err != nil {
			fatal(logger, "audit table", err)
		}
		auditStore = pgAudit
	}

	signer, err := signing.NewSignerFromConfig(cfg)
	if err != nil {
		fatal(logger, "signer init", err)
	}
	registry := keys.NewRegistry(keyStore, time.Minute)
	if pk, ok := signer.(signing.PublicKeyer); ok {
		err := registry.AddSigner(ctx, keys.KeyInfo{
			SignerID:  signer.SignerID(),
			PublicKey: base64.StdEncoding.EncodeToString(pk.PublicKey()),
			Role:      bridgeSignerRole,
			Active:    true,
		})
		if err != nil {
			fatal(logger, "register bridge signer", err)
		}
	}
	recorder := audit.NewRecorder(auditStore, signer, logger)
	shipmentLocks := locks.NewKeyed(256)

	// oracle
	if cfg.OracleURL == "" {
		fatal(logger, "oracle", errors.New("ORACLE_URL is required"))
	}
	source, err := oracle.NewHTTPClient(oracle.HTTPClientConfig{
		BaseURL: cfg.OracleURL,
		APIKey:  cfg.OracleAPIKey,
		Timeout: cfg.OracleTimeout,
		Retries: cfg.OracleRetries,
	})
	if err != nil {
		fatal(logger, "oracle client", err)
	}
	var cache oracle.Cache = oracle.NewMemoryCache()
	if cfg.RedisAddr != "" {
		rdb := oracle.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		cache = oracle.NewRedisCache(rdb, cfg.OracleStaleAfter)
	}
	fetcher := oracle.NewFetcher(source, cache, oracle.FetcherConfig{
		Timeout:    cfg.OracleTimeout,
		StaleAfter: cfg.OracleStaleAfter,
		RateLimit:  rate.Limit(cfg.OracleRateLimit),
		Burst:      cfg.OracleBurst,
	}, logger, metrics)
	engine := tracking.NewEngine(st, shipmentLocks, tracking.UnknownStatusPolicy(cfg.OracleUnknownPolicy), logger, metrics)

	// ledger
	var ledgerClient ledger.Client
	if cfg.LedgerURL != "" {
		ledgerClient, err = ledger.NewHTTPClient(ledger.HTTPClientConfig{
			BaseURL: cfg.LedgerURL,
			APIKey:  cfg.LedgerAPIKey,
			Timeout: 10 * time.Second,
			Retries: 2,
		})
		if err != nil {
			fatal(logger, "ledger client", err)
		}
	} else {
		logger.Warn("LEDGER_URL unset; using in-memory ledger")
		ledgerClient = ledger.NewMemoryLedger()
	}
	var metadata ledger.MetadataStore = ledger.NewMemoryMetadataStore()
	if cfg.MetadataBucket != "" {
		if metadata, err = ledger.NewS3MetadataStore(ctx, cfg.MetadataBucket, cfg.MetadataPrefix); err != nil {
			fatal(logger, "metadata store", err)
		}
	}
	publisher := ledger.NewPublisher(st, ledgerClient, metadata, shipmentLocks, ledger.PublisherConfig{
		ConfirmTimeout: cfg.LedgerConfirmTimeout,
		ConfirmPoll:    cfg.LedgerConfirmPoll,
	}, logger, metrics)
	dispatcher := ledger.NewDispatcher(st, publisher, ledger.DispatcherConfig{
		BatchSize:    cfg.OutboxBatch,
		Concurrency:  cfg.OutboxConcurrency,
		PollInterval: cfg.OutboxPollInterval,
	}, logger)

	// verification and revocation
	policy, err := verifier.NewSignerPolicy(cfg.SignerPolicy)
	if err != nil {
		fatal(logger, "signer policy", err)
	}
	deliveryVerifier, err := verifier.New(verifier.Config{
		Store:    st,
		Keys:     registry,
		Policy:   policy,
		Auditor:  recorder,
		Locks:    shipmentLocks,
		EngineID: signer.SignerID(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		fatal(logger, "verifier", err)
	}

	var notifier settlement.Notifier
	if cfg.RabbitURL != "" {
		rabbit, err := settlement.NewRabbitNotifier(cfg.RabbitURL, cfg.FrozenFundsQueue)
		if err != nil {
			fatal(logger, "rabbitmq", err)
		}
		defer rabbit.Close()
		notifier = rabbit
	} else {
		logger.Warn("RABBITMQ_URL unset; frozen-funds notices stay in memory")
		notifier = settlement.NewMemoryNotifier()
	}
	revoker := revocation.NewManager(revocation.Config{
		Store:     st,
		Publisher: publisher,
		Canceller: engine,
		Auditor:   recorder,
		Notifier:  notifier,
		Logger:    logger,
		Metrics:   metrics,
	})

	// background loops
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop exited", "loop", name, "error", err)
			}
		}()
	}
	run("outbox", dispatcher.Run)
	run("reconciler", revocation.NewReconciler(revoker, cfg.ReconcileInterval, 0, logger).Run)
	if cfg.RunPoller {
		run("poller", poller.New(st, fetcher, engine, poller.Config{
			Interval:    cfg.PollInterval,
			Concurrency: cfg.PollConcurrency,
			Batch:       cfg.PollBatch,
		}, logger).Run)
	}
	if len(cfg.KafkaBrokers) > 0 {
		listener, err := ledger.NewEventListener(ledger.EventListenerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.LedgerEventsTopic,
			GroupID: cfg.LedgerEventsGroup,
		}, revoker.HandleLedgerEvent, logger)
		if err != nil {
			fatal(logger, "ledger event listener", err)
		}
		run("ledger-events", listener.Run)

		if streamStore, ok := auditStore.(audit.StreamStore); ok {
			producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.AuditTopic})
			if err != nil {
				fatal(logger, "audit kafka producer", err)
			}
			var archiver audit.Archiver
			if cfg.AuditS3Bucket != "" {
				if archiver, err = audit.NewS3Archiver(ctx, cfg.AuditS3Bucket, cfg.AuditS3Prefix); err != nil {
					fatal(logger, "audit archiver", err)
				}
			}
			run("audit-streamer", audit.NewStreamer(streamStore, producer, archiver, audit.StreamerConfig{
				BatchSize:      cfg.StreamBatchSize,
				PollInterval:   cfg.StreamPoll,
				MaxConcurrency: cfg.StreamConcurrency,
			}, logger).Run)
		}
	}

	validator, err := newValidator(cfg)
	if err != nil {
		fatal(logger, "auth", err)
	}
	server := httpserver.New(httpserver.Deps{
		Store:    st,
		Fetcher:  fetcher,
		Engine:   engine,
		Minter:   publisher,
		Verifier: deliveryVerifier,
		Revoker:  revoker,
		Signers:  registry,
		Audit:    auditStore,
		Auth:     validator,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsCfg := tlsutil.Config{
		CertFile:          cfg.TLSCertFile,
		KeyFile:           cfg.TLSKeyFile,
		ClientCAFile:      cfg.TLSClientCAFile,
		RequireClientCert: cfg.RequireClientCert,
	}
	if tlsCfg.Enabled() {
		if httpServer.TLSConfig, err = tlsutil.ServerConfig(tlsCfg); err != nil {
			fatal(logger, "tls config", err)
		}
	}
	go func() {
		logger.Info("asset bridge listening", "addr", cfg.Addr, "env", cfg.NodeEnv, "tls", tlsCfg.Enabled(), "signer", signer.SignerID())
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err)
		}
	}()

	waitForShutdown(cancel, httpServer, logger)
	wg.Wait()
}

func newValidator(cfg config.Config) (*auth.Validator, error) {
	vc := auth.ValidatorConfig{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}
	if cfg.JWTSecret != "" {
		vc.HMACSecret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeyFile != "" {
		key, err := auth.LoadRSAPublicKey(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, err
		}
		vc.RSAPublicKey = key
	}
	if cfg.AllowDebugToken {
		vc.DebugToken = cfg.DebugToken
	}
	return auth.NewValidator(vc)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
