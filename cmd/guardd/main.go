package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/groupguard/groupguard/internal/actuator"
	"github.com/groupguard/groupguard/internal/admission"
	"github.com/groupguard/groupguard/internal/ban"
	"github.com/groupguard/groupguard/internal/classify"
	"github.com/groupguard/groupguard/internal/config"
	"github.com/groupguard/groupguard/internal/enforce"
	"github.com/groupguard/groupguard/internal/engine"
	"github.com/groupguard/groupguard/internal/extract"
	"github.com/groupguard/groupguard/internal/ingress"
	"github.com/groupguard/groupguard/internal/messaging"
	"github.com/groupguard/groupguard/internal/metrics"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/rules"
)

func main() {
	log.Println("Starting groupguard moderation daemon...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// PostgreSQL setup.
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	cancel()
	if err := runMigrations(cfg.Postgres.MigrationsDir, cfg.Postgres.URL); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.MaxReconnects = cfg.NATS.MaxReconnects
	natsConfig.Name = "groupguard-guardd"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Telegram setup.
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}

	ruleStore := rules.NewPostgresStore(db)
	limiter := ratelimit.NewLimiter(rdb)

	table := admission.NewTable(admission.NewRedisStore(rdb))
	table.SetReapAfter(time.Duration(cfg.Admission.ReapAfterMinutes) * time.Minute)
	table.StartReaper()

	act := actuator.NewTelegram(api)
	dispatcher := enforce.NewDispatcher(act, cfg.Telegram.NotifyTargets, limiter, natsClient)

	opts := engine.Options{
		Rules:      ruleStore,
		Table:      table,
		Dispatcher: dispatcher,
		Actuator:   act,
		Limiter:    limiter,
		Strikes:    ban.NewStore(rdb),
		Events:     natsClient,
	}
	if cfg.Classifier.Enabled {
		opts.Classifier = classify.NewOpenRouter(
			cfg.Classifier.APIKey, cfg.Classifier.BaseURL,
			cfg.Classifier.Model, cfg.Classifier.Threshold,
		)
		log.Printf("classifier enabled, model %s", cfg.Classifier.Model)
	}
	if cfg.OCR.Enabled {
		tess := extract.NewTesseract(cfg.OCR.Languages, cfg.OCR.MaxConcurrency)
		if !tess.Available() {
			log.Fatalf("ocr.enabled is set but tesseract is not on PATH")
		}
		cached, err := extract.NewCached(tess, cfg.OCR.CacheSize)
		if err != nil {
			log.Fatalf("ocr cache: %v", err)
		}
		opts.Extractor = cached
		log.Printf("ocr enabled, languages %s", cfg.OCR.Languages)
	}
	eng := engine.New(opts)

	bot := ingress.NewBot(api, eng, ruleStore, cfg.Telegram.PollingTimeout, cfg.OCR.Enabled)

	// Metrics endpoint.
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
	go func() {
		log.Printf("metrics listening on %s", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("groupguard running as @%s", api.Self.UserName)
	log.Printf("  postgres:  %s", cfg.Postgres.URL)
	log.Printf("  redis:     %s", cfg.Redis.Addr)
	log.Printf("  nats:      %s", cfg.NATS.URL)

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("bot stopped: %v", err)
	}
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown: %v", err)
	}
	table.Close()
	natsClient.Close()
	rdb.Close()
	db.Close()
	os.Exit(0)
}

// runMigrations applies pending schema migrations. A database already
// at the latest version is not an error.
func runMigrations(dir, databaseURL string) error {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
