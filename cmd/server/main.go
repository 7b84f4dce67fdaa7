/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the school ledger server. Handles configuration,
  dependency injection, the billing scheduler and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + SFE_ environment variables)
  2. Initialize SQLite store
  3. Wire ledger, scholarships, billing generator, fiscal engine, matcher
  4. Optionally load demo data
  5. Start the billing cron scheduler when configured
  6. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the cron scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the database connection

EXAMPLES:
  # Run with defaults (ledger.db, port 8080)
  ./server

  # Run against a config file
  ./server -config ./ledger.yaml

  # In-memory database with demo data
  SFE_DB_PATH=":memory:" SFE_SEED_ENABLED=true ./server

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cedro/school-ledger/api"
	"github.com/cedro/school-ledger/billing"
	"github.com/cedro/school-ledger/config"
	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/fiscal"
	"github.com/cedro/school-ledger/notify"
	"github.com/cedro/school-ledger/recon"
	"github.com/cedro/school-ledger/seed"
	"github.com/cedro/school-ledger/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Domain wiring. The store doubles as the stamped-document checker the
	// ledger consults before cancelling a charge.
	ledger := finance.NewLedger(store, finance.LedgerConfig{
		ChargeFolioPrefix: cfg.Folio.ChargePrefix,
	}, store, log)
	scholarships := finance.NewScholarships(store)
	statements := finance.NewStatementBuilder(store)
	generator := billing.NewGenerator(store, ledger, scholarships, log)
	engine := fiscal.NewEngine(store, store, store, &fiscal.SimulatedPAC{}, fiscal.Config{
		FolioPrefix: cfg.Folio.FiscalPrefix,
		MaxRetries:  cfg.Fiscal.MaxRetries,
	}, log)
	matcher, err := recon.NewMatcher(cfg.Recon.ReferencePattern, store, ledger, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build reconciliation matcher")
	}

	var notifier notify.Sender = notify.NopSender{}
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From,
			cfg.SMTP.Username, cfg.SMTP.Password, log)
	}

	if cfg.Seed.Enabled {
		if err := seed.Load(context.Background(), store, scholarships, log); err != nil {
			log.WithError(err).Fatal("failed to load demo data")
		}
	}

	// Billing scheduler: generate this month's recurring charges on the
	// configured schedule. Re-runs are idempotent, a missed tick is
	// recovered by the next one or a manual POST /api/billing/generate.
	scheduler := cron.New()
	if cfg.Billing.Cron != "" && cfg.Billing.CycleID != "" {
		_, err := scheduler.AddFunc(cfg.Billing.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			now := time.Now()
			summary, err := generator.GenerateMonthly(ctx,
				finance.CycleID(cfg.Billing.CycleID), now.Year(), now.Month())
			if err != nil {
				log.WithError(err).Error("scheduled generation failed")
				return
			}
			log.WithFields(logrus.Fields{
				"created": summary.Created,
				"skipped": summary.Skipped,
				"errors":  len(summary.Errors),
			}).Info("scheduled generation finished")
		})
		if err != nil {
			log.WithError(err).Fatal("invalid billing cron expression")
		}
		scheduler.Start()
	}

	handler := &api.Handler{
		Store:        store,
		Ledger:       ledger,
		Scholarships: scholarships,
		Statements:   statements,
		Generator:    generator,
		Engine:       engine,
		Matcher:      matcher,
		Notifier:     notifier,
		Log:          log,
	}
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server stopped")
}
