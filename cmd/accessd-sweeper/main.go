// accessd-sweeper runs the engine's background jobs on a schedule: expiring
// past-due invitations and reconciling memberships against legacy resource
// ownership. It shares the engine's database but runs as its own process so
// API latency never pays for sweep work.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/propwise/accessd/pkg/backfill"
	"github.com/propwise/accessd/pkg/invitations"
	"github.com/propwise/accessd/pkg/membership"
)

var (
	dbURL             = flag.String("db-url", getEnv("ACCESSD_POSTGRES_URL", "postgres://localhost/accessd?sslmode=disable"), "PostgreSQL connection URL")
	expireSchedule    = flag.String("expire-schedule", getEnv("ACCESSD_SWEEP_EXPIRE_SCHEDULE", "*/10 * * * *"), "Cron schedule for the invitation expiry sweep")
	reconcileSchedule = flag.String("reconcile-schedule", getEnv("ACCESSD_SWEEP_RECONCILE_SCHEDULE", "30 3 * * *"), "Cron schedule for legacy-owner reconciliation")
	logLevel          = flag.String("log-level", getEnv("ACCESSD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	runOnce           = flag.Bool("run-once", false, "Run both sweeps once and exit")
	jobTimeout        = flag.Duration("job-timeout", 10*time.Minute, "Timeout applied to each sweep run")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	// The sweeper grants as a system principal, so its store handle stays
	// unauthorized and its invitation manager carries no authorizer.
	store := membership.NewStore(db)
	invManager := invitations.NewManager(db, invitations.ManagerConfig{})
	reconciler := backfill.NewReconciler(db, store, backfill.ReconcilerConfig{})

	if *runOnce {
		if err := expireInvitations(invManager, logger, *jobTimeout); err != nil {
			logger.WithError(err).Fatal("Invitation expiry sweep failed")
		}
		if err := reconcileOwnership(reconciler, logger, *jobTimeout); err != nil {
			logger.WithError(err).Fatal("Ownership reconciliation failed")
		}
		logger.Info("Sweeps completed successfully")
		return
	}

	c := cron.New()

	_, err = c.AddFunc(*expireSchedule, func() {
		if err := expireInvitations(invManager, logger, *jobTimeout); err != nil {
			logger.WithError(err).Error("Invitation expiry sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule invitation expiry sweep")
	}

	_, err = c.AddFunc(*reconcileSchedule, func() {
		if err := reconcileOwnership(reconciler, logger, *jobTimeout); err != nil {
			logger.WithError(err).Error("Ownership reconciliation failed")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule ownership reconciliation")
	}

	c.Start()
	logger.Info("Accessd sweeper started")
	logger.Infof("Invitation expiry schedule: %s", *expireSchedule)
	logger.Infof("Ownership reconciliation schedule: %s", *reconcileSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	logger.Info("Sweeper stopped")
}

func expireInvitations(m *invitations.Manager, logger *logrus.Logger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	expired, err := m.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		logger.WithField("expired", expired).Info("Expired past-due invitations")
	} else {
		logger.Debug("No past-due invitations")
	}
	return nil
}

func reconcileOwnership(r *backfill.Reconciler, logger *logrus.Logger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := r.Reconcile(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"consistent":  result.Consistent,
		"backfilled":  result.Backfilled,
		"conflicting": result.Conflicting,
	}).Info("Ownership reconciliation completed")
	return nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
