package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rosfleet.sh/internal/approval"
	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/authz"
	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/health"
	"rosfleet.sh/internal/job"
	"rosfleet.sh/internal/migrations"
	"rosfleet.sh/internal/notify"
	"rosfleet.sh/internal/plan"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rollout"
	"rosfleet.sh/internal/secrets"
	"rosfleet.sh/internal/server"
	"rosfleet.sh/internal/snapshot"
	"rosfleet.sh/internal/tools"
	"rosfleet.sh/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rosfleetd control plane",
	Long: `Start the control plane: database migrations, health polling,
snapshot sweeps and the admin HTTP server.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Starting rosfleetd",
		"version", buildVersion, "environment", cfg.Environment, "listen", cfg.ListenAddr)

	db, err := database.New(database.DefaultConfig(cfg.DatabaseDSN))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, dirty, err := migrations.MigrateUp(db.DB)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Migrations applied", "version", version, "dirty", dirty)

	devices := repository.NewDeviceRepository(db)
	credentials := repository.NewCredentialRepository(db)
	plans := repository.NewPlanRepository(db)
	jobs := repository.NewJobRepository(db)
	snapshots := repository.NewSnapshotRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	approvals := repository.NewApprovalRepository(db)

	auditSvc := audit.NewService(auditRepo)

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialise secrets cipher: %w", err)
	}
	broker := transport.NewBroker(credentials, devices, cipher, cfg)

	sessions, err := authz.NewSessionManager(&authz.SessionConfig{
		SigningKey: []byte(cfg.SessionSigningKey),
		TTL:        cfg.SessionTTL,
	})
	if err != nil {
		return err
	}
	gate := authz.NewGate(authz.DefaultRegistry(), cfg, auditSvc)

	snapshotSvc := snapshot.NewService(snapshots, devices, broker, cfg, auditSvc)
	healthSvc := health.NewService(devices, broker, cfg.SnapshotConcurrency)

	signer, err := plan.NewTokenSigner([]byte(cfg.SessionSigningKey))
	if err != nil {
		return err
	}
	planSvc := plan.NewService(plans, devices, signer, auditSvc)
	jobSvc := job.NewService(jobs)
	rolloutExec := rollout.NewExecutor(planSvc, plans, jobSvc, healthSvc)

	sink := notify.NewSink(notifyBackends()...)
	approvalSvc := approval.NewService(approvals, plans, auditSvc, sink)

	changes := tools.NewScriptChangeService(devices, broker)
	toolHandler := tools.NewHandler(sessions, gate, devices, planSvc, rolloutExec,
		jobSvc, healthSvc, snapshotSvc, approvalSvc, auditSvc, broker, changes)

	srv := server.New(cfg.ListenAddr, db, devices, plans, auditSvc, toolHandler)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	scheduler := health.NewScheduler(healthSvc, devices)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health scheduler: %w", err)
	}
	defer scheduler.Stop()

	var sweeper *snapshot.Sweeper
	if cfg.SnapshotCaptureEnabled {
		sweeper = snapshot.NewSweeper(snapshotSvc, devices, cfg.SnapshotCaptureInterval, cfg.SnapshotConcurrency)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case s := <-sig:
		slog.Info("Received signal", "signal", s)
	}

	slog.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// notifyBackends builds the configured notification backends. With none
// configured the sink only logs.
func notifyBackends() []notify.Backend {
	var backends []notify.Backend
	if url := viper.GetString("webhook_url"); url != "" {
		backends = append(backends, notify.NewWebhookBackend(url, viper.GetString("webhook_secret"), 0))
	}
	if addr := viper.GetString("smtp_addr"); addr != "" {
		backends = append(backends,
			notify.NewEmailBackend(addr, viper.GetString("smtp_from"), viper.GetStringSlice("smtp_to"), nil))
	}
	return backends
}
