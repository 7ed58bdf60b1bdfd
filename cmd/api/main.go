package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"namcportal/arcgis"
	"namcportal/auth"
	"namcportal/config"
	"namcportal/db"
	"namcportal/dispute"
	"namcportal/escrow"
	"namcportal/member"
	"namcportal/ocr"
	"namcportal/outbox"
	"namcportal/payments"
	"namcportal/project"
	"namcportal/report"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.LogLevel)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	pool, err := db.NewPool(sigCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	if err := db.RunMigrations(sigCtx, pool, cfg.MigrationsDir); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	redisClient, err := config.NewRedis(sigCtx, cfg.RedisAddr)
	if err != nil {
		logger.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	outboxStore := outbox.NewStore(pool)

	// Processor selection: simulated for local development, Stripe when
	// credentials exist, none otherwise. Without one, funding requests fail
	// with a clear error while the rest of the portal keeps working.
	var processor escrow.Processor
	switch {
	case cfg.SimulatePayments:
		processor = payments.SimulatedProcessor{}
	case cfg.StripeSecretKey != "":
		stripeClient, err := payments.NewClient(cfg.StripeSecretKey)
		if err != nil {
			logger.Fatalf("configure stripe: %v", err)
		}
		processor = stripeClient
	default:
		logger.Warn("no payment processor configured; escrow funding disabled")
	}

	escrowRepo := escrow.NewRepository()
	escrowService := escrow.NewService(pool, escrowRepo, processor).
		WithSimulatedFunding(cfg.SimulatePayments)
	milestoneService := escrow.NewMilestoneService(pool, escrowRepo)
	taskService := escrow.NewTaskService(pool, escrowRepo)
	if cfg.OCRAPIKey != "" {
		ocrClient, err := ocr.NewClient(cfg.OCRAPIKey)
		if err != nil {
			logger.Fatalf("configure ocr: %v", err)
		}
		taskService = taskService.WithOCR(ocrClient)
	}
	escrowQueries := escrow.NewQueries(pool)

	var geocoder member.Geocoder
	if cfg.ArcGISAPIKey != "" {
		arcgisClient, err := arcgis.NewClient(cfg.ArcGISAPIKey)
		if err != nil {
			logger.Fatalf("configure arcgis: %v", err)
		}
		geocoder = arcgisClient
	}

	server := &Server{
		authService:    auth.NewService(auth.NewRepository(pool), auth.NewRedisSessionStore(redisClient), cfg.JWTSecret, cfg.SessionTTL),
		memberService:  member.NewService(member.NewRepository(pool), geocoder, outboxStore),
		projectService: project.NewService(pool, project.NewRepository(pool), outboxStore),
		matchService: project.NewMatchService(project.NewMatchRepository(pool)).
			WithEscrowRepository(escrowRepo).
			WithOutbox(outboxStore),
		escrowService:    escrowService,
		milestoneService: milestoneService,
		taskService:      taskService,
		escrowQueries:    escrowQueries,
		disputeService:   dispute.NewService(pool, dispute.NewRepository(), escrowRepo),
		disputeQueries:   dispute.NewQueries(pool),
		reportService:    report.NewService(escrowQueries),

		pool:          pool,
		cookieName:    cfg.SessionCookie,
		sessionTTL:    cfg.SessionTTL,
		webhookSecret: cfg.StripeWebhookSecret,
		logger:        logger,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Infof("api listening on %s", cfg.HTTPAddr)
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}
}
