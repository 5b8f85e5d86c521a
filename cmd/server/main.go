package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/safee-analytics/be-approvals/internal/client"
	"github.com/safee-analytics/be-approvals/internal/config"
	"github.com/safee-analytics/be-approvals/internal/crypto/fileenc"
	"github.com/safee-analytics/be-approvals/internal/crypto/keymanager"
	"github.com/safee-analytics/be-approvals/internal/database"
	"github.com/safee-analytics/be-approvals/internal/handler"
	"github.com/safee-analytics/be-approvals/internal/logger"
	"github.com/safee-analytics/be-approvals/internal/middleware"
	"github.com/safee-analytics/be-approvals/internal/repository"
	"github.com/safee-analytics/be-approvals/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting approvals service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional; notifications degrade to no-ops without it)
	var natsClient *client.NATSClient
	if cfg.NATS.Enabled {
		natsClient, err = client.NewNATSClient(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable; notifications disabled")
		} else {
			defer natsClient.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(natsClient, log)

	// Initialize identity client
	identityURL := getEnv("IDENTITY_HTTP_URL", "http://localhost:8081")
	identityClient := client.NewIdentityHTTPClient(identityURL)

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(db)
	rulesRepo := repository.NewRulesRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	keyRepo := repository.NewEncryptionKeyRepository(db)
	fileMetaRepo := repository.NewFileMetadataRepository(db)

	// Initialize services
	resolver := workflow.NewRuleResolver(rulesRepo, log)
	engine := workflow.NewEngine(resolver, workflowRepo, requestRepo, auditRepo, identityClient, notifier, log)
	keyManager := keymanager.NewManager(keyRepo, keymanager.Params{
		Iterations: cfg.Encryption.PBKDF2Iterations,
		KeyLength:  cfg.Encryption.KeyLength,
	}, log)
	fileService := fileenc.NewService(fileMetaRepo, keyManager, cfg.Encryption.ChunkSize, log)

	// Setup HTTP routes
	approvalHandler := handler.NewApprovalHandler(engine, workflowRepo, rulesRepo, auditRepo, log)
	encryptionHandler := handler.NewEncryptionHandler(keyManager, fileService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/submit", requirePost(approvalHandler.SubmitForApproval))
	mux.HandleFunc("/api/v1/approvals/approve", requirePost(approvalHandler.ApproveStep))
	mux.HandleFunc("/api/v1/approvals/reject", requirePost(approvalHandler.RejectStep))
	mux.HandleFunc("/api/v1/approvals/delegate", requirePost(approvalHandler.DelegateStep))
	mux.HandleFunc("/api/v1/approvals/cancel", requirePost(approvalHandler.CancelRequest))
	mux.HandleFunc("/api/v1/approvals/get", approvalHandler.GetRequest)
	mux.HandleFunc("/api/v1/approvals/pending", approvalHandler.GetPendingApprovals)
	mux.HandleFunc("/api/v1/approvals/history", approvalHandler.GetHistory)

	// Configuration routes
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			approvalHandler.ListWorkflows(w, r)
		case http.MethodPost:
			approvalHandler.CreateWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			approvalHandler.ListRules(w, r)
		case http.MethodPost:
			approvalHandler.CreateRule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/workflows/activate", requirePost(approvalHandler.SetWorkflowActive))
	mux.HandleFunc("/api/v1/rules/update", requirePost(approvalHandler.UpdateRule))
	mux.HandleFunc("/api/v1/rules/delete", requirePost(approvalHandler.DeleteRule))

	// Encryption routes
	mux.HandleFunc("/api/v1/encryption/enable", requirePost(encryptionHandler.Enable))
	mux.HandleFunc("/api/v1/encryption/rotate", requirePost(encryptionHandler.Rotate))
	mux.HandleFunc("/api/v1/encryption/status", encryptionHandler.Status)

	// Internal routes (document service only; not exposed at the gateway)
	mux.HandleFunc("/internal/v1/files/encrypt", requirePost(encryptionHandler.EncryptFile))
	mux.HandleFunc("/internal/v1/files/decrypt", requirePost(encryptionHandler.DecryptFile))
	mux.HandleFunc("/internal/v1/files", encryptionHandler.FilesByKeyVersion)

	// Apply middleware; RequestID outermost so the logger sees the ID.
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)
	h = middleware.Recovery(log)(h)
	h = middleware.Logger(log)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// requirePost rejects non-POST methods before the handler runs.
func requirePost(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
