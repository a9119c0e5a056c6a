package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/api"
	"github.com/mintapply/backend/internal/auth"
	"github.com/mintapply/backend/internal/config"
	"github.com/mintapply/backend/internal/llm"
	"github.com/mintapply/backend/internal/service"
	"github.com/mintapply/backend/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ledgerStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer ledgerStore.Close()

	completer, err := llm.NewClient(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAITimeout)
	if err != nil {
		logger.Fatal("unable to build generation client", zap.Error(err))
	}

	// Initialize Layers
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	ledger := service.NewLedgerService(ledgerStore, issuer, logger)
	generator := service.NewGeneratorService(ledgerStore, completer, logger)
	settlement := service.NewSettlementService(ledgerStore, logger)
	handler := api.NewHandler(ledger, generator, settlement, logger, cfg.StripeWebhookSecret, cfg.CheckoutURL)

	// Router
	r := mux.NewRouter()
	r.Use(api.CORSMiddleware(cfg.AllowedOrigin))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/checkout", handler.CheckoutHandler).Methods("GET")
	r.HandleFunc("/stripe/webhook", handler.StripeWebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/auth/register", handler.RegisterHandler).Methods("POST")
	apiV1.HandleFunc("/auth/login", handler.LoginHandler).Methods("POST")

	protected := apiV1.NewRoute().Subrouter()
	protected.Use(auth.Middleware(issuer))
	protected.HandleFunc("/balance", handler.BalanceHandler).Methods("GET")
	protected.HandleFunc("/redeem", handler.RedeemHandler).Methods("POST")
	protected.HandleFunc("/generate", handler.GenerateHandler).Methods("POST")

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.StoreBackend),
		zap.String("env", cfg.Env))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func openStore(cfg *config.Config) (store.LedgerStore, error) {
	if cfg.StoreBackend == config.BackendPostgres {
		return store.NewPostgresStore(cfg.DBSource)
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}
