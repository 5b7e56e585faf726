package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"lipa_engine/internal/handlers"
	"lipa_engine/internal/middleware"
	"lipa_engine/internal/providers"
	"lipa_engine/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Firebase
	credPath := os.Getenv("FIREBASE_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = "./firebase-service-account.json"
	}

	authClient, err := services.InitFirebase(credPath)
	if err != nil {
		log.Printf("Warning: Firebase initialization failed: %v", err)
		log.Println("Operator API auth will not work until valid credentials are provided")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize Redis
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	cache, err := services.NewRedisCache(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer cache.Close()

	// Provider adapters
	registry := providers.NewRegistry()
	registry.Register(providers.NewMpesaAdapter())
	registry.Register(providers.NewAirtelAdapter())
	registry.Register(providers.NewMidtransAdapter())

	// Services
	notifier := services.NewHTTPNotifier()
	ledger := services.NewGormLedger(db)
	idem := services.NewRedisGormIdempotency(db, cache)
	payments := services.NewPaymentService(services.NewGormIntentStore(db), ledger, idem, registry, notifier)
	subscriptions := services.NewSubscriptionService(services.NewGormSubscriptionStore(db), payments, notifier)
	reconciliation := services.NewReconciliationService(services.NewGormReconStore(db), ledger, registry)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.CustomErrorHandler

	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())

	// Handlers
	paymentHandler := handlers.NewPaymentHandler(payments)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptions)
	webhookHandler := handlers.NewWebhookHandler(payments)
	ledgerHandler := handlers.NewLedgerHandler(ledger, reconciliation)

	// Provider callbacks are authenticated by payload validation and
	// idempotency, not by bearer tokens
	e.POST("/webhooks/:provider", webhookHandler.HandleCallback)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Operator API
	api := e.Group("/api")
	api.Use(middleware.RequireAuth(authClient))
	api.Use(middleware.RequireTenant)

	api.POST("/intents", paymentHandler.CreateIntent)
	api.GET("/intents/:uuid", paymentHandler.GetIntent)
	api.POST("/intents/:uuid/initiate", paymentHandler.InitiateIntent)
	api.POST("/intents/:uuid/cancel", paymentHandler.CancelIntent)
	api.POST("/intents/:uuid/reverse", paymentHandler.ReverseIntent)

	api.POST("/subscriptions", subscriptionHandler.CreateSubscription)
	api.GET("/subscriptions/:uuid", subscriptionHandler.GetSubscription)
	api.POST("/subscriptions/:uuid/cancel", subscriptionHandler.CancelSubscription)

	api.GET("/ledger/entries", ledgerHandler.ListEntries)
	api.GET("/ledger/accounts/:account/balance", ledgerHandler.AccountBalance)
	api.GET("/reconciliation", ledgerHandler.ListFindings)
	api.POST("/reconciliation/:id/resolve", ledgerHandler.ResolveFinding)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	e.Logger.Fatal(e.Start(":" + port))
}
