package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/cart"
	"github.com/joao-fontenele/shopflow/internal/catalog"
	"github.com/joao-fontenele/shopflow/internal/identity"
	"github.com/joao-fontenele/shopflow/internal/inventory"
	"github.com/joao-fontenele/shopflow/internal/messaging"
	"github.com/joao-fontenele/shopflow/internal/orders"
	"github.com/joao-fontenele/shopflow/internal/payments"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	metricsHandler, shutdownTelemetry, err := telemetry.Init(ctx, "shopflow-api", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var createdProducer, paidProducer *messaging.Producer
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		createdProducer = messaging.NewProducer(brokers, "order.created")
		defer func() { _ = createdProducer.Close() }()
		paidProducer = messaging.NewProducer(brokers, "order.paid")
		defer func() { _ = paidProducer.Close() }()
	}

	sink := audit.NewSink()
	ledger := inventory.NewLedger()
	carts := cart.NewRepository(db)
	products := catalog.NewProductRepository(db)

	orderService := orders.NewService(db, carts, ledger, sink, logger)
	paymentService := payments.NewService(db, sink, logger)

	catalogHandler := catalog.NewHandler(products, sink, logger)
	cartHandler := cart.NewHandler(carts, sink, logger)
	orderHandler := orders.NewHandler(orderService, createdProducer, logger)
	paymentHandler := payments.NewHandler(paymentService, paidProducer, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(catalogHandler.HandleList))
	mux.HandleFunc("GET /products/{id}", telemetry.WithHTTPRoute(catalogHandler.HandleGet))
	mux.HandleFunc("GET /cart", telemetry.WithHTTPRoute(cartHandler.HandleGet))
	mux.HandleFunc("POST /cart/items", telemetry.WithHTTPRoute(cartHandler.HandleAdd))
	mux.HandleFunc("PUT /cart/items/{productId}", telemetry.WithHTTPRoute(cartHandler.HandleUpdate))
	mux.HandleFunc("DELETE /cart/items/{productId}", telemetry.WithHTTPRoute(cartHandler.HandleRemove))
	mux.HandleFunc("DELETE /cart", telemetry.WithHTTPRoute(cartHandler.HandleClear))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(orderHandler.HandleCreate))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(orderHandler.HandleCancel))
	mux.HandleFunc("GET /orders/{id}/payments", telemetry.WithHTTPRoute(paymentHandler.HandleListForOrder))
	mux.HandleFunc("POST /payments", telemetry.WithHTTPRoute(paymentHandler.HandleCreate))
	mux.HandleFunc("GET /payments/history", telemetry.WithHTTPRoute(paymentHandler.HandleHistory))
	mux.HandleFunc("GET /payments/verify/{paymentId}", telemetry.WithHTTPRoute(paymentHandler.HandleVerify))

	root := http.NewServeMux()
	root.Handle("/metrics", metricsHandler)
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	root.Handle("/", identity.Middleware(mux))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(root, "shopflow-api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting api service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
