package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joao-fontenele/shopflow/internal/messaging"
	"github.com/joao-fontenele/shopflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := os.Getenv("EMAIL_SERVICE_URL")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	brokers := strings.Split(kafkaBrokers, ",")

	createdConsumer := messaging.NewConsumer(brokers, "order.created", "notification-worker")
	defer func() { _ = createdConsumer.Close() }()

	paidConsumer := messaging.NewConsumer(brokers, "order.paid", "notification-worker")
	defer func() { _ = paidConsumer.Close() }()

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	handler := worker.NewNotificationHandler(emailServiceURL, httpClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting notification worker", "brokers", brokers)

	var wg sync.WaitGroup
	run := func(c *messaging.Consumer, handle messaging.HandlerFunc, topic string) {
		defer wg.Done()
		if err := c.Consume(ctx, handle); err != nil {
			if ctx.Err() == context.Canceled {
				logger.Info("consumer stopped", "topic", topic)
				return
			}
			logger.Error("consumer error", "error", err, "topic", topic)
			cancel()
		}
	}

	wg.Add(2)
	go run(createdConsumer, handler.HandleOrderCreated, "order.created")
	go run(paidConsumer, handler.HandleOrderPaid, "order.paid")
	wg.Wait()
}
