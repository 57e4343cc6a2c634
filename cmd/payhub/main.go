package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/payhub/internal/auth"
	"github.com/terminal-bench/payhub/internal/balance"
	balancepg "github.com/terminal-bench/payhub/internal/balance/postgres"
	"github.com/terminal-bench/payhub/internal/engine"
	"github.com/terminal-bench/payhub/internal/gateway"
	"github.com/terminal-bench/payhub/internal/metrics"
	"github.com/terminal-bench/payhub/internal/token"
	"github.com/terminal-bench/payhub/pkg/messaging"
)

type config struct {
	Port          string
	NATSUrl       string
	DatabaseURL   string
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string
	JWTSecret     string
	EngineAddress string
	AdminAddress  string
	PayoutAddress string
}

func loadConfig() config {
	return config{
		Port:          getEnv("PORT", "8080"),
		NATSUrl:       getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		InfluxURL:     os.Getenv("INFLUXDB_URL"),
		InfluxToken:   os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:     getEnv("INFLUXDB_ORG", "payhub"),
		InfluxBucket:  getEnv("INFLUXDB_BUCKET", "payments"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		EngineAddress: getEnv("ENGINE_ADDRESS", "payhub-custody"),
		AdminAddress:  getEnv("ADMIN_ADDRESS", "payhub-admin"),
		PayoutAddress: getEnv("PAYOUT_ADDRESS", "payhub-company"),
	}
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "payhub",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	var balances balance.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		store := balancepg.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate balances: %v", err)
		}
		balances = store
	} else {
		log.Println("DATABASE_URL not set, using in-memory balance store")
		balances = balance.NewMemoryStore()
	}

	var nonces token.NonceStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		nonces = token.NewRedisNonceStore(redis.NewClient(opts))
	} else {
		nonces = token.NewMemoryNonceStore()
	}

	bank := token.NewBank(token.Address(cfg.EngineAddress), nonces)

	eng, err := engine.New(engine.Config{
		Self:   token.Address(cfg.EngineAddress),
		Admin:  token.Address(cfg.AdminAddress),
		Payout: token.Address(cfg.PayoutAddress),
	}, balances, bank, bank, msgClient)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	if cfg.InfluxURL != "" {
		recorder := metrics.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
		if err := recorder.Start(msgClient); err != nil {
			log.Fatalf("Failed to start metrics recorder: %v", err)
		}
	}

	authsvc := auth.NewService(cfg.JWTSecret)
	gw := gateway.New(gateway.Config{
		RateLimitMax:    100,
		RateLimitWindow: time.Minute,
	}, eng, authsvc, msgClient)
	if err := gw.Start(); err != nil {
		log.Fatalf("Failed to start event feed: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: gw.Handler(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("payhub exited: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
