// Command appcatalogd runs the app catalog HTTP service.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jobforge/appcatalog/internal/api"
	"github.com/jobforge/appcatalog/internal/apps"
	"github.com/jobforge/appcatalog/internal/config"
	"github.com/jobforge/appcatalog/internal/database"
	"github.com/jobforge/appcatalog/internal/events"
	"github.com/jobforge/appcatalog/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("appcatalogd", os.Stdout, cfg.Logging.Level)

	publicKey, err := loadPublicKey(cfg.Auth.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("loading JWT public key: %w", err)
	}

	if err := database.Migrate(cfg.Database, log); err != nil {
		return err
	}
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	var store apps.Store = apps.NewPostgresStore(db)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, cache disabled")
		} else {
			store = apps.NewCachedStore(store, rdb, cfg.Redis.TTL, log)
			defer rdb.Close()
		}
	}

	service := apps.NewService(store, log)

	broker := events.NewBroker(log)
	service.AttachEventPublisher(broker)
	stream := events.NewStreamHandler(broker, log)

	var stats *apps.StatsCollector
	if cfg.Stats.Enabled {
		stats = apps.NewStatsCollector(store, log)
		if err := stats.Start(cfg.Stats.Schedule); err != nil {
			return fmt.Errorf("starting stats collector: %w", err)
		}
		defer stats.Stop()
	}

	server := api.NewServer(cfg.Server, publicKey, service, stream, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("auth.public_key_path is required")
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(pemBytes)
}
