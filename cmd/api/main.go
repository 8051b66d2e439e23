package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"caselink/api/internal/app"
	"caselink/api/internal/authpw"
	"caselink/api/internal/blob"
	"caselink/api/internal/broadcast"
	"caselink/api/internal/config"
	"caselink/api/internal/email"
	"caselink/api/internal/notify"
	"caselink/api/internal/search"
	"caselink/api/internal/session"
	"caselink/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore)

	blobStore, err := blob.NewMinioStore(blob.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("minio client failed: %v", err)
	}
	if err := blobStore.EnsureBucket(ctx); err != nil {
		log.Fatalf("minio bucket check failed: %v", err)
	}
	service.SetBlobStore(blobStore)

	// Redis backs refresh tokens and case activity broadcasting; without it
	// refresh sessions fall back to PostgreSQL and broadcasting is disabled.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service.SetSessionStore(redisStore)

		publisher, err := broadcast.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis publisher failed: %v", err)
		}
		defer publisher.Close()
		service.SetBroadcaster(publisher)
		log.Printf("Using Redis for refresh tokens and case broadcasting")
	} else {
		log.Printf("Using PostgreSQL for refresh token storage; broadcasting disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	service.SetSearch(searchService)
	if meiliClient != nil {
		go func() {
			versions, audits, err := pgfts.LoadAllRecords(ctx)
			if err != nil {
				log.Printf("WARNING: search reindex load failed: %v", err)
				return
			}
			searchService.ReindexAll(versions, audits)
		}()
	}

	emailService := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: true,
	})
	service.SetNotifier(notify.NewService(dataStore, emailService))
	service.SetAuthPassword(authpw.NewService(dataStore, cfg.JWTSecret), emailService.IsConfigured())

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.MaxUploadBytes)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Caselink API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
