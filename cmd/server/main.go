// Command server runs the practice-management backend: REST API, purge
// scheduler, and mail workers in one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pazpaz/backend/internal/ai"
	"github.com/pazpaz/backend/internal/api"
	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/clients"
	"github.com/pazpaz/backend/internal/config"
	"github.com/pazpaz/backend/internal/crypto"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/mail"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/payments"
	"github.com/pazpaz/backend/internal/rag"
	"github.com/pazpaz/backend/internal/ratelimit"
	"github.com/pazpaz/backend/internal/scheduling"
	"github.com/pazpaz/backend/internal/session"
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

func main() {
	// .env covers local development; deployed environments set real vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("❌ Postgres: %v", err)
	}
	defer db.Close()

	kvStore, err := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("❌ Redis: %v", err)
	}

	ring, err := buildKeyring(cfg)
	if err != nil {
		log.Fatalf("❌ Encryption keys: %v", err)
	}
	codec := crypto.NewCodec(ring)
	log.Printf("🔐 Keyring ready, writing with key v%d", ring.ActiveVersion())

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	breakers := circuitbreaker.NewProviderBreakers(func(name string, from, to circuitbreaker.State) {
		m.RecordBreakerState(name, float64(to))
		log.Printf("⚡ Circuit %s: %s -> %s", name, from, to)
	})

	limiter := ratelimit.New(kvStore, m)
	auditor := audit.NewEmitter(db, m)
	dispatcher := mail.NewDispatcher(mail.NewLogSender(), 4, 256)

	users := store.NewUsers(db)
	workspaces := store.NewWorkspaces(db, codec)
	clientsStore := store.NewClients(db, codec)
	sessionsStore := store.NewSessions(db, codec)
	appointments := store.NewAppointments(db)
	transactions := store.NewTransactions(db)
	sessionVectors := vector.NewSessionVectors(db)
	clientVectors := vector.NewClientVectors(db)

	// Without Cohere credentials the server still runs; embeddings and AI
	// answers report unavailable.
	var embedder ai.Embedder
	var chat ai.ChatModel
	if cfg.AI.APIKey != "" {
		cohere := ai.NewCohere(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.EmbedModel, cfg.AI.ChatModel, vector.Dimensions)
		embedder = ai.NewGuardedEmbedder(cohere, breakers.Embed, m)
		chat = ai.NewGuardedChat(cohere, breakers.Chat, m)
	} else {
		log.Println("⚠️ COHERE_API_KEY unset; embeddings and AI answers are disabled")
	}

	signer := auth.NewSigner([]byte(cfg.Auth.SessionKey), cfg.Auth.SessionTTL)

	authSvc := auth.NewService(users, workspaces, kvStore, limiter, signer, dispatcher, auditor,
		cfg.Server.BaseURL, cfg.Auth.MagicLinkTTL)
	clientsSvc := clients.NewService(db, clientsStore, clientVectors, embedder, auditor)
	schedulingSvc := scheduling.NewService(db, appointments, clientsStore, sessionsStore)
	sessionSvc := session.NewService(db, sessionsStore, appointments, clientsStore,
		sessionVectors, embedder, limiter, auditor)
	ragSvc := rag.NewService(embedder, chat, sessionVectors, clientVectors,
		sessionsStore, clientsStore, kvStore, auditor, m, rag.Config{
			MinSimilarity:   cfg.AI.MinSimilarity,
			AdaptiveFloor:   cfg.AI.AdaptiveFloor,
			MaxOutputTokens: cfg.AI.MaxOutputTokens,
		})
	paymentsSvc := payments.NewService(db, workspaces, appointments, clientsStore,
		transactions, kvStore, breakers.Payment, dispatcher, auditor, m)

	purger := session.NewPurger(sessionsStore, m, session.PurgeConfig{
		Interval:  cfg.Purge.Interval,
		BatchSize: cfg.Purge.BatchSize,
	})

	srv := api.NewServer(api.Deps{
		Config:     cfg,
		DB:         db,
		KV:         kvStore,
		Metrics:    m,
		Registry:   reg,
		Breakers:   breakers.Registry,
		Signer:     signer,
		Auditor:    auditor,
		Auth:       authSvc,
		Clients:    clientsSvc,
		Scheduling: schedulingSvc,
		Sessions:   sessionSvc,
		RAG:        ragSvc,
		Payments:   paymentsSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 PazPaz backend starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	log.Printf("📊 Health check: http://localhost:%s/healthz", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	// In-flight requests have drained; stop the background workers.
	purger.Stop()
	dispatcher.Stop()

	log.Println("Server stopped")
}

// buildKeyring assembles the PHI key source: environment variables by
// default, or an HTTP secret store with replica failover when configured.
func buildKeyring(cfg *config.Config) (*crypto.Keyring, error) {
	var source crypto.KeySource = crypto.NewEnvKeySource(cfg.Encryption.KeyEnvPrefix)

	if cfg.Encryption.SecretStoreURL != "" {
		primary := crypto.NewHTTPKeySource(cfg.Encryption.SecretStoreURL, cfg.Encryption.SecretStoreToken)
		replicas := make([]crypto.KeySource, 0, len(cfg.Encryption.ReplicaStoreURLs))
		for _, u := range cfg.Encryption.ReplicaStoreURLs {
			replicas = append(replicas, crypto.NewHTTPKeySource(u, cfg.Encryption.SecretStoreToken))
		}
		source = crypto.NewFailoverKeySource(primary, replicas...)
	}

	ring, err := crypto.NewKeyring(source, cfg.Encryption.ActiveKeyVersion)
	if err != nil {
		return nil, err
	}

	// Fail fast if the active key is unreachable rather than on the first
	// PHI write.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ring.Preload(ctx, cfg.Encryption.ActiveKeyVersion); err != nil {
		return nil, err
	}

	return ring, nil
}
