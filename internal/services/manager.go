// Package services assembles the server: storage, auth, hub, session
// manager and the HTTP surface, with ordered startup and shutdown.
package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/api"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/auth"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/config"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/hub"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/session"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

// Manager owns the service graph.
type Manager struct {
	cfg *config.Config

	mongoClient *mongo.Client
	redisClient *redis.Client
	server      *http.Server
	sessions    *session.Manager

	wg sync.WaitGroup
}

// NewManager builds an uninitialized manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Init connects the backends and wires the services together.
func (m *Manager) Init(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.cfg.Storage.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	m.mongoClient = client
	log.Println("[Services] Connected to MongoDB")

	st := store.NewMongo(client.Database(m.cfg.Storage.DatabaseName))
	if err := st.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	var bridge hub.Bridge
	if m.cfg.Redis.Addr != "" {
		m.redisClient = redis.NewClient(&redis.Options{Addr: m.cfg.Redis.Addr})
		if err := m.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		bridge = hub.NewRedisBridge(m.redisClient)
		log.Println("[Services] Connected to Redis, broadcast bridge enabled")
	}

	tokens := auth.NewTokenService(m.cfg.Auth.TokenSecret, m.cfg.Auth.TokenTTL)
	authSvc := auth.NewService(st, tokens)

	h := hub.New(st, bridge)
	roles := &session.PollingSource{Docs: st, Interval: m.cfg.Session.RolePollInterval}
	m.sessions = session.NewManager(st, h, roles, m.cfg.Session.IdleTimeout)

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.cfg.API.Port),
		Handler: api.NewServer(authSvc, tokens, st, st, m.sessions, h),
	}
	return nil
}

// Run starts the listener and background tasks. It blocks until serving
// stops.
func (m *Manager) Run(ctx context.Context) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sessions.Run(ctx)
	}()

	log.Printf("[Services] API listening on %s", m.server.Addr)
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, waits for background tasks, and closes the
// backends.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.server != nil {
		log.Println("[Services] Stopping API server...")
		if err := m.server.Shutdown(ctx); err != nil {
			log.Printf("[Services] Error shutting down API server: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("[Services] Timeout waiting for background tasks")
	}

	if m.redisClient != nil {
		m.redisClient.Close()
	}
	if m.mongoClient != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Printf("[Services] Error disconnecting mongo: %v", err)
		}
	}
}
