package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialchat/internal/auth"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/delivery"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/repository"
	"github.com/socialchat/internal/startup"
	"github.com/socialchat/internal/storage"
	"github.com/socialchat/internal/storage/memory"
	redisstorage "github.com/socialchat/internal/storage/redis"
	"github.com/socialchat/internal/ws"
)

const embeddedPort = 5432

func main() {
	logger.SetPrefix("chat")
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		// Let the async logger drain.
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}
}

func run() error {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep all state in process memory and seed a demo conversation")
	tokenFor := flag.String("token", "", "print a bearer token for this user id and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	if *tokenFor != "" {
		tok, err := tokens.Issue(*tokenFor)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("starting chat service")

	var (
		store  storage.MessageStore
		oracle storage.MembershipOracle
	)
	if *inMemory {
		mem := memory.New()
		if err := seedDemo(mem, tokens); err != nil {
			return err
		}
		store, oracle = mem, mem
	} else {
		if *dev {
			pg, err := startup.StartEmbeddedPostgres(embeddedPort, filepath.Join(".", ".pgdata"))
			if err != nil {
				return err
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := pg.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
			cfg.Database.URL = pg.URL
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
		poolCfg.MinConns = 2

		pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
		if err != nil {
			return err
		}
		defer pool.Close()

		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = startup.Migrate(migrateCtx, pool)
		cancel()
		if err != nil {
			return err
		}
		if *migrateOnly {
			return nil
		}
		logger.Info("database connected, migrations applied")
		store = repository.NewMessageRepository(pool)
		oracle = repository.NewConversationRepository(pool)
	}

	registry := ws.NewRegistry(cfg.WS.MaxConnections)
	var relayWg sync.WaitGroup
	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	if cfg.RedisURL != "" {
		relay, err := startup.ConnectRelayWithRetry(ctx, cfg.RedisURL, 30*time.Second)
		if err != nil {
			return err
		}
		defer relay.Close()
		// Stop the subscriber before the client closes under it.
		defer func() {
			relayCancel()
			relayWg.Wait()
		}()
		registry.SetRelay(relay)
		relayWg.Add(1)
		go func() {
			defer relayWg.Done()
			subscribeRelay(relayCtx, relay, registry)
		}()
		logger.Info("redis relay enabled")
	}

	tracker := delivery.NewTracker(store, oracle)
	hub := ws.NewHub(registry, store, tracker, oracle, ws.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		WriteWait:      cfg.WS.WriteTimeout,
		PongWait:       cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		EventRate:      cfg.WS.EventRate,
		EventBurst:     cfg.WS.EventBurst,
		StoreTimeout:   cfg.WS.StoreTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      newRouter(cfg, tokens, hub),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hijacked websockets are not tracked by the server; the hub closes them.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("hub shutdown: %v", err)
	}
	logger.Info("hub stopped")
	return nil
}

// subscribeRelay feeds relayed broadcasts into the local registry and
// resubscribes after a lost subscription.
func subscribeRelay(ctx context.Context, relay *redisstorage.Relay, registry *ws.Registry) {
	backoff := time.Second
	for {
		err := relay.Subscribe(ctx, registry.DeliverRelayed)
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("redis relay subscription lost, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// seedDemo creates a group conversation with two members and logs their
// tokens so the service can be tried without a database.
func seedDemo(mem *memory.Store, tokens *auth.Tokens) error {
	alice, bob := uuid.NewString(), uuid.NewString()
	conv := mem.CreateConversation(model.ConversationGroup, "demo", alice)
	mem.AddParticipant(conv, alice, model.RoleAdmin)
	mem.AddParticipant(conv, bob, model.RoleMember)
	for _, uid := range []string{alice, bob} {
		tok, err := tokens.Issue(uid)
		if err != nil {
			return err
		}
		logger.Infof("demo user=%s conversation=%s ws=/ws/conversations/%s?token=%s", uid, conv, conv, tok)
	}
	return nil
}
