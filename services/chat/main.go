package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/handler"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/msgcrypt"
	"github.com/socialchat/internal/repository"
	"github.com/socialchat/internal/service"
	"github.com/socialchat/internal/startup"
	"github.com/socialchat/internal/storage"
	badgerstore "github.com/socialchat/internal/storage/badger"
	redisstorage "github.com/socialchat/internal/storage/redis"
	"github.com/socialchat/internal/ws"
)

const embeddedPGPort = 5432

// backend — хранилища одного драйвера и функция их закрытия.
type backend struct {
	rooms    storage.RoomStore
	messages storage.MessageStore
	users    storage.UserDirectory
	follows  storage.FollowOracle
	close    func()
}

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting chat service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.OTLPEndpoint, os.Getenv("APP_ENV"))
	if err != nil {
		logger.Errorf("tracing: %v", err)
		os.Exit(1)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(c); err != nil {
			logger.Errorf("tracing shutdown: %v", err)
		}
	}()

	be, err := openBackend(ctx, cfg, *dev)
	if err != nil {
		logger.Errorf("storage: %v", err)
		os.Exit(1)
	}
	defer be.close()
	if *migrate {
		return
	}

	oracle := be.follows
	hub := ws.NewHub(cfg.MaxWSConnections)
	pubs := events.Multi{hub}
	var (
		bus         *redisstorage.RoomBus
		followCache *redisstorage.FollowCache
	)
	if cfg.Redis.URL != "" {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 30*time.Second)
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		defer rc.Close()
		followCache = rc.FollowCache(oracle, cfg.Chat.FollowCacheTTL)
		oracle = followCache
		bus = rc.RoomBus(uuid.NewString())
		pubs = append(pubs, bus)
		logger.Info("redis connected: follow cache and room fan-out enabled")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Errorf("kafka close: %v", err)
			}
		}()
		pubs = append(pubs, kp)
		logger.Infof("kafka events enabled, topic %s", cfg.Kafka.Topic)
	}

	cipher, err := msgcrypt.New(cfg.Chat)
	if err != nil {
		logger.Errorf("message cipher: %v", err)
		os.Exit(1)
	}
	defer cipher.Close()
	if !cfg.Chat.EncryptionEnabled() {
		logger.Info("CHAT_ENCRYPTION_KEY is not set, messages are stored in plaintext")
	}

	chat := service.NewChat(be.rooms, be.messages, be.users, oracle, cipher, pubs, cfg.Chat)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(hubCtx)
	}()
	if bus != nil {
		bgWg.Add(2)
		go func() {
			defer bgWg.Done()
			resubscribe(hubCtx, "room bus", func(ctx context.Context) error {
				return bus.Subscribe(ctx, nil, hub.Deliver)
			})
		}()
		go func() {
			defer bgWg.Done()
			resubscribe(hubCtx, "follow changes", func(ctx context.Context) error {
				return followCache.SubscribeChanges(ctx, nil)
			})
		}()
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      otelhttp.NewHandler(newRouter(cfg, chat, hub), "chat"),
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
			logger.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	bgWg.Wait()
	logger.Info("hub stopped")
}

func openBackend(ctx context.Context, cfg *config.Config, dev bool) (*backend, error) {
	if cfg.Storage.Driver == config.StorageDriverBadger {
		st, err := badgerstore.Open(cfg.Storage.BadgerPath)
		if err != nil {
			return nil, err
		}
		logger.Infof("badger storage at %s", cfg.Storage.BadgerPath)
		return &backend{
			rooms:    st.Rooms,
			messages: st.Messages,
			users:    st.Users,
			follows:  st.Follows,
			close: func() {
				if err := st.Close(); err != nil {
					logger.Errorf("badger close: %v", err)
				}
			},
		}, nil
	}

	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if dev {
		db, dsn, err := startup.StartEmbeddedPostgres(embeddedPGPort, filepath.Join(".", ".pgdata"))
		if err != nil {
			return nil, err
		}
		cfg.Database.URL = dsn
		closers = append(closers, func() {
			logger.Info("stopping embedded postgres...")
			if err := db.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		})
	}

	poolCfg, err := startup.PoolConfig(cfg.DatabaseURL(), cfg.DBMaxConnections())
	if err != nil {
		closeAll()
		return nil, err
	}
	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, pool.Close)

	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := startup.Migrate(mctx, pool); err != nil {
		closeAll()
		return nil, err
	}
	logger.Info("database connected, migrations applied")
	return &backend{
		rooms:    repository.NewRoomRepository(pool),
		messages: repository.NewMessageRepository(pool),
		users:    repository.NewUserRepository(pool),
		follows:  repository.NewFollowRepository(pool),
		close:    closeAll,
	}, nil
}

// resubscribe держит Redis-подписку (события других инстансов, смены подписок)
// и переподключается при обрыве.
func resubscribe(ctx context.Context, what string, subscribe func(context.Context) error) {
	for {
		err := subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("%s: %v, resubscribing", what, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func newRouter(cfg *config.Config, chat *service.Chat, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	compress := chimw.Compress(5)
	r.Use(func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	limiter := middleware.NewRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst)
	wsH := handler.NewWSHandler(hub, chat, cfg.CORSAllowedOrigins)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.JWTSecret))
		r.Use(limiter.Middleware)
		handler.NewChatHandler(chat).Mount(r)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}

func allowedOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
