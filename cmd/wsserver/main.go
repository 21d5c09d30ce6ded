package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/auth"
	"github.com/windi/messenger/internal/config"
	"github.com/windi/messenger/internal/fanout"
	"github.com/windi/messenger/internal/membership"
	"github.com/windi/messenger/internal/messaging"
	"github.com/windi/messenger/internal/presence"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/ratelimit"
	"github.com/windi/messenger/internal/registry"
	"github.com/windi/messenger/internal/session"
	"github.com/windi/messenger/internal/store"
	"github.com/windi/messenger/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Str("db_driver", cfg.DBDriver).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Int("max_per_user", cfg.MaxConnectionsPerUser).
		Str("cap_policy", cfg.CapPolicy).
		Msg("messenger server starting")

	// --- Durable store ---
	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.AutoMigrate {
		if err := store.Migrate(st.DB(), cfg.DBDriver); err != nil {
			return err
		}
	}

	// --- Redis (optional) ---
	var (
		redisClient  *redis.Client
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName, cfg.PresenceTTL, log)
		if err != nil {
			return err
		}
		defer sessionStore.Close()
		redisClient = sessionStore.Client()
		limiter = ratelimit.NewLimiter(redisClient, log)
	}
	members := membership.NewCache(redisClient, st, cfg.MembershipCacheTTL, log)

	// --- Registry, presence, engine ---
	notice, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeCapacityExceeded,
		Message: "connection replaced by a newer one",
	})
	if err != nil {
		return err
	}
	regCfg := registry.Config{
		MaxPerUser:     cfg.MaxConnectionsPerUser,
		QueueSize:      cfg.SendQueueSize,
		Policy:         registry.EvictOldest,
		EvictionNotice: notice,
	}
	if cfg.CapPolicy == config.CapReject {
		regCfg.Policy = registry.Reject
	}

	tracker := presence.NewTracker(cfg.PresenceGrace, log)
	reg := registry.New(regCfg, tracker, log)

	engine := fanout.NewEngine(fanout.Config{
		ServerName:   cfg.ServerName,
		StoreTimeout: cfg.StoreTimeout,
		TypingTTL:    cfg.TypingTTL,
	}, st, members, reg, log)

	tracker.AddPublisher(engine)
	if sessionStore != nil {
		tracker.AddPublisher(sessionStore)
	}

	// --- NATS relay (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "messenger-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		engine.SetRelay(natsClient)
		if err := natsClient.SubscribeDeliveries(cfg.ServerName, engine.DeliverRemote); err != nil {
			natsClient.Close()
			return err
		}
	}

	// --- Dispatcher ---
	dispatcher := ws.NewMessageDispatcher(reg, log)

	dispatcher.Register(protocol.ActionSendMessage, func(ctx context.Context, h *registry.Handle, msg any) error {
		m := msg.(protocol.SendMessageMsg)
		if limiter != nil {
			id := fmt.Sprint(h.UserID)
			if ok, _ := limiter.Allow(ctx, id, ratelimit.RuleMessage); !ok {
				d := limiter.RetryAfter(ctx, id, ratelimit.RuleMessage)
				return fmt.Errorf("%w: retry in %s", ratelimit.ErrLimited, d.Round(time.Second))
			}
		}
		return engine.SendMessage(ctx, h, m)
	})

	dispatcher.Register(protocol.ActionTyping, func(ctx context.Context, h *registry.Handle, msg any) error {
		return engine.Typing(ctx, h, msg.(protocol.TypingMsg))
	})

	dispatcher.Register(protocol.ActionMarkRead, func(ctx context.Context, h *registry.Handle, msg any) error {
		return engine.MarkRead(ctx, h, msg.(protocol.MarkReadMsg))
	})

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.MaxFrameSize = cfg.MaxFrameSize
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	server := ws.NewServer(serverConfig, engine, auth.NewJWTVerifier(cfg.JWTSecret), dispatcher, log)
	server.SetOnlineLister(tracker)
	if limiter != nil {
		server.SetConnectLimiter(limiter)
	}

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		tracker.Run(ctx)
	}()
	go func() {
		defer bg.Done()
		engine.Run(ctx, cfg.TypingSweepInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, initiating graceful shutdown")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cerr := engine.Close(shutdownCtx); cerr != nil {
		log.Warn().Err(cerr).Msg("engine close")
	}
	reg.Close()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("server shutdown")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	bg.Wait()

	log.Info().Msg("shutdown complete")
	return err
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	var log zerolog.Logger
	switch cfg.LogFormat {
	case "console":
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "json", "":
		log = zerolog.New(os.Stderr)
	default:
		return zerolog.Logger{}, errors.New("LOG_FORMAT must be json or console")
	}
	return log.Level(level).With().Timestamp().Str("server", cfg.ServerName).Logger(), nil
}
