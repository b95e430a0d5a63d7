package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/api"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/config"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"github.com/nidhogg/nuka-swarm/internal/lineage"
	"github.com/nidhogg/nuka-swarm/internal/nested"
	"github.com/nidhogg/nuka-swarm/internal/notify"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	pgstore "github.com/nidhogg/nuka-swarm/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	boot, _ := zap.NewDevelopment()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/swarm.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("Starting swarm...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Providers and agents
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	registry := agent.NewRegistry(logger)
	for _, ac := range cfg.Agents {
		if ac.Provider != "" {
			router.Bind(ac.ID, ac.Provider)
		}
		if len(ac.Fallbacks) > 0 {
			router.SetFallbacks(ac.ID, ac.Fallbacks)
		}
		registry.Register(agent.AgentRef{ID: ac.ID, Name: ac.Name, Tags: ac.Tags},
			agent.NewLLMCapability(agent.LLMConfig{
				AgentID:      ac.ID,
				Name:         ac.Name,
				Model:        ac.Model,
				SystemPrompt: ac.SystemPrompt,
				MaxTokens:    ac.MaxTokens,
			}, router, logger))
	}
	logger.Info("Agents loaded", zap.Int("count", registry.Len()))

	recorder := event.NewRecorder(2000, 256)
	sinks := event.Multi{event.NewLogSink(logger), recorder}
	var publishers []*bus.Async
	var closers []func(context.Context)

	// Checkpoints: Postgres when configured, else Redis, else memory.
	var store checkpoint.Store = checkpoint.NewMemory()
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := pgstore.New(ctx, dsn, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, checkpoints stay in memory", zap.Error(err))
		} else if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		} else {
			store = pg
			closers = append(closers, func(context.Context) { pg.Close() })
		}
	}

	var tailer api.Tailer
	if url := cfg.Database.Redis.URL; url != "" {
		rdb, err := checkpoint.DialRedis(ctx, url)
		if err != nil {
			logger.Warn("Redis unavailable, running without event streams", zap.Error(err))
		} else {
			if _, inMemory := store.(*checkpoint.Memory); inMemory {
				store = checkpoint.NewRedisStore(rdb, cfg.Database.Redis.CheckpointTTL.Std())
			}
			pub, streams := bus.NewRedisSink(rdb, cfg.Database.Redis.StreamMaxLen, 1024, logger)
			publishers = append(publishers, pub)
			tailer = streams
			closers = append(closers, func(context.Context) { rdb.Close() })
		}
	}

	if cfg.Cache.MaxCostBytes > 0 {
		cached, err := checkpoint.NewCached(store, cfg.Cache.MaxCostBytes, cfg.Cache.TTL.Std())
		if err != nil {
			logger.Warn("checkpoint cache disabled", zap.Error(err))
		} else {
			store = cached
			closers = append(closers, func(context.Context) { cached.Close() })
		}
	}

	if url := cfg.NATS.URL; url != "" {
		js, err := bus.ConnectJetStream(ctx, url, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("NATS unavailable, running without JetStream events", zap.Error(err))
		} else {
			publishers = append(publishers, bus.NewNATSSink(js, 1024, logger))
			closers = append(closers, func(context.Context) { js.Close() })
		}
	}

	var graph *lineage.Graph
	if uri := cfg.Database.Neo4j.URI; uri != "" {
		graph, err = openLineage(ctx, cfg.Database.Neo4j, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
			graph = nil
		} else {
			publishers = append(publishers, bus.NewAsync("neo4j", graph.Apply, 1024, logger))
			closers = append(closers, func(ctx context.Context) { graph.Close(ctx) })
		}
	}

	notifier := notify.NewGateway(nil, logger)
	if err := registerNotifiers(notifier, cfg.Notify, logger); err != nil {
		logger.Warn("notifier setup failed", zap.Error(err))
	}
	if len(notifier.Platforms()) > 0 {
		publishers = append(publishers, bus.NewAsync("notify", notifier.Publish, 256, logger))
		closers = append(closers, func(context.Context) { notifier.Close() })
	}

	for _, p := range publishers {
		sinks = append(sinks, p)
	}

	// Interventions wait for an operator only for the configured kinds.
	kinds, _ := cfg.Orchestration.InterventionKinds()
	queue := hook.NewQueue(sinks, logger, kinds...)
	var h hook.Hook = hook.AutoApprove
	if len(kinds) > 0 {
		h = queue
	}

	runner := nested.NewRunner(registry, logger,
		nested.WithConfig(cfg.Orchestration.Runner()),
		nested.WithHook(h),
		nested.WithSink(sinks),
		nested.WithStore(store))

	handler := api.NewHandler(ctx, registry, runner, queue, recorder, logger)
	handler.SetStore(store)
	handler.SetNotifier(notifier)
	if tailer != nil {
		handler.SetTailer(tailer)
	}
	if graph != nil {
		handler.SetLineage(graph)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("Swarm listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down swarm...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := handler.Drain(shutdownCtx); err != nil {
		logger.Warn("workflows still running at shutdown", zap.Error(err))
	}
	for _, p := range publishers {
		if err := p.Close(shutdownCtx); err != nil {
			logger.Warn("publisher did not drain", zap.Error(err))
		}
	}
	for _, c := range closers {
		c(shutdownCtx)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if lvl.Level() > zap.DebugLevel {
		zc = zap.NewProductionConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func openLineage(ctx context.Context, nc config.Neo4jConfig, logger *zap.Logger) (*lineage.Graph, error) {
	g, err := lineage.Open(nc.URI, nc.User, nc.Password, logger)
	if err != nil {
		return nil, err
	}
	if err := g.Ping(ctx); err != nil {
		g.Close(ctx)
		return nil, err
	}
	if err := g.EnsureSchema(ctx); err != nil {
		g.Close(ctx)
		return nil, err
	}
	return g, nil
}

func registerNotifiers(g *notify.Gateway, nc config.NotifyConfig, logger *zap.Logger) error {
	var errs []error
	if s := nc.Slack; s.Enabled && s.BotToken != "" {
		var persona *notify.Persona
		if s.Username != "" || s.IconEmoji != "" {
			persona = &notify.Persona{Name: s.Username, Emoji: s.IconEmoji}
		}
		g.Register(notify.NewSlackNotifier(s.BotToken, s.Channel, persona, logger))
	}
	if d := nc.Discord; d.Enabled {
		var (
			n   *notify.DiscordNotifier
			err error
		)
		switch {
		case d.WebhookURL != "":
			n, err = notify.NewDiscordWebhook(d.WebhookURL, &notify.Persona{Name: "swarm"}, logger)
		case d.BotToken != "" && d.ChannelID != "":
			n, err = notify.NewDiscordBot(d.BotToken, d.ChannelID, logger)
		default:
			err = errors.New("discord needs webhook_url or bot_token with channel_id")
		}
		if err != nil {
			errs = append(errs, err)
		} else {
			g.Register(n)
		}
	}
	return errors.Join(errs...)
}
