package server

import (
	"context"
	"log"
	"sync"
	"time"

	"backend-fieldtrack/internal/api"
	"backend-fieldtrack/internal/archive"
	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/config"
	"backend-fieldtrack/internal/history"
	"backend-fieldtrack/internal/ingest"
	"backend-fieldtrack/internal/mapview"
	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/reconcile"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App        *fiber.App
	Cfg        config.Config
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Stream     *stream.Hub
	Tokens     *auth.TokenHolder
	API        *api.Client
	Engine     *reconcile.Engine
	Channel    *ingest.Client
	Supervisor *ingest.Supervisor
	History    *history.Viewers
	Archive    *archive.Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	tokens := auth.NewTokenHolder(cfg.APIToken)
	client := api.NewClient(cfg.APIBaseURL, tokens, cfg.HTTPTimeout)
	hub := stream.NewHub(redisClient)

	routes := route.NewAccumulator()
	engine := reconcile.NewEngine(
		presence.NewStore(cfg.StaleAfter),
		routes,
		marker.NewRegistry(cfg.Location()),
		client,
		hub,
		reconcile.Config{
			RefreshInterval: cfg.RefreshInterval,
			SweepInterval:   cfg.SweepInterval,
			Retention:       cfg.RouteRetention,
		},
	)

	channel := ingest.NewClient(pushSource(cfg), engine, cfg.PushChannels)

	s := &Server{
		App:        app,
		Cfg:        cfg,
		DB:         db,
		Redis:      redisClient,
		Stream:     hub,
		Tokens:     tokens,
		API:        client,
		Engine:     engine,
		Channel:    channel,
		Supervisor: ingest.NewSupervisor(channel, tokens, cfg.ReconnectDelay),
		History:    history.NewViewers(history.NewService(client)),
	}
	if db != nil {
		s.Archive = archive.NewStore(db)
		routes.OnClose = s.Archive.OnClose()
	}

	registerRoutes(s)
	return s
}

func pushSource(cfg config.Config) ingest.Source {
	if cfg.PushDriver == config.DriverNull {
		log.Printf("push channel driver is null: no live events will arrive")
		return ingest.NewNullSource()
	}
	return ingest.NewWebSocketSource(cfg.PushURL)
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "channel": s.Channel.Status().State})
	})
	s.App.Get("/metrics", metrics.Handler())

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	deps := mapview.Deps{
		Presence: s.Engine.Presence,
		Routes:   s.Engine.Routes,
		Markers:  s.Engine.Markers,
		Channel:  s.Channel,
		History:  s.History,
		Location: s.Cfg.Location(),
	}
	if s.Archive != nil {
		deps.Archive = s.Archive
	}
	mapview.RegisterRoutes(s.App.Group("/map"), deps, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream", jwtMiddleware), s.Stream, reconcile.Topics, s.Engine.Snapshot)
}

// Start runs reconciliation and push-channel supervision until Stop.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.Archive != nil {
		schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.Archive.EnsureSchema(schemaCtx); err != nil {
			log.Printf("archive schema: %v", err)
		}
		cancel()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Engine.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("push channel supervisor: %v", err)
		}
	}()
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Channel.Disconnect()
	s.wg.Wait()
	s.Stream.Close()
}
