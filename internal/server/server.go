package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/partyquiz/internal/api"
	"github.com/victornm/partyquiz/internal/broadcast"
	"github.com/victornm/partyquiz/internal/event"
	"github.com/victornm/partyquiz/internal/realtime"
	"github.com/victornm/partyquiz/internal/session"
	"github.com/victornm/partyquiz/internal/storage/postgres"
	"github.com/victornm/partyquiz/internal/telemetry"
)

const healthCheckInterval = 10 * time.Second

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	// Leave both Redis address lists empty to run a single instance without Redis.
	Redis struct {
		Registry RedisConfig
		Pubsub   RedisConfig
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Auth struct {
		Secret string
		Issuer string
	}

	Game struct {
		StoreTimeout     time.Duration
		MinRounds        int
		MaxRounds        int
		MinRoundDuration int
		MaxRoundDuration int
	}
}

// DefaultConfig returns the values used for keys missing from the config file and environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Registry.Prefix = "partyquiz:registry"
	c.Redis.Pubsub.Prefix = "partyquiz:pubsub"
	c.Game.StoreTimeout = 5 * time.Second
	c.Game.MinRounds = session.DefaultLimits.MinRounds
	c.Game.MaxRounds = session.DefaultLimits.MaxRounds
	c.Game.MinRoundDuration = session.DefaultLimits.MinRoundDuration
	c.Game.MaxRoundDuration = session.DefaultLimits.MaxRoundDuration
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			registry redis.UniversalClient
			pubsub   redis.UniversalClient
		}

		postgres struct {
			game *pgxpool.Pool
		}
	}

	service struct {
		session     *session.Service
		coordinator *broadcast.Coordinator
	}

	realtime struct {
		hub   *realtime.Hub
		relay *realtime.RedisRelay
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	ctx  context.Context
	stop context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.stop = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		if len(rc.Addrs) == 0 {
			slog.Info("server: redis not configured, running single instance", "client", name)
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.registry, err = connect("registry", s.c.Redis.Registry)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	if (s.infra.redis.registry == nil) != (s.infra.redis.pubsub == nil) {
		return errors.New("registry and pubsub must be both configured or both empty")
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres.Game
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("game: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("game: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("game: %w", err)
	}

	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("game: %w", err)
	}

	s.infra.postgres.game = db
	return nil
}

func (s *Server) initService() {
	db := s.infra.postgres.game
	sessions := postgres.NewSessionStore(db)
	members := postgres.NewDirectory(db)

	s.service.session = session.NewService(session.Config{
		Sessions:     sessions,
		Members:      members,
		Cards:        postgres.NewCatalog(db),
		StoreTimeout: s.c.Game.StoreTimeout,
		Limits: session.Limits{
			MinRounds:        s.c.Game.MinRounds,
			MaxRounds:        s.c.Game.MaxRounds,
			MinRoundDuration: s.c.Game.MinRoundDuration,
			MaxRoundDuration: s.c.Game.MaxRoundDuration,
		},
	})

	s.realtime.hub = realtime.NewHub()

	var (
		registry realtime.Registry
		relay    realtime.Relay
	)
	if s.infra.redis.pubsub != nil {
		registry = realtime.NewRedisRegistry(realtime.RedisRegistryConfig{
			Redis:  s.infra.redis.registry,
			Prefix: s.c.Redis.Registry.Prefix,
		})
		s.realtime.relay = realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Redis:  s.infra.redis.pubsub,
			Prefix: s.c.Redis.Pubsub.Prefix,
			Hub:    s.realtime.hub,
		})
		relay = s.realtime.relay
	} else {
		registry = realtime.NewMemoryRegistry()
		relay = realtime.LocalRelay{Hub: s.realtime.hub}
	}

	s.service.coordinator = broadcast.NewCoordinator(broadcast.Config{
		EventBus: s.eb,
		Channel: realtime.NewChannel(realtime.ChannelConfig{
			Registry: registry,
			Relay:    relay,
		}),
		Members:  members,
		Sessions: sessions,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:      e,
		Session:     s.service.session,
		Coordinator: s.service.coordinator,
		Hub:         s.realtime.hub,
		Auth: api.AuthConfig{
			Secret: s.c.Auth.Secret,
			Issuer: s.c.Auth.Issuer,
		},
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := s.ctx

	if s.realtime.relay != nil {
		if err := s.realtime.relay.Start(ctx); err != nil {
			slog.ErrorContext(ctx, "server: start relay failed", "error", err)
			panic(err)
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.watchHealth(ctx)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// watchHealth reports SERVING while every store answers a ping.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := s.ping(ctx); err != nil {
			slog.WarnContext(ctx, "server: health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.c.Game.StoreTimeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := s.infra.postgres.game.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})

	for name, r := range map[string]redis.UniversalClient{
		"registry": s.infra.redis.registry,
		"pubsub":   s.infra.redis.pubsub,
	} {
		if r == nil {
			continue
		}

		eg.Go(func() error {
			if err := r.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis %s: %w", name, err)
			}
			return nil
		})
	}

	return eg.Wait()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.stop()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Websockets are hijacked, the HTTP server does not close them.
	s.realtime.hub.Close()
	if s.realtime.relay != nil {
		s.realtime.relay.Stop()
	}

	s.eb.Stop()

	for _, r := range []redis.UniversalClient{s.infra.redis.registry, s.infra.redis.pubsub} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	s.infra.postgres.game.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
