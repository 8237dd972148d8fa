// Package server assembles the refund desk: storage, the refund engine,
// notification fan-out and the HTTP surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/bizhours"
	"github.com/mbd888/refunddesk/internal/config"
	"github.com/mbd888/refunddesk/internal/health"
	"github.com/mbd888/refunddesk/internal/ledger"
	"github.com/mbd888/refunddesk/internal/lock"
	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/notify"
	"github.com/mbd888/refunddesk/internal/orders"
	"github.com/mbd888/refunddesk/internal/ratelimit"
	"github.com/mbd888/refunddesk/internal/realtime"
	"github.com/mbd888/refunddesk/internal/refund"
	"github.com/mbd888/refunddesk/internal/security"
	"github.com/mbd888/refunddesk/internal/webhooks"
)

// Version is reported by /health. Set from main.
var Version = "dev"

// Server owns every long-lived dependency of the process.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	verifier *auth.Verifier

	orders       orders.Store
	ledger       *ledger.Ledger
	refundStore  refund.Store
	refunds      *refund.Service
	escalation   *refund.Timer
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	notifier     *notify.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	// Optional backends; nil when not configured.
	db    *sql.DB
	redis *redis.Client
	kafka sarama.SyncProducer

	router  *gin.Engine
	httpSrv *http.Server

	stopWorkers   context.CancelFunc
	shutdownDelay time.Duration
	ready         atomic.Bool
	healthy       atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithOrders supplies the order lookup instead of the configured store.
func WithOrders(store orders.Store) Option {
	return func(s *Server) { s.orders = store }
}

// WithKafkaProducer supplies a producer instead of dialing KAFKA_BROKERS.
func WithKafkaProducer(p sarama.SyncProducer) Option {
	return func(s *Server) { s.kafka = p }
}

// WithClock sets the clock used by the refund engine.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New wires the server from cfg. Nothing is served until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		now:           time.Now,
		health:        health.NewRegistry(),
		shutdownDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	s.verifier = verifier

	ledgerStore, err := s.openStorage()
	if err != nil {
		return nil, err
	}
	s.ledger = ledger.New(ledgerStore, s.logger)

	locker, err := s.openLocker()
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.buildNotifier()
	if err := s.buildRefunds(locker); err != nil {
		s.closeBackends()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStorage picks Postgres when DATABASE_URL is set and memory otherwise.
// Memory mode seeds a few demo orders so the API can be tried at once.
func (s *Server) openStorage() (ledger.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		if s.orders == nil {
			mem := orders.NewMemoryStore()
			seedDemoOrders(mem, s.now())
			s.orders = mem
		}
		s.refundStore = refund.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		return ledger.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpen)
	db.SetMaxIdleConns(s.cfg.DBMaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database %s: %w", maskDSN(s.cfg.DatabaseURL), err)
	}
	if err := metrics.RegisterDB(db, "refunddesk"); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}

	s.db = db
	s.health.Register("database", health.DBChecker(db))
	s.logger.Info("using postgres storage", "dsn", maskDSN(s.cfg.DatabaseURL))

	if s.orders == nil {
		s.orders = orders.NewPostgresStore(db)
	}
	s.refundStore = refund.NewPostgresStore(db)
	s.webhookStore = webhooks.NewPostgresStore(db)
	return ledger.NewPostgresStore(db), nil
}

// openLocker serializes decisions across replicas through Redis, or within
// this process when REDIS_URL is unset.
func (s *Server) openLocker() (lock.Locker, error) {
	if s.cfg.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)
	s.health.Register("redis", health.RedisChecker(s.redis))
	s.logger.Info("using redis decision locks", "addr", opts.Addr)
	return lock.NewRedis(s.redis, lock.DefaultRedisConfig()), nil
}

// buildNotifier fans refund events out to webhooks, the console hub and,
// when brokers are configured, Kafka for buyer-facing delivery.
func (s *Server) buildNotifier() {
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(s.cfg.AllowedOrigins))

	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger).
		WithURLValidator(s.endpointPolicy().Validate)
	s.health.RegisterOptional("webhooks", func(context.Context) error {
		if n := s.webhooks.OpenCircuits(); n > 0 {
			return fmt.Errorf("%d endpoint circuits open", n)
		}
		return nil
	})

	sinks := []notify.Sink{
		notify.NewWebhookSink(s.webhooks),
		notify.NewHubSink(s.realtimeHub),
	}
	if s.kafka == nil && len(s.cfg.KafkaBrokers) > 0 {
		producer, err := notify.NewKafkaProducer(s.cfg.KafkaBrokers)
		if err != nil {
			s.logger.Warn("kafka unavailable, refund events will not be published", "error", err)
		} else {
			s.kafka = producer
		}
	}
	if s.kafka != nil {
		sinks = append(sinks, notify.NewKafkaSink(s.kafka, s.cfg.KafkaTopic))
		s.logger.Info("publishing refund events", "topic", s.cfg.KafkaTopic)
	}
	s.notifier = notify.NewDispatcher(s.logger, sinks...)
}

func (s *Server) buildRefunds(locker lock.Locker) error {
	calendar, err := newCalendar(s.cfg)
	if err != nil {
		return err
	}
	rules := refund.NewEligibility(calendar, s.cfg.RefundWindow(), s.cfg.SellerResponseHours)
	s.refunds = refund.NewService(s.refundStore, &ordersAdapter{s.orders}, &ledgerAdapter{s.ledger}, rules).
		WithLocker(locker).
		WithNotifier(s.notifier).
		WithLogger(s.logger).
		WithClock(s.now)
	s.escalation = refund.NewTimer(s.refunds, s.refundStore, s.cfg.EscalationSweepInterval, s.logger)
	return nil
}

// endpointPolicy governs seller webhook URLs. Production requires https.
func (s *Server) endpointPolicy() security.EndpointPolicy {
	return security.EndpointPolicy{RequireHTTPS: s.cfg.IsProduction()}
}

// Router exposes the gin engine, mostly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func newCalendar(cfg *config.Config) (*bizhours.Calendar, error) {
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE: %w", err)
	}
	holidays, err := bizhours.ParseHolidays(cfg.BusinessHolidays)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_HOLIDAYS: %w", err)
	}
	return bizhours.NewCalendar(loc, holidays...), nil
}

// maskDSN replaces the password in a connection URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
