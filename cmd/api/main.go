package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"eventsync/internal/analyzer"
	"eventsync/internal/archive"
	"eventsync/internal/audit"
	"eventsync/internal/auth"
	"eventsync/internal/cloudinary"
	"eventsync/internal/config"
	"eventsync/internal/geofence"
	"eventsync/internal/handler"
	"eventsync/internal/httpmiddleware"
	"eventsync/internal/hub"
	"eventsync/internal/model"
	"eventsync/internal/observability"
	"eventsync/internal/queue"
	"eventsync/internal/store"
	"eventsync/internal/verify"
)

const serviceName = "eventsync-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogging(false, "info")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	observability.SetupLogging(cfg.Production(), cfg.LogLevel)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}

func run(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, serviceName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	dsn := cfg.DatabaseURL
	if cfg.StoreBackend == store.BackendSQLite {
		dsn = cfg.SQLitePath
	}
	st, err := store.Open(ctx, cfg.StoreBackend, dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info().Str("module", "main").Str("backend", cfg.StoreBackend).Msg("store ready")

	var rdb *store.Redis
	if cfg.RedisAddr != "" {
		rdb = store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			log.Warn().Str("module", "main").Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
	}

	publisher := audit.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	emitter := audit.NewEmitter(publisher, serviceName, cfg.Env)
	log.Info().Str("module", "main").Str("mode", audit.Mode(publisher)).Msg("audit publisher")

	zone := geofence.New("event",
		geofence.Point{Lat: cfg.EventZone.Lat, Lng: cfg.EventZone.Lng},
		cfg.EventZone.RadiusLat, cfg.EventZone.RadiusLng)
	campus := geofence.FromBounds("campus",
		cfg.Campus.LatMin, cfg.Campus.LatMax, cfg.Campus.LngMin, cfg.Campus.LngMax)

	rooms := hub.New(st, zone,
		hub.WithSnapshotLimits(model.SnapshotLimits{Messages: cfg.SnapshotMessages, WorkUpdates: cfg.SnapshotWorkUpdates}),
		hub.WithPresenceObserver(emitter),
	)

	az := analyzer.New(cfg.AnalyzerURL, cfg.AnalyzerSkip)
	if !cfg.AnalyzerSkip {
		go func() {
			if err := az.Warmup(ctx, cfg.AnalyzerWarmup, 2*time.Second); err != nil {
				log.Warn().Str("module", "main").Err(err).Msg("analyzer still cold, first requests may time out")
			}
		}()
	}

	var (
		cache   verify.Cache
		limiter verify.Limiter
		httpRL  *httpmiddleware.RateLimit
	)
	if cfg.CacheBackend == "redis" {
		cache = verify.NewRedisCache(rdb.Client, "eventsync:verify:", cfg.CacheTTL)
		limiter = verify.NewRedisLimiter(rdb.Client, "eventsync:limit:", cfg.VerifyLimit, cfg.VerifyWindow)
		httpRL = httpmiddleware.NewRateLimitWith(
			verify.NewRedisLimiter(rdb.Client, "eventsync:ratelimit:", cfg.RateLimitPerMin, time.Minute), time.Minute)
	} else {
		cache = verify.NewMemoryCache(cfg.CacheTTL, 10000)
		limiter = verify.NewSlidingWindow(cfg.VerifyLimit, cfg.VerifyWindow)
		httpRL = httpmiddleware.NewRateLimit(cfg.RateLimitPerMin)
	}

	observers := []verify.Observer{emitter}
	if cfg.ArchiveEvidence {
		q, startWorker := archiveQueue(cfg, rdb)
		observers = append(observers, archive.NewRecorder(q))
		if startWorker {
			go func() {
				if err := archive.NewWorker(q, newCloudinary(cfg)).Run(ctx); err != nil {
					log.Error().Str("module", "archive").Err(err).Msg("worker exited")
				}
			}()
		}
	}

	pipeline := verify.New(az, cache, limiter, rooms, verify.Config{Campus: campus, Timeout: cfg.AnalyzerTimeout}, observers...)

	checks := []handler.Check{{Name: "store", Fn: st.Ping}}
	if rdb != nil {
		checks = append(checks, handler.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return rdb.Client.Ping(ctx).Err()
		}})
	}
	if !cfg.AnalyzerSkip {
		checks = append(checks, handler.Check{Name: "analyzer", Fn: az.Health})
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(observability.AccessLog("/healthz", "/metrics"))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())
	r.Use(observability.HTTPMetricsMiddleware())
	r.Use(httpRL.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.New(handler.Deps{
		Hub:      rooms,
		Store:    st,
		Verifier: pipeline,
		Issuer: auth.Issuer{
			Name:       cfg.JWTIssuer,
			Key:        []byte(cfg.JWTSigningKey),
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		EnrollKey:      cfg.EnrollKey,
		AllowedOrigins: cfg.CORSOrigins,
		WSQueueSize:    cfg.WSQueueSize,
		Checks:         checks,
		BaseContext:    ctx,
	}).Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.AnalyzerTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("port", cfg.HTTPPort).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Info().Str("module", "main").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("forced shutdown")
	}
	log.Info().Str("module", "main").Msg("server exited")
	return nil
}

// archiveQueue reports whether the upload worker runs in this process. A
// redis queue is drained by cmd/worker instead.
func archiveQueue(cfg config.App, rdb *store.Redis) (queue.Queue, bool) {
	if cfg.QueueBackend == "redis" {
		return queue.NewRedisQueue(rdb.Client, queue.DefaultKey), false
	}
	return queue.NewInMemory(256), true
}

func newCloudinary(cfg config.App) *cloudinary.Client {
	return cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Enroll-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowOriginFunc = func(string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
