package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/service"
	"github.com/dentistimo/identity-service/internal/infrastructure/breaker"
	"github.com/dentistimo/identity-service/internal/infrastructure/broker"
	"github.com/dentistimo/identity-service/internal/infrastructure/config"
	"github.com/dentistimo/identity-service/internal/infrastructure/db/mongo"
	"github.com/dentistimo/identity-service/internal/infrastructure/db/redis"
	opshttp "github.com/dentistimo/identity-service/internal/infrastructure/http"
	"github.com/dentistimo/identity-service/internal/infrastructure/http/handlers"
	"github.com/dentistimo/identity-service/internal/infrastructure/mail"
	"github.com/dentistimo/identity-service/internal/infrastructure/queue"
	"github.com/dentistimo/identity-service/internal/infrastructure/ratelimit"
	"github.com/dentistimo/identity-service/internal/infrastructure/telemetry"
	"github.com/dentistimo/identity-service/pkg/logger"
)

const (
	serviceName     = "identity-service"
	shutdownTimeout = 10 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log := logger.Init(logger.Options{Service: serviceName})
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProduction(),
		Service: serviceName,
		Version: version,
	})

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped")
	}
	log.Info().Msg("service stopped")
}

// run connects every dependency, serves until ctx is cancelled, then shuts
// down in reverse order.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	mongoClient, db, err := mongo.Connect(ctx, mongo.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		AppName:  serviceName,
		Timeout:  cfg.Mongo.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect")
		}
	}()
	accounts := mongo.NewAccountRepository(db)
	if err := accounts.EnsureIndexes(ctx); err != nil {
		return err
	}
	log.Info().Str("database", cfg.Mongo.Database).Msg("mongo connected")

	var dedup queue.Deduplicator
	var redisClient *goredis.Client
	redisClient, err = redis.Connect(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	switch {
	case errors.Is(err, redis.ErrDisabled):
		log.Info().Msg("redis not configured, duplicate suppression disabled")
	case err != nil:
		return err
	default:
		defer redisClient.Close()
		dedup = redis.NewDedupChecker(redisClient, cfg.Redis.DedupTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}

	kind, err := broker.ParseKind(cfg.Broker.Kind)
	if err != nil {
		return err
	}
	client, err := broker.Dial(ctx, broker.Config{
		Kind:           kind,
		URL:            cfg.Broker.URL,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		QoS:            byte(cfg.Broker.QoS),
		Exchange:       cfg.Broker.Exchange,
	}, logger.Component("broker"))
	if err != nil {
		return err
	}
	defer client.Close()

	mailer, err := mail.New(mail.Config{
		Host:      cfg.Mail.Host,
		Port:      cfg.Mail.Port,
		Username:  cfg.Mail.Username,
		Password:  cfg.Mail.Password,
		From:      cfg.Mail.From,
		SSL:       cfg.Mail.SSL,
		TLSPolicy: cfg.Mail.TLSPolicy,
	}, logger.Component("mail"))
	if err != nil {
		return err
	}

	topics := domain.NewTopics(cfg.Topics.Domain)
	handlerLog := logger.Component("handlers")
	set := service.NewHandlers(service.Deps{
		Accounts:    accounts,
		Publisher:   client,
		Hasher:      service.NewBcryptHasher(cfg.BcryptCost),
		Tokens:      service.NewJWTService(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL),
		Mailer:      mailer,
		CodeLimiter: ratelimit.New(cfg.Throttle.ResetCodeInterval, cfg.Throttle.ResetCodeBurst, cfg.Throttle.IdleTTL),
		IDs:         service.NewIDGenerator(accounts, cfg.IDDigits, handlerLog),
		Topics:      topics,
		Log:         handlerLog,
	})
	if err := set.Validate(); err != nil {
		return err
	}

	router, err := queue.NewRouter(topics, set, logger.Component("router"))
	if err != nil {
		return err
	}
	guard := breaker.New(breaker.Settings{
		Name:             "dispatch",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinRequests:      cfg.Breaker.MinRequests,
		Window:           cfg.Breaker.Window,
		Timeout:          cfg.Breaker.Timeout,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logger.Component("breaker"))

	dispatcher := queue.NewDispatcher(cfg.Workers, client, router, guard, dedup, logger.Component("dispatcher"))
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("topic_domain", topics.Domain).Str("broker", string(kind)).Msg("listening for requests")

	checks := map[string]handlers.Check{
		"mongodb": func(ctx context.Context) error { return mongoClient.Ping(ctx, readpref.Primary()) },
		"broker": func(context.Context) error {
			if !client.IsConnected() {
				return broker.ErrNotConnected
			}
			return nil
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	ops := opshttp.NewRouter(checks)
	go func() {
		if err := ops.Start(cfg.OpsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server")
		}
	}()
	log.Info().Str("addr", cfg.OpsAddr).Msg("ops server started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown")
	}
	dispatcher.Wait()
	return nil
}
