package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/support-relay/internal/api/http"
	"github.com/spec-kit/support-relay/internal/api/http/handlers"
	"github.com/spec-kit/support-relay/internal/auth"
	"github.com/spec-kit/support-relay/internal/chat/telegram"
	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/directory"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/events"
	"github.com/spec-kit/support-relay/internal/gateway"
	"github.com/spec-kit/support-relay/internal/gateway/bereke"
	"github.com/spec-kit/support-relay/internal/gateway/cryptomus"
	"github.com/spec-kit/support-relay/internal/mail"
	"github.com/spec-kit/support-relay/internal/observability"
	"github.com/spec-kit/support-relay/internal/persistence"
	"github.com/spec-kit/support-relay/internal/repository"
	"github.com/spec-kit/support-relay/internal/service"
	"github.com/spec-kit/support-relay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()

	pool := pg.PoolHandle()
	channelRepo := repository.NewChannelRepository(pool)
	threadRepo := repository.NewThreadStateRepository(pool)
	originIndex := repository.NewCachedOriginIndex(
		repository.NewOriginRepository(pool),
		redis.Client,
		cfg.Archive.Threshold(),
	)
	orderRepo := repository.NewOrderRepository(pool)
	ratingRepo := repository.NewRatingRepository(pool)
	linkRepo := repository.NewUserLinkRepository(pool)

	relay := telegram.NewClient(cfg.Telegram, logger)
	directoryClient := directory.NewClient(cfg.Directory, logger)
	mailer := mail.NewSMTPSender(cfg.SMTP, logger)
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)

	cryptoGateway := cryptomus.NewClient(cfg.Cryptomus, logger)
	gateways := gateway.Registry{
		domain.GatewayBereke:    bereke.NewClient(cfg.Bereke, logger),
		domain.GatewayCryptomus: cryptoGateway,
	}

	sessionService := service.NewSessionService(service.SessionDependencies{
		ChannelRepo:   channelRepo,
		ThreadRepo:    threadRepo,
		OriginIndex:   originIndex,
		RatingRepo:    ratingRepo,
		Relay:         relay,
		Dispatcher:    dispatcher,
		Logger:        logger,
		SupportChatID: cfg.Telegram.SupportChatID,
	})
	reconcileService := service.NewReconcileService(service.ReconcileDependencies{
		OrderRepo:  orderRepo,
		Gateways:   gateways,
		Directory:  directoryClient,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	paymentService := service.NewPaymentService(service.PaymentDependencies{
		OrderRepo:     orderRepo,
		Gateways:      gateways,
		Invoices:      relay,
		Logger:        logger,
		PublicBaseURL: cfg.App.PublicBaseURL,
	})
	accountService := service.NewAccountService(service.AccountDependencies{
		LinkRepo:      linkRepo,
		Directory:     directoryClient,
		Redis:         redis.Client,
		Mailer:        mailer,
		Tokens:        tokens,
		Logger:        logger,
		Auth:          cfg.Auth,
		SupportChatID: cfg.Telegram.SupportChatID,
	})
	notificationService := service.NewNotificationService(dispatcher, relay, logger, cfg.Telegram)
	worker.StartNotificationWorker(notificationService)

	botService := service.NewBotService(service.BotDependencies{
		Client:        relay,
		Sessions:      sessionService,
		Payments:      paymentService,
		Reconcile:     reconcileService,
		Logger:        logger,
		Telegram:      cfg.Telegram,
		PublicBaseURL: cfg.App.PublicBaseURL,
	})

	poller := telegram.NewPoller(relay, botService, logger,
		cfg.Telegram.SupportChatID, cfg.Telegram.OwnerChatID, cfg.Telegram.PollTimeoutSeconds)
	go poller.Run(ctx)

	archiveWorker := worker.NewArchiveWorker(sessionService, originIndex, logger, cfg.Archive)
	go archiveWorker.Run(ctx)

	authMiddleware := auth.NewAuthMiddleware(tokens)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: cfg.App.Env == "production",
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Auth:           handlers.NewAuthHandler(accountService),
		Subscription:   handlers.NewSubscriptionHandler(accountService, sessionService),
		Payments:       handlers.NewPaymentHandler(paymentService, reconcileService),
		Webhooks:       handlers.NewWebhookHandler(cryptoGateway, reconcileService, logger),
		AuthMiddleware: authMiddleware,
		MiniAppDir:     cfg.App.MiniAppDir,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)
	cancel()

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
