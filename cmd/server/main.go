package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/andeshq/membership/modules/membership"
	"github.com/andeshq/membership/pkg/config"
	"github.com/andeshq/membership/pkg/httpserver"
	"github.com/andeshq/membership/pkg/logger"
	"github.com/andeshq/membership/pkg/mongo"
	"github.com/andeshq/membership/pkg/requestid"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_NAME" envDefault:"membership"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		appCfg     appConfig
		httpCfg    httpserver.Config
		mongoCfg   mongo.Config
		moduleCfg  membership.Config
		gatewayCfg membership.MercadoPagoConfig
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&mongoCfg)
	config.MustLoad(&moduleCfg)
	config.MustLoad(&gatewayCfg)

	log := logger.New(
		logger.WithEnvironment(appCfg.Env, appCfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	db, err := mongo.NewWithDatabase(ctx, mongoCfg, mongoCfg.Database)
	if err != nil {
		log.Error("failed to connect to mongodb", logger.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := db.Client().Disconnect(context.Background()); err != nil {
			log.Error("failed to disconnect from mongodb", logger.Error(err))
		}
	}()

	stores, err := membership.NewMongoStores(ctx, db)
	if err != nil {
		log.Error("failed to prepare collections", logger.Error(err))
		os.Exit(1)
	}

	gateway, err := membership.NewMercadoPagoProvider(gatewayCfg)
	if err != nil {
		log.Error("failed to configure payment gateway", logger.Error(err))
		os.Exit(1)
	}

	svc := membership.NewService(
		moduleCfg,
		stores.Subscriptions,
		stores.Attendance,
		stores.Ledger,
		gateway,
		membership.WithLogger(log.With(slog.String("component", "service"))),
	)
	rec := membership.NewReconciler(
		moduleCfg,
		stores.Subscriptions,
		stores.Ledger,
		membership.WithReconcilerLogger(log.With(slog.String("component", "reconciler"))),
	)

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", httpserver.HealthCheckHandler(ctx, log))
	r.Get("/readyz", httpserver.HealthCheckHandler(ctx, log, mongo.Healthcheck(db.Client())))
	r.Mount("/", membership.Router(svc, rec, log.With(slog.String("component", "http"))))

	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("server starting", slog.String("addr", httpCfg.Addr), slog.String("env", appCfg.Env))
		}),
		httpserver.WithStopHook(func(l *slog.Logger) {
			l.Info("server stopped")
		}),
	)
	if err := srv.Run(ctx, r); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}
