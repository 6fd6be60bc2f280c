package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/config"
	"marketplace_auth/internal/guard"
	"marketplace_auth/internal/handler"
	"marketplace_auth/internal/mailer"
	"marketplace_auth/internal/otp"
	"marketplace_auth/internal/reset"
	"marketplace_auth/internal/service"
	"marketplace_auth/internal/session"
	"marketplace_auth/internal/storage"
	"marketplace_auth/internal/storage/memory"
	"marketplace_auth/internal/storage/mongo"
	"marketplace_auth/internal/storage/postgres"
	redisstore "marketplace_auth/internal/storage/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

type tokenStorage interface {
	storage.RefreshTokenStorage
	storage.BlacklistStorage
}

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the yaml config, falls back to CONFIG_PATH")

	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Fatalf("failed to load .env: %v", err)
		}
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting auth service", slog.String("env", cfg.Env), slog.String("db_driver", cfg.DB.Driver))

	if cfg.Env == envProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lgr); err != nil {
		lgr.Error("auth service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	lgr.Info("auth service stopped")
}

func run(ctx context.Context, cfg *config.Config, lgr *slog.Logger) error {
	//INIT DB
	st, err := setupStorage(ctx, cfg, lgr)
	if err != nil {
		return err
	}
	defer st.Close()

	var tokens tokenStorage = st
	if cfg.Redis.URL != "" {
		rdb, err := redisstore.Connect(ctx, cfg.Redis.URL, 5, 2*time.Second)
		if err != nil {
			return err
		}
		defer rdb.Close()

		tokens = redisstore.NewRedisStorage(rdb, cfg.Redis.KeyPrefix)
		lgr.Info("refresh tokens and blacklist stored in redis")
	}

	sender, err := setupMailer(cfg, lgr)
	if err != nil {
		return err
	}

	//INIT SERVICES
	codec, err := auth.NewCodec(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(st, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	refreshStore := session.NewRefreshStore(tokens, cfg.Auth.RefreshTTL)
	blacklist := session.NewBlacklist(tokens)
	resets := reset.NewManager(st, cfg.PasswordReset.TTL)
	otps := otp.NewManager(st, otp.Config{
		TTL:         cfg.OTP.TTL,
		Cooldown:    cfg.OTP.Cooldown,
		MaxAttempts: cfg.OTP.MaxAttempts,
	})

	srvc := service.NewService(lgr, service.Deps{
		Users:     st,
		Verifier:  verifier,
		Codec:     codec,
		Refresh:   refreshStore,
		Blacklist: blacklist,
		OTP:       otps,
		Reset:     resets,
		Mailer:    sender,
	}, service.Config{
		BcryptCost:   cfg.Auth.BcryptCost,
		ResetURLBase: cfg.PasswordReset.URLBase,
	})

	sweeper := session.NewSweeper(cfg.Sweeper.Interval, lgr).
		Add("blacklist", blacklist).
		Add("refresh_tokens", refreshStore).
		Add("password_reset_tokens", resets)
	go sweeper.Run(ctx)

	//INIT SERVER
	h := handler.NewHandler(srvc, guard.Access(codec, blacklist), lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		lgr.Info("http server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lgr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func setupStorage(ctx context.Context, cfg *config.Config, lgr *slog.Logger) (storage.Storage, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		if cfg.DB.Migrate {
			if err := postgres.Migrate(cfg.DB.DbURL); err != nil {
				return nil, err
			}
			lgr.Info("migrations applied")
		}
		st, err := postgres.NewPostgresStorage(ctx, cfg.DB.DbURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMongo:
		st, err := mongo.NewMongoStorage(ctx, cfg.DB.MongoURI, cfg.DB.MongoDB)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		lgr.Warn("using in-memory storage, state is lost on restart")
		return memory.New(), nil
	}
}

func setupMailer(cfg *config.Config, lgr *slog.Logger) (mailer.Sender, error) {
	if cfg.Mailer.Driver == config.MailerPostmark {
		sender, err := mailer.NewPostmarkSender(mailer.PostmarkConfig{
			ServerToken:  cfg.Mailer.PostmarkServerToken,
			AccountToken: cfg.Mailer.PostmarkAccountToken,
			From:         cfg.Mailer.From,
			ReplyTo:      cfg.Mailer.ReplyTo,
		})
		if err != nil {
			return nil, err
		}
		return sender, nil
	}
	return mailer.NewLogSender(lgr.With(slog.String("component", "mailer"))), nil
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
