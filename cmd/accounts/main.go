package main

import (
	"context"
	"database/sql"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gofiber/fiber/v2"
	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/credential/auth0"
	"github.com/goliatone/go-accounts/credential/local"
	eventsredis "github.com/goliatone/go-accounts/events/redis"
	"github.com/goliatone/go-accounts/social/google"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8572"`
	DatabaseDSN     string        `env:"DATABASE_DSN" envDefault:"file:accounts.db?cache=shared"`
	SigningKey      string        `env:"SIGNING_KEY,required"`
	TokenIssuer     string        `env:"TOKEN_ISSUER" envDefault:"go-accounts"`
	AccessTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	FrontendBaseURL string        `env:"FRONTEND_BASE_URL" envDefault:"http://localhost:3000"`
	InvitationTTL   time.Duration `env:"INVITATION_TTL" envDefault:"168h"`
	GateTTL         time.Duration `env:"CONFIG_CACHE_TTL" envDefault:"30s"`
	OrphanSweep     time.Duration `env:"ORPHAN_SWEEP_INTERVAL" envDefault:"10m"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"accounts.events"`

	CredentialAuthority string   `env:"CREDENTIAL_AUTHORITY" envDefault:"local"`
	Auth0Domain         string   `env:"AUTH0_DOMAIN"`
	Auth0ClientID       string   `env:"AUTH0_CLIENT_ID"`
	Auth0ClientSecret   string   `env:"AUTH0_CLIENT_SECRET"`
	Auth0Connection     string   `env:"AUTH0_CONNECTION"`
	Auth0Audience       []string `env:"AUTH0_AUDIENCE" envSeparator:","`

	GoogleClientID string `env:"GOOGLE_CLIENT_ID"`
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("accounts"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
	mainLogger := lgr.GetLogger("main")

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "ACCOUNTS_"})
	if err != nil {
		mainLogger.Fatal("config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, accounts.NewLevelLogger(lgr.GetLogger("accounts"))); err != nil {
		mainLogger.Fatal("accounts stopped", "error", err)
	}
}

func run(ctx context.Context, cfg Config, logger accounts.Logger) error {
	db, err := openDB(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := accounts.CreateSchema(ctx, db, local.Models()...); err != nil {
		return err
	}

	repo := accounts.NewRepositoryManager(db)
	repo.MustValidate()

	gate := accounts.NewCachedGate(repo.ConfigEntries(), accounts.WithGateTTL(cfg.GateTTL))

	var publisher accounts.Publisher = accounts.LogPublisher{Logger: logger}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("redis close error: %v", err)
			}
		}()
		publisher = eventsredis.NewStreamPublisher(client, eventsredis.WithStream(cfg.RedisStream))
	}

	notifier, stopNotifier := startNotifier(publisher, logger)
	defer stopNotifier()

	authority, err := newAuthority(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	provisioner := accounts.NewProvisioner(repo, authority, gate,
		accounts.WithProvisionerLogger(logger),
		accounts.WithProvisionerNotifier(notifier),
	)

	go sweepOrphans(ctx, provisioner, cfg.OrphanSweep, logger)

	tokens := accounts.NewTokenService([]byte(cfg.SigningKey), cfg.TokenIssuer,
		accounts.WithAccessTTL(cfg.AccessTTL),
		accounts.WithRefreshTTL(cfg.RefreshTTL),
		accounts.WithTokenLogger(logger),
	)

	authOpts := []accounts.AuthenticatorOption{accounts.WithAuthenticatorLogger(logger)}
	if cfg.GoogleClientID != "" {
		verifier, err := google.NewVerifier(google.Config{ClientID: cfg.GoogleClientID})
		if err != nil {
			return err
		}
		defer verifier.Close()
		authOpts = append(authOpts, accounts.WithIdentityVerifier(verifier))
	}
	if cfg.Auth0Domain != "" {
		verifier, err := auth0.NewVerifier(auth0Config(cfg))
		if err != nil {
			return err
		}
		authOpts = append(authOpts, accounts.WithIdentityVerifier(verifier))
	}

	controller := accounts.NewHTTPController(accounts.HTTPController{
		Provisioner: provisioner,
		Invitations: accounts.NewInvitationManager(repo,
			accounts.WithInvitationTTL(cfg.InvitationTTL),
			accounts.WithInvitationNotifier(notifier),
			accounts.WithInvitationLogger(logger),
			accounts.WithFrontendBaseURL(cfg.FrontendBaseURL),
		),
		Assignments:    accounts.NewAssignmentService(repo, accounts.WithAssignmentLogger(logger)),
		Authenticator:  accounts.NewAuthenticator(repo, authority, gate, tokens, provisioner, authOpts...),
		Lifecycle:      accounts.NewUserLifecycle(repo, authority, logger),
		ConfirmEmail:   accounts.NewConfirmEmailHandler(repo, authority, notifier, logger),
		Logger:         logger,
		GoogleProvider: google.ProviderName,
	})

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: false,
			StrictRouting:     false,
		}))
	})
	controller.RegisterRoutes(srv.Router())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(cfg.HTTPAddr)
	}()
	logger.Info("accounts listening on %s", cfg.HTTPAddr)

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}

	return err
}

// startNotifier runs an async notifier in the background. The returned stop
// func blocks until queued events have been delivered.
func startNotifier(publisher accounts.Publisher, logger accounts.Logger) (*accounts.AsyncNotifier, func()) {
	notifier := accounts.NewAsyncNotifier(publisher, accounts.WithNotifierLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		notifier.Run(ctx)
	}()
	return notifier, func() {
		cancel()
		<-done
	}
}

// sweepOrphans retries deletion of credential subjects left behind by failed
// compensations until ctx is done.
func sweepOrphans(ctx context.Context, p *accounts.Provisioner, every time.Duration, logger accounts.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved, err := p.RetryOrphans(ctx)
			if err != nil {
				logger.Warn("orphan sweep failed: %v", err)
				continue
			}
			if resolved > 0 {
				logger.Info("orphan sweep removed %d subjects", resolved)
			}
		}
	}
}

func openDB(dsn string) (*bun.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func newAuthority(ctx context.Context, cfg Config, db *bun.DB, logger accounts.Logger) (accounts.CredentialAuthority, error) {
	switch strings.ToLower(cfg.CredentialAuthority) {
	case "auth0":
		return auth0.NewManagementAuthority(ctx, auth0Config(cfg), logger)
	default:
		return local.NewAuthority(db), nil
	}
}

func auth0Config(cfg Config) auth0.Config {
	return auth0.Config{
		Domain:       cfg.Auth0Domain,
		ClientID:     cfg.Auth0ClientID,
		ClientSecret: cfg.Auth0ClientSecret,
		Connection:   cfg.Auth0Connection,
		Audience:     cfg.Auth0Audience,
	}
}
