package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stepline.social/internal/account"
	"stepline.social/internal/config"
	"stepline.social/internal/events"
	"stepline.social/internal/httpapi"
	"stepline.social/internal/mail"
	"stepline.social/internal/media"
	"stepline.social/internal/migrations"
	"stepline.social/internal/obs"
)

var version = "0.3.1"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	obs.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store: "memory" keeps everything in-process for local development,
	// anything else is a Postgres DSN.
	var (
		store account.Store
		probe httpapi.Pinger
	)
	if cfg.DB.DSN == "memory" {
		store = account.NewMemoryStore()
	} else {
		pg, err := account.OpenPostgres(ctx, cfg.DB.DSN, cfg.DB.MaxOpenConns, cfg.DB.MaxIdleConns, cfg.DB.ConnMaxLifetime)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		if cfg.DB.AutoMigrate {
			if err := migrations.Up(ctx, pg.DB()); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		store = pg
		probe = pg
	}
	defer store.Close()

	tokens, err := account.NewTokenIssuer([]byte(cfg.Auth.JWTSecret),
		account.WithIssuer(cfg.Auth.Issuer),
		account.WithAccessTTL(cfg.Auth.AccessTokenTTL),
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	opts := []account.ServiceOption{
		account.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
		account.WithVerification(cfg.Verify.CodeTTL, cfg.Verify.MaxAttempts),
		account.WithLockoutPolicy(cfg.Lockout.Threshold, cfg.Lockout.Duration),
	}

	if cfg.SMTP.Host != "" {
		opts = append(opts, account.WithMailer(mail.NewSMTP(mail.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			StartTLS: cfg.SMTP.Username != "",
			Timeout:  cfg.SMTP.Timeout,
		})))
	} else if cfg.Env == "local" {
		opts = append(opts, account.WithMailer(mail.NewCapture()))
	}

	if cfg.Media.Endpoint != "" {
		avatars, err := media.New(ctx, media.Config{
			Endpoint:      cfg.Media.Endpoint,
			AccessKey:     cfg.Media.AccessKey,
			SecretKey:     cfg.Media.SecretKey,
			Bucket:        cfg.Media.Bucket,
			UseSSL:        cfg.Media.UseSSL,
			PublicBaseURL: cfg.Media.PublicURL,
		})
		if err != nil {
			log.Fatalf("media store: %v", err)
		}
		opts = append(opts, account.WithMedia(avatars))
	}

	if len(cfg.Events.Brokers) > 0 {
		publisher := events.New(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.Timeout)
		defer publisher.Close()
		opts = append(opts, account.WithEvents(publisher))
	}

	if cfg.Breach.Enabled {
		opts = append(opts, account.WithBreachChecker(
			account.NewHTTPBreachChecker(cfg.Breach.BaseURL, cfg.Breach.Timeout)))
	}

	svc, err := account.NewService(store, tokens, opts...)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	go svc.RunSweeper(ctx, cfg.Sweeper.Interval, cfg.Sweeper.Retention)

	api := httpapi.New(svc, tokens, probe, httpapi.Options{
		Version: version,
		Cookie: httpapi.CookiePolicy{
			Name:     "refresh",
			Domain:   cfg.Cookie.Domain,
			Path:     cfg.Cookie.Path,
			Secure:   cfg.Cookie.Secure,
			SameSite: sameSite(cfg.Cookie.SameSite),
		},
		Limits: httpapi.RateLimits{
			Login:         budget(cfg.RateLimit.Login),
			RegisterStart: budget(cfg.RateLimit.RegisterStart),
			Verify:        budget(cfg.RateLimit.RegisterVerify),
			Forgot:        budget(cfg.RateLimit.Forgot),
			Reset:         budget(cfg.RateLimit.Reset),
		},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting stepline-auth %s on %s (env=%s)", version, srv.Addr, cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	log.Println("Stopped")
}

func sameSite(mode string) http.SameSite {
	switch mode {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func budget(b config.RateBudget) httpapi.RateBudget {
	return httpapi.RateBudget{Limit: b.Requests, Window: b.Window}
}
