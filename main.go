package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/notify"
	"parley/internal/registry"
	"parley/internal/router"
	"parley/internal/status"
	"parley/internal/storage"
	"parley/internal/typing"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "Identity to issue a token for (asks the running server's admin API)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, level)
	slog.SetDefault(log)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.RegistryShards, log.With("component", "registry"))
	tracker := status.New(ctx, bbStorage, reg, status.DefaultTTL, log.With("component", "status"))
	typer := typing.New(bbStorage, reg, log.With("component", "typing"))

	opts := router.Options{
		MaxContentLength: cfg.MaxContentLength,
		Log:              log.With("component", "router"),
	}
	var notifier *notify.Notifier
	notifyCfg := notify.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
	}
	if notifyCfg.Enabled() {
		notifier = notify.New(notifyCfg, bbStorage, log.With("component", "notify"))
		opts.Notifier = notifier
	} else {
		log.Info("web push disabled, VAPID keys are not set")
	}
	msgRouter := router.New(bbStorage, reg, tracker, typer, opts)

	wsServer := ws.NewServer(authService, reg, msgRouter, ws.Config{
		QueueSize:    cfg.SendQueueSize,
		PingInterval: cfg.PingInterval,
		WriteTimeout: cfg.WriteTimeout,
	}, log.With("component", "ws"))

	apiHandlers := api.New(authService, bbStorage, cfg.HistoryPageSize, log.With("component", "api"))
	adminHandler := api.NewAdminHandler(authService, bbStorage, reg, log.With("component", "admin"))

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	if notifier != nil {
		g.Go(func() error { return notifier.Run(gCtx) })
	}

	// Wait for context cancellation (signal) or a server failure.
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not closed by Shutdown.
		reg.Close()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
