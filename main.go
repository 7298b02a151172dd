package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gonets/internal/config"
	"gonets/internal/models"
	"gonets/internal/relay"
	"gonets/internal/session"

	"golang.org/x/sync/errgroup"
)

type options struct {
	token       string
	userID      string
	displayName string
	logout      bool
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := session.NewStore(cfg.DBFile, cfg.SealSecret)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if opts.logout {
		return store.ClearSession()
	}

	if opts.token != "" {
		if opts.userID == "" {
			return errors.New("-user is required with -token")
		}
		return store.SaveSession(models.User{ID: opts.userID, DisplayName: opts.displayName}, opts.token)
	}

	client, err := relay.New(ctx, cfg, store, slog.Default())
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down relay...")
		client.Close()
		return nil
	})

	return g.Wait()
}

func main() {
	var opts options
	flag.StringVar(&opts.token, "token", "", "Bearer token to store for the user given by -user (stores the session and exits)")
	flag.StringVar(&opts.userID, "user", "", "User id of the authenticated user (used with -token)")
	flag.StringVar(&opts.displayName, "name", "", "Display name of the authenticated user (used with -token)")
	flag.BoolVar(&opts.logout, "logout", false, "Clear the stored session and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
