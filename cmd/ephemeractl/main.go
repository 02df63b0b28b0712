package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/ephemera/pkg/chat"
	"github.com/lrhodin/ephemera/pkg/chatstore"
	"github.com/lrhodin/ephemera/pkg/config"
	"github.com/lrhodin/ephemera/pkg/messaging"
	"github.com/lrhodin/ephemera/pkg/realtime"
)

type contextKey int

const (
	contextKeyApp contextKey = iota
)

// app holds everything a command needs. It is built by prepareApp in a
// command's Before hook and torn down by closeApp in its After hook.
type app struct {
	cfg       *config.Config
	log       *zerolog.Logger
	logCloser io.Closer
	store     *chatstore.Store
	feed      realtime.Feed
	registry  *prometheus.Registry
	client    *messaging.Client
	onMessage func(msg chat.Message, fromOther bool)
}

func getApp(ctx *cli.Context) *app {
	val := ctx.Context.Value(contextKeyApp)
	if val == nil {
		return nil
	}
	return val.(*app)
}

func prepareApp(ctx *cli.Context) error {
	if getApp(ctx) != nil {
		return nil
	}
	cfg, err := config.Load(ctx.String("config"), false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, logCloser, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, log: log, logCloser: logCloser}
	ctx.Context = context.WithValue(log.WithContext(ctx.Context), contextKeyApp, a)

	a.store, err = chatstore.Open(ctx.Context, cfg.Database, *log)
	if err != nil {
		return err
	}
	a.store.Lifetime = cfg.Messages.Lifetime
	if a.feed, err = openFeed(ctx.Context, cfg, a.store, *log); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
	}
	a.client = messaging.New(
		a.store,
		chatstore.NewAuthorizer(a.store),
		chat.StaticIdentity(cfg.UserID),
		a.feed,
		*log,
		messaging.Options{
			PageSize:  cfg.Messages.PageSize,
			CacheSize: cfg.Messages.CacheSize,
			SendGuard: cfg.Messages.SendGuard,
			Metrics:   messaging.NewMetrics(a.registry),
			OnMessage: func(msg chat.Message, fromOther bool) {
				if a.onMessage != nil {
					a.onMessage(msg, fromOther)
				}
			},
		},
	)
	return nil
}

// openFeed connects the configured push transport. Transports that carry
// published events are attached to the store so that sends reach them.
func openFeed(ctx context.Context, cfg *config.Config, store *chatstore.Store, log zerolog.Logger) (realtime.Feed, error) {
	switch cfg.Realtime.Transport {
	case config.TransportNATS:
		feed, err := realtime.DialNATS(cfg.Realtime.NATSURL, cfg.Realtime.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		store.Publisher = feed
		return feed, nil
	case config.TransportRedis:
		feed, err := realtime.DialRedis(ctx, cfg.Realtime.RedisURL, cfg.Realtime.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		store.Publisher = feed
		return feed, nil
	case config.TransportDBWatch:
		path := cfg.DatabasePath()
		if path == "" {
			return nil, fmt.Errorf("realtime.transport dbwatch needs a file-backed sqlite database")
		}
		return realtime.NewDBWatcher(store, path, cfg.Realtime.QuietWindow, log)
	default:
		hub := realtime.NewHub(log)
		store.Publisher = hub
		return hub, nil
	}
}

func requiresUser(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if getApp(ctx).cfg.UserID == "" {
		return fmt.Errorf("no user configured, set user_id in the config or EPHEMERA_USER")
	}
	return nil
}

func closeApp(ctx *cli.Context) error {
	a := getApp(ctx)
	if a == nil {
		return nil
	}
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if closer, ok := a.feed.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.logCloser.Close())
	return errors.Join(errs...)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}
	cliApp := &cli.App{
		Name:    "ephemeractl",
		Usage:   "Send and read ephemeral messages",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"EPHEMERA_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			initCommand,
			createCommand,
			joinCommand,
			leaveCommand,
			conversationsCommand,
			rosterCommand,
			historyCommand,
			sendCommand,
			readCommand,
			watchCommand,
			purgeCommand,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var initCommand = &cli.Command{
	Name:   "init",
	Usage:  "Write an example config file",
	Action: cmdInit,
}

func cmdInit(ctx *cli.Context) error {
	path := ctx.String("config")
	if err := config.WriteExample(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", path)
	return nil
}
