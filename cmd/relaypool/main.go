package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fiatjaf/relaypool"
	"github.com/fiatjaf/relaypool/badgerhints"
	"github.com/fiatjaf/relaypool/wsrelay"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

var pool *relaypool.Pool

var app = &cli.Command{
	Name:      "relaypool",
	Usage:     "a CLI for talking to sets of nostr relays",
	UsageText: "relaypool -r wss://relay.damus.io -r wss://nos.lol <fetch|stream|publish|outbox> ...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "relay",
			Aliases: []string{"r"},
			Usage:   "relay urls to use as the default set",
		},
		&cli.StringSliceFlag{
			Name:  "discovery",
			Usage: "relay urls used for looking up relay lists",
		},
		&cli.StringSliceFlag{
			Name:  "blacklist",
			Usage: "relay urls that must never be touched",
		},
		&cli.BoolFlag{
			Name:  "outbox",
			Usage: "pick relays from each author's announced relay list",
		},
		&cli.StringFlag{
			Name:  "hints",
			Usage: "path to a directory for persisting discovered relay lists",
		},
		&cli.StringFlag{
			Name:    "sec",
			Usage:   "secret key (hex or nsec) for signing and nip42 auth",
			Sources: cli.EnvVars("NOSTR_SECRET_KEY"),
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "how long to wait for relays on each operation",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
		},
	},
	Before: func(ctx context.Context, c *cli.Command) error {
		logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).Level(zerolog.WarnLevel)
		if c.Bool("verbose") {
			logger = logger.Level(zerolog.DebugLevel)
		}

		if len(c.StringSlice("relay")) == 0 {
			return fmt.Errorf("specify at least one relay with --relay")
		}

		opts := relaypool.Options{
			DefaultRelays:   c.StringSlice("relay"),
			DiscoveryRelays: c.StringSlice("discovery"),
			Blacklist:       c.StringSlice("blacklist"),
			EnableOutbox:    c.Bool("outbox"),
			Dialer:          wsrelay.Dialer(wsrelay.Options{Logger: &logger}),
			FetchTimeout:    c.Duration("timeout"),
			Logger:          &logger,
		}

		if sec := c.String("sec"); sec != "" {
			if strings.HasPrefix(sec, "nsec1") {
				_, value, err := nip19.Decode(sec)
				if err != nil {
					return fmt.Errorf("invalid nsec: %w", err)
				}
				sec = value.(string)
			}
			signer, err := relaypool.NewKeySigner(sec)
			if err != nil {
				return err
			}
			opts.Signer = signer
			opts.AuthPolicy = relaypool.SignAuthPolicy(signer)
		}

		if path := c.String("hints"); path != "" {
			hdb := &badgerhints.HintDB{Path: path}
			if err := hdb.Init(); err != nil {
				return err
			}
			opts.HintDB = hdb
		}

		var err error
		pool, err = relaypool.New(ctx, opts)
		if err != nil {
			return err
		}

		connected := pool.Connect(ctx, c.Duration("timeout"))
		fmt.Fprintf(os.Stderr, "connected to %d/%d relays\n", connected, len(pool.Relays()))
		return nil
	},
	After: func(ctx context.Context, c *cli.Command) error {
		if pool != nil {
			pool.Close()
		}
		return nil
	},
	Commands: []*cli.Command{
		fetch,
		stream,
		publish,
		outbox,
	},
	DefaultCommand: "fetch",
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
