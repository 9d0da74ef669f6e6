package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fiatjaf/relaypool"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v3"
)

var stream = &cli.Command{
	Name:        "stream",
	ArgsUsage:   "[<filter-json>]",
	Usage:       "subscribes to the relay set and prints events as they come",
	Description: "takes a filter as an argument or from stdin, opens a subscription on the configured relays and keeps printing matching events until interrupted. a notice is printed to stderr once all relays have served their stored events.",
	Action: func(ctx context.Context, c *cli.Command) error {
		line := c.Args().First()
		if line == "" {
			line = getStdin()
		}

		filter := nostr.Filter{}
		if line != "" {
			if err := easyjson.Unmarshal([]byte(line), &filter); err != nil {
				return fmt.Errorf("invalid filter '%s': %w", line, err)
			}
		}

		sub, err := pool.Subscribe(ctx, filter, relaypool.SubscribeOptions{Label: "stream"})
		if err != nil {
			return err
		}

		go func() {
			select {
			case <-sub.EndOfStoredEvents:
				fmt.Fprintln(os.Stderr, "(end of stored events)")
			case <-ctx.Done():
			}
		}()

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return nil
				}
				fmt.Println(ev.Event)
			case <-ctx.Done():
				return nil
			}
		}
	},
}
