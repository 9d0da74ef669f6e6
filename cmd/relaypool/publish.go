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

var publish = &cli.Command{
	Name:        "publish",
	ArgsUsage:   "[<event-json>]",
	Usage:       "publishes events to the relay set",
	Description: "takes an event as an argument or reads a stream of events from stdin, signs the unsigned ones (requires --sec) and publishes each to the configured relays, printing every relay's verdict.",
	Action: func(ctx context.Context, c *cli.Command) error {
		hasError := false
		for line := range getStdinLinesOrFirstArgument(c) {
			if line == "" {
				continue
			}

			var event nostr.Event
			if err := easyjson.Unmarshal([]byte(line), &event); err != nil {
				fmt.Fprintf(os.Stderr, "invalid event '%s': %s\n", line, err)
				hasError = true
				continue
			}

			results, err := pool.Publish(ctx, &event, relaypool.PublishOptions{})
			if err != nil {
				hasError = true
				if len(results) == 0 {
					fmt.Fprintf(os.Stderr, "failed to publish '%s': %s\n", line, err)
					continue
				}
			}

			for _, res := range results {
				switch {
				case res.Err != nil:
					fmt.Fprintf(os.Stderr, "%s: %s\n", res.Relay.URL(), res.Err)
				case res.OK:
					fmt.Fprintf(os.Stderr, "%s: ok\n", res.Relay.URL())
				default:
					fmt.Fprintf(os.Stderr, "%s: rejected: %s\n", res.Relay.URL(), res.Reason)
				}
			}
		}

		if hasError {
			os.Exit(123)
		}
		return nil
	},
}
