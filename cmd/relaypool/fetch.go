package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fiatjaf/relaypool"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v3"
)

var fetch = &cli.Command{
	Name:        "fetch",
	ArgsUsage:   "[<filter-json|nip19-code>]",
	Usage:       "queries the relay set for events",
	Description: "takes a filter as json or a nip19 code (note1, nevent1, npub1, nprofile1, naddr1) as an argument, or reads a stream of those from stdin, and queries the configured relays for matching events, printing each distinct result once.",
	Action: func(ctx context.Context, c *cli.Command) error {
		hasError := false
		for line := range getStdinLinesOrFirstArgument(c) {
			if line == "" {
				continue
			}

			if !strings.HasPrefix(line, "{") {
				evt, err := pool.FetchEventByCode(ctx, line, relaypool.FetchOptions{})
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to fetch '%s': %s\n", line, err)
					hasError = true
					continue
				}
				if evt == nil {
					fmt.Fprintf(os.Stderr, "'%s' not found\n", line)
					hasError = true
					continue
				}
				fmt.Println(evt)
				continue
			}

			filter := nostr.Filter{}
			if err := easyjson.Unmarshal([]byte(line), &filter); err != nil {
				fmt.Fprintf(os.Stderr, "invalid filter '%s' received from stdin: %s\n", line, err)
				hasError = true
				continue
			}

			results, err := pool.FetchEvents(ctx, filter, relaypool.FetchOptions{})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error fetching: %s\n", err)
				hasError = true
				continue
			}
			for _, fe := range results {
				fmt.Println(fe.Event)
			}
		}

		if hasError {
			os.Exit(123)
		}
		return nil
	},
}
