package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var outbox = &cli.Command{
	Name:        "outbox",
	ArgsUsage:   "[<npub|nprofile|pubkey-hex>]",
	Usage:       "shows where a user writes and reads",
	Description: "takes a public key as an argument or a stream of them from stdin and prints the relays announced in each user's latest relay list, fetching it from the discovery relays when it isn't cached.",
	Action: func(ctx context.Context, c *cli.Command) error {
		hasError := false
		for line := range getStdinLinesOrFirstArgument(c) {
			if line == "" {
				continue
			}

			pubkey, err := decodePubkey(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid pubkey '%s': %s\n", line, err)
				hasError = true
				continue
			}

			hints, err := pool.Outbox().Refresh(ctx, pubkey)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to get relays for '%s': %s\n", line, err)
				hasError = true
				continue
			}

			for _, url := range hints.Write {
				fmt.Printf("write\t%s\n", url)
			}
			for _, url := range hints.Read {
				fmt.Printf("read\t%s\n", url)
			}
		}

		if hasError {
			os.Exit(123)
		}
		return nil
	},
}
