package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v3"
)

func getStdin() string {
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		read := bytes.NewBuffer(make([]byte, 0, 1000))
		_, err := io.Copy(read, os.Stdin)
		if err == nil {
			return read.String()
		}
	}
	return ""
}

func isPiped() bool {
	stat, _ := os.Stdin.Stat()
	return stat.Mode()&os.ModeCharDevice == 0
}

func getStdinLinesOrFirstArgument(c *cli.Command) chan string {
	// try the first argument
	target := c.Args().First()
	if target != "" {
		single := make(chan string, 1)
		single <- target
		close(single)
		return single
	}

	// try the stdin
	multi := make(chan string)
	if !writeStdinLinesOrNothing(multi) {
		close(multi)
	}
	return multi
}

func writeStdinLinesOrNothing(ch chan string) (hasStdinLines bool) {
	if isPiped() {
		// piped
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				ch <- strings.TrimSpace(scanner.Text())
			}
			close(ch)
		}()
		return true
	} else {
		// not piped
		return false
	}
}

func decodePubkey(code string) (string, error) {
	if strings.HasPrefix(code, "npub1") || strings.HasPrefix(code, "nprofile1") {
		prefix, value, err := nip19.Decode(code)
		if err != nil {
			return "", err
		}
		switch prefix {
		case "npub":
			return value.(string), nil
		case "nprofile":
			return value.(nostr.ProfilePointer).PublicKey, nil
		}
	}
	if len(code) == 64 {
		if _, err := hex.DecodeString(code); err == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("not a valid public key")
}
