package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ticketbridge/relayer/internal/opsapi"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("bridge-status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	url := fs.String("url", "http://127.0.0.1:8080", "bridge-relayer ops API URL")
	authEnv := fs.String("auth-env", "TICKETBRIDGE_OPS_AUTH_TOKEN", "env var containing the ops API bearer token")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}

	client, err := opsapi.NewClient(*url, os.Getenv(*authEnv))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rest := fs.Args()
	cmd := "status"
	if len(rest) > 0 {
		cmd = rest[0]
	}

	switch cmd {
	case "status":
		resp, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, resp)
	case "ticket":
		if len(rest) != 3 {
			return errors.New("usage: bridge-status ticket <origin-chain> <ticket-id>")
		}
		originChain, err := strconv.ParseUint(strings.TrimSpace(rest[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("parse origin chain: %w", err)
		}
		ticketID, err := strconv.ParseUint(strings.TrimSpace(rest[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("parse ticket id: %w", err)
		}
		resp, err := client.Ticket(ctx, originChain, ticketID)
		if err != nil {
			return err
		}
		return writeJSON(stdout, resp)
	case "tickets":
		if len(rest) != 2 {
			return errors.New("usage: bridge-status tickets <status>")
		}
		resp, err := client.TicketsByStatus(ctx, strings.TrimSpace(rest[1]), 0)
		if err != nil {
			return err
		}
		return writeJSON(stdout, resp)
	case "events":
		if len(rest) != 2 {
			return errors.New("usage: bridge-status events <chain>")
		}
		chain, err := strconv.ParseUint(strings.TrimSpace(rest[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("parse chain: %w", err)
		}
		resp, err := client.Events(ctx, chain, 0, 0)
		if err != nil {
			return err
		}
		return writeJSON(stdout, resp)
	default:
		return fmt.Errorf("unknown command %q (want status, ticket, tickets, or events)", cmd)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
