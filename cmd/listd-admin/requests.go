package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/subscriptions"
)

func handleRequestCommand(ctx context.Context) {
	switch sub := subcommand(printRequestUsage); sub {
	case "subscribe", "unsubscribe":
		handleRequestRegister(ctx, sub)
	case "confirm", "approve", "reject":
		handleRequestRedeem(ctx, sub)
	case "pending":
		handleRequestPending(ctx)
	case "expire":
		handleRequestExpire(ctx)
	case "help", "--help", "-h":
		printRequestUsage()
	default:
		fmt.Printf("Unknown request subcommand: %s\n\n", sub)
		printRequestUsage()
		os.Exit(1)
	}
}

func printRequestUsage() {
	fmt.Printf(`Subscription Request Management

Usage:
  listd-admin request <subcommand> [options]

Subcommands:
  subscribe     Start a join request, following the list's subscription policy
  unsubscribe   Start a leave request, following the list's unsubscription policy
  confirm       Redeem a token waiting for the subscriber
  approve       Redeem a token waiting for a moderator
  reject        Reject a token waiting for a moderator
  pending       Show requests waiting for someone
  expire        Expire one token, or every request older than a duration

Examples:
  listd-admin request subscribe --list dev.example.org --email anne@example.com
  listd-admin request subscribe --list dev.example.org --email anne@example.com --pre-confirmed
  listd-admin request approve --token 3f2a...
  listd-admin request pending --list dev.example.org
  listd-admin request expire --older-than 3d
`)
}

func handleRequestRegister(ctx context.Context, sub string) {
	fs := flag.NewFlagSet("request "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	email := fs.String("email", "", "Subscriber address (required)")
	name := fs.String("name", "", "Display name")
	language := fs.String("language", "", "Preferred language; the list's when empty")
	preConfirmed := fs.Bool("pre-confirmed", false, "Skip subscriber confirmation")
	preApproved := fs.Bool("pre-approved", false, "Skip moderator approval")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		kind, err := subscriptions.ParseRequestKind(sub)
		if err != nil {
			return err
		}
		return env.register(ctx, *ref, kind, *email, *name, *language, subscriptions.RegisterOptions{
			PreConfirmed: *preConfirmed,
			PreApproved:  *preApproved,
		})
	})
}

func handleRequestRedeem(ctx context.Context, sub string) {
	fs := flag.NewFlagSet("request "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	token := fs.String("token", "", "Request token (required)")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.redeem(ctx, sub, *token)
	})
}

func handleRequestPending(ctx context.Context) {
	fs := flag.NewFlagSet("request pending", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.showPending(ctx, *ref, *jsonOutput)
	})
}

func handleRequestExpire(ctx context.Context) {
	fs := flag.NewFlagSet("request expire", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	token := fs.String("token", "", "Expire this token")
	olderThan := fs.String("older-than", "", "Expire every pending request older than this (e.g. 72h, 3d)")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.expire(ctx, *token, *olderThan, time.Now())
	})
}

func (e *adminEnv) register(ctx context.Context, ref string, kind subscriptions.RequestKind, email, name, language string, opts subscriptions.RegisterOptions) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	if email == "" {
		return fmt.Errorf("--email is required")
	}
	if language == "" {
		language = ml.PreferredLanguage
	}

	record := subscriptions.NewRequestRecord(email, name, subscriptions.DeliveryRegular, language)
	req, err := e.registrar.Register(ctx, ml.ListID, kind, record, opts)
	if err != nil {
		return err
	}
	e.printRequest(req)
	return nil
}

func (e *adminEnv) redeem(ctx context.Context, action, token string) error {
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	var (
		req *subscriptions.PendingRequest
		err error
	)
	switch action {
	case "confirm":
		req, err = e.registrar.Confirm(ctx, token)
	case "approve":
		req, err = e.registrar.Approve(ctx, token)
	case "reject":
		req, err = e.registrar.Reject(ctx, token)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	e.printRequest(req)
	return nil
}

func (e *adminEnv) printRequest(req *subscriptions.PendingRequest) {
	fmt.Fprintf(e.out, "Request %s %s on %s: %s", req.Kind, req.Email, req.ListID, req.State)
	if req.State.Pending() {
		fmt.Fprintf(e.out, " (token %s, waiting for %s)", req.Token, req.Owner)
	}
	fmt.Fprintln(e.out)
}

func (e *adminEnv) showPending(ctx context.Context, ref string, jsonOutput bool) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	pending, err := e.registrar.Pending(ctx, ml.ListID)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling JSON: %w", err)
		}
		fmt.Fprintln(e.out, string(data))
		return nil
	}

	if len(pending) == 0 {
		fmt.Fprintf(e.out, "No pending requests for %s.\n", ml.ListID)
		return nil
	}
	fmt.Fprintf(e.out, "%-40s %-12s %-32s %-34s %-20s\n", "Token", "Kind", "Email", "State", "Created")
	fmt.Fprintf(e.out, "%-40s %-12s %-32s %-34s %-20s\n", "-----", "----", "-----", "-----", "-------")
	for _, req := range pending {
		fmt.Fprintf(e.out, "%-40s %-12s %-32s %-34s %-20s\n",
			req.Token, req.Kind, req.Email, req.State, req.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (e *adminEnv) expire(ctx context.Context, token, olderThan string, now time.Time) error {
	switch {
	case token != "" && olderThan != "":
		return fmt.Errorf("use either --token or --older-than, not both")
	case token != "":
		req, err := e.registrar.Expire(ctx, token)
		if err != nil {
			return err
		}
		e.printRequest(req)
		return nil
	case olderThan != "":
		age, err := helpers.ParseDuration(olderThan)
		if err != nil {
			return fmt.Errorf("invalid --older-than: %w", err)
		}
		n, err := e.registrar.ExpireOlderThan(ctx, now.Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Expired %d request(s)\n", n)
		return nil
	}
	return fmt.Errorf("--token or --older-than is required")
}
