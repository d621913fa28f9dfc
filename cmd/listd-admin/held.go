package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/mailinglist"
)

func handleHeldCommand(ctx context.Context) {
	switch sub := subcommand(printHeldUsage); sub {
	case "list":
		handleHeldList(ctx)
	case "accept", "reject", "discard":
		handleHeldDispose(ctx, sub)
	case "help", "--help", "-h":
		printHeldUsage()
	default:
		fmt.Printf("Unknown held subcommand: %s\n\n", sub)
		printHeldUsage()
		os.Exit(1)
	}
}

func printHeldUsage() {
	fmt.Printf(`Held Message Moderation

Usage:
  listd-admin held <subcommand> [options]

Subcommands:
  list      Show messages held for moderation on a list
  accept    Release a held message to the outbox
  reject    Drop a held message
  discard   Drop a held message silently

Examples:
  listd-admin held list --list dev.example.org
  listd-admin held accept --id 0b9f6c8e-41c2-4c84-8d59-7a7c1f3c1c55
`)
}

func handleHeldList(ctx context.Context) {
	fs := flag.NewFlagSet("held list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.listHeld(ctx, *ref)
	})
}

func handleHeldDispose(ctx context.Context, sub string) {
	fs := flag.NewFlagSet("held "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Held message id (required)")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		action, err := mailinglist.ParseAction(sub)
		if err != nil {
			return err
		}
		return env.disposeHeld(ctx, *id, action)
	})
}

func (e *adminEnv) listHeld(ctx context.Context, ref string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	held, err := e.holds.List(ctx, ml.ListID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		fmt.Fprintf(e.out, "No held messages for %s.\n", ml.ListID)
		return nil
	}

	fmt.Fprintf(e.out, "Found %d held message(s):\n\n", len(held))
	for _, h := range held {
		fmt.Fprintf(e.out, "ID:       %s\n", h.ID)
		fmt.Fprintf(e.out, "Sender:   %s\n", h.Sender)
		fmt.Fprintf(e.out, "Subject:  %s\n", h.Subject)
		fmt.Fprintf(e.out, "Held at:  %s\n", h.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(e.out, "Rules:    %s\n", strings.Join(h.HitRules, ", "))
		if len(h.Reasons) > 0 {
			fmt.Fprintf(e.out, "Reasons:  %s\n", strings.Join(h.Reasons, "; "))
		}
		fmt.Fprintln(e.out)
	}
	return nil
}

func (e *adminEnv) disposeHeld(ctx context.Context, rawID string, action mailinglist.Action) error {
	if rawID == "" {
		return fmt.Errorf("--id is required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid held message id %q: %w", rawID, err)
	}
	if err := e.holds.Dispose(ctx, id, action); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Held message %s: %s\n", id, action)
	return nil
}
