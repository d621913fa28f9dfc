package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/migadu/listd/mailinglist"
)

func handleListCommand(ctx context.Context) {
	switch subcommand(printListUsage) {
	case "create":
		handleListCreate(ctx)
	case "show":
		handleListShow(ctx)
	case "get":
		handleListGet(ctx)
	case "set":
		handleListSet(ctx)
	case "delete":
		handleListDelete(ctx)
	case "help", "--help", "-h":
		printListUsage()
	default:
		fmt.Printf("Unknown list subcommand: %s\n\n", os.Args[2])
		printListUsage()
		os.Exit(1)
	}
}

func printListUsage() {
	fmt.Printf(`Mailing List Management

Usage:
  listd-admin list <subcommand> [options]

Subcommands:
  create   Create a list from its posting address
  show     Show all lists, or one list's addresses and policies
  get      Print list attributes as JSON
  set      Change list attributes (name=value pairs)
  delete   Delete a list

Lists are referenced by list id (dev.example.org) or posting address.

Examples:
  listd-admin list create --address dev@example.org --display-name "Developers"
  listd-admin list show
  listd-admin list get --list dev@example.org subscription_policy rules
  listd-admin list set --list dev.example.org emergency=true "banned_addresses=^.*@spam\.example$"
  listd-admin list delete --list dev.example.org --confirm
`)
}

func handleListCreate(ctx context.Context) {
	fs := flag.NewFlagSet("list create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Posting address of the new list (required)")
	displayName := fs.String("display-name", "", "Human readable list name")
	description := fs.String("description", "", "List description")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.createList(ctx, *address, *displayName, *description)
	})
}

func handleListShow(ctx context.Context) {
	fs := flag.NewFlagSet("list show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address; all lists when empty")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.showLists(*ref)
	})
}

func handleListGet(ctx context.Context) {
	fs := flag.NewFlagSet("list get", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin list get --list <list> [attribute...]")
		fmt.Println("Prints the named attributes, or all of them, as JSON.")
	}
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.getAttributes(*ref, fs.Args())
	})
}

func handleListSet(ctx context.Context) {
	fs := flag.NewFlagSet("list set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	replace := fs.Bool("replace", false, "Replace every writable attribute; all must be given")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin list set --list <list> [--replace] name=value...")
		fmt.Println("Changes list attributes. Nothing is applied unless every value is valid.")
	}
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.setAttributes(ctx, *ref, fs.Args(), *replace)
	})
}

func handleListDelete(ctx context.Context) {
	fs := flag.NewFlagSet("list delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	confirm := fs.Bool("confirm", false, "Confirm the deletion")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		if !*confirm {
			return fmt.Errorf("refusing to delete without --confirm")
		}
		return env.deleteList(ctx, *ref)
	})
}

func (e *adminEnv) createList(ctx context.Context, address, displayName, description string) error {
	if address == "" {
		return fmt.Errorf("--address is required")
	}
	ml, err := mailinglist.New(address)
	if err != nil {
		return err
	}
	if displayName != "" {
		ml.DisplayName = displayName
	}
	ml.Description = description
	ml.PreferredLanguage = e.cfg.Subscriptions.GetPreferredLanguage()

	if err := e.catalog.Create(ctx, ml); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Created list %s (%s)\n", ml.ListID, ml.PostingAddress())
	return nil
}

func (e *adminEnv) showLists(ref string) error {
	if ref == "" {
		lists := e.catalog.List()
		if len(lists) == 0 {
			fmt.Fprintln(e.out, "No mailing lists.")
			return nil
		}
		fmt.Fprintf(e.out, "%-32s %-32s %-12s %-12s %-9s\n", "List ID", "Posting Address", "Subscribe", "Unsubscribe", "Emergency")
		fmt.Fprintf(e.out, "%-32s %-32s %-12s %-12s %-9s\n", "-------", "---------------", "---------", "-----------", "---------")
		for _, ml := range lists {
			fmt.Fprintf(e.out, "%-32s %-32s %-12s %-12s %-9t\n",
				ml.ListID, ml.PostingAddress(), ml.SubscriptionPolicy, ml.UnsubscriptionPolicy, ml.Emergency)
		}
		return nil
	}

	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "List:           %s\n", ml.ListID)
	fmt.Fprintf(e.out, "Display name:   %s\n", ml.DisplayName)
	fmt.Fprintf(e.out, "Posting:        %s\n", ml.PostingAddress())
	fmt.Fprintf(e.out, "Requests:       %s\n", ml.RequestAddress())
	fmt.Fprintf(e.out, "Owners:         %s\n", ml.OwnerAddress())
	fmt.Fprintf(e.out, "Join:           %s\n", ml.JoinAddress())
	fmt.Fprintf(e.out, "Leave:          %s\n", ml.LeaveAddress())
	fmt.Fprintf(e.out, "Subscribe:      %s\n", ml.SubscriptionPolicy)
	fmt.Fprintf(e.out, "Unsubscribe:    %s\n", ml.UnsubscriptionPolicy)
	fmt.Fprintf(e.out, "Rules:          %s\n", strings.Join(ml.Rules, ", "))
	fmt.Fprintf(e.out, "Version:        %d\n", ml.Version)
	return nil
}

func (e *adminEnv) getAttributes(ref string, names []string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}

	var values map[string]any
	if len(names) == 0 {
		values = e.attributes.All(ml)
	} else {
		values = make(map[string]any, len(names))
		for _, name := range names {
			v, err := e.attributes.Get(ml, name)
			if err != nil {
				return err
			}
			values[name] = v
		}
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %w", err)
	}
	fmt.Fprintln(e.out, string(data))
	return nil
}

// parseAssignments turns name=value arguments into a map.
func parseAssignments(args []string) (map[string]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		if _, dup := values[name]; dup {
			return nil, fmt.Errorf("attribute %q given twice", name)
		}
		values[name] = value
	}
	return values, nil
}

func (e *adminEnv) setAttributes(ctx context.Context, ref string, args []string, replace bool) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	values, err := parseAssignments(args)
	if err != nil {
		return err
	}
	if len(values) == 0 && !replace {
		return fmt.Errorf("nothing to set")
	}

	updated, err := e.catalog.Update(ctx, ml.ListID, func(next *mailinglist.MailingList) error {
		if replace {
			return e.attributes.Put(next, values)
		}
		return e.attributes.Patch(next, values)
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(e.out, "Updated %s (version %d): %s\n", updated.ListID, updated.Version, strings.Join(names, ", "))
	return nil
}

func (e *adminEnv) deleteList(ctx context.Context, ref string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	if err := e.catalog.Delete(ctx, ml.ListID); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Deleted list %s\n", ml.ListID)
	return nil
}
