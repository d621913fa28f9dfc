package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/subscriptions"
)

func handleMemberCommand(ctx context.Context) {
	switch subcommand(printMemberUsage) {
	case "add":
		handleMemberAdd(ctx)
	case "remove":
		handleMemberRemove(ctx)
	case "find":
		handleMemberFind(ctx)
	case "unsubscribe":
		handleMemberUnsubscribe(ctx)
	case "help", "--help", "-h":
		printMemberUsage()
	default:
		fmt.Printf("Unknown member subcommand: %s\n\n", os.Args[2])
		printMemberUsage()
		os.Exit(1)
	}
}

func printMemberUsage() {
	fmt.Printf(`Membership Management

Usage:
  listd-admin member <subcommand> [options]

Subcommands:
  add           Add a membership directly, skipping confirmation and approval
  remove        Remove one membership
  find          Find memberships by address pattern, list and role
  unsubscribe   Remove several members and report who was not removed

Roles are owner, moderator, member and nonmember.

Examples:
  listd-admin member add --list dev.example.org --email anne@example.com --role owner
  listd-admin member add --list dev.example.org --email spam@example.net --role nonmember --action discard
  listd-admin member find --email "*@example.com" --role member
  listd-admin member unsubscribe --list dev.example.org anne@example.com bart@example.com
`)
}

func handleMemberAdd(ctx context.Context) {
	fs := flag.NewFlagSet("member add", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	email := fs.String("email", "", "Member address (required)")
	name := fs.String("name", "", "Display name")
	role := fs.String("role", "member", "Membership role")
	delivery := fs.String("delivery", "regular", "Delivery mode")
	language := fs.String("language", "", "Preferred language")
	action := fs.String("action", "", "Per-member moderation action (accept, hold, reject, discard)")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.addMember(ctx, *ref, *email, *name, *role, *delivery, *language, *action)
	})
}

func handleMemberRemove(ctx context.Context) {
	fs := flag.NewFlagSet("member remove", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	email := fs.String("email", "", "Member address (required)")
	role := fs.String("role", "member", "Membership role")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.removeMember(ctx, *ref, *email, *role)
	})
}

func handleMemberFind(ctx context.Context) {
	fs := flag.NewFlagSet("member find", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address; all lists when empty")
	email := fs.String("email", "", "Address or pattern with * wildcards")
	role := fs.String("role", "", "Membership role; all roles when empty")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.findMembers(ctx, *ref, *email, *role, *jsonOutput)
	})
}

func handleMemberUnsubscribe(ctx context.Context) {
	fs := flag.NewFlagSet("member unsubscribe", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	ref := fs.String("list", "", "List id or posting address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin member unsubscribe --list <list> email...")
	}
	withEnv(ctx, fs, configPath, func(env *adminEnv) error {
		return env.unsubscribe(ctx, *ref, fs.Args())
	})
}

func (e *adminEnv) addMember(ctx context.Context, ref, email, name, roleName, deliveryName, language, actionName string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	if email == "" {
		return fmt.Errorf("--email is required")
	}
	role, err := subscriptions.ParseMemberRole(roleName)
	if err != nil {
		return err
	}
	mode, err := subscriptions.ParseDeliveryMode(deliveryName)
	if err != nil {
		return err
	}
	var action *mailinglist.Action
	if actionName != "" {
		a, err := mailinglist.ParseAction(actionName)
		if err != nil {
			return err
		}
		action = &a
	}

	record := subscriptions.NewRequestRecord(email, name, mode, language)
	member, err := e.service.Join(ctx, ml.ListID, record, role)
	if err != nil {
		return err
	}
	if action != nil {
		if err := e.service.SetModerationAction(ctx, ml.ListID, member.Email, role, action); err != nil {
			return err
		}
	}
	fmt.Fprintf(e.out, "Added %s to %s as %s\n", member.Email, ml.ListID, member.Role)
	return nil
}

func (e *adminEnv) removeMember(ctx context.Context, ref, email, roleName string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	role, err := subscriptions.ParseMemberRole(roleName)
	if err != nil {
		return err
	}

	if role == subscriptions.RoleMember {
		if err := e.service.Leave(ctx, ml.ListID, email); err != nil {
			return err
		}
	} else {
		member, err := e.service.FindMember(ctx, subscriptions.MemberQuery{
			Subscriber: email, ListID: ml.ListID, Role: subscriptions.RoleQuery(role),
		})
		if err != nil {
			return err
		}
		if member == nil {
			return &subscriptions.NotAMemberError{ListID: ml.ListID, Email: email}
		}
		if err := e.stores.Members.RemoveMember(ctx, member.ID); err != nil {
			return fmt.Errorf("failed to remove %s: %w", role, err)
		}
	}
	fmt.Fprintf(e.out, "Removed %s %s from %s\n", role, email, ml.ListID)
	return nil
}

func (e *adminEnv) findMembers(ctx context.Context, ref, email, roleName string, jsonOutput bool) error {
	query := subscriptions.MemberQuery{Subscriber: email}
	if ref != "" {
		ml, err := e.list(ref)
		if err != nil {
			return err
		}
		query.ListID = ml.ListID
	}
	if roleName != "" {
		role, err := subscriptions.ParseMemberRole(roleName)
		if err != nil {
			return err
		}
		query.Role = subscriptions.RoleQuery(role)
	}

	members, err := e.service.FindMembers(ctx, query)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(members, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling JSON: %w", err)
		}
		fmt.Fprintln(e.out, string(data))
		return nil
	}

	if len(members) == 0 {
		fmt.Fprintln(e.out, "No members found.")
		return nil
	}
	fmt.Fprintf(e.out, "Found %d member(s):\n\n", len(members))
	fmt.Fprintf(e.out, "%-32s %-36s %-10s %-10s %-10s\n", "List", "Email", "Role", "Delivery", "Action")
	fmt.Fprintf(e.out, "%-32s %-36s %-10s %-10s %-10s\n", "----", "-----", "----", "--------", "------")
	for _, m := range members {
		action := "-"
		if m.ModerationAction != nil {
			action = m.ModerationAction.String()
		}
		fmt.Fprintf(e.out, "%-32s %-36s %-10s %-10s %-10s\n", m.ListID, m.Email, m.Role, m.DeliveryMode, action)
	}
	return nil
}

func (e *adminEnv) unsubscribe(ctx context.Context, ref string, emails []string) error {
	ml, err := e.list(ref)
	if err != nil {
		return err
	}
	if len(emails) == 0 {
		return fmt.Errorf("no addresses given")
	}
	succeeded, failed, err := e.service.UnsubscribeMembers(ctx, ml.ListID, emails)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Unsubscribed: %s\n", joinOrNone(succeeded))
	fmt.Fprintf(e.out, "Not removed:  %s\n", joinOrNone(failed))
	return nil
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}
