package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/listd/backend"
	"github.com/migadu/listd/config"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/rules"
	"github.com/migadu/listd/server/outbox"
	"github.com/migadu/listd/server/sieveengine"
	"github.com/migadu/listd/subscriptions"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		cancel()
	}()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "list":
		handleListCommand(ctx)
	case "member":
		handleMemberCommand(ctx)
	case "request":
		handleRequestCommand(ctx)
	case "held":
		handleHeldCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("listd-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`listd Admin Tool

Usage:
  listd-admin <command> <subcommand> [options]

Commands:
  migrate   Manage the PostgreSQL schema (up, down, version, force)
  list      Manage mailing lists (create, show, get, set, delete)
  member    Manage memberships (add, remove, find, unsubscribe)
  request   Manage pending requests (subscribe, confirm, approve, reject, pending, expire)
  held      Moderate held messages (list, accept, reject, discard)
  version   Show version information
  help      Show this help message

Every subcommand accepts --config (default: config.toml).

Examples:
  listd-admin list create --address dev@example.org
  listd-admin list set --list dev.example.org subscription_policy=open
  listd-admin member add --list dev.example.org --email anne@example.com --role moderator
  listd-admin request pending --list dev.example.org
  listd-admin held accept --id 0b9f6c8e-41c2-4c84-8d59-7a7c1f3c1c55

Use 'listd-admin <command> --help' for more information about a command.
`)
}

// subcommand returns os.Args[2], printing usage when it is missing.
func subcommand(usage func()) string {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	return os.Args[2]
}

// fatal prints err and exits non-zero.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// adminEnv is everything a command may need, built from one config file.
type adminEnv struct {
	cfg        config.Config
	stores     *backend.Stores
	blobs      *backend.Blobs
	catalog    *mailinglist.Catalog
	attributes *mailinglist.Attributes
	service    *subscriptions.Service
	registrar  *subscriptions.Registrar
	holds      *moderation.HoldQueue
	spool      *outbox.Spool
	out        io.Writer
}

// loadConfig reads the configuration the daemon would use.
func loadConfig(configPath string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			return cfg, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openEnv opens the stores described by configPath.
func openEnv(ctx context.Context, configPath string) (*adminEnv, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	// Keep stdout for command output.
	cfg.Logging.Output = "stderr"
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return nil, err
	}
	return newEnv(ctx, cfg, os.Stdout)
}

func newEnv(ctx context.Context, cfg config.Config, out io.Writer) (*adminEnv, error) {
	subscriptions.DefaultLanguage = cfg.Subscriptions.GetPreferredLanguage()

	stores, err := backend.Open(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	env := &adminEnv{cfg: cfg, stores: stores, out: out}

	env.blobs, err = backend.OpenBlobs(ctx, &cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.catalog, err = stores.Catalog(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.spool, err = outbox.New(cfg.Outbox.Path, env.catalog)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.attributes = mailinglist.NewAttributes(mailinglist.AttributeOptions{
		RuleExists:    rules.Default().Exists,
		ValidateSieve: sieveengine.Validate,
	})
	env.service = subscriptions.NewService(env.catalog, stores.Members, stores.Users)
	env.registrar = subscriptions.NewRegistrar(env.catalog, stores.Pending, stores.Users, env.service)
	env.registrar.SetNotifier(outbox.NewNotifier(env.spool))
	env.holds = moderation.NewHoldQueue(stores.Held, env.blobs, env.spool)
	return env, nil
}

func (e *adminEnv) Close() {
	if e.blobs != nil {
		e.blobs.Close()
	}
	e.stores.Close()
}

// withEnv parses fs, opens the environment and runs fn, exiting on error.
func withEnv(ctx context.Context, fs *flag.FlagSet, configPath *string, fn func(env *adminEnv) error) {
	if err := fs.Parse(os.Args[3:]); err != nil {
		fatal(err)
	}
	env, err := openEnv(ctx, *configPath)
	if err != nil {
		fatal(err)
	}
	defer env.Close()
	if err := fn(env); err != nil {
		env.Close()
		fatal(err)
	}
}

func (e *adminEnv) list(ref string) (*mailinglist.MailingList, error) {
	if ref == "" {
		return nil, fmt.Errorf("--list is required")
	}
	return e.catalog.Resolve(ref)
}
