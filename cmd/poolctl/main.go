// main package for poolctl, the credential pool administration CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/config"
	"github.com/book-expert/tts-pool-service/internal/keypool"
	"github.com/book-expert/tts-pool-service/internal/store"
)

// Flag descriptions.
const (
	flagOwnerDesc   = "Owner whose credential pool to administer (required)"
	flagAddDesc     = "Add credentials: newline-delimited secrets, inline or @file"
	flagRemoveDesc  = "Remove one credential by its full secret value"
	flagListDesc    = "List the pool with redacted secrets and usage counters"
	flagVerboseDesc = "Enable verbose logging"
)

// Flag names.
const (
	flagOwner   = "owner"
	flagAdd     = "add"
	flagRemove  = "remove"
	flagList    = "list"
	flagVerbose = "verbose"
)

const (
	logFileNameDefault = "poolctl.log"
	logFileNameVerbose = "poolctl-verbose.log"

	commandTimeout = 30 * time.Second
)

var (
	errOwnerRequired = errors.New("--owner is required")
	errNoAction      = errors.New("one of --add, --remove or --list must be provided")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	owner   string
	add     string
	remove  string
	list    bool
	verbose bool
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	validationErr := validateFlags(flags)
	if validationErr != nil {
		flag.Usage()

		return validationErr
	}

	cfg, appLogger, err := setup(flags.verbose)
	if err != nil {
		return err
	}
	defer appLogger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	redisStore, err := store.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	defer func() { _ = redisStore.Close() }()

	manager := keypool.NewManager(redisStore, appLogger)

	return dispatch(ctx, manager, flags)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.owner, flagOwner, "", flagOwnerDesc)
	flag.StringVar(&flags.add, flagAdd, "", flagAddDesc)
	flag.StringVar(&flags.remove, flagRemove, "", flagRemoveDesc)
	flag.BoolVar(&flags.list, flagList, false, flagListDesc)
	flag.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flag.Parse()

	return flags
}

func validateFlags(flags appFlags) error {
	if flags.owner == "" {
		return errOwnerRequired
	}

	if flags.add == "" && flags.remove == "" && !flags.list {
		return errNoAction
	}

	return nil
}

// setup loads configuration and initializes the logger.
func setup(verbose bool) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), logFileNameDefault)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logFileName := logFileNameDefault
	if verbose {
		logFileName = logFileNameVerbose
	}

	appLogger, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLogger, nil
}

// dispatch runs the requested administrative actions in a fixed order: add,
// then remove, then list.
func dispatch(ctx context.Context, manager *keypool.Manager, flags appFlags) error {
	if flags.add != "" {
		err := handleAdd(ctx, manager, flags.owner, flags.add)
		if err != nil {
			return err
		}
	}

	if flags.remove != "" {
		err := manager.RemoveCredential(ctx, flags.owner, flags.remove)
		if err != nil {
			return fmt.Errorf("failed to remove credential: %w", err)
		}

		fmt.Println("Removed 1 credential")
	}

	if flags.list {
		return handleList(ctx, manager, flags.owner)
	}

	return nil
}

// handleAdd resolves the bulk input, which is either inline text or an
// @-prefixed file path, and appends the parsed secrets to the pool.
func handleAdd(ctx context.Context, manager *keypool.Manager, owner, input string) error {
	bulk := input

	if strings.HasPrefix(input, "@") {
		data, readErr := os.ReadFile(strings.TrimPrefix(input, "@"))
		if readErr != nil {
			return fmt.Errorf("failed to read credentials file: %w", readErr)
		}

		bulk = string(data)
	}

	added, err := manager.AddCredentials(ctx, owner, bulk)
	if err != nil {
		return fmt.Errorf("failed to add credentials: %w", err)
	}

	fmt.Printf("Added %d credential(s)\n", added)

	return nil
}

func handleList(ctx context.Context, manager *keypool.Manager, owner string) error {
	listed, err := manager.ListCredentials(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(listed) == 0 {
		fmt.Println("Pool is empty")

		return nil
	}

	for index, entry := range listed {
		usageDate := entry.UsageDate
		if usageDate == "" {
			usageDate = "never"
		}

		fmt.Printf("%3d  %s  used %d  last %s\n", index, entry.Label, entry.UsageCount, usageDate)
	}

	return nil
}
