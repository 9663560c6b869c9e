// ABOUTME: Root cobra command for the cryptostore inspection CLI
// ABOUTME: Holds global flags and opens the configured store for subcommands

package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/config"
	"github.com/2389/coven-cryptostore/internal/logging"
	"github.com/2389/coven-cryptostore/internal/picklekey"
	"github.com/2389/coven-cryptostore/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cryptostore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cryptostore",
		Short: "Inspect an end-to-end encryption crypto store",
		Long: `Inspect the SQLite crypto store of one Matrix account.

The store location, account and passphrase come from the config file
(--config) and CRYPTOSTORE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML or TOML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewTrackedCommand(opts))
	cmd.AddCommand(NewGroupSessionsCommand(opts))
	cmd.AddCommand(NewValueCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

// openStore loads the configuration and opens the store it names. When
// requireAccount is set the stored account must exist.
func openStore(ctx context.Context, cmd *cobra.Command, opts *RootOptions, requireAccount bool) (*store.SQLiteStore, *store.Account, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	s, err := store.Open(ctx, cfg.Store.Dir, id.UserID(cfg.Account.UserID), id.DeviceID(cfg.Account.DeviceID), store.Options{
		Passphrase: cfg.Store.Passphrase,
		Driver:     cfg.Store.Driver,
		KDF: picklekey.KDFParams{
			Time:      cfg.KDF.Time,
			MemoryKiB: cfg.KDF.MemoryKiB,
			Threads:   cfg.KDF.Threads,
		},
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	acct, err := s.LoadAccount(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && !requireAccount {
			return s, nil, nil
		}
		s.Close()
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("no account stored for %s/%s", cfg.Account.UserID, cfg.Account.DeviceID)
		}
		return nil, nil, fmt.Errorf("loading account: %w", err)
	}
	return s, acct, nil
}
