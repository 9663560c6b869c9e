// ABOUTME: value command reading and writing account-scoped settings
// ABOUTME: Also hosts the schema command printing the embedded migration

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/coven-cryptostore/internal/store"
)

// NewValueCommand creates the value command with get, set and rm subcommands.
func NewValueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "value",
		Short: "Read or change key/value settings of the account",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore(cmd.Context(), cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			value, err := s.GetValue(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no value stored under %q", args[0])
			}
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "value": value})
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore(cmd.Context(), cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.SaveValue(cmd.Context(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore(cmd.Context(), cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.RemoveValue(cmd.Context(), args[0])
		},
	})

	return cmd
}

// NewSchemaCommand creates the schema command. It needs no store.
func NewSchemaCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the SQL schema migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := store.SchemaSQL()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(schema)
			return err
		},
	}
}
