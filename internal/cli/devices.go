// ABOUTME: devices and identity commands listing what is known about a user
// ABOUTME: Shows device keys and trust, and the user's cross-signing keys

package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/store"
)

type deviceView struct {
	DeviceID    string            `json:"device_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Trust       string            `json:"trust"`
	Algorithms  []string          `json:"algorithms"`
	Keys        map[string]string `json:"keys"`
}

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user-id>",
		Short: "List the stored devices of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, rootOpts, id.UserID(args[0]))
		},
	}
}

func runDevices(cmd *cobra.Command, opts *RootOptions, userID id.UserID) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx, cmd, opts, true)
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.GetUserDevices(ctx, userID)
	if err != nil {
		return err
	}

	views := make([]deviceView, 0, len(devices))
	for _, deviceID := range slices.Sorted(maps.Keys(devices)) {
		d := devices[deviceID]
		v := deviceView{
			DeviceID:    string(d.DeviceID),
			DisplayName: d.DisplayName,
			Trust:       d.Trust.String(),
			Algorithms:  make([]string, 0, len(d.Algorithms)),
			Keys:        make(map[string]string, len(d.Keys)),
		}
		for _, alg := range d.Algorithms {
			v.Algorithms = append(v.Algorithms, string(alg))
		}
		for keyID, key := range d.Keys {
			v.Keys[string(keyID)] = key
		}
		views = append(views, v)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, views)
	}

	if len(views) == 0 {
		warnColor.Fprintf(w, "No devices stored for %s\n", userID)
		return nil
	}
	for _, v := range views {
		heading(w, v.DeviceID)
		if v.DisplayName != "" {
			field(w, "  Name", v.DisplayName)
		}
		field(w, "  Trust", v.Trust)
		field(w, "  Algorithms", v.Algorithms)
		for _, keyID := range slices.Sorted(maps.Keys(v.Keys)) {
			field(w, "  "+keyID, v.Keys[keyID])
		}
	}
	return nil
}

type crossSigningKeyView struct {
	Usage []string          `json:"usage"`
	Keys  map[string]string `json:"keys"`
}

type identityView struct {
	UserID      string               `json:"user_id"`
	Master      crossSigningKeyView  `json:"master"`
	SelfSigning crossSigningKeyView  `json:"self_signing"`
	UserSigning *crossSigningKeyView `json:"user_signing,omitempty"`
	Verified    bool                 `json:"verified"`
}

func newCrossSigningKeyView(k *store.CrossSigningKey) crossSigningKeyView {
	v := crossSigningKeyView{
		Usage: make([]string, 0, len(k.Usage)),
		Keys:  make(map[string]string, len(k.Keys)),
	}
	for _, u := range k.Usage {
		v.Usage = append(v.Usage, string(u))
	}
	for keyID, key := range k.Keys {
		v.Keys[string(keyID)] = key
	}
	return v
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity <user-id>",
		Short: "Show the stored cross-signing identity of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentity(cmd, rootOpts, id.UserID(args[0]))
		},
	}
}

func runIdentity(cmd *cobra.Command, opts *RootOptions, userID id.UserID) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx, cmd, opts, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ident, err := s.GetUserIdentity(ctx, userID)
	if err != nil {
		return fmt.Errorf("identity of %s: %w", userID, err)
	}

	view := identityView{
		UserID:      string(ident.UserID),
		Master:      newCrossSigningKeyView(&ident.MasterKey),
		SelfSigning: newCrossSigningKeyView(&ident.SelfSigningKey),
		Verified:    ident.Verified,
	}
	if ident.UserSigningKey != nil {
		usk := newCrossSigningKeyView(ident.UserSigningKey)
		view.UserSigning = &usk
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, view)
	}

	heading(w, view.UserID)
	printCrossSigningKey(cmd, "Master", view.Master)
	printCrossSigningKey(cmd, "Self-signing", view.SelfSigning)
	if view.UserSigning != nil {
		printCrossSigningKey(cmd, "User-signing", *view.UserSigning)
		field(w, "Verified", view.Verified)
	}
	return nil
}

func printCrossSigningKey(cmd *cobra.Command, label string, v crossSigningKeyView) {
	w := cmd.OutOrStdout()
	for _, keyID := range slices.Sorted(maps.Keys(v.Keys)) {
		field(w, label, v.Keys[keyID])
		dimColor.Fprintf(w, "%16s%s %v\n", "", keyID, v.Usage)
	}
}
