// ABOUTME: info command summarizing the store and its account
// ABOUTME: Prints location, pickle mode, identity keys and row counts

package cli

import (
	"github.com/spf13/cobra"
)

type infoView struct {
	Path       string       `json:"path"`
	UserID     string       `json:"user_id"`
	DeviceID   string       `json:"device_id"`
	PickleMode string       `json:"pickle_mode"`
	Account    *accountView `json:"account,omitempty"`
	Stats      *statsView   `json:"stats,omitempty"`
}

type accountView struct {
	Curve25519       string `json:"curve25519"`
	Ed25519          string `json:"ed25519"`
	Shared           bool   `json:"shared"`
	UploadedKeyCount int64  `json:"uploaded_key_count"`
}

type statsView struct {
	Sessions      int `json:"sessions"`
	GroupSessions int `json:"group_sessions"`
	Devices       int `json:"devices"`
	Identities    int `json:"identities"`
	TrackedUsers  int `json:"tracked_users"`
	DirtyUsers    int `json:"dirty_users"`
	MessageHashes int `json:"message_hashes"`
	Values        int `json:"values"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the store location, account keys and row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, rootOpts)
		},
	}
}

func runInfo(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	s, acct, err := openStore(ctx, cmd, opts, false)
	if err != nil {
		return err
	}
	defer s.Close()

	view := infoView{
		Path:       s.Path(),
		PickleMode: s.PickleMode().String(),
	}
	if acct != nil {
		view.UserID = string(acct.UserID)
		view.DeviceID = string(acct.DeviceID)
		view.Account = &accountView{
			Curve25519:       string(acct.IdentityKeys.Curve25519),
			Ed25519:          string(acct.IdentityKeys.Ed25519),
			Shared:           acct.Shared,
			UploadedKeyCount: acct.UploadedKeyCount,
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		v := statsView(*stats)
		view.Stats = &v
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, view)
	}

	field(w, "Path", view.Path)
	field(w, "Pickle key", view.PickleMode)
	if view.Account == nil {
		warnColor.Fprintln(w, "No account stored yet")
		return nil
	}
	field(w, "User", view.UserID)
	field(w, "Device", view.DeviceID)
	field(w, "Curve25519", view.Account.Curve25519)
	field(w, "Ed25519", view.Account.Ed25519)
	field(w, "Shared", view.Account.Shared)
	field(w, "One-time keys", view.Account.UploadedKeyCount)

	heading(w, "\nContents")
	field(w, "Sessions", view.Stats.Sessions)
	field(w, "Group sessions", view.Stats.GroupSessions)
	field(w, "Devices", view.Stats.Devices)
	field(w, "Identities", view.Stats.Identities)
	field(w, "Tracked users", view.Stats.TrackedUsers)
	field(w, "Dirty users", view.Stats.DirtyUsers)
	field(w, "Message hashes", view.Stats.MessageHashes)
	field(w, "Values", view.Stats.Values)
	return nil
}
