// ABOUTME: tracked and group-sessions commands
// ABOUTME: List followed users with their dirty flag and inbound Megolm sessions

package cli

import (
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

type trackedView struct {
	UserID string `json:"user_id"`
	Dirty  bool   `json:"dirty"`
}

// NewTrackedCommand creates the tracked command.
func NewTrackedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tracked",
		Short: "List tracked users and whether they await a key query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracked(cmd, rootOpts)
		},
	}
}

func runTracked(cmd *cobra.Command, opts *RootOptions) error {
	s, _, err := openStore(cmd.Context(), cmd, opts, true)
	if err != nil {
		return err
	}
	defer s.Close()

	dirty := s.UsersForKeyQuery()
	views := []trackedView{}
	for _, userID := range slices.Sorted(maps.Keys(s.TrackedUsers())) {
		views = append(views, trackedView{UserID: string(userID), Dirty: dirty.Contains(userID)})
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, views)
	}

	if len(views) == 0 {
		warnColor.Fprintln(w, "No tracked users")
		return nil
	}
	for _, v := range views {
		if v.Dirty {
			warnColor.Fprintf(w, "%s (dirty)\n", v.UserID)
		} else {
			okColor.Fprintln(w, v.UserID)
		}
	}
	return nil
}

type groupSessionView struct {
	RoomID          string   `json:"room_id"`
	SenderKey       string   `json:"sender_key"`
	SessionID       string   `json:"session_id"`
	Imported        bool     `json:"imported"`
	ForwardingChain []string `json:"forwarding_chain"`
}

// NewGroupSessionsCommand creates the group-sessions command.
func NewGroupSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "group-sessions",
		Short: "List inbound group sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupSessions(cmd, rootOpts)
		},
	}
}

func runGroupSessions(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx, cmd, opts, true)
	if err != nil {
		return err
	}
	defer s.Close()

	sessions, err := s.GetGroupSessions(ctx)
	if err != nil {
		return err
	}

	views := make([]groupSessionView, 0, len(sessions))
	for _, gs := range sessions {
		chain := gs.ForwardingChain
		if chain == nil {
			chain = []string{}
		}
		views = append(views, groupSessionView{
			RoomID:          string(gs.RoomID),
			SenderKey:       string(gs.SenderKey),
			SessionID:       string(gs.SessionID),
			Imported:        gs.Imported,
			ForwardingChain: chain,
		})
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, views)
	}

	if len(views) == 0 {
		warnColor.Fprintln(w, "No group sessions")
		return nil
	}
	for _, v := range views {
		heading(w, v.SessionID)
		field(w, "  Room", v.RoomID)
		field(w, "  Sender", v.SenderKey)
		field(w, "  Imported", v.Imported)
		if len(v.ForwardingChain) > 0 {
			field(w, "  Forwarded via", v.ForwardingChain)
		}
	}
	return nil
}
