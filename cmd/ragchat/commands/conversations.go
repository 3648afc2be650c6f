package commands

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/store"
)

// NewConversationsCmd constructs the `ragchat conversations` command group
// over the conversation history database.
func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}
	cmd.AddCommand(
		newConversationsListCmd(),
		newConversationsShowCmd(),
		newConversationsRenameCmd(),
		newConversationsRemoveCmd(),
	)
	return cmd
}

// withHistory opens the history store for the duration of fn. It fails when
// history is disabled.
func withHistory(fn func(hs *store.SQLiteStore) error) error {
	hs, closeHistory, err := openHistory(logging.New())
	if err != nil {
		return fmt.Errorf("conversations: %w", err)
	}
	defer closeHistory()
	if hs == nil {
		return fmt.Errorf("conversations: history is disabled (RAGCHAT_HISTORY_DB=disabled)")
	}
	return fn(hs)
}

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("conversations: invalid id %q", s)
	}
	return id, nil
}

func newConversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(func(hs *store.SQLiteStore) error {
				convs, err := hs.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED")
				for _, c := range convs {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", c.ID, c.Name, c.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newConversationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print every message of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withHistory(func(hs *store.SQLiteStore) error {
				c, err := hs.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				msgs, err := hs.Messages(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s\n", c.Name)
				for _, m := range msgs {
					fmt.Fprintf(out, "\n[%s] %s\n", m.Role, m.Content)
				}
				return nil
			})
		},
	}
}

func newConversationsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			name := strings.Join(args[1:], " ")
			return withHistory(func(hs *store.SQLiteStore) error {
				return hs.Rename(cmd.Context(), id, name)
			})
		},
	}
}

func newConversationsRemoveCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"remove"},
		Short:   "Delete a conversation, or every conversation with --all",
		Args: func(_ *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("conversations: --all takes no id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("conversations: expected one id, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return withHistory(func(hs *store.SQLiteStore) error {
					return hs.DeleteAll(cmd.Context())
				})
			}
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withHistory(func(hs *store.SQLiteStore) error {
				return hs.Delete(cmd.Context(), id)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every conversation and its messages")
	return cmd
}
