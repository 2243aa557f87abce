package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/unread"
)

func newInboxCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "inbox",
		Aliases: []string{"ls", "conversations"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInbox(cmd, app)
		},
	}
	cmd.Flags().String("type", "all", "filter: all, private, community or general")
	cmd.Flags().Int("page", 1, "page number")
	return cmd
}

type inboxJSON struct {
	Page          int                          `json:"page"`
	HasMore       bool                         `json:"has_more"`
	Conversations []models.ConversationSummary `json:"conversations"`
}

func runInbox(cmd *cobra.Command, app *App) error {
	typeFlag, _ := cmd.Flags().GetString("type")
	page, _ := cmd.Flags().GetInt("page")
	filter, err := models.ParseTypeFilter(typeFlag)
	if err != nil {
		return usageError("invalid --type %q", typeFlag)
	}
	if page < 1 {
		return usageError("--page must be at least 1")
	}

	s, _, err := app.session()
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.Conversations.FetchConversations(cmd.Context(), filter, models.Cursor(page))
	if err != nil {
		return classify("list conversations", err)
	}

	if app.jsonOut {
		items := list.Items
		if items == nil {
			items = []models.ConversationSummary{}
		}
		return writeJSON(app.Stdout, inboxJSON{Page: page, HasMore: list.HasMore, Conversations: items})
	}
	if len(list.Items) == 0 {
		_, err := fmt.Fprintln(app.Stdout, "No conversations.")
		return err
	}

	now := app.Clock.Now()
	rows := make([][]string, 0, len(list.Items))
	for _, sum := range list.Items {
		rows = append(rows, []string{
			sum.Key,
			oneLine(sum.Title(), 24),
			app.styles.unread(sum.Unread),
			preview(sum.LastMessage),
			app.styles.render(app.styles.muted, formatAge(now, sum.LastActivity)),
		})
	}
	if err := writeTable(app.Stdout, []string{"KEY", "CONVERSATION", "UNREAD", "LAST MESSAGE", "ACTIVE"}, rows); err != nil {
		return err
	}
	if list.HasMore {
		_, err = fmt.Fprintf(app.Stdout, "More: tchat inbox --page %d\n", page+1)
	}
	return err
}

func newUnreadCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Show unread counts by conversation type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := app.session()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Unread.Refresh(cmd.Context()); err != nil {
				return classify("fetch unread counts", err)
			}
			summary := s.UnreadSummary()
			if app.jsonOut {
				if summary.Communities == nil {
					summary.Communities = map[string]int{}
				}
				return writeJSON(app.Stdout, summary)
			}
			return writeUnread(app, summary)
		},
	}
}

func writeUnread(app *App, summary models.UnreadSummary) error {
	rows := [][]string{
		{"total", app.styles.unread(summary.Total)},
		{"private", app.styles.unread(summary.Private)},
		{"general", app.styles.unread(summary.General)},
	}
	for _, id := range unread.Communities(summary) {
		rows = append(rows, []string{"community:" + id, app.styles.unread(summary.Communities[id])})
	}
	return writeTable(app.Stdout, nil, rows)
}
