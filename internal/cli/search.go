package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/search"
)

func newSearchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <term>...",
		Short: "Search message content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, app, strings.Join(args, " "))
		},
	}
	cmd.Flags().String("type", "all", "filter: all, private, community or general")
	cmd.Flags().Int("page", 1, "page number")
	return cmd
}

func runSearch(cmd *cobra.Command, app *App, term string) error {
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

	res, err := s.Search.Search(cmd.Context(), term, filter, models.Cursor(page))
	if err != nil {
		return classify("search", err)
	}
	if app.jsonOut {
		if res.Results == nil {
			res.Results = []search.Result{}
		}
		return writeJSON(app.Stdout, res)
	}
	if len(res.Results) == 0 {
		_, err := fmt.Fprintf(app.Stdout, "No messages match %q.\n", res.Term)
		return err
	}

	now := app.Clock.Now()
	rows := make([][]string, 0, len(res.Results))
	for _, r := range res.Results {
		// Offsets from the service refer to the raw content; match again on
		// the flattened line.
		flat := oneLine(r.Message.Content, 0)
		offset, length := search.Match(flat, res.Term)
		rows = append(rows, []string{
			app.styles.render(app.styles.muted, formatAge(now, r.Message.CreatedAt)),
			r.Key,
			r.Message.SenderID,
			app.styles.highlight(flat, offset, length),
		})
	}
	if err := writeTable(app.Stdout, []string{"WHEN", "CONVERSATION", "SENDER", "MESSAGE"}, rows); err != nil {
		return err
	}
	if res.HasMore {
		_, err = fmt.Fprintf(app.Stdout, "More: tchat search --page %d %s\n", page+1, res.Term)
	}
	return err
}

func newKeyCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "key <type> [target]",
		Short: "Print the conversation key for a target",
		Long: `Print the key of a conversation as seen by the signed-in user:

  tchat key private bob     -> private:alice:bob
  tchat key community c1    -> community:c1
  tchat key general         -> general`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := models.ParseConversationType(args[0])
			if err != nil {
				return usageError("invalid type %q", args[0])
			}
			target := ""
			if len(args) > 1 {
				target = strings.TrimSpace(args[1])
			}
			selfID := ""
			if t == models.ConversationPrivate {
				_, selfID, err = app.identity()
				if err != nil {
					return err
				}
			}
			key, err := convkey.Derive(t, selfID, target)
			if err != nil {
				return usageError("%v", err)
			}
			if app.jsonOut {
				return writeJSON(app.Stdout, map[string]string{"key": key})
			}
			_, err = fmt.Fprintln(app.Stdout, key)
			return err
		},
	}
}
