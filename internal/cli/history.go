package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/config"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/engine"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// conversationArg resolves the optional key argument, falling back to the
// conversation last opened.
func conversationArg(args []string, ident *config.Context) (string, error) {
	key := ""
	if len(args) > 0 {
		key = strings.TrimSpace(args[0])
	}
	if key == "" {
		key = ident.Conversation
	}
	if key == "" {
		return "", usageError("no conversation given and none in use (see 'tchat use')")
	}
	if _, err := convkey.Parse(key); err != nil {
		return "", usageError("%v", err)
	}
	return key, nil
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history [key]",
		Aliases: []string{"open", "log"},
		Short:   "Show a conversation, oldest message first",
		Long: `Show the newest page of a conversation plus --pages-1 older pages.
Without a key the conversation last opened is used. Unread messages are
marked with '*'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, app, args)
		},
	}
	cmd.Flags().Int("pages", 1, "number of pages to load")
	cmd.Flags().Bool("mark-read", false, "mark the conversation read after showing it")
	return cmd
}

type historyJSON struct {
	Key       string           `json:"key"`
	Exhausted bool             `json:"exhausted"`
	Messages  []models.Message `json:"messages"`
}

func runHistory(cmd *cobra.Command, app *App, args []string) error {
	pages, _ := cmd.Flags().GetInt("pages")
	markRead, _ := cmd.Flags().GetBool("mark-read")
	if pages < 1 {
		return usageError("--pages must be at least 1")
	}

	s, ident, err := app.session()
	if err != nil {
		return err
	}
	defer s.Close()
	key, err := conversationArg(args, ident)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if _, err := s.Open(ctx, key); err != nil {
		return classify("open "+key, err)
	}
	for i := 1; i < pages && !s.History.State(key).Exhausted; i++ {
		if _, err := s.LoadOlder(ctx, key); err != nil {
			return classify("load older messages", err)
		}
	}
	messages := s.Flatten(key)
	app.remember(ident, key)

	if app.jsonOut {
		if messages == nil {
			messages = []models.Message{}
		}
		if err := writeJSON(app.Stdout, historyJSON{Key: key, Exhausted: s.History.State(key).Exhausted, Messages: messages}); err != nil {
			return err
		}
	} else if err := writeHistory(app, s, key, messages); err != nil {
		return err
	}

	if markRead {
		if err := s.MarkConversationRead(ctx, key); err != nil {
			return classify("mark read", err)
		}
	}
	return nil
}

func writeHistory(app *App, s *engine.Session, key string, messages []models.Message) error {
	out := app.Stdout
	if _, err := fmt.Fprintln(out, app.styles.render(app.styles.bold, key)); err != nil {
		return err
	}
	if len(messages) == 0 {
		_, err := fmt.Fprintln(out, "No messages yet.")
		return err
	}
	if !s.History.State(key).Exhausted {
		fmt.Fprintln(out, app.styles.render(app.styles.muted, "  … older messages: --pages N"))
	}
	for _, msg := range messages {
		if _, err := fmt.Fprintln(out, app.styles.messageLine(msg, s.UserID())); err != nil {
			return err
		}
	}
	return nil
}

func newUseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "use <key>",
		Short: "Set the conversation other commands default to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, _, err := app.identity()
			if err != nil {
				return err
			}
			key, err := conversationArg(args, ident)
			if err != nil {
				return err
			}
			ident.SetConversation(key)
			if err := app.Contexts.Save(ident); err != nil {
				return Exitf(ExitCodeFailure, "save context: %v", err)
			}
			if app.jsonOut {
				return writeJSON(app.Stdout, identityView(ident))
			}
			_, err = fmt.Fprintf(app.Stdout, "Using %s\n", key)
			return err
		},
	}
}

func newSendCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send a message",
		Long: `Send a private message (--to), a community message (--community) or a
post to the general forum (--type general). Without a target the message goes
to the conversation in use.`,
		Example: `  tchat send --to bob "is the sander free on Saturday?"
  tchat send --community c1 "clamps are back on the shelf"
  tchat send --type general --image https://img.example/saw.jpg "anyone need a saw?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, app, args)
		},
	}
	cmd.Flags().String("type", "", "private, community or general (inferred from the target)")
	cmd.Flags().String("to", "", "recipient user id")
	cmd.Flags().String("community", "", "community id")
	cmd.Flags().StringArray("image", nil, "image URL to attach (repeatable)")
	return cmd
}

type sendJSON struct {
	Key     string         `json:"key"`
	Message models.Message `json:"message"`
}

func runSend(cmd *cobra.Command, app *App, args []string) error {
	typeFlag, _ := cmd.Flags().GetString("type")
	to, _ := cmd.Flags().GetString("to")
	community, _ := cmd.Flags().GetString("community")
	images, _ := cmd.Flags().GetStringArray("image")

	s, ident, err := app.session()
	if err != nil {
		return err
	}
	defer s.Close()

	req := msgservice.SendRequest{
		RecipientID: strings.TrimSpace(to),
		CommunityID: strings.TrimSpace(community),
		Content:     strings.TrimSpace(strings.Join(args, " ")),
	}
	for _, url := range images {
		req.Images = append(req.Images, models.ImageRef{URL: strings.TrimSpace(url)})
	}
	if err := resolveSendTarget(&req, typeFlag, ident, s.UserID()); err != nil {
		return err
	}

	msg, key, err := s.Send(cmd.Context(), req)
	if err != nil {
		return classify("send", err)
	}
	app.remember(ident, key)

	if app.jsonOut {
		return writeJSON(app.Stdout, sendJSON{Key: key, Message: msg})
	}
	_, err = fmt.Fprintf(app.Stdout, "Sent %s to %s\n", msg.ID, key)
	return err
}

func resolveSendTarget(req *msgservice.SendRequest, typeFlag string, ident *config.Context, selfID string) error {
	if strings.TrimSpace(typeFlag) != "" {
		t, err := models.ParseConversationType(typeFlag)
		if err != nil {
			return usageError("invalid --type %q", typeFlag)
		}
		req.Type = t
		return nil
	}
	switch {
	case req.RecipientID != "":
		req.Type = models.ConversationPrivate
	case req.CommunityID != "":
		req.Type = models.ConversationCommunity
	case ident.Conversation != "":
		parsed, err := convkey.Parse(ident.Conversation)
		if err != nil {
			return usageError("conversation in use: %v", err)
		}
		target, err := parsed.Target(selfID)
		if err != nil {
			return usageError("conversation in use: %v", err)
		}
		req.Type = parsed.Type
		switch parsed.Type {
		case models.ConversationPrivate:
			req.RecipientID = target
		case models.ConversationCommunity:
			req.CommunityID = target
		}
	default:
		return usageError("no target: pass --to, --community or --type general")
	}
	return nil
}

func newReadCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [key]",
		Short: "Mark a conversation or single messages as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, app, args)
		},
	}
	cmd.Flags().StringSlice("id", nil, "message ids to mark instead of a whole conversation")
	return cmd
}

type readJSON struct {
	Key    string               `json:"key,omitempty"`
	IDs    []string             `json:"ids,omitempty"`
	Unread models.UnreadSummary `json:"unread"`
}

func runRead(cmd *cobra.Command, app *App, args []string) error {
	ids, _ := cmd.Flags().GetStringSlice("id")

	s, ident, err := app.session()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	result := readJSON{}
	if len(ids) > 0 {
		if len(args) > 0 {
			return usageError("pass either a conversation key or --id, not both")
		}
		if err := s.MarkRead(ctx, ids); err != nil {
			return classify("mark read", err)
		}
		result.IDs = ids
	} else {
		key, err := conversationArg(args, ident)
		if err != nil {
			return err
		}
		// The list count lets a conversation with no cached unread ids still
		// be cleared on the server.
		if err := s.Conversations.Refresh(ctx, models.FilterAll); err != nil {
			logger := logging.Component("cli")
			logger.Debug().Err(err).Msg("conversation list unavailable")
		}
		if _, err := s.Open(ctx, key); err != nil {
			return classify("open "+key, err)
		}
		if err := s.MarkConversationRead(ctx, key); err != nil {
			return classify("mark read", err)
		}
		result.Key = key
	}

	if err := s.Unread.Refresh(ctx); err != nil {
		return classify("fetch unread counts", err)
	}
	result.Unread = s.UnreadSummary()
	if app.jsonOut {
		if result.Unread.Communities == nil {
			result.Unread.Communities = map[string]int{}
		}
		return writeJSON(app.Stdout, result)
	}
	target := result.Key
	if target == "" {
		target = fmt.Sprintf("%d message(s)", len(ids))
	}
	_, err = fmt.Fprintf(app.Stdout, "Marked %s read; %d unread left\n", target, result.Unread.Total)
	return err
}
