package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/config"
)

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Sign in with a bearer token",
		Long: `Store the identity tchat acts as. The token defaults to
TOOLCHAT_SERVICE_TOKEN; it is checked against the service unless --no-verify.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, app, args[0])
		},
	}
	cmd.Flags().String("token", "", "bearer token issued for the user")
	cmd.Flags().String("name", "", "display name shown in prompts")
	cmd.Flags().Bool("no-verify", false, "skip the round trip to the service")
	return cmd
}

func runLogin(cmd *cobra.Command, app *App, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usageError("user id is required")
	}
	token, _ := cmd.Flags().GetString("token")
	name, _ := cmd.Flags().GetString("name")
	noVerify, _ := cmd.Flags().GetBool("no-verify")

	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(app.Config.Service.Token)
	}
	if token == "" {
		return usageError("a token is required (--token or TOOLCHAT_SERVICE_TOKEN)")
	}

	ident, err := app.Contexts.Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "load context: %v", err)
	}
	candidate := *ident
	candidate.SignIn(userID, strings.TrimSpace(name), token)

	if !noVerify {
		svc, err := app.NewService(app.Config, &candidate)
		if err != nil {
			return Exitf(ExitCodeFailure, "connect to message service: %v", err)
		}
		if _, err := svc.GetUnreadCounts(cmd.Context()); err != nil {
			return classify("verify token", err)
		}
	}

	if err := app.Contexts.Save(&candidate); err != nil {
		return Exitf(ExitCodeFailure, "save context: %v", err)
	}
	if app.jsonOut {
		return writeJSON(app.Stdout, identityView(&candidate))
	}
	_, err = fmt.Fprintf(app.Stdout, "Signed in as %s\n", displayName(&candidate))
	return err
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.Contexts.Clear(); err != nil {
				return Exitf(ExitCodeFailure, "%v", err)
			}
			if app.jsonOut {
				return writeJSON(app.Stdout, map[string]bool{"signed_in": false})
			}
			_, err := fmt.Fprintln(app.Stdout, "Signed out")
			return err
		},
	}
}

func newWhoamiCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ident, err := app.Contexts.Load()
			if err != nil {
				return Exitf(ExitCodeFailure, "load context: %v", err)
			}
			if app.jsonOut {
				return writeJSON(app.Stdout, identityView(ident))
			}
			_, err = fmt.Fprintln(app.Stdout, ident.String())
			return err
		},
	}
}

type identityJSON struct {
	SignedIn     bool   `json:"signed_in"`
	UserID       string `json:"user_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Conversation string `json:"conversation,omitempty"`
}

// identityView never includes the token.
func identityView(ident *config.Context) identityJSON {
	_, ok := ident.Identity()
	return identityJSON{
		SignedIn:     ok,
		UserID:       ident.UserID,
		DisplayName:  ident.DisplayName,
		Conversation: ident.Conversation,
	}
}

func displayName(ident *config.Context) string {
	if ident.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", ident.DisplayName, ident.UserID)
	}
	return ident.UserID
}
