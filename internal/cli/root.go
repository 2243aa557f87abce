// Package cli implements tchat, the command line client of the toolchat
// messaging service.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/config"
	"github.com/tOgg1/toolchat/internal/engine"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// ServiceFactory connects to the message service as the signed-in identity.
type ServiceFactory func(cfg *config.Config, ident *config.Context) (msgservice.Service, error)

// App carries what commands share. Nil fields fall back to the loaded config,
// the context file next to it and the HTTP service.
type App struct {
	Version    string
	Config     *config.Config
	Contexts   *config.ContextStore
	NewService ServiceFactory
	Clock      clock.Clock
	Stdout     io.Writer
	Stderr     io.Writer

	configFile string
	jsonOut    bool
	noColor    bool
	verbose    bool
	logLevel   string
	styles     styles
}

// Execute runs tchat with os.Args.
func Execute(version string) error {
	return newRootCmd(&App{Version: version}).Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tchat",
		Short: "Message other toolchat users from the terminal",
		Long: `tchat talks to the toolchat message service: private conversations,
community channels and the general forum, with unread tracking and search.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       app.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "config file (default is $HOME/.config/toolchat/config.yaml)")
	flags.BoolVar(&app.jsonOut, "json", false, "output JSON")
	flags.BoolVar(&app.noColor, "no-color", false, "disable colored output")
	flags.BoolVarP(&app.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&app.logLevel, "log-level", "", "override logging level (debug, info, warn, error)")

	cmd.AddCommand(
		newLoginCmd(app),
		newLogoutCmd(app),
		newWhoamiCmd(app),
		newInboxCmd(app),
		newUnreadCmd(app),
		newHistoryCmd(app),
		newUseCmd(app),
		newSendCmd(app),
		newReadCmd(app),
		newSearchCmd(app),
		newKeyCmd(app),
		newWatchCmd(app),
	)
	return cmd
}

func (a *App) init(cmd *cobra.Command) error {
	if a.Stdout == nil {
		a.Stdout = cmd.OutOrStdout()
	}
	if a.Stderr == nil {
		a.Stderr = cmd.ErrOrStderr()
	}
	if a.Clock == nil {
		a.Clock = clock.Real{}
	}

	if a.Config == nil {
		loader := config.NewLoader()
		if a.configFile != "" {
			loader.SetConfigFile(a.configFile)
		}
		cfg, err := loader.Load()
		if err != nil {
			return Exitf(ExitCodeFailure, "load config: %v", err)
		}
		a.Config = cfg
	}

	level := a.Config.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.verbose {
		level = "debug"
	}
	logging.Init(logging.Config{
		Level:        level,
		Format:       a.Config.Logging.Format,
		Output:       a.Stderr,
		EnableCaller: a.Config.Logging.EnableCaller,
		NoColor:      a.noColor || os.Getenv("NO_COLOR") != "" || !hasTTY(a.Stderr),
	})

	if a.Contexts == nil {
		a.Contexts = config.NewContextStore(a.Config.ContextPath())
	}
	if a.NewService == nil {
		a.NewService = httpService
	}
	a.styles = newStyles(a.colorEnabled())
	return nil
}

func httpService(cfg *config.Config, ident *config.Context) (msgservice.Service, error) {
	token := ident.Token
	if token == "" {
		token = cfg.Service.Token
	}
	return msgservice.NewHTTPClient(msgservice.HTTPConfig{
		BaseURL: cfg.Service.BaseURL,
		Token:   token,
		Timeout: cfg.Service.Timeout,
	})
}

// identity loads the context file and requires a signed-in user.
func (a *App) identity() (*config.Context, string, error) {
	ident, err := a.Contexts.Load()
	if err != nil {
		return nil, "", Exitf(ExitCodeFailure, "load context: %v", err)
	}
	userID, ok := ident.Identity()
	if !ok {
		return ident, "", Exitf(ExitCodeAuth, "not signed in (run 'tchat login')")
	}
	return ident, userID, nil
}

// session wires an engine session for the signed-in user. Callers close it.
func (a *App) session(tune ...func(*engine.Options)) (*engine.Session, *config.Context, error) {
	ident, userID, err := a.identity()
	if err != nil {
		return nil, nil, err
	}
	svc, err := a.NewService(a.Config, ident)
	if err != nil {
		return nil, nil, Exitf(ExitCodeFailure, "connect to message service: %v", err)
	}
	opts := engine.OptionsFromConfig(a.Config, nil)
	opts.Clock = a.Clock
	for _, fn := range tune {
		fn(&opts)
	}
	return engine.NewSession(userID, svc, opts), ident, nil
}

// remember stores key as the last opened conversation. Failures only log.
func (a *App) remember(ident *config.Context, key string) {
	if ident.Conversation == key {
		return
	}
	ident.SetConversation(key)
	if err := a.Contexts.Save(ident); err != nil {
		logger := logging.Component("cli")
		logger.Warn().Err(err).Msg("save context")
	}
}

func (a *App) colorEnabled() bool {
	if a.noColor || a.jsonOut || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return hasTTY(a.Stdout)
}
