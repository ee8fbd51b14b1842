// Package cli provides the command-line interface for knockgate.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/keyring"
	"github.com/shini4i/knockgate/internal/logging"
	"github.com/shini4i/knockgate/internal/preflight"
	"github.com/shini4i/knockgate/internal/secretstore"
)

// app holds what every command shares: output streams, the loaded
// configuration and the logging handle.
type app struct {
	out    io.Writer
	errOut io.Writer
	in     *os.File
	keys   keyring.Store
	// env overrides the preflight OS probes; zero fields use the OS.
	env preflight.Env

	debug    bool
	jsonLogs bool

	cfgMgr *config.Manager
	logs   logging.Closer
}

// Execute runs the root command with the process arguments. The logging
// handle is released even when the command fails.
func Execute() error {
	return newApp().execute(nil)
}

// NewRootCommand creates the root cobra command. Callers that run it
// directly must release logging themselves; prefer Execute.
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp())
}

func newApp() *app {
	return &app{
		out:    os.Stdout,
		errOut: os.Stderr,
		in:     os.Stdin,
		keys:   keyring.NewSystemKeyring(),
	}
}

// execute runs the command tree once. A nil args uses os.Args.
func (a *app) execute(args []string) error {
	cmd := newRootCommand(a)
	if args != nil {
		cmd.SetArgs(args)
	}
	err := cmd.Execute()
	if cerr := a.close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close logging: %w", cerr))
	}
	return err
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "knockgate",
		Short:         "Port-knock, TLS tunnel and VPN connection client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "log-json", false, "log in JSON format")

	root.AddCommand(newConnectCmd(a))
	root.AddCommand(newPreflightCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newLogoutCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}

func (a *app) setup() error {
	mgr, err := config.NewManager()
	if err != nil {
		return err
	}
	a.cfgMgr = mgr
	cfg := mgr.GetConfig()

	level := logging.LevelFromEnv(logging.ParseLevel(cfg.LogLevel))
	if a.debug {
		level = logging.LevelDebug
	}
	opts := logging.Options{Level: level, JSON: a.jsonLogs, Output: a.errOut}
	if cfg.LogToFile {
		opts.FilePath = mgr.Paths().LogFile
	}
	logs, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	a.logs = logs
	slog.Debug("Configuration loaded", "path", mgr.Paths().ConfigFile)
	return nil
}

func (a *app) close() error {
	if a.logs == nil {
		return nil
	}
	err := a.logs.Close()
	a.logs = nil
	return err
}

func (a *app) sessionStore() *secretstore.Store {
	return secretstore.New(a.cfgMgr.Paths().SessionFile, a.keys)
}

func (a *app) validator(cfg *config.Config) *preflight.Validator {
	return preflight.New(preflight.OptionsFromConfig(cfg), a.env)
}
