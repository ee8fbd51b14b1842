package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shini4i/knockgate/internal/adapter"
	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/monitor"
	"github.com/shini4i/knockgate/internal/orchestrator"
	"github.com/shini4i/knockgate/internal/reconnect"
	"github.com/shini4i/knockgate/internal/secret"
	"github.com/shini4i/knockgate/internal/state"
	"github.com/shini4i/knockgate/internal/stats"
)

// disconnectTimeout bounds teardown after the user interrupts.
const disconnectTimeout = 30 * time.Second

type connectOptions struct {
	configPath    string
	bootstrapPath string
	skipKnock     bool
	vpnUser       string
	noStats       bool
}

func newConnectCmd(a *app) *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Knock, start the tunnel and connect the VPN until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.configPath == "") == (opts.bootstrapPath == "") {
				return errors.New("exactly one of --config or --bootstrap is required")
			}
			return a.connect(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "connection config file (JSON or YAML)")
	cmd.Flags().StringVar(&opts.bootstrapPath, "bootstrap", "", "server-issued bootstrap bundle")
	cmd.Flags().BoolVar(&opts.skipKnock, "skip-knock", false, "bypass the port knock")
	cmd.Flags().StringVar(&opts.vpnUser, "vpn-user", "", "VPN username; the password is prompted for")
	cmd.Flags().BoolVar(&opts.noStats, "no-stats", false, "do not print tunnel traffic")
	return cmd
}

func loadConnection(opts connectOptions) (*connection.Config, *secret.AuthTokens, error) {
	if opts.bootstrapPath != "" {
		return connection.LoadBundle(opts.bootstrapPath)
	}
	cfg, err := connection.LoadFile(opts.configPath)
	return cfg, nil, err
}

func (a *app) connect(ctx context.Context, opts connectOptions) error {
	appCfg := a.cfgMgr.GetConfig()

	cfg, tokens, err := loadConnection(opts)
	if err != nil {
		return errors.New(apperr.UserMessage(err))
	}
	if opts.skipKnock {
		cfg.SkipKnock = true
	}
	if opts.vpnUser != "" {
		password, err := a.promptPassword("VPN password: ")
		if err != nil {
			cfg.Wipe()
			return err
		}
		cfg.VPNAuth = &connection.Auth{Username: secret.New(opts.vpnUser), Password: password}
	}

	vpn := adapter.NewOpenVPN(appCfg.Binaries.VPN, nil)
	orch, err := a.newOrchestrator(appCfg, adapter.Set{
		Spa:    adapter.NewFwknop(appCfg.Binaries.Knock, nil),
		Tunnel: adapter.NewStunnel(appCfg.Binaries.Tunnel, nil, nil),
		Vpn:    vpn,
	})
	if err != nil {
		cfg.Wipe()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	unsubscribe := a.printAlerts(orch.Monitor())
	defer unsubscribe()

	rm := reconnect.NewManager(reconnect.ConfigFromApp(appCfg), func(ctx context.Context) error {
		return orch.Retry(ctx).Wait(ctx)
	})
	rm.SetContext(ctx)
	rm.SetCallbacks(reconnect.Callbacks{
		OnReconnecting: func(attempt int) {
			_, _ = fmt.Fprintf(a.errOut, "reconnecting (attempt %d)\n", attempt)
		},
		OnFailed: func(err error) { cancel(err) },
	})
	rm.Attach(orch.FSM())
	defer rm.Cancel()

	if tokens == nil && orch.ResumeSession() {
		_, _ = fmt.Fprintln(a.errOut, "resumed saved session")
	}

	go func() {
		if err := a.cfgMgr.Watch(ctx, func(*config.Config) {
			slog.Info("Configuration changed, reconnect to apply it")
		}); err != nil {
			slog.Debug("Config watcher unavailable", "error", err)
		}
	}()

	if err := orch.Establish(ctx, orchestrator.Request{Config: cfg, Tokens: tokens}); err != nil {
		msg := orch.Status().Message
		// Releases and wipes the connection config.
		_ = orch.Disconnect(context.WithoutCancel(ctx))
		if errors.Is(err, orchestrator.ErrCancelled) {
			return errors.New("connection cancelled")
		}
		if msg != "" {
			return errors.New(msg)
		}
		return errors.New(apperr.UserMessage(err))
	}

	_, _ = fmt.Fprintf(a.out, "connected to %s", cfg.Host)
	if ip := vpn.AssignedIP(); ip != "" {
		_, _ = fmt.Fprintf(a.out, " as %s", ip)
	}
	_, _ = fmt.Fprintln(a.out)

	if !opts.noStats {
		go a.printStats(ctx, vpn.Device(), vpn.AssignedIP())
	}

	<-ctx.Done()
	rm.Cancel()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancelStop()
	if err := orch.Disconnect(stopCtx); err != nil {
		return errors.New(apperr.UserMessage(err))
	}
	_, _ = fmt.Fprintln(a.out, "disconnected")

	if cause := context.Cause(ctx); errors.Is(cause, reconnect.ErrAttemptsExhausted) {
		return fmt.Errorf("connection lost: %w", cause)
	}
	return nil
}

func (a *app) newOrchestrator(appCfg *config.Config, adapters adapter.Set) (*orchestrator.Orchestrator, error) {
	opts := orchestrator.OptionsFromConfig(appCfg)
	opts.Adapters = adapters
	opts.Preflight = a.validator(appCfg)
	opts.Store = a.sessionStore()
	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}
	orch.FSM().OnTransition(func(t state.Transition) {
		slog.Debug("Connection state changed", "from", t.From, "to", t.To, "event", t.Event)
		if t.To == state.StateError {
			_, _ = fmt.Fprintf(a.errOut, "error: %s\n", t.Message)
		}
	})
	return orch, nil
}

func (a *app) printAlerts(m *monitor.Monitor) func() {
	alerts, unsubscribe := m.Subscribe(16)
	go func() {
		for alert := range alerts {
			_, _ = fmt.Fprintf(a.errOut, "alert [%s] %s: %s\n", alert.Severity, alert.Type, alert.Message)
		}
	}()
	return unsubscribe
}

func (a *app) printStats(ctx context.Context, dev, assignedIP string) {
	if dev == "" {
		var err error
		dev, err = stats.DetectInterfaceWithRetry(ctx, assignedIP, stats.SystemInterfaceAddrs, 5, 100*time.Millisecond)
		if err != nil {
			slog.Debug("VPN interface not detected, traffic stats disabled", "ip", assignedIP, "error", err)
			return
		}
	}
	collector := stats.NewCollector(stats.DefaultInterval)
	err := collector.Run(ctx, dev, func(s stats.Sample) {
		_, _ = fmt.Fprintf(a.errOut, "%s\n", s)
	})
	if err != nil {
		slog.Debug("Traffic stats unavailable", "interface", dev, "error", err)
	}
}

// promptPassword reads a password from the terminal without echo.
func (a *app) promptPassword(prompt string) (*secret.String, error) {
	fd := int(a.in.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("password prompt requires a terminal")
	}
	_, _ = fmt.Fprint(a.errOut, prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(a.errOut)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return secret.FromBytes(pw), nil
}
