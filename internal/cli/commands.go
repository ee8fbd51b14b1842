package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/preflight"
)

func newPreflightCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Run the environment checks without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := a.validator(a.cfgMgr.GetConfig()).RunAll(cmd.Context())
			if jsonOut {
				if err := writeReportJSON(a, report); err != nil {
					return err
				}
			} else {
				writeReport(a, report)
			}
			if first := report.FirstFailure(); first != nil {
				return fmt.Errorf("preflight failed: %s", apperr.RedactMessage(first.Err.Error()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// statusColors are ANSI 256 colors for the report status tags. The renderer
// drops them when the output is not a terminal.
var statusColors = map[string]lipgloss.Color{
	"PASS": lipgloss.Color("42"),
	"FAIL": lipgloss.Color("196"),
	"WARN": lipgloss.Color("214"),
}

func writeReport(a *app, report *preflight.Report) {
	r := lipgloss.NewRenderer(a.out)
	for _, res := range report.Results {
		status := "PASS"
		detail := res.Detail
		switch {
		case !res.Passed:
			status = "FAIL"
			detail = apperr.RedactMessage(res.Err.Error())
		case res.Warning != "":
			status = "WARN"
			detail = res.Warning
		}
		tag := r.NewStyle().Bold(true).Foreground(statusColors[status]).Render(status)
		_, _ = fmt.Fprintf(a.out, "[%s] %-20s %6dms  %s\n", tag, res.Check, res.Duration.Milliseconds(), detail)
	}
}

type reportEntry struct {
	Check      string `json:"check"`
	Passed     bool   `json:"passed"`
	Warning    string `json:"warning,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func writeReportJSON(a *app, report *preflight.Report) error {
	entries := make([]reportEntry, 0, len(report.Results))
	for _, res := range report.Results {
		e := reportEntry{
			Check:      string(res.Check),
			Passed:     res.Passed,
			Warning:    res.Warning,
			Detail:     res.Detail,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			e.Error = apperr.RedactMessage(res.Err.Error())
		}
		entries = append(entries, e)
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a connection config or bootstrap bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connection.LoadFile(args[0])
			if err != nil {
				if ve, ok := connection.AsValidationError(err); ok {
					return fmt.Errorf("invalid %s: %s", ve.Field, ve.Reason)
				}
				return errors.New(apperr.UserMessage(err))
			}
			defer cfg.Wipe()

			_, _ = fmt.Fprintf(a.out, "valid %s config for %s:%d (knock: %s, tunnel: %s, vpn auth: %s)\n",
				cfg.Source, cfg.Host, cfg.Port,
				onOff(!cfg.SkipKnock), onOff(cfg.Tunnel.Enabled), onOff(cfg.HasAuth()))
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Erase the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.sessionStore()
			existed := store.Exists()
			if err := store.Clear(); err != nil {
				return errors.New(apperr.UserMessage(err))
			}
			if existed {
				_, _ = fmt.Fprintln(a.out, "session erased")
			} else {
				_, _ = fmt.Fprintln(a.out, "no saved session")
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Inspect the application configuration"}

	var yamlOut bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfgMgr.GetConfig()
			if yamlOut {
				enc := yaml.NewEncoder(a.out)
				defer func() { _ = enc.Close() }()
				return enc.Encode(cfg)
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	show.Flags().BoolVar(&yamlOut, "yaml", false, "output YAML")

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration and data file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.cfgMgr.Paths()
			_, _ = fmt.Fprintf(a.out, "config:  %s\nsession: %s\nlog:     %s\n", p.ConfigFile, p.SessionFile, p.LogFile)
			return nil
		},
	}

	root.AddCommand(show, path)
	return root
}
