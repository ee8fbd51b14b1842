// Package preflight runs environment and policy checks before any network
// action of a connection attempt.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/config"
)

// CheckName identifies a preflight check.
type CheckName string

const (
	CheckSystemRequirements CheckName = "system_requirements"
	CheckTimezone           CheckName = "timezone"
	CheckNetwork            CheckName = "network"
	CheckCompetingTunnel    CheckName = "competing_tunnel"
	CheckBinaries           CheckName = "binaries"
)

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 3 * time.Second

// Error is a failed check.
type Error struct {
	Check  CheckName
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return string(e.Check) + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failure(check CheckName, err error, format string, args ...any) *Error {
	return &Error{Check: check, Reason: fmt.Sprintf(format, args...), Err: err}
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// Options configures the checks.
type Options struct {
	// AllowedTimezones is the deployment allow-list. Empty disables the check.
	AllowedTimezones []string
	// Resolvers are host:port endpoints probed for reachability.
	Resolvers        []string
	ProbeTimeout     time.Duration
	MinKernelVersion string
	KnockBinary      string
	VPNBinary        string
}

// OptionsFromConfig derives Options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AllowedTimezones: append([]string(nil), cfg.AllowedTimezones...),
		Resolvers:        append([]string(nil), cfg.Resolvers...),
		ProbeTimeout:     cfg.Timeouts.PreflightProbe(),
		MinKernelVersion: cfg.MinKernelVersion,
		KnockBinary:      cfg.Binaries.Knock.Path,
		VPNBinary:        cfg.Binaries.VPN.Path,
	}
}

// Validator runs the preflight checks.
type Validator struct {
	opts Options
	env  Env
}

// New creates a Validator. Zero-value Env fields use the OS.
func New(opts Options, env Env) *Validator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Validator{opts: opts, env: env.withDefaults()}
}

// outcome is what a check produces besides a failure.
type outcome struct {
	warning string
	detail  string
}

type check struct {
	name CheckName
	run  func(ctx context.Context) (outcome, error)
}

func (v *Validator) checks() []check {
	return []check{
		{CheckSystemRequirements, v.systemRequirements},
		{CheckTimezone, v.timezone},
		{CheckNetwork, v.network},
		{CheckCompetingTunnel, v.competingTunnel},
		{CheckBinaries, v.binaries},
	}
}

// Run executes every check in order and returns the first failure,
// classified as apperr.KindSecurity and unwrapping to *Error.
func (v *Validator) Run(ctx context.Context) error {
	for _, c := range v.checks() {
		if err := v.runOne(ctx, c); err != nil {
			return err
		}
	}
	slog.Info("Preflight checks passed")
	return nil
}

func (v *Validator) runOne(ctx context.Context, c check) error {
	if err := ctx.Err(); err != nil {
		return apperr.New(apperr.KindTimeout, "preflight", "preflight cancelled", err)
	}
	out, err := c.run(ctx)
	if out.warning != "" {
		slog.Warn("Preflight warning", "check", c.name, "warning", out.warning)
	}
	if err != nil {
		slog.Warn("Preflight check failed", "check", c.name, "error", err)
		return apperr.Security("preflight", err)
	}
	slog.Debug("Preflight check passed", "check", c.name, "detail", out.detail)
	return nil
}

// SystemRequirements checks the kernel version floor.
func (v *Validator) SystemRequirements(ctx context.Context) error {
	return v.runOne(ctx, check{CheckSystemRequirements, v.systemRequirements})
}

// Timezone checks the local timezone against the allow-list.
func (v *Validator) Timezone(ctx context.Context) error {
	return v.runOne(ctx, check{CheckTimezone, v.timezone})
}

// Network checks that at least one resolver is reachable.
func (v *Validator) Network(ctx context.Context) error {
	return v.runOne(ctx, check{CheckNetwork, v.network})
}

// CompetingTunnel checks that no other VPN-class interface is up.
func (v *Validator) CompetingTunnel(ctx context.Context) error {
	return v.runOne(ctx, check{CheckCompetingTunnel, v.competingTunnel})
}

// Binaries checks that the stage tools are installed.
func (v *Validator) Binaries(ctx context.Context) error {
	return v.runOne(ctx, check{CheckBinaries, v.binaries})
}

// Result is the outcome of one check in a Report.
type Result struct {
	Check    CheckName
	Passed   bool
	Warning  string
	Detail   string
	Err      error
	Duration time.Duration
}

// Report holds the outcome of every check.
type Report struct {
	Results []Result
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failed result, or nil.
func (r *Report) FirstFailure() *Result {
	for i := range r.Results {
		if !r.Results[i].Passed {
			return &r.Results[i]
		}
	}
	return nil
}

// RunAll executes every check without short-circuiting, for diagnostics.
func (v *Validator) RunAll(ctx context.Context) *Report {
	report := &Report{}
	for _, c := range v.checks() {
		start := time.Now()
		out, err := c.run(ctx)
		report.Results = append(report.Results, Result{
			Check:    c.name,
			Passed:   err == nil,
			Warning:  out.warning,
			Detail:   out.detail,
			Err:      err,
			Duration: time.Since(start),
		})
	}
	return report
}
