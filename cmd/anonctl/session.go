package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nao1215/anonctl/internal/config"
	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/daemon"
	applog "github.com/nao1215/anonctl/internal/log"
	"github.com/nao1215/anonctl/internal/report"
)

// passwordEnv overrides the config file password without exposing it in
// the process list.
const passwordEnv = "ANONCTL_CONTROL_PASSWORD"

// countryLookupBurst is the burst size of the country lookup limiter.
const countryLookupBurst = 5

// buildConfig creates a Config from defaults, the config file and the
// command line, in that order, and validates it.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	var err error
	cfg.Verbose, err = flags.GetBool("verbose")
	if err != nil {
		return nil, err
	}
	cfg.ConfigFilePath, err = flags.GetString("config")
	if err != nil {
		return nil, err
	}

	// An explicitly named config file must exist; the default locations
	// are optional.
	configPath := config.FindConfigFile(cfg.ConfigFilePath)
	switch {
	case configPath != "":
		file, err := config.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		cfg.Apply(file)
	case cfg.ConfigFilePath != "":
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, cfg.ConfigFilePath)
	}

	if v := os.Getenv(passwordEnv); v != "" {
		cfg.Password = v
	}

	if err := applyStringFlag(cmd, "control", &cfg.ControlAddress); err != nil {
		return nil, err
	}
	if err := applyStringFlag(cmd, "password", &cfg.Password); err != nil {
		return nil, err
	}
	if err := applyStringFlag(cmd, "cookie", &cfg.CookieFile); err != nil {
		return nil, err
	}
	if err := applyStringFlag(cmd, "output", &cfg.ReportFile); err != nil {
		return nil, err
	}
	if err := applyStringFlag(cmd, "socks", &cfg.SocksAddress); err != nil {
		return nil, err
	}
	if err := applyStringFlag(cmd, "metrics", &cfg.MetricsAddress); err != nil {
		return nil, err
	}
	if err := applyBoolFlag(cmd, "embedded", &cfg.Embedded); err != nil {
		return nil, err
	}
	if err := applyBoolFlag(cmd, "json", &cfg.JSONReport); err != nil {
		return nil, err
	}
	if err := applyBoolFlag(cmd, "markdown", &cfg.MarkdownReport); err != nil {
		return nil, err
	}
	if flags.Changed("timeout") {
		if cfg.CommandTimeout, err = flags.GetDuration("timeout"); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// applyStringFlag copies a string flag into dst when it was set on the
// command line. Flags the command does not define are ignored.
func applyStringFlag(cmd *cobra.Command, name string, dst *string) error {
	if cmd.Flags().Lookup(name) == nil || !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// applyBoolFlag is applyStringFlag for boolean flags.
func applyBoolFlag(cmd *cobra.Command, name string, dst *bool) error {
	if cmd.Flags().Lookup(name) == nil || !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// setupLogger creates the credential-masking logger used by every command
// and installs it as the default.
func setupLogger(verbose bool) *slog.Logger {
	logger := applog.NewSecureLogger(os.Stderr, verbose)
	slog.SetDefault(logger)
	return logger
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// commandContext is signalContext bounded by the one-shot command timeout.
func commandContext(cmd *cobra.Command, cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signalContext(cmd)
	ctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// session is an authenticated control connection, plus the embedded daemon
// behind it when --embedded is used.
type session struct {
	ctl       *control.Control
	embedded  *daemon.Embedded
	socksAddr string
	logger    *slog.Logger
}

// openSession connects and authenticates. With a password it uses
// AUTHENTICATE, with a cookie file the cookie, and otherwise whatever
// PROTOCOLINFO offers.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...control.Option) (*session, error) {
	s := &session{socksAddr: cfg.SocksAddress, logger: logger}
	address := cfg.ControlAddress
	cookie := cfg.CookieFile

	if cfg.Embedded {
		fmt.Fprintln(os.Stderr, "Starting embedded daemon...")
		fmt.Fprintln(os.Stderr, "This may take 1-3 minutes while it bootstraps.")

		s.embedded = daemon.New(
			daemon.WithStartupTimeout(cfg.DaemonStartupTimeout),
			daemon.WithLogger(logger),
		)
		if err := s.embedded.Start(ctx); err != nil {
			return nil, err
		}
		address = s.embedded.ControlAddr()
		s.socksAddr = s.embedded.SocksAddr()

		var err error
		if cookie, err = s.embedded.CookiePath(); err != nil {
			s.stopDaemon()
			return nil, err
		}
	}

	ctlOpts := append([]control.Option{
		control.WithLogger(logger),
		control.WithCountryLookupRate(rate.Limit(cfg.CountryLookupRate), countryLookupBurst),
		control.WithCountryTimeout(cfg.CountryTimeout),
	}, opts...)

	ctl, err := control.Dial(ctx, address, ctlOpts...)
	if err != nil {
		s.stopDaemon()
		return nil, err
	}
	s.ctl = ctl

	switch {
	case cfg.Password != "":
		err = ctl.Authenticate(ctx, cfg.Password)
	case cookie != "":
		err = ctl.AuthenticateCookie(ctx, cookie)
	default:
		err = ctl.AuthenticateAuto(ctx, "")
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Debug("control session ready", "address", address, "embedded", cfg.Embedded)
	return s, nil
}

// Close sends QUIT, closes the connection and stops the embedded daemon.
func (s *session) Close() error {
	var err error
	if s.ctl != nil {
		if cerr := s.ctl.Close(); cerr != nil && !errors.Is(cerr, control.ErrTransportClosed) {
			err = cerr
		}
	}
	s.stopDaemon()
	return err
}

func (s *session) stopDaemon() {
	if s.embedded == nil || !s.embedded.IsRunning() {
		return
	}
	s.logger.Info("stopping embedded daemon", "control", s.embedded.ControlAddr())
	if err := s.embedded.Stop(); err != nil {
		s.logger.Error("failed to stop embedded daemon", "error", err)
	}
}

// addReportFlags adds the output format flags shared by listing commands.
func addReportFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write output to the specified file path (creates directories if needed)")
}

// openOutput returns the report destination and a function closing it.
func openOutput(cmd *cobra.Command, cfg *config.Config) (io.Writer, func() error, error) {
	if cfg.ReportFile == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}

	dir := filepath.Dir(cfg.ReportFile)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	// Reports may list circuits in use, so only the owner can read them.
	f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, f.Close, nil
}

// newReportWriter picks the writer for the configured format.
func newReportWriter(cfg *config.Config, w io.Writer) report.Writer {
	switch {
	case cfg.JSONReport:
		return report.NewJSONWriter(w, report.WithPrettyPrint())
	case cfg.MarkdownReport:
		return report.NewMarkdownWriter(w)
	default:
		return report.NewSimpleWriter(w, report.WithVerbose(cfg.Verbose))
	}
}

// writeReport opens the output, writes with fn and closes the output.
func writeReport(cmd *cobra.Command, cfg *config.Config, fn func(report.Writer) (int, error)) error {
	out, closeOut, err := openOutput(cmd, cfg)
	if err != nil {
		return err
	}
	if _, err := fn(newReportWriter(cfg, out)); err != nil {
		_ = closeOut()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return closeOut()
}
