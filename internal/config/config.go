package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"golang.org/x/text/language"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/routing"
)

// Default configuration values.
const (
	// DefaultControlAddress is the daemon's default control port.
	DefaultControlAddress = control.DefaultAddress

	// DefaultSocksAddress is the daemon's default SOCKS5 port.
	// We use 127.0.0.1 instead of localhost to avoid DNS resolution and
	// IPv6 surprises on some systems.
	DefaultSocksAddress = "127.0.0.1:9050"

	// DefaultCommandTimeout bounds a single CLI operation such as listing
	// relays or building a circuit. Circuit builds over a fresh consensus can
	// take tens of seconds.
	DefaultCommandTimeout = 60 * time.Second

	// DefaultSocksTimeout is the dial and request timeout of the SOCKS
	// client. Anonymized connections are slow, so this is generous.
	DefaultSocksTimeout = 120 * time.Second

	// DefaultCountryTimeout bounds one ip-to-country lookup.
	DefaultCountryTimeout = control.DefaultCountryTimeout

	// DefaultCountryLookupRate is the number of country lookups per second
	// PopulateCountries may issue.
	DefaultCountryLookupRate = 20.0

	// DefaultDaemonStartupTimeout is the maximum time to wait for the
	// embedded daemon to bootstrap.
	DefaultDaemonStartupTimeout = 3 * time.Minute

	// DefaultMetricsAddress is where `watch --metrics` serves Prometheus
	// metrics.
	DefaultMetricsAddress = "127.0.0.1:9190"

	// AppName is the application name used for XDG directory paths.
	AppName = "anonctl"
)

// Config holds all configuration options for anonctl.
// It is populated from defaults, the config file and CLI flags, in that
// order, and passed down explicitly rather than kept in globals.
type Config struct {
	// ControlAddress is the daemon control port in "host:port" format.
	ControlAddress string

	// Password is the control port password for AUTHENTICATE.
	// Mutually exclusive with CookieFile.
	Password string

	// CookieFile is the path of the control authentication cookie.
	// When both Password and CookieFile are empty, anonctl asks the daemon
	// via PROTOCOLINFO which method to use.
	CookieFile string

	// SocksAddress is the daemon SOCKS5 port used by `fetch`.
	SocksAddress string

	// Embedded starts a private daemon instead of connecting to
	// ControlAddress.
	Embedded bool

	// DaemonStartupTimeout is the maximum time to wait for the embedded
	// daemon to bootstrap. Only used when Embedded is true.
	DaemonStartupTimeout time.Duration

	// CommandTimeout bounds one-shot commands (relays, circuits, path...).
	// Long running commands such as watch and route ignore it.
	CommandTimeout time.Duration

	// SocksTimeout is the timeout of requests made through the SOCKS port.
	SocksTimeout time.Duration

	// CountryTimeout bounds a single ip-to-country lookup.
	CountryTimeout time.Duration

	// CountryLookupRate is the number of country lookups per second.
	CountryLookupRate float64

	// Verbose enables detailed log output using slog.LevelDebug.
	// When false, only warnings and errors are logged.
	Verbose bool

	// ConfigFilePath is the path to the configuration file.
	// If empty, FindConfigFile searches the default locations.
	ConfigFilePath string

	// ExitCountries are the default exit countries for `path` and routes
	// that set none. Lower-case ISO 3166-1 alpha-2 codes after Validate.
	ExitCountries []string

	// Routes is the route table used by `route`.
	Routes []routing.Route

	// JSONReport switches report output to JSON.
	// Mutually exclusive with MarkdownReport.
	JSONReport bool

	// MarkdownReport switches report output to GitHub Flavored Markdown.
	// Mutually exclusive with JSONReport.
	MarkdownReport bool

	// ReportFile is the output file path for reports.
	// When set, the report is written to this file instead of stdout.
	ReportFile string

	// JournalDir is the directory of the event journal database.
	// Defaults to the XDG data directory.
	JournalDir string

	// MetricsAddress is the listen address of the Prometheus endpoint.
	MetricsAddress string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		ControlAddress:       DefaultControlAddress,
		SocksAddress:         DefaultSocksAddress,
		DaemonStartupTimeout: DefaultDaemonStartupTimeout,
		CommandTimeout:       DefaultCommandTimeout,
		SocksTimeout:         DefaultSocksTimeout,
		CountryTimeout:       DefaultCountryTimeout,
		CountryLookupRate:    DefaultCountryLookupRate,
		JournalDir:           XDGDataDir(),
		MetricsAddress:       DefaultMetricsAddress,
	}
}

// XDGDataDir returns the XDG data directory for anonctl.
// On Linux: ~/.local/share/anonctl
// On macOS: ~/Library/Application Support/anonctl
// On Windows: %LOCALAPPDATA%\anonctl
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for anonctl.
// On Linux: ~/.config/anonctl
// On macOS: ~/Library/Application Support/anonctl
// On Windows: %APPDATA%\anonctl
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Apply copies the values set in a config file over c. Empty file values
// leave c unchanged. CLI flags are applied by the caller afterwards.
func (c *Config) Apply(f *File) {
	if f == nil {
		return
	}
	if f.Control.Address != "" {
		c.ControlAddress = f.Control.Address
	}
	if f.Control.Password != "" {
		c.Password = f.Control.Password
	}
	if f.Control.CookieFile != "" {
		c.CookieFile = f.Control.CookieFile
	}
	if f.Socks.Address != "" {
		c.SocksAddress = f.Socks.Address
	}
	if f.Socks.Timeout > 0 {
		c.SocksTimeout = f.Socks.Timeout
	}
	if f.Journal != "" {
		c.JournalDir = f.Journal
	}
	if len(f.ExitCountries) > 0 {
		c.ExitCountries = f.ExitCountries
	}
	if len(f.Routes) > 0 {
		c.Routes = f.Routes
	}
}

// Validate checks if the configuration is valid and normalizes country
// codes to lower case. It returns the first problem found.
func (c *Config) Validate() error {
	if !isHostPort(c.ControlAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidControlAddress, c.ControlAddress)
	}
	if c.SocksAddress != "" && !isHostPort(c.SocksAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidSocksAddress, c.SocksAddress)
	}

	if c.CommandTimeout <= 0 || c.SocksTimeout <= 0 || c.CountryTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Embedded && c.DaemonStartupTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.CountryLookupRate <= 0 {
		return ErrInvalidLookupRate
	}

	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}
	if c.Password != "" && c.CookieFile != "" {
		return ErrConflictingAuth
	}

	countries, err := NormalizeCountries(c.ExitCountries)
	if err != nil {
		return err
	}
	c.ExitCountries = countries

	for i := range c.Routes {
		if err := validateRoute(&c.Routes[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateRoute checks one route and normalizes its target and countries.
func validateRoute(r *routing.Route) error {
	r.Target = strings.ToLower(strings.TrimSpace(r.Target))
	if r.Target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidRoute)
	}
	if r.Hops != 0 && r.Hops < 2 {
		return fmt.Errorf("%w: %s: hops must be at least 2, got %d", ErrInvalidRoute, r.Target, r.Hops)
	}
	countries, err := NormalizeCountries(r.ExitCountries)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRoute, r.Target, err)
	}
	r.ExitCountries = countries
	return nil
}

// NormalizeCountries validates ISO 3166-1 alpha-2 codes and returns them
// lower-cased, the form the daemon uses in ip-to-country answers.
func NormalizeCountries(codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if len(code) != 2 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCountry, code)
		}
		region, err := language.ParseRegion(code)
		if err != nil || !region.IsCountry() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCountry, code)
		}
		out = append(out, strings.ToLower(region.String()))
	}
	return out, nil
}

// isHostPort reports whether addr is a "host:port" pair with a port.
func isHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}
