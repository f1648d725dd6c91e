package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nao1215/anonctl/internal/routing"
)

// TestNewConfig verifies that NewConfig returns a Config with all expected
// default values, so changes to defaults are intentional.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	t.Run("default ControlAddress is 127.0.0.1:9051", func(t *testing.T) {
		t.Parallel()
		if cfg.ControlAddress != "127.0.0.1:9051" {
			t.Errorf("expected ControlAddress to be '127.0.0.1:9051', got '%s'", cfg.ControlAddress)
		}
	})

	t.Run("default SocksAddress is 127.0.0.1:9050", func(t *testing.T) {
		t.Parallel()
		if cfg.SocksAddress != "127.0.0.1:9050" {
			t.Errorf("expected SocksAddress to be '127.0.0.1:9050', got '%s'", cfg.SocksAddress)
		}
	})

	t.Run("default CountryTimeout is 1 second", func(t *testing.T) {
		t.Parallel()
		if cfg.CountryTimeout != time.Second {
			t.Errorf("expected CountryTimeout to be 1s, got %v", cfg.CountryTimeout)
		}
	})

	t.Run("default Embedded is false", func(t *testing.T) {
		t.Parallel()
		if cfg.Embedded {
			t.Error("expected Embedded to be false")
		}
	})

	t.Run("default JournalDir is the XDG data dir", func(t *testing.T) {
		t.Parallel()
		if cfg.JournalDir != XDGDataDir() {
			t.Errorf("expected JournalDir to be %q, got %q", XDGDataDir(), cfg.JournalDir)
		}
	})

	t.Run("defaults validate", func(t *testing.T) {
		t.Parallel()
		if err := NewConfig().Validate(); err != nil {
			t.Errorf("expected defaults to be valid, got %v", err)
		}
	})
}

// TestConfigValidate tests the Validate method. Each case breaks exactly one
// rule.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr error
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "control address without port",
			modify:  func(c *Config) { c.ControlAddress = "127.0.0.1" },
			wantErr: ErrInvalidControlAddress,
		},
		{
			name:    "empty control address",
			modify:  func(c *Config) { c.ControlAddress = "" },
			wantErr: ErrInvalidControlAddress,
		},
		{
			name:    "socks address without host",
			modify:  func(c *Config) { c.SocksAddress = ":9050" },
			wantErr: ErrInvalidSocksAddress,
		},
		{
			name:   "empty socks address is allowed",
			modify: func(c *Config) { c.SocksAddress = "" },
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.CommandTimeout = 0 },
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "negative country timeout",
			modify:  func(c *Config) { c.CountryTimeout = -time.Second },
			wantErr: ErrInvalidTimeout,
		},
		{
			name: "embedded without startup timeout",
			modify: func(c *Config) {
				c.Embedded = true
				c.DaemonStartupTimeout = 0
			},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "zero lookup rate",
			modify:  func(c *Config) { c.CountryLookupRate = 0 },
			wantErr: ErrInvalidLookupRate,
		},
		{
			name: "json and markdown",
			modify: func(c *Config) {
				c.JSONReport = true
				c.MarkdownReport = true
			},
			wantErr: ErrConflictingReportFormats,
		},
		{
			name: "password and cookie",
			modify: func(c *Config) {
				c.Password = "secret"
				c.CookieFile = "/var/lib/tor/control_auth_cookie"
			},
			wantErr: ErrConflictingAuth,
		},
		{
			name:    "unknown exit country",
			modify:  func(c *Config) { c.ExitCountries = []string{"de", "zz"} },
			wantErr: ErrInvalidCountry,
		},
		{
			name:    "route without target",
			modify:  func(c *Config) { c.Routes = []routing.Route{{Target: " "}} },
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "route with one hop",
			modify:  func(c *Config) { c.Routes = []routing.Route{{Target: "example.com", Hops: 1}} },
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "route with bad country",
			modify:  func(c *Config) { c.Routes = []routing.Route{{Target: "example.com", ExitCountries: []string{"??"}}} },
			wantErr: ErrInvalidCountry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := NewConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidate_Normalizes(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	cfg.ExitCountries = []string{"DE", " us "}
	cfg.Routes = []routing.Route{{Target: " Example.COM ", ExitCountries: []string{"Jp"}}}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"de", "us"}; !slices.Equal(cfg.ExitCountries, want) {
		t.Errorf("ExitCountries = %v, want %v", cfg.ExitCountries, want)
	}
	if cfg.Routes[0].Target != "example.com" {
		t.Errorf("route target = %q, want example.com", cfg.Routes[0].Target)
	}
	if want := []string{"jp"}; !slices.Equal(cfg.Routes[0].ExitCountries, want) {
		t.Errorf("route countries = %v, want %v", cfg.Routes[0].ExitCountries, want)
	}
}

func TestNormalizeCountries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		codes   []string
		want    []string
		wantErr bool
	}{
		{name: "nil", codes: nil, want: nil},
		{name: "upper case", codes: []string{"DE", "FR"}, want: []string{"de", "fr"}},
		{name: "mixed case", codes: []string{"nL"}, want: []string{"nl"}},
		{name: "alpha-3 rejected", codes: []string{"deu"}, wantErr: true},
		{name: "unknown marker rejected", codes: []string{"??"}, wantErr: true},
		{name: "private use rejected", codes: []string{"zz"}, wantErr: true},
		{name: "empty rejected", codes: []string{""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeCountries(tt.codes)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCountry) {
					t.Errorf("expected ErrInvalidCountry, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigApply(t *testing.T) {
	t.Parallel()

	t.Run("nil file leaves defaults", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.Apply(nil)
		if cfg.ControlAddress != DefaultControlAddress {
			t.Errorf("ControlAddress = %q", cfg.ControlAddress)
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.Apply(&File{
			Control: ControlSection{Address: "10.0.0.1:9151", CookieFile: "/tmp/cookie"},
			Socks:   SocksSection{Timeout: 30 * time.Second},
			Routes:  []routing.Route{{Target: "example.com"}},
		})

		if cfg.ControlAddress != "10.0.0.1:9151" {
			t.Errorf("ControlAddress = %q", cfg.ControlAddress)
		}
		if cfg.CookieFile != "/tmp/cookie" {
			t.Errorf("CookieFile = %q", cfg.CookieFile)
		}
		if cfg.SocksAddress != DefaultSocksAddress {
			t.Errorf("SocksAddress = %q, want default", cfg.SocksAddress)
		}
		if cfg.SocksTimeout != 30*time.Second {
			t.Errorf("SocksTimeout = %v", cfg.SocksTimeout)
		}
		if len(cfg.Routes) != 1 {
			t.Errorf("Routes = %v", cfg.Routes)
		}
	})
}

// TestLoadConfigFile tests the LoadConfigFile function.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrConfigNotFound for non-existent file", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfigFile("/nonexistent/path/.anonctl")
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("expected ErrConfigNotFound, got: %v", err)
		}
		if cfg != nil {
			t.Error("expected nil config when file not found")
		}
	})

	t.Run("loads valid YAML config", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), ".anonctl")
		content := `control:
  address: 127.0.0.1:9151
  password: hunter2
socks:
  address: 127.0.0.1:9150
  timeout: 45s
exit_countries: [de, nl]
routes:
  - target: example.com
    exit_countries: [us]
    hops: 4
  - target: check.torproject.org
`
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		cf, err := LoadConfigFile(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cf.Control.Address != "127.0.0.1:9151" {
			t.Errorf("control address = %q", cf.Control.Address)
		}
		if cf.Control.Password != "hunter2" {
			t.Errorf("control password = %q", cf.Control.Password)
		}
		if cf.Socks.Timeout != 45*time.Second {
			t.Errorf("socks timeout = %v", cf.Socks.Timeout)
		}
		if !slices.Equal(cf.ExitCountries, []string{"de", "nl"}) {
			t.Errorf("exit countries = %v", cf.ExitCountries)
		}
		if len(cf.Routes) != 2 {
			t.Fatalf("expected 2 routes, got %d", len(cf.Routes))
		}
		if cf.Routes[0].Hops != 4 || !slices.Equal(cf.Routes[0].ExitCountries, []string{"us"}) {
			t.Errorf("first route = %+v", cf.Routes[0])
		}
		if cf.Routes[1].Target != "check.torproject.org" {
			t.Errorf("second route = %+v", cf.Routes[1])
		}
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), ".anonctl")
		if err := os.WriteFile(configPath, []byte(`invalid: yaml: content: [}`), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if _, err := LoadConfigFile(configPath); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

// TestFindConfigFile tests the FindConfigFile function.
func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns explicit path if exists", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(configPath, []byte("control: {}"), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if result := FindConfigFile(configPath); result != configPath {
			t.Errorf("expected %q, got %q", configPath, result)
		}
	})

	t.Run("returns empty for non-existent explicit path", func(t *testing.T) {
		t.Parallel()

		if result := FindConfigFile("/nonexistent/path/config.yaml"); result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
	})
}

// TestXDGDirs tests XDG directory functions.
func TestXDGDirs(t *testing.T) {
	t.Parallel()

	if filepath.Base(XDGDataDir()) != AppName {
		t.Errorf("unexpected XDG data dir %q", XDGDataDir())
	}
	if filepath.Base(XDGConfigDir()) != AppName {
		t.Errorf("unexpected XDG config dir %q", XDGConfigDir())
	}
}
