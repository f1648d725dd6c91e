package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/anonctl/internal/routing"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".anonctl"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// File represents the structure of the .anonctl configuration file.
type File struct {
	// Control holds the control port connection settings.
	Control ControlSection `yaml:"control,omitempty"`

	// Socks holds the SOCKS port settings used by fetch.
	Socks SocksSection `yaml:"socks,omitempty"`

	// ExitCountries are the default exit countries.
	ExitCountries []string `yaml:"exit_countries,omitempty"`

	// Routes is the route table for `anonctl route`.
	Routes []routing.Route `yaml:"routes,omitempty"`

	// Journal is the directory of the event journal database.
	Journal string `yaml:"journal,omitempty"`
}

// ControlSection is the "control" block of the config file.
type ControlSection struct {
	Address    string `yaml:"address,omitempty"`
	Password   string `yaml:"password,omitempty"`
	CookieFile string `yaml:"cookie_file,omitempty"`
}

// SocksSection is the "socks" block of the config file.
type SocksSection struct {
	Address string        `yaml:"address,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LoadConfigFile loads a YAML config file.
// If the file does not exist, it returns ErrConfigNotFound.
// Callers decide whether that is an error based on whether the path was
// given explicitly.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cf File
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .anonctl in the current directory
// 3. Look for .anonctl in the user's home directory
// 4. Look for config.yaml in the XDG config directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, DefaultConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultConfigFile))
	}
	candidates = append(candidates, filepath.Join(XDGConfigDir(), "config.yaml"))

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
