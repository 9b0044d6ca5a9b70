// pkg/config/config.go - configuration settings and persisted install choices for winebridge.

package config

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a persisted document that exists but cannot be used.
var ErrConfiguration = errors.New("configuration failure")

const (
	configFileName       = "config.yaml"
	legacyConfigFileName = "winebridge.conf"
)

// Configuration holds the resolved install choices and tool settings in YAML format.
type Configuration struct {
	// Resolved install choices, written by the install pipeline.
	Application  string `yaml:"Application,omitempty"`
	AppVersion   string `yaml:"AppVersion,omitempty"`
	AppRelease   string `yaml:"AppRelease,omitempty"`
	InstallDir   string `yaml:"InstallDir,omitempty"`
	WineBinary   string `yaml:"WineBinary,omitempty"`
	RuntimeImage string `yaml:"RuntimeImage,omitempty"`
	HelperBinary string `yaml:"HelperBinary,omitempty"`
	WinePrefix   string `yaml:"WinePrefix,omitempty"`
	AppExe       string `yaml:"AppExe,omitempty"`

	// Tool settings.
	Applications            []string `yaml:"Applications"`
	CachePath               string   `yaml:"CachePath"`
	LogPath                 string   `yaml:"LogPath"`
	LogLevel                string   `yaml:"LogLevel"`
	Debug                   bool     `yaml:"Debug"`
	Verbose                 bool     `yaml:"Verbose"`
	ReleaseFeedURL          string   `yaml:"ReleaseFeedURL"`
	RuntimeReleaseURL       string   `yaml:"RuntimeReleaseURL"`
	HelperToolURL           string   `yaml:"HelperToolURL"`
	LegacyImageURL          string   `yaml:"LegacyImageURL"`
	InstallerURL            string   `yaml:"InstallerURL"`
	IconURL                 string   `yaml:"IconURL"`
	InstallerTimeoutMinutes int      `yaml:"InstallerTimeoutMinutes"`
	PollIntervalSeconds     int      `yaml:"PollIntervalSeconds"`

	// Path the document was read from; not persisted.
	Path string `yaml:"-"`
}

// Dir returns the configuration directory, honouring XDG_CONFIG_HOME.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "winebridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "winebridge")
}

// DefaultPath is where the YAML document lives unless overridden on the command line.
func DefaultPath() string {
	return filepath.Join(Dir(), configFileName)
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "winebridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "winebridge")
}

func cacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "winebridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "winebridge")
}

// GetDefaultConfig provides default configuration values.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Applications:            []string{"Logos", "Verbum"},
		CachePath:               cacheDir(),
		LogPath:                 filepath.Join(stateDir(), "logs"),
		LogLevel:                "INFO",
		ReleaseFeedURL:          "https://downloads.example.com/releases/%s/feed.xml",
		RuntimeReleaseURL:       "https://api.github.com/repos/winebridge/wine-appimage/releases/latest",
		HelperToolURL:           "https://raw.githubusercontent.com/Winetricks/winetricks/master/src/winetricks",
		LegacyImageURL:          "https://downloads.example.com/images/legacy-prefix.tar.gz",
		InstallerURL:            "https://downloads.example.com/releases/%[1]s/%[2]s/%[1]s-x64.msi",
		IconURL:                 "https://downloads.example.com/icons/%s.png",
		InstallerTimeoutMinutes: 30,
		PollIntervalSeconds:     2,
	}
}

// ReadConfig parses the YAML document at path. A missing file returns os.ErrNotExist;
// a malformed one returns an error wrapping ErrConfiguration.
func ReadConfig(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, path, err)
	}
	cfg.Path = path
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfig loads the configuration from path. When the YAML document does not exist the
// legacy flat document next to it is migrated once. A malformed document is logged and
// treated as absent so the caller falls back to defaults and re-prompting.
func LoadConfig(path string) *Configuration {
	if path == "" {
		path = DefaultPath()
	}

	cfg, err := ReadConfig(path)
	switch {
	case err == nil:
		return cfg
	case errors.Is(err, ErrConfiguration):
		log.Printf("Ignoring unusable configuration: %v", err)
	case os.IsNotExist(err):
		legacyPath := filepath.Join(filepath.Dir(path), legacyConfigFileName)
		if legacy, lerr := ReadLegacyConfig(legacyPath); lerr == nil {
			log.Printf("Migrated legacy configuration from %s", legacyPath)
			legacy.Path = path
			return legacy
		} else if !os.IsNotExist(lerr) {
			log.Printf("Ignoring unusable legacy configuration: %v", lerr)
		}
	default:
		log.Printf("Failed to read configuration file: %v", err)
	}

	cfg = GetDefaultConfig()
	cfg.Path = path
	return cfg
}

// SaveConfig writes the configuration as YAML, replacing the previous document atomically.
func SaveConfig(cfg *Configuration) error {
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating configuration directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing configuration file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing configuration file: %w", err)
	}
	return nil
}

func (c *Configuration) applyDefaults() {
	defaults := GetDefaultConfig()
	if c.CachePath == "" {
		c.CachePath = defaults.CachePath
	}
	if c.LogPath == "" {
		c.LogPath = defaults.LogPath
	}
	if len(c.Applications) == 0 {
		c.Applications = defaults.Applications
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.InstallerTimeoutMinutes <= 0 {
		c.InstallerTimeoutMinutes = defaults.InstallerTimeoutMinutes
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
}

// legacyKeys maps the flat document's keys onto configuration fields.
var legacyKeys = map[string]func(c *Configuration, v string){
	"PRODUCT":       func(c *Configuration, v string) { c.Application = v },
	"VERSION":       func(c *Configuration, v string) { c.AppVersion = v },
	"RELEASE":       func(c *Configuration, v string) { c.AppRelease = v },
	"INSTALLDIR":    func(c *Configuration, v string) { c.InstallDir = v },
	"WINE_EXE":      func(c *Configuration, v string) { c.WineBinary = v },
	"APPIMAGE":      func(c *Configuration, v string) { c.RuntimeImage = v },
	"WINETRICKSBIN": func(c *Configuration, v string) { c.HelperBinary = v },
	"WINEPREFIX":    func(c *Configuration, v string) { c.WinePrefix = v },
	"APP_EXE":       func(c *Configuration, v string) { c.AppExe = v },
	"DEBUG":         func(c *Configuration, v string) { c.Debug, _ = strconv.ParseBool(v) },
	"INSTALLER_TIMEOUT_MINUTES": func(c *Configuration, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.InstallerTimeoutMinutes = n
		}
	},
}

// ReadLegacyConfig reads the old shell-style KEY="value" document. It is only ever read;
// SaveConfig always writes YAML.
func ReadLegacyConfig(path string) (*Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := GetDefaultConfig()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d: expected KEY=value", ErrConfiguration, path, lineNo)
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if set, known := legacyKeys[key]; known {
			set(cfg, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfiguration, path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
