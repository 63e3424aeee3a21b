// Package config holds the manager configuration and its loaders.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
)

const (
	DefaultHTTPPort         = 3000
	DefaultPublicPath       = "public"
	DefaultAuthorityTimeout = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultMaxMessageBytes  = 64 * 1024
)

// Duration is a time.Duration that decodes from strings such as "10s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for yaml, json and toml.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ManagerConfig configures an instance manager. It is immutable once the
// manager has been constructed.
type ManagerConfig struct {
	// HTTPPort is the port the server listens on. Zero picks a free port.
	HTTPPort int `json:"http_port" yaml:"http_port" toml:"http_port"`
	// NodeManagerServer is the base address of the authority.
	NodeManagerServer string `json:"node_manager_server" yaml:"node_manager_server" toml:"node_manager_server"`
	// ProgramToken is the shared token sent with every authority call.
	ProgramToken string `json:"program_token" yaml:"program_token" toml:"program_token"`
	// PublicPath is the directory of static program files.
	PublicPath string `json:"public_path" yaml:"public_path" toml:"public_path"`
	// DevMode skips every authority call.
	DevMode bool `json:"dev_mode" yaml:"dev_mode" toml:"dev_mode"`

	AuthorityTimeout Duration `json:"authority_timeout" yaml:"authority_timeout" toml:"authority_timeout"`
	JournalPath      string   `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	LogLevel         string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogPretty        bool     `json:"log_pretty" yaml:"log_pretty" toml:"log_pretty"`
	MaxMessageBytes  int64    `json:"max_message_bytes" yaml:"max_message_bytes" toml:"max_message_bytes"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// Default returns a configuration with every optional field filled in.
func Default() ManagerConfig {
	return ManagerConfig{
		HTTPPort:         DefaultHTTPPort,
		PublicPath:       DefaultPublicPath,
		AuthorityTimeout: Duration(DefaultAuthorityTimeout),
		LogLevel:         DefaultLogLevel,
		MaxMessageBytes:  DefaultMaxMessageBytes,
	}
}

// WithDefaults returns a copy of c with zero optional fields replaced by defaults.
// HTTPPort is left alone since zero is meaningful.
func (c ManagerConfig) WithDefaults() ManagerConfig {
	if c.PublicPath == "" {
		c.PublicPath = DefaultPublicPath
	}
	if c.AuthorityTimeout == 0 {
		c.AuthorityTimeout = Duration(DefaultAuthorityTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	c.NodeManagerServer = strings.TrimRight(strings.TrimSpace(c.NodeManagerServer), "/")
	return c
}

// Timeout returns the authority call timeout.
func (c ManagerConfig) Timeout() time.Duration {
	return time.Duration(c.AuthorityTimeout)
}

// Validate checks the configuration. Every failure wraps model.ErrInvalidConfiguration.
func (c ManagerConfig) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: http_port %d out of range", model.ErrInvalidConfiguration, c.HTTPPort)
	}
	if c.AuthorityTimeout < 0 {
		return fmt.Errorf("%w: authority_timeout must be positive", model.ErrInvalidConfiguration)
	}
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", model.ErrInvalidConfiguration)
	}
	if c.DevMode {
		return nil
	}
	if c.ProgramToken == "" || c.NodeManagerServer == "" {
		return fmt.Errorf("%w: \"program_token\" and \"node_manager_server\" have to be provided when there is no \"dev_mode\" flag set", model.ErrInvalidConfiguration)
	}
	u, err := url.Parse(c.NodeManagerServer)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: node_manager_server %q is not an http(s) URL", model.ErrInvalidConfiguration, c.NodeManagerServer)
	}
	return nil
}

// Load reads a configuration file based on its extension and overlays it on Default.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (ManagerConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvHTTPPort          = "SALLAR_HTTP_PORT"
	EnvNodeManagerServer = "SALLAR_NODE_MANAGER_SERVER"
	EnvProgramToken      = "SALLAR_PROGRAM_TOKEN"
	EnvPublicPath        = "SALLAR_PUBLIC_PATH"
	EnvDevMode           = "SALLAR_DEV_MODE"
	EnvJournalPath       = "SALLAR_JOURNAL_PATH"
	EnvLogLevel          = "SALLAR_LOG_LEVEL"
)

// ApplyEnv overlays SALLAR_* environment variables on cfg.
func ApplyEnv(cfg *ManagerConfig) error {
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		cfg.HTTPPort = port
	}
	if v := os.Getenv(EnvNodeManagerServer); v != "" {
		cfg.NodeManagerServer = v
	}
	if v := os.Getenv(EnvProgramToken); v != "" {
		cfg.ProgramToken = v
	}
	if v := os.Getenv(EnvPublicPath); v != "" {
		cfg.PublicPath = v
	}
	if v := os.Getenv(EnvDevMode); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDevMode, err)
		}
		cfg.DevMode = dev
	}
	if v := os.Getenv(EnvJournalPath); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}
