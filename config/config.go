// Package config loads the asciichat handshake configuration from TOML,
// .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/knownhosts"
)

// Environment variables read by ApplyEnv.
const (
	EnvPassword = "ASCII_CHAT_PASSWORD"
	EnvLogLevel = "ASCII_CHAT_LOG_LEVEL"
)

const (
	defaultListen        = ":27224"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultTimeoutSec    = 10
	defaultRekeyInterval = 3600
	defaultRekeyRecords  = 1 << 20
	defaultRekeyMinSec   = 60
)

// Logging configures logrus.
type Logging struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

// Server configures the accepting side.
type Server struct {
	Listen          string `toml:"listen" validate:"omitempty,hostname_port"`
	WebSocketListen string `toml:"websocket_listen" validate:"omitempty,hostname_port"`

	IdentityFile string `toml:"identity_file"`
	KeyID        string `toml:"key_id" validate:"max=40"`
	Password     string `toml:"password"`

	// NoSSHAgent loads identity_file without consulting SSH_AUTH_SOCK.
	NoSSHAgent bool `toml:"no_ssh_agent"`

	RequireClientAuth bool `toml:"require_client_auth"`
	// AuthorizedKeys is a comma-separated key list; entries may use
	// provider forms such as github:user.
	AuthorizedKeys     string `toml:"authorized_keys"`
	AuthorizedKeysFile string `toml:"authorized_keys_file"`
}

// Client configures the dialing side.
type Client struct {
	Address   string `toml:"address" validate:"omitempty,hostname_port"`
	Transport string `toml:"transport" validate:"omitempty,oneof=tcp websocket"`
	URL       string `toml:"url" validate:"omitempty,url"`

	IdentityFile string `toml:"identity_file"`
	KeyID        string `toml:"key_id" validate:"max=40"`
	Password     string `toml:"password"`

	// NoSSHAgent loads identity_file without consulting SSH_AUTH_SOCK.
	NoSSHAgent bool `toml:"no_ssh_agent"`

	// ServerKey pins the server identity; same syntax as AuthorizedKeys.
	ServerKey      string `toml:"server_key"`
	KnownHostsFile string `toml:"known_hosts_file"`

	Cipher       string `toml:"cipher" validate:"omitempty,oneof=xsalsa20-poly1305 chacha20-poly1305"`
	NoEncryption bool   `toml:"no_encryption"`

	InsecureNoHostIdentityCheck bool `toml:"insecure_no_host_identity_check"`
}

// Handshake holds timing parameters shared by both sides.
type Handshake struct {
	TimeoutSec          int    `toml:"timeout_sec" validate:"gte=0,lte=60"`
	RekeyIntervalSec    int    `toml:"rekey_interval_sec" validate:"gte=0"`
	RekeyMaxRecords     uint64 `toml:"rekey_max_records"`
	RekeyMinIntervalSec int    `toml:"rekey_min_interval_sec" validate:"gte=0"`
}

// Metrics configures the prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `toml:"address" validate:"omitempty,hostname_port"`
}

// Config is the top level configuration.
type Config struct {
	Logging   *Logging   `toml:"logging"`
	Server    *Server    `toml:"server"`
	Client    *Client    `toml:"client"`
	Handshake *Handshake `toml:"handshake"`
	Metrics   *Metrics   `toml:"metrics"`
}

// Default returns a configuration with every section filled in.
func Default() *Config {
	cfg := new(Config)
	_ = cfg.FixupAndValidate()
	return cfg
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FixupAndValidate fills missing sections with defaults and validates the
// result.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Server == nil {
		c.Server = &Server{}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Client == nil {
		c.Client = &Client{}
	}
	if c.Client.Transport == "" {
		c.Client.Transport = "tcp"
	}
	if c.Handshake == nil {
		c.Handshake = &Handshake{}
	}
	if c.Handshake.TimeoutSec == 0 {
		c.Handshake.TimeoutSec = defaultTimeoutSec
	}
	if c.Handshake.RekeyIntervalSec == 0 {
		c.Handshake.RekeyIntervalSec = defaultRekeyInterval
	}
	if c.Handshake.RekeyMaxRecords == 0 {
		c.Handshake.RekeyMaxRecords = defaultRekeyRecords
	}
	if c.Handshake.RekeyMinIntervalSec == 0 {
		c.Handshake.RekeyMinIntervalSec = defaultRekeyMinSec
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Server.RequireClientAuth && c.Server.AuthorizedKeys == "" && c.Server.AuthorizedKeysFile == "" {
		return errors.New("config: require_client_auth set but no authorized_keys or authorized_keys_file given")
	}
	if c.Client.Transport == "websocket" && c.Client.URL == "" {
		return errors.New("config: websocket transport requires client url")
	}
	if _, err := c.Client.CipherID(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load parses and validates a TOML document.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// LoadEnv loads .env files into the process environment without replacing
// variables that are already set. A leading ~ expands to the home directory.
// Missing files are skipped.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment. Passwords given in the
// file win over ASCII_CHAT_PASSWORD.
func (c *Config) ApplyEnv() {
	if pw := os.Getenv(EnvPassword); pw != "" {
		if c.Server.Password == "" {
			c.Server.Password = pw
		}
		if c.Client.Password == "" {
			c.Client.Password = pw
		}
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
}

// Timeout returns the per-receive handshake timeout.
func (h *Handshake) Timeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// RekeyConfig returns the key rotation policy.
func (h *Handshake) RekeyConfig() crypto.RekeyConfig {
	return crypto.RekeyConfig{
		Interval:    time.Duration(h.RekeyIntervalSec) * time.Second,
		MaxRecords:  h.RekeyMaxRecords,
		MinInterval: time.Duration(h.RekeyMinIntervalSec) * time.Second,
	}
}

// CipherID returns the preferred record cipher, or 0 for the default.
func (c *Client) CipherID() (crypto.CipherID, error) {
	if c.Cipher == "" {
		return 0, nil
	}
	return crypto.ParseCipherID(c.Cipher)
}

// HostBypass combines the configured opt-out with the environment switches.
func (c *Client) HostBypass() knownhosts.Bypass {
	b := knownhosts.BypassFromEnv()
	b.Insecure = b.Insecure || c.InsecureNoHostIdentityCheck
	return b
}
