// Package config loads the wedge configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/inject"
)

// DefaultPort is the status API port.
const DefaultPort = 32145

// Config holds everything read from the configuration file.
type Config struct {
	Injection InjectionConfig `toml:"injection" json:"injection" yaml:"injection"`
	Reader    ReaderConfig    `toml:"reader" json:"reader" yaml:"reader"`
	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
	MQTT      MQTTConfig      `toml:"mqtt" json:"mqtt" yaml:"mqtt"`
	History   HistoryConfig   `toml:"history" json:"history" yaml:"history"`
}

// InjectionConfig controls how card text reaches the focused window.
type InjectionConfig struct {
	// Enabled turns injection on. Cards are still read and published when off.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Method is auto, clipboard, keys or message.
	Method string `toml:"method" json:"method" yaml:"method"`

	InterCharDelayMs    int  `toml:"inter_char_delay_ms" json:"inter_char_delay_ms" yaml:"inter_char_delay_ms"`
	PreInjectionDelayMs int  `toml:"pre_injection_delay_ms" json:"pre_injection_delay_ms" yaml:"pre_injection_delay_ms"`
	ClipboardSettleMs   int  `toml:"clipboard_settle_ms" json:"clipboard_settle_ms" yaml:"clipboard_settle_ms"`
	ClipboardRestoreMs  int  `toml:"clipboard_restore_ms" json:"clipboard_restore_ms" yaml:"clipboard_restore_ms"`
	PreserveClipboard   bool `toml:"preserve_clipboard" json:"preserve_clipboard" yaml:"preserve_clipboard"`
	AppendEnter         bool `toml:"append_enter" json:"append_enter" yaml:"append_enter"`

	// Overrides maps a lowercase process name substring to a method.
	Overrides map[string]string `toml:"overrides" json:"overrides" yaml:"overrides"`
}

// ReaderConfig selects the reader and the card memory to read.
type ReaderConfig struct {
	// Name restricts monitoring to readers whose name contains it.
	Name          string `toml:"name" json:"name" yaml:"name"`
	// NTAGStartPage and ClassicBlock default to the first user page and
	// block. Zero reads page or block 0.
	NTAGStartPage int    `toml:"ntag_start_page" json:"ntag_start_page" yaml:"ntag_start_page"`
	ClassicBlock  int    `toml:"classic_block" json:"classic_block" yaml:"classic_block"`
	SkipUID       bool   `toml:"skip_uid" json:"skip_uid" yaml:"skip_uid"`
}

// ServerConfig is the local status API listener.
type ServerConfig struct {
	Host string `toml:"host" json:"host" yaml:"host"`
	Port int    `toml:"port" json:"port" yaml:"port"`

	// AllowedOrigins are browser origins permitted to use the API.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MQTTConfig enables event publishing when Host is set.
type MQTTConfig struct {
	Host       string `toml:"host" json:"host" yaml:"host"`
	Port       int    `toml:"port" json:"port" yaml:"port"`
	Topic      string `toml:"topic" json:"topic" yaml:"topic"`
	ClientID   string `toml:"client_id" json:"client_id" yaml:"client_id"`
	Username   string `toml:"username" json:"username" yaml:"username"`
	Password   string `toml:"password" json:"password" yaml:"password"`
	CACert     string `toml:"ca_cert" json:"ca_cert" yaml:"ca_cert"`
	ClientCert string `toml:"client_cert" json:"client_cert" yaml:"client_cert"`
	ClientKey  string `toml:"client_key" json:"client_key" yaml:"client_key"`
	QoS        int    `toml:"qos" json:"qos" yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Host != ""
}

// HistoryConfig is the read history store.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
	Limit   int    `toml:"limit" json:"limit" yaml:"limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	def := inject.DefaultConfig()
	return &Config{
		Injection: InjectionConfig{
			Enabled:             true,
			Method:              inject.MethodAuto.String(),
			InterCharDelayMs:    int(def.InterCharDelay / time.Millisecond),
			PreInjectionDelayMs: int(def.PreInjectionDelay / time.Millisecond),
			ClipboardSettleMs:   int(def.ClipboardSettle / time.Millisecond),
			ClipboardRestoreMs:  int(def.ClipboardRestore / time.Millisecond),
			PreserveClipboard:   def.PreserveClipboard,
			Overrides:           map[string]string{},
		},
		Reader: ReaderConfig{
			NTAGStartPage: core.NTAGStartPage,
			ClassicBlock:  core.ClassicBlock,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: DefaultPort,
		},
		MQTT: MQTTConfig{
			Port:     1883,
			Topic:    "nfc-wedge",
			ClientID: "nfc-wedge",
		},
		History: HistoryConfig{
			Enabled: true,
			Limit:   500,
		},
	}
}

// Dir returns the per-user configuration directory.
func Dir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "nfc-wedge")
	}
	return filepath.Join(dir, "nfc-wedge")
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path means Path(); a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	if cfg.Injection.Overrides == nil {
		cfg.Injection.Overrides = map[string]string{}
	}
	return cfg, nil
}

// ApplyEnvOverrides applies NFC_WEDGE_HOST, NFC_WEDGE_PORT and
// NFC_WEDGE_METHOD.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("NFC_WEDGE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("NFC_WEDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NFC_WEDGE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("NFC_WEDGE_METHOD"); v != "" {
		c.Injection.Method = v
	}
	return nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := inject.ParseMethod(c.Injection.Method); err != nil {
		errs = append(errs, fmt.Errorf("injection.method: %w", err))
	}
	for key, m := range c.Injection.Overrides {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, errors.New("injection.overrides: empty process name"))
		}
		if _, err := inject.ParseMethod(m); err != nil {
			errs = append(errs, fmt.Errorf("injection.overrides[%q]: %w", key, err))
		}
	}
	for name, v := range map[string]int{
		"injection.inter_char_delay_ms":    c.Injection.InterCharDelayMs,
		"injection.pre_injection_delay_ms": c.Injection.PreInjectionDelayMs,
		"injection.clipboard_settle_ms":    c.Injection.ClipboardSettleMs,
		"injection.clipboard_restore_ms":   c.Injection.ClipboardRestoreMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Reader.NTAGStartPage < 0 || c.Reader.NTAGStartPage > 0xFF {
		errs = append(errs, fmt.Errorf("reader.ntag_start_page %d out of range", c.Reader.NTAGStartPage))
	}
	if c.Reader.ClassicBlock < 0 || c.Reader.ClassicBlock > 0xFF {
		errs = append(errs, fmt.Errorf("reader.classic_block %d out of range", c.Reader.ClassicBlock))
	} else if c.Reader.ClassicBlock > 0 && c.Reader.ClassicBlock%4 == 3 {
		errs = append(errs, fmt.Errorf("reader.classic_block %d is a sector trailer", c.Reader.ClassicBlock))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.MQTT.Enabled() {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
		if (c.MQTT.ClientCert == "") != (c.MQTT.ClientKey == "") {
			errs = append(errs, errors.New("mqtt.client_cert and mqtt.client_key must be set together"))
		}
	}
	if c.History.Limit < 0 {
		errs = append(errs, errors.New("history.limit must not be negative"))
	}
	return errors.Join(errs...)
}

// InjectConfig converts the injection section for inject.NewDispatcher.
// Call it on a validated Config.
func (c *Config) InjectConfig() inject.Config {
	method, _ := inject.ParseMethod(c.Injection.Method)
	overrides := make(map[string]inject.Method, len(c.Injection.Overrides))
	for k, v := range c.Injection.Overrides {
		m, err := inject.ParseMethod(v)
		if err != nil {
			continue
		}
		overrides[strings.ToLower(strings.TrimSpace(k))] = m
	}
	return inject.Config{
		Method:            method,
		InterCharDelay:    ms(c.Injection.InterCharDelayMs),
		PreInjectionDelay: ms(c.Injection.PreInjectionDelayMs),
		ClipboardSettle:   ms(c.Injection.ClipboardSettleMs),
		ClipboardRestore:  ms(c.Injection.ClipboardRestoreMs),
		PreserveClipboard: c.Injection.PreserveClipboard,
		AppendEnter:       c.Injection.AppendEnter,
		Overrides:         overrides,
	}
}

// ReadOptions converts the reader section for core.ReadCard.
func (c *Config) ReadOptions() core.ReadOptions {
	page, block := c.Reader.NTAGStartPage, c.Reader.ClassicBlock
	return core.ReadOptions{
		NTAGPage:     &page,
		ClassicBlock: &block,
		SkipUID:      c.Reader.SkipUID,
	}
}

// HistoryPath returns the history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(Dir(), "history.db")
}

// Save writes cfg as TOML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
