package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/desfire/pkg/desfire"
)

type ValidationMode int

const (
	// ValidationFull requires a key so the CLI can authenticate.
	ValidationFull ValidationMode = iota
	// ValidationReaderOnly checks only the reader section (readers, info).
	ValidationReaderOnly
)

type Config struct {
	Reader          ReaderConfig          `yaml:"reader"`
	Auth            AuthConfig            `yaml:"auth"`
	Application     ApplicationConfig     `yaml:"application"`
	Diversification DiversificationConfig `yaml:"diversification"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

type ReaderConfig struct {
	Backend    string `yaml:"backend"`
	Index      *int   `yaml:"index"`
	Connstring string `yaml:"connstring"`
	Framing    string `yaml:"framing"`
	MaxFrame   int    `yaml:"max_frame"`
}

type AuthConfig struct {
	KeyNo      *int   `yaml:"key_no"`
	KeyType    string `yaml:"key_type"`
	KeyHexFile string `yaml:"key_hex_file"`
	Generation string `yaml:"generation"`
}

type ApplicationConfig struct {
	AID string `yaml:"aid"`
}

type DiversificationConfig struct {
	SystemID string `yaml:"system_id"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

const (
	BackendPCSC   = "pcsc"
	BackendLibNFC = "libnfc"
)

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateReader(); err != nil {
		return err
	}
	if err := c.validateOptional(); err != nil {
		return err
	}

	switch mode {
	case ValidationReaderOnly:
		return nil
	case ValidationFull:
		return c.validateAuth()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Reader.Backend) == "" {
		c.Reader.Backend = BackendPCSC
	}
	if strings.TrimSpace(c.Reader.Framing) == "" {
		if c.Reader.Backend == BackendPCSC {
			c.Reader.Framing = "iso"
		} else {
			c.Reader.Framing = "wrapped"
		}
	}
	if c.Reader.MaxFrame == 0 {
		c.Reader.MaxFrame = desfire.DefaultMaxFrameSize
	}
}

func (c *Config) validateReader() error {
	switch c.Reader.Backend {
	case BackendPCSC:
		if c.Reader.Index == nil {
			return fmt.Errorf("config.reader.index is required")
		}
		if *c.Reader.Index < 0 {
			return fmt.Errorf("config.reader.index must be >= 0")
		}
	case BackendLibNFC:
	default:
		return fmt.Errorf("config.reader.backend must be %q or %q, got %q", BackendPCSC, BackendLibNFC, c.Reader.Backend)
	}
	if _, err := desfire.ParseFraming(c.Reader.Framing); err != nil {
		return fmt.Errorf("config.reader.framing is invalid: %w", err)
	}
	if c.Reader.MaxFrame < 2 || c.Reader.MaxFrame > desfire.MaxAPDULength-6 {
		return fmt.Errorf("config.reader.max_frame must be 2..%d", desfire.MaxAPDULength-6)
	}
	return nil
}

func (c *Config) validateOptional() error {
	if aid := strings.TrimSpace(c.Application.AID); aid != "" {
		if _, err := desfire.ParseAID(aid); err != nil {
			return fmt.Errorf("config.application.aid is invalid: %w", err)
		}
	}
	if sys := strings.TrimSpace(c.Diversification.SystemID); sys != "" {
		if n := len(sys); n%2 != 0 || n < 12 || n > 42 {
			return fmt.Errorf("config.diversification.system_id must be 6..21 bytes of hex")
		}
	}
	if l := strings.TrimSpace(c.Metrics.Listen); l != "" {
		if _, _, err := net.SplitHostPort(l); err != nil {
			return fmt.Errorf("config.metrics.listen is invalid: %w", err)
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.KeyNo == nil {
		return fmt.Errorf("config.auth.key_no is required")
	}
	if *c.Auth.KeyNo < 0 || *c.Auth.KeyNo > 13 {
		return fmt.Errorf("config.auth.key_no must be 0..13")
	}
	if strings.TrimSpace(c.Auth.KeyType) == "" {
		return fmt.Errorf("config.auth.key_type is required")
	}
	mode, err := desfire.ParseCryptoMode(c.Auth.KeyType)
	if err != nil {
		return fmt.Errorf("config.auth.key_type is invalid: %w", err)
	}
	if g := strings.TrimSpace(c.Auth.Generation); g != "" {
		gen, err := desfire.ParseGeneration(g)
		if err != nil {
			return fmt.Errorf("config.auth.generation is invalid: %w", err)
		}
		if !gen.Supports(mode) {
			return fmt.Errorf("config.auth.generation %s cannot be used with %s keys", gen, mode)
		}
	}
	if strings.TrimSpace(c.Auth.KeyHexFile) != "" {
		if err := validateReadableFile(c.Auth.KeyHexFile, "config.auth.key_hex_file"); err != nil {
			return err
		}
	}
	return nil
}

// EngineOptions translates the reader section into engine options.
func (c *Config) EngineOptions() ([]desfire.Option, error) {
	framing, err := desfire.ParseFraming(c.Reader.Framing)
	if err != nil {
		return nil, err
	}
	return []desfire.Option{
		desfire.WithFraming(framing),
		desfire.WithMaxFrameSize(c.Reader.MaxFrame),
	}, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Auth.KeyHexFile = resolvePath(configDir, c.Auth.KeyHexFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
