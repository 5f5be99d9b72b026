package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidAddress = errors.New("config: invalid hex address")
	ErrZeroAddress    = errors.New("config: required address is zero")
)

// FeeConfig mirrors the fee policy section of the service configuration.
type FeeConfig struct {
	MaxTotalFeeRateBps    uint32 `toml:"MaxTotalFeeRateBps"`
	ProtocolFeePercentage uint32 `toml:"ProtocolFeePercentage"`
	FeesEnabled           bool   `toml:"FeesEnabled"`
	ProtocolFeeRecipient  string `toml:"ProtocolFeeRecipient"`
	ToggleDelaySeconds    int64  `toml:"ToggleDelaySeconds"`
}

// RateLimitConfig bounds per-client request rates at the HTTP layer.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config is the top-level service configuration.
type Config struct {
	ListenAddress  string          `toml:"ListenAddress"`
	DataDir        string          `toml:"DataDir"`
	ChainID        uint64          `toml:"ChainID"`
	Environment    string          `toml:"Environment"`
	FactoryAddress string          `toml:"FactoryAddress"`
	OwnerAddress   string          `toml:"OwnerAddress"`
	EventBuffer    int             `toml:"EventBuffer"`
	Fees           FeeConfig       `toml:"Fees"`
	RateLimit      RateLimitConfig `toml:"RateLimit"`
}

// Load reads the configuration from the given path and applies defaults for
// optional fields. Validation is separate so callers can construct configs in
// tests without a file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./custodia-data"
	}
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 1024
	}
	if c.Fees.ToggleDelaySeconds == 0 {
		c.Fees.ToggleDelaySeconds = 86_400
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 30
	}
}

// Validate rejects configurations that cannot safely run the service.
// Misconfiguration fails loudly at startup rather than being silently
// corrected at the point of use.
func (c *Config) Validate() error {
	if _, err := ParseAddress(c.FactoryAddress); err != nil {
		return fmt.Errorf("FactoryAddress: %w", err)
	}
	if _, err := ParseAddress(c.OwnerAddress); err != nil {
		return fmt.Errorf("OwnerAddress: %w", err)
	}
	if _, err := ParseAddress(c.Fees.ProtocolFeeRecipient); err != nil {
		return fmt.Errorf("Fees.ProtocolFeeRecipient: %w", err)
	}
	if c.Fees.MaxTotalFeeRateBps == 0 {
		return errors.New("config: Fees.MaxTotalFeeRateBps must be positive")
	}
	if c.Fees.ProtocolFeePercentage > 100 {
		return errors.New("config: Fees.ProtocolFeePercentage must not exceed 100")
	}
	if c.Fees.ToggleDelaySeconds <= 0 {
		return errors.New("config: Fees.ToggleDelaySeconds must be positive")
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address, with or without the 0x prefix.
// Zero addresses are rejected: every configured role must be a real
// recipient.
func ParseAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, encoded)
	}
	copy(addr[:], raw)
	if addr == ([20]byte{}) {
		return addr, ErrZeroAddress
	}
	return addr, nil
}
