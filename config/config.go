package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"veiltrade/native/escrow"
)

type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	NetworkName string `toml:"NetworkName"`
	Environment string `toml:"Environment"`

	Escrow EscrowConfig `toml:"escrow"`
}

// EscrowConfig carries the phase-machine policy knobs. Windows are in
// seconds; zero values fall back to the engine defaults.
type EscrowConfig struct {
	OrderWindowSeconds    int64  `toml:"OrderWindowSeconds"`
	BidWindowSeconds      int64  `toml:"BidWindowSeconds"`
	DeliveryWindowSeconds int64  `toml:"DeliveryWindowSeconds"`
	MaxBids               int    `toml:"MaxBids"`
	ForfeitTo             string `toml:"ForfeitTo"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

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
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./veiltrade-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "veiltrade-local"
	}
	if c.Escrow.OrderWindowSeconds == 0 {
		c.Escrow.OrderWindowSeconds = escrow.DefaultOrderWindow
	}
	if c.Escrow.BidWindowSeconds == 0 {
		c.Escrow.BidWindowSeconds = escrow.DefaultBidWindow
	}
	if c.Escrow.DeliveryWindowSeconds == 0 {
		c.Escrow.DeliveryWindowSeconds = escrow.DefaultDeliveryWindow
	}
	if c.Escrow.MaxBids == 0 {
		c.Escrow.MaxBids = escrow.DefaultMaxBids
	}
	if strings.TrimSpace(c.Escrow.ForfeitTo) == "" {
		c.Escrow.ForfeitTo = "buyer"
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	if c.Escrow.OrderWindowSeconds < 0 || c.Escrow.BidWindowSeconds < 0 || c.Escrow.DeliveryWindowSeconds < 0 {
		return fmt.Errorf("config: escrow windows must be non-negative")
	}
	if c.Escrow.MaxBids < 0 {
		return fmt.Errorf("config: escrow MaxBids must be non-negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Escrow.ForfeitTo)) {
	case "buyer", "seller":
	default:
		return fmt.Errorf("config: escrow ForfeitTo must be %q or %q", "buyer", "seller")
	}
	return nil
}

// ForfeitPolicy maps the configured recipient onto the engine policy.
func (c *Config) ForfeitPolicy() escrow.ForfeitPolicy {
	if strings.EqualFold(strings.TrimSpace(c.Escrow.ForfeitTo), "seller") {
		return escrow.ForfeitToSeller
	}
	return escrow.ForfeitToBuyer
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./veiltrade-data",
		NetworkName: "veiltrade-local",
		Escrow: EscrowConfig{
			OrderWindowSeconds:    escrow.DefaultOrderWindow,
			BidWindowSeconds:      escrow.DefaultBidWindow,
			DeliveryWindowSeconds: escrow.DefaultDeliveryWindow,
			MaxBids:               escrow.DefaultMaxBids,
			ForfeitTo:             "buyer",
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
