package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"vmarket/crypto"
	"vmarket/native/market"

	"github.com/BurntSushi/toml"
)

// GenesisAccount allocates an opening spendable balance to a bech32 address
// on first boot. Balances are decimal strings so allocations are not limited
// to what fits in an int64.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress        string           `toml:"RPCAddress"`
	DataDir           string           `toml:"DataDir"`
	NetworkName       string           `toml:"NetworkName"`
	OwnerKeystorePath string           `toml:"OwnerKeystorePath"`
	FeeBps            uint32           `toml:"FeeBps"`
	LogLevel          string           `toml:"LogLevel"`
	LogFile           string           `toml:"LogFile,omitempty"`
	GenesisAccounts   []GenesisAccount `toml:"GenesisAccounts,omitempty"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "OwnerKey" {
			return nil, fmt.Errorf("config file %s uses deprecated OwnerKey field; store the key in a keystore file and set OwnerKeystorePath", path)
		}
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "vmarket-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vmarket-data"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.FeeBps > market.MaxFeeBps {
		return nil, fmt.Errorf("config file %s sets FeeBps %d above the cap %d", path, cfg.FeeBps, market.MaxFeeBps)
	}

	return cfg, nil
}

// GenesisAllocations parses the configured genesis accounts into a
// bech32 address -> balance map.
func (c *Config) GenesisAllocations() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(c.GenesisAccounts))
	for _, account := range c.GenesisAccounts {
		addr := strings.TrimSpace(account.Address)
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", account.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return nil, fmt.Errorf("genesis account %q: invalid balance %q", account.Address, account.Balance)
		}
		if _, exists := out[addr]; exists {
			return nil, fmt.Errorf("genesis account %q listed twice", account.Address)
		}
		out[addr] = balance
	}
	return out, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./vmarket-data",
		NetworkName: "vmarket-local",
		FeeBps:      250,
		LogLevel:    "info",
	}
	cfg.OwnerKeystorePath = keystorePath

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

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
