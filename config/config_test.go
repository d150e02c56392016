package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vmarket/crypto"
)

var testGenesisAddrString = func() string {
	var addr [20]byte
	addr[0] = 0x42
	addr[len(addr)-1] = 0x24
	return crypto.MustAddressFromBytes(addr[:]).String()
}()

func TestLoadParsesSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "owner.keystore")
	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
NetworkName = "testnet"
OwnerKeystorePath = "%s"
FeeBps = 500
LogLevel = "debug"
LogFile = "./vmarket.log"

[[GenesisAccounts]]
Address = "%s"
Balance = "1000000000000000000"
`, keystorePath, testGenesisAddrString)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.DataDir != "./data" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.NetworkName != "testnet" {
		t.Fatalf("unexpected network name: %s", cfg.NetworkName)
	}
	if cfg.FeeBps != 500 {
		t.Fatalf("unexpected fee: %d", cfg.FeeBps)
	}
	if cfg.LogLevel != "debug" || cfg.LogFile != "./vmarket.log" {
		t.Fatalf("unexpected log settings: %+v", cfg)
	}
	if _, err := os.Stat(keystorePath); err != nil {
		t.Fatalf("expected keystore to be created: %v", err)
	}

	allocations, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("genesis allocations: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if got := allocations[testGenesisAddrString]; got == nil || got.Cmp(want) != 0 {
		t.Fatalf("unexpected allocation: %v", got)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != ":8080" || cfg.NetworkName != "vmarket-local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.FeeBps != 250 {
		t.Fatalf("unexpected default fee: %d", cfg.FeeBps)
	}
	if cfg.OwnerKeystorePath == "" {
		t.Fatalf("expected keystore path to be set")
	}
	if _, err := os.Stat(cfg.OwnerKeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be persisted: %v", err)
	}

	key, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, "")
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}

	// A second load must reuse the persisted config and keystore.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if again.OwnerKeystorePath != cfg.OwnerKeystorePath {
		t.Fatalf("keystore path changed across loads: %s != %s", again.OwnerKeystorePath, cfg.OwnerKeystorePath)
	}
}

func TestLoadRejectsDeprecatedOwnerKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":8080"
OwnerKey = "0f0f0f"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for deprecated OwnerKey field")
	}
	if !strings.Contains(err.Error(), "deprecated OwnerKey") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsExcessiveFee(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "owner.keystore")
	contents := fmt.Sprintf(`OwnerKeystorePath = "%s"
FeeBps = 1001
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for fee above cap")
	}
}

func TestGenesisAllocationsValidation(t *testing.T) {
	cfg := &Config{GenesisAccounts: []GenesisAccount{{Address: "vmk1invalid", Balance: "10"}}}
	if _, err := cfg.GenesisAllocations(); err == nil {
		t.Fatalf("expected error for malformed address")
	}

	cfg = &Config{GenesisAccounts: []GenesisAccount{{Address: testGenesisAddrString, Balance: "abc"}}}
	if _, err := cfg.GenesisAllocations(); err == nil {
		t.Fatalf("expected error for malformed balance")
	}

	cfg = &Config{GenesisAccounts: []GenesisAccount{
		{Address: testGenesisAddrString, Balance: "1"},
		{Address: testGenesisAddrString, Balance: "2"},
	}}
	if _, err := cfg.GenesisAllocations(); err == nil {
		t.Fatalf("expected error for duplicate address")
	}
}
