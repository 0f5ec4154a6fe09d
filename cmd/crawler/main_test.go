package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcseed/crawler/wire"
)

func TestNetworkMagicKnownNames(t *testing.T) {
	cases := map[string]wire.Magic{
		"mainnet":  wire.MainNet,
		"testnet3": wire.TestNet3,
		"simnet":   wire.SimNet,
		"regtest":  wire.RegTestNet,
	}
	for name, want := range cases {
		got, err := networkMagic(name)
		if err != nil {
			t.Fatalf("networkMagic(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("networkMagic(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNetworkMagicRejectsUnknownName(t *testing.T) {
	if _, err := networkMagic("notarealnet"); err == nil {
		t.Fatal("expected an error for an unrecognized network name")
	}
}

func TestLoadBootstrapFileParsesNonEmptyLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.txt")
	content := "1.2.3.4:8333\n\n5.6.7.8:8333\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	addrs, err := loadBootstrapFile(path)
	if err != nil {
		t.Fatalf("loadBootstrapFile: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(addrs))
	}
	if addrs[0].String() != "1.2.3.4:8333" || addrs[1].String() != "5.6.7.8:8333" {
		t.Fatalf("unexpected addresses: %v", addrs)
	}
}

func TestLoadBootstrapFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.txt")
	if err := os.WriteFile(path, []byte("\n\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := loadBootstrapFile(path); err == nil {
		t.Fatal("expected an error for a bootstrap file with no addresses")
	}
}

func TestLoadBootstrapFileRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.txt")
	if err := os.WriteFile(path, []byte("not-an-address\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := loadBootstrapFile(path); err == nil {
		t.Fatal("expected an error for a malformed bootstrap line")
	}
}
