// Package identity resolves caller-facing identity keys to wallets and reads
// the embedding each wallet registered on chain.
package identity

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/example/biowallet/internal/verification"
)

// Directory maps ENS-style names to wallet addresses.
type Directory struct {
	wallets map[string]common.Address
}

type directoryFile struct {
	Wallets map[string]string `yaml:"wallets"`
}

// NewDirectory builds a directory from name -> hex address pairs.
func NewDirectory(entries map[string]string) (*Directory, error) {
	d := &Directory{wallets: make(map[string]common.Address, len(entries))}
	for name, addr := range entries {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("directory entry %q: invalid address %q", name, addr)
		}
		d.wallets[normalizeName(name)] = common.HexToAddress(addr)
	}
	return d, nil
}

// LoadDirectory reads a YAML file of the form:
//
//	wallets:
//	  alice.eaze.eth: "0x..."
//
// An empty path yields an empty directory that still resolves raw addresses.
func LoadDirectory(path string) (*Directory, error) {
	if path == "" {
		return NewDirectory(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return NewDirectory(file.Wallets)
}

// Resolve returns the wallet for key. A hex address resolves to itself.
func (d *Directory) Resolve(key string) (common.Address, error) {
	key = strings.TrimSpace(key)
	if common.IsHexAddress(key) {
		return common.HexToAddress(key), nil
	}
	if addr, ok := d.wallets[normalizeName(key)]; ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("%w: unknown name %q", verification.ErrIdentityNotFound, key)
}

// Len returns the number of named wallets.
func (d *Directory) Len() int {
	return len(d.wallets)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
