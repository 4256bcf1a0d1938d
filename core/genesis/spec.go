package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"escrowledger/crypto"
)

// GenesisSpec describes the balances the ledger starts with. Amounts are
// decimal strings in micro-units.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime" yaml:"genesisTime"`
	Alloc       map[string]string `json:"alloc" yaml:"alloc"`

	genesisTimestamp time.Time
	balances         map[[20]byte]uint64
}

// LoadGenesisSpec reads a genesis file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as strict JSON.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
		}
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// NewGenesisSpec builds and validates a spec in code.
func NewGenesisSpec(genesisTime string, alloc map[string]string) (*GenesisSpec, error) {
	spec := &GenesisSpec{GenesisTime: genesisTime, Alloc: alloc}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Balances returns the validated allocation keyed by raw principal.
func (s *GenesisSpec) Balances() map[[20]byte]uint64 {
	out := make(map[[20]byte]uint64, len(s.balances))
	for addr, amt := range s.balances {
		out[addr] = amt
	}
	return out
}

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	s.balances = make(map[[20]byte]uint64, len(s.Alloc))
	var total uint64
	for rawAddr, rawAmount := range s.Alloc {
		addr, err := crypto.ParsePrincipal(rawAddr)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		if _, dup := s.balances[addr]; dup {
			return fmt.Errorf("alloc %q: duplicate account", rawAddr)
		}
		amount, err := strconv.ParseUint(strings.TrimSpace(rawAmount), 10, 64)
		if err != nil {
			return fmt.Errorf("alloc %q: invalid amount %q: %w", rawAddr, rawAmount, err)
		}
		if amount > ^uint64(0)-total {
			return fmt.Errorf("alloc %q: total allocation overflows", rawAddr)
		}
		total += amount
		s.balances[addr] = amount
	}
	return nil
}

func parseGenesisTime(v string) (time.Time, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("genesisTime: %w", err)
	}
	return ts.UTC(), nil
}
