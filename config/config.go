// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the daemon configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

const (
	defaultHTTPAddr        = ":9650"
	defaultMinDelay        = 24 * time.Hour
	defaultRequiredSignups = 2
)

var (
	errNoChainID       = errors.New("chainID is required")
	errNoSigners       = errors.New("at least one signer is required")
	errBadThreshold    = errors.New("requiredApprovals must be >= 1 and <= signer count")
	errNoAuthority     = errors.New("authority address is required")
	errNoBridgeAccount = errors.New("bridge account address is required")
	errNoChains        = errors.New("at least one supported chain is required")
)

// Config is the daemon configuration, parsed from a JSON file or built from
// flags. String fields hold the textual id forms; Parsed resolves them.
type Config struct {
	// ChainID identifies this deployment. Digests, operation ids and events
	// are all scoped by it.
	ChainID string `json:"chainId"`

	// HTTPAddr is the listen address of the RPC and event server.
	HTTPAddr string `json:"httpAddr"`

	// Signers is the initial approval signer set.
	Signers []string `json:"signers"`

	// RequiredApprovals is the quorum threshold over Signers.
	RequiredApprovals uint32 `json:"requiredApprovals"`

	// MinDelay is the initial timelock delay.
	MinDelay time.Duration `json:"minDelay"`

	// SupportedChains are the recognized destination chains for locks.
	SupportedChains []string `json:"supportedChains"`

	// Authority is the address whose signatures authorize relayer mints.
	Authority string `json:"authority"`

	// BridgeAccount is the identity the coordinator uses toward its own
	// ledgers. Granted the controller capability at startup.
	BridgeAccount string `json:"bridgeAccount"`

	// Operators, Proposers, Executors and Admins are granted the matching
	// capability at startup. Empty lists are allowed; the capabilities can
	// then never be exercised.
	Operators []string `json:"operators"`
	Proposers []string `json:"proposers"`
	Executors []string `json:"executors"`
	Admins    []string `json:"admins"`
}

// Parsed is a Config with every id resolved.
type Parsed struct {
	ChainID           ids.ID
	HTTPAddr          string
	Signers           []ids.ShortID
	RequiredApprovals uint32
	MinDelay          time.Duration
	SupportedChains   []ids.ID
	Authority         ids.ShortID
	BridgeAccount     ids.ShortID
	Operators         []ids.ShortID
	Proposers         []ids.ShortID
	Executors         []ids.ShortID
	Admins            []ids.ShortID
}

// Default returns a config with the defaulted fields set and everything
// deployment-specific left empty.
func Default() Config {
	return Config{
		HTTPAddr:          defaultHTTPAddr,
		MinDelay:          defaultMinDelay,
		RequiredApprovals: defaultRequiredSignups,
	}
}

// Parse validates the configuration and resolves all textual ids.
func (c Config) Parse() (*Parsed, error) {
	if c.ChainID == "" {
		return nil, errNoChainID
	}
	if len(c.Signers) == 0 {
		return nil, errNoSigners
	}
	if c.RequiredApprovals == 0 || int(c.RequiredApprovals) > len(c.Signers) {
		return nil, errBadThreshold
	}
	if c.Authority == "" {
		return nil, errNoAuthority
	}
	if c.BridgeAccount == "" {
		return nil, errNoBridgeAccount
	}
	if len(c.SupportedChains) == 0 {
		return nil, errNoChains
	}

	p := &Parsed{
		HTTPAddr:          c.HTTPAddr,
		RequiredApprovals: c.RequiredApprovals,
		MinDelay:          c.MinDelay,
	}

	chainID, err := ids.FromString(c.ChainID)
	if err != nil {
		return nil, fmt.Errorf("invalid chainID %q: %w", c.ChainID, err)
	}
	p.ChainID = chainID

	for _, s := range c.Signers {
		signer, err := ids.ShortFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid signer %q: %w", s, err)
		}
		p.Signers = append(p.Signers, signer)
	}
	for _, s := range c.SupportedChains {
		chain, err := ids.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid supported chain %q: %w", s, err)
		}
		p.SupportedChains = append(p.SupportedChains, chain)
	}

	authority, err := ids.ShortFromString(c.Authority)
	if err != nil {
		return nil, fmt.Errorf("invalid authority %q: %w", c.Authority, err)
	}
	p.Authority = authority

	bridgeAccount, err := ids.ShortFromString(c.BridgeAccount)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge account %q: %w", c.BridgeAccount, err)
	}
	p.BridgeAccount = bridgeAccount

	if p.Operators, err = parseAddrs(c.Operators, "operator"); err != nil {
		return nil, err
	}
	if p.Proposers, err = parseAddrs(c.Proposers, "proposer"); err != nil {
		return nil, err
	}
	if p.Executors, err = parseAddrs(c.Executors, "executor"); err != nil {
		return nil, err
	}
	if p.Admins, err = parseAddrs(c.Admins, "admin"); err != nil {
		return nil, err
	}
	return p, nil
}

func parseAddrs(addrs []string, role string) ([]ids.ShortID, error) {
	parsed := make([]ids.ShortID, 0, len(addrs))
	for _, a := range addrs {
		addr, err := ids.ShortFromString(a)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", role, a, err)
		}
		parsed = append(parsed, addr)
	}
	return parsed, nil
}

// Load overlays a JSON config file onto the defaults and parses the result.
func Load(data []byte) (*Parsed, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return cfg.Parse()
}
