// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

var tokenPrefix = []byte("tk:")

// TokenConfig is one entry of the per-token registry. Fee is a flat amount
// deducted from every lock and retained by the vault. Entries change only
// through quorum-approved ConfigureTokenAction operations.
type TokenConfig struct {
	Token     ids.ID `json:"token"`
	Supported bool   `json:"supported"`
	Burnable  bool   `json:"burnable"`
	Fee       uint64 `json:"fee"`
}

// GetTokenConfig returns a token's registry entry. Unconfigured tokens
// report an unsupported zero entry rather than an error.
func (c *Coordinator) GetTokenConfig(token ids.ID) (*TokenConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getTokenConfig(token)
}

func (c *Coordinator) getTokenConfig(token ids.ID) (*TokenConfig, error) {
	data, err := c.db.Get(append(tokenPrefix, token[:]...))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &TokenConfig{Token: token}, nil
		}
		return nil, err
	}
	cfg := &TokenConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token config: %w", err)
	}
	return cfg, nil
}

func (c *Coordinator) putTokenConfig(cfg *TokenConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal token config: %w", err)
	}
	return c.db.Put(append(tokenPrefix, cfg.Token[:]...), data)
}
