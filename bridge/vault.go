// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math"
)

// TokenCustody moves value between external accounts and the bridge vault.
// TransferIn pulls tokens from an account into custody; TransferOut pays
// custody funds to an account; Mint and Burn create and destroy wrapped
// supply. Implementations sit at the chain boundary and are where a
// non-standard token could misbehave, hence the coordinator's balance-delta
// check on burns.
type TokenCustody interface {
	TransferIn(token ids.ID, from ids.ShortID, amount uint64) error
	TransferOut(token ids.ID, to ids.ShortID, amount uint64) error
	Mint(token ids.ID, to ids.ShortID, amount uint64) error
	Burn(token ids.ID, amount uint64) error
	Balance(token ids.ID) uint64
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")

	_ TokenCustody = (*InMemoryVault)(nil)
)

// InMemoryVault is a TokenCustody backed by in-process account balances.
// Used by the standalone daemon and by tests.
type InMemoryVault struct {
	mu       sync.Mutex
	accounts map[ids.ID]map[ids.ShortID]uint64
	held     map[ids.ID]uint64
}

func NewInMemoryVault() *InMemoryVault {
	return &InMemoryVault{
		accounts: make(map[ids.ID]map[ids.ShortID]uint64),
		held:     make(map[ids.ID]uint64),
	}
}

// Credit funds an external account directly. Test and genesis helper.
func (v *InMemoryVault) Credit(token ids.ID, account ids.ShortID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	balances, ok := v.accounts[token]
	if !ok {
		balances = make(map[ids.ShortID]uint64)
		v.accounts[token] = balances
	}
	newBalance, err := math.Add64(balances[account], amount)
	if err != nil {
		return err
	}
	balances[account] = newBalance
	return nil
}

func (v *InMemoryVault) TransferIn(token ids.ID, from ids.ShortID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	balances := v.accounts[token]
	if balances[from] < amount {
		return ErrInsufficientFunds
	}
	newHeld, err := math.Add64(v.held[token], amount)
	if err != nil {
		return err
	}
	balances[from] -= amount
	v.held[token] = newHeld
	return nil
}

func (v *InMemoryVault) TransferOut(token ids.ID, to ids.ShortID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held[token] < amount {
		return ErrInsufficientFunds
	}
	balances, ok := v.accounts[token]
	if !ok {
		balances = make(map[ids.ShortID]uint64)
		v.accounts[token] = balances
	}
	newBalance, err := math.Add64(balances[to], amount)
	if err != nil {
		return err
	}
	v.held[token] -= amount
	balances[to] = newBalance
	return nil
}

func (v *InMemoryVault) Mint(token ids.ID, to ids.ShortID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	balances, ok := v.accounts[token]
	if !ok {
		balances = make(map[ids.ShortID]uint64)
		v.accounts[token] = balances
	}
	newBalance, err := math.Add64(balances[to], amount)
	if err != nil {
		return err
	}
	balances[to] = newBalance
	return nil
}

func (v *InMemoryVault) Burn(token ids.ID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held[token] < amount {
		return ErrInsufficientFunds
	}
	v.held[token] -= amount
	return nil
}

// Balance reports the custody holdings of one token.
func (v *InMemoryVault) Balance(token ids.ID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held[token]
}

// AccountBalance reports an external account's balance. Test helper.
func (v *InMemoryVault) AccountBalance(token ids.ID, account ids.ShortID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accounts[token][account]
}
