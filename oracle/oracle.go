// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle keeps time-weighted average prices per bridged token. The
// prices are informational reads for operators and relayers; nothing in the
// authorization paths consults them.
package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/bridge/utils/timer/mockable"
)

var (
	ErrNoObservations = errors.New("no price observations for token")
	ErrInvalidWindow  = errors.New("window must be positive")

	// DefaultWindow is the averaging window applied when none is given.
	DefaultWindow = 30 * time.Minute

	maxObservations = 1000
)

type observation struct {
	price *big.Int
	at    time.Time
}

// Oracle records per-token price observations and serves their
// time-weighted average over a rolling window.
type Oracle struct {
	mu     sync.RWMutex
	clock  *mockable.Clock
	window time.Duration
	tokens map[ids.ID][]observation
}

func New(window time.Duration, clock *mockable.Clock) (*Oracle, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Oracle{
		clock:  clock,
		window: window,
		tokens: make(map[ids.ID][]observation),
	}, nil
}

// Record stores a price observation for token at the current time.
// Non-positive prices are dropped.
func (o *Oracle) Record(token ids.ID, price *big.Int) {
	if price == nil || price.Sign() <= 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Time()
	obs := append(o.tokens[token], observation{
		price: new(big.Int).Set(price),
		at:    now,
	})

	// Drop observations that fell out of twice the window, and cap the
	// slice so a noisy feed cannot grow it without bound.
	cutoff := now.Add(-2 * o.window)
	start := 0
	for start < len(obs)-1 && !obs[start].at.After(cutoff) {
		start++
	}
	obs = obs[start:]
	if len(obs) > maxObservations {
		obs = obs[len(obs)-maxObservations:]
	}
	o.tokens[token] = obs
}

// Price returns the time-weighted average price of token over the window.
func (o *Oracle) Price(token ids.ID) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	obs := o.tokens[token]
	if len(obs) == 0 {
		return nil, ErrNoObservations
	}

	now := o.clock.Time()
	windowStart := now.Add(-o.window)

	var inWindow []observation
	for _, ob := range obs {
		if ob.at.After(windowStart) && !ob.at.After(now) {
			inWindow = append(inWindow, ob)
		}
	}
	if len(inWindow) == 0 {
		// Everything predates the window; the newest observation is still
		// the best answer available.
		return new(big.Int).Set(obs[len(obs)-1].price), nil
	}
	if len(inWindow) == 1 {
		return new(big.Int).Set(inWindow[0].price), nil
	}

	weighted := new(big.Int)
	var total int64
	for i := 0; i < len(inWindow)-1; i++ {
		secs := int64(inWindow[i+1].at.Sub(inWindow[i].at).Seconds())
		if secs <= 0 {
			continue
		}
		weighted.Add(weighted, new(big.Int).Mul(inWindow[i].price, big.NewInt(secs)))
		total += secs
	}
	last := inWindow[len(inWindow)-1]
	if secs := int64(now.Sub(last.at).Seconds()); secs > 0 {
		weighted.Add(weighted, new(big.Int).Mul(last.price, big.NewInt(secs)))
		total += secs
	}
	if total == 0 {
		return new(big.Int).Set(last.price), nil
	}
	return weighted.Div(weighted, big.NewInt(total)), nil
}

// LastPrice returns the newest observation for token.
func (o *Oracle) LastPrice(token ids.ID) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	obs := o.tokens[token]
	if len(obs) == 0 {
		return nil, ErrNoObservations
	}
	return new(big.Int).Set(obs[len(obs)-1].price), nil
}

// ObservationCount returns how many observations token currently holds.
func (o *Oracle) ObservationCount(token ids.ID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tokens[token])
}
