// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package authz declares the capability lookup consumed by the bridge
// components. Grant and revoke mechanics live in an external access
// controller; the bridge only ever asks whether a caller holds a capability.
package authz

import (
	"crypto/sha256"
	"sync"

	"github.com/luxfi/ids"
)

// Capabilities recognized by the bridge components.
var (
	Controller = Capability("deposits.controller")
	Operator   = Capability("bridge.operator")
	Proposer   = Capability("timelock.proposer")
	Executor   = Capability("timelock.executor")
	Admin      = Capability("timelock.admin")
)

// Capability derives the stable identifier for a named capability.
func Capability(name string) ids.ID {
	return sha256.Sum256([]byte(name))
}

// Checker reports whether an account holds a capability.
type Checker interface {
	HasCapability(account ids.ShortID, capability ids.ID) bool
}

// Grants is an in-memory Checker. It stands in for the external access
// controller in the daemon and in tests.
type Grants struct {
	mu     sync.RWMutex
	grants map[ids.ShortID]map[ids.ID]struct{}
}

func NewGrants() *Grants {
	return &Grants{
		grants: make(map[ids.ShortID]map[ids.ID]struct{}),
	}
}

func (g *Grants) Grant(account ids.ShortID, capability ids.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	caps, ok := g.grants[account]
	if !ok {
		caps = make(map[ids.ID]struct{})
		g.grants[account] = caps
	}
	caps[capability] = struct{}{}
}

func (g *Grants) Revoke(account ids.ShortID, capability ids.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.grants[account], capability)
}

func (g *Grants) HasCapability(account ids.ShortID, capability ids.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.grants[account][capability]
	return ok
}
