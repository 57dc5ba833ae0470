// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"sync"
)

var ErrReentrantCall = errors.New("reentrant call rejected")

// entryGuard is an exclusive-entry flag over the custody-touching entry
// points. Unlike a mutex it does not block a nested caller; it fails it.
type entryGuard struct {
	mu   sync.Mutex
	held bool
}

func (g *entryGuard) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return ErrReentrantCall
	}
	g.held = true
	return nil
}

func (g *entryGuard) exit() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}
