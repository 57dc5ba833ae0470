// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package deposits records cross-chain deposits. A record is immutable once
// created except for its status, which only ever advances from Pending to
// one of the two terminal states.
package deposits

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/bridge/authz"
	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

var (
	ErrNotAuthorized     = errors.New("caller lacks the required capability")
	ErrZeroDepositor     = errors.New("depositor must not be the empty address")
	ErrZeroToken         = errors.New("token must not be the empty id")
	ErrZeroAmount        = errors.New("amount must be positive")
	ErrZeroChain         = errors.New("destination chain must not be the empty id")
	ErrDepositNotFound   = errors.New("deposit id beyond current counter")
	ErrNotPending        = errors.New("deposit is not pending")
	ErrInvalidTransition = errors.New("status can only advance to Withdrawn or Cancelled")
)

var (
	depositPrefix = []byte("dp:")
	countKey      = []byte("cfg:count")
)

// Status of a deposit. Transitions only Pending→Withdrawn or
// Pending→Cancelled; never reverses, never skips.
type Status uint8

const (
	Pending Status = iota
	Withdrawn
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Withdrawn:
		return "withdrawn"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Deposit is one custody record, keyed by a strictly increasing id.
type Deposit struct {
	ID               uint64      `json:"id"`
	Depositor        ids.ShortID `json:"depositor"`
	Token            ids.ID      `json:"token"`
	Amount           uint64      `json:"amount"`
	DestinationChain ids.ID      `json:"destinationChain"`
	CreatedAt        int64       `json:"createdAt"`
	Status           Status      `json:"status"`
}

// Ledger owns the deposit records. Callers prove authority through the
// capability checker; the grant mechanics live outside this package.
type Ledger struct {
	db        *versiondb.Database
	mu        sync.Mutex
	clock     *mockable.Clock
	log       log.Logger
	publisher events.Publisher
	caps      authz.Checker
	chainID   ids.ID

	count uint64
}

func New(
	db database.Database,
	chainID ids.ID,
	caps authz.Checker,
	clock *mockable.Clock,
	logger log.Logger,
	publisher events.Publisher,
) (*Ledger, error) {
	l := &Ledger{
		db:        versiondb.New(db),
		clock:     clock,
		log:       logger,
		publisher: publisher,
		caps:      caps,
		chainID:   chainID,
	}

	countBytes, err := db.Get(countKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load deposit count: %w", err)
	default:
		l.count = binary.BigEndian.Uint64(countBytes)
	}
	return l, nil
}

// CreateDeposit stores a new Pending record and returns its id. Restricted
// to the controller capability.
func (l *Ledger) CreateDeposit(
	caller ids.ShortID,
	depositor ids.ShortID,
	token ids.ID,
	amount uint64,
	destinationChain ids.ID,
) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.caps.HasCapability(caller, authz.Controller) {
		return 0, ErrNotAuthorized
	}
	if depositor == ids.ShortEmpty {
		return 0, ErrZeroDepositor
	}
	if token == ids.Empty {
		return 0, ErrZeroToken
	}
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	if destinationChain == ids.Empty {
		return 0, ErrZeroChain
	}

	dep := &Deposit{
		ID:               l.count + 1,
		Depositor:        depositor,
		Token:            token,
		Amount:           amount,
		DestinationChain: destinationChain,
		CreatedAt:        l.clock.Time().Unix(),
		Status:           Pending,
	}
	if err := l.putDeposit(dep); err != nil {
		l.db.Abort()
		return 0, err
	}

	l.count = dep.ID
	if err := l.persistCount(); err != nil {
		l.db.Abort()
		return 0, err
	}
	if err := l.commit(); err != nil {
		return 0, err
	}

	l.log.Info("deposit created",
		log.Uint64("depositID", dep.ID),
		log.Stringer("depositor", depositor),
		log.Stringer("token", token),
		log.Uint64("amount", amount),
		log.Stringer("destinationChain", destinationChain),
	)
	l.publisher.Publish(&events.Event{
		Type:      events.TypeDepositCreated,
		ChainID:   l.chainID,
		DepositID: dep.ID,
		Token:     token,
		Amount:    amount,
		Status:    Pending.String(),
		Accounts:  []ids.ShortID{depositor},
	})
	return dep.ID, nil
}

// UpdateStatus advances a Pending deposit to Withdrawn or Cancelled.
// Restricted to the operator capability.
func (l *Ledger) UpdateStatus(caller ids.ShortID, depositID uint64, newStatus Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.caps.HasCapability(caller, authz.Operator) {
		return ErrNotAuthorized
	}
	if newStatus != Withdrawn && newStatus != Cancelled {
		return ErrInvalidTransition
	}
	dep, err := l.getDeposit(depositID)
	if err != nil {
		return err
	}
	if dep.Status != Pending {
		return fmt.Errorf("%w: %s", ErrNotPending, dep.Status)
	}

	dep.Status = newStatus
	if err := l.putDeposit(dep); err != nil {
		l.db.Abort()
		return err
	}
	if err := l.commit(); err != nil {
		return err
	}

	l.log.Info("deposit status updated",
		log.Uint64("depositID", depositID),
		log.String("status", newStatus.String()),
	)
	l.publisher.Publish(&events.Event{
		Type:      events.TypeDepositStatus,
		ChainID:   l.chainID,
		DepositID: depositID,
		Token:     dep.Token,
		Amount:    dep.Amount,
		Status:    newStatus.String(),
		Accounts:  []ids.ShortID{dep.Depositor},
	})
	return nil
}

// commit applies the buffered writes of one mutation atomically. On failure
// the buffer is dropped so no partial state reaches the underlying database.
func (l *Ledger) commit() error {
	if err := l.db.Commit(); err != nil {
		l.db.Abort()
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetDeposit is a pure read of one record.
func (l *Ledger) GetDeposit(depositID uint64) (*Deposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getDeposit(depositID)
}

// DepositCount returns the id of the most recent deposit.
func (l *Ledger) DepositCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Ledger) getDeposit(depositID uint64) (*Deposit, error) {
	if depositID == 0 || depositID > l.count {
		return nil, ErrDepositNotFound
	}
	data, err := l.db.Get(depositKey(depositID))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}
	dep := &Deposit{}
	if err := json.Unmarshal(data, dep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deposit: %w", err)
	}
	return dep, nil
}

func (l *Ledger) putDeposit(dep *Deposit) error {
	data, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("failed to marshal deposit: %w", err)
	}
	return l.db.Put(depositKey(dep.ID), data)
}

func (l *Ledger) persistCount() error {
	countBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(countBytes, l.count)
	return l.db.Put(countKey, countBytes)
}

func depositKey(depositID uint64) []byte {
	key := make([]byte, len(depositPrefix)+8)
	copy(key, depositPrefix)
	binary.BigEndian.PutUint64(key[len(depositPrefix):], depositID)
	return key
}
