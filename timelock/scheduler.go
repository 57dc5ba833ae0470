// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package timelock schedules actions for execution no earlier than a
// mandatory minimum delay after they were proposed.
package timelock

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/bridge/authz"
	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

var (
	ErrNotAuthorized    = errors.New("caller lacks the required capability")
	ErrTxNotFound       = errors.New("timelocked transaction not found")
	ErrDelayNotMet      = errors.New("minimum delay has not elapsed")
	ErrAlreadyExecuted  = errors.New("transaction already executed")
	ErrTxCanceled       = errors.New("transaction canceled")
	ErrDelayOutOfBounds = errors.New("delay outside configured bounds")
	ErrExecutionFailed  = errors.New("timelocked action failed")
	ErrNoDispatcher     = errors.New("no dispatcher wired")
)

var (
	txPrefix      = []byte("tx:")
	sequenceKey   = []byte("cfg:sequence")
	minDelayKey   = []byte("cfg:minDelay")
	delayFloorDef = 5 * time.Minute
	delayCeilDef  = 30 * 24 * time.Hour
)

// Transaction is a scheduled action. executeAfter is fixed at creation from
// the minDelay in force at that moment; later delay updates never move it.
type Transaction struct {
	ID           ids.ID      `json:"id"`
	Target       ids.ShortID `json:"target"`
	Proposer     ids.ShortID `json:"proposer"`
	Value        uint64      `json:"value"`
	Payload      []byte      `json:"payload"`
	Sequence     uint64      `json:"sequence"`
	ScheduledAt  int64       `json:"scheduledAt"`
	ExecuteAfter int64       `json:"executeAfter"`
	Executed     bool        `json:"executed"`
	Canceled     bool        `json:"canceled"`
}

// Dispatcher performs the scheduled action when a transaction executes. The
// scheduler marks the transaction executed before calling it.
type Dispatcher interface {
	DispatchTimelocked(txID ids.ID, target ids.ShortID, value uint64, payload []byte) error
}

// Scheduler owns the timelocked transaction records.
type Scheduler struct {
	db         *versiondb.Database
	mu         sync.Mutex
	clock      *mockable.Clock
	log        log.Logger
	publisher  events.Publisher
	caps       authz.Checker
	dispatcher Dispatcher
	chainID    ids.ID

	minDelay   time.Duration
	delayFloor time.Duration
	delayCeil  time.Duration
	sequence   uint64
}

func New(
	db database.Database,
	chainID ids.ID,
	minDelay time.Duration,
	caps authz.Checker,
	clock *mockable.Clock,
	logger log.Logger,
	publisher events.Publisher,
) (*Scheduler, error) {
	s := &Scheduler{
		db:         versiondb.New(db),
		clock:      clock,
		log:        logger,
		publisher:  publisher,
		caps:       caps,
		chainID:    chainID,
		delayFloor: delayFloorDef,
		delayCeil:  delayCeilDef,
	}
	if minDelay <= s.delayFloor || minDelay >= s.delayCeil {
		return nil, fmt.Errorf("%w: %s", ErrDelayOutOfBounds, minDelay)
	}
	s.minDelay = minDelay

	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetDispatcher wires the action dispatcher. Called once during coordinator
// construction.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// TransactionID derives the deterministic identifier of a scheduled
// transaction. The scheduler sequence guarantees uniqueness.
func TransactionID(
	chainID ids.ID,
	target ids.ShortID,
	value uint64,
	payload []byte,
	sequence uint64,
) ids.ID {
	h := sha256.New()
	h.Write(chainID[:])
	h.Write(target[:])
	_ = binary.Write(h, binary.BigEndian, value)
	h.Write(payload)
	_ = binary.Write(h, binary.BigEndian, sequence)

	var id ids.ID
	copy(id[:], h.Sum(nil))
	return id
}

// Schedule queues an action. Restricted to the proposer capability.
func (s *Scheduler) Schedule(
	proposer ids.ShortID,
	target ids.ShortID,
	value uint64,
	payload []byte,
) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.HasCapability(proposer, authz.Proposer) {
		return ids.Empty, ErrNotAuthorized
	}

	now := s.clock.Time()
	tx := &Transaction{
		ID:           TransactionID(s.chainID, target, value, payload, s.sequence),
		Target:       target,
		Proposer:     proposer,
		Value:        value,
		Payload:      payload,
		Sequence:     s.sequence,
		ScheduledAt:  now.Unix(),
		ExecuteAfter: now.Add(s.minDelay).Unix(),
	}
	s.sequence++

	if err := s.putTransaction(tx); err != nil {
		s.db.Abort()
		return ids.Empty, err
	}
	if err := s.persistState(); err != nil {
		s.db.Abort()
		return ids.Empty, err
	}
	if err := s.commit(); err != nil {
		return ids.Empty, err
	}

	s.log.Info("transaction scheduled",
		log.Stringer("txID", tx.ID),
		log.Stringer("proposer", proposer),
		log.Stringer("target", target),
		log.Uint64("executeAfter", uint64(tx.ExecuteAfter)),
	)
	s.publisher.Publish(&events.Event{
		Type:     events.TypeTxScheduled,
		ChainID:  s.chainID,
		ID:       tx.ID,
		Amount:   value,
		Accounts: []ids.ShortID{proposer, target},
	})
	return tx.ID, nil
}

// Execute runs a scheduled transaction once its delay has elapsed.
// Restricted to the executor capability. The executed flag is persisted
// before the dispatch, so a re-entrant or repeated call fails with
// ErrAlreadyExecuted.
func (s *Scheduler) Execute(executor ids.ShortID, txID ids.ID) error {
	tx, err := s.executeLocked(executor, txID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	dispatcher := s.dispatcher
	s.mu.Unlock()
	if dispatcher == nil {
		return s.dispatchFailed(txID, ErrNoDispatcher)
	}
	if err := dispatcher.DispatchTimelocked(tx.ID, tx.Target, tx.Value, tx.Payload); err != nil {
		// The executed flag stays set: a failed dispatch must not make the
		// authorization reusable.
		return s.dispatchFailed(txID, err)
	}

	s.log.Info("transaction executed", log.Stringer("txID", txID))
	s.publisher.Publish(&events.Event{
		Type:     events.TypeTxExecuted,
		ChainID:  s.chainID,
		ID:       txID,
		Amount:   tx.Value,
		Accounts: []ids.ShortID{tx.Target},
	})
	return nil
}

func (s *Scheduler) executeLocked(executor ids.ShortID, txID ids.ID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.HasCapability(executor, authz.Executor) {
		return nil, ErrNotAuthorized
	}
	tx, err := s.getTransaction(txID)
	if err != nil {
		return nil, err
	}
	if tx.Executed {
		return nil, ErrAlreadyExecuted
	}
	if tx.Canceled {
		return nil, ErrTxCanceled
	}
	if s.clock.Time().Unix() < tx.ExecuteAfter {
		return nil, ErrDelayNotMet
	}

	tx.Executed = true
	if err := s.putTransaction(tx); err != nil {
		s.db.Abort()
		return nil, err
	}
	if err := s.commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Scheduler) dispatchFailed(txID ids.ID, err error) error {
	s.log.Warn("timelocked dispatch failed",
		log.Stringer("txID", txID),
		log.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %s", ErrExecutionFailed, err)
}

// Cancel voids a pending transaction. Restricted to the admin capability.
func (s *Scheduler) Cancel(admin ids.ShortID, txID ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.HasCapability(admin, authz.Admin) {
		return ErrNotAuthorized
	}
	tx, err := s.getTransaction(txID)
	if err != nil {
		return err
	}
	if tx.Executed {
		return ErrAlreadyExecuted
	}
	if tx.Canceled {
		return ErrTxCanceled
	}

	tx.Canceled = true
	if err := s.putTransaction(tx); err != nil {
		s.db.Abort()
		return err
	}
	if err := s.commit(); err != nil {
		return err
	}

	s.log.Info("transaction canceled", log.Stringer("txID", txID))
	s.publisher.Publish(&events.Event{
		Type:     events.TypeTxCanceled,
		ChainID:  s.chainID,
		ID:       txID,
		Accounts: []ids.ShortID{tx.Target},
	})
	return nil
}

// UpdateMinDelay changes the delay applied to future schedules. Already
// scheduled transactions keep their original executeAfter. Restricted to the
// admin capability and bounded by the configured floor and ceiling.
func (s *Scheduler) UpdateMinDelay(admin ids.ShortID, newDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.HasCapability(admin, authz.Admin) {
		return ErrNotAuthorized
	}
	if newDelay <= s.delayFloor || newDelay >= s.delayCeil {
		return fmt.Errorf("%w: %s", ErrDelayOutOfBounds, newDelay)
	}

	s.minDelay = newDelay
	if err := s.persistState(); err != nil {
		s.db.Abort()
		return err
	}
	if err := s.commit(); err != nil {
		return err
	}

	s.log.Info("min delay updated", log.Uint64("seconds", uint64(newDelay/time.Second)))
	return nil
}

// MinDelay returns the delay applied to future schedules.
func (s *Scheduler) MinDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay
}

// GetTransaction returns the stored transaction record.
func (s *Scheduler) GetTransaction(txID ids.ID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTransaction(txID)
}

func (s *Scheduler) getTransaction(txID ids.ID) (*Transaction, error) {
	data, err := s.db.Get(append(txPrefix, txID[:]...))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	tx := &Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return tx, nil
}

func (s *Scheduler) putTransaction(tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return s.db.Put(append(txPrefix, tx.ID[:]...), data)
}

func (s *Scheduler) loadState() error {
	seqBytes, err := s.db.Get(sequenceKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load sequence: %w", err)
	default:
		s.sequence = binary.BigEndian.Uint64(seqBytes)
	}

	delayBytes, err := s.db.Get(minDelayKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if err := s.persistState(); err != nil {
			s.db.Abort()
			return err
		}
		return s.commit()
	case err != nil:
		return fmt.Errorf("failed to load min delay: %w", err)
	}
	s.minDelay = time.Duration(binary.BigEndian.Uint64(delayBytes))
	return nil
}

// commit applies the buffered writes of one mutation atomically. On failure
// the buffer is dropped so no partial state reaches the underlying database.
func (s *Scheduler) commit() error {
	if err := s.db.Commit(); err != nil {
		s.db.Abort()
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Scheduler) persistState() error {
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, s.sequence)
	if err := s.db.Put(sequenceKey, seqBytes); err != nil {
		return err
	}

	delayBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(delayBytes, uint64(s.minDelay))
	return s.db.Put(minDelayKey, delayBytes)
}
