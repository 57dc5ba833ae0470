// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package multisig tracks per-operation approvals from a fixed signer set
// and executes each operation exactly once, after a quorum of approvals.
package multisig

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

var (
	ErrNotSigner         = errors.New("caller is not a signer")
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationExists   = errors.New("operation id already holds a payload")
	ErrAlreadyApproved   = errors.New("caller already approved")
	ErrNotApproved       = errors.New("caller has not approved")
	ErrOperationExecuted = errors.New("operation already executed")
	ErrOperationExpired  = errors.New("operation expired")
	ErrBelowThreshold    = errors.New("operation below approval threshold")
	ErrExecutionFailed   = errors.New("operation action failed")
	ErrNoExecutor        = errors.New("no executor wired for external actions")

	ErrDuplicateSigner   = errors.New("duplicate signer")
	ErrUnknownSigner     = errors.New("account is not in the signer set")
	ErrInvalidThreshold  = errors.New("threshold must be >= 1 and <= signer count")
	ErrSignerSetTooSmall = errors.New("removal would drop signers below threshold")
)

var (
	operationPrefix = []byte("op:")
	signersKey      = []byte("cfg:signers")
	thresholdKey    = []byte("cfg:threshold")
	sequenceKey     = []byte("cfg:sequence")
)

// Operation is a pending or executed authorized action. Once executed the
// record is terminal and immutable.
type Operation struct {
	ID         ids.ID        `json:"id"`
	Payload    []byte        `json:"payload"`
	Creator    ids.ShortID   `json:"creator"`
	Expiration int64         `json:"expiration"` // unix seconds; 0 = never
	Sequence   uint64        `json:"sequence"`
	Executed   bool          `json:"executed"`
	Approvers  []ids.ShortID `json:"approvers"`
	CreatedAt  int64         `json:"createdAt"`
}

func (o *Operation) ApprovalCount() int {
	return len(o.Approvers)
}

func (o *Operation) approvedBy(account ids.ShortID) bool {
	for _, a := range o.Approvers {
		if a == account {
			return true
		}
	}
	return false
}

// Executor performs external (non-administrative) actions once their
// operation reaches quorum. The ledger marks the operation executed before
// calling it, so re-entering the ledger cannot execute it twice.
type Executor interface {
	ExecuteAction(opID ids.ID, payload []byte) error
}

// Ledger owns the operation records and the signer set. Administrative
// mutations of the signer set are reachable only through the internal action
// dispatch of an approved operation, never directly.
type Ledger struct {
	db        *versiondb.Database
	mu        sync.Mutex
	clock     *mockable.Clock
	log       log.Logger
	publisher events.Publisher
	chainID   ids.ID
	executor  Executor

	signers   []ids.ShortID
	threshold uint32
	sequence  uint64
}

func New(
	db database.Database,
	chainID ids.ID,
	signers []ids.ShortID,
	threshold uint32,
	clock *mockable.Clock,
	logger log.Logger,
	publisher events.Publisher,
) (*Ledger, error) {
	l := &Ledger{
		db:        versiondb.New(db),
		clock:     clock,
		log:       logger,
		publisher: publisher,
		chainID:   chainID,
	}

	// A previously persisted signer set wins over the constructor arguments
	// so that restarts cannot roll back quorum-approved membership changes.
	persisted, err := l.loadState()
	if err != nil {
		return nil, err
	}
	if !persisted {
		if err := validateSignerSet(signers, threshold); err != nil {
			return nil, err
		}
		l.signers = append([]ids.ShortID(nil), signers...)
		l.threshold = threshold
		if err := l.persistState(); err != nil {
			l.db.Abort()
			return nil, err
		}
		if err := l.commit(); err != nil {
			return nil, err
		}
	}
	return l, nil
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

// SetExecutor wires the external action executor. Called once during
// coordinator construction.
func (l *Ledger) SetExecutor(executor Executor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executor = executor
}

func validateSignerSet(signers []ids.ShortID, threshold uint32) error {
	if threshold == 0 || int(threshold) > len(signers) {
		return ErrInvalidThreshold
	}
	seen := make(map[ids.ShortID]struct{}, len(signers))
	for _, s := range signers {
		if s == ids.ShortEmpty {
			return ErrUnknownSigner
		}
		if _, ok := seen[s]; ok {
			return ErrDuplicateSigner
		}
		seen[s] = struct{}{}
	}
	return nil
}

// OperationID derives the deterministic identifier of an operation from the
// chain, payload, expiration, creator and the ledger sequence at creation.
// The sequence makes collisions structurally impossible.
func OperationID(
	chainID ids.ID,
	payload []byte,
	expiration int64,
	creator ids.ShortID,
	sequence uint64,
) ids.ID {
	h := sha256.New()
	h.Write(chainID[:])
	h.Write(payload)
	_ = binary.Write(h, binary.BigEndian, expiration)
	h.Write(creator[:])
	_ = binary.Write(h, binary.BigEndian, sequence)

	var id ids.ID
	copy(id[:], h.Sum(nil))
	return id
}

// CreateOperation registers a new operation and records the creator's
// approval. If the creator alone meets the threshold the operation executes
// before the call returns.
func (l *Ledger) CreateOperation(
	caller ids.ShortID,
	payload []byte,
	expiration int64,
) (ids.ID, error) {
	opID, ready, err := l.createLocked(caller, payload, expiration)
	if err != nil {
		return ids.Empty, err
	}
	if ready == nil {
		return opID, nil
	}
	return opID, l.runAction(opID, ready)
}

func (l *Ledger) createLocked(
	caller ids.ShortID,
	payload []byte,
	expiration int64,
) (ids.ID, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(caller) {
		return ids.Empty, nil, ErrNotSigner
	}

	opID := OperationID(l.chainID, payload, expiration, caller, l.sequence)
	switch existing, err := l.getOperation(opID); {
	case err == nil && len(existing.Payload) > 0:
		return ids.Empty, nil, ErrOperationExists
	case err != nil && !errors.Is(err, ErrOperationNotFound):
		return ids.Empty, nil, err
	}

	op := &Operation{
		ID:         opID,
		Payload:    payload,
		Creator:    caller,
		Expiration: expiration,
		Sequence:   l.sequence,
		Approvers:  []ids.ShortID{caller},
		CreatedAt:  l.clock.Time().Unix(),
	}
	l.sequence++

	ready, err := l.maybeMarkExecuted(op)
	if err != nil {
		return ids.Empty, nil, err
	}
	if err := l.putOperation(op); err != nil {
		l.db.Abort()
		return ids.Empty, nil, err
	}
	if err := l.persistState(); err != nil {
		l.db.Abort()
		return ids.Empty, nil, err
	}
	if err := l.commit(); err != nil {
		return ids.Empty, nil, err
	}

	l.log.Info("operation created",
		log.Stringer("opID", opID),
		log.Stringer("creator", caller),
		log.Int("approvals", op.ApprovalCount()),
	)
	l.publisher.Publish(&events.Event{
		Type:     events.TypeOperationCreated,
		ChainID:  l.chainID,
		ID:       opID,
		Count:    op.ApprovalCount(),
		Accounts: []ids.ShortID{caller},
	})
	return opID, ready, nil
}

// ApproveOperation adds the caller's approval. Reaching the threshold
// triggers execution synchronously, in the same call.
func (l *Ledger) ApproveOperation(caller ids.ShortID, opID ids.ID) error {
	ready, err := l.approveLocked(caller, opID)
	if err != nil || ready == nil {
		return err
	}
	return l.runAction(opID, ready)
}

func (l *Ledger) approveLocked(caller ids.ShortID, opID ids.ID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(caller) {
		return nil, ErrNotSigner
	}
	op, err := l.getOperation(opID)
	if err != nil {
		return nil, err
	}
	if err := l.checkActionable(op); err != nil {
		return nil, err
	}
	if op.approvedBy(caller) {
		return nil, ErrAlreadyApproved
	}

	op.Approvers = append(op.Approvers, caller)

	ready, err := l.maybeMarkExecuted(op)
	if err != nil {
		return nil, err
	}
	if err := l.putOperation(op); err != nil {
		l.db.Abort()
		return nil, err
	}
	if err := l.commit(); err != nil {
		return nil, err
	}

	l.log.Info("operation approved",
		log.Stringer("opID", opID),
		log.Stringer("approver", caller),
		log.Int("approvals", op.ApprovalCount()),
		log.Bool("executing", ready != nil),
	)
	l.publisher.Publish(&events.Event{
		Type:     events.TypeOperationApproved,
		ChainID:  l.chainID,
		ID:       opID,
		Count:    op.ApprovalCount(),
		Accounts: []ids.ShortID{caller},
	})
	return ready, nil
}

// RevokeApproval withdraws the caller's approval from a pending operation.
// The approver list is compacted by swapping with the last element; order of
// the remaining approvers is not preserved.
func (l *Ledger) RevokeApproval(caller ids.ShortID, opID ids.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(caller) {
		return ErrNotSigner
	}
	op, err := l.getOperation(opID)
	if err != nil {
		return err
	}
	if op.Executed {
		return ErrOperationExecuted
	}
	if !op.approvedBy(caller) {
		return ErrNotApproved
	}

	for i, a := range op.Approvers {
		if a == caller {
			last := len(op.Approvers) - 1
			op.Approvers[i] = op.Approvers[last]
			op.Approvers = op.Approvers[:last]
			break
		}
	}
	if err := l.putOperation(op); err != nil {
		l.db.Abort()
		return err
	}
	if err := l.commit(); err != nil {
		return err
	}

	l.log.Info("approval revoked",
		log.Stringer("opID", opID),
		log.Stringer("approver", caller),
		log.Int("approvals", op.ApprovalCount()),
	)
	l.publisher.Publish(&events.Event{
		Type:     events.TypeApprovalRevoked,
		ChainID:  l.chainID,
		ID:       opID,
		Count:    op.ApprovalCount(),
		Accounts: []ids.ShortID{caller},
	})
	return nil
}

// ExecuteOperation is the explicit execution path for operations that
// already hold enough approvals, e.g. after the threshold was lowered. It
// re-checks every precondition the approval path checks.
func (l *Ledger) ExecuteOperation(caller ids.ShortID, opID ids.ID) error {
	ready, err := l.executeLocked(caller, opID)
	if err != nil {
		return err
	}
	return l.runAction(opID, ready)
}

func (l *Ledger) executeLocked(caller ids.ShortID, opID ids.ID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(caller) {
		return nil, ErrNotSigner
	}
	op, err := l.getOperation(opID)
	if err != nil {
		return nil, err
	}
	if err := l.checkActionable(op); err != nil {
		return nil, err
	}
	if uint32(op.ApprovalCount()) < l.threshold {
		return nil, ErrBelowThreshold
	}

	op.Executed = true
	if err := l.putOperation(op); err != nil {
		l.db.Abort()
		return nil, err
	}
	if err := l.commit(); err != nil {
		return nil, err
	}
	return op.Payload, nil
}

// CancelOperation clears a pending operation. Only signers may cancel, and
// only before execution. Expired operations stay cancellable.
func (l *Ledger) CancelOperation(caller ids.ShortID, opID ids.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(caller) {
		return ErrNotSigner
	}
	op, err := l.getOperation(opID)
	if err != nil {
		return err
	}
	if op.Executed {
		return ErrOperationExecuted
	}

	if err := l.db.Delete(append(operationPrefix, opID[:]...)); err != nil {
		l.db.Abort()
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	if err := l.commit(); err != nil {
		return err
	}

	l.log.Info("operation canceled",
		log.Stringer("opID", opID),
		log.Stringer("caller", caller),
	)
	l.publisher.Publish(&events.Event{
		Type:     events.TypeOperationCanceled,
		ChainID:  l.chainID,
		ID:       opID,
		Accounts: []ids.ShortID{caller},
	})
	return nil
}

// maybeMarkExecuted flips the executed flag once the threshold is met and
// returns the payload to run. The flag is set and persisted before any
// action runs; a re-entrant call observes the executed state and fails.
func (l *Ledger) maybeMarkExecuted(op *Operation) ([]byte, error) {
	if op.Executed || uint32(op.ApprovalCount()) < l.threshold {
		return nil, nil
	}
	op.Executed = true
	return op.Payload, nil
}

// runAction dispatches an executed operation's payload. Administrative
// actions are applied internally; everything else goes to the executor. The
// ledger mutex is NOT held here, so actions may call back into the ledger;
// they will see the operation already executed.
func (l *Ledger) runAction(opID ids.ID, payload []byte) error {
	action, err := UnmarshalAction(payload)
	if err != nil {
		return l.actionFailed(opID, fmt.Errorf("undecodable payload: %w", err))
	}

	switch a := action.(type) {
	case *AddSigner:
		err = l.applyAddSigner(a.Signer)
	case *RemoveSigner:
		err = l.applyRemoveSigner(a.Signer)
	case *SetThreshold:
		err = l.applySetThreshold(a.Threshold)
	case *ExternalAction:
		l.mu.Lock()
		executor := l.executor
		l.mu.Unlock()
		if executor == nil {
			err = ErrNoExecutor
		} else {
			err = executor.ExecuteAction(opID, a.Data)
		}
	default:
		err = fmt.Errorf("unrecognized action %T", action)
	}
	if err != nil {
		return l.actionFailed(opID, err)
	}

	l.log.Info("operation executed", log.Stringer("opID", opID))
	l.publisher.Publish(&events.Event{
		Type:    events.TypeOperationExecuted,
		ChainID: l.chainID,
		ID:      opID,
	})
	return nil
}

// actionFailed surfaces an execution failure. The executed flag is already
// persisted and is deliberately not rolled back: a failed execution is
// terminal, so the accumulated approvals cannot be spent twice.
func (l *Ledger) actionFailed(opID ids.ID, err error) error {
	l.log.Warn("operation action failed",
		log.Stringer("opID", opID),
		log.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %s", ErrExecutionFailed, err)
}

func (l *Ledger) applyAddSigner(signer ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if signer == ids.ShortEmpty {
		return ErrUnknownSigner
	}
	if l.isSigner(signer) {
		return ErrDuplicateSigner
	}
	l.signers = append(l.signers, signer)
	if err := l.persistState(); err != nil {
		l.db.Abort()
		return err
	}
	return l.commit()
}

func (l *Ledger) applyRemoveSigner(signer ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isSigner(signer) {
		return ErrUnknownSigner
	}
	if uint32(len(l.signers)-1) < l.threshold {
		return ErrSignerSetTooSmall
	}
	for i, s := range l.signers {
		if s == signer {
			l.signers = append(l.signers[:i], l.signers[i+1:]...)
			break
		}
	}
	if err := l.persistState(); err != nil {
		l.db.Abort()
		return err
	}
	return l.commit()
}

func (l *Ledger) applySetThreshold(threshold uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if threshold == 0 || int(threshold) > len(l.signers) {
		return ErrInvalidThreshold
	}
	l.threshold = threshold
	if err := l.persistState(); err != nil {
		l.db.Abort()
		return err
	}
	return l.commit()
}

func (l *Ledger) checkActionable(op *Operation) error {
	if op.Executed {
		return ErrOperationExecuted
	}
	if op.Expiration != 0 && l.clock.Time().Unix() > op.Expiration {
		return ErrOperationExpired
	}
	return nil
}

func (l *Ledger) isSigner(account ids.ShortID) bool {
	for _, s := range l.signers {
		if s == account {
			return true
		}
	}
	return false
}

// IsSigner reports signer-set membership.
func (l *Ledger) IsSigner(account ids.ShortID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isSigner(account)
}

// GetSigners returns a copy of the current signer set.
func (l *Ledger) GetSigners() []ids.ShortID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ids.ShortID(nil), l.signers...)
}

// Threshold returns the current approval threshold.
func (l *Ledger) Threshold() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threshold
}

// GetOperation returns the stored operation record.
func (l *Ledger) GetOperation(opID ids.ID) (*Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOperation(opID)
}

// GetApprovers returns the approver list of an operation.
func (l *Ledger) GetApprovers(opID ids.ID) ([]ids.ShortID, error) {
	op, err := l.GetOperation(opID)
	if err != nil {
		return nil, err
	}
	return op.Approvers, nil
}

func (l *Ledger) getOperation(opID ids.ID) (*Operation, error) {
	data, err := l.db.Get(append(operationPrefix, opID[:]...))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	op := &Operation{}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return op, nil
}

func (l *Ledger) putOperation(op *Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	return l.db.Put(append(operationPrefix, op.ID[:]...), data)
}

func (l *Ledger) loadState() (bool, error) {
	data, err := l.db.Get(signersKey)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load signer set: %w", err)
	}
	if err := json.Unmarshal(data, &l.signers); err != nil {
		return false, fmt.Errorf("failed to unmarshal signer set: %w", err)
	}

	thresholdBytes, err := l.db.Get(thresholdKey)
	if err != nil {
		return false, fmt.Errorf("failed to load threshold: %w", err)
	}
	l.threshold = binary.BigEndian.Uint32(thresholdBytes)

	seqBytes, err := l.db.Get(sequenceKey)
	if err != nil {
		return false, fmt.Errorf("failed to load sequence: %w", err)
	}
	l.sequence = binary.BigEndian.Uint64(seqBytes)
	return true, nil
}

func (l *Ledger) persistState() error {
	data, err := json.Marshal(l.signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signer set: %w", err)
	}
	if err := l.db.Put(signersKey, data); err != nil {
		return err
	}

	thresholdBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(thresholdBytes, l.threshold)
	if err := l.db.Put(thresholdKey, thresholdBytes); err != nil {
		return err
	}

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, l.sequence)
	return l.db.Put(sequenceKey, seqBytes)
}
