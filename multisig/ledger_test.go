// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package multisig

import (
	"errors"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

type recordingExecutor struct {
	calls []ids.ID
	err   error
}

func (e *recordingExecutor) ExecuteAction(opID ids.ID, _ []byte) error {
	e.calls = append(e.calls, opID)
	return e.err
}

func newTestLedger(t *testing.T, signerCount int, threshold uint32) (*Ledger, []ids.ShortID, *recordingExecutor, *mockable.Clock) {
	signers := make([]ids.ShortID, signerCount)
	for i := range signers {
		signers[i] = ids.GenerateTestShortID()
	}

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	l, err := New(memdb.New(), ids.GenerateTestID(), signers, threshold, clock, log.NewNoOpLogger(), events.NoOp{})
	require.NoError(t, err)

	executor := &recordingExecutor{}
	l.SetExecutor(executor)
	return l, signers, executor, clock
}

func externalPayload(t *testing.T, data []byte) []byte {
	payload, err := MarshalAction(&ExternalAction{Data: data})
	require.NoError(t, err)
	return payload
}

func TestNewValidatesSignerSet(t *testing.T) {
	clock := &mockable.Clock{}
	signer := ids.GenerateTestShortID()

	_, err := New(memdb.New(), ids.GenerateTestID(), []ids.ShortID{signer}, 2, clock, log.NewNoOpLogger(), events.NoOp{})
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = New(memdb.New(), ids.GenerateTestID(), []ids.ShortID{signer, signer}, 1, clock, log.NewNoOpLogger(), events.NoOp{})
	require.ErrorIs(t, err, ErrDuplicateSigner)

	_, err = New(memdb.New(), ids.GenerateTestID(), nil, 0, clock, log.NewNoOpLogger(), events.NoOp{})
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

// Two of three signers approve; the operation executes exactly once, on the
// approval that reaches quorum.
func TestQuorumExecution(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 3, 2)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("mint")), 0)
	require.NoError(t, err)
	require.Empty(t, executor.calls)

	op, err := l.GetOperation(opID)
	require.NoError(t, err)
	require.False(t, op.Executed)
	require.Equal(t, 1, op.ApprovalCount())

	require.NoError(t, l.ApproveOperation(signers[1], opID))
	require.Equal(t, []ids.ID{opID}, executor.calls)

	op, err = l.GetOperation(opID)
	require.NoError(t, err)
	require.True(t, op.Executed)
	require.Equal(t, 2, op.ApprovalCount())

	// Late approvals and executions observe the executed state.
	err = l.ApproveOperation(signers[2], opID)
	require.ErrorIs(t, err, ErrOperationExecuted)
	err = l.ExecuteOperation(signers[2], opID)
	require.ErrorIs(t, err, ErrOperationExecuted)
	require.Len(t, executor.calls, 1)
}

func TestNonSignerRejected(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 3, 2)

	outsider := ids.GenerateTestShortID()
	_, err := l.CreateOperation(outsider, externalPayload(t, []byte("x")), 0)
	require.ErrorIs(t, err, ErrNotSigner)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	require.ErrorIs(t, l.ApproveOperation(outsider, opID), ErrNotSigner)
	require.ErrorIs(t, l.RevokeApproval(outsider, opID), ErrNotSigner)
	require.ErrorIs(t, l.CancelOperation(outsider, opID), ErrNotSigner)
}

func TestDuplicateApproval(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 3, 3)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	err = l.ApproveOperation(signers[0], opID)
	require.ErrorIs(t, err, ErrAlreadyApproved)

	op, err := l.GetOperation(opID)
	require.NoError(t, err)
	require.Equal(t, 1, op.ApprovalCount())
}

func TestRevokeApproval(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 3, 2)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	require.NoError(t, l.RevokeApproval(signers[0], opID))

	err = l.RevokeApproval(signers[0], opID)
	require.ErrorIs(t, err, ErrNotApproved)

	// The revoked approval no longer counts toward quorum.
	require.NoError(t, l.ApproveOperation(signers[1], opID))
	require.Empty(t, executor.calls)

	require.NoError(t, l.ApproveOperation(signers[2], opID))
	require.Len(t, executor.calls, 1)
}

func TestExecuteBelowThreshold(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 3, 2)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	err = l.ExecuteOperation(signers[0], opID)
	require.ErrorIs(t, err, ErrBelowThreshold)
	require.Empty(t, executor.calls)
}

func TestOperationExpiry(t *testing.T) {
	l, signers, executor, clock := newTestLedger(t, 3, 2)

	expiration := clock.Time().Add(time.Hour).Unix()
	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), expiration)
	require.NoError(t, err)

	clock.Set(clock.Time().Add(2 * time.Hour))

	err = l.ApproveOperation(signers[1], opID)
	require.ErrorIs(t, err, ErrOperationExpired)
	require.Empty(t, executor.calls)

	// Expired operations stay cancellable.
	require.NoError(t, l.CancelOperation(signers[0], opID))
	_, err = l.GetOperation(opID)
	require.ErrorIs(t, err, ErrOperationNotFound)
}

func TestCancelOperation(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 3, 2)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	require.NoError(t, l.CancelOperation(signers[1], opID))

	err = l.ApproveOperation(signers[1], opID)
	require.ErrorIs(t, err, ErrOperationNotFound)
	require.Empty(t, executor.calls)
}

func TestFailedActionStaysExecuted(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 3, 2)
	executor.err = errTestAction

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)

	err = l.ApproveOperation(signers[1], opID)
	require.ErrorIs(t, err, ErrExecutionFailed)

	// The approvals are spent; the operation cannot run again.
	op, err := l.GetOperation(opID)
	require.NoError(t, err)
	require.True(t, op.Executed)
	err = l.ExecuteOperation(signers[2], opID)
	require.ErrorIs(t, err, ErrOperationExecuted)
}

func TestAddSignerThroughQuorum(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 3, 2)

	newSigner := ids.GenerateTestShortID()
	payload, err := MarshalAction(&AddSigner{Signer: newSigner})
	require.NoError(t, err)

	opID, err := l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	require.False(t, l.IsSigner(newSigner))

	require.NoError(t, l.ApproveOperation(signers[1], opID))
	require.True(t, l.IsSigner(newSigner))
	require.Len(t, l.GetSigners(), 4)
}

func TestSetThresholdThroughQuorum(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 3, 2)

	payload, err := MarshalAction(&SetThreshold{Threshold: 3})
	require.NoError(t, err)

	opID, err := l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	require.NoError(t, l.ApproveOperation(signers[1], opID))
	require.Equal(t, uint32(3), l.Threshold())

	// An out-of-range threshold fails at execution time.
	payload, err = MarshalAction(&SetThreshold{Threshold: 9})
	require.NoError(t, err)
	opID, err = l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	require.NoError(t, l.ApproveOperation(signers[1], opID))
	err = l.ApproveOperation(signers[2], opID)
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.Equal(t, uint32(3), l.Threshold())
}

func TestRemoveSignerKeepsQuorumFeasible(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 2, 2)

	payload, err := MarshalAction(&RemoveSigner{Signer: signers[1]})
	require.NoError(t, err)

	opID, err := l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	err = l.ApproveOperation(signers[1], opID)
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.True(t, l.IsSigner(signers[1]))
}

func TestRemoveSignerThroughQuorum(t *testing.T) {
	l, signers, _, _ := newTestLedger(t, 3, 2)

	payload, err := MarshalAction(&RemoveSigner{Signer: signers[2]})
	require.NoError(t, err)

	opID, err := l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	require.NoError(t, l.ApproveOperation(signers[1], opID))
	require.False(t, l.IsSigner(signers[2]))
	require.Len(t, l.GetSigners(), 2)
}

func TestSingleSignerQuorumExecutesOnCreate(t *testing.T) {
	l, signers, executor, _ := newTestLedger(t, 1, 1)

	opID, err := l.CreateOperation(signers[0], externalPayload(t, []byte("x")), 0)
	require.NoError(t, err)
	require.Equal(t, []ids.ID{opID}, executor.calls)
}

func TestPersistedStateWinsOverConstructor(t *testing.T) {
	db := memdb.New()
	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	signers := []ids.ShortID{ids.GenerateTestShortID(), ids.GenerateTestShortID()}
	chainID := ids.GenerateTestID()

	l, err := New(db, chainID, signers, 2, clock, log.NewNoOpLogger(), events.NoOp{})
	require.NoError(t, err)

	added := ids.GenerateTestShortID()
	payload, err := MarshalAction(&AddSigner{Signer: added})
	require.NoError(t, err)
	opID, err := l.CreateOperation(signers[0], payload, 0)
	require.NoError(t, err)
	require.NoError(t, l.ApproveOperation(signers[1], opID))

	// Reopen with the original constructor arguments; the persisted set,
	// including the added signer, must survive.
	reopened, err := New(db, chainID, signers, 2, clock, log.NewNoOpLogger(), events.NoOp{})
	require.NoError(t, err)
	require.True(t, reopened.IsSigner(added))
	require.Len(t, reopened.GetSigners(), 3)

	// The operation record and the signer set were committed together.
	op, err := reopened.GetOperation(opID)
	require.NoError(t, err)
	require.True(t, op.Executed)
	require.Len(t, op.Approvers, 2)
}

var errTestAction = errors.New("test action failure")
