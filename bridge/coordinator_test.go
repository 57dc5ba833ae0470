// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/crypto/secp256k1"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bridge/authz"
	"github.com/luxfi/bridge/deposits"
	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/metrics"
	"github.com/luxfi/bridge/multisig"
	"github.com/luxfi/bridge/sigverify"
	"github.com/luxfi/bridge/timelock"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

type testFixture struct {
	coordinator *Coordinator
	vault       *InMemoryVault
	approvals   *multisig.Ledger
	scheduler   *timelock.Scheduler
	deposits    *deposits.Ledger
	clock       *mockable.Clock
	grants      *authz.Grants

	chainID      ids.ID
	destChain    ids.ID
	signers      []ids.ShortID
	operator     ids.ShortID
	proposer     ids.ShortID
	executor     ids.ShortID
	self         ids.ShortID
	authorityKey *secp256k1.PrivateKey
}

func newTestBridge(t *testing.T, custody TokenCustody) *testFixture {
	f := &testFixture{
		vault:     NewInMemoryVault(),
		clock:     &mockable.Clock{},
		grants:    authz.NewGrants(),
		chainID:   ids.GenerateTestID(),
		destChain: ids.GenerateTestID(),
		operator:  ids.GenerateTestShortID(),
		proposer:  ids.GenerateTestShortID(),
		executor:  ids.GenerateTestShortID(),
		self:      ids.GenerateTestShortID(),
	}
	f.clock.Set(time.Unix(1_000_000, 0))
	for range 3 {
		f.signers = append(f.signers, ids.GenerateTestShortID())
	}

	key, err := secp256k1.NewPrivateKey()
	require.NoError(t, err)
	f.authorityKey = key

	f.grants.Grant(f.self, authz.Controller)
	f.grants.Grant(f.operator, authz.Operator)
	f.grants.Grant(f.proposer, authz.Proposer)
	f.grants.Grant(f.executor, authz.Executor)

	db := memdb.New()
	logger := log.NewNoOpLogger()

	verifier := sigverify.New(prefixdb.New([]byte("sigverify"), db), f.chainID, f.clock, logger, events.NoOp{})

	f.approvals, err = multisig.New(
		prefixdb.New([]byte("multisig"), db),
		f.chainID, f.signers, 2, f.clock, logger, events.NoOp{},
	)
	require.NoError(t, err)

	f.scheduler, err = timelock.New(
		prefixdb.New([]byte("timelock"), db),
		f.chainID, 24*time.Hour, f.grants, f.clock, logger, events.NoOp{},
	)
	require.NoError(t, err)

	f.deposits, err = deposits.New(
		prefixdb.New([]byte("deposits"), db),
		f.chainID, f.grants, f.clock, logger, events.NoOp{},
	)
	require.NoError(t, err)

	if custody == nil {
		custody = f.vault
	}
	f.coordinator, err = New(
		prefixdb.New([]byte("bridge"), db),
		Config{
			ChainID:         f.chainID,
			Self:            f.self,
			Authority:       key.PublicKey().Address(),
			SupportedChains: []ids.ID{f.destChain},
		},
		custody,
		f.deposits,
		f.approvals,
		f.scheduler,
		verifier,
		f.grants,
		f.clock,
		logger,
		events.NoOp{},
		metrics.NewNoOp(),
	)
	require.NoError(t, err)
	return f
}

// configureToken pushes a token config through the two-signer quorum.
func (f *testFixture) configureToken(t *testing.T, token ids.ID, supported, burnable bool, fee uint64) {
	opID, err := f.coordinator.ConfigureToken(f.signers[0], token, supported, burnable, fee)
	require.NoError(t, err)
	require.NoError(t, f.approvals.ApproveOperation(f.signers[1], opID))

	cfg, err := f.coordinator.GetTokenConfig(token)
	require.NoError(t, err)
	require.Equal(t, supported, cfg.Supported)
}

func TestLockTokens(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	depositor := ids.GenerateTestShortID()

	f.configureToken(t, token, true, false, 10)
	require.NoError(t, f.vault.Credit(token, depositor, 1_000))

	depositID, err := f.coordinator.LockTokens(depositor, token, 500, f.destChain)
	require.NoError(t, err)

	// Custody holds the full amount; the deposit records the fee-adjusted net.
	require.Equal(t, uint64(500), f.vault.Balance(token))
	require.Equal(t, uint64(500), f.vault.AccountBalance(token, depositor))

	dep, err := f.deposits.GetDeposit(depositID)
	require.NoError(t, err)
	require.Equal(t, uint64(490), dep.Amount)
	require.Equal(t, depositor, dep.Depositor)
	require.Equal(t, deposits.Pending, dep.Status)
}

func TestLockValidation(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 10)

	_, err := f.coordinator.LockTokens(depositor, token, 0, f.destChain)
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.coordinator.LockTokens(depositor, token, 100, ids.GenerateTestID())
	require.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = f.coordinator.LockTokens(depositor, ids.GenerateTestID(), 100, f.destChain)
	require.ErrorIs(t, err, ErrUnsupportedToken)

	_, err = f.coordinator.LockTokens(depositor, token, 10, f.destChain)
	require.ErrorIs(t, err, ErrAmountBelowFee)

	// Depositor holds nothing; custody rejects the pull.
	_, err = f.coordinator.LockTokens(depositor, token, 100, f.destChain)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.Zero(t, f.deposits.DepositCount())
}

func TestUnlockTokens(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)
	require.NoError(t, f.vault.Credit(token, depositor, 1_000))

	depositID, err := f.coordinator.LockTokens(depositor, token, 600, f.destChain)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.UnlockTokens(f.operator, depositID, f.destChain))
	require.Equal(t, uint64(1_000), f.vault.AccountBalance(token, depositor))
	require.Zero(t, f.vault.Balance(token))

	dep, err := f.deposits.GetDeposit(depositID)
	require.NoError(t, err)
	require.Equal(t, deposits.Withdrawn, dep.Status)

	// A withdrawn deposit cannot release twice.
	err = f.coordinator.UnlockTokens(f.operator, depositID, f.destChain)
	require.ErrorIs(t, err, deposits.ErrNotPending)
}

func TestUnlockValidation(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)
	require.NoError(t, f.vault.Credit(token, depositor, 100))

	depositID, err := f.coordinator.LockTokens(depositor, token, 100, f.destChain)
	require.NoError(t, err)

	err = f.coordinator.UnlockTokens(f.operator, depositID, ids.GenerateTestID())
	require.ErrorIs(t, err, ErrChainMismatch)

	err = f.coordinator.UnlockTokens(depositor, depositID, f.destChain)
	require.ErrorIs(t, err, deposits.ErrNotAuthorized)

	err = f.coordinator.UnlockTokens(f.operator, depositID+7, f.destChain)
	require.ErrorIs(t, err, deposits.ErrDepositNotFound)
}

// Two of three signers request the same mint; supply appears exactly once,
// on the approval that reaches quorum. A third identical request opens a
// fresh round instead of re-minting.
func TestMintQuorum(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	recipient := ids.GenerateTestShortID()
	f.configureToken(t, token, true, true, 0)

	opID, err := f.coordinator.Mint(f.signers[0], recipient, token, 250)
	require.ErrorIs(t, err, ErrQuorumPending)
	require.Zero(t, f.vault.AccountBalance(token, recipient))

	// The same signer cannot vote twice.
	_, err = f.coordinator.Mint(f.signers[0], recipient, token, 250)
	require.ErrorIs(t, err, multisig.ErrAlreadyApproved)

	opID2, err := f.coordinator.Mint(f.signers[1], recipient, token, 250)
	require.NoError(t, err)
	require.Equal(t, opID, opID2)
	require.Equal(t, uint64(250), f.vault.AccountBalance(token, recipient))

	// The round is closed; an identical request starts a new operation.
	opID3, err := f.coordinator.Mint(f.signers[2], recipient, token, 250)
	require.ErrorIs(t, err, ErrQuorumPending)
	require.NotEqual(t, opID, opID3)
	require.Equal(t, uint64(250), f.vault.AccountBalance(token, recipient))
}

func TestMintValidation(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	recipient := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)

	_, err := f.coordinator.Mint(f.signers[0], recipient, token, 0)
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.coordinator.Mint(f.signers[0], recipient, ids.GenerateTestID(), 10)
	require.ErrorIs(t, err, ErrUnsupportedToken)

	_, err = f.coordinator.Mint(ids.GenerateTestShortID(), recipient, token, 10)
	require.ErrorIs(t, err, multisig.ErrNotSigner)
}

// Distinct mint tuples accumulate approvals independently.
func TestMintRoundsAreIndependent(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	f.configureToken(t, token, true, false, 0)

	alice := ids.GenerateTestShortID()
	bob := ids.GenerateTestShortID()

	opA, err := f.coordinator.Mint(f.signers[0], alice, token, 100)
	require.ErrorIs(t, err, ErrQuorumPending)
	opB, err := f.coordinator.Mint(f.signers[0], bob, token, 100)
	require.ErrorIs(t, err, ErrQuorumPending)
	require.NotEqual(t, opA, opB)

	_, err = f.coordinator.Mint(f.signers[1], alice, token, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), f.vault.AccountBalance(token, alice))
	require.Zero(t, f.vault.AccountBalance(token, bob))
}

func (f *testFixture) signMintAuthorization(
	t *testing.T,
	recipient ids.ShortID,
	token ids.ID,
	amount uint64,
	deadline int64,
) []byte {
	preimage, err := MintAuthorizationBytes(f.chainID, recipient, token, amount, deadline)
	require.NoError(t, err)
	digest := sigverify.Digest(preimage)
	sig, err := f.authorityKey.SignHash(digest[:])
	require.NoError(t, err)
	return sig
}

func TestMintWithSignature(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	recipient := ids.GenerateTestShortID()
	submitter := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)

	deadline := f.clock.Time().Add(time.Hour).Unix()
	sig := f.signMintAuthorization(t, recipient, token, 300, deadline)

	require.NoError(t, f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, sig))
	require.Equal(t, uint64(300), f.vault.AccountBalance(token, recipient))

	// Replaying the same authorization fails and mints nothing.
	err := f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, sig)
	require.ErrorIs(t, err, sigverify.ErrUsedSignature)
	require.Equal(t, uint64(300), f.vault.AccountBalance(token, recipient))
}

func TestMintWithSignatureValidation(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	recipient := ids.GenerateTestShortID()
	submitter := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)

	deadline := f.clock.Time().Add(time.Hour).Unix()

	// A signature from a key other than the authority recovers the wrong
	// address.
	otherKey, err := secp256k1.NewPrivateKey()
	require.NoError(t, err)
	preimage, err := MintAuthorizationBytes(f.chainID, recipient, token, 300, deadline)
	require.NoError(t, err)
	digest := sigverify.Digest(preimage)
	badSig, err := otherKey.SignHash(digest[:])
	require.NoError(t, err)
	err = f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, badSig)
	require.ErrorIs(t, err, sigverify.ErrWrongSigner)

	// Tampering with the amount invalidates the authorization.
	sig := f.signMintAuthorization(t, recipient, token, 300, deadline)
	err = f.coordinator.MintWithSignature(submitter, recipient, token, 900, deadline, sig)
	require.Error(t, err)

	// Past-deadline authorizations are rejected.
	f.clock.Set(time.Unix(deadline+1, 0))
	err = f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, sig)
	require.ErrorIs(t, err, sigverify.ErrExpiredSignature)
	require.Zero(t, f.vault.AccountBalance(token, recipient))
}

func TestMintWithSignatureMalleated(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	recipient := ids.GenerateTestShortID()
	submitter := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)

	deadline := f.clock.Time().Add(time.Hour).Unix()
	sig := f.signMintAuthorization(t, recipient, token, 300, deadline)
	require.NoError(t, f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, sig))
	require.Equal(t, uint64(300), f.vault.AccountBalance(token, recipient))

	// The high-S encoding of the consumed signature recovers the same
	// authority address but is a different byte string. It must be rejected
	// as non-canonical, not treated as a fresh authorization.
	order, ok := new(big.Int).SetString(
		"fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141",
		16,
	)
	require.True(t, ok)
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(order, s)
	malleated := make([]byte, len(sig))
	copy(malleated, sig)
	s.FillBytes(malleated[32:64])
	malleated[64] ^= 1

	err := f.coordinator.MintWithSignature(submitter, recipient, token, 300, deadline, malleated)
	require.ErrorIs(t, err, sigverify.ErrInvalidSignatureValues)
	require.Equal(t, uint64(300), f.vault.AccountBalance(token, recipient))
}

func TestBurn(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	holder := ids.GenerateTestShortID()
	f.configureToken(t, token, true, true, 0)
	require.NoError(t, f.vault.Credit(token, holder, 500))

	require.NoError(t, f.coordinator.Burn(holder, token, 200))
	require.Equal(t, uint64(300), f.vault.AccountBalance(token, holder))
	require.Zero(t, f.vault.Balance(token))
}

func TestBurnValidation(t *testing.T) {
	f := newTestBridge(t, nil)
	burnable := ids.GenerateTestID()
	plain := ids.GenerateTestID()
	holder := ids.GenerateTestShortID()
	f.configureToken(t, burnable, true, true, 0)
	f.configureToken(t, plain, true, false, 0)

	require.ErrorIs(t, f.coordinator.Burn(holder, burnable, 0), ErrZeroAmount)
	require.ErrorIs(t, f.coordinator.Burn(holder, plain, 10), ErrNotBurnable)
	require.ErrorIs(t, f.coordinator.Burn(holder, ids.GenerateTestID(), 10), ErrUnsupportedToken)
	require.ErrorIs(t, f.coordinator.Burn(holder, burnable, 10), ErrTransferFailed)
}

// feeSkimmingCustody delivers less than the transferred amount, like a
// token that takes a cut on transfer.
type feeSkimmingCustody struct {
	*InMemoryVault
	skim uint64
}

func (c *feeSkimmingCustody) TransferIn(token ids.ID, from ids.ShortID, amount uint64) error {
	if err := c.InMemoryVault.TransferIn(token, from, amount); err != nil {
		return err
	}
	return c.InMemoryVault.Burn(token, c.skim)
}

func TestBurnBalanceMismatch(t *testing.T) {
	custody := &feeSkimmingCustody{InMemoryVault: NewInMemoryVault(), skim: 5}
	f := newTestBridge(t, custody)
	token := ids.GenerateTestID()
	holder := ids.GenerateTestShortID()
	f.configureToken(t, token, true, true, 0)
	require.NoError(t, custody.Credit(token, holder, 500))

	err := f.coordinator.Burn(holder, token, 100)
	require.ErrorIs(t, err, ErrBalanceMismatch)
}

// shrinkingCustody loses previously held funds during a transfer in.
type shrinkingCustody struct {
	*InMemoryVault
	shrink uint64
}

func (c *shrinkingCustody) TransferIn(token ids.ID, from ids.ShortID, amount uint64) error {
	return c.InMemoryVault.Burn(token, c.shrink)
}

func TestBurnShrinkingCustody(t *testing.T) {
	custody := &shrinkingCustody{InMemoryVault: NewInMemoryVault(), shrink: 50}
	f := newTestBridge(t, custody)
	token := ids.GenerateTestID()
	holder := ids.GenerateTestShortID()
	f.configureToken(t, token, true, true, 0)
	require.NoError(t, custody.Credit(token, holder, 500))
	require.NoError(t, custody.InMemoryVault.TransferIn(token, holder, 300))

	// The custody balance moves down across the transfer. The delta check
	// must report a mismatch, not wrap the subtraction around.
	err := f.coordinator.Burn(holder, token, 100)
	require.ErrorIs(t, err, ErrBalanceMismatch)
}

// reentrantCustody calls back into the coordinator mid-transfer.
type reentrantCustody struct {
	*InMemoryVault
	attack func() error
	result error
}

func (c *reentrantCustody) TransferOut(token ids.ID, to ids.ShortID, amount uint64) error {
	if c.attack != nil {
		c.result = c.attack()
		c.attack = nil
	}
	return c.InMemoryVault.TransferOut(token, to, amount)
}

func TestReentrancyRejected(t *testing.T) {
	custody := &reentrantCustody{InMemoryVault: NewInMemoryVault()}
	f := newTestBridge(t, custody)
	token := ids.GenerateTestID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)
	require.NoError(t, custody.Credit(token, depositor, 1_000))

	depositID, err := f.coordinator.LockTokens(depositor, token, 1_000, f.destChain)
	require.NoError(t, err)

	custody.attack = func() error {
		return f.coordinator.EmergencyWithdraw(f.operator, token, depositor, 1_000)
	}
	require.NoError(t, f.coordinator.UnlockTokens(f.operator, depositID, f.destChain))

	// The nested entry was rejected; custody paid out exactly once.
	require.ErrorIs(t, custody.result, ErrReentrantCall)
	require.Equal(t, uint64(1_000), custody.AccountBalance(token, depositor))
	require.Zero(t, custody.Balance(token))
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	rescue := ids.GenerateTestShortID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)
	require.NoError(t, f.vault.Credit(token, depositor, 400))
	_, err := f.coordinator.LockTokens(depositor, token, 400, f.destChain)
	require.NoError(t, err)

	err = f.coordinator.EmergencyWithdraw(depositor, token, rescue, 400)
	require.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, f.coordinator.EmergencyWithdraw(f.operator, token, rescue, 400))
	require.Equal(t, uint64(400), f.vault.AccountBalance(token, rescue))
	require.Zero(t, f.vault.Balance(token))
}

func TestConfigureTokenRequiresQuorum(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()

	opID, err := f.coordinator.ConfigureToken(f.signers[0], token, true, true, 5)
	require.NoError(t, err)

	cfg, err := f.coordinator.GetTokenConfig(token)
	require.NoError(t, err)
	require.False(t, cfg.Supported)

	require.NoError(t, f.approvals.ApproveOperation(f.signers[1], opID))

	cfg, err = f.coordinator.GetTokenConfig(token)
	require.NoError(t, err)
	require.True(t, cfg.Supported)
	require.True(t, cfg.Burnable)
	require.Equal(t, uint64(5), cfg.Fee)
}

func TestTimelockedRelease(t *testing.T) {
	f := newTestBridge(t, nil)
	token := ids.GenerateTestID()
	target := ids.GenerateTestShortID()
	depositor := ids.GenerateTestShortID()
	f.configureToken(t, token, true, false, 0)
	require.NoError(t, f.vault.Credit(token, depositor, 800))
	_, err := f.coordinator.LockTokens(depositor, token, 800, f.destChain)
	require.NoError(t, err)

	payload, err := MarshalAction(&ReleaseAction{Token: token, Amount: 800})
	require.NoError(t, err)

	txID, err := f.scheduler.Schedule(f.proposer, target, 0, payload)
	require.NoError(t, err)

	err = f.scheduler.Execute(f.executor, txID)
	require.ErrorIs(t, err, timelock.ErrDelayNotMet)

	f.clock.Set(f.clock.Time().Add(25 * time.Hour))
	require.NoError(t, f.scheduler.Execute(f.executor, txID))
	require.Equal(t, uint64(800), f.vault.AccountBalance(token, target))
	require.Zero(t, f.vault.Balance(token))
}
