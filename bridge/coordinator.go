// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge orchestrates the lock, mint, burn and unlock flows across
// the two chains. The coordinator owns token custody and delegates every
// authorization decision to its collaborators: quorum mints to the approval
// ledger, delayed actions to the scheduler, signature-authorized mints to
// the verifier, and capability checks to the access controller.
package bridge

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
	"github.com/luxfi/math"

	"github.com/luxfi/bridge/authz"
	"github.com/luxfi/bridge/deposits"
	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/metrics"
	"github.com/luxfi/bridge/multisig"
	"github.com/luxfi/bridge/sigverify"
	"github.com/luxfi/bridge/timelock"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

var (
	ErrZeroAmount       = errors.New("amount must be positive")
	ErrUnsupportedChain = errors.New("destination chain not registered")
	ErrChainMismatch    = errors.New("source chain does not match deposit")
	ErrUnsupportedToken = errors.New("token not supported")
	ErrNotBurnable      = errors.New("token not burnable")
	ErrAmountBelowFee   = errors.New("amount does not cover the bridge fee")
	ErrQuorumPending    = errors.New("mint approval recorded, quorum pending")
	ErrBalanceMismatch  = errors.New("custody balance delta does not match amount")
	ErrTransferFailed   = errors.New("custody transfer failed")
	ErrNotAuthorized    = errors.New("caller lacks the required capability")
)

var (
	pendingPrefix = []byte("pm:")
	mintSeqKey    = []byte("cfg:mintSeq")
)

var (
	_ multisig.Executor   = (*Coordinator)(nil)
	_ timelock.Dispatcher = (*Coordinator)(nil)
)

// Config carries the construction-time parameters of a coordinator.
type Config struct {
	// ChainID scopes every digest and event this coordinator produces.
	ChainID ids.ID
	// Self is the identity the coordinator uses when it calls its own
	// ledgers, e.g. as the deposit controller. It must hold the controller
	// capability.
	Self ids.ShortID
	// Authority is the address whose signatures authorize single-relayer
	// mints through MintWithSignature.
	Authority ids.ShortID
	// SupportedChains is the fixed set of recognized destination chains.
	SupportedChains []ids.ID
}

// pendingMint points an in-flight mint authorization round at its
// operation. Keyed by the (recipient, token, amount) tuple so signers
// requesting the same mint accumulate approvals on one operation.
type pendingMint struct {
	OpID  ids.ID `json:"opId"` //nolint:tagliatelle
	Nonce uint64 `json:"nonce"`
}

// Coordinator wires custody to the authorization ledgers.
type Coordinator struct {
	db        *versiondb.Database
	mu        sync.Mutex
	guard     entryGuard
	clock     *mockable.Clock
	log       log.Logger
	publisher events.Publisher
	metrics   metrics.Metrics
	caps      authz.Checker

	chainID   ids.ID
	self      ids.ShortID
	authority ids.ShortID
	chains    map[ids.ID]struct{}

	custody   TokenCustody
	deposits  *deposits.Ledger
	approvals *multisig.Ledger
	scheduler *timelock.Scheduler
	verifier  *sigverify.Verifier

	mintSeq uint64
}

func New(
	db database.Database,
	cfg Config,
	custody TokenCustody,
	depositLedger *deposits.Ledger,
	approvalLedger *multisig.Ledger,
	scheduler *timelock.Scheduler,
	verifier *sigverify.Verifier,
	caps authz.Checker,
	clock *mockable.Clock,
	logger log.Logger,
	publisher events.Publisher,
	mets metrics.Metrics,
) (*Coordinator, error) {
	c := &Coordinator{
		db:        versiondb.New(db),
		clock:     clock,
		log:       logger,
		publisher: publisher,
		metrics:   mets,
		caps:      caps,
		chainID:   cfg.ChainID,
		self:      cfg.Self,
		authority: cfg.Authority,
		chains:    make(map[ids.ID]struct{}, len(cfg.SupportedChains)),
		custody:   custody,
		deposits:  depositLedger,
		approvals: approvalLedger,
		scheduler: scheduler,
		verifier:  verifier,
	}
	for _, chain := range cfg.SupportedChains {
		c.chains[chain] = struct{}{}
	}

	seqBytes, err := c.db.Get(mintSeqKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load mint sequence: %w", err)
	default:
		c.mintSeq = binary.BigEndian.Uint64(seqBytes)
	}

	approvalLedger.SetExecutor(c)
	scheduler.SetDispatcher(c)
	return c, nil
}

// LockTokens pulls amount of token from the caller into custody and records
// a Pending deposit for the fee-adjusted net amount. Custody moves first;
// the record follows.
func (c *Coordinator) LockTokens(
	caller ids.ShortID,
	token ids.ID,
	amount uint64,
	destinationChain ids.ID,
) (uint64, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.guard.exit()

	if amount == 0 {
		return 0, ErrZeroAmount
	}
	if _, ok := c.chains[destinationChain]; !ok {
		return 0, ErrUnsupportedChain
	}

	c.mu.Lock()
	cfg, err := c.getTokenConfig(token)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !cfg.Supported {
		return 0, ErrUnsupportedToken
	}
	net, err := math.Sub(amount, cfg.Fee)
	if err != nil || net == 0 {
		return 0, ErrAmountBelowFee
	}

	if err := c.custody.TransferIn(token, caller, amount); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	depositID, err := c.deposits.CreateDeposit(c.self, caller, token, net, destinationChain)
	if err != nil {
		// Custody holds the funds but no deposit record exists; only the
		// operator escape hatch can return them.
		c.log.Error("lock recorded no deposit",
			log.Stringer("caller", caller),
			log.Stringer("token", token),
			log.Uint64("amount", amount),
			log.String("error", err.Error()),
		)
		return 0, err
	}

	c.metrics.IncLocks()
	c.log.Info("tokens locked",
		log.Uint64("depositID", depositID),
		log.Stringer("caller", caller),
		log.Stringer("token", token),
		log.Uint64("amount", net),
		log.Stringer("destinationChain", destinationChain),
	)
	c.publisher.Publish(&events.Event{
		Type:      events.TypeLock,
		ChainID:   c.chainID,
		DepositID: depositID,
		Token:     token,
		Amount:    net,
		Accounts:  []ids.ShortID{caller},
	})
	return depositID, nil
}

// UnlockTokens releases a Pending deposit back to its depositor after the
// wrapped supply burned on sourceChain. The deposit is marked Withdrawn
// before custody pays out.
func (c *Coordinator) UnlockTokens(operator ids.ShortID, depositID uint64, sourceChain ids.ID) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	dep, err := c.deposits.GetDeposit(depositID)
	if err != nil {
		return err
	}
	if dep.DestinationChain != sourceChain {
		return ErrChainMismatch
	}

	// UpdateStatus enforces the operator capability and the Pending state.
	if err := c.deposits.UpdateStatus(operator, depositID, deposits.Withdrawn); err != nil {
		return err
	}
	if err := c.custody.TransferOut(dep.Token, dep.Depositor, dep.Amount); err != nil {
		// The deposit stays Withdrawn: the authorization is spent even
		// though the payout failed, so it cannot be replayed.
		c.log.Error("unlock payout failed",
			log.Uint64("depositID", depositID),
			log.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.metrics.IncUnlocks()
	c.log.Info("tokens unlocked",
		log.Uint64("depositID", depositID),
		log.Stringer("depositor", dep.Depositor),
		log.Uint64("amount", dep.Amount),
	)
	c.publisher.Publish(&events.Event{
		Type:      events.TypeUnlock,
		ChainID:   c.chainID,
		DepositID: depositID,
		Token:     dep.Token,
		Amount:    dep.Amount,
		Accounts:  []ids.ShortID{dep.Depositor, operator},
	})
	return nil
}

// Mint routes a quorum-authorized mint through the approval ledger. The
// first signer requesting a (recipient, token, amount) tuple creates the
// operation; subsequent signers approve it. Below quorum the call returns
// the operation id with ErrQuorumPending; at quorum the mint executes
// before the call returns and the tuple's pending entry is cleared, so the
// next identical request opens a fresh round.
func (c *Coordinator) Mint(
	signer ids.ShortID,
	recipient ids.ShortID,
	token ids.ID,
	amount uint64,
) (ids.ID, error) {
	if amount == 0 {
		return ids.Empty, ErrZeroAmount
	}
	c.mu.Lock()
	cfg, err := c.getTokenConfig(token)
	c.mu.Unlock()
	if err != nil {
		return ids.Empty, err
	}
	if !cfg.Supported {
		return ids.Empty, ErrUnsupportedToken
	}

	key := pendingKey(recipient, token, amount)

	// One retry: a stale pending entry (operation already executed or
	// canceled) is cleared and the request opens a fresh round.
	for range 2 {
		c.mu.Lock()
		pending, err := c.getPending(key)
		c.mu.Unlock()
		if err != nil {
			return ids.Empty, err
		}
		if pending == nil {
			return c.createMintRound(signer, recipient, token, amount, key)
		}

		err = c.approvals.ApproveOperation(signer, pending.OpID)
		switch {
		case errors.Is(err, multisig.ErrOperationExecuted) ||
			errors.Is(err, multisig.ErrOperationNotFound) ||
			errors.Is(err, multisig.ErrOperationExpired):
			c.mu.Lock()
			delErr := c.deletePending(key)
			c.mu.Unlock()
			if delErr != nil {
				return ids.Empty, delErr
			}
			continue
		case err != nil:
			return pending.OpID, err
		}

		c.metrics.IncApprovals()
		return c.mintOutcome(pending.OpID)
	}
	return ids.Empty, multisig.ErrOperationExecuted
}

func (c *Coordinator) createMintRound(
	signer ids.ShortID,
	recipient ids.ShortID,
	token ids.ID,
	amount uint64,
	key []byte,
) (ids.ID, error) {
	c.mu.Lock()
	nonce := c.mintSeq
	c.mintSeq++
	if err := c.persistMintSeq(); err != nil {
		c.mu.Unlock()
		c.db.Abort()
		return ids.Empty, err
	}
	if err := c.db.Commit(); err != nil {
		c.mu.Unlock()
		return ids.Empty, err
	}
	c.mu.Unlock()

	data, err := MarshalAction(&MintAction{
		Recipient: recipient,
		Token:     token,
		Amount:    amount,
		Nonce:     nonce,
	})
	if err != nil {
		return ids.Empty, err
	}
	payload, err := multisig.MarshalAction(&multisig.ExternalAction{Data: data})
	if err != nil {
		return ids.Empty, err
	}

	opID, err := c.approvals.CreateOperation(signer, payload, 0)
	if err != nil {
		return ids.Empty, err
	}
	c.metrics.IncApprovals()

	op, err := c.approvals.GetOperation(opID)
	if err != nil {
		return ids.Empty, err
	}
	if op.Executed {
		// Single-signer quorum: the mint already ran inside CreateOperation.
		return opID, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.putPending(key, &pendingMint{OpID: opID, Nonce: nonce}); err != nil {
		c.db.Abort()
		return ids.Empty, err
	}
	if err := c.db.Commit(); err != nil {
		return ids.Empty, err
	}
	return opID, ErrQuorumPending
}

func (c *Coordinator) mintOutcome(opID ids.ID) (ids.ID, error) {
	op, err := c.approvals.GetOperation(opID)
	if err != nil {
		return opID, err
	}
	if op.Executed {
		return opID, nil
	}
	return opID, ErrQuorumPending
}

// MintWithSignature performs a single relayer-submitted mint authorized by
// the bridge authority's signature instead of a signer quorum. The
// signature is consumed before custody moves.
func (c *Coordinator) MintWithSignature(
	submitter ids.ShortID,
	recipient ids.ShortID,
	token ids.ID,
	amount uint64,
	deadline int64,
	sig []byte,
) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	if amount == 0 {
		return ErrZeroAmount
	}
	c.mu.Lock()
	cfg, err := c.getTokenConfig(token)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !cfg.Supported {
		return ErrUnsupportedToken
	}

	preimage, err := MintAuthorizationBytes(c.chainID, recipient, token, amount, deadline)
	if err != nil {
		return err
	}
	digest := sigverify.Digest(preimage)
	if err := c.verifier.VerifyAndConsume(c.authority, digest, sig, deadline); err != nil {
		return err
	}
	c.metrics.IncConsumedSignatures()

	if err := c.custody.Mint(token, recipient, amount); err != nil {
		// The signature stays consumed; the authority must issue a new one.
		c.log.Error("signature-authorized mint failed",
			log.Stringer("recipient", recipient),
			log.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.metrics.IncMints()
	c.log.Info("tokens minted by signature",
		log.Stringer("submitter", submitter),
		log.Stringer("recipient", recipient),
		log.Stringer("token", token),
		log.Uint64("amount", amount),
	)
	c.publisher.Publish(&events.Event{
		Type:     events.TypeMint,
		ChainID:  c.chainID,
		ID:       digest,
		Token:    token,
		Amount:   amount,
		Accounts: []ids.ShortID{recipient, submitter},
	})
	return nil
}

// Burn pulls amount of a burnable token from the caller and destroys it,
// after asserting the custody balance grew by exactly amount. Tokens that
// take transfer fees or rebase fail the delta check.
func (c *Coordinator) Burn(caller ids.ShortID, token ids.ID, amount uint64) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	if amount == 0 {
		return ErrZeroAmount
	}
	c.mu.Lock()
	cfg, err := c.getTokenConfig(token)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !cfg.Supported {
		return ErrUnsupportedToken
	}
	if !cfg.Burnable {
		return ErrNotBurnable
	}

	before := c.custody.Balance(token)
	if err := c.custody.TransferIn(token, caller, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	after := c.custody.Balance(token)
	if delta, err := math.Sub(after, before); err != nil || delta != amount {
		return fmt.Errorf("%w: balance moved %d to %d, want +%d",
			ErrBalanceMismatch, before, after, amount)
	}
	if err := c.custody.Burn(token, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.metrics.IncBurns()
	c.log.Info("tokens burned",
		log.Stringer("caller", caller),
		log.Stringer("token", token),
		log.Uint64("amount", amount),
	)
	c.publisher.Publish(&events.Event{
		Type:     events.TypeBurn,
		ChainID:  c.chainID,
		Token:    token,
		Amount:   amount,
		Accounts: []ids.ShortID{caller},
	})
	return nil
}

// ConfigureToken proposes a token registry change. The change applies only
// once a quorum of signers approves the returned operation.
func (c *Coordinator) ConfigureToken(
	signer ids.ShortID,
	token ids.ID,
	supported bool,
	burnable bool,
	fee uint64,
) (ids.ID, error) {
	data, err := MarshalAction(&ConfigureTokenAction{
		Token:     token,
		Supported: supported,
		Burnable:  burnable,
		Fee:       fee,
	})
	if err != nil {
		return ids.Empty, err
	}
	payload, err := multisig.MarshalAction(&multisig.ExternalAction{Data: data})
	if err != nil {
		return ids.Empty, err
	}
	return c.approvals.CreateOperation(signer, payload, 0)
}

// EmergencyWithdraw pays custody funds to an arbitrary account, bypassing
// the deposit ledger. A single operator can drain custody through this
// path; it exists for incident response and every use is logged and
// published.
func (c *Coordinator) EmergencyWithdraw(
	operator ids.ShortID,
	token ids.ID,
	to ids.ShortID,
	amount uint64,
) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	if !c.caps.HasCapability(operator, authz.Operator) {
		return ErrNotAuthorized
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if err := c.custody.TransferOut(token, to, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.metrics.IncEmergencyWithdraws()
	c.log.Warn("emergency withdrawal",
		log.Stringer("operator", operator),
		log.Stringer("token", token),
		log.Stringer("to", to),
		log.Uint64("amount", amount),
	)
	c.publisher.Publish(&events.Event{
		Type:     events.TypeEmergencyWithdraw,
		ChainID:  c.chainID,
		Token:    token,
		Amount:   amount,
		Accounts: []ids.ShortID{operator, to},
	})
	return nil
}

// ExecuteAction dispatches a quorum-approved external action. The approval
// ledger has already marked the operation executed.
func (c *Coordinator) ExecuteAction(opID ids.ID, data []byte) error {
	action, err := UnmarshalAction(data)
	if err != nil {
		return fmt.Errorf("undecodable bridge action: %w", err)
	}

	switch a := action.(type) {
	case *MintAction:
		err = c.performMint(a)
	case *ConfigureTokenAction:
		err = c.applyTokenConfig(a)
	default:
		err = fmt.Errorf("action %T not executable through approvals", action)
	}
	if err != nil {
		return err
	}
	c.metrics.IncExecutedOperations()
	c.log.Info("bridge action executed", log.Stringer("opID", opID))
	return nil
}

// DispatchTimelocked dispatches a matured timelocked action. The scheduler
// has already marked the transaction executed.
func (c *Coordinator) DispatchTimelocked(
	txID ids.ID,
	target ids.ShortID,
	value uint64,
	payload []byte,
) error {
	action, err := UnmarshalAction(payload)
	if err != nil {
		return fmt.Errorf("undecodable timelocked action: %w", err)
	}

	switch a := action.(type) {
	case *ReleaseAction:
		return c.performRelease(txID, target, a)
	case *ConfigureTokenAction:
		return c.applyTokenConfig(a)
	default:
		return fmt.Errorf("action %T not executable through the timelock", action)
	}
}

func (c *Coordinator) performMint(a *MintAction) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	if err := c.custody.Mint(a.Token, a.Recipient, a.Amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.mu.Lock()
	key := pendingKey(a.Recipient, a.Token, a.Amount)
	if err := c.deletePending(key); err != nil {
		c.mu.Unlock()
		c.db.Abort()
		return err
	}
	err := c.db.Commit()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.metrics.IncMints()
	c.log.Info("tokens minted",
		log.Stringer("recipient", a.Recipient),
		log.Stringer("token", a.Token),
		log.Uint64("amount", a.Amount),
		log.Uint64("nonce", a.Nonce),
	)
	c.publisher.Publish(&events.Event{
		Type:     events.TypeMint,
		ChainID:  c.chainID,
		Token:    a.Token,
		Amount:   a.Amount,
		Accounts: []ids.ShortID{a.Recipient},
	})
	return nil
}

func (c *Coordinator) performRelease(txID ids.ID, target ids.ShortID, a *ReleaseAction) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.exit()

	if err := c.custody.TransferOut(a.Token, target, a.Amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	c.log.Info("timelocked release",
		log.Stringer("txID", txID),
		log.Stringer("target", target),
		log.Stringer("token", a.Token),
		log.Uint64("amount", a.Amount),
	)
	c.publisher.Publish(&events.Event{
		Type:     events.TypeUnlock,
		ChainID:  c.chainID,
		ID:       txID,
		Token:    a.Token,
		Amount:   a.Amount,
		Accounts: []ids.ShortID{target},
	})
	return nil
}

func (c *Coordinator) applyTokenConfig(a *ConfigureTokenAction) error {
	c.mu.Lock()
	cfg := &TokenConfig{
		Token:     a.Token,
		Supported: a.Supported,
		Burnable:  a.Burnable,
		Fee:       a.Fee,
	}
	if err := c.putTokenConfig(cfg); err != nil {
		c.mu.Unlock()
		c.db.Abort()
		return err
	}
	err := c.db.Commit()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Info("token configured",
		log.Stringer("token", a.Token),
		log.Bool("supported", a.Supported),
		log.Bool("burnable", a.Burnable),
		log.Uint64("fee", a.Fee),
	)
	c.publisher.Publish(&events.Event{
		Type:    events.TypeTokenConfigured,
		ChainID: c.chainID,
		Token:   a.Token,
	})
	return nil
}

// SupportedChains returns the registered destination chains.
func (c *Coordinator) SupportedChains() []ids.ID {
	chains := make([]ids.ID, 0, len(c.chains))
	for chain := range c.chains {
		chains = append(chains, chain)
	}
	return chains
}

func (c *Coordinator) enter() error {
	if err := c.guard.enter(); err != nil {
		c.metrics.IncReentrancyRejections()
		return err
	}
	return nil
}

func pendingKey(recipient ids.ShortID, token ids.ID, amount uint64) []byte {
	h := sha256.New()
	h.Write(recipient[:])
	h.Write(token[:])
	_ = binary.Write(h, binary.BigEndian, amount)
	return append(pendingPrefix, h.Sum(nil)...)
}

func (c *Coordinator) getPending(key []byte) (*pendingMint, error) {
	data, err := c.db.Get(key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	pending := &pendingMint{}
	if err := json.Unmarshal(data, pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending mint: %w", err)
	}
	return pending, nil
}

func (c *Coordinator) putPending(key []byte, pending *pendingMint) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending mint: %w", err)
	}
	return c.db.Put(key, data)
}

func (c *Coordinator) deletePending(key []byte) error {
	return c.db.Delete(key)
}

func (c *Coordinator) persistMintSeq() error {
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, c.mintSeq)
	return c.db.Put(mintSeqKey, seqBytes)
}
