// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the bridge operations over JSON-RPC.
package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/version"

	"github.com/luxfi/bridge/bridge"
	"github.com/luxfi/bridge/deposits"
	"github.com/luxfi/bridge/multisig"
	"github.com/luxfi/bridge/oracle"
	"github.com/luxfi/bridge/timelock"
	"github.com/luxfi/bridge/utils/json"
)

// Service is the "bridge" JSON-RPC namespace.
type Service struct {
	coordinator *bridge.Coordinator
	approvals   *multisig.Ledger
	scheduler   *timelock.Scheduler
	deposits    *deposits.Ledger
	oracle      *oracle.Oracle
}

func NewService(
	coordinator *bridge.Coordinator,
	approvals *multisig.Ledger,
	scheduler *timelock.Scheduler,
	depositLedger *deposits.Ledger,
	priceOracle *oracle.Oracle,
) *Service {
	return &Service{
		coordinator: coordinator,
		approvals:   approvals,
		scheduler:   scheduler,
		deposits:    depositLedger,
		oracle:      priceOracle,
	}
}

type StatusReply struct {
	Version string `json:"version"`
}

func (*Service) Status(_ *http.Request, _ *struct{}, reply *StatusReply) error {
	reply.Version = version.Current.String()
	return nil
}

type LockArgs struct {
	Caller           string      `json:"caller"`
	Token            string      `json:"token"`
	Amount           json.Uint64 `json:"amount"`
	DestinationChain string      `json:"destinationChain"`
}

type LockReply struct {
	DepositID json.Uint64 `json:"depositId"` //nolint:tagliatelle
}

func (s *Service) Lock(_ *http.Request, args *LockArgs, reply *LockReply) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	chain, err := ids.FromString(args.DestinationChain)
	if err != nil {
		return fmt.Errorf("invalid destination chain: %w", err)
	}

	depositID, err := s.coordinator.LockTokens(caller, token, uint64(args.Amount), chain)
	if err != nil {
		return err
	}
	reply.DepositID = json.Uint64(depositID)
	return nil
}

type UnlockArgs struct {
	Operator    string      `json:"operator"`
	DepositID   json.Uint64 `json:"depositId"` //nolint:tagliatelle
	SourceChain string      `json:"sourceChain"`
}

func (s *Service) Unlock(_ *http.Request, args *UnlockArgs, _ *struct{}) error {
	operator, err := ids.ShortFromString(args.Operator)
	if err != nil {
		return fmt.Errorf("invalid operator: %w", err)
	}
	chain, err := ids.FromString(args.SourceChain)
	if err != nil {
		return fmt.Errorf("invalid source chain: %w", err)
	}
	return s.coordinator.UnlockTokens(operator, uint64(args.DepositID), chain)
}

type MintArgs struct {
	Signer    string      `json:"signer"`
	Recipient string      `json:"recipient"`
	Token     string      `json:"token"`
	Amount    json.Uint64 `json:"amount"`
}

type MintReply struct {
	OperationID string `json:"operationId"` //nolint:tagliatelle
	Minted      bool   `json:"minted"`
}

// Mint records the signer's approval for a mint and reports whether the
// quorum was reached and the mint performed.
func (s *Service) Mint(_ *http.Request, args *MintArgs, reply *MintReply) error {
	signer, err := ids.ShortFromString(args.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}
	recipient, err := ids.ShortFromString(args.Recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	opID, err := s.coordinator.Mint(signer, recipient, token, uint64(args.Amount))
	switch {
	case err == nil:
		reply.Minted = true
	case errors.Is(err, bridge.ErrQuorumPending):
	default:
		return err
	}
	reply.OperationID = opID.String()
	return nil
}

type MintWithSignatureArgs struct {
	Submitter string      `json:"submitter"`
	Recipient string      `json:"recipient"`
	Token     string      `json:"token"`
	Amount    json.Uint64 `json:"amount"`
	Deadline  int64       `json:"deadline"`
	Signature []byte      `json:"signature"`
}

func (s *Service) MintWithSignature(_ *http.Request, args *MintWithSignatureArgs, _ *struct{}) error {
	submitter, err := ids.ShortFromString(args.Submitter)
	if err != nil {
		return fmt.Errorf("invalid submitter: %w", err)
	}
	recipient, err := ids.ShortFromString(args.Recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return s.coordinator.MintWithSignature(
		submitter,
		recipient,
		token,
		uint64(args.Amount),
		args.Deadline,
		args.Signature,
	)
}

type BurnArgs struct {
	Caller string      `json:"caller"`
	Token  string      `json:"token"`
	Amount json.Uint64 `json:"amount"`
}

func (s *Service) Burn(_ *http.Request, args *BurnArgs, _ *struct{}) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return s.coordinator.Burn(caller, token, uint64(args.Amount))
}

type ConfigureTokenArgs struct {
	Signer    string      `json:"signer"`
	Token     string      `json:"token"`
	Supported bool        `json:"supported"`
	Burnable  bool        `json:"burnable"`
	Fee       json.Uint64 `json:"fee"`
}

type OperationReply struct {
	OperationID string `json:"operationId"` //nolint:tagliatelle
}

func (s *Service) ConfigureToken(_ *http.Request, args *ConfigureTokenArgs, reply *OperationReply) error {
	signer, err := ids.ShortFromString(args.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	opID, err := s.coordinator.ConfigureToken(signer, token, args.Supported, args.Burnable, uint64(args.Fee))
	if err != nil {
		return err
	}
	reply.OperationID = opID.String()
	return nil
}

type EmergencyWithdrawArgs struct {
	Operator string      `json:"operator"`
	Token    string      `json:"token"`
	To       string      `json:"to"`
	Amount   json.Uint64 `json:"amount"`
}

func (s *Service) EmergencyWithdraw(_ *http.Request, args *EmergencyWithdrawArgs, _ *struct{}) error {
	operator, err := ids.ShortFromString(args.Operator)
	if err != nil {
		return fmt.Errorf("invalid operator: %w", err)
	}
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	to, err := ids.ShortFromString(args.To)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	return s.coordinator.EmergencyWithdraw(operator, token, to, uint64(args.Amount))
}

type ApproveArgs struct {
	Signer      string `json:"signer"`
	OperationID string `json:"operationId"` //nolint:tagliatelle
}

func (s *Service) Approve(_ *http.Request, args *ApproveArgs, _ *struct{}) error {
	signer, opID, err := parseSignerOp(args.Signer, args.OperationID)
	if err != nil {
		return err
	}
	return s.approvals.ApproveOperation(signer, opID)
}

func (s *Service) Revoke(_ *http.Request, args *ApproveArgs, _ *struct{}) error {
	signer, opID, err := parseSignerOp(args.Signer, args.OperationID)
	if err != nil {
		return err
	}
	return s.approvals.RevokeApproval(signer, opID)
}

func (s *Service) Execute(_ *http.Request, args *ApproveArgs, _ *struct{}) error {
	signer, opID, err := parseSignerOp(args.Signer, args.OperationID)
	if err != nil {
		return err
	}
	return s.approvals.ExecuteOperation(signer, opID)
}

func (s *Service) Cancel(_ *http.Request, args *ApproveArgs, _ *struct{}) error {
	signer, opID, err := parseSignerOp(args.Signer, args.OperationID)
	if err != nil {
		return err
	}
	return s.approvals.CancelOperation(signer, opID)
}

func parseSignerOp(signerStr, opStr string) (ids.ShortID, ids.ID, error) {
	signer, err := ids.ShortFromString(signerStr)
	if err != nil {
		return ids.ShortEmpty, ids.Empty, fmt.Errorf("invalid signer: %w", err)
	}
	opID, err := ids.FromString(opStr)
	if err != nil {
		return ids.ShortEmpty, ids.Empty, fmt.Errorf("invalid operation id: %w", err)
	}
	return signer, opID, nil
}

type ScheduleArgs struct {
	Proposer string      `json:"proposer"`
	Target   string      `json:"target"`
	Value    json.Uint64 `json:"value"`
	Payload  []byte      `json:"payload"`
}

type ScheduleReply struct {
	TxID string `json:"txId"` //nolint:tagliatelle
}

func (s *Service) Schedule(_ *http.Request, args *ScheduleArgs, reply *ScheduleReply) error {
	proposer, err := ids.ShortFromString(args.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer: %w", err)
	}
	target, err := ids.ShortFromString(args.Target)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	txID, err := s.scheduler.Schedule(proposer, target, uint64(args.Value), args.Payload)
	if err != nil {
		return err
	}
	reply.TxID = txID.String()
	return nil
}

type TimelockTxArgs struct {
	Caller string `json:"caller"`
	TxID   string `json:"txId"` //nolint:tagliatelle
}

func (s *Service) ExecuteTimelocked(_ *http.Request, args *TimelockTxArgs, _ *struct{}) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	txID, err := ids.FromString(args.TxID)
	if err != nil {
		return fmt.Errorf("invalid tx id: %w", err)
	}
	return s.scheduler.Execute(caller, txID)
}

func (s *Service) CancelTimelocked(_ *http.Request, args *TimelockTxArgs, _ *struct{}) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	txID, err := ids.FromString(args.TxID)
	if err != nil {
		return fmt.Errorf("invalid tx id: %w", err)
	}
	return s.scheduler.Cancel(caller, txID)
}

type UpdateMinDelayArgs struct {
	Admin        string      `json:"admin"`
	DelaySeconds json.Uint64 `json:"delaySeconds"`
}

func (s *Service) UpdateMinDelay(_ *http.Request, args *UpdateMinDelayArgs, _ *struct{}) error {
	admin, err := ids.ShortFromString(args.Admin)
	if err != nil {
		return fmt.Errorf("invalid admin: %w", err)
	}
	return s.scheduler.UpdateMinDelay(admin, time.Duration(args.DelaySeconds)*time.Second)
}

type GetDepositArgs struct {
	DepositID json.Uint64 `json:"depositId"` //nolint:tagliatelle
}

type GetDepositReply struct {
	Deposit *deposits.Deposit `json:"deposit"`
	Status  string            `json:"status"`
}

func (s *Service) GetDeposit(_ *http.Request, args *GetDepositArgs, reply *GetDepositReply) error {
	dep, err := s.deposits.GetDeposit(uint64(args.DepositID))
	if err != nil {
		return err
	}
	reply.Deposit = dep
	reply.Status = dep.Status.String()
	return nil
}

type DepositCountReply struct {
	Count json.Uint64 `json:"count"`
}

func (s *Service) DepositCount(_ *http.Request, _ *struct{}, reply *DepositCountReply) error {
	reply.Count = json.Uint64(s.deposits.DepositCount())
	return nil
}

type GetSignersReply struct {
	Signers   []string    `json:"signers"`
	Threshold json.Uint32 `json:"threshold"`
}

func (s *Service) GetSigners(_ *http.Request, _ *struct{}, reply *GetSignersReply) error {
	for _, signer := range s.approvals.GetSigners() {
		reply.Signers = append(reply.Signers, signer.String())
	}
	reply.Threshold = json.Uint32(s.approvals.Threshold())
	return nil
}

type GetOperationArgs struct {
	OperationID string `json:"operationId"` //nolint:tagliatelle
}

type GetOperationReply struct {
	Operation *multisig.Operation `json:"operation"`
	Approvers []string            `json:"approvers"`
}

func (s *Service) GetOperation(_ *http.Request, args *GetOperationArgs, reply *GetOperationReply) error {
	opID, err := ids.FromString(args.OperationID)
	if err != nil {
		return fmt.Errorf("invalid operation id: %w", err)
	}
	op, err := s.approvals.GetOperation(opID)
	if err != nil {
		return err
	}
	reply.Operation = op
	for _, approver := range op.Approvers {
		reply.Approvers = append(reply.Approvers, approver.String())
	}
	return nil
}

type GetTimelockTxArgs struct {
	TxID string `json:"txId"` //nolint:tagliatelle
}

type GetTimelockTxReply struct {
	Transaction *timelock.Transaction `json:"transaction"`
}

func (s *Service) GetTimelockTx(_ *http.Request, args *GetTimelockTxArgs, reply *GetTimelockTxReply) error {
	txID, err := ids.FromString(args.TxID)
	if err != nil {
		return fmt.Errorf("invalid tx id: %w", err)
	}
	tx, err := s.scheduler.GetTransaction(txID)
	if err != nil {
		return err
	}
	reply.Transaction = tx
	return nil
}

type GetTokenConfigArgs struct {
	Token string `json:"token"`
}

type GetTokenConfigReply struct {
	Config *bridge.TokenConfig `json:"config"`
}

func (s *Service) GetTokenConfig(_ *http.Request, args *GetTokenConfigArgs, reply *GetTokenConfigReply) error {
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	cfg, err := s.coordinator.GetTokenConfig(token)
	if err != nil {
		return err
	}
	reply.Config = cfg
	return nil
}

type PriceArgs struct {
	Token string `json:"token"`
}

type PriceReply struct {
	Price string `json:"price"`
	Last  string `json:"last"`
}

// Price serves the informational TWAP and last price of a token.
func (s *Service) Price(_ *http.Request, args *PriceArgs, reply *PriceReply) error {
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	price, err := s.oracle.Price(token)
	if err != nil {
		return err
	}
	last, err := s.oracle.LastPrice(token)
	if err != nil {
		return err
	}
	reply.Price = price.String()
	reply.Last = last.String()
	return nil
}

type RecordPriceArgs struct {
	Token string `json:"token"`
	Price string `json:"price"`
}

// RecordPrice feeds one price observation into the oracle.
func (s *Service) RecordPrice(_ *http.Request, args *RecordPriceArgs, _ *struct{}) error {
	token, err := ids.FromString(args.Token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	price, ok := new(big.Int).SetString(args.Price, 10)
	if !ok {
		return fmt.Errorf("invalid price %q", args.Price)
	}
	s.oracle.Record(token, price)
	return nil
}
