// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events carries the structured notifications emitted by every
// state-changing bridge entry point. Off-chain relayers subscribe to these
// through the pubsub server; they are the only channel by which the two
// chains coordinate.
package events

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/pubsub"
)

type Type string

const (
	TypeLock              Type = "lock"
	TypeUnlock            Type = "unlock"
	TypeMint              Type = "mint"
	TypeBurn              Type = "burn"
	TypeEmergencyWithdraw Type = "emergencyWithdraw"

	TypeOperationCreated  Type = "operationCreated"
	TypeOperationApproved Type = "operationApproved"
	TypeApprovalRevoked   Type = "approvalRevoked"
	TypeOperationExecuted Type = "operationExecuted"
	TypeOperationCanceled Type = "operationCanceled"

	TypeTxScheduled Type = "txScheduled"
	TypeTxExecuted  Type = "txExecuted"
	TypeTxCanceled  Type = "txCanceled"

	TypeDepositCreated Type = "depositCreated"
	TypeDepositStatus  Type = "depositStatus"

	TypeSignatureConsumed Type = "signatureConsumed"
	TypeTokenConfigured   Type = "tokenConfigured"
)

// Event is a single notification. Not every field is meaningful for every
// type; zero values are omitted from the JSON form.
type Event struct {
	Type      Type          `json:"type"`
	ChainID   ids.ID        `json:"chainId"`
	ID        ids.ID        `json:"id,omitempty"`        // operation / tx / digest id
	DepositID uint64        `json:"depositId,omitempty"` //nolint:tagliatelle
	Token     ids.ID        `json:"token,omitempty"`
	Amount    uint64        `json:"amount,omitempty"`
	Count     int           `json:"count,omitempty"` // resulting approval count
	Status    string        `json:"status,omitempty"`
	Accounts  []ids.ShortID `json:"accounts,omitempty"` // affected accounts
}

// Filter matches the interest of one pubsub subscription against the
// accounts an event touches.
func (e *Event) Filter(filters []pubsub.Filter) ([]bool, interface{}) {
	resp := make([]bool, len(filters))
	for i, f := range filters {
		for _, addr := range e.Accounts {
			if f.Check(addr[:]) {
				resp[i] = true
				break
			}
		}
	}
	return resp, e
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(*Event)
}

// NoOp drops every event. Used by tests and by components constructed
// without a pubsub server.
type NoOp struct{}

func (NoOp) Publish(*Event) {}

// Server adapts a pubsub server to the Publisher interface.
type Server struct {
	srv *pubsub.Server
}

func NewServer(srv *pubsub.Server) *Server {
	return &Server{srv: srv}
}

func (s *Server) Publish(e *Event) {
	s.srv.Publish(e)
}
