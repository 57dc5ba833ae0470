// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package multisig

import (
	"errors"
	"math"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/ids"
)

const CodecVersion = 0

// Codec serializes operation payloads. The administrative variants form a
// closed set that the ledger dispatches on internally; anything else is
// handed to the configured Executor.
var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		lc.RegisterType(&AddSigner{}),
		lc.RegisterType(&RemoveSigner{}),
		lc.RegisterType(&SetThreshold{}),
		lc.RegisterType(&ExternalAction{}),
		Codec.RegisterCodec(CodecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}

// Action is a tagged operation payload.
type Action interface{}

// AddSigner admits a new account to the signer set.
type AddSigner struct {
	Signer ids.ShortID `serialize:"true" json:"signer"`
}

// RemoveSigner evicts an account from the signer set. Rejected at execution
// time if it would leave fewer signers than the approval threshold.
type RemoveSigner struct {
	Signer ids.ShortID `serialize:"true" json:"signer"`
}

// SetThreshold changes the number of approvals required to execute an
// operation. Rejected if zero or above the signer count.
type SetThreshold struct {
	Threshold uint32 `serialize:"true" json:"threshold"`
}

// ExternalAction wraps an opaque payload executed outside the ledger, by the
// Executor the ledger was wired with.
type ExternalAction struct {
	Data []byte `serialize:"true" json:"data"`
}

type actionWrapper struct {
	Action Action `serialize:"true"`
}

// MarshalAction encodes an action into payload bytes.
func MarshalAction(action Action) ([]byte, error) {
	return Codec.Marshal(CodecVersion, &actionWrapper{Action: action})
}

// UnmarshalAction decodes payload bytes back into a tagged action.
func UnmarshalAction(payload []byte) (Action, error) {
	wrapper := &actionWrapper{}
	if _, err := Codec.Unmarshal(payload, wrapper); err != nil {
		return nil, err
	}
	return wrapper.Action, nil
}
