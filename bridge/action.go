// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"math"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/ids"
)

const CodecVersion = 0

// Codec serializes the coordinator's actions and the canonical preimage of
// signature-authorized mints. Actions travel inside multisig or timelock
// payloads; the coordinator decodes and dispatches them on execution.
var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		lc.RegisterType(&MintAction{}),
		lc.RegisterType(&ConfigureTokenAction{}),
		lc.RegisterType(&ReleaseAction{}),
		Codec.RegisterCodec(CodecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}

// Action is a tagged coordinator payload.
type Action interface{}

// MintAction issues wrapped tokens to a recipient. Nonce is the mint
// sequence assigned when the first signer requested this mint; it makes the
// payload, and therefore the operation id, unique per authorization round.
type MintAction struct {
	Recipient ids.ShortID `serialize:"true" json:"recipient"`
	Token     ids.ID      `serialize:"true" json:"token"`
	Amount    uint64      `serialize:"true" json:"amount"`
	Nonce     uint64      `serialize:"true" json:"nonce"`
}

// ConfigureTokenAction updates a token's registry entry.
type ConfigureTokenAction struct {
	Token     ids.ID `serialize:"true" json:"token"`
	Supported bool   `serialize:"true" json:"supported"`
	Burnable  bool   `serialize:"true" json:"burnable"`
	Fee       uint64 `serialize:"true" json:"fee"`
}

// ReleaseAction pays custody funds out to the timelocked transaction's
// target. Reachable only through the scheduler.
type ReleaseAction struct {
	Token  ids.ID `serialize:"true" json:"token"`
	Amount uint64 `serialize:"true" json:"amount"`
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

// mintAuthorization is the preimage of a signature-authorized mint. The
// chain id scopes the authorization to one deployment.
type mintAuthorization struct {
	ChainID   ids.ID      `serialize:"true"`
	Recipient ids.ShortID `serialize:"true"`
	Token     ids.ID      `serialize:"true"`
	Amount    uint64      `serialize:"true"`
	Deadline  int64       `serialize:"true"`
}

// MintAuthorizationBytes builds the canonical bytes the bridge authority
// signs to authorize a single mint. Relayers and the coordinator must agree
// on this form byte for byte.
func MintAuthorizationBytes(
	chainID ids.ID,
	recipient ids.ShortID,
	token ids.ID,
	amount uint64,
	deadline int64,
) ([]byte, error) {
	return Codec.Marshal(CodecVersion, &mintAuthorization{
		ChainID:   chainID,
		Recipient: recipient,
		Token:     token,
		Amount:    amount,
		Deadline:  deadline,
	})
}
