// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sigverify validates externally produced secp256k1 signatures and
// records consumed ones so that a given (digest, signature) pair authorizes
// at most one action.
package sigverify

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/crypto/secp256k1"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

// domainTag separates bridge signatures from every other protocol that signs
// with the same keys. It prefixes the raw message digest before hashing.
const domainTag = "lux-bridge-v1"

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidSignatureValues = errors.New("invalid signature values")
	ErrWrongSigner            = errors.New("signature does not recover expected signer")
	ErrExpiredSignature       = errors.New("signature deadline passed")
	ErrUsedSignature          = errors.New("signature already consumed")
)

var usedSigPrefix = []byte("us:")

// halfOrder is floor(N/2) of the secp256k1 group order. A signature with S
// above it has a second valid encoding (N-S, recovery bit flipped) that
// recovers the same address, so only the low-S form is accepted.
var halfOrder, _ = new(big.Int).SetString(
	"7fffffffffffffffffffffffffffffff5d576e7357a4501ddfe92f46681b20a0",
	16,
)

// Digest builds the signing digest for a raw message: the domain tag is
// hashed in ahead of the message so signatures cannot be replayed across
// protocols.
func Digest(msg []byte) ids.ID {
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write(msg)

	var digest ids.ID
	copy(digest[:], h.Sum(nil))
	return digest
}

// consumptionKey fingerprints a (digest, signature) pair. Membership of this
// key in the used set is permanent.
func consumptionKey(digest ids.ID, sig []byte) []byte {
	h := sha256.New()
	h.Write(digest[:])
	h.Write(sig)
	return append(usedSigPrefix, h.Sum(nil)...)
}

// Verifier checks recoverable signatures against expected signer addresses
// and persists the set of consumed signatures.
type Verifier struct {
	db        database.Database
	mu        sync.Mutex
	clock     *mockable.Clock
	log       log.Logger
	publisher events.Publisher
	chainID   ids.ID
}

func New(
	db database.Database,
	chainID ids.ID,
	clock *mockable.Clock,
	logger log.Logger,
	publisher events.Publisher,
) *Verifier {
	return &Verifier{
		db:        db,
		clock:     clock,
		log:       logger,
		publisher: publisher,
		chainID:   chainID,
	}
}

// Verify checks that sig is a well-formed, canonical signature over digest
// that recovers to signer. It never mutates state.
func (*Verifier) Verify(signer ids.ShortID, digest ids.ID, sig []byte) error {
	if len(sig) != secp256k1.SignatureLen {
		return fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(sig))
	}

	// Recovery accepts both encodings of a signature, so the low-S form
	// must be enforced before recovering.
	s := new(big.Int).SetBytes(sig[32:64])
	if s.Sign() == 0 || s.Cmp(halfOrder) > 0 {
		return fmt.Errorf("%w: non-canonical S", ErrInvalidSignatureValues)
	}

	pub, err := secp256k1.RecoverPublicKeyFromHash(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignatureValues, err)
	}

	addr := pub.Address()
	if addr == ids.ShortEmpty {
		return ErrInvalidSignatureValues
	}
	if addr != signer {
		return ErrWrongSigner
	}
	return nil
}

// VerifyAndConsume verifies sig over digest against signer and, on success,
// permanently records the (digest, signature) pair. The membership check and
// the record write happen under one lock; no external call intervenes.
// A deadline of 0 means the signature never expires.
func (v *Verifier) VerifyAndConsume(
	signer ids.ShortID,
	digest ids.ID,
	sig []byte,
	deadline int64,
) error {
	if deadline != 0 && v.clock.Time().Unix() > deadline {
		return ErrExpiredSignature
	}
	if err := v.Verify(signer, digest, sig); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := consumptionKey(digest, sig)
	switch _, err := v.db.Get(key); {
	case err == nil:
		return ErrUsedSignature
	case !errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("failed to check used signature: %w", err)
	}

	if err := v.db.Put(key, nil); err != nil {
		return fmt.Errorf("failed to record used signature: %w", err)
	}

	v.log.Debug("signature consumed",
		log.Stringer("signer", signer),
		log.Stringer("digest", digest),
	)
	v.publisher.Publish(&events.Event{
		Type:     events.TypeSignatureConsumed,
		ChainID:  v.chainID,
		ID:       digest,
		Accounts: []ids.ShortID{signer},
	})
	return nil
}
