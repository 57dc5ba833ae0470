// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bridge/utils/timer/mockable"
)

func newTestOracle(t *testing.T) (*Oracle, *mockable.Clock) {
	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))
	o, err := New(30*time.Minute, clock)
	require.NoError(t, err)
	return o, clock
}

func TestNewRejectsBadWindow(t *testing.T) {
	_, err := New(0, &mockable.Clock{})
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestNoObservations(t *testing.T) {
	o, _ := newTestOracle(t)
	token := ids.GenerateTestID()

	_, err := o.Price(token)
	require.ErrorIs(t, err, ErrNoObservations)
	_, err = o.LastPrice(token)
	require.ErrorIs(t, err, ErrNoObservations)
}

func TestSingleObservation(t *testing.T) {
	o, _ := newTestOracle(t)
	token := ids.GenerateTestID()

	o.Record(token, big.NewInt(100))

	price, err := o.Price(token)
	require.NoError(t, err)
	require.Equal(t, int64(100), price.Int64())
}

func TestTimeWeightedAverage(t *testing.T) {
	o, clock := newTestOracle(t)
	token := ids.GenerateTestID()

	// 100 for ten minutes, then 200 for ten minutes.
	o.Record(token, big.NewInt(100))
	clock.Set(clock.Time().Add(10 * time.Minute))
	o.Record(token, big.NewInt(200))
	clock.Set(clock.Time().Add(10 * time.Minute))

	price, err := o.Price(token)
	require.NoError(t, err)
	require.Equal(t, int64(150), price.Int64())

	last, err := o.LastPrice(token)
	require.NoError(t, err)
	require.Equal(t, int64(200), last.Int64())
}

func TestStaleObservationsStillServeLast(t *testing.T) {
	o, clock := newTestOracle(t)
	token := ids.GenerateTestID()

	o.Record(token, big.NewInt(75))
	clock.Set(clock.Time().Add(45 * time.Minute))

	price, err := o.Price(token)
	require.NoError(t, err)
	require.Equal(t, int64(75), price.Int64())
}

func TestNonPositivePricesDropped(t *testing.T) {
	o, _ := newTestOracle(t)
	token := ids.GenerateTestID()

	o.Record(token, nil)
	o.Record(token, big.NewInt(0))
	o.Record(token, big.NewInt(-5))
	require.Zero(t, o.ObservationCount(token))
}

func TestTokensAreIndependent(t *testing.T) {
	o, _ := newTestOracle(t)
	a := ids.GenerateTestID()
	b := ids.GenerateTestID()

	o.Record(a, big.NewInt(10))

	_, err := o.Price(b)
	require.ErrorIs(t, err, ErrNoObservations)
	require.Equal(t, 1, o.ObservationCount(a))
	require.Zero(t, o.ObservationCount(b))
}
