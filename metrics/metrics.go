// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"errors"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/luxfi/metric"
)

var (
	_ Metrics = (*metricsImpl)(nil)
	_ Metrics = noop{}
)

type Metrics interface {
	metric.APIInterceptor

	IncLocks()
	IncUnlocks()
	IncMints()
	IncBurns()
	IncApprovals()
	IncExecutedOperations()
	IncConsumedSignatures()
	IncReentrancyRejections()
	IncEmergencyWithdraws()
}

type metricsImpl struct {
	numLocks, numUnlocks, numMints, numBurns metric.Counter

	numApprovals, numExecutedOperations metric.Counter

	numConsumedSignatures, numReentrancyRejections, numEmergencyWithdraws metric.Counter

	metric.APIInterceptor
}

func (m *metricsImpl) IncLocks()                { m.numLocks.Inc() }
func (m *metricsImpl) IncUnlocks()              { m.numUnlocks.Inc() }
func (m *metricsImpl) IncMints()                { m.numMints.Inc() }
func (m *metricsImpl) IncBurns()                { m.numBurns.Inc() }
func (m *metricsImpl) IncApprovals()            { m.numApprovals.Inc() }
func (m *metricsImpl) IncExecutedOperations()   { m.numExecutedOperations.Inc() }
func (m *metricsImpl) IncConsumedSignatures()   { m.numConsumedSignatures.Inc() }
func (m *metricsImpl) IncReentrancyRejections() { m.numReentrancyRejections.Inc() }
func (m *metricsImpl) IncEmergencyWithdraws()   { m.numEmergencyWithdraws.Inc() }

func New(registerer metric.Registerer) (Metrics, error) {
	registry, ok := registerer.(metric.Registry)
	if !ok {
		return nil, errors.New("registerer must implement metric.Registry")
	}

	m := &metricsImpl{}
	m.numLocks = metric.NewCounter(metric.CounterOpts{
		Name: "locks",
		Help: "Number of successful token locks",
	})
	m.numUnlocks = metric.NewCounter(metric.CounterOpts{
		Name: "unlocks",
		Help: "Number of successful token unlocks",
	})
	m.numMints = metric.NewCounter(metric.CounterOpts{
		Name: "mints",
		Help: "Number of successful wrapped-token mints",
	})
	m.numBurns = metric.NewCounter(metric.CounterOpts{
		Name: "burns",
		Help: "Number of successful wrapped-token burns",
	})
	m.numApprovals = metric.NewCounter(metric.CounterOpts{
		Name: "approvals",
		Help: "Number of operation approvals recorded",
	})
	m.numExecutedOperations = metric.NewCounter(metric.CounterOpts{
		Name: "executed_operations",
		Help: "Number of operations executed after reaching quorum",
	})
	m.numConsumedSignatures = metric.NewCounter(metric.CounterOpts{
		Name: "consumed_signatures",
		Help: "Number of authorization signatures consumed",
	})
	m.numReentrancyRejections = metric.NewCounter(metric.CounterOpts{
		Name: "reentrancy_rejections",
		Help: "Number of entry attempts rejected by the re-entrancy guard",
	})
	m.numEmergencyWithdraws = metric.NewCounter(metric.CounterOpts{
		Name: "emergency_withdraws",
		Help: "Number of emergency withdrawals performed",
	})

	apiRequestMetric, err := metric.NewAPIInterceptor(registry)
	m.APIInterceptor = apiRequestMetric
	return m, err
}

// noop satisfies Metrics without a registry. Used by tests and by
// components constructed without metrics.
type noop struct{}

func NewNoOp() Metrics { return noop{} }

func (noop) InterceptRequest(i *rpc.RequestInfo) *http.Request { return i.Request }
func (noop) AfterRequest(*rpc.RequestInfo)                     {}
func (noop) IncLocks()                                         {}
func (noop) IncUnlocks()                                       {}
func (noop) IncMints()                                         {}
func (noop) IncBurns()                                         {}
func (noop) IncApprovals()                                     {}
func (noop) IncExecutedOperations()                            {}
func (noop) IncConsumedSignatures()                            {}
func (noop) IncReentrancyRejections()                          {}
func (noop) IncEmergencyWithdraws()                            {}
