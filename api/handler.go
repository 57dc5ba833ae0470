// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/luxfi/utils/json"

	"github.com/luxfi/bridge/metrics"
)

// NewHandler builds the JSON-RPC handler serving the "bridge" namespace,
// with per-request metrics interception.
func NewHandler(service *Service, mets metrics.Metrics) (http.Handler, error) {
	codec := json.NewCodec()

	server := rpc.NewServer()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	server.RegisterInterceptFunc(mets.InterceptRequest)
	server.RegisterAfterFunc(mets.AfterRequest)
	if err := server.RegisterService(service, "bridge"); err != nil {
		return nil, err
	}
	return server, nil
}
