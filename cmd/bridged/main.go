// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// bridged runs a standalone bridge coordinator with its JSON-RPC and event
// endpoints.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/pubsub"
	"github.com/spf13/cobra"

	"github.com/luxfi/bridge/api"
	"github.com/luxfi/bridge/authz"
	"github.com/luxfi/bridge/bridge"
	"github.com/luxfi/bridge/config"
	"github.com/luxfi/bridge/deposits"
	"github.com/luxfi/bridge/events"
	"github.com/luxfi/bridge/metrics"
	"github.com/luxfi/bridge/multisig"
	"github.com/luxfi/bridge/oracle"
	"github.com/luxfi/bridge/sigverify"
	"github.com/luxfi/bridge/timelock"
	"github.com/luxfi/bridge/utils/timer/mockable"
)

const configFlag = "config"

func main() {
	cmd := &cobra.Command{
		Use:   "bridged",
		Short: "Runs the bridge coordinator daemon",
		RunE:  runFunc,
	}
	cmd.Flags().String(configFlag, "", "Path to the JSON config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFunc(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return err
	}
	var configBytes []byte
	if configPath != "" {
		configBytes, err = os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := config.Load(configBytes)
	if err != nil {
		return err
	}

	logger := log.NewLogger("bridged")
	clock := &mockable.Clock{}
	db := memdb.New()

	registry := metric.NewRegistry()
	mets, err := metrics.New(registry)
	if err != nil {
		return err
	}

	pubsubServer := pubsub.New(logger)
	publisher := events.NewServer(pubsubServer)

	grants := authz.NewGrants()
	grants.Grant(cfg.BridgeAccount, authz.Controller)
	grantAll(grants, cfg.Operators, authz.Operator)
	grantAll(grants, cfg.Proposers, authz.Proposer)
	grantAll(grants, cfg.Executors, authz.Executor)
	grantAll(grants, cfg.Admins, authz.Admin)

	verifier := sigverify.New(
		prefixdb.New([]byte("sigverify"), db),
		cfg.ChainID,
		clock,
		logger,
		publisher,
	)
	approvals, err := multisig.New(
		prefixdb.New([]byte("multisig"), db),
		cfg.ChainID,
		cfg.Signers,
		cfg.RequiredApprovals,
		clock,
		logger,
		publisher,
	)
	if err != nil {
		return err
	}
	scheduler, err := timelock.New(
		prefixdb.New([]byte("timelock"), db),
		cfg.ChainID,
		cfg.MinDelay,
		grants,
		clock,
		logger,
		publisher,
	)
	if err != nil {
		return err
	}
	depositLedger, err := deposits.New(
		prefixdb.New([]byte("deposits"), db),
		cfg.ChainID,
		grants,
		clock,
		logger,
		publisher,
	)
	if err != nil {
		return err
	}

	coordinator, err := bridge.New(
		prefixdb.New([]byte("bridge"), db),
		bridge.Config{
			ChainID:         cfg.ChainID,
			Self:            cfg.BridgeAccount,
			Authority:       cfg.Authority,
			SupportedChains: cfg.SupportedChains,
		},
		bridge.NewInMemoryVault(),
		depositLedger,
		approvals,
		scheduler,
		verifier,
		grants,
		clock,
		logger,
		publisher,
		mets,
	)
	if err != nil {
		return err
	}

	priceOracle, err := oracle.New(oracle.DefaultWindow, clock)
	if err != nil {
		return err
	}

	service := api.NewService(coordinator, approvals, scheduler, depositLedger, priceOracle)
	handler, err := api.NewHandler(service, mets)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Handle("/rpc", handler)
	router.Handle("/events", pubsubServer)

	logger.Info("bridge daemon listening",
		log.String("addr", cfg.HTTPAddr),
		log.Stringer("chainID", cfg.ChainID),
		log.Int("signers", len(cfg.Signers)),
	)
	return http.ListenAndServe(cfg.HTTPAddr, router)
}

func grantAll(grants *authz.Grants, accounts []ids.ShortID, capability ids.ID) {
	for _, account := range accounts {
		grants.Grant(account, capability)
	}
}
