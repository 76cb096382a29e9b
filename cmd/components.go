package main

import (
	"github.com/sells-group/contact-dispatch/internal/api"
	"github.com/sells-group/contact-dispatch/internal/dispatch"
	"github.com/sells-group/contact-dispatch/internal/pipeline"
	"github.com/sells-group/contact-dispatch/internal/store"
)

func newPipeline(st store.Store) (*pipeline.Pipeline, error) {
	opts := pipeline.Options{
		FuzzyThreshold:    cfg.Ingest.FuzzyThreshold,
		MergeMaxAttempts:  cfg.Ingest.MergeMaxAttempts,
		MaxConcurrency:    cfg.Ingest.MaxConcurrency,
		SourceReliability: cfg.Ingest.SourceReliability,
	}
	if cfg.Ingest.PatternsFile != "" {
		extra, err := pipeline.LoadPatterns(cfg.Ingest.PatternsFile)
		if err != nil {
			return nil, err
		}
		opts.ExtraPatterns = extra
	}
	return pipeline.New(st, st, opts), nil
}

func newSweeper(st store.Store) *dispatch.Sweeper {
	return dispatch.NewSweeper(st, st, dispatch.SweeperConfig{
		HeartbeatTimeout: cfg.Dispatch.HeartbeatTimeout(),
		Interval:         cfg.Dispatch.SweepInterval(),
		RequeueOrphans:   cfg.Dispatch.RequeueOrphans,
	})
}

// userTokens turns the configured token list into an authenticator.
func userTokens() api.StaticTokens {
	tokens := make(api.StaticTokens, len(cfg.Server.UserTokens))
	for _, ut := range cfg.Server.UserTokens {
		if ut.Token != "" && ut.UserID != "" {
			tokens[ut.Token] = ut.UserID
		}
	}
	return tokens
}

// newAPIServer wires the HTTP API over st.
func newAPIServer(st store.Store) (*api.Server, error) {
	p, err := newPipeline(st)
	if err != nil {
		return nil, err
	}
	validator, err := dispatch.NewResultValidator()
	if err != nil {
		return nil, err
	}
	return api.NewServer(api.Deps{
		Ingester:     p,
		Registry:     dispatch.NewRegistry(st, cfg.Dispatch.PollingInterval()),
		Dispatcher:   dispatch.NewDispatcher(st, st, cfg.Dispatch.ClaimBatchSize, cfg.Dispatch.ClaimProgress),
		Reporter:     dispatch.NewReporter(st, validator),
		Operator:     dispatch.NewOperator(st, st),
		Users:        userTokens(),
		ServiceToken: cfg.Server.ServiceToken,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Health:       st.Ping,
	}), nil
}
