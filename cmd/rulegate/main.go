package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rulegate/internal/api"
	"rulegate/internal/client"
	"rulegate/internal/config"
	"rulegate/internal/dns"
	"rulegate/internal/logging"
	"rulegate/internal/metrics"
	"rulegate/internal/resolver"
	"rulegate/internal/ruleset"
	"rulegate/internal/server"
	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
	"rulegate/pkg/runloop"
)

const (
	resolveCacheTTL  = 5 * time.Minute
	resolveCacheSize = 10000
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Err(err).Msg("rulegate stopped with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("rulegate DNS sidecar starting")
	log.Info().Msgf("Listening on: %s", cfg.ListenAddr)
	log.Info().Msgf("Upstream DNS: %s", cfg.UpstreamDNS)
	if cfg.ControllerURL != "" {
		log.Info().Msgf("Controller URL: %s (mode %s)", cfg.ControllerURL, cfg.Mode)
	}
	log.Info().Msgf("Metrics endpoint: http://%s/metrics", cfg.MetricsAddr)

	loop := runloop.New(
		runloop.WithMaxInflight(cfg.MaxInflight),
		runloop.WithLogger(logging.Component("runloop")),
	)
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	manager := rule.NewManager(loop,
		rule.WithLogger(logging.Component("rules")),
		rule.WithObserver(metrics.Observer{}),
	)
	defer manager.Close()

	doh, res, err := newResolvers(cfg)
	if err != nil {
		return err
	}

	rs, err := loadRuleSet(ctx, cfg)
	if err != nil {
		return err
	}

	n, err := ruleset.Apply(manager, rs, ruleset.Deps{Resolver: res})
	if err != nil {
		return fmt.Errorf("apply rule set %q: %w", rs.Name, err)
	}
	metrics.RulesLoaded.Set(float64(n))
	log.Info().Msgf("Loaded %d rules from rule set %q", n, rs.Name)

	defaultPolicy := cfg.DefaultPolicy
	if defaultPolicy == "" {
		defaultPolicy = rs.Spec.DefaultPolicy
	}
	if defaultPolicy == "" {
		defaultPolicy = ruleset.PolicyDirect
	}

	handler := dns.NewHandler(manager, cfg.UpstreamDNS, defaultPolicy, cfg.MatchTimeout, cfg.Verbose)
	if doh != nil {
		handler.DoH = doh
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metrics.StartMetricsServer(gctx, cfg.MetricsAddr)
	})
	if cfg.APIAddr != "" {
		g.Go(func() error {
			return api.NewServer(cfg.APIAddr, cfg.Verbose, handler, manager).Start(gctx)
		})
	}
	g.Go(func() error {
		return server.NewUDPServer(cfg.ListenAddr, handler, cfg.Verbose).Start(gctx)
	})
	g.Go(func() error {
		return server.NewTCPServer(cfg.ListenAddr, handler, cfg.Verbose).Start(gctx)
	})
	g.Go(func() error {
		select {
		case err := <-loopErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("runloop: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	log.Info().Msg("rulegate shutting down")

	return err
}

// newResolvers returns the DoH client, if configured, and the cached resolver
// CIDR rules use to resolve hosts.
func newResolvers(cfg *config.Config) (*resolver.DoH, rules.Resolver, error) {
	if cfg.DoHURL == "" {
		return nil, resolver.NewCached(resolver.System{}, resolveCacheTTL, resolveCacheSize), nil
	}

	doh, err := resolver.NewDoH(resolver.DoHConfig{ServerURL: cfg.DoHURL})
	if err != nil {
		return nil, nil, err
	}

	return doh, resolver.NewCached(doh, resolveCacheTTL, resolveCacheSize), nil
}

func loadRuleSet(ctx context.Context, cfg *config.Config) (*ruleset.RuleSet, error) {
	if cfg.ControllerURL != "" {
		fetcher := client.NewFetcher(cfg.ControllerURL, cfg.ConfigHash, cfg.Mode, cfg.Verbose)
		rs, err := fetcher.Fetch(ctx)
		if err == nil {
			return rs, nil
		}
		if cfg.RulesFile == "" {
			return nil, fmt.Errorf("no rule set available: %w", err)
		}
		log.Warn().Msgf("Falling back to local rules file %s", cfg.RulesFile)
	}

	if cfg.RulesFile != "" {
		return ruleset.LoadFile(cfg.RulesFile)
	}

	log.Warn().Msg("No controller URL or rules file specified, running without rules")

	return ruleset.Empty(), nil
}
