package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"rulegate/internal/config"
	"rulegate/internal/metrics"
	"rulegate/internal/ruleset"
)

// Fetcher downloads the RuleSet for this sidecar from the controller.
type Fetcher struct {
	controllerURL   string
	configHash      string
	operationalMode string
	verbose         bool
	httpClient      *http.Client
}

func NewFetcher(controllerURL, configHash, operationalMode string, verbose bool) *Fetcher {
	return &Fetcher{
		controllerURL:   controllerURL,
		configHash:      configHash,
		operationalMode: operationalMode,
		verbose:         verbose,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fetch retrieves the RuleSet once. In strict mode any failure yields the
// block-all rule set instead of an error; in balance mode the error is
// returned so the caller can fall back to local rules.
func (f *Fetcher) Fetch(ctx context.Context) (*ruleset.RuleSet, error) {
	if f.configHash == "" {
		log.Warn().Msg("DNS_MESH_CONFIG_HASH is not set, the controller may not recognise this sidecar")
	}

	rs, err := f.fetch(ctx)
	if err == nil {
		if f.verbose {
			log.Info().Msgf("Fetched rule set %q with %d rules from controller", rs.Name, len(rs.Spec.Rules))
		}
		return rs, nil
	}

	metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeRuleSetFetch, "controller").Inc()
	log.Err(err).Msgf("Error fetching rule set, operational mode is %s", f.operationalMode)

	if f.operationalMode == config.ModeStrict {
		return ruleset.BlockAll(ruleset.PolicyBlock), nil
	}

	return nil, err
}

func (f *Fetcher) fetch(ctx context.Context) (*ruleset.RuleSet, error) {
	u, err := url.Parse(f.controllerURL)
	if err != nil {
		return nil, fmt.Errorf("parse controller URL: %w", err)
	}
	u = u.JoinPath("api", "rulesets")
	q := u.Query()
	q.Set("hash", f.configHash)
	u.RawQuery = q.Encode()

	if f.verbose {
		log.Info().Msgf("Fetching rule set from controller: %s", u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rule set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from controller: %d", resp.StatusCode)
	}

	return ruleset.Decode(resp.Body)
}
