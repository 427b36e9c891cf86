package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	ModeStrict  = "strict"
	ModeBalance = "balance"
)

type Config struct {
	ListenAddr    string
	UpstreamDNS   string
	DoHURL        string
	Verbose       bool
	RulesFile     string
	ControllerURL string
	Mode          string
	ConfigHash    string
	DefaultPolicy string
	MatchTimeout  time.Duration
	MaxInflight   int64
	MetricsAddr   string
	APIAddr       string
	LogLevel      string
	LogFormat     string
}

// Load parses args (without the program name) into a Config.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("rulegate", pflag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen", ":53", "Address to listen on")
	fs.StringVar(&cfg.UpstreamDNS, "upstream", "1.1.1.1:53", "Upstream DNS server for the direct policy")
	fs.StringVar(&cfg.DoHURL, "doh", "", "DNS-over-HTTPS endpoint for the doh policy and for rule resolution")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log every query decision")
	fs.StringVar(&cfg.RulesFile, "rules", "", "RuleSet document (YAML or JSON)")
	fs.StringVar(&cfg.ControllerURL, "controller", "", "Controller URL to fetch the RuleSet from at startup")
	fs.StringVar(&cfg.Mode, "mode", ModeBalance, "Behaviour when the controller is unreachable: strict or balance")
	fs.StringVar(&cfg.DefaultPolicy, "default-policy", "", "Policy when no rule matches (overrides the RuleSet)")
	fs.DurationVar(&cfg.MatchTimeout, "match-timeout", 2*time.Second, "Upper bound on one rule-matching pass")
	fs.Int64Var(&cfg.MaxInflight, "max-inflight", 64, "Maximum rule evaluations running at once")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9090", "Metrics HTTP server address")
	fs.StringVar(&cfg.APIAddr, "api", "", "Explain API address, disabled when empty")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", "console", "Log format: console or json")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg.ConfigHash = os.Getenv("DNS_MESH_CONFIG_HASH")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Mode != ModeStrict && c.Mode != ModeBalance {
		return fmt.Errorf("invalid mode %q: want %s or %s", c.Mode, ModeStrict, ModeBalance)
	}
	if c.MatchTimeout <= 0 {
		return fmt.Errorf("match-timeout must be positive, got %v", c.MatchTimeout)
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("max-inflight must be positive, got %d", c.MaxInflight)
	}

	return nil
}
