package resolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sync/errgroup"
)

const dnsMessageType = "application/dns-message"

// Largest DNS message accepted from a DoH server.
const maxResponseSize = 65535

// DoH is a DNS over HTTPS client.
type DoH struct {
	ServerURL  string
	HTTPClient *http.Client
}

// DoHConfig holds configuration for the DoH client
type DoHConfig struct {
	ServerURL      string
	Timeout        time.Duration
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	// In-memory certificate data (takes precedence over file paths)
	CACertData         []byte
	ClientCertData     []byte
	ClientKeyData      []byte
	InsecureSkipVerify bool
}

// NewDoH creates a DoH client, loading any configured CA and client
// certificates.
func NewDoH(config DoHConfig) (*DoH, error) {
	if config.ServerURL == "" {
		return nil, errors.New("doh: server URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	tlsConfig, err := loadTLSConfig(config)
	if err != nil {
		return nil, fmt.Errorf("doh: %w", err)
	}

	transport := &http.Transport{
		TLSClientConfig:   tlsConfig,
		ForceAttemptHTTP2: true,
	}

	return &DoH{
		ServerURL: config.ServerURL,
		HTTPClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
	}, nil
}

// loadTLSConfig loads TLS certificates and creates a TLS configuration
func loadTLSConfig(config DoHConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	// Prefer in-memory data over file path
	caCert := config.CACertData
	if len(caCert) == 0 && config.CACertPath != "" {
		data, err := os.ReadFile(config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCert = data
	}
	if len(caCert) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caCertPool
		log.Info().Msg("Loaded DoH CA certificate")
	}

	// Client certificate and key for mTLS
	if len(config.ClientCertData) > 0 && len(config.ClientKeyData) > 0 {
		clientCert, err := tls.X509KeyPair(config.ClientCertData, config.ClientKeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate from memory: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{clientCert}
		log.Info().Msg("Loaded client certificate from in-memory data")
	} else if config.ClientCertPath != "" && config.ClientKeyPath != "" {
		clientCert, err := tls.LoadX509KeyPair(config.ClientCertPath, config.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{clientCert}
		log.Info().Msgf("Loaded client certificate from %s", config.ClientCertPath)
	}

	if config.InsecureSkipVerify {
		log.Warn().Msg("TLS certificate verification is disabled (insecure)")
	}

	return tlsConfig, nil
}

// Query sends a wire-format DNS message to the DoH server and returns the
// wire-format response.
func (c *DoH) Query(ctx context.Context, dnsQuery []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL, bytes.NewReader(dnsQuery))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != dnsMessageType {
		return nil, fmt.Errorf("unexpected content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

// LookupNetIP resolves host's A and AAAA records concurrently. A name that
// does not exist yields no addresses and no error.
func (c *DoH) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var v4, v6 []netip.Addr

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addrs, err := c.lookup(gCtx, host, dnsmessage.TypeA)
		v4 = addrs
		return err
	})
	g.Go(func() error {
		addrs, err := c.lookup(gCtx, host, dnsmessage.TypeAAAA)
		v6 = addrs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return append(v4, v6...), nil
}

func (c *DoH) lookup(ctx context.Context, host string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	query, err := BuildQuery(host, qtype)
	if err != nil {
		return nil, err
	}

	resp, err := c.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("doh lookup %s %s: %w", host, qtype, err)
	}

	return ParseAddrs(resp)
}

// BuildQuery builds a recursive query for host. The ID is zero as
// recommended for DoH.
func BuildQuery(host string, qtype dnsmessage.Type) ([]byte, error) {
	fqdn := host
	if len(fqdn) == 0 || fqdn[len(fqdn)-1] != '.' {
		fqdn += "."
	}
	name, err := dnsmessage.NewName(fqdn)
	if err != nil {
		return nil, fmt.Errorf("invalid name %q: %w", host, err)
	}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{RecursionDesired: true})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	msg, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return msg, nil
}

// ParseAddrs extracts A and AAAA answers from a response. NXDOMAIN yields
// no addresses; any other failure rcode is an error.
func ParseAddrs(resp []byte) ([]netip.Addr, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(resp)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	switch hdr.RCode {
	case dnsmessage.RCodeSuccess:
	case dnsmessage.RCodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("server returned %s", hdr.RCode)
	}

	if err := p.SkipAllQuestions(); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	var addrs []netip.Addr
	for {
		h, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse answer: %w", err)
		}

		switch h.Type {
		case dnsmessage.TypeA:
			r, err := p.AResource()
			if err != nil {
				return nil, fmt.Errorf("parse A record: %w", err)
			}
			addrs = append(addrs, netip.AddrFrom4(r.A))
		case dnsmessage.TypeAAAA:
			r, err := p.AAAAResource()
			if err != nil {
				return nil, fmt.Errorf("parse AAAA record: %w", err)
			}
			addrs = append(addrs, netip.AddrFrom16(r.AAAA))
		default:
			if err := p.SkipAnswer(); err != nil {
				return nil, fmt.Errorf("skip answer: %w", err)
			}
		}
	}

	return addrs, nil
}
