package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rulegate/internal/metrics"
	"rulegate/internal/ruleset"
	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
	"rulegate/pkg/session"
)

const (
	upstreamTimeout = 5 * time.Second
	maxMessageSize  = 65535

	// policyError labels queries whose rule matching failed.
	policyError = "error"
)

// Exchanger forwards a wire-format query and returns the response.
type Exchanger interface {
	Query(ctx context.Context, query []byte) ([]byte, error)
}

// Handler answers DNS queries according to the policy of the first matching
// rule.
type Handler struct {
	Manager       *rule.Manager
	UpstreamDNS   string
	DoH           Exchanger
	DefaultPolicy string
	Timeout       time.Duration
	Verbose       bool

	log zerolog.Logger
}

func NewHandler(m *rule.Manager, upstreamDNS, defaultPolicy string, timeout time.Duration, verbose bool) *Handler {
	return &Handler{
		Manager:       m,
		UpstreamDNS:   upstreamDNS,
		DefaultPolicy: defaultPolicy,
		Timeout:       timeout,
		Verbose:       verbose,
		log:           log.With().Str("component", "dns").Logger(),
	}
}

// Decide returns the policy for s. A session no rule matches gets the
// default policy; a failing rule is returned as an error.
func (h *Handler) Decide(ctx context.Context, s *session.Session) (string, rule.Rule, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	r, err := rule.MatchContext(ctx, h.Manager, s)
	switch {
	case err == nil:
		return rules.PolicyOf(r), r, nil
	case errors.Is(err, rule.ErrNoMatch):
		return h.DefaultPolicy, nil, nil
	default:
		return "", nil, err
	}
}

// Resolve produces the response to query. A nil response means the query
// should be dropped.
func (h *Handler) Resolve(ctx context.Context, network string, src netip.AddrPort, query []byte) []byte {
	start := time.Now()
	metrics.QueriesTotal.WithLabelValues(network).Inc()

	name, qtype, err := ParseQuery(query)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeParse, network).Inc()
		h.log.Debug().Err(err).Str("source", src.String()).Msg("dropping unparsable query")
		return nil
	}

	s := session.New(network, name, 0)
	s.Protocol = session.ProtocolDNS
	s.Inbound = "dns-" + network
	s.Source = src
	s.Labels = map[string]string{"qtype": TypeName(qtype)}

	policy, matched, err := h.Decide(ctx, s)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeMatch, network).Inc()
		h.log.Err(err).Str("domain", name).Msg("rule matching failed, refusing query")
		policy = policyError
	}

	if h.Verbose {
		ev := h.log.Info().
			Str("protocol", network).
			Str("source", src.String()).
			Str("domain", name).
			Str("qtype", TypeName(qtype)).
			Str("policy", policy)
		if matched != nil {
			ev = ev.Str("rule", fmt.Sprint(matched))
		}
		ev.Msg("query routed")
	}

	resp := h.apply(ctx, policy, network, query)

	metrics.QueriesByPolicy.WithLabelValues(network, policy).Inc()
	metrics.QueryDuration.WithLabelValues(network, policy).Observe(time.Since(start).Seconds())

	return resp
}

func (h *Handler) apply(ctx context.Context, policy, network string, query []byte) []byte {
	var (
		resp []byte
		err  error
	)

	switch policy {
	case ruleset.PolicyBlock:
		resp, err = NXDomain(query)

	case ruleset.PolicyDoH:
		if h.DoH != nil {
			resp, err = h.DoH.Query(ctx, query)
			if err == nil {
				return resp
			}
			metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeDoH, network).Inc()
			h.log.Err(err).Msg("DoH forward failed, falling back to upstream")
		}
		resp, err = h.forward(ctx, network, query)

	case ruleset.PolicyDirect:
		resp, err = h.forward(ctx, network, query)

	default:
		if policy != policyError {
			h.log.Warn().Str("policy", policy).Msg("unknown policy, refusing query")
		}
		resp, err = Refused(query)
	}

	if err != nil {
		h.log.Err(err).Str("policy", policy).Msg("failed to answer query")
		if refused, rerr := Refused(query); rerr == nil {
			return refused
		}
		return nil
	}

	return resp
}

func (h *Handler) forward(ctx context.Context, network string, query []byte) ([]byte, error) {
	if network == session.NetworkTCP {
		return h.forwardTCP(ctx, query)
	}

	return h.forwardUDP(ctx, query)
}

func (h *Handler) forwardUDP(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	upstreamConn, err := d.DialContext(ctx, "udp", h.UpstreamDNS)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamDial, session.NetworkUDP).Inc()
		return nil, fmt.Errorf("connect to upstream DNS: %w", err)
	}
	defer upstreamConn.Close()

	_ = upstreamConn.SetDeadline(deadline(ctx))

	if _, err := upstreamConn.Write(query); err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamWrite, session.NetworkUDP).Inc()
		return nil, fmt.Errorf("send query to upstream: %w", err)
	}

	responseBuffer := make([]byte, maxMessageSize)
	n, err := upstreamConn.Read(responseBuffer)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(readErrorType(err), session.NetworkUDP).Inc()
		return nil, fmt.Errorf("read response from upstream: %w", err)
	}

	return responseBuffer[:n], nil
}

func (h *Handler) forwardTCP(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	upstreamConn, err := d.DialContext(ctx, "tcp", h.UpstreamDNS)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamDial, session.NetworkTCP).Inc()
		return nil, fmt.Errorf("connect to upstream DNS via TCP: %w", err)
	}
	defer upstreamConn.Close()

	_ = upstreamConn.SetDeadline(deadline(ctx))

	if err := WriteTCPMessage(upstreamConn, query); err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamWrite, session.NetworkTCP).Inc()
		return nil, fmt.Errorf("send query to upstream: %w", err)
	}

	resp, err := ReadTCPMessage(upstreamConn)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(readErrorType(err), session.NetworkTCP).Inc()
		return nil, fmt.Errorf("read response from upstream: %w", err)
	}

	return resp, nil
}

// HandleUDP answers one datagram.
func (h *Handler) HandleUDP(ctx context.Context, serverConn *net.UDPConn, clientAddr *net.UDPAddr, query []byte) {
	resp := h.Resolve(ctx, session.NetworkUDP, clientAddr.AddrPort(), query)
	if resp == nil {
		return
	}

	if _, err := serverConn.WriteToUDP(resp, clientAddr); err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeClientWrite, session.NetworkUDP).Inc()
		h.log.Err(err).Msgf("Failed to send response to %s", clientAddr)
	}
}

// HandleTCP answers length-prefixed queries on clientConn until the client
// closes it or goes idle.
func (h *Handler) HandleTCP(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	var src netip.AddrPort
	if addr, ok := clientConn.RemoteAddr().(*net.TCPAddr); ok {
		src = addr.AddrPort()
	}

	for {
		_ = clientConn.SetReadDeadline(time.Now().Add(upstreamTimeout))

		query, err := ReadTCPMessage(clientConn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debug().Err(err).Str("source", src.String()).Msg("closing TCP connection")
			}
			return
		}

		resp := h.Resolve(ctx, session.NetworkTCP, src, query)
		if resp == nil {
			return
		}

		_ = clientConn.SetWriteDeadline(time.Now().Add(upstreamTimeout))
		if err := WriteTCPMessage(clientConn, resp); err != nil {
			metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeClientWrite, session.NetworkTCP).Inc()
			h.log.Err(err).Msg("Failed to send TCP response to client")
			return
		}
	}
}

// ReadTCPMessage reads one two-byte length-prefixed DNS message.
func ReadTCPMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [2]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	msg := make([]byte, binary.BigEndian.Uint16(lengthBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	return msg, nil
}

// WriteTCPMessage writes msg with its two-byte length prefix.
func WriteTCPMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return fmt.Errorf("message of %d bytes is too large", len(msg))
	}

	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)

	return err
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}

	return time.Now().Add(upstreamTimeout)
}

func readErrorType(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return metrics.ErrorTypeUpstreamTimeout
	}

	return metrics.ErrorTypeUpstreamRead
}
